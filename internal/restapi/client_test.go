package restapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/npezzotti/go-worksync/internal/testutil"
	"github.com/npezzotti/go-worksync/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, h http.Handler) *HTTPClient {
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	c := NewHTTPClient(srv.URL, "secret", srv.Client(), testutil.TestLogger(t))
	c.baseDelay = time.Millisecond
	c.maxDelay = 5 * time.Millisecond
	return c
}

func writeData(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"data": v})
}

func TestListNotifications(t *testing.T) {
	created := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/api/notifications", r.URL.Path)
		assert.Equal(t, "20", r.URL.Query().Get("limit"))
		assert.Equal(t, "true", r.URL.Query().Get("unreadOnly"))
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		_, err := uuid.Parse(r.Header.Get("X-Correlation-Id"))
		assert.NoError(t, err, "expected a uuid correlation id")

		writeData(w, []types.Notification{{Id: "n1", Title: "hello", CreatedAt: created}})
	}))

	got, err := c.ListNotifications(context.Background(), ListOptions{Limit: 20, UnreadOnly: true})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "n1", got[0].Id)
	assert.Equal(t, created, got[0].CreatedAt)
}

func TestUnreadCount(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/notifications/unread-count", r.URL.Path)
		writeData(w, map[string]int{"count": 7})
	}))

	n, err := c.UnreadCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, n)
}

func TestMutationEndpoints(t *testing.T) {
	tcases := []struct {
		name       string
		call       func(c *HTTPClient) error
		wantMethod string
		wantPath   string
		wantBody   string
	}{
		{
			name:       "mark read",
			call:       func(c *HTTPClient) error { return c.MarkRead(context.Background(), "n1") },
			wantMethod: http.MethodPatch,
			wantPath:   "/api/notifications/n1/read",
		},
		{
			name:       "mark all read",
			call:       func(c *HTTPClient) error { return c.MarkAllRead(context.Background()) },
			wantMethod: http.MethodPatch,
			wantPath:   "/api/notifications/read-all",
		},
		{
			name:       "delete",
			call:       func(c *HTTPClient) error { return c.DeleteNotification(context.Background(), "n1") },
			wantMethod: http.MethodDelete,
			wantPath:   "/api/notifications/n1",
		},
		{
			name: "reorder",
			call: func(c *HTTPClient) error {
				_, err := c.ReorderTask(context.Background(), "t3", 1)
				return err
			},
			wantMethod: http.MethodPatch,
			wantPath:   "/api/tasks/t3/reorder",
			wantBody:   `{"position":1}`,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, tc.wantMethod, r.Method)
				assert.Equal(t, tc.wantPath, r.URL.Path)
				if tc.wantBody != "" {
					body, _ := io.ReadAll(r.Body)
					assert.JSONEq(t, tc.wantBody, string(body))
					assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
				}
				w.WriteHeader(http.StatusNoContent)
			}))
			assert.NoError(t, tc.call(c))
		})
	}
}

func TestUpdateTask(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/api/tasks/t1", r.URL.Path)

		var task types.Task
		require.NoError(t, json.NewDecoder(r.Body).Decode(&task))
		assert.Equal(t, types.TaskStatusDone, task.Status)

		task.Title = "server title"
		writeData(w, task)
	}))

	got, err := c.UpdateTask(context.Background(), types.Task{Id: "t1", Status: types.TaskStatusDone})
	require.NoError(t, err)
	assert.Equal(t, "server title", got.Title)
}

func TestRetriesTransientStatus(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch calls.Add(1) {
		case 1:
			w.WriteHeader(http.StatusServiceUnavailable)
		case 2:
			w.WriteHeader(http.StatusTooManyRequests)
		default:
			writeData(w, map[string]int{"count": 1})
		}
	}))

	n, err := c.UnreadCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, int32(3), calls.Load())
}

func TestRetriesExhausted(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))

	err := c.MarkAllRead(context.Background())

	var httpErr *HTTPError
	require.True(t, errors.As(err, &httpErr), "expected HTTPError, got %v", err)
	assert.Equal(t, http.StatusInternalServerError, httpErr.StatusCode)
	assert.Equal(t, int32(4), calls.Load(), "expected one try plus three retries")
}

func TestClientErrorsAreNotRetried(t *testing.T) {
	tcases := []struct {
		status int
		want   error
	}{
		{http.StatusNotFound, ErrNotFound},
		{http.StatusUnauthorized, ErrUnauthorized},
		{http.StatusForbidden, ErrUnauthorized},
		{http.StatusConflict, ErrConflict},
	}

	for _, tc := range tcases {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			var calls atomic.Int32
			c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(tc.status)
				json.NewEncoder(w).Encode(map[string]string{"code": "nope", "message": "rejected"})
			}))

			err := c.MarkRead(context.Background(), "n1")
			assert.ErrorIs(t, err, tc.want)
			assert.Contains(t, err.Error(), "rejected")
			assert.Equal(t, int32(1), calls.Load())
		})
	}
}

func TestContextCanceledDuringBackoff(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	c.baseDelay = time.Hour
	c.maxDelay = time.Hour

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := c.MarkAllRead(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRetryDelay(t *testing.T) {
	c := NewHTTPClient("", "", nil, nil)

	tcases := []struct {
		name       string
		attempt    int
		retryAfter string
		want       time.Duration
	}{
		{"first", 1, "", 100 * time.Millisecond},
		{"second", 2, "", 200 * time.Millisecond},
		{"third", 3, "", 400 * time.Millisecond},
		{"capped", 10, "", 2 * time.Second},
		{"retry after", 1, "1", time.Second},
		{"retry after capped", 1, "30", 2 * time.Second},
		{"bad retry after", 1, "soon", 100 * time.Millisecond},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, c.retryDelay(tc.attempt, tc.retryAfter))
		})
	}
}
