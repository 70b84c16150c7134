package restapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/npezzotti/go-worksync/internal/types"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrUnauthorized = errors.New("unauthorized")
	ErrConflict     = errors.New("conflict")
)

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

func (e *HTTPError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case ErrUnauthorized:
		return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
	case ErrConflict:
		return e.StatusCode == http.StatusConflict
	}
	return false
}

type ListOptions struct {
	Limit      int
	UnreadOnly bool
}

// Client is the subset of the backend REST API the sync core calls.
type Client interface {
	ListNotifications(ctx context.Context, opts ListOptions) ([]types.Notification, error)
	UnreadCount(ctx context.Context) (int, error)
	MarkRead(ctx context.Context, id string) error
	MarkAllRead(ctx context.Context) error
	DeleteNotification(ctx context.Context, id string) error
	UpdateTask(ctx context.Context, task types.Task) (types.Task, error)
	ReorderTask(ctx context.Context, id string, position int) (types.Task, error)
}

type envelope[T any] struct {
	Data T `json:"data"`
}

type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	log        *log.Logger
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewHTTPClient(baseURL, token string, httpClient *http.Client, logger *log.Logger) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:5000"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[restapi] ", log.LstdFlags)
	}
	return &HTTPClient{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
		log:        logger,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

func (c *HTTPClient) ListNotifications(ctx context.Context, opts ListOptions) ([]types.Notification, error) {
	q := url.Values{}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.UnreadOnly {
		q.Set("unreadOnly", "true")
	}
	path := "/api/notifications"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var out envelope[[]types.Notification]
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	return out.Data, nil
}

func (c *HTTPClient) UnreadCount(ctx context.Context) (int, error) {
	var out envelope[struct {
		Count int `json:"count"`
	}]
	if err := c.doJSON(ctx, http.MethodGet, "/api/notifications/unread-count", nil, &out); err != nil {
		return 0, fmt.Errorf("unread count: %w", err)
	}
	return out.Data.Count, nil
}

func (c *HTTPClient) MarkRead(ctx context.Context, id string) error {
	path := fmt.Sprintf("/api/notifications/%s/read", url.PathEscape(id))
	if err := c.doJSON(ctx, http.MethodPatch, path, nil, nil); err != nil {
		return fmt.Errorf("mark %s read: %w", id, err)
	}
	return nil
}

func (c *HTTPClient) MarkAllRead(ctx context.Context) error {
	if err := c.doJSON(ctx, http.MethodPatch, "/api/notifications/read-all", nil, nil); err != nil {
		return fmt.Errorf("mark all read: %w", err)
	}
	return nil
}

func (c *HTTPClient) DeleteNotification(ctx context.Context, id string) error {
	path := "/api/notifications/" + url.PathEscape(id)
	if err := c.doJSON(ctx, http.MethodDelete, path, nil, nil); err != nil {
		return fmt.Errorf("delete notification %s: %w", id, err)
	}
	return nil
}

func (c *HTTPClient) UpdateTask(ctx context.Context, task types.Task) (types.Task, error) {
	var out envelope[types.Task]
	path := "/api/tasks/" + url.PathEscape(task.Id)
	if err := c.doJSON(ctx, http.MethodPut, path, task, &out); err != nil {
		return types.Task{}, fmt.Errorf("update task %s: %w", task.Id, err)
	}
	return out.Data, nil
}

func (c *HTTPClient) ReorderTask(ctx context.Context, id string, position int) (types.Task, error) {
	var out envelope[types.Task]
	path := fmt.Sprintf("/api/tasks/%s/reorder", url.PathEscape(id))
	body := map[string]int{"position": position}
	if err := c.doJSON(ctx, http.MethodPatch, path, body, &out); err != nil {
		return types.Task{}, fmt.Errorf("reorder task %s: %w", id, err)
	}
	return out.Data, nil
}

func (c *HTTPClient) doJSON(ctx context.Context, method, requestPath string, body any, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}

	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("X-Correlation-Id", uuid.NewString())
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries && ctx.Err() == nil {
				c.log.Printf("%s %s: %v, retrying", method, requestPath, err)
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payload, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payload) == 0 {
				return nil
			}
			return json.Unmarshal(payload, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500) && attempt < c.maxRetries {
			c.log.Printf("%s %s: status %d, retrying", method, requestPath, resp.StatusCode)
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		json.Unmarshal(payload, &errPayload)
		if errPayload.Message == "" {
			errPayload.Message = strings.ToLower(http.StatusText(resp.StatusCode))
		}
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
	}
}

func (c *HTTPClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	if delay > c.maxDelay {
		return c.maxDelay
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
