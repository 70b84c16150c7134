package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/npezzotti/go-worksync/internal/conn"
	"github.com/npezzotti/go-worksync/internal/optimistic"
	"github.com/npezzotti/go-worksync/internal/rooms"
	"github.com/npezzotti/go-worksync/internal/types"
)

type StateResponse struct {
	UserId    string     `json:"userId"`
	State     conn.State `json:"state"`
	Epoch     uint64     `json:"epoch"`
	Connected bool       `json:"connected"`
	Online    int        `json:"online"`
}

type NotificationsResponse struct {
	Items        []types.Notification `json:"items"`
	Unread       int                  `json:"unread"`
	RemoteUnread int                  `json:"remoteUnread"`
}

type TasksResponse struct {
	ListId  string       `json:"listId"`
	Tasks   []types.Task `json:"tasks"`
	Pending int          `json:"pending"`
}

type ReorderRequest struct {
	ListId  string `json:"listId"`
	TaskId  string `json:"taskId"`
	ToIndex int    `json:"toIndex"`
}

type ToggleRequest struct {
	ListId string `json:"listId"`
	TaskId string `json:"taskId"`
}

type OperationResponse struct {
	Id     string            `json:"id"`
	Target string            `json:"target"`
	Status optimistic.Status `json:"status"`
}

func (s *Inspector) writeJson(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Printf("json encode: %v", err)
	}
}

func (s *Inspector) writeError(w http.ResponseWriter, err error) {
	errResp := errorFor(err)
	if errResp.StatusCode >= http.StatusInternalServerError {
		s.log.Printf("request failed: %v", err)
	}
	s.writeJson(w, errResp.StatusCode, errResp)
}

func (s *Inspector) healthCheck(w http.ResponseWriter, _ *http.Request) {
	if _, live := s.sess.Conn.Epoch(); !live {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(s.sess.Conn.State().String()))
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *Inspector) state(w http.ResponseWriter, r *http.Request) {
	userId, _ := UserId(r.Context())
	epoch, live := s.sess.Conn.Epoch()

	s.writeJson(w, http.StatusOK, StateResponse{
		UserId:    userId,
		State:     s.sess.Conn.State(),
		Epoch:     epoch,
		Connected: live,
		Online:    s.sess.Presence.Count(),
	})
}

// roomParam reads the room query parameter. ok is false when it is present
// but malformed.
func roomParam(r *http.Request) (ref types.RoomRef, present, ok bool) {
	name := r.URL.Query().Get("room")
	if name == "" {
		return types.RoomRef{}, false, true
	}
	ref, err := types.ParseRoom(name)
	if err != nil {
		return types.RoomRef{}, true, false
	}
	return ref, true, true
}

func (s *Inspector) rooms(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		s.writeJson(w, http.StatusOK, s.sess.Rooms.Active())
		return
	}

	ref, present, ok := roomParam(r)
	if !present || !ok {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	switch r.Method {
	case http.MethodPost:
		if err := s.sess.Join(ref); err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJson(w, http.StatusOK, rooms.Subscription{Room: ref, RefCount: s.sess.Rooms.RefCount(ref)})
	case http.MethodDelete:
		if s.sess.Rooms.RefCount(ref) == 0 {
			errResp := NewNotFoundError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}
		s.sess.Leave(ref)
		s.writeJson(w, http.StatusNoContent, nil)
	default:
		errResp := newApiError(http.StatusMethodNotAllowed, nil)
		s.writeJson(w, errResp.StatusCode, errResp)
	}
}

func (s *Inspector) presence(w http.ResponseWriter, r *http.Request) {
	ref, present, ok := roomParam(r)
	if !ok {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if !present {
		s.writeJson(w, http.StatusOK, s.sess.Presence.Online())
		return
	}
	s.writeJson(w, http.StatusOK, s.sess.Presence.OnlineIn(ref))
}

func (s *Inspector) typing(w http.ResponseWriter, r *http.Request) {
	ref, present, ok := roomParam(r)
	if !present || !ok {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.writeJson(w, http.StatusOK, s.sess.Typing.Typing(ref))
	case http.MethodPost:
		var err error
		switch r.URL.Query().Get("action") {
		case "start":
			err = s.sess.StartTyping(ref)
		case "stop":
			err = s.sess.StopTyping(ref)
		default:
			errResp := NewBadRequestError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJson(w, http.StatusNoContent, nil)
	default:
		errResp := newApiError(http.StatusMethodNotAllowed, nil)
		s.writeJson(w, errResp.StatusCode, errResp)
	}
}

func (s *Inspector) notifications(w http.ResponseWriter, _ *http.Request) {
	svc := s.sess.Notifications
	s.writeJson(w, http.StatusOK, NotificationsResponse{
		Items:        svc.List(),
		Unread:       svc.Synchronizer().Unread(),
		RemoteUnread: svc.RemoteUnread(),
	})
}

func (s *Inspector) refreshNotifications(w http.ResponseWriter, r *http.Request) {
	unreadOnly := false
	if v := r.URL.Query().Get("unreadOnly"); v != "" {
		var err error
		unreadOnly, err = strconv.ParseBool(v)
		if err != nil {
			errResp := NewBadRequestError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}
	}

	if err := s.sess.Notifications.Refresh(r.Context(), unreadOnly); err != nil {
		s.writeError(w, err)
		return
	}
	s.notifications(w, r)
}

func (s *Inspector) markRead(w http.ResponseWriter, r *http.Request) {
	var err error
	if id := r.URL.Query().Get("id"); id != "" {
		err = s.sess.Notifications.MarkRead(r.Context(), id)
	} else {
		err = s.sess.Notifications.MarkAllRead(r.Context())
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJson(w, http.StatusNoContent, nil)
}

func (s *Inspector) deleteNotification(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if err := s.sess.Notifications.Delete(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJson(w, http.StatusNoContent, nil)
}

func (s *Inspector) tasks(w http.ResponseWriter, r *http.Request) {
	listId := r.URL.Query().Get("list")
	if listId == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	switch r.Method {
	case http.MethodGet:
	case http.MethodPut:
		var tasks []types.Task
		if err := json.NewDecoder(r.Body).Decode(&tasks); err != nil {
			errResp := NewBadRequestError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}
		for i := range tasks {
			if tasks[i].Id == "" {
				errResp := NewBadRequestError()
				s.writeJson(w, errResp.StatusCode, errResp)
				return
			}
			tasks[i].ListId = listId
		}
		s.sess.Tasks.Load(listId, tasks)
	default:
		errResp := newApiError(http.StatusMethodNotAllowed, nil)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusOK, TasksResponse{
		ListId:  listId,
		Tasks:   s.sess.Tasks.Tasks(listId),
		Pending: s.sess.Tasks.Pending(listId),
	})
}

func (s *Inspector) reorderTask(w http.ResponseWriter, r *http.Request) {
	var req ReorderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ListId == "" || req.TaskId == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	op, err := s.sess.Tasks.Reorder(r.Context(), req.ListId, req.TaskId, req.ToIndex)
	s.writeOperation(w, r, op, err)
}

func (s *Inspector) toggleTask(w http.ResponseWriter, r *http.Request) {
	var req ToggleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ListId == "" || req.TaskId == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	op, err := s.sess.Tasks.ToggleStatus(r.Context(), req.ListId, req.TaskId)
	s.writeOperation(w, r, op, err)
}

// writeOperation answers 202 with the pending operation, or with its outcome
// when the caller asked to wait.
func (s *Inspector) writeOperation(w http.ResponseWriter, r *http.Request, op *optimistic.Operation, err error) {
	if err != nil {
		s.writeError(w, err)
		return
	}

	code := http.StatusAccepted
	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); wait {
		if err := op.Wait(r.Context()); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				s.writeJson(w, http.StatusAccepted, operationResponse(op))
				return
			}
			s.writeError(w, err)
			return
		}
		code = http.StatusOK
	}
	s.writeJson(w, code, operationResponse(op))
}

func operationResponse(op *optimistic.Operation) OperationResponse {
	return OperationResponse{Id: op.Id, Target: op.Target, Status: op.Status()}
}
