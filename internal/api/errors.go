package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/npezzotti/go-worksync/internal/conn"
	"github.com/npezzotti/go-worksync/internal/notify"
	"github.com/npezzotti/go-worksync/internal/optimistic"
	"github.com/npezzotti/go-worksync/internal/restapi"
	"github.com/npezzotti/go-worksync/internal/rooms"
)

type ApiError struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
	Err        error  `json:"-"`
}

func (e *ApiError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s", e.Message, e.Err.Error())
	}

	return e.Message
}

func (e *ApiError) Unwrap() error {
	return e.Err
}

func lower(s string) string {
	return strings.ToLower(s)
}

func newApiError(code int, err error) *ApiError {
	return &ApiError{
		StatusCode: code,
		Message:    lower(http.StatusText(code)),
		Err:        err,
	}
}

func NewBadRequestError() *ApiError {
	return newApiError(http.StatusBadRequest, nil)
}

func NewNotFoundError() *ApiError {
	return newApiError(http.StatusNotFound, nil)
}

func NewInternalServerError(err error) *ApiError {
	return newApiError(http.StatusInternalServerError, err)
}

func NewUnauthorizedError() *ApiError {
	return newApiError(http.StatusUnauthorized, nil)
}

func NewConflictError(err error) *ApiError {
	return &ApiError{
		StatusCode: http.StatusConflict,
		Message:    err.Error(),
		Err:        err,
	}
}

func NewBadGatewayError(err error) *ApiError {
	return &ApiError{
		StatusCode: http.StatusBadGateway,
		Message:    err.Error(),
		Err:        err,
	}
}

func NewServiceUnavailableError() *ApiError {
	return newApiError(http.StatusServiceUnavailable, nil)
}

// errorFor maps an error from the session onto the response it deserves.
func errorFor(err error) *ApiError {
	var httpErr *restapi.HTTPError
	switch {
	case errors.Is(err, optimistic.ErrRolledBack):
		return NewConflictError(err)
	case errors.Is(err, optimistic.ErrUnknownKey), errors.Is(err, notify.ErrNotFound):
		return NewNotFoundError()
	case errors.Is(err, optimistic.ErrInvalidIndex),
		errors.Is(err, rooms.ErrInvalidScope),
		errors.Is(err, rooms.ErrInvalidRoom):
		return NewBadRequestError()
	case errors.Is(err, conn.ErrNotConnected):
		return NewServiceUnavailableError()
	case errors.As(err, &httpErr):
		return NewBadGatewayError(err)
	default:
		return NewInternalServerError(err)
	}
}
