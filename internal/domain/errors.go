package domain

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrAlreadyJoined = errors.New("peer already joined")
	ErrNotJoined     = errors.New("peer not yet joined")
	ErrNotFound      = errors.New("not found")
	ErrBadRequest    = errors.New("bad request")
	ErrForbidden     = errors.New("operation not allowed")
	ErrUnknownMethod = errors.New("unknown method")
	ErrRoomClosed    = errors.New("room closed")
	ErrPeerClosed    = errors.New("peer closed")
	ErrRateLimited   = errors.New("too many requests")
	ErrBackpressure  = errors.New("send buffer full")
)

// ErrorCode maps an error to the code carried by a rejected signaling request.
// Anything not matching a known sentinel is reported as an internal failure.
func ErrorCode(err error) int {
	var re *RequestError
	switch {
	case err == nil:
		return 0
	case errors.As(err, &re):
		return re.Code
	case errors.Is(err, ErrBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrUnknownMethod):
		return http.StatusMethodNotAllowed
	case errors.Is(err, ErrAlreadyJoined), errors.Is(err, ErrNotJoined):
		return http.StatusConflict
	case errors.Is(err, ErrRoomClosed), errors.Is(err, ErrPeerClosed):
		return http.StatusGone
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// RequestError is a rejection received from the remote side of a signaling request.
type RequestError struct {
	Code   int
	Reason string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("request rejected [code:%d]: %s", e.Code, e.Reason)
}
