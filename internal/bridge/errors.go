package bridge

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrSessionClosed resolves every wait that was outstanding when its
	// session was torn down.
	ErrSessionClosed = errors.New("session closed")
	// ErrDuplicateRequest is returned when a request id is already pending.
	ErrDuplicateRequest = errors.New("request id already pending")
	// ErrUnsupportedRequest is returned for request kinds that produce no
	// awaitable response.
	ErrUnsupportedRequest = errors.New("request kind has no awaitable response")
)

// TimeoutError reports a wait that ran out of budget.
type TimeoutError struct {
	ReqID int
	Kind  Kind
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout: no %s response for request %d after %s", e.Kind, e.ReqID, e.After)
}

// GatewayError is an Error-level status code tied to a request.
type GatewayError struct {
	ReqID   int
	Code    int
	Message string
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("gateway error %d on request %d: %s", e.Code, e.ReqID, e.Message)
}
