package session

import (
	"errors"
	"fmt"
)

var (
	ErrNotConnected     = errors.New("session is not connected")
	ErrHandshakeTimeout = errors.New("gateway did not deliver a starting order id")
)

// ConnectionError reports a failed open. It is recoverable by opening again
// with a fresh client id.
type ConnectionError struct {
	Host     string
	Port     int
	ClientID int
	Code     int // gateway status code, zero when the failure was local
	Err      error
}

func (e *ConnectionError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("connect %s:%d as client %d: gateway code %d: %v", e.Host, e.Port, e.ClientID, e.Code, e.Err)
	}
	return fmt.Sprintf("connect %s:%d as client %d: %v", e.Host, e.Port, e.ClientID, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// IsConnectionError reports whether err is a ConnectionError.
func IsConnectionError(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}
