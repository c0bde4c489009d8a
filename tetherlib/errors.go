package tetherlib

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
)

var (
	ErrClosing        = errors.New("tether: connection is closing")
	ErrNotOpen        = errors.New("tether: connection is not open")
	ErrInvalidPayload = errors.New("tether: request payload must be a map or struct")
	ErrDuplicateID    = errors.New("tether: request id already pending")
)

// TimeoutError reports that an open, close or request operation exceeded
// its deadline.
type TimeoutError struct {
	Op       string
	ID       string // request id, empty for open/close
	Duration time.Duration
}

func (e *TimeoutError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("tether: %s %q timed out after %v", e.Op, e.ID, e.Duration)
	}
	return fmt.Sprintf("tether: %s timed out after %v", e.Op, e.Duration)
}

// ClosedError reports that the transport closed while an opening or request
// outcome was still pending.
type ClosedError struct {
	Code   int
	Reason string
}

func (e *ClosedError) Error() string {
	return fmt.Sprintf("tether: connection closed (code %d, reason %q)", e.Code, e.Reason)
}

// IsTimeout reports whether err carries a TimeoutError.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// IsClosed reports whether err carries a ClosedError.
func IsClosed(err error) bool {
	var ce *ClosedError
	return errors.As(err, &ce)
}
