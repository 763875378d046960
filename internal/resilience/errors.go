package resilience

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"
)

// TransientError marks a browser or network failure that is worth retrying:
// an expired wait, a dropped DevTools connection, a page that failed to load.
type TransientError struct {
	Err error
	// Op names the operation that failed, for logs.
	Op string
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps err as transient.
func NewTransientError(err error, op string) *TransientError {
	return &TransientError{Err: err, Op: op}
}

// Error classes used in logs and run-log steps.
const (
	ClassTransient = "transient"
	ClassPermanent = "permanent"
	ClassCanceled  = "canceled"
)

// Classify names the class of err.
func Classify(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.Canceled):
		return ClassCanceled
	case IsTransient(err):
		return ClassTransient
	default:
		return ClassPermanent
	}
}

// IsTransient reports whether err (or anything in its chain) is a
// TransientError, a network timeout, a reset connection, or carries one of
// the messages Chrome and the DevTools transport use for recoverable faults.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

var transientPatterns = []string{
	"connection reset by peer",
	"broken pipe",
	"i/o timeout",
	"no such host",
	"temporary failure in name resolution",
	"net::err_connection",
	"net::err_timed_out",
	"net::err_network_changed",
	"net::err_internet_disconnected",
	"net::err_name_not_resolved",
	"websocket: close",
	"could not find node",
	"execution context was destroyed",
}
