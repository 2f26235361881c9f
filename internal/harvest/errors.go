package harvest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Error taxonomy. Callers wrap these with fmt.Errorf and test with errors.Is.
var (
	// ErrSourceBusy means another non-terminal run holds the source lease.
	ErrSourceBusy = errors.New("source busy")
	// ErrTransientFetch covers network failures, timeouts and rate limiting.
	ErrTransientFetch = errors.New("transient fetch error")
	// ErrTransientStorage covers object store and database hiccups.
	ErrTransientStorage = errors.New("transient storage error")
	// ErrPermanentItem marks an item that will never succeed.
	ErrPermanentItem = errors.New("permanent item error")
	// ErrRunTimeout is recorded when a run exceeds its wall-clock budget.
	ErrRunTimeout = errors.New("run timeout")
	// ErrFatalConfig marks a source whose configuration cannot work.
	ErrFatalConfig = errors.New("fatal config error")
	// ErrInvalidTransition rejects a run state change the state machine forbids.
	ErrInvalidTransition = errors.New("invalid run transition")
)

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrTransientFetch) || errors.Is(err, ErrTransientStorage) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

// StatusError maps an HTTP status to the error taxonomy. listing selects
// the stricter mapping used for listing pages, where auth and not-found
// responses mean the source itself is misconfigured.
func StatusError(url string, status int, listing bool) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusTooManyRequests, status == http.StatusRequestTimeout, status >= 500:
		return fmt.Errorf("%w: %s returned %d", ErrTransientFetch, url, status)
	case listing && (status == http.StatusUnauthorized || status == http.StatusForbidden ||
		status == http.StatusNotFound || status == http.StatusGone):
		return fmt.Errorf("%w: %s returned %d", ErrFatalConfig, url, status)
	default:
		return fmt.Errorf("%w: %s returned %d", ErrPermanentItem, url, status)
	}
}
