package bundleservice

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"
)

// transientError wraps an error the caller should retry rather than
// surface. 5xx responses and network-level failures are transient;
// anything else (4xx, decode errors) is permanent.
type transientError struct {
	err error
}

func (t *transientError) Error() string { return t.err.Error() }
func (t *transientError) Unwrap() error { return t.err }

func transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

func isTransient(err error) bool {
	var t *transientError
	if errors.As(err, &t) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// classifyStatus turns an HTTP status code into nil (success), a
// transient error (5xx, worth retrying), or a permanent error (4xx).
func classifyStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500:
		return transient(errors.New("bundle service: " + resp.Status))
	default:
		return errors.New("bundle service: " + resp.Status)
	}
}

// retryTransient runs fn, retrying forever on a transient error with a
// fixed 1s sleep between attempts. A permanent error or ctx cancellation
// returns immediately.
// onResult, if non-nil, is called after every attempt (success or not) so
// callers can drive "reconnected" logging exactly once per recovery.
func retryTransient(ctx context.Context, fn func() error, onResult func(err error)) error {
	for {
		err := fn()
		if onResult != nil {
			onResult(err)
		}
		if err == nil {
			return nil
		}
		if !isTransient(err) {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
}
