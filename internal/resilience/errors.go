package resilience

import (
	"errors"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"
)

// TransientError marks an error as retryable. RetryAfter, when set,
// is the wait the server asked for; retry loops honor it in place of
// their computed backoff.
type TransientError struct {
	Err        error
	StatusCode int
	RetryAfter time.Duration
}

func (e *TransientError) Error() string { return e.Err.Error() }

func (e *TransientError) Unwrap() error { return e.Err }

// NewTransientError marks err retryable, recording the HTTP status
// behind it when one applies.
func NewTransientError(err error, status int) *TransientError {
	return &TransientError{Err: err, StatusCode: status}
}

// NewThrottledError marks a throttling rejection retryable along with
// the wait the server asked for.
func NewThrottledError(err error, status int, retryAfter time.Duration) *TransientError {
	return &TransientError{Err: err, StatusCode: status, RetryAfter: retryAfter}
}

// RetryAfterHint extracts the server-directed wait from an error
// chain. Zero means the chain carries none.
func RetryAfterHint(err error) time.Duration {
	var te *TransientError
	if errors.As(err, &te) {
		return te.RetryAfter
	}
	return 0
}

// Message fragments that identify retryable network failures once an
// intermediate layer has flattened the error chain to a string.
var transientFragments = []string{
	"connection reset by peer",
	"broken pipe",
	"temporary failure in name resolution",
	"no such host",
	"tls handshake timeout",
	"i/o timeout",
	"server closed idle connection",
	"transport connection broken",
}

// IsTransient reports whether err looks worth retrying: an explicit
// TransientError anywhere in the chain, a network timeout, a dropped
// connection, or a message matching a known retryable failure.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return true
	}
	for _, errno := range []error{syscall.ECONNRESET, syscall.ECONNREFUSED, syscall.ECONNABORTED} {
		if errors.Is(err, errno) {
			return true
		}
	}
	msg := strings.ToLower(err.Error())
	for _, frag := range transientFragments {
		if strings.Contains(msg, frag) {
			return true
		}
	}
	return false
}

// IsTransientHTTPStatus reports whether a response status signals a
// retryable server-side condition rather than a rejected request.
func IsTransientHTTPStatus(status int) bool {
	switch status {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}
