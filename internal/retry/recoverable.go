package retry

import (
	"context"
	"errors"
	"net"
	"strings"
)

type temporaryError struct{ err error }

func (e temporaryError) Error() string { return e.err.Error() }
func (e temporaryError) Unwrap() error { return e.err }

// Temporary marks err as worth retrying regardless of its message
func Temporary(err error) error {
	if err == nil {
		return nil
	}
	return temporaryError{err: err}
}

// transientMarkers are substrings of transport and gateway failures that a
// later attempt usually gets past
var transientMarkers = []string{
	"connection reset",
	"connection refused",
	"broken pipe",
	"timeout",
	"timed out",
	"temporary failure",
	"network is unreachable",
	"no such host",
	"eof",
	"too many requests",
	"rate limit",
	"http 429",
	"http 502",
	"http 503",
	"http 504",
}

// IsRecoverable reports whether a chain call that failed with err may
// succeed when repeated
func IsRecoverable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var tmp temporaryError
	if errors.As(err, &tmp) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
