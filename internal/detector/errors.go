package detector

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrTransient marks failures that may succeed on retry: throttling, 5xx, timeouts.
	ErrTransient = errors.New("detector temporarily unavailable")
	// ErrPermanent marks failures retrying cannot fix: bad requests, unknown endpoints.
	ErrPermanent       = errors.New("detector rejected request")
	ErrInvalidResponse = errors.New("detector returned invalid response")
)

// classifyError maps transport failures (refused connections, timeouts) to
// ErrTransient. Cancellation of the caller's context is passed through untouched.
func classifyError(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrTransient, err)
}

// classifyStatus maps a non-2xx response to a sentinel error.
func classifyStatus(code int, body []byte) error {
	msg := string(body)
	if len(msg) > 256 {
		msg = msg[:256]
	}
	switch {
	case code == http.StatusTooManyRequests, code == http.StatusRequestTimeout, code >= 500:
		return fmt.Errorf("%w: status %d: %s", ErrTransient, code, msg)
	default:
		return fmt.Errorf("%w: status %d: %s", ErrPermanent, code, msg)
	}
}
