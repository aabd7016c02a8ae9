package kg

import (
	"errors"
	"fmt"
	"net/http"
)

// UpstreamError wraps a failure reported by (or while reaching) the
// knowledge-graph backend.
type UpstreamError struct {
	Op     string
	Status int // HTTP status, 0 for transport failures
	Err    error
}

func (e *UpstreamError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("upstream %s: status %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("upstream %s: %v", e.Op, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// Temporary reports whether retrying the same idempotent read may succeed:
// transport failures, 429 and 5xx. Any other 4xx is a caller mistake.
func (e *UpstreamError) Temporary() bool {
	if e.Status == 0 {
		return true
	}
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// IsUpstream reports whether err is (or wraps) an UpstreamError.
func IsUpstream(err error) bool {
	var ue *UpstreamError
	return errors.As(err, &ue)
}
