package httpclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/voragate/gateway/pkg/api"
)

// UpstreamError carries a non-2xx response before classification.
type UpstreamError struct {
	StatusCode int
	Body       []byte
	URL        string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream status %d from %s", e.StatusCode, e.URL)
}

// Classify maps a transport or upstream failure onto a routing error kind.
// 429 and 5xx are transient; other 4xx are permanent auth/validation
// failures that must not demote the provider.
func Classify(err error) error {
	var up *UpstreamError
	if errors.As(err, &up) {
		switch {
		case up.StatusCode == http.StatusTooManyRequests:
			return api.ProviderRateLimitedError(up.Error(), err)
		case up.StatusCode >= 500:
			return api.TimeoutError(up.Error(), err)
		default:
			return api.AuthenticationError(fmt.Sprintf("%s: %s", up.Error(), truncate(up.Body, 256)), err)
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return api.TimeoutError("upstream call timed out", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return api.TimeoutError("upstream connection timed out", err)
	}
	// Connection refused, DNS failures and the like are worth retrying.
	return api.TimeoutError(err.Error(), err)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
