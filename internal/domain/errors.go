package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for the sync path. Handlers match these with errors.Is to
// pick the HTTP status a failed sync maps to.
var (
	// ErrNotConnected means no stored Fortnox token exists for the
	// (user, company) pair. The caller must run the authorization flow.
	ErrNotConnected = errors.New("fortnox: not connected")

	// ErrRefreshFailed means the refresh-token grant was rejected. The stored
	// credentials are dead and only user re-authorization can recover.
	ErrRefreshFailed = errors.New("fortnox: token refresh failed")

	// ErrSessionExpired means a 401 could not be recovered by a one-shot
	// refresh. Terminal for the current run.
	ErrSessionExpired = errors.New("fortnox: session expired, reconnection required")

	// ErrRateLimited means the retry budget was exhausted on HTTP 429s.
	ErrRateLimited = errors.New("fortnox: rate limit retry budget exhausted")
)

// HTTPError is an unexpected non-2xx response from the Fortnox API that the
// fetch client does not retry.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("fortnox: unexpected HTTP %d: %s", e.Status, e.Body)
}
