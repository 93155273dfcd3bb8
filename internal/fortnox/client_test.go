package fortnox

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkarlsson/budgetsync/internal/domain"
)

// newTestClient builds a client against srv with no pacing and recorded,
// zero-duration sleeps so retry tests run instantly.
func newTestClient(srv *httptest.Server, maxRetries int) (*Client, *[]time.Duration) {
	c := NewClient(srv.URL, 0, maxRetries, zerolog.Nop())
	c.httpClient = srv.Client()

	sleeps := &[]time.Duration{}
	c.sleep = func(_ context.Context, d time.Duration) error {
		*sleeps = append(*sleeps, d)
		return nil
	}
	c.jitter = func() time.Duration { return 0 }
	return c, sleeps
}

func TestGetJSONSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
		w.Write([]byte(`{"FinancialYears":[{"Id":3,"FromDate":"2025-01-01","ToDate":"2025-12-31"}]}`))
	}))
	defer srv.Close()

	c, _ := newTestClient(srv, 3)
	stats := &CallStats{}

	years, err := c.FinancialYears(context.Background(), RequestOptions{AccessToken: "tok-1", Stats: stats})
	require.NoError(t, err)
	require.Len(t, years, 1)
	assert.Equal(t, 3, years[0].ID)
	assert.Equal(t, 1, stats.APICalls)
	assert.Equal(t, 0, stats.Retries)
}

func TestGetJSONRateLimitExhaustsBudget(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c, sleeps := newTestClient(srv, 4)
	stats := &CallStats{}

	err := c.GetJSON(context.Background(), "/vouchers", nil, nil, RequestOptions{AccessToken: "tok", Stats: stats})
	require.ErrorIs(t, err, domain.ErrRateLimited)

	assert.Equal(t, 4, hits)
	assert.Equal(t, 4, stats.APICalls)
	assert.Equal(t, 4, stats.Retries)
	assert.Equal(t, 4, stats.RateLimitHits)

	// Backoff doubles per attempt.
	require.Len(t, *sleeps, 4)
	for i := 1; i < len(*sleeps); i++ {
		assert.Greater(t, (*sleeps)[i], (*sleeps)[i-1])
	}
}

func TestGetJSONRecoversAfterRateLimit(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		if hits < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c, _ := newTestClient(srv, 6)
	stats := &CallStats{}

	var out map[string]bool
	err := c.GetJSON(context.Background(), "/x", nil, &out, RequestOptions{AccessToken: "tok", Stats: stats})
	require.NoError(t, err)
	assert.True(t, out["ok"])
	assert.Equal(t, 3, stats.APICalls)
	assert.Equal(t, 2, stats.RateLimitHits)
}

func TestGetJSONRefreshesOnceOn401(t *testing.T) {
	var tokens []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokens = append(tokens, r.Header.Get("Authorization"))
		if len(tokens) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c, sleeps := newTestClient(srv, 3)

	var refreshed bool
	err := c.GetJSON(context.Background(), "/x", nil, nil, RequestOptions{
		AccessToken: "stale",
		OnUnauthorized: func(context.Context) (string, error) {
			refreshed = true
			return "fresh", nil
		},
	})
	require.NoError(t, err)
	assert.True(t, refreshed)
	assert.Equal(t, []string{"Bearer stale", "Bearer fresh"}, tokens)

	// The fixed cooldown after refresh is the only sleep.
	require.Len(t, *sleeps, 1)
	assert.Equal(t, authCooldown, (*sleeps)[0])
}

func TestGetJSONSecond401IsSessionExpired(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c, _ := newTestClient(srv, 3)

	var calls int
	err := c.GetJSON(context.Background(), "/x", nil, nil, RequestOptions{
		AccessToken: "stale",
		OnUnauthorized: func(context.Context) (string, error) {
			calls++
			return "fresh", nil
		},
	})
	require.ErrorIs(t, err, domain.ErrSessionExpired)
	assert.Equal(t, 1, calls)
}

func TestGetJSON401WithoutCallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c, _ := newTestClient(srv, 3)

	err := c.GetJSON(context.Background(), "/x", nil, nil, RequestOptions{AccessToken: "stale"})
	require.ErrorIs(t, err, domain.ErrSessionExpired)
}

func TestGetJSONOtherStatusFailsImmediately(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		http.Error(w, "no such voucher", http.StatusNotFound)
	}))
	defer srv.Close()

	c, _ := newTestClient(srv, 5)

	err := c.GetJSON(context.Background(), "/vouchers/A/99", nil, nil, RequestOptions{AccessToken: "tok"})
	require.Error(t, err)

	var httpErr *domain.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusNotFound, httpErr.Status)
	assert.Equal(t, 1, hits)
}

func TestGetJSONCancelledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c, _ := newTestClient(srv, 5)
	c.sleep = sleepContext

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := c.GetJSON(ctx, "/x", nil, nil, RequestOptions{AccessToken: "tok"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestVouchersPageQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "2025-03-01", q.Get("fromdate"))
		assert.Equal(t, "2025-03-31", q.Get("todate"))
		assert.Equal(t, "3", q.Get("financialyear"))
		assert.Equal(t, "2", q.Get("page"))
		w.Write([]byte(`{"MetaInformation":{"@TotalPages":2,"@CurrentPage":2},"Vouchers":[]}`))
	}))
	defer srv.Close()

	c, _ := newTestClient(srv, 3)

	from := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2025, 3, 31, 0, 0, 0, 0, time.UTC)
	resp, err := c.VouchersPage(context.Background(), from, to, 3, 2, RequestOptions{AccessToken: "tok"})
	require.NoError(t, err)
	assert.Equal(t, 2, resp.MetaInformation.TotalPages)
}
