package fortnox

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/mkarlsson/budgetsync/internal/domain"
)

const (
	// DefaultMaxRetries bounds the shared 429/network retry budget per call.
	DefaultMaxRetries = 6

	baseBackoff  = 500 * time.Millisecond
	maxBackoff   = 30 * time.Second
	maxJitter    = 500 * time.Millisecond
	authCooldown = 2 * time.Second
)

// CallStats is an explicit accumulator for request diagnostics. The sync
// engine owns one per run and threads it through every call; the client
// never keeps counters of its own.
type CallStats struct {
	APICalls      int
	Retries       int
	RateLimitHits int
}

// RequestOptions carries the per-call credentials and accounting.
type RequestOptions struct {
	// AccessToken authorizes the request.
	AccessToken string

	// OnUnauthorized, when set, is invoked once on a 401 during the first
	// attempt and must return a fresh access token. A failing callback ends
	// the call with ErrSessionExpired.
	OnUnauthorized func(ctx context.Context) (string, error)

	// Stats receives call accounting when non-nil.
	Stats *CallStats
}

// Client performs HTTP calls against the Fortnox API with bounded
// exponential-backoff retry, 429 handling and a one-shot token refresh on
// authorization failure. Every request first waits on the shared rate
// limiter, the self-imposed pacing that keeps the service under Fortnox's
// per-second budget independent of 429 backoff.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	maxRetries int
	log        zerolog.Logger

	// Injectable for tests.
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func() time.Duration
}

// NewClient creates a Fortnox API client. throttle is the minimum spacing
// between requests; maxRetries <= 0 selects DefaultMaxRetries.
func NewClient(baseURL string, throttle time.Duration, maxRetries int, log zerolog.Logger) *Client {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	limit := rate.Inf
	if throttle > 0 {
		limit = rate.Every(throttle)
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		limiter:    rate.NewLimiter(limit, 1),
		maxRetries: maxRetries,
		log:        log,
		sleep:      sleepContext,
		jitter: func() time.Duration {
			return time.Duration(rand.Int63n(int64(maxJitter)))
		},
	}
}

// GetJSON fetches path (relative to the API base) and decodes the response
// body into out. Retry policy:
//   - 429 and transport errors share one exponential-backoff budget of
//     maxRetries attempts; exhaustion fails with ErrRateLimited.
//   - 401 on the first attempt triggers the OnUnauthorized callback once,
//     waits a fixed cooldown and retries; otherwise ErrSessionExpired.
//   - any other non-2xx status fails immediately with *domain.HTTPError.
func (c *Client) GetJSON(ctx context.Context, path string, query url.Values, out interface{}, opt RequestOptions) error {
	token := opt.AccessToken

	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("GetJSON: waiting for limiter: %w", err)
		}

		body, status, err := c.doRequest(ctx, path, query, token)
		if opt.Stats != nil {
			opt.Stats.APICalls++
		}

		switch {
		case err != nil:
			if ctx.Err() != nil {
				return fmt.Errorf("GetJSON: %w", ctx.Err())
			}
			if opt.Stats != nil {
				opt.Stats.Retries++
			}
			c.log.Warn().Err(err).Str("path", path).Int("attempt", attempt).Msg("Transport error, backing off")
			if err := c.backoff(ctx, attempt); err != nil {
				return err
			}

		case status == http.StatusTooManyRequests:
			if opt.Stats != nil {
				opt.Stats.Retries++
				opt.Stats.RateLimitHits++
			}
			c.log.Warn().Str("path", path).Int("attempt", attempt).Msg("Rate limited, backing off")
			if err := c.backoff(ctx, attempt); err != nil {
				return err
			}

		case status == http.StatusUnauthorized:
			if attempt == 0 && opt.OnUnauthorized != nil {
				fresh, cbErr := opt.OnUnauthorized(ctx)
				if cbErr != nil {
					return fmt.Errorf("GetJSON: refreshing after 401: %w: %v", domain.ErrSessionExpired, cbErr)
				}
				token = fresh
				if err := c.sleep(ctx, authCooldown); err != nil {
					return err
				}
				continue
			}
			return fmt.Errorf("GetJSON %s: %w", path, domain.ErrSessionExpired)

		case status >= 200 && status < 300:
			if out == nil {
				return nil
			}
			if err := json.Unmarshal(body, out); err != nil {
				return fmt.Errorf("GetJSON %s: decoding response: %w", path, err)
			}
			return nil

		default:
			return fmt.Errorf("GetJSON %s: %w", path, &domain.HTTPError{Status: status, Body: truncate(string(body), 300)})
		}
	}

	return fmt.Errorf("GetJSON %s after %d attempts: %w", path, c.maxRetries, domain.ErrRateLimited)
}

// FinancialYears fetches all financial-year definitions.
func (c *Client) FinancialYears(ctx context.Context, opt RequestOptions) ([]FinancialYear, error) {
	var resp FinancialYearsResponse
	if err := c.GetJSON(ctx, "/financialyears", nil, &resp, opt); err != nil {
		return nil, err
	}
	return resp.FinancialYears, nil
}

// VouchersPage fetches one page of vouchers inside the date window of the
// given financial year.
func (c *Client) VouchersPage(ctx context.Context, from, to time.Time, financialYear, page int, opt RequestOptions) (*VouchersResponse, error) {
	query := url.Values{
		"fromdate":      {from.Format(dateLayout)},
		"todate":        {to.Format(dateLayout)},
		"financialyear": {fmt.Sprint(financialYear)},
		"page":          {fmt.Sprint(page)},
	}
	var resp VouchersResponse
	if err := c.GetJSON(ctx, "/vouchers", query, &resp, opt); err != nil {
		return nil, err
	}
	return &resp, nil
}

// VoucherDetail fetches the full voucher, rows included, by series+number.
func (c *Client) VoucherDetail(ctx context.Context, series string, number, financialYear int, opt RequestOptions) (*Voucher, error) {
	path := fmt.Sprintf("/vouchers/%s/%d", url.PathEscape(series), number)
	query := url.Values{"financialyear": {fmt.Sprint(financialYear)}}
	var resp VoucherDetailResponse
	if err := c.GetJSON(ctx, path, query, &resp, opt); err != nil {
		return nil, err
	}
	return &resp.Voucher, nil
}

func (c *Client) doRequest(ctx context.Context, path string, query url.Values, token string) ([]byte, int, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, 0, fmt.Errorf("reading body: %w", err)
	}
	return body, resp.StatusCode, nil
}

// backoff sleeps 2^attempt * baseBackoff plus jitter, capped at maxBackoff.
func (c *Client) backoff(ctx context.Context, attempt int) error {
	delay := baseBackoff << attempt
	if delay > maxBackoff {
		delay = maxBackoff
	}
	return c.sleep(ctx, delay+c.jitter())
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
