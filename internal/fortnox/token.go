package fortnox

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mkarlsson/budgetsync/internal/config"
	"github.com/mkarlsson/budgetsync/internal/domain"
	"github.com/mkarlsson/budgetsync/internal/storage"
)

// refreshSkew is how close to expiry a token may get before it is renewed.
const refreshSkew = 5 * time.Minute

// Manager owns the stored Fortnox credentials: it hands out valid access
// tokens, transparently renewing them before expiry, and performs the
// authorization-code exchange when a user first connects.
//
// Refreshes for the same (userID, company) pair are serialized through a
// per-key mutex; Fortnox refresh tokens are one-time-use, so two racing
// refreshes would invalidate each other.
type Manager struct {
	repo       storage.TokenRepository
	httpClient *http.Client
	cfg        config.FortnoxConfig
	log        zerolog.Logger

	// now is injectable for the expiry-threshold tests.
	now func() time.Time

	mu       sync.Mutex
	keyLocks map[string]*sync.Mutex
}

// NewManager creates a token manager persisting through repo.
func NewManager(repo storage.TokenRepository, cfg config.FortnoxConfig, log zerolog.Logger) *Manager {
	return &Manager{
		repo:       repo,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		cfg:        cfg,
		log:        log,
		now:        time.Now,
		keyLocks:   make(map[string]*sync.Mutex),
	}
}

// EnsureAccessToken returns a valid access token for the pair, refreshing
// the stored credentials when expiry is less than five minutes away.
// ErrNotConnected when the pair was never authorized; ErrRefreshFailed when
// the refresh grant is rejected (user must reconnect).
func (m *Manager) EnsureAccessToken(ctx context.Context, company, userID string) (string, error) {
	lock := m.lockFor(userID, company)
	lock.Lock()
	defer lock.Unlock()

	token, err := m.repo.GetToken(ctx, userID, company)
	if err != nil {
		return "", fmt.Errorf("EnsureAccessToken: reading token: %w", err)
	}
	if token == nil {
		return "", fmt.Errorf("EnsureAccessToken %s/%s: %w", userID, company, domain.ErrNotConnected)
	}

	if token.ExpiresAt.After(m.now().Add(refreshSkew)) {
		return token.AccessToken, nil
	}

	m.log.Info().
		Str("company", company).
		Str("user_id", userID).
		Time("expires_at", token.ExpiresAt).
		Msg("Access token near expiry, refreshing")

	return m.refreshLocked(ctx, token)
}

// RefreshAccessToken forces a refresh regardless of the stored expiry. Used
// on a 401, where the API rejected a token that still looked valid locally.
func (m *Manager) RefreshAccessToken(ctx context.Context, company, userID string) (string, error) {
	lock := m.lockFor(userID, company)
	lock.Lock()
	defer lock.Unlock()

	token, err := m.repo.GetToken(ctx, userID, company)
	if err != nil {
		return "", fmt.Errorf("RefreshAccessToken: reading token: %w", err)
	}
	if token == nil {
		return "", fmt.Errorf("RefreshAccessToken %s/%s: %w", userID, company, domain.ErrNotConnected)
	}

	return m.refreshLocked(ctx, token)
}

// refreshLocked runs the refresh-token grant and persists the result. The
// caller holds the per-key lock.
func (m *Manager) refreshLocked(ctx context.Context, token *domain.OAuthToken) (string, error) {
	resp, err := m.grant(ctx, url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {token.RefreshToken},
	})
	if err != nil {
		return "", fmt.Errorf("refreshing token: %w: %v", domain.ErrRefreshFailed, err)
	}

	token.AccessToken = resp.AccessToken
	if resp.RefreshToken != "" {
		token.RefreshToken = resp.RefreshToken
	}
	token.ExpiresAt = m.now().Add(time.Duration(resp.ExpiresIn) * time.Second)
	token.UpdatedAt = m.now()

	if err := m.repo.UpsertToken(ctx, token); err != nil {
		return "", fmt.Errorf("persisting refreshed token: %w", err)
	}

	return token.AccessToken, nil
}

// Exchange performs the authorization-code grant and stores the resulting
// token set for the pair. Called by the OAuth callback handler.
func (m *Manager) Exchange(ctx context.Context, code, company, userID string) error {
	resp, err := m.grant(ctx, url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {code},
		"redirect_uri": {m.cfg.RedirectURI},
	})
	if err != nil {
		return fmt.Errorf("Exchange: %w", err)
	}

	token := &domain.OAuthToken{
		UserID:       userID,
		Company:      company,
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		ExpiresAt:    m.now().Add(time.Duration(resp.ExpiresIn) * time.Second),
		UpdatedAt:    m.now(),
	}
	if err := m.repo.UpsertToken(ctx, token); err != nil {
		return fmt.Errorf("Exchange: persisting token: %w", err)
	}

	m.log.Info().Str("company", company).Str("user_id", userID).Msg("Fortnox connection established")
	return nil
}

// AuthorizeURL builds the user consent URL for the authorization-code flow.
// state should round-trip the (company, userID) pair.
func (m *Manager) AuthorizeURL(state string) string {
	q := url.Values{
		"client_id":     {m.cfg.ClientID},
		"redirect_uri":  {m.cfg.RedirectURI},
		"scope":         {m.cfg.Scopes},
		"state":         {state},
		"access_type":   {"offline"},
		"response_type": {"code"},
	}
	return m.cfg.AuthURL + "?" + q.Encode()
}

// grant posts a form to the token endpoint with client credentials in Basic
// auth and decodes the token payload.
func (m *Manager) grant(ctx context.Context, form url.Values) (*tokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("building token request: %w", err)
	}
	req.SetBasicAuth(m.cfg.ClientID, m.cfg.ClientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("posting token request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("token endpoint returned HTTP %d: %s", resp.StatusCode, truncate(string(body), 300))
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, fmt.Errorf("decoding token response: %w", err)
	}
	if tr.AccessToken == "" {
		return nil, fmt.Errorf("token endpoint returned no access token")
	}
	return &tr, nil
}

func (m *Manager) lockFor(userID, company string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := userID + "/" + company
	lock, ok := m.keyLocks[key]
	if !ok {
		lock = &sync.Mutex{}
		m.keyLocks[key] = lock
	}
	return lock
}
