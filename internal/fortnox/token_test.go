package fortnox

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkarlsson/budgetsync/internal/config"
	"github.com/mkarlsson/budgetsync/internal/domain"
)

type memTokenRepo struct {
	tokens map[string]*domain.OAuthToken
}

func newMemTokenRepo() *memTokenRepo {
	return &memTokenRepo{tokens: make(map[string]*domain.OAuthToken)}
}

func (r *memTokenRepo) GetToken(_ context.Context, userID, company string) (*domain.OAuthToken, error) {
	tok, ok := r.tokens[userID+"/"+company]
	if !ok {
		return nil, nil
	}
	cp := *tok
	return &cp, nil
}

func (r *memTokenRepo) UpsertToken(_ context.Context, token *domain.OAuthToken) error {
	cp := *token
	r.tokens[token.UserID+"/"+token.Company] = &cp
	return nil
}

func newTestManager(t *testing.T, repo *memTokenRepo, tokenURL string) *Manager {
	t.Helper()
	m := NewManager(repo, config.FortnoxConfig{
		ClientID:     "id",
		ClientSecret: "secret",
		TokenURL:     tokenURL,
		AuthURL:      "https://apps.fortnox.se/oauth-v1/auth",
		RedirectURI:  "https://example.com/callback",
		Scopes:       "bookkeeping",
	}, zerolog.Nop())
	return m
}

func TestEnsureAccessTokenNotConnected(t *testing.T) {
	m := newTestManager(t, newMemTokenRepo(), "http://unused")

	_, err := m.EnsureAccessToken(context.Background(), "acme", "user-1")
	require.ErrorIs(t, err, domain.ErrNotConnected)
}

func TestEnsureAccessTokenStillValid(t *testing.T) {
	repo := newMemTokenRepo()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	repo.UpsertToken(context.Background(), &domain.OAuthToken{
		UserID: "user-1", Company: "acme",
		AccessToken:  "valid",
		RefreshToken: "refresh",
		ExpiresAt:    now.Add(6 * time.Minute),
	})

	m := newTestManager(t, repo, "http://unused")
	m.now = func() time.Time { return now }

	tok, err := m.EnsureAccessToken(context.Background(), "acme", "user-1")
	require.NoError(t, err)
	assert.Equal(t, "valid", tok)
}

func TestEnsureAccessTokenRefreshesNearExpiry(t *testing.T) {
	var grants int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		grants++
		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		assert.Equal(t, "id", user)
		assert.Equal(t, "secret", pass)

		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.Form.Get("grant_type"))
		assert.Equal(t, "refresh-old", r.Form.Get("refresh_token"))

		w.Write([]byte(`{"access_token":"renewed","refresh_token":"refresh-new","expires_in":3600}`))
	}))
	defer srv.Close()

	repo := newMemTokenRepo()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	// Four minutes left is inside the five-minute skew.
	repo.UpsertToken(context.Background(), &domain.OAuthToken{
		UserID: "user-1", Company: "acme",
		AccessToken:  "stale",
		RefreshToken: "refresh-old",
		ExpiresAt:    now.Add(4 * time.Minute),
	})

	m := newTestManager(t, repo, srv.URL)
	m.now = func() time.Time { return now }

	tok, err := m.EnsureAccessToken(context.Background(), "acme", "user-1")
	require.NoError(t, err)
	assert.Equal(t, "renewed", tok)
	assert.Equal(t, 1, grants)

	stored, err := repo.GetToken(context.Background(), "user-1", "acme")
	require.NoError(t, err)
	assert.Equal(t, "renewed", stored.AccessToken)
	assert.Equal(t, "refresh-new", stored.RefreshToken)
	assert.Equal(t, now.Add(time.Hour), stored.ExpiresAt)
}

func TestEnsureAccessTokenRefreshRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	repo := newMemTokenRepo()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	repo.UpsertToken(context.Background(), &domain.OAuthToken{
		UserID: "user-1", Company: "acme",
		AccessToken:  "stale",
		RefreshToken: "revoked",
		ExpiresAt:    now.Add(-time.Minute),
	})

	m := newTestManager(t, repo, srv.URL)
	m.now = func() time.Time { return now }

	_, err := m.EnsureAccessToken(context.Background(), "acme", "user-1")
	require.ErrorIs(t, err, domain.ErrRefreshFailed)

	// The stale token stays untouched for inspection.
	stored, _ := repo.GetToken(context.Background(), "user-1", "acme")
	assert.Equal(t, "stale", stored.AccessToken)
}

func TestExchangeStoresToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "authorization_code", r.Form.Get("grant_type"))
		assert.Equal(t, "the-code", r.Form.Get("code"))
		assert.Equal(t, "https://example.com/callback", r.Form.Get("redirect_uri"))
		w.Write([]byte(`{"access_token":"first","refresh_token":"first-refresh","expires_in":3600}`))
	}))
	defer srv.Close()

	repo := newMemTokenRepo()
	m := newTestManager(t, repo, srv.URL)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	require.NoError(t, m.Exchange(context.Background(), "the-code", "acme", "user-1"))

	stored, err := repo.GetToken(context.Background(), "user-1", "acme")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "first", stored.AccessToken)
	assert.Equal(t, "first-refresh", stored.RefreshToken)
	assert.Equal(t, now.Add(time.Hour), stored.ExpiresAt)
}

func TestAuthorizeURL(t *testing.T) {
	m := newTestManager(t, newMemTokenRepo(), "http://unused")

	u := m.AuthorizeURL("acme%2Fuser-1")
	assert.True(t, strings.HasPrefix(u, "https://apps.fortnox.se/oauth-v1/auth?"))
	assert.Contains(t, u, "client_id=id")
	assert.Contains(t, u, "response_type=code")
	assert.Contains(t, u, "state=acme%252Fuser-1")
}
