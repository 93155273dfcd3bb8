package bigquery

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/bigquery"
	"google.golang.org/api/iterator"

	"github.com/mkarlsson/budgetsync/internal/domain"
	"github.com/mkarlsson/budgetsync/internal/storage"
)

// GetToken returns the stored Fortnox token for (userID, company), or nil
// when the pair was never connected.
func (r *Repository) GetToken(ctx context.Context, userID, company string) (*domain.OAuthToken, error) {
	query := `SELECT
			user_id, company, access_token, refresh_token, expires_ts, updated_ts
		FROM ` + r.table(tokensTable) + `
		WHERE user_id = @user_id AND company = @company
		LIMIT 1`

	q := r.client.Query(query)
	q.Parameters = []bigquery.QueryParameter{
		{Name: "user_id", Value: userID},
		{Name: "company", Value: company},
	}

	it, err := q.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("GetToken: reading query: %w", err)
	}

	var row storage.TokenRow
	err = it.Next(&row)
	if err == iterator.Done {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("GetToken: iterating: %w", err)
	}

	return &domain.OAuthToken{
		UserID:       row.UserID,
		Company:      row.Company,
		AccessToken:  row.AccessToken,
		RefreshToken: row.RefreshToken,
		ExpiresAt:    row.ExpiresTS,
		UpdatedAt:    row.UpdatedTS,
	}, nil
}

// UpsertToken replaces the stored token for its (userID, company) key. The
// token set is mutated in place, never duplicated: at most one row per pair.
func (r *Repository) UpsertToken(ctx context.Context, token *domain.OAuthToken) error {
	updated := token.UpdatedAt
	if updated.IsZero() {
		updated = time.Now().UTC()
	}

	query := `MERGE ` + r.table(tokensTable) + ` t
		USING (SELECT @user_id AS user_id, @company AS company) s
		ON t.user_id = s.user_id AND t.company = s.company
		WHEN MATCHED THEN UPDATE SET
			access_token = @access_token,
			refresh_token = @refresh_token,
			expires_ts = @expires_ts,
			updated_ts = @updated_ts
		WHEN NOT MATCHED THEN INSERT (
			user_id, company, access_token, refresh_token, expires_ts, updated_ts
		) VALUES (
			@user_id, @company, @access_token, @refresh_token, @expires_ts, @updated_ts
		)`

	params := []bigquery.QueryParameter{
		{Name: "user_id", Value: token.UserID},
		{Name: "company", Value: token.Company},
		{Name: "access_token", Value: token.AccessToken},
		{Name: "refresh_token", Value: token.RefreshToken},
		{Name: "expires_ts", Value: token.ExpiresAt},
		{Name: "updated_ts", Value: updated},
	}

	if err := r.runDML(ctx, query, params); err != nil {
		return fmt.Errorf("UpsertToken: %w", err)
	}
	return nil
}
