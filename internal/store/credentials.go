package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"studiosync/internal/model"
)

// GetCredentials returns nil, nil when the user never connected provider.
func (s *Store) GetCredentials(ctx context.Context, userID string, provider model.Provider) (*model.Credentials, error) {
	var (
		c      model.Credentials
		expiry sql.NullInt64
		scopes string
		prov   string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, provider, access_token, refresh_token, expiry, scopes
		 FROM oauth_credentials WHERE user_id = ? AND provider = ?`,
		userID, string(provider),
	).Scan(&c.UserID, &prov, &c.AccessToken, &c.RefreshToken, &expiry, &scopes)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query credentials: %w", err)
	}
	c.Provider = model.Provider(prov)
	if t := fromNullUnix(expiry); t != nil {
		c.Expiry = *t
	}
	c.Scopes = strings.Fields(scopes)
	return &c, nil
}

// SaveCredentials inserts or replaces a user's tokens for a provider.
func (s *Store) SaveCredentials(ctx context.Context, c model.Credentials) error {
	var expiry *time.Time
	if !c.Expiry.IsZero() {
		expiry = &c.Expiry
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO oauth_credentials (user_id, provider, access_token, refresh_token, expiry, scopes, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (user_id, provider) DO UPDATE SET
		     access_token = excluded.access_token,
		     refresh_token = excluded.refresh_token,
		     expiry = excluded.expiry,
		     scopes = excluded.scopes,
		     updated_at = excluded.updated_at`,
		c.UserID, string(c.Provider), c.AccessToken, c.RefreshToken, nullUnix(expiry), strings.Join(c.Scopes, " "), unix(s.now()),
	)
	if err != nil {
		return fmt.Errorf("upsert credentials: %w", err)
	}
	return nil
}

// DisconnectProvider removes a user's tokens and every feed of theirs that
// depends on them, with those feeds' events and rules.
func (s *Store) DisconnectProvider(ctx context.Context, userID string, provider model.Provider) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin disconnect: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM oauth_credentials WHERE user_id = ? AND provider = ?`, userID, string(provider)); err != nil {
		return 0, fmt.Errorf("delete credentials: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM calendar_feeds WHERE user_id = ? AND provider = ?`, userID, string(provider))
	if err != nil {
		return 0, fmt.Errorf("delete provider feeds: %w", err)
	}
	n, _ := res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit disconnect: %w", err)
	}
	return int(n), nil
}
