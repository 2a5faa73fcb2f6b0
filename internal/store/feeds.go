package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"studiosync/internal/model"
)

const feedColumns = `id, user_id, name, url, provider, provider_calendar_id, sync_approach, last_synced_at, created_at, updated_at`

// CreateFeed validates and inserts a feed, assigning an id when empty.
func (s *Store) CreateFeed(ctx context.Context, f model.CalendarFeed) (*model.CalendarFeed, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	now := s.now()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO calendar_feeds (`+feedColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, NULL, ?, ?)`,
		f.ID, f.UserID, f.Name, nullString(f.URL), nullString(string(f.Provider)), nullString(f.ProviderCalendarID),
		string(f.SyncApproach), unix(now), unix(now),
	)
	if err != nil {
		return nil, fmt.Errorf("insert calendar feed: %w", err)
	}
	return s.GetFeed(ctx, f.ID)
}

// GetFeed returns nil, nil when the feed does not exist.
func (s *Store) GetFeed(ctx context.Context, id string) (*model.CalendarFeed, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+feedColumns+` FROM calendar_feeds WHERE id = ?`, id)
	f, err := scanFeed(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query calendar feed: %w", err)
	}
	return f, nil
}

// ListFeeds returns every feed, oldest first.
func (s *Store) ListFeeds(ctx context.Context) ([]model.CalendarFeed, error) {
	return s.queryFeeds(ctx, `SELECT `+feedColumns+` FROM calendar_feeds ORDER BY created_at, id`)
}

// ListUserFeeds returns the feeds of one user.
func (s *Store) ListUserFeeds(ctx context.Context, userID string) ([]model.CalendarFeed, error) {
	return s.queryFeeds(ctx, `SELECT `+feedColumns+` FROM calendar_feeds WHERE user_id = ? ORDER BY created_at, id`, userID)
}

func (s *Store) queryFeeds(ctx context.Context, query string, args ...any) ([]model.CalendarFeed, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query calendar feeds: %w", err)
	}
	defer rows.Close()

	var feeds []model.CalendarFeed
	for rows.Next() {
		f, err := scanFeed(rows)
		if err != nil {
			return nil, fmt.Errorf("scan calendar feed: %w", err)
		}
		feeds = append(feeds, *f)
	}
	return feeds, rows.Err()
}

// SetSyncApproach switches a feed between yoga_only and mixed_calendar.
func (s *Store) SetSyncApproach(ctx context.Context, id string, approach model.SyncApproach) error {
	if !approach.Valid() {
		return fmt.Errorf("unknown sync approach %q", approach)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE calendar_feeds SET sync_approach = ?, updated_at = ? WHERE id = ?`,
		string(approach), unix(s.now()), id,
	)
	if err != nil {
		return fmt.Errorf("update sync approach: %w", err)
	}
	return requireRow(res, "calendar feed")
}

// MarkSynced records a successful sync.
func (s *Store) MarkSynced(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE calendar_feeds SET last_synced_at = ?, updated_at = ? WHERE id = ?`,
		unix(at), unix(s.now()), id,
	)
	if err != nil {
		return fmt.Errorf("update last synced: %w", err)
	}
	return nil
}

// DeleteFeed disconnects a feed. Its events, rules and run log go with it.
func (s *Store) DeleteFeed(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM calendar_feeds WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete calendar feed: %w", err)
	}
	return requireRow(res, "calendar feed")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFeed(row rowScanner) (*model.CalendarFeed, error) {
	var (
		f                            model.CalendarFeed
		url, provider, providerCalID sql.NullString
		approach                     string
		lastSynced                   sql.NullInt64
		createdAt, updatedAt         int64
	)
	if err := row.Scan(&f.ID, &f.UserID, &f.Name, &url, &provider, &providerCalID, &approach, &lastSynced, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	f.URL = url.String
	f.Provider = model.Provider(provider.String)
	f.ProviderCalendarID = providerCalID.String
	f.SyncApproach = model.SyncApproach(approach)
	f.LastSyncedAt = fromNullUnix(lastSynced)
	f.CreatedAt = fromUnix(createdAt)
	f.UpdatedAt = fromUnix(updatedAt)
	return &f, nil
}

// ErrNotFound is returned by updates that matched no row.
var ErrNotFound = sql.ErrNoRows

func requireRow(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return nil
}
