package store

import (
	"context"
	"database/sql"
	"fmt"

	"studiosync/internal/model"
)

// StartRun records the beginning of a sync attempt.
func (s *Store) StartRun(ctx context.Context, run model.SyncRun) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_runs (id, feed_id, mode, status, started_at) VALUES (?, ?, ?, ?, ?)`,
		run.ID, run.FeedID, string(run.Mode), run.Status, unix(run.StartedAt),
	)
	if err != nil {
		return fmt.Errorf("insert sync run: %w", err)
	}
	return nil
}

// FinishRun stores the outcome of a sync attempt.
func (s *Store) FinishRun(ctx context.Context, run model.SyncRun) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sync_runs
		 SET status = ?, created = ?, updated = ?, deleted = ?, skipped = ?, failed = ?, error = ?, finished_at = ?
		 WHERE id = ?`,
		run.Status, run.Created, run.Updated, run.Deleted, run.Skipped, run.Failed, run.Error,
		nullUnix(run.FinishedAt), run.ID,
	)
	if err != nil {
		return fmt.Errorf("update sync run: %w", err)
	}
	return nil
}

// ListRuns returns the most recent runs of a feed, newest first.
func (s *Store) ListRuns(ctx context.Context, feedID string, limit int) ([]model.SyncRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, feed_id, mode, status, created, updated, deleted, skipped, failed, error, started_at, finished_at
		 FROM sync_runs WHERE feed_id = ? ORDER BY started_at DESC, rowid DESC LIMIT ?`,
		feedID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query sync runs: %w", err)
	}
	defer rows.Close()

	var runs []model.SyncRun
	for rows.Next() {
		var (
			r         model.SyncRun
			mode      string
			startedAt int64
			finished  sql.NullInt64
		)
		if err := rows.Scan(&r.ID, &r.FeedID, &mode, &r.Status, &r.Created, &r.Updated, &r.Deleted, &r.Skipped, &r.Failed, &r.Error, &startedAt, &finished); err != nil {
			return nil, fmt.Errorf("scan sync run: %w", err)
		}
		r.Mode = model.SyncMode(mode)
		r.StartedAt = fromUnix(startedAt)
		r.FinishedAt = fromNullUnix(finished)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
