package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"studiosync/internal/model"
)

const ruleColumns = `id, user_id, feed_id, pattern_type, pattern_value, match_type, active, created_at`

// ListRules returns every rule of a feed, active or not.
func (s *Store) ListRules(ctx context.Context, feedID string) ([]model.SyncFilterRule, error) {
	return s.queryRules(ctx, `SELECT `+ruleColumns+` FROM sync_filter_rules WHERE feed_id = ? ORDER BY created_at, id`, feedID)
}

// ListActiveRules returns the rules the classifier evaluates for a feed.
func (s *Store) ListActiveRules(ctx context.Context, feedID string) ([]model.SyncFilterRule, error) {
	return s.queryRules(ctx, `SELECT `+ruleColumns+` FROM sync_filter_rules WHERE feed_id = ? AND active = 1 ORDER BY created_at, id`, feedID)
}

// ReplaceRules deactivates the current active set of a feed and inserts
// rules as the new active set, atomically.
func (s *Store) ReplaceRules(ctx context.Context, feedID, userID string, rules []model.SyncFilterRule) ([]model.SyncFilterRule, error) {
	for i, r := range rules {
		if err := r.Validate(); err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin replace rules: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE sync_filter_rules SET active = 0 WHERE feed_id = ? AND active = 1`, feedID); err != nil {
		return nil, fmt.Errorf("deactivate rules: %w", err)
	}

	now := s.now()
	out := make([]model.SyncFilterRule, 0, len(rules))
	for _, r := range rules {
		r.ID = uuid.NewString()
		r.FeedID = feedID
		r.UserID = userID
		r.Active = true
		r.CreatedAt = fromUnix(unix(now))
		_, err := tx.ExecContext(ctx,
			`INSERT INTO sync_filter_rules (`+ruleColumns+`) VALUES (?, ?, ?, ?, ?, ?, 1, ?)`,
			r.ID, r.UserID, r.FeedID, string(r.PatternType), r.PatternValue, string(r.MatchType), unix(now),
		)
		if err != nil {
			return nil, fmt.Errorf("insert rule: %w", err)
		}
		out = append(out, r)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit replace rules: %w", err)
	}
	return out, nil
}

func (s *Store) queryRules(ctx context.Context, query string, args ...any) ([]model.SyncFilterRule, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query rules: %w", err)
	}
	defer rows.Close()

	var rules []model.SyncFilterRule
	for rows.Next() {
		var (
			r                     model.SyncFilterRule
			patternType, matchTyp string
			active                int
			createdAt             int64
		)
		if err := rows.Scan(&r.ID, &r.UserID, &r.FeedID, &patternType, &r.PatternValue, &matchTyp, &active, &createdAt); err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		r.PatternType = model.PatternType(patternType)
		r.MatchType = model.MatchType(matchTyp)
		r.Active = active != 0
		r.CreatedAt = fromUnix(createdAt)
		rules = append(rules, r)
	}
	return rules, rows.Err()
}
