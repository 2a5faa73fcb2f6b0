package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"studiosync/internal/model"
	"studiosync/internal/syncerr"
)

const eventColumns = `id, feed_id, external_uid, base_uid, title, description, location,
	start_at, end_at, timezone, all_day, recurring, billing_entity_id,
	studio_students, online_students, payout_cents, content_hash, created_at, updated_at`

// Batch is the write set of one reconciliation. Upserts are keyed by
// (feed, external UID); Updates and Deletes by row id.
type Batch struct {
	Upserts []model.CalendarEvent
	Updates []model.CalendarEvent
	Deletes []model.CalendarEvent
}

// Len is the number of operations in the batch.
func (b Batch) Len() int {
	return len(b.Upserts) + len(b.Updates) + len(b.Deletes)
}

// BatchResult counts what ApplyBatch did.
type BatchResult struct {
	Created   int
	Updated   int
	Unchanged int
	Deleted   int
	Failed    int
	Errors    []model.ItemError
	// Touched lists ids of created or updated rows.
	Touched []int64
}

// ListFeedEvents returns the stored events of a feed whose start falls in w.
func (s *Store) ListFeedEvents(ctx context.Context, feedID string, w model.Window) ([]model.CalendarEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM calendar_events WHERE feed_id = ? AND start_at < ?`
	args := []any{feedID, unix(w.End)}
	if !w.Start.IsZero() {
		query += ` AND start_at >= ?`
		args = append(args, unix(w.Start))
	}
	query += ` ORDER BY start_at, external_uid`
	return s.queryEvents(ctx, query, args...)
}

// ListEventsByBillingEntity returns every event attached to an entity.
func (s *Store) ListEventsByBillingEntity(ctx context.Context, entityID string) ([]model.CalendarEvent, error) {
	return s.queryEvents(ctx,
		`SELECT `+eventColumns+` FROM calendar_events WHERE billing_entity_id = ? ORDER BY start_at, id`, entityID)
}

// GetEvent returns nil, nil when the event does not exist.
func (s *Store) GetEvent(ctx context.Context, id int64) (*model.CalendarEvent, error) {
	ev, err := scanEvent(s.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM calendar_events WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query calendar event: %w", err)
	}
	return ev, nil
}

func (s *Store) queryEvents(ctx context.Context, query string, args ...any) ([]model.CalendarEvent, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query calendar events: %w", err)
	}
	defer rows.Close()

	var events []model.CalendarEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan calendar event: %w", err)
		}
		events = append(events, *ev)
	}
	return events, rows.Err()
}

// ApplyBatch writes a reconciliation batch in one transaction. Each
// operation runs under its own savepoint: a failing row is rolled back,
// counted and reported while the rest of the batch commits. A failure to
// begin or commit, or to manage a savepoint, is a
// *syncerr.PersistenceError and nothing is written.
func (s *Store) ApplyBatch(ctx context.Context, feedID string, b Batch) (BatchResult, error) {
	var res BatchResult
	if b.Len() == 0 {
		return res, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return res, &syncerr.PersistenceError{Op: "begin batch", Err: err}
	}
	defer tx.Rollback()

	now := s.now()
	n := 0
	var fatal error
	run := func(ev model.CalendarEvent, stage string, op func() error) {
		if fatal != nil {
			return
		}
		n++
		sp := fmt.Sprintf("op_%d", n)
		if err := s.savepoint(ctx, tx, "SAVEPOINT "+sp); err != nil {
			fatal = fmt.Errorf("open savepoint for %s %s: %w", stage, ev.ExternalUID, err)
			return
		}
		if err := op(); err != nil {
			// A row whose writes cannot be undone poisons the whole batch.
			if rbErr := s.savepoint(ctx, tx, "ROLLBACK TO SAVEPOINT "+sp); rbErr != nil {
				fatal = fmt.Errorf("roll back %s %s after %v: %w", stage, ev.ExternalUID, err, rbErr)
				return
			}
			res.Failed++
			res.Errors = append(res.Errors, model.ItemError{UID: ev.ExternalUID, Stage: stage, Message: err.Error()})
		}
		if err := s.savepoint(ctx, tx, "RELEASE SAVEPOINT "+sp); err != nil {
			fatal = fmt.Errorf("release savepoint for %s %s: %w", stage, ev.ExternalUID, err)
		}
	}

	for _, ev := range b.Deletes {
		run(ev, "delete", func() error {
			r, err := tx.ExecContext(ctx, `DELETE FROM calendar_events WHERE id = ? AND feed_id = ?`, ev.ID, feedID)
			if err != nil {
				return err
			}
			if affected, _ := r.RowsAffected(); affected == 0 {
				return errors.New("event no longer exists")
			}
			res.Deleted++
			return nil
		})
	}

	for _, ev := range b.Updates {
		run(ev, "update", func() error {
			if err := updateEventTx(ctx, tx, feedID, ev, now); err != nil {
				return err
			}
			res.Updated++
			res.Touched = append(res.Touched, ev.ID)
			return nil
		})
	}

	for _, ev := range b.Upserts {
		run(ev, "create", func() error {
			var (
				id   int64
				hash string
			)
			err := tx.QueryRowContext(ctx,
				`SELECT id, content_hash FROM calendar_events WHERE feed_id = ? AND external_uid = ?`,
				feedID, ev.ExternalUID,
			).Scan(&id, &hash)
			switch {
			case err == sql.ErrNoRows:
				newID, err := insertEventTx(ctx, tx, feedID, ev, now)
				if err != nil {
					return err
				}
				res.Created++
				res.Touched = append(res.Touched, newID)
				return nil
			case err != nil:
				return err
			case hash == ev.ContentHash:
				// Stored outside the diffed window but identical.
				res.Unchanged++
				return nil
			default:
				ev.ID = id
				if err := updateEventTx(ctx, tx, feedID, ev, now); err != nil {
					return err
				}
				res.Updated++
				res.Touched = append(res.Touched, id)
				return nil
			}
		})
	}

	if fatal != nil {
		return BatchResult{}, &syncerr.PersistenceError{Op: "apply batch", Err: fatal}
	}
	if err := tx.Commit(); err != nil {
		return BatchResult{}, &syncerr.PersistenceError{Op: "commit batch", Err: err}
	}
	return res, nil
}

func insertEventTx(ctx context.Context, tx *sql.Tx, feedID string, ev model.CalendarEvent, now time.Time) (int64, error) {
	hash := ev.ContentHash
	if hash == "" {
		hash = ev.Hash()
	}
	r, err := tx.ExecContext(ctx,
		`INSERT INTO calendar_events
		 (feed_id, external_uid, base_uid, title, description, location, start_at, end_at, timezone,
		  all_day, recurring, content_hash, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		feedID, ev.ExternalUID, ev.BaseUID, ev.Title, ev.Description, ev.Location,
		unix(ev.Start), unix(ev.End), zoneName(ev), boolInt(ev.AllDay), boolInt(ev.Recurring),
		hash, unix(now), unix(now),
	)
	if err != nil {
		return 0, fmt.Errorf("insert calendar event: %w", err)
	}
	return r.LastInsertId()
}

// updateEventTx rewrites the source-owned fields only. Attendance, billing
// entity and payout are local and survive re-syncs.
func updateEventTx(ctx context.Context, tx *sql.Tx, feedID string, ev model.CalendarEvent, now time.Time) error {
	hash := ev.ContentHash
	if hash == "" {
		hash = ev.Hash()
	}
	r, err := tx.ExecContext(ctx,
		`UPDATE calendar_events
		 SET base_uid = ?, title = ?, description = ?, location = ?, start_at = ?, end_at = ?, timezone = ?,
		     all_day = ?, recurring = ?, content_hash = ?, updated_at = ?
		 WHERE id = ? AND feed_id = ?`,
		ev.BaseUID, ev.Title, ev.Description, ev.Location, unix(ev.Start), unix(ev.End), zoneName(ev),
		boolInt(ev.AllDay), boolInt(ev.Recurring), hash, unix(now),
		ev.ID, feedID,
	)
	if err != nil {
		return fmt.Errorf("update calendar event: %w", err)
	}
	if affected, _ := r.RowsAffected(); affected == 0 {
		return errors.New("event no longer exists")
	}
	return nil
}

func zoneName(ev model.CalendarEvent) string {
	if ev.TimeZone != "" {
		return ev.TimeZone
	}
	return ev.Start.Location().String()
}

// SetAttendance stores the student counts of an event.
func (s *Store) SetAttendance(ctx context.Context, id int64, studio, online int) error {
	if studio < 0 || online < 0 {
		return errors.New("student counts must not be negative")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE calendar_events SET studio_students = ?, online_students = ?, updated_at = ? WHERE id = ?`,
		studio, online, unix(s.now()), id,
	)
	if err != nil {
		return fmt.Errorf("update attendance: %w", err)
	}
	return requireRow(res, "calendar event")
}

// SetEventBillingEntity attaches (or with nil, detaches) a billing entity.
func (s *Store) SetEventBillingEntity(ctx context.Context, id int64, entityID *string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE calendar_events SET billing_entity_id = ?, updated_at = ? WHERE id = ?`,
		nullStringPtr(entityID), unix(s.now()), id,
	)
	if err != nil {
		return fmt.Errorf("update event billing entity: %w", err)
	}
	return requireRow(res, "calendar event")
}

// SetPayout stores a computed payout; nil clears it.
func (s *Store) SetPayout(ctx context.Context, id int64, cents *int64) error {
	var v sql.NullInt64
	if cents != nil {
		v = sql.NullInt64{Int64: *cents, Valid: true}
	}
	res, err := s.db.ExecContext(ctx, `UPDATE calendar_events SET payout_cents = ? WHERE id = ?`, v, id)
	if err != nil {
		return fmt.Errorf("update payout: %w", err)
	}
	return requireRow(res, "calendar event")
}

func scanEvent(row rowScanner) (*model.CalendarEvent, error) {
	var (
		ev                   model.CalendarEvent
		startAt, endAt       int64
		allDay, recurring    int
		billingEntity        sql.NullString
		payout               sql.NullInt64
		createdAt, updatedAt int64
	)
	err := row.Scan(&ev.ID, &ev.FeedID, &ev.ExternalUID, &ev.BaseUID, &ev.Title, &ev.Description, &ev.Location,
		&startAt, &endAt, &ev.TimeZone, &allDay, &recurring, &billingEntity,
		&ev.StudioStudents, &ev.OnlineStudents, &payout, &ev.ContentHash, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	ev.Start = inZone(startAt, ev.TimeZone)
	ev.End = inZone(endAt, ev.TimeZone)
	ev.AllDay = allDay != 0
	ev.Recurring = recurring != 0
	if billingEntity.Valid {
		ev.BillingEntityID = &billingEntity.String
	}
	if payout.Valid {
		ev.PayoutCents = &payout.Int64
	}
	ev.CreatedAt = fromUnix(createdAt)
	ev.UpdatedAt = fromUnix(updatedAt)
	return &ev, nil
}
