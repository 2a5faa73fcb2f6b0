package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"studiosync/internal/model"
	"studiosync/internal/rate"
)

// CreateBillingEntity inserts an entity, assigning an id when empty.
func (s *Store) CreateBillingEntity(ctx context.Context, e model.BillingEntity) (*model.BillingEntity, error) {
	if strings.TrimSpace(e.Name) == "" || e.UserID == "" {
		return nil, errors.New("billing entity needs a name and an owner")
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Currency == "" {
		e.Currency = "EUR"
	}
	now := s.now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO billing_entities (id, user_id, name, currency, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.UserID, e.Name, e.Currency, unix(now), unix(now),
	)
	if err != nil {
		return nil, fmt.Errorf("insert billing entity: %w", err)
	}
	return s.GetBillingEntity(ctx, e.ID)
}

// GetBillingEntity returns nil, nil when the entity does not exist.
func (s *Store) GetBillingEntity(ctx context.Context, id string) (*model.BillingEntity, error) {
	var (
		e                    model.BillingEntity
		createdAt, updatedAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, name, currency, created_at, updated_at FROM billing_entities WHERE id = ?`, id,
	).Scan(&e.ID, &e.UserID, &e.Name, &e.Currency, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query billing entity: %w", err)
	}
	e.CreatedAt = fromUnix(createdAt)
	e.UpdatedAt = fromUnix(updatedAt)
	return &e, nil
}

// AddRateConfigVersion appends a rate config effective from the given
// instant. A version with the same effective_from is replaced. The config
// must already be validated.
func (s *Store) AddRateConfigVersion(ctx context.Context, entityID string, effectiveFrom time.Time, cfg rate.Config) (*rate.Version, error) {
	doc, err := rate.Encode(cfg)
	if err != nil {
		return nil, err
	}
	now := s.now()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO rate_config_versions (billing_entity_id, effective_from, config, created_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (billing_entity_id, effective_from) DO UPDATE SET config = excluded.config, created_at = excluded.created_at`,
		entityID, unix(effectiveFrom), string(doc), unix(now),
	)
	if err != nil {
		return nil, fmt.Errorf("insert rate config version: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE billing_entities SET updated_at = ? WHERE id = ?`, unix(now), entityID); err != nil {
		return nil, fmt.Errorf("touch billing entity: %w", err)
	}

	var id int64
	err = s.db.QueryRowContext(ctx,
		`SELECT id FROM rate_config_versions WHERE billing_entity_id = ? AND effective_from = ?`,
		entityID, unix(effectiveFrom),
	).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("query rate config version: %w", err)
	}
	return &rate.Version{
		ID:              id,
		BillingEntityID: entityID,
		EffectiveFrom:   fromUnix(unix(effectiveFrom)),
		Config:          cfg,
		CreatedAt:       fromUnix(unix(now)),
	}, nil
}

// ListRateConfigVersions returns an entity's versions, oldest first.
func (s *Store) ListRateConfigVersions(ctx context.Context, entityID string) ([]rate.Version, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, billing_entity_id, effective_from, config, created_at
		 FROM rate_config_versions WHERE billing_entity_id = ? ORDER BY effective_from`,
		entityID,
	)
	if err != nil {
		return nil, fmt.Errorf("query rate config versions: %w", err)
	}
	defer rows.Close()

	var versions []rate.Version
	for rows.Next() {
		var (
			v                    rate.Version
			effective, createdAt int64
			doc                  string
		)
		if err := rows.Scan(&v.ID, &v.BillingEntityID, &effective, &doc, &createdAt); err != nil {
			return nil, fmt.Errorf("scan rate config version: %w", err)
		}
		cfg, err := rate.Decode([]byte(doc))
		if err != nil {
			return nil, fmt.Errorf("decode rate config version %d: %w", v.ID, err)
		}
		v.Config = cfg
		v.EffectiveFrom = fromUnix(effective)
		v.CreatedAt = fromUnix(createdAt)
		versions = append(versions, v)
	}
	return versions, rows.Err()
}
