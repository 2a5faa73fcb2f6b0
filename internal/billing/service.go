// Package billing keeps stored payouts in line with attendance, entity
// assignment and the rate configuration history.
package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	appLog "studiosync/internal/log"
	"studiosync/internal/model"
	"studiosync/internal/rate"
)

// ErrEventNotFound is returned for unknown event ids.
var ErrEventNotFound = errors.New("event not found")

// ErrEntityNotFound is returned for unknown billing entity ids.
var ErrEntityNotFound = errors.New("billing entity not found")

// Store is the persistence the service needs. *store.Store satisfies it.
type Store interface {
	GetEvent(ctx context.Context, id int64) (*model.CalendarEvent, error)
	ListEventsByBillingEntity(ctx context.Context, entityID string) ([]model.CalendarEvent, error)
	SetAttendance(ctx context.Context, id int64, studio, online int) error
	SetEventBillingEntity(ctx context.Context, id int64, entityID *string) error
	SetPayout(ctx context.Context, id int64, cents *int64) error
	GetBillingEntity(ctx context.Context, id string) (*model.BillingEntity, error)
	AddRateConfigVersion(ctx context.Context, entityID string, effectiveFrom time.Time, cfg rate.Config) (*rate.Version, error)
	ListRateConfigVersions(ctx context.Context, entityID string) ([]rate.Version, error)
}

// Payout is the computed amount of one event with the inputs it used.
type Payout struct {
	EventID         int64       `json:"event_id"`
	BillingEntityID *string     `json:"billing_entity_id"`
	Attendance      attendance  `json:"attendance"`
	RateKind        rate.Kind   `json:"rate_kind,omitempty"`
	Amount          *rate.Money `json:"amount"`
}

type attendance struct {
	Studio int `json:"studio"`
	Online int `json:"online"`
}

type Service struct {
	store Store
}

func NewService(s Store) *Service {
	return &Service{store: s}
}

// Quote computes the payout of an event without storing it. Amount is
// nil when the event has no entity or no rate config was in effect.
func (s *Service) Quote(ctx context.Context, eventID int64) (Payout, error) {
	ev, err := s.store.GetEvent(ctx, eventID)
	if err != nil {
		return Payout{}, err
	}
	if ev == nil {
		return Payout{}, ErrEventNotFound
	}
	return s.quote(ctx, *ev, nil)
}

func (s *Service) quote(ctx context.Context, ev model.CalendarEvent, cache map[string][]rate.Version) (Payout, error) {
	p := Payout{
		EventID:         ev.ID,
		BillingEntityID: ev.BillingEntityID,
		Attendance:      attendance{Studio: ev.StudioStudents, Online: ev.OnlineStudents},
	}
	if ev.BillingEntityID == nil {
		return p, nil
	}

	entityID := *ev.BillingEntityID
	versions, ok := cache[entityID]
	if !ok {
		var err error
		versions, err = s.store.ListRateConfigVersions(ctx, entityID)
		if err != nil {
			return p, err
		}
		if cache != nil {
			cache[entityID] = versions
		}
	}

	cfg, ok := rate.ConfigAt(versions, ev.Start)
	if !ok {
		return p, nil
	}
	amount := rate.Compute(rate.Attendance{Studio: ev.StudioStudents, Online: ev.OnlineStudents}, cfg)
	p.RateKind = cfg.Kind()
	p.Amount = &amount
	return p, nil
}

// RecomputeEvents refreshes the stored payout of each event. Unknown ids
// are skipped; the first failure is returned after all ids were tried.
func (s *Service) RecomputeEvents(ctx context.Context, ids []int64) error {
	cache := make(map[string][]rate.Version)
	var firstErr error
	for _, id := range ids {
		ev, err := s.store.GetEvent(ctx, id)
		if err == nil && ev != nil {
			err = s.recompute(ctx, *ev, cache)
		}
		if err != nil {
			appLog.Warn("payout recompute failed", "event_id", id, "err", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// RecomputeEntity refreshes the payouts of every event of an entity.
func (s *Service) RecomputeEntity(ctx context.Context, entityID string) (int, error) {
	events, err := s.store.ListEventsByBillingEntity(ctx, entityID)
	if err != nil {
		return 0, err
	}
	cache := make(map[string][]rate.Version)
	for _, ev := range events {
		if err := s.recompute(ctx, ev, cache); err != nil {
			return 0, fmt.Errorf("recompute event %d: %w", ev.ID, err)
		}
	}
	appLog.Debug("entity payouts recomputed", "billing_entity_id", entityID, "events", len(events))
	return len(events), nil
}

func (s *Service) recompute(ctx context.Context, ev model.CalendarEvent, cache map[string][]rate.Version) error {
	p, err := s.quote(ctx, ev, cache)
	if err != nil {
		return err
	}
	var cents *int64
	if p.Amount != nil {
		v := int64(*p.Amount)
		cents = &v
	}
	if samePayout(ev.PayoutCents, cents) {
		return nil
	}
	return s.store.SetPayout(ctx, ev.ID, cents)
}

func samePayout(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// SetAttendance records student counts and refreshes the payout.
func (s *Service) SetAttendance(ctx context.Context, eventID int64, studio, online int) (Payout, error) {
	if err := s.store.SetAttendance(ctx, eventID, studio, online); err != nil {
		return Payout{}, err
	}
	return s.refresh(ctx, eventID)
}

// AssignEntity attaches an event to a billing entity (nil detaches) and
// refreshes the payout.
func (s *Service) AssignEntity(ctx context.Context, eventID int64, entityID *string) (Payout, error) {
	if entityID != nil {
		e, err := s.store.GetBillingEntity(ctx, *entityID)
		if err != nil {
			return Payout{}, err
		}
		if e == nil {
			return Payout{}, ErrEntityNotFound
		}
	}
	if err := s.store.SetEventBillingEntity(ctx, eventID, entityID); err != nil {
		return Payout{}, err
	}
	return s.refresh(ctx, eventID)
}

func (s *Service) refresh(ctx context.Context, eventID int64) (Payout, error) {
	ev, err := s.store.GetEvent(ctx, eventID)
	if err != nil {
		return Payout{}, err
	}
	if ev == nil {
		return Payout{}, ErrEventNotFound
	}
	if err := s.recompute(ctx, *ev, nil); err != nil {
		return Payout{}, err
	}
	return s.quote(ctx, *ev, nil)
}

// SetRateConfig validates a rate config document, stores it as a new
// version effective from effectiveFrom and refreshes the entity's payouts.
// A malformed document is a *syncerr.ConfigInvalidError and nothing is
// stored.
func (s *Service) SetRateConfig(ctx context.Context, entityID string, effectiveFrom time.Time, doc []byte) (*rate.Version, error) {
	e, err := s.store.GetBillingEntity(ctx, entityID)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, ErrEntityNotFound
	}
	cfg, err := rate.Decode(doc)
	if err != nil {
		return nil, err
	}
	v, err := s.store.AddRateConfigVersion(ctx, entityID, effectiveFrom, cfg)
	if err != nil {
		return nil, err
	}
	n, err := s.RecomputeEntity(ctx, entityID)
	if err != nil {
		return v, err
	}
	appLog.Info("rate config stored", "billing_entity_id", entityID, "kind", cfg.Kind(), "effective_from", effectiveFrom, "events", n)
	return v, nil
}
