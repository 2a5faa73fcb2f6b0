// Package reconcile keeps the stored mirror of a feed in step with its
// source: fetch, parse, classify, diff, persist, report.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"studiosync/internal/feed"
	"studiosync/internal/ics"
	"studiosync/internal/lock"
	appLog "studiosync/internal/log"
	"studiosync/internal/model"
	"studiosync/internal/store"
	"studiosync/internal/syncerr"
	"studiosync/internal/token"
)

// Store is the persistence the engine needs. *store.Store satisfies it.
type Store interface {
	GetFeed(ctx context.Context, id string) (*model.CalendarFeed, error)
	MarkSynced(ctx context.Context, id string, at time.Time) error
	ListActiveRules(ctx context.Context, feedID string) ([]model.SyncFilterRule, error)
	ListFeedEvents(ctx context.Context, feedID string, w model.Window) ([]model.CalendarEvent, error)
	ApplyBatch(ctx context.Context, feedID string, b store.Batch) (store.BatchResult, error)
	GetCredentials(ctx context.Context, userID string, provider model.Provider) (*model.Credentials, error)
	SaveCredentials(ctx context.Context, c model.Credentials) error
	StartRun(ctx context.Context, run model.SyncRun) error
	FinishRun(ctx context.Context, run model.SyncRun) error
	ListUserFeeds(ctx context.Context, userID string) ([]model.CalendarFeed, error)
	DeleteFeed(ctx context.Context, id string) error
	DisconnectProvider(ctx context.Context, userID string, provider model.Provider) (int, error)
}

// Fetcher downloads ICS payloads.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (ics.FetchResult, error)
}

// ProviderClient lists a provider calendar as a raw payload.
type ProviderClient interface {
	FetchEvents(ctx context.Context, accessToken, calendarID string, w model.Window) ([]byte, error)
}

// TokenSource keeps provider credentials valid.
type TokenSource interface {
	EnsureValidToken(ctx context.Context, creds model.Credentials, onRefreshed token.RefreshedFunc) (model.Credentials, error)
}

// Classifier splits events into kept and skipped.
type Classifier interface {
	Filter(events []model.CalendarEvent, rules []model.SyncFilterRule, approach model.SyncApproach) (kept, skipped []model.CalendarEvent)
}

// PayoutRecomputer refreshes stored payouts of the given events.
type PayoutRecomputer interface {
	RecomputeEvents(ctx context.Context, ids []int64) error
}

// Provider bundles what an OAuth-backed feed needs.
type Provider struct {
	Client ProviderClient
	Tokens TokenSource
}

// Config holds the engine's windows and limits.
type Config struct {
	DefaultPastMonths      int
	DefaultFutureMonths    int
	HorizonMonths          int
	MaxOccurrencesPerEvent int
	// FetchTimeout bounds credential refresh plus download.
	FetchTimeout time.Duration
	// Location is used for floating times and window boundaries.
	Location *time.Location
}

// Deps are the engine's collaborators. Payouts is optional.
type Deps struct {
	Store      Store
	Fetcher    Fetcher
	Providers  map[model.Provider]Provider
	Classifier Classifier
	Locker     lock.Locker
	Payouts    PayoutRecomputer
}

// Engine runs syncs. It is safe for concurrent use; syncs of one feed
// are serialized through the Locker.
type Engine struct {
	cfg  Config
	deps Deps
	now  func() time.Time

	mu     sync.Mutex
	states map[string]model.SyncState
}

func New(cfg Config, deps Deps) *Engine {
	if cfg.DefaultPastMonths <= 0 {
		cfg.DefaultPastMonths = 3
	}
	if cfg.DefaultFutureMonths <= 0 {
		cfg.DefaultFutureMonths = 3
	}
	if cfg.HorizonMonths <= 0 {
		cfg.HorizonMonths = 24
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 30 * time.Second
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if deps.Locker == nil {
		deps.Locker = lock.NewMemoryLocker()
	}
	return &Engine{
		cfg:    cfg,
		deps:   deps,
		now:    time.Now,
		states: make(map[string]model.SyncState),
	}
}

// State returns the current state of a feed's sync.
func (e *Engine) State(feedID string) model.SyncState {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.states[feedID]; ok {
		return s
	}
	return model.StateIdle
}

func (e *Engine) setState(feedID string, s model.SyncState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s == model.StateIdle {
		delete(e.states, feedID)
		return
	}
	e.states[feedID] = s
}

// Window returns the range a sync in mode covers, relative to now.
func (e *Engine) Window(mode model.SyncMode, now time.Time) model.Window {
	now = now.In(e.cfg.Location)
	if mode == model.ModeHistorical {
		return model.Window{End: now.AddDate(0, e.cfg.HorizonMonths, 0)}
	}
	return model.Window{
		Start: now.AddDate(0, -e.cfg.DefaultPastMonths, 0),
		End:   now.AddDate(0, e.cfg.DefaultFutureMonths, 0),
	}
}

// Sync reconciles one feed. Row-level problems are reported in the
// result; a returned error means nothing was written. It returns
// syncerr.ErrSyncInProgress when another sync of the feed is running.
func (e *Engine) Sync(ctx context.Context, feedID string, mode model.SyncMode) (model.SyncResult, error) {
	if mode == "" {
		mode = model.ModeDefault
	}
	if !mode.Valid() {
		return model.SyncResult{}, fmt.Errorf("unknown sync mode %q", mode)
	}

	unlock, err := e.deps.Locker.TryLock(ctx, feedID)
	if err != nil {
		return model.SyncResult{}, err
	}
	defer unlock()

	f, err := e.deps.Store.GetFeed(ctx, feedID)
	if err != nil {
		return model.SyncResult{}, fmt.Errorf("load feed: %w", err)
	}
	if f == nil {
		return model.SyncResult{}, syncerr.ErrFeedNotFound
	}

	started := e.now()
	res := model.SyncResult{
		RunID:     uuid.NewString(),
		FeedID:    feedID,
		Mode:      mode,
		Window:    e.Window(mode, started),
		StartedAt: started,
	}
	run := model.SyncRun{ID: res.RunID, FeedID: feedID, Mode: mode, Status: model.RunStatusRunning, StartedAt: started}
	if err := e.deps.Store.StartRun(ctx, run); err != nil {
		appLog.Warn("could not record sync run", "feed_id", feedID, "err", err)
	}

	appLog.Info("sync start", "feed_id", feedID, "mode", mode, "kind", f.Kind())
	err = e.run(ctx, f, &res)
	res.FinishedAt = e.now()

	run.Created, run.Updated, run.Deleted = res.Created, res.Updated, res.Deleted
	run.Skipped, run.Failed = res.Skipped, res.Failed
	run.FinishedAt = &res.FinishedAt
	switch {
	case err != nil:
		run.Status = model.RunStatusError
		run.Error = err.Error()
	case res.Failed > 0:
		run.Status = model.RunStatusPartial
	default:
		run.Status = model.RunStatusSuccess
	}
	// The run log must be written even when ctx was cancelled mid-sync.
	finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if ferr := e.deps.Store.FinishRun(finishCtx, run); ferr != nil {
		appLog.Warn("could not finish sync run", "feed_id", feedID, "err", ferr)
	}

	if err != nil {
		e.setState(feedID, model.StateErrored)
		appLog.Error("sync failed", err, "feed_id", feedID, "mode", mode, "retryable", syncerr.IsRetryable(err))
		e.setState(feedID, model.StateIdle)
		return res, err
	}
	e.setState(feedID, model.StateIdle)
	appLog.Info("sync done",
		"feed_id", feedID,
		"created", res.Created,
		"updated", res.Updated,
		"deleted", res.Deleted,
		"unchanged", res.Unchanged,
		"skipped", res.Skipped,
		"failed", res.Failed,
		"from_cache", res.FromCache,
	)
	return res, nil
}

func (e *Engine) run(ctx context.Context, f *model.CalendarFeed, res *model.SyncResult) error {
	e.setState(f.ID, model.StateFetching)
	payload, err := e.fetch(ctx, f, res)
	if err != nil {
		return err
	}

	e.setState(f.ID, model.StateParsing)
	parsed, err := feed.Parse(payload, f.Kind(), feed.Options{
		Window:                 res.Window,
		DefaultLocation:        e.cfg.Location,
		MaxOccurrencesPerEvent: e.cfg.MaxOccurrencesPerEvent,
		Anchor:                 res.StartedAt,
	})
	if err != nil {
		return err
	}
	for _, pe := range parsed.Errors {
		res.Failed++
		res.Errors = append(res.Errors, model.ItemError{UID: pe.UID, Stage: "parse", Message: pe.Error()})
	}

	e.setState(f.ID, model.StateClassifying)
	events := parsed.Events
	if f.FilteringEnabled() {
		rules, err := e.deps.Store.ListActiveRules(ctx, f.ID)
		if err != nil {
			return fmt.Errorf("load filter rules: %w", err)
		}
		var skipped []model.CalendarEvent
		events, skipped = e.deps.Classifier.Filter(events, rules, f.SyncApproach)
		res.Skipped = len(skipped)
	}

	e.setState(f.ID, model.StateDiffing)
	stored, err := e.deps.Store.ListFeedEvents(ctx, f.ID, res.Window)
	if err != nil {
		return fmt.Errorf("load stored events: %w", err)
	}
	batch, unchanged := Diff(stored, events, protection(parsed))
	res.Unchanged = unchanged

	e.setState(f.ID, model.StatePersisting)
	br, err := e.deps.Store.ApplyBatch(ctx, f.ID, batch)
	if err != nil {
		return err
	}
	res.Created += br.Created
	res.Updated += br.Updated
	res.Deleted += br.Deleted
	res.Unchanged += br.Unchanged
	res.Failed += br.Failed
	res.Errors = append(res.Errors, br.Errors...)

	if len(br.Touched) > 0 && e.deps.Payouts != nil {
		if err := e.deps.Payouts.RecomputeEvents(ctx, br.Touched); err != nil {
			appLog.Warn("payout recompute failed", "feed_id", f.ID, "err", err)
		}
	}

	if br.Failed == 0 {
		if err := e.deps.Store.MarkSynced(ctx, f.ID, res.StartedAt); err != nil {
			return &syncerr.PersistenceError{Op: "mark synced", Err: err}
		}
	}
	return nil
}

// fetch returns the raw payload of a feed. Credential refresh and the
// download share one timeout.
func (e *Engine) fetch(ctx context.Context, f *model.CalendarFeed, res *model.SyncResult) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.FetchTimeout)
	defer cancel()

	if !f.IsOAuth() {
		if e.deps.Fetcher == nil {
			return nil, errors.New("no ICS fetcher configured")
		}
		fr, err := e.deps.Fetcher.Fetch(ctx, f.URL)
		if err != nil {
			return nil, timeoutAsTransient("fetch ics", err)
		}
		res.FromCache = fr.FromCache
		return fr.Body, nil
	}

	p, ok := e.deps.Providers[f.Provider]
	if !ok || p.Client == nil || p.Tokens == nil {
		return nil, fmt.Errorf("provider %q is not configured", f.Provider)
	}
	creds, err := e.deps.Store.GetCredentials(ctx, f.UserID, f.Provider)
	if err != nil {
		return nil, fmt.Errorf("load credentials: %w", err)
	}
	if creds == nil {
		return nil, syncerr.ErrNoCredentials
	}
	valid, err := p.Tokens.EnsureValidToken(ctx, *creds, func(ctx context.Context, c model.Credentials) error {
		return e.deps.Store.SaveCredentials(ctx, c)
	})
	if err != nil {
		return nil, timeoutAsTransient("refresh token", err)
	}
	body, err := p.Client.FetchEvents(ctx, valid.AccessToken, f.ProviderCalendarID, res.Window)
	if err != nil {
		return nil, timeoutAsTransient("fetch provider events", err)
	}
	return body, nil
}

// timeoutAsTransient turns a bare deadline into a retryable fetch error.
func timeoutAsTransient(op string, err error) error {
	var (
		transient *syncerr.TransientFetchError
		fatal     *syncerr.FetchError
		auth      *syncerr.AuthExpiredError
	)
	if errors.As(err, &transient) || errors.As(err, &fatal) || errors.As(err, &auth) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &syncerr.TransientFetchError{Op: op, Err: err}
	}
	return err
}

func protection(parsed feed.Result) Protected {
	var p Protected
	for _, pe := range parsed.Errors {
		if pe.UID == "" {
			continue
		}
		if p.UIDs == nil {
			p.UIDs = make(map[string]struct{}, len(parsed.Errors))
		}
		p.UIDs[pe.UID] = struct{}{}
	}
	for _, tr := range parsed.Truncated {
		if p.Spans == nil {
			p.Spans = make(map[string]model.Window, len(parsed.Truncated))
		}
		p.Spans[tr.UID] = tr.Kept
	}
	return p
}
