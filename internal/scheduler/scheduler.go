// Package scheduler runs periodic sweeps that sync every feed.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"

	appLog "studiosync/internal/log"
	"studiosync/internal/model"
	"studiosync/internal/syncerr"
)

// Syncer runs one feed sync. *reconcile.Engine satisfies it.
type Syncer interface {
	Sync(ctx context.Context, feedID string, mode model.SyncMode) (model.SyncResult, error)
}

// FeedLister lists the feeds a sweep covers.
type FeedLister interface {
	ListFeeds(ctx context.Context) ([]model.CalendarFeed, error)
}

type Config struct {
	// Schedule is a cron spec; empty disables the periodic sweep.
	Schedule    string
	Concurrency int
	// MaxRetries applies to transient failures only.
	MaxRetries int
	RetryBase  time.Duration
}

// Report summarizes one sweep.
type Report struct {
	Feeds      int
	Succeeded  int
	Partial    int
	Failed     int
	InProgress int
	NeedReauth []string
}

type Scheduler struct {
	cfg    Config
	feeds  FeedLister
	syncer Syncer
	cron   *cron.Cron

	ctx    context.Context
	cancel context.CancelFunc
}

func New(cfg Config, feeds FeedLister, syncer Syncer, logger *slog.Logger) *Scheduler {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = time.Second
	}
	if logger == nil {
		logger = appLog.Logger()
	}
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:    cfg,
		feeds:  feeds,
		syncer: syncer,
		cron:   c,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start registers the sweep and starts the cron scheduler.
func (s *Scheduler) Start() error {
	if s.cfg.Schedule == "" {
		appLog.Info("periodic sweep disabled")
		return nil
	}
	if _, err := s.cron.AddFunc(s.cfg.Schedule, func() { s.SweepOnce(s.ctx) }); err != nil {
		return err
	}
	appLog.Info("scheduled feed sweep", "schedule", s.cfg.Schedule, "concurrency", s.cfg.Concurrency)
	s.cron.Start()
	return nil
}

// Stop cancels running syncs and waits for the current sweep to return.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
}

// SweepOnce syncs every feed in default mode with bounded concurrency.
func (s *Scheduler) SweepOnce(ctx context.Context) Report {
	var rep Report
	feeds, err := s.feeds.ListFeeds(ctx)
	if err != nil {
		appLog.Error("sweep: list feeds failed", err)
		return rep
	}
	rep.Feeds = len(feeds)
	appLog.Info("sweep start", "feeds", len(feeds))

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for _, f := range feeds {
		f := f
		g.Go(func() error {
			res, err := s.syncWithRetry(gctx, f.ID)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.Is(err, syncerr.ErrSyncInProgress):
				rep.InProgress++
			case syncerr.NeedsReauth(err), errors.Is(err, syncerr.ErrNoCredentials):
				rep.Failed++
				rep.NeedReauth = append(rep.NeedReauth, f.ID)
			case err != nil:
				rep.Failed++
			case res.Failed > 0:
				rep.Partial++
			default:
				rep.Succeeded++
			}
			// One feed never cancels the others.
			return nil
		})
	}
	_ = g.Wait()

	appLog.Info("sweep done",
		"feeds", rep.Feeds,
		"succeeded", rep.Succeeded,
		"partial", rep.Partial,
		"failed", rep.Failed,
		"in_progress", rep.InProgress,
		"need_reauth", len(rep.NeedReauth),
	)
	return rep
}

func (s *Scheduler) syncWithRetry(ctx context.Context, feedID string) (model.SyncResult, error) {
	var res model.SyncResult
	b := retry.WithMaxRetries(uint64(max(s.cfg.MaxRetries, 0)), retry.NewExponential(s.cfg.RetryBase))
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		var err error
		res, err = s.syncer.Sync(ctx, feedID, model.ModeDefault)
		if syncerr.IsRetryable(err) {
			appLog.Debug("transient sync failure, will retry", "feed_id", feedID, "err", err)
			return retry.RetryableError(err)
		}
		return err
	})
	return res, err
}
