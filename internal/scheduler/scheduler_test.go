package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	appLog "studiosync/internal/log"
	"studiosync/internal/model"
	"studiosync/internal/syncerr"
)

func init() {
	appLog.SetOutput(io.Discard)
}

type stubFeeds struct {
	feeds []model.CalendarFeed
	err   error
}

func (s stubFeeds) ListFeeds(context.Context) ([]model.CalendarFeed, error) {
	return s.feeds, s.err
}

type stubSyncer struct {
	mu       sync.Mutex
	calls    map[string]int
	running  int32
	peak     int32
	outcomes map[string][]error
	partial  map[string]bool
}

func (s *stubSyncer) Sync(_ context.Context, feedID string, mode model.SyncMode) (model.SyncResult, error) {
	n := atomic.AddInt32(&s.running, 1)
	defer atomic.AddInt32(&s.running, -1)
	for {
		peak := atomic.LoadInt32(&s.peak)
		if n <= peak || atomic.CompareAndSwapInt32(&s.peak, peak, n) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)

	s.mu.Lock()
	defer s.mu.Unlock()
	call := s.calls[feedID]
	s.calls[feedID]++

	res := model.SyncResult{FeedID: feedID, Mode: mode}
	if s.partial[feedID] {
		res.Failed = 1
	}
	if outs := s.outcomes[feedID]; call < len(outs) {
		return res, outs[call]
	}
	return res, nil
}

func feeds(ids ...string) stubFeeds {
	var out stubFeeds
	for _, id := range ids {
		out.feeds = append(out.feeds, model.CalendarFeed{ID: id})
	}
	return out
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSweepOnceClassifiesOutcomes(t *testing.T) {
	transient := &syncerr.TransientFetchError{Op: "fetch ics", Status: 503}
	syncer := &stubSyncer{
		calls: map[string]int{},
		outcomes: map[string][]error{
			"flaky":   {transient, nil},
			"down":    {transient, transient, transient},
			"busy":    {syncerr.ErrSyncInProgress},
			"revoked": {&syncerr.AuthExpiredError{Provider: "google", Err: errors.New("invalid_grant")}},
		},
		partial: map[string]bool{"rows": true},
	}
	s := New(Config{Concurrency: 2, MaxRetries: 2, RetryBase: time.Millisecond},
		feeds("ok", "flaky", "down", "busy", "revoked", "rows"), syncer, testLogger())

	rep := s.SweepOnce(context.Background())

	if rep.Feeds != 6 {
		t.Errorf("Feeds = %d, want 6", rep.Feeds)
	}
	if rep.Succeeded != 2 || rep.Partial != 1 || rep.Failed != 2 || rep.InProgress != 1 {
		t.Errorf("report = %+v, want 2 succeeded, 1 partial, 2 failed, 1 in progress", rep)
	}
	if len(rep.NeedReauth) != 1 || rep.NeedReauth[0] != "revoked" {
		t.Errorf("NeedReauth = %v, want [revoked]", rep.NeedReauth)
	}
	if got := syncer.calls["flaky"]; got != 2 {
		t.Errorf("flaky calls = %d, want 2", got)
	}
	if got := syncer.calls["down"]; got != 3 {
		t.Errorf("down calls = %d, want 3 (1 + 2 retries)", got)
	}
	if got := syncer.calls["revoked"]; got != 1 {
		t.Errorf("revoked calls = %d, want 1 (auth errors are not retried)", got)
	}
}

func TestSweepOnceBoundsConcurrency(t *testing.T) {
	syncer := &stubSyncer{calls: map[string]int{}}
	s := New(Config{Concurrency: 2}, feeds("a", "b", "c", "d", "e", "f"), syncer, testLogger())

	rep := s.SweepOnce(context.Background())
	if rep.Succeeded != 6 {
		t.Errorf("Succeeded = %d, want 6", rep.Succeeded)
	}
	if peak := atomic.LoadInt32(&syncer.peak); peak > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", peak)
	}
}

func TestSweepOnceListFailure(t *testing.T) {
	syncer := &stubSyncer{calls: map[string]int{}}
	s := New(Config{}, stubFeeds{err: errors.New("db closed")}, syncer, testLogger())

	rep := s.SweepOnce(context.Background())
	if rep.Feeds != 0 || len(syncer.calls) != 0 {
		t.Errorf("report = %+v, calls = %v, want nothing synced", rep, syncer.calls)
	}
}

func TestStartRejectsBadSchedule(t *testing.T) {
	s := New(Config{Schedule: "not a cron spec"}, feeds(), &stubSyncer{calls: map[string]int{}}, testLogger())
	if err := s.Start(); err == nil {
		t.Error("Start() error = nil, want parse error")
	}
	s.Stop()
}

func TestStartDisabled(t *testing.T) {
	s := New(Config{}, feeds(), &stubSyncer{calls: map[string]int{}}, testLogger())
	if err := s.Start(); err != nil {
		t.Errorf("Start() = %v, want nil", err)
	}
	s.Stop()
}
