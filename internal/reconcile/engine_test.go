package reconcile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"studiosync/internal/classify"
	"studiosync/internal/ics"
	"studiosync/internal/lock"
	appLog "studiosync/internal/log"
	"studiosync/internal/model"
	"studiosync/internal/store"
	"studiosync/internal/syncerr"
	"studiosync/internal/token"
)

var testNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func init() {
	appLog.SetOutput(io.Discard)
}

type fakeFetcher struct {
	mu    sync.Mutex
	body  string
	err   error
	calls int
}

func (f *fakeFetcher) set(body string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.body, f.err = body, err
}

func (f *fakeFetcher) Fetch(_ context.Context, _ string) (ics.FetchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return ics.FetchResult{}, f.err
	}
	return ics.FetchResult{Body: []byte(f.body)}, nil
}

// flakyStore fails every upsert whose UID is poisoned.
type flakyStore struct {
	*store.Store
	poison map[string]bool
}

func (s *flakyStore) ApplyBatch(ctx context.Context, feedID string, b store.Batch) (store.BatchResult, error) {
	var (
		kept    []model.CalendarEvent
		dropped []model.ItemError
	)
	for _, ev := range b.Upserts {
		if s.poison[ev.ExternalUID] {
			dropped = append(dropped, model.ItemError{UID: ev.ExternalUID, Stage: "create", Message: "constraint failed"})
			continue
		}
		kept = append(kept, ev)
	}
	b.Upserts = kept
	res, err := s.Store.ApplyBatch(ctx, feedID, b)
	res.Failed += len(dropped)
	res.Errors = append(res.Errors, dropped...)
	return res, err
}

func vevent(uid string, start time.Time, summary string) string {
	return "BEGIN:VEVENT\r\n" +
		"UID:" + uid + "\r\n" +
		"DTSTART:" + start.UTC().Format("20060102T150405Z") + "\r\n" +
		"DTEND:" + start.Add(time.Hour).UTC().Format("20060102T150405Z") + "\r\n" +
		"SUMMARY:" + summary + "\r\n" +
		"END:VEVENT\r\n"
}

func vcal(events ...string) string {
	return "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nPRODID:-//test//EN\r\n" + strings.Join(events, "") + "END:VCALENDAR\r\n"
}

func at(day, hour int) time.Time {
	return time.Date(2025, 3, day, hour, 0, 0, 0, time.UTC)
}

func setupStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return store.New(db)
}

func createICSFeed(t *testing.T, s *store.Store, approach model.SyncApproach) *model.CalendarFeed {
	t.Helper()
	f, err := s.CreateFeed(context.Background(), model.CalendarFeed{
		UserID:       "user-1",
		Name:         "Studio",
		URL:          "https://example.com/studio.ics",
		SyncApproach: approach,
	})
	if err != nil {
		t.Fatalf("create feed: %v", err)
	}
	return f
}

func newTestEngine(st Store, fetcher Fetcher, deps Deps) *Engine {
	deps.Store = st
	deps.Fetcher = fetcher
	if deps.Classifier == nil {
		deps.Classifier = classify.New()
	}
	e := New(Config{Location: time.UTC}, deps)
	e.now = func() time.Time { return testNow }
	return e
}

func countEvents(t *testing.T, s *store.Store, feedID string) int {
	t.Helper()
	events, err := s.ListFeedEvents(context.Background(), feedID, model.Window{End: testNow.AddDate(5, 0, 0)})
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	return len(events)
}

func TestSyncIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t)
	f := createICSFeed(t, s, model.ApproachYogaOnly)
	fetcher := &fakeFetcher{body: vcal(
		vevent("a@test", at(3, 9), "Vinyasa"),
		vevent("b@test", at(4, 9), "Hatha"),
		vevent("c@test", at(5, 9), "Yin"),
	)}
	e := newTestEngine(s, fetcher, Deps{})

	first, err := e.Sync(ctx, f.ID, model.ModeDefault)
	if err != nil {
		t.Fatalf("first sync: %v", err)
	}
	if first.Created != 3 || first.Failed != 0 {
		t.Fatalf("first sync = %+v, want 3 created", first)
	}

	second, err := e.Sync(ctx, f.ID, model.ModeDefault)
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if second.Writes() != 0 {
		t.Errorf("second sync writes = %d, want 0 (%+v)", second.Writes(), second)
	}
	if second.Unchanged != 3 {
		t.Errorf("second sync unchanged = %d, want 3", second.Unchanged)
	}

	got, _ := s.GetFeed(ctx, f.ID)
	if got.LastSyncedAt == nil || !got.LastSyncedAt.Equal(testNow) {
		t.Errorf("LastSyncedAt = %v, want %v", got.LastSyncedAt, testNow)
	}
	if e.State(f.ID) != model.StateIdle {
		t.Errorf("state = %s, want idle", e.State(f.ID))
	}

	runs, err := s.ListRuns(ctx, f.ID, 10)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 2 || runs[0].Status != model.RunStatusSuccess {
		t.Errorf("runs = %+v, want 2 successful", runs)
	}
}

func TestSyncDeletesAndUpdates(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t)
	f := createICSFeed(t, s, model.ApproachYogaOnly)
	fetcher := &fakeFetcher{body: vcal(
		vevent("a@test", at(3, 9), "Vinyasa"),
		vevent("b@test", at(4, 9), "Hatha"),
		vevent("c@test", at(5, 9), "Yin"),
	)}
	e := newTestEngine(s, fetcher, Deps{})
	if _, err := e.Sync(ctx, f.ID, model.ModeDefault); err != nil {
		t.Fatalf("first sync: %v", err)
	}

	fetcher.set(vcal(
		vevent("a@test", at(3, 9), "Vinyasa"),
		vevent("c@test", at(5, 10), "Yin (moved)"),
	), nil)
	res, err := e.Sync(ctx, f.ID, model.ModeDefault)
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if res.Created != 0 || res.Updated != 1 || res.Deleted != 1 || res.Unchanged != 1 {
		t.Errorf("result = %+v, want 1 updated, 1 deleted, 1 unchanged", res)
	}

	events, _ := s.ListFeedEvents(ctx, f.ID, e.Window(model.ModeDefault, testNow))
	if len(events) != 2 {
		t.Fatalf("stored events = %d, want 2", len(events))
	}
	for _, ev := range events {
		if ev.ExternalUID == "b@test" {
			t.Error("b@test survived although it left the source")
		}
		if ev.ExternalUID == "c@test" && ev.Title != "Yin (moved)" {
			t.Errorf("c@test title = %q, want updated title", ev.Title)
		}
	}
}

func TestSyncMixedCalendarFilters(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t)
	f := createICSFeed(t, s, model.ApproachMixedCalendar)
	_, err := s.ReplaceRules(ctx, f.ID, f.UserID, []model.SyncFilterRule{
		{PatternType: model.PatternTitle, MatchType: model.MatchContains, PatternValue: "yoga", Active: true},
	})
	if err != nil {
		t.Fatalf("replace rules: %v", err)
	}
	fetcher := &fakeFetcher{body: vcal(
		vevent("a@test", at(3, 9), "Yoga Flow"),
		vevent("b@test", at(4, 9), "Dentist"),
		vevent("c@test", at(5, 9), "Morning YOGA"),
	)}
	e := newTestEngine(s, fetcher, Deps{})

	res, err := e.Sync(ctx, f.ID, model.ModeDefault)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if res.Created != 2 || res.Skipped != 1 {
		t.Errorf("result = %+v, want 2 created, 1 skipped", res)
	}
}

func TestSyncFetchFailureLeavesDataIntact(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t)
	f := createICSFeed(t, s, model.ApproachYogaOnly)
	fetcher := &fakeFetcher{body: vcal(
		vevent("a@test", at(3, 9), "Vinyasa"),
		vevent("b@test", at(4, 9), "Hatha"),
	)}
	e := newTestEngine(s, fetcher, Deps{})
	if _, err := e.Sync(ctx, f.ID, model.ModeDefault); err != nil {
		t.Fatalf("first sync: %v", err)
	}

	fetcher.set("", &syncerr.TransientFetchError{Op: "fetch ics", Status: 503})
	e.now = func() time.Time { return testNow.Add(time.Hour) }
	_, err := e.Sync(ctx, f.ID, model.ModeDefault)
	if !syncerr.IsRetryable(err) {
		t.Fatalf("err = %v, want retryable", err)
	}
	if n := countEvents(t, s, f.ID); n != 2 {
		t.Errorf("stored events = %d, want 2", n)
	}
	got, _ := s.GetFeed(ctx, f.ID)
	if got.LastSyncedAt == nil || !got.LastSyncedAt.Equal(testNow) {
		t.Errorf("LastSyncedAt = %v, want unchanged %v", got.LastSyncedAt, testNow)
	}
	if e.State(f.ID) != model.StateIdle {
		t.Errorf("state = %s, want idle after error", e.State(f.ID))
	}
	runs, _ := s.ListRuns(ctx, f.ID, 1)
	if len(runs) != 1 || runs[0].Status != model.RunStatusError || runs[0].Error == "" {
		t.Errorf("latest run = %+v, want error status with message", runs)
	}
}

func TestSyncFetchTimeoutIsRetryable(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t)
	f := createICSFeed(t, s, model.ApproachYogaOnly)
	fetcher := &fakeFetcher{err: fmt.Errorf("get: %w", context.DeadlineExceeded)}
	e := newTestEngine(s, fetcher, Deps{})

	_, err := e.Sync(ctx, f.ID, model.ModeDefault)
	if !syncerr.IsRetryable(err) {
		t.Errorf("err = %v, want retryable", err)
	}
}

func TestSyncFeedLevelParseErrorAborts(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t)
	f := createICSFeed(t, s, model.ApproachYogaOnly)
	fetcher := &fakeFetcher{body: vcal(vevent("a@test", at(3, 9), "Vinyasa"))}
	e := newTestEngine(s, fetcher, Deps{})
	if _, err := e.Sync(ctx, f.ID, model.ModeDefault); err != nil {
		t.Fatalf("first sync: %v", err)
	}

	fetcher.set("<html><body>Please sign in</body></html>", nil)
	_, err := e.Sync(ctx, f.ID, model.ModeDefault)
	var pe *syncerr.ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want ParseError", err)
	}
	if n := countEvents(t, s, f.ID); n != 1 {
		t.Errorf("stored events = %d, want 1", n)
	}
}

func TestSyncKeepsRowsThatFailedToParse(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t)
	f := createICSFeed(t, s, model.ApproachYogaOnly)
	fetcher := &fakeFetcher{body: vcal(
		vevent("a@test", at(3, 9), "Vinyasa"),
		vevent("b@test", at(4, 9), "Hatha"),
	)}
	e := newTestEngine(s, fetcher, Deps{})
	if _, err := e.Sync(ctx, f.ID, model.ModeDefault); err != nil {
		t.Fatalf("first sync: %v", err)
	}

	fetcher.set(vcal(
		vevent("a@test", at(3, 9), "Vinyasa"),
		"BEGIN:VEVENT\r\nUID:b@test\r\nDTSTART:not-a-date\r\nSUMMARY:Hatha\r\nEND:VEVENT\r\n",
	), nil)
	res, err := e.Sync(ctx, f.ID, model.ModeDefault)
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if res.Deleted != 0 || res.Failed != 1 {
		t.Errorf("result = %+v, want 0 deleted, 1 failed", res)
	}
	if len(res.Errors) != 1 || res.Errors[0].UID != "b@test" || res.Errors[0].Stage != "parse" {
		t.Errorf("errors = %+v, want one parse error for b@test", res.Errors)
	}
	if n := countEvents(t, s, f.ID); n != 2 {
		t.Errorf("stored events = %d, want 2", n)
	}
}

func TestSyncOversizedLineKeepsLaterEvents(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t)
	f := createICSFeed(t, s, model.ApproachYogaOnly)
	fetcher := &fakeFetcher{body: vcal(
		vevent("a@test", at(3, 9), "Vinyasa"),
		vevent("b@test", at(4, 9), "Hatha"),
		vevent("c@test", at(5, 9), "Yin"),
	)}
	e := newTestEngine(s, fetcher, Deps{})
	if _, err := e.Sync(ctx, f.ID, model.ModeDefault); err != nil {
		t.Fatalf("first sync: %v", err)
	}

	withNotes := strings.Replace(vevent("b@test", at(4, 9), "Hatha"),
		"END:VEVENT", "DESCRIPTION:"+strings.Repeat("x", 5<<20)+"\r\nEND:VEVENT", 1)
	fetcher.set(vcal(
		vevent("a@test", at(3, 9), "Vinyasa"),
		withNotes,
		vevent("c@test", at(5, 9), "Yin"),
	), nil)
	res, err := e.Sync(ctx, f.ID, model.ModeDefault)
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if res.Deleted != 0 || res.Failed != 0 || res.Updated != 1 {
		t.Errorf("result = %+v, want 1 updated, 0 deleted, 0 failed", res)
	}
	if n := countEvents(t, s, f.ID); n != 3 {
		t.Errorf("stored events = %d, want 3", n)
	}
}

func TestSyncCappedSeriesSurvivesModeSwitch(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t)
	f := createICSFeed(t, s, model.ApproachYogaOnly)
	fetcher := &fakeFetcher{body: vcal("BEGIN:VEVENT\r\n" +
		"UID:mysore@test\r\n" +
		"DTSTART:20240301T090000Z\r\n" +
		"DTEND:20240301T100000Z\r\n" +
		"RRULE:FREQ=DAILY\r\n" +
		"SUMMARY:Mysore\r\n" +
		"END:VEVENT\r\n")}
	e := New(Config{Location: time.UTC, MaxOccurrencesPerEvent: 200}, Deps{
		Store:      s,
		Fetcher:    fetcher,
		Classifier: classify.New(),
	})
	now := testNow
	e.now = func() time.Time { return now }

	syncAs := func(mode model.SyncMode) model.SyncResult {
		t.Helper()
		res, err := e.Sync(ctx, f.ID, mode)
		if err != nil {
			t.Fatalf("%s sync: %v", mode, err)
		}
		return res
	}

	if res := syncAs(model.ModeDefault); res.Created != 182 {
		t.Fatalf("default sync created %d, want 182", res.Created)
	}
	stored, err := s.ListFeedEvents(ctx, f.ID, model.Window{Start: at(3, 0), End: at(4, 0)})
	if err != nil || len(stored) != 1 {
		t.Fatalf("list 3 March occurrence: %v, %d rows", err, len(stored))
	}
	rowID := stored[0].ID

	// Capped at 200 around now: the 182 near-term rows are all kept.
	if res := syncAs(model.ModeHistorical); res.Created != 18 || res.Deleted != 0 || res.Unchanged != 182 {
		t.Errorf("historical sync = %+v, want 18 created, 182 unchanged, 0 deleted", res)
	}
	if res := syncAs(model.ModeDefault); res.Created != 0 || res.Deleted != 0 {
		t.Errorf("second default sync = %+v, want no writes", res)
	}
	again, err := s.ListFeedEvents(ctx, f.ID, model.Window{Start: at(3, 0), End: at(4, 0)})
	if err != nil || len(again) != 1 || again[0].ID != rowID {
		t.Errorf("3 March row = %+v, want id %d preserved", again, rowID)
	}

	// Half a year later the kept span moves; rows outside it stay.
	now = testNow.AddDate(0, 6, 0)
	if res := syncAs(model.ModeHistorical); res.Deleted != 0 {
		t.Errorf("later historical sync deleted %d rows, want 0", res.Deleted)
	}
	if n := countEvents(t, s, f.ID); n != 384 {
		t.Errorf("stored events = %d, want 384", n)
	}
}

func TestSyncPartialFailureDoesNotAdvanceLastSynced(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t)
	f := createICSFeed(t, s, model.ApproachYogaOnly)
	fetcher := &fakeFetcher{body: vcal(
		vevent("a@test", at(3, 9), "Vinyasa"),
		vevent("b@test", at(4, 9), "Hatha"),
	)}
	e := newTestEngine(&flakyStore{Store: s, poison: map[string]bool{"b@test": true}}, fetcher, Deps{})

	res, err := e.Sync(ctx, f.ID, model.ModeDefault)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if res.Created != 1 || res.Failed != 1 {
		t.Errorf("result = %+v, want 1 created, 1 failed", res)
	}
	got, _ := s.GetFeed(ctx, f.ID)
	if got.LastSyncedAt != nil {
		t.Errorf("LastSyncedAt = %v, want nil after partial failure", got.LastSyncedAt)
	}
	runs, _ := s.ListRuns(ctx, f.ID, 1)
	if len(runs) != 1 || runs[0].Status != model.RunStatusPartial {
		t.Errorf("latest run = %+v, want partial", runs)
	}
}

func TestSyncRejectsConcurrentRun(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t)
	f := createICSFeed(t, s, model.ApproachYogaOnly)
	locker := lock.NewMemoryLocker()
	fetcher := &fakeFetcher{body: vcal(vevent("a@test", at(3, 9), "Vinyasa"))}
	e := newTestEngine(s, fetcher, Deps{Locker: locker})

	unlock, err := locker.TryLock(ctx, f.ID)
	if err != nil {
		t.Fatalf("TryLock: %v", err)
	}
	if _, err := e.Sync(ctx, f.ID, model.ModeDefault); !errors.Is(err, syncerr.ErrSyncInProgress) {
		t.Errorf("err = %v, want ErrSyncInProgress", err)
	}
	if fetcher.calls != 0 {
		t.Errorf("fetch calls = %d, want 0 while locked", fetcher.calls)
	}
	unlock()

	if _, err := e.Sync(ctx, f.ID, model.ModeDefault); err != nil {
		t.Errorf("sync after unlock: %v", err)
	}
}

func TestDeleteFeedWaitsForRunningSync(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t)
	f := createICSFeed(t, s, model.ApproachYogaOnly)
	locker := lock.NewMemoryLocker()
	fetcher := &fakeFetcher{body: vcal(vevent("a@test", at(3, 9), "Vinyasa"))}
	e := newTestEngine(s, fetcher, Deps{Locker: locker})
	if _, err := e.Sync(ctx, f.ID, model.ModeDefault); err != nil {
		t.Fatalf("sync: %v", err)
	}

	unlock, err := locker.TryLock(ctx, f.ID)
	if err != nil {
		t.Fatalf("TryLock: %v", err)
	}
	if err := e.DeleteFeed(ctx, f.ID); !errors.Is(err, syncerr.ErrSyncInProgress) {
		t.Errorf("DeleteFeed while syncing = %v, want ErrSyncInProgress", err)
	}
	if n := countEvents(t, s, f.ID); n != 1 {
		t.Errorf("stored events = %d, want 1 after refused delete", n)
	}
	unlock()

	if err := e.DeleteFeed(ctx, f.ID); err != nil {
		t.Fatalf("DeleteFeed: %v", err)
	}
	if _, err := e.Sync(ctx, f.ID, model.ModeDefault); !errors.Is(err, syncerr.ErrFeedNotFound) {
		t.Errorf("sync of deleted feed = %v, want ErrFeedNotFound", err)
	}
	if locker.Held(f.ID) {
		t.Error("lock still held after delete")
	}
}

func TestSyncUnknownFeed(t *testing.T) {
	e := newTestEngine(setupStore(t), &fakeFetcher{}, Deps{})
	if _, err := e.Sync(context.Background(), "missing", model.ModeDefault); !errors.Is(err, syncerr.ErrFeedNotFound) {
		t.Errorf("err = %v, want ErrFeedNotFound", err)
	}
}

func TestSyncHistoricalModeReachesPast(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t)
	f := createICSFeed(t, s, model.ApproachYogaOnly)
	old := time.Date(2023, 6, 1, 9, 0, 0, 0, time.UTC)
	fetcher := &fakeFetcher{body: vcal(
		vevent("old@test", old, "Old class"),
		vevent("a@test", at(3, 9), "Vinyasa"),
	)}
	e := newTestEngine(s, fetcher, Deps{})

	res, err := e.Sync(ctx, f.ID, model.ModeDefault)
	if err != nil {
		t.Fatalf("default sync: %v", err)
	}
	if res.Created != 1 {
		t.Errorf("default created = %d, want 1", res.Created)
	}
	res, err = e.Sync(ctx, f.ID, model.ModeHistorical)
	if err != nil {
		t.Fatalf("historical sync: %v", err)
	}
	if res.Created != 1 || res.Unchanged != 1 {
		t.Errorf("historical result = %+v, want 1 created, 1 unchanged", res)
	}
}

type fakeTokens struct {
	refreshed bool
}

func (f *fakeTokens) EnsureValidToken(ctx context.Context, creds model.Credentials, onRefreshed token.RefreshedFunc) (model.Credentials, error) {
	creds.AccessToken = "fresh-access"
	creds.Expiry = testNow.Add(time.Hour)
	if err := onRefreshed(ctx, creds); err != nil {
		return model.Credentials{}, &syncerr.PersistenceError{Op: "save refreshed token", Err: err}
	}
	f.refreshed = true
	return creds, nil
}

type fakeProvider struct {
	gotToken    string
	gotCalendar string
}

func (f *fakeProvider) FetchEvents(_ context.Context, accessToken, calendarID string, _ model.Window) ([]byte, error) {
	f.gotToken, f.gotCalendar = accessToken, calendarID
	return []byte(`{"kind":"calendar#events","items":[
		{"id":"g1","summary":"Yoga Basics","start":{"dateTime":"2025-03-10T09:00:00Z"},"end":{"dateTime":"2025-03-10T10:00:00Z"}},
		{"id":"g2","summary":"Gone","status":"cancelled","start":{"dateTime":"2025-03-11T09:00:00Z"},"end":{"dateTime":"2025-03-11T10:00:00Z"}}
	]}`), nil
}

func TestSyncOAuthFeed(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t)
	f, err := s.CreateFeed(ctx, model.CalendarFeed{
		UserID:             "user-1",
		Name:               "Google",
		Provider:           model.ProviderGoogle,
		ProviderCalendarID: "primary",
		SyncApproach:       model.ApproachYogaOnly,
	})
	if err != nil {
		t.Fatalf("create feed: %v", err)
	}
	tokens := &fakeTokens{}
	provider := &fakeProvider{}
	e := newTestEngine(s, nil, Deps{Providers: map[model.Provider]Provider{
		model.ProviderGoogle: {Client: provider, Tokens: tokens},
	}})

	if _, err := e.Sync(ctx, f.ID, model.ModeDefault); !errors.Is(err, syncerr.ErrNoCredentials) {
		t.Fatalf("err = %v, want ErrNoCredentials", err)
	}

	err = s.SaveCredentials(ctx, model.Credentials{
		UserID:       "user-1",
		Provider:     model.ProviderGoogle,
		AccessToken:  "stale",
		RefreshToken: "refresh-1",
		Expiry:       testNow.Add(-time.Minute),
	})
	if err != nil {
		t.Fatalf("save credentials: %v", err)
	}

	res, err := e.Sync(ctx, f.ID, model.ModeDefault)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if res.Created != 1 {
		t.Errorf("created = %d, want 1 (cancelled item dropped)", res.Created)
	}
	if provider.gotToken != "fresh-access" || provider.gotCalendar != "primary" {
		t.Errorf("provider called with %q/%q", provider.gotToken, provider.gotCalendar)
	}
	creds, _ := s.GetCredentials(ctx, "user-1", model.ProviderGoogle)
	if creds == nil || creds.AccessToken != "fresh-access" || creds.RefreshToken != "refresh-1" {
		t.Errorf("stored credentials = %+v, want refreshed access token and kept refresh token", creds)
	}
}

func TestDiffKeepsRowsOutsideTruncatedSpan(t *testing.T) {
	mk := func(id int64, day int) model.CalendarEvent {
		ev := model.CalendarEvent{
			ID:          id,
			ExternalUID: model.InstanceUID("daily", at(day, 9)),
			BaseUID:     "daily",
			Title:       "Mysore",
			Start:       at(day, 9),
			End:         at(day, 10),
			Recurring:   true,
		}
		ev.ContentHash = ev.Hash()
		return ev
	}
	stored := []model.CalendarEvent{mk(1, 2), mk(2, 10), mk(3, 11)}
	fresh := []model.CalendarEvent{mk(0, 11)}

	b, unchanged := Diff(stored, fresh, Protected{
		Spans: map[string]model.Window{"daily": {Start: at(10, 0), End: at(20, 0)}},
	})
	if unchanged != 1 {
		t.Errorf("unchanged = %d, want 1", unchanged)
	}
	// Day 2 is outside the kept span; day 10 is inside it and gone from the source.
	if len(b.Deletes) != 1 || b.Deletes[0].ID != 2 {
		t.Errorf("deletes = %+v, want only id 2", b.Deletes)
	}
}

func TestDiff(t *testing.T) {
	mk := func(id int64, uid, base, title string) model.CalendarEvent {
		ev := model.CalendarEvent{ID: id, ExternalUID: uid, BaseUID: base, Title: title, Start: at(3, 9), End: at(3, 10)}
		ev.ContentHash = ev.Hash()
		return ev
	}
	stored := []model.CalendarEvent{
		mk(1, "same", "same", "Same"),
		mk(2, "changed", "changed", "Old"),
		mk(3, "gone", "gone", "Gone"),
		mk(4, "series_20250303T090000Z", "series", "Series"),
	}
	fresh := []model.CalendarEvent{
		mk(0, "same", "same", "Same"),
		mk(0, "changed", "changed", "New"),
		mk(0, "new", "new", "New"),
	}

	b, unchanged := Diff(stored, fresh, Protected{UIDs: map[string]struct{}{"series": {}}})
	if unchanged != 1 {
		t.Errorf("unchanged = %d, want 1", unchanged)
	}
	if len(b.Upserts) != 1 || b.Upserts[0].ExternalUID != "new" {
		t.Errorf("upserts = %+v, want [new]", b.Upserts)
	}
	if len(b.Updates) != 1 || b.Updates[0].ID != 2 {
		t.Errorf("updates = %+v, want id 2", b.Updates)
	}
	if len(b.Deletes) != 1 || b.Deletes[0].ExternalUID != "gone" {
		t.Errorf("deletes = %+v, want [gone] with series protected", b.Deletes)
	}
}
