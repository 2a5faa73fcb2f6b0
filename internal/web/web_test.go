package web

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"studiosync/internal/billing"
	"studiosync/internal/config"
	"studiosync/internal/lock"
	appLog "studiosync/internal/log"
	"studiosync/internal/model"
	"studiosync/internal/reconcile"
	"studiosync/internal/store"
	"studiosync/internal/syncerr"
)

func init() {
	appLog.SetOutput(io.Discard)
}

// stubSyncer scripts sync outcomes. Removal goes through a real engine so
// it honors the shared locker.
type stubSyncer struct {
	*reconcile.Engine
	err   error
	calls []model.SyncMode
}

func (s *stubSyncer) Sync(_ context.Context, feedID string, mode model.SyncMode) (model.SyncResult, error) {
	s.calls = append(s.calls, mode)
	if s.err != nil {
		return model.SyncResult{}, s.err
	}
	return model.SyncResult{FeedID: feedID, Mode: mode, Created: 2}, nil
}

func (s *stubSyncer) State(string) model.SyncState { return model.StateIdle }

type testEnv struct {
	srv    *httptest.Server
	store  *store.Store
	syncer *stubSyncer
	locker *lock.MemoryLocker
}

func newTestEnv(t *testing.T, cfg *config.Config) testEnv {
	t.Helper()
	db, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	st := store.New(db)
	locker := lock.NewMemoryLocker()
	syncer := &stubSyncer{Engine: reconcile.New(reconcile.Config{}, reconcile.Deps{Store: st, Locker: locker})}
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	srv := httptest.NewServer(NewServer(cfg, st, syncer, billing.NewService(st)).Handler())
	t.Cleanup(srv.Close)
	return testEnv{srv: srv, store: st, syncer: syncer, locker: locker}
}

func (e testEnv) do(t *testing.T, method, path, body string, out any) int {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rd)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if out != nil && len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			t.Fatalf("decode %s %s response %q: %v", method, path, raw, err)
		}
	}
	return resp.StatusCode
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, nil)
	if code := env.do(t, http.MethodGet, "/health", "", nil); code != http.StatusOK {
		t.Errorf("GET /health = %d, want 200", code)
	}
}

func TestFeedLifecycle(t *testing.T) {
	env := newTestEnv(t, nil)

	var feed model.CalendarFeed
	code := env.do(t, http.MethodPost, "/api/feeds",
		`{"user_id":"user-1","name":"Studio","url":"webcal://example.com/cal.ics"}`, &feed)
	if code != http.StatusCreated {
		t.Fatalf("create feed = %d, want 201", code)
	}
	if feed.URL != "https://example.com/cal.ics" || feed.SyncApproach != model.ApproachYogaOnly {
		t.Errorf("created feed = %+v, want normalized https URL and yoga_only", feed)
	}

	code = env.do(t, http.MethodPost, "/api/feeds",
		`{"user_id":"user-1","url":"https://example.com/a.ics","provider":"google","provider_calendar_id":"primary"}`, nil)
	if code != http.StatusBadRequest {
		t.Errorf("create URL+provider feed = %d, want 400", code)
	}

	var updated model.CalendarFeed
	code = env.do(t, http.MethodPut, "/api/feeds/"+feed.ID+"/approach", `{"sync_approach":"mixed_calendar"}`, &updated)
	if code != http.StatusOK || updated.SyncApproach != model.ApproachMixedCalendar {
		t.Errorf("set approach = %d %+v", code, updated)
	}

	var rules []model.SyncFilterRule
	code = env.do(t, http.MethodPut, "/api/feeds/"+feed.ID+"/rules",
		`[{"pattern_type":"title","pattern_value":"yoga","match_type":"contains"}]`, &rules)
	if code != http.StatusOK || len(rules) != 1 || !rules[0].Active {
		t.Errorf("replace rules = %d %+v", code, rules)
	}
	code = env.do(t, http.MethodPut, "/api/feeds/"+feed.ID+"/rules",
		`[{"pattern_type":"title","pattern_value":"yoga","match_type":"fuzzy"}]`, nil)
	if code != http.StatusBadRequest {
		t.Errorf("invalid rule = %d, want 400", code)
	}

	var res model.SyncResult
	code = env.do(t, http.MethodPost, "/api/feeds/"+feed.ID+"/sync?mode=historical", "", &res)
	if code != http.StatusOK || res.Created != 2 {
		t.Errorf("sync = %d %+v", code, res)
	}
	if len(env.syncer.calls) != 1 || env.syncer.calls[0] != model.ModeHistorical {
		t.Errorf("sync calls = %v, want [historical]", env.syncer.calls)
	}
	if code := env.do(t, http.MethodPost, "/api/feeds/"+feed.ID+"/sync?mode=weekly", "", nil); code != http.StatusBadRequest {
		t.Errorf("bad mode = %d, want 400", code)
	}

	var status statusResponse
	if code := env.do(t, http.MethodGet, "/api/feeds/"+feed.ID+"/status", "", &status); code != http.StatusOK || status.State != model.StateIdle {
		t.Errorf("status = %d %+v", code, status)
	}

	if code := env.do(t, http.MethodDelete, "/api/feeds/"+feed.ID, "", nil); code != http.StatusNoContent {
		t.Errorf("delete = %d, want 204", code)
	}
	if code := env.do(t, http.MethodGet, "/api/feeds/"+feed.ID, "", nil); code != http.StatusNotFound {
		t.Errorf("get deleted feed = %d, want 404", code)
	}
}

func TestSyncErrorMapping(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		status      int
		retryable   bool
		reauthorize bool
	}{
		{"in progress", syncerr.ErrSyncInProgress, http.StatusConflict, false, false},
		{"transient", &syncerr.TransientFetchError{Op: "fetch ics", Status: 503}, http.StatusBadGateway, true, false},
		{"auth expired", &syncerr.AuthExpiredError{Provider: "google", Err: fmt.Errorf("invalid_grant")}, http.StatusUnauthorized, false, true},
		{"feed parse", &syncerr.ParseError{Index: -1, Err: fmt.Errorf("not a calendar")}, http.StatusUnprocessableEntity, false, false},
		{"not found", syncerr.ErrFeedNotFound, http.StatusNotFound, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, nil)
			env.syncer.err = tt.err

			var body syncErrorBody
			code := env.do(t, http.MethodPost, "/api/feeds/any/sync", "", &body)
			if code != tt.status {
				t.Errorf("status = %d, want %d", code, tt.status)
			}
			if body.Retryable != tt.retryable || body.Reauthorize != tt.reauthorize {
				t.Errorf("body = %+v, want retryable=%v reauthorize=%v", body, tt.retryable, tt.reauthorize)
			}
		})
	}
}

func TestBillingEndpoints(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	f, err := env.store.CreateFeed(ctx, model.CalendarFeed{UserID: "user-1", URL: "https://example.com/cal.ics", SyncApproach: model.ApproachYogaOnly})
	if err != nil {
		t.Fatalf("create feed: %v", err)
	}
	start := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	br, err := env.store.ApplyBatch(ctx, f.ID, store.Batch{Upserts: []model.CalendarEvent{{
		ExternalUID: "class@test", BaseUID: "class@test", Title: "Flow", Start: start, End: start.Add(time.Hour), TimeZone: "UTC",
	}}})
	if err != nil || len(br.Touched) != 1 {
		t.Fatalf("insert event: %v", err)
	}
	eventPath := fmt.Sprintf("/api/events/%d", br.Touched[0])

	var entity model.BillingEntity
	if code := env.do(t, http.MethodPost, "/api/billing-entities", `{"user_id":"user-1","name":"Studio Nord"}`, &entity); code != http.StatusCreated {
		t.Fatalf("create entity = %d", code)
	}

	code := env.do(t, http.MethodPut, "/api/billing-entities/"+entity.ID+"/rate-config",
		`{"type":"flat","base_rate":100,"bonus_threshold":15,"bonus_per_student":5}`, nil)
	if code != http.StatusOK {
		t.Fatalf("set rate config = %d", code)
	}
	code = env.do(t, http.MethodPut, "/api/billing-entities/"+entity.ID+"/rate-config",
		`{"type":"tiered","tiers":[{"min":0,"max":5,"rate":1},{"min":6,"rate":2}]}`, nil)
	if code != http.StatusUnprocessableEntity {
		t.Errorf("invalid rate config = %d, want 422", code)
	}

	code = env.do(t, http.MethodPut, eventPath+"/billing-entity", fmt.Sprintf(`{"billing_entity_id":%q}`, entity.ID), nil)
	if code != http.StatusOK {
		t.Fatalf("assign entity = %d", code)
	}
	var amount struct {
		Amount json.Number `json:"amount"`
	}
	code = env.do(t, http.MethodPut, eventPath+"/attendance", `{"studio_students":12,"online_students":6}`, &amount)
	if code != http.StatusOK || amount.Amount.String() != "115.00" {
		t.Errorf("attendance payout = %d %q, want 115.00", code, amount.Amount)
	}

	var got struct {
		RateConfigs []json.RawMessage `json:"rate_configs"`
	}
	if code := env.do(t, http.MethodGet, "/api/billing-entities/"+entity.ID, "", &got); code != http.StatusOK || len(got.RateConfigs) != 1 {
		t.Errorf("get entity = %d, %d versions, want 1", code, len(got.RateConfigs))
	}

	if code := env.do(t, http.MethodGet, "/api/events/9999/payout", "", nil); code != http.StatusNotFound {
		t.Errorf("payout of unknown event = %d, want 404", code)
	}
	if code := env.do(t, http.MethodGet, "/api/events/abc/payout", "", nil); code != http.StatusBadRequest {
		t.Errorf("payout of bad id = %d, want 400", code)
	}
}

func TestCredentialsAndDisconnect(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	code := env.do(t, http.MethodPut, "/api/users/user-1/credentials/google",
		`{"access_token":"a","refresh_token":"r","expiry":"2025-03-01T13:00:00Z"}`, nil)
	if code != http.StatusOK {
		t.Fatalf("save credentials = %d", code)
	}
	creds, err := env.store.GetCredentials(ctx, "user-1", model.ProviderGoogle)
	if err != nil || creds == nil || creds.RefreshToken != "r" {
		t.Fatalf("stored credentials = %+v, %v", creds, err)
	}
	if _, err := env.store.CreateFeed(ctx, model.CalendarFeed{
		UserID: "user-1", Provider: model.ProviderGoogle, ProviderCalendarID: "primary", SyncApproach: model.ApproachYogaOnly,
	}); err != nil {
		t.Fatalf("create feed: %v", err)
	}

	var out map[string]int
	if code := env.do(t, http.MethodDelete, "/api/users/user-1/credentials/google", "", &out); code != http.StatusOK || out["feeds_removed"] != 1 {
		t.Errorf("disconnect = %d %v, want 1 feed removed", code, out)
	}
	if code := env.do(t, http.MethodPut, "/api/users/user-1/credentials/outlook", `{"refresh_token":"r"}`, nil); code != http.StatusBadRequest {
		t.Errorf("unsupported provider = %d, want 400", code)
	}
}

func TestRemovalWaitsForRunningSync(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	icsFeed, err := env.store.CreateFeed(ctx, model.CalendarFeed{
		UserID: "user-1", URL: "https://example.com/a.ics", SyncApproach: model.ApproachYogaOnly,
	})
	if err != nil {
		t.Fatalf("create ics feed: %v", err)
	}
	google, err := env.store.CreateFeed(ctx, model.CalendarFeed{
		UserID: "user-1", Provider: model.ProviderGoogle, ProviderCalendarID: "primary", SyncApproach: model.ApproachYogaOnly,
	})
	if err != nil {
		t.Fatalf("create google feed: %v", err)
	}

	unlock, err := env.locker.TryLock(ctx, icsFeed.ID)
	if err != nil {
		t.Fatalf("lock ics feed: %v", err)
	}
	if code := env.do(t, http.MethodDelete, "/api/feeds/"+icsFeed.ID, "", nil); code != http.StatusConflict {
		t.Errorf("delete during sync = %d, want 409", code)
	}
	unlock()
	if code := env.do(t, http.MethodDelete, "/api/feeds/"+icsFeed.ID, "", nil); code != http.StatusNoContent {
		t.Errorf("delete after sync = %d, want 204", code)
	}

	unlock, err = env.locker.TryLock(ctx, google.ID)
	if err != nil {
		t.Fatalf("lock google feed: %v", err)
	}
	if code := env.do(t, http.MethodDelete, "/api/users/user-1/credentials/google", "", nil); code != http.StatusConflict {
		t.Errorf("disconnect during sync = %d, want 409", code)
	}
	if f, err := env.store.GetFeed(ctx, google.ID); err != nil || f == nil {
		t.Errorf("google feed after refused disconnect = %v, %v; want kept", f, err)
	}
	unlock()

	var out map[string]int
	if code := env.do(t, http.MethodDelete, "/api/users/user-1/credentials/google", "", &out); code != http.StatusOK || out["feeds_removed"] != 1 {
		t.Errorf("disconnect = %d %v, want 1 feed removed", code, out)
	}
	if env.locker.Held(google.ID) {
		t.Error("google feed lock still held after disconnect")
	}
}

func TestBasicAuth(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.BasicAuth = &config.BasicAuthConfig{Username: "admin", Password: "secret"}
	env := newTestEnv(t, cfg)

	if code := env.do(t, http.MethodGet, "/health", "", nil); code != http.StatusOK {
		t.Errorf("health without auth = %d, want 200", code)
	}
	if code := env.do(t, http.MethodGet, "/api/feeds?user_id=u", "", nil); code != http.StatusUnauthorized {
		t.Errorf("api without auth = %d, want 401", code)
	}

	req, _ := http.NewRequest(http.MethodGet, env.srv.URL+"/api/feeds?user_id=u", nil)
	req.SetBasicAuth("admin", "secret")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("api with auth = %d, want 200", resp.StatusCode)
	}
}
