package web

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"studiosync/internal/ics"
	"studiosync/internal/model"
	"studiosync/internal/syncerr"
)

type createFeedRequest struct {
	UserID             string             `json:"user_id"`
	Name               string             `json:"name"`
	URL                string             `json:"url,omitempty"`
	Provider           model.Provider     `json:"provider,omitempty"`
	ProviderCalendarID string             `json:"provider_calendar_id,omitempty"`
	SyncApproach       model.SyncApproach `json:"sync_approach"`
}

func (s *Server) handleListFeeds(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	feeds, err := s.store.ListUserFeeds(r.Context(), userID)
	if err != nil {
		writeSyncError(w, err)
		return
	}
	if feeds == nil {
		feeds = []model.CalendarFeed{}
	}
	writeJSON(w, http.StatusOK, feeds)
}

func (s *Server) handleCreateFeed(w http.ResponseWriter, r *http.Request) {
	var req createFeedRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.SyncApproach == "" {
		req.SyncApproach = model.ApproachYogaOnly
	}
	f := model.CalendarFeed{
		UserID:             req.UserID,
		Name:               req.Name,
		Provider:           req.Provider,
		ProviderCalendarID: req.ProviderCalendarID,
		SyncApproach:       req.SyncApproach,
	}
	if strings.TrimSpace(req.URL) != "" {
		u, err := ics.NormalizeURL(req.URL)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		f.URL = u
	}
	if err := f.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	created, err := s.store.CreateFeed(r.Context(), f)
	if err != nil {
		writeSyncError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// loadFeed resolves {feedID} or writes a 404.
func (s *Server) loadFeed(w http.ResponseWriter, r *http.Request) (*model.CalendarFeed, bool) {
	f, err := s.store.GetFeed(r.Context(), chi.URLParam(r, "feedID"))
	if err != nil {
		writeSyncError(w, err)
		return nil, false
	}
	if f == nil {
		writeSyncError(w, syncerr.ErrFeedNotFound)
		return nil, false
	}
	return f, true
}

func (s *Server) handleGetFeed(w http.ResponseWriter, r *http.Request) {
	f, ok := s.loadFeed(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, f)
}

func (s *Server) handleDeleteFeed(w http.ResponseWriter, r *http.Request) {
	if err := s.syncer.DeleteFeed(r.Context(), chi.URLParam(r, "feedID")); err != nil {
		writeSyncError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetApproach(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SyncApproach model.SyncApproach `json:"sync_approach"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if !req.SyncApproach.Valid() {
		writeError(w, http.StatusBadRequest, "sync_approach must be yoga_only or mixed_calendar")
		return
	}
	feedID := chi.URLParam(r, "feedID")
	if err := s.store.SetSyncApproach(r.Context(), feedID, req.SyncApproach); err != nil {
		writeSyncError(w, err)
		return
	}
	s.handleGetFeed(w, r)
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	mode := model.SyncMode(r.URL.Query().Get("mode"))
	if mode == "" {
		mode = model.ModeDefault
	}
	if !mode.Valid() {
		writeError(w, http.StatusBadRequest, "mode must be default or historical")
		return
	}
	res, err := s.syncer.Sync(r.Context(), chi.URLParam(r, "feedID"), mode)
	if err != nil {
		writeSyncError(w, err)
		return
	}
	if res.Errors == nil {
		res.Errors = []model.ItemError{}
	}
	writeJSON(w, http.StatusOK, res)
}

type statusResponse struct {
	FeedID       string          `json:"feed_id"`
	State        model.SyncState `json:"state"`
	LastSyncedAt *time.Time      `json:"last_synced_at"`
	Runs         []model.SyncRun `json:"runs"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	f, ok := s.loadFeed(w, r)
	if !ok {
		return
	}
	runs, err := s.store.ListRuns(r.Context(), f.ID, parseIntDefault(r.URL.Query().Get("runs"), 10))
	if err != nil {
		writeSyncError(w, err)
		return
	}
	if runs == nil {
		runs = []model.SyncRun{}
	}
	writeJSON(w, http.StatusOK, statusResponse{
		FeedID:       f.ID,
		State:        s.syncer.State(f.ID),
		LastSyncedAt: f.LastSyncedAt,
		Runs:         runs,
	})
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	f, ok := s.loadFeed(w, r)
	if !ok {
		return
	}
	loc := time.UTC
	if s.cfg != nil {
		loc = s.cfg.Location()
	}
	now := time.Now().In(loc)
	win := model.Window{
		Start: now.AddDate(0, -1, 0),
		End:   now.AddDate(0, 3, 0),
	}
	q := r.URL.Query()
	if v := q.Get("from"); v != "" {
		t, err := parseTimeParam(v, loc)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid from: "+err.Error())
			return
		}
		win.Start = t
	}
	if v := q.Get("to"); v != "" {
		t, err := parseTimeParam(v, loc)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid to: "+err.Error())
			return
		}
		win.End = t
	}
	if !win.End.After(win.Start) {
		writeError(w, http.StatusBadRequest, "to must be after from")
		return
	}

	events, err := s.store.ListFeedEvents(r.Context(), f.ID, win)
	if err != nil {
		writeSyncError(w, err)
		return
	}
	if events == nil {
		events = []model.CalendarEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	f, ok := s.loadFeed(w, r)
	if !ok {
		return
	}
	rules, err := s.store.ListRules(r.Context(), f.ID)
	if err != nil {
		writeSyncError(w, err)
		return
	}
	if rules == nil {
		rules = []model.SyncFilterRule{}
	}
	writeJSON(w, http.StatusOK, rules)
}

type ruleRequest struct {
	PatternType  model.PatternType `json:"pattern_type"`
	PatternValue string            `json:"pattern_value"`
	MatchType    model.MatchType   `json:"match_type"`
}

func (s *Server) handleReplaceRules(w http.ResponseWriter, r *http.Request) {
	f, ok := s.loadFeed(w, r)
	if !ok {
		return
	}
	var req []ruleRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	rules := make([]model.SyncFilterRule, 0, len(req))
	for _, rr := range req {
		rule := model.SyncFilterRule{
			PatternType:  rr.PatternType,
			PatternValue: rr.PatternValue,
			MatchType:    rr.MatchType,
			Active:       true,
		}
		if err := rule.Validate(); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		rules = append(rules, rule)
	}
	saved, err := s.store.ReplaceRules(r.Context(), f.ID, f.UserID, rules)
	if err != nil {
		writeSyncError(w, err)
		return
	}
	if saved == nil {
		saved = []model.SyncFilterRule{}
	}
	writeJSON(w, http.StatusOK, saved)
}

type credentialsRequest struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	Expiry       time.Time `json:"expiry"`
	Scopes       []string  `json:"scopes"`
}

func (s *Server) handleSaveCredentials(w http.ResponseWriter, r *http.Request) {
	provider := model.Provider(chi.URLParam(r, "provider"))
	if provider != model.ProviderGoogle {
		writeError(w, http.StatusBadRequest, "unsupported provider")
		return
	}
	var req credentialsRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.RefreshToken == "" {
		writeError(w, http.StatusBadRequest, "refresh_token is required")
		return
	}
	creds := model.Credentials{
		UserID:       chi.URLParam(r, "userID"),
		Provider:     provider,
		AccessToken:  req.AccessToken,
		RefreshToken: req.RefreshToken,
		Expiry:       req.Expiry,
		Scopes:       req.Scopes,
	}
	if err := s.store.SaveCredentials(r.Context(), creds); err != nil {
		writeSyncError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, creds)
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	provider := model.Provider(chi.URLParam(r, "provider"))
	n, err := s.syncer.Disconnect(r.Context(), chi.URLParam(r, "userID"), provider)
	if err != nil {
		writeSyncError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"feeds_removed": n})
}
