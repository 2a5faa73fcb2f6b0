package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"studiosync/internal/billing"
	"studiosync/internal/config"
	appLog "studiosync/internal/log"
	"studiosync/internal/model"
	"studiosync/internal/rate"
	"studiosync/internal/store"
	"studiosync/internal/syncerr"
)

// Syncer runs and inspects feed syncs, and removes feeds under their sync
// lock. *reconcile.Engine satisfies it.
type Syncer interface {
	Sync(ctx context.Context, feedID string, mode model.SyncMode) (model.SyncResult, error)
	State(feedID string) model.SyncState
	DeleteFeed(ctx context.Context, feedID string) error
	Disconnect(ctx context.Context, userID string, provider model.Provider) (int, error)
}

// Store is what the API reads and writes directly. *store.Store satisfies it.
type Store interface {
	CreateFeed(ctx context.Context, f model.CalendarFeed) (*model.CalendarFeed, error)
	GetFeed(ctx context.Context, id string) (*model.CalendarFeed, error)
	ListUserFeeds(ctx context.Context, userID string) ([]model.CalendarFeed, error)
	SetSyncApproach(ctx context.Context, id string, approach model.SyncApproach) error
	ListFeedEvents(ctx context.Context, feedID string, w model.Window) ([]model.CalendarEvent, error)
	ListRules(ctx context.Context, feedID string) ([]model.SyncFilterRule, error)
	ReplaceRules(ctx context.Context, feedID, userID string, rules []model.SyncFilterRule) ([]model.SyncFilterRule, error)
	ListRuns(ctx context.Context, feedID string, limit int) ([]model.SyncRun, error)
	SaveCredentials(ctx context.Context, c model.Credentials) error
	CreateBillingEntity(ctx context.Context, e model.BillingEntity) (*model.BillingEntity, error)
	GetBillingEntity(ctx context.Context, id string) (*model.BillingEntity, error)
	ListRateConfigVersions(ctx context.Context, entityID string) ([]rate.Version, error)
}

// Billing computes and stores payouts. *billing.Service satisfies it.
type Billing interface {
	Quote(ctx context.Context, eventID int64) (billing.Payout, error)
	SetAttendance(ctx context.Context, eventID int64, studio, online int) (billing.Payout, error)
	AssignEntity(ctx context.Context, eventID int64, entityID *string) (billing.Payout, error)
	SetRateConfig(ctx context.Context, entityID string, effectiveFrom time.Time, doc []byte) (*rate.Version, error)
}

// Server exposes feeds, syncs, rules and billing over HTTP.
type Server struct {
	cfg     *config.Config
	store   Store
	syncer  Syncer
	billing Billing
	router  chi.Router
}

// NewServer constructs a new Server.
func NewServer(cfg *config.Config, st Store, syncer Syncer, b Billing) *Server {
	s := &Server{
		cfg:     cfg,
		store:   st,
		syncer:  syncer,
		billing: b,
		router:  chi.NewRouter(),
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.router)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	// Empty username or password disables auth.
	if s.cfg.BasicAuth.Username == "" || s.cfg.BasicAuth.Password == "" {
		return false
	}
	return true
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="studiosync", charset="UTF-8"`)
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func (s *Server) registerRoutes() {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Get("/feeds", s.handleListFeeds)
		r.Post("/feeds", s.handleCreateFeed)
		r.Route("/feeds/{feedID}", func(r chi.Router) {
			r.Get("/", s.handleGetFeed)
			r.Delete("/", s.handleDeleteFeed)
			r.Put("/approach", s.handleSetApproach)
			r.Post("/sync", s.handleSync)
			r.Get("/status", s.handleStatus)
			r.Get("/events", s.handleListEvents)
			r.Get("/rules", s.handleListRules)
			r.Put("/rules", s.handleReplaceRules)
		})

		r.Put("/users/{userID}/credentials/{provider}", s.handleSaveCredentials)
		r.Delete("/users/{userID}/credentials/{provider}", s.handleDisconnect)

		r.Post("/billing-entities", s.handleCreateEntity)
		r.Get("/billing-entities/{entityID}", s.handleGetEntity)
		r.Put("/billing-entities/{entityID}/rate-config", s.handleSetRateConfig)

		r.Put("/events/{eventID}/attendance", s.handleSetAttendance)
		r.Put("/events/{eventID}/billing-entity", s.handleAssignEntity)
		r.Get("/events/{eventID}/payout", s.handlePayout)
	})
}

// requestLogger logs one line per request through the application logger.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		appLog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, struct {
		Error string `json:"error"`
	}{Error: msg})
}

type syncErrorBody struct {
	Error       string `json:"error"`
	Retryable   bool   `json:"retryable"`
	Reauthorize bool   `json:"reauthorize"`
}

// writeSyncError maps the error taxonomy onto HTTP statuses.
func writeSyncError(w http.ResponseWriter, err error) {
	body := syncErrorBody{Error: err.Error()}
	var (
		parseErr   *syncerr.ParseError
		persistErr *syncerr.PersistenceError
		fetchErr   *syncerr.FetchError
		invalid    *syncerr.ConfigInvalidError
	)
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, syncerr.ErrSyncInProgress):
		status = http.StatusConflict
	case errors.Is(err, syncerr.ErrFeedNotFound), errors.Is(err, store.ErrNotFound),
		errors.Is(err, billing.ErrEventNotFound), errors.Is(err, billing.ErrEntityNotFound):
		status = http.StatusNotFound
	case errors.Is(err, syncerr.ErrNoCredentials):
		status = http.StatusUnauthorized
		body.Reauthorize = true
	case syncerr.NeedsReauth(err):
		status = http.StatusUnauthorized
		body.Reauthorize = true
	case syncerr.IsRetryable(err):
		status = http.StatusBadGateway
		body.Retryable = true
	case errors.As(err, &fetchErr):
		status = http.StatusBadGateway
	case errors.As(err, &parseErr):
		status = http.StatusUnprocessableEntity
	case errors.As(err, &invalid):
		status = http.StatusUnprocessableEntity
	case errors.As(err, &persistErr):
		status = http.StatusInternalServerError
		body.Retryable = true
	}
	if status >= http.StatusInternalServerError {
		appLog.Error("request failed", err)
	}
	writeJSON(w, status, body)
}

// decodeBody reads a JSON request body, rejecting unknown fields.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
