package web

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"studiosync/internal/model"
	"studiosync/internal/rate"
)

func (s *Server) handleCreateEntity(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID   string `json:"user_id"`
		Name     string `json:"name"`
		Currency string `json:"currency,omitempty"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if strings.TrimSpace(req.UserID) == "" || strings.TrimSpace(req.Name) == "" {
		writeError(w, http.StatusBadRequest, "user_id and name are required")
		return
	}
	e, err := s.store.CreateBillingEntity(r.Context(), model.BillingEntity{
		UserID:   req.UserID,
		Name:     req.Name,
		Currency: req.Currency,
	})
	if err != nil {
		writeSyncError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, e)
}

type versionDTO struct {
	ID            int64           `json:"id"`
	EffectiveFrom time.Time       `json:"effective_from"`
	Config        json.RawMessage `json:"config"`
	CreatedAt     time.Time       `json:"created_at"`
}

func toVersionDTO(v rate.Version) (versionDTO, error) {
	doc, err := rate.Encode(v.Config)
	if err != nil {
		return versionDTO{}, err
	}
	return versionDTO{ID: v.ID, EffectiveFrom: v.EffectiveFrom, Config: doc, CreatedAt: v.CreatedAt}, nil
}

func (s *Server) handleGetEntity(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "entityID")
	e, err := s.store.GetBillingEntity(r.Context(), id)
	if err != nil {
		writeSyncError(w, err)
		return
	}
	if e == nil {
		writeError(w, http.StatusNotFound, "billing entity not found")
		return
	}
	versions, err := s.store.ListRateConfigVersions(r.Context(), id)
	if err != nil {
		writeSyncError(w, err)
		return
	}
	out := struct {
		*model.BillingEntity
		RateConfigs []versionDTO `json:"rate_configs"`
	}{BillingEntity: e, RateConfigs: []versionDTO{}}
	for _, v := range versions {
		dto, err := toVersionDTO(v)
		if err != nil {
			writeSyncError(w, err)
			return
		}
		out.RateConfigs = append(out.RateConfigs, dto)
	}
	writeJSON(w, http.StatusOK, out)
}

// handleSetRateConfig stores the request body as a new rate config
// version. effective_from defaults to the Unix epoch so the version applies
// to all past classes.
func (s *Server) handleSetRateConfig(w http.ResponseWriter, r *http.Request) {
	effective := time.Unix(0, 0).UTC()
	if v := r.URL.Query().Get("effective_from"); v != "" {
		loc := time.UTC
		if s.cfg != nil {
			loc = s.cfg.Location()
		}
		t, err := parseTimeParam(v, loc)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid effective_from: "+err.Error())
			return
		}
		effective = t
	}
	doc, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}
	v, err := s.billing.SetRateConfig(r.Context(), chi.URLParam(r, "entityID"), effective, doc)
	if err != nil {
		writeSyncError(w, err)
		return
	}
	dto, err := toVersionDTO(*v)
	if err != nil {
		writeSyncError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dto)
}

func eventIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "eventID"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid event id")
		return 0, false
	}
	return id, true
}

func (s *Server) handleSetAttendance(w http.ResponseWriter, r *http.Request) {
	id, ok := eventIDParam(w, r)
	if !ok {
		return
	}
	var req struct {
		Studio int `json:"studio_students"`
		Online int `json:"online_students"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.Studio < 0 || req.Online < 0 {
		writeError(w, http.StatusBadRequest, "student counts must not be negative")
		return
	}
	p, err := s.billing.SetAttendance(r.Context(), id, req.Studio, req.Online)
	if err != nil {
		writeSyncError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleAssignEntity(w http.ResponseWriter, r *http.Request) {
	id, ok := eventIDParam(w, r)
	if !ok {
		return
	}
	var req struct {
		BillingEntityID *string `json:"billing_entity_id"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	p, err := s.billing.AssignEntity(r.Context(), id, req.BillingEntityID)
	if err != nil {
		writeSyncError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handlePayout(w http.ResponseWriter, r *http.Request) {
	id, ok := eventIDParam(w, r)
	if !ok {
		return
	}
	p, err := s.billing.Quote(r.Context(), id)
	if err != nil {
		writeSyncError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}
