package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Favour-chuks/tickerpulse-ai-sub001/internal/distribution"
	"github.com/Favour-chuks/tickerpulse-ai-sub001/internal/domain"
)

const (
	maxBodyBytes     = 1 << 20
	defaultListLimit = 50
	maxListLimit     = 500
)

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":  "healthy",
		"version": "1.0.0",
		"service": "tickerpulse",
	}

	s.writeJSON(w, http.StatusOK, response)
}

// handleIngestSample handles POST /api/samples
func (s *Server) handleIngestSample(w http.ResponseWriter, r *http.Request) {
	var sample domain.MarketSample
	if !s.decode(w, r, &sample) {
		return
	}
	if sample.Timestamp.IsZero() {
		sample.Timestamp = time.Now().UTC()
	}

	result, err := s.container.Pipeline.ProcessSample(r.Context(), sample)
	if err != nil {
		s.writeError(w, err)
		return
	}

	status := http.StatusOK
	if result.Alert != nil {
		status = http.StatusCreated
	}
	s.writeJSON(w, status, result)
}

// handleRecordFiling handles POST /api/filings
func (s *Server) handleRecordFiling(w http.ResponseWriter, r *http.Request) {
	var filing domain.Filing
	if !s.decode(w, r, &filing) {
		return
	}
	stored, err := s.container.EvidenceService.RecordFiling(r.Context(), filing)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, stored)
}

// handleRecordNews handles POST /api/news
func (s *Server) handleRecordNews(w http.ResponseWriter, r *http.Request) {
	var item domain.NewsItem
	if !s.decode(w, r, &item) {
		return
	}
	stored, err := s.container.EvidenceService.RecordNews(r.Context(), item)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, stored)
}

// handleListAlerts handles GET /api/alerts?ticker=ACME&limit=50
func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	ticker := domain.NormalizeTicker(r.URL.Query().Get("ticker"))
	if err := domain.ValidateTicker(ticker); err != nil {
		s.writeError(w, err)
		return
	}

	limit := defaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, domain.NewValidationError("limit", "must be a positive integer"))
			return
		}
		limit = min(n, maxListLimit)
	}

	list, err := s.container.AlertRepo.ListByTicker(r.Context(), ticker, limit)
	if err != nil {
		s.writeError(w, domain.DataUnavailable("list alerts", err))
		return
	}
	if list == nil {
		list = []*domain.DivergenceAlert{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"alerts": list,
		"count":  len(list),
	})
}

// handleGetAlert handles GET /api/alerts/{id}
func (s *Server) handleGetAlert(w http.ResponseWriter, r *http.Request) {
	alert, err := s.container.AlertRepo.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, alert)
}

type statusRequest struct {
	Status domain.AlertStatus `json:"status"`
}

// handleUpdateAlertStatus handles POST /api/alerts/{id}/status. Resolving
// sends an UPDATE to connected subscribers; dismissing sends a DELETE.
// Bundle members follow their primary into the same status.
func (s *Server) handleUpdateAlertStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if !s.decode(w, r, &req) {
		return
	}

	var action string
	switch req.Status {
	case domain.AlertStatusResolved:
		action = distribution.ActionUpdate
	case domain.AlertStatusDismissed:
		action = distribution.ActionDelete
	default:
		s.writeError(w, domain.NewValidationError("status", "must be resolved or dismissed"))
		return
	}

	ctx := r.Context()
	id := chi.URLParam(r, "id")
	if err := s.container.AlertRepo.UpdateStatus(ctx, id, req.Status, time.Now().UTC()); err != nil {
		s.writeError(w, err)
		return
	}
	alert, err := s.container.AlertRepo.Get(ctx, id)
	if err != nil {
		s.writeError(w, err)
		return
	}

	if _, err := s.container.Distributor.Announce(ctx, alert, action); err != nil {
		// The status change is durable; clients catch up on their next fetch
		s.log.Warn().Err(err).Str("alert_id", id).Msg("Failed to announce alert status change")
	}
	if err := s.closeBundleMembers(ctx, alert.BundledAlertIDs, req.Status, action); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, alert)
}

// closeBundleMembers moves members still open into the primary's terminal
// status. Members closed on their own keep their status.
func (s *Server) closeBundleMembers(ctx context.Context, memberIDs []string, status domain.AlertStatus, action string) error {
	now := time.Now().UTC()
	for _, id := range memberIDs {
		if err := s.container.AlertRepo.UpdateStatus(ctx, id, status, now); err != nil {
			if errors.Is(err, domain.ErrInvalidTransition) || errors.Is(err, domain.ErrNotFound) {
				continue
			}
			return domain.DataUnavailable("close bundle member", err)
		}
		member, err := s.container.AlertRepo.Get(ctx, id)
		if err != nil {
			s.log.Warn().Err(err).Str("alert_id", id).Msg("Closed bundle member could not be reloaded")
			continue
		}
		if _, err := s.container.Distributor.Announce(ctx, member, action); err != nil {
			s.log.Warn().Err(err).Str("alert_id", id).Msg("Failed to announce bundle member status change")
		}
	}
	return nil
}

// handleListSubscriptions handles GET /api/subscriptions/{userID}
func (s *Server) handleListSubscriptions(w http.ResponseWriter, r *http.Request) {
	subs, err := s.container.SubscriptionRepo.GetUserSubscriptions(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		s.writeError(w, domain.DataUnavailable("list subscriptions", err))
		return
	}
	if subs == nil {
		subs = []domain.Subscription{}
	}
	s.writeJSON(w, http.StatusOK, subs)
}

// handleUpsertSubscription handles PUT /api/subscriptions/{userID}
func (s *Server) handleUpsertSubscription(w http.ResponseWriter, r *http.Request) {
	var sub domain.Subscription
	if !s.decode(w, r, &sub) {
		return
	}
	sub.UserID = chi.URLParam(r, "userID")
	sub.Ticker = domain.NormalizeTicker(sub.Ticker)

	if sub.SeverityFilter != "" {
		sev, err := domain.ParseSeverity(string(sub.SeverityFilter))
		if err != nil {
			s.writeError(w, err)
			return
		}
		sub.SeverityFilter = sev
	}
	for _, t := range sub.AlertTypeFilters {
		if !t.Valid() {
			s.writeError(w, domain.NewValidationError("alert_type_filters", "unknown alert type "+string(t)))
			return
		}
	}

	if err := s.container.SubscriptionRepo.Upsert(r.Context(), sub); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sub)
}

// handleDeleteSubscription handles DELETE /api/subscriptions/{userID}/{ticker}
func (s *Server) handleDeleteSubscription(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	ticker := domain.NormalizeTicker(chi.URLParam(r, "ticker"))
	if err := s.container.SubscriptionRepo.Delete(r.Context(), userID, ticker); err != nil {
		s.writeError(w, domain.DataUnavailable("delete subscription", err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// decode reads a JSON body, answering 400 itself when it cannot
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dest interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dest); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid request body: " + strings.TrimPrefix(err.Error(), "json: "),
		})
		return false
	}
	return true
}

// writeError maps domain errors onto status codes
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case domain.IsValidationError(err):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidTransition):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrDataUnavailable):
		status = http.StatusServiceUnavailable
	}
	if status >= http.StatusInternalServerError {
		s.log.Error().Err(err).Msg("Request failed")
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

// writeJSON writes a JSON response
func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}
