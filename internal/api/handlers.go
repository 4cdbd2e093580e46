package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"relay/internal/storage"
)

// handleWebhook records task callbacks idempotently. The first delivery of a
// `{taskId}:{eventType}:{status}` key is accepted and handed to the callback
// handler, replays are reported as duplicates without reprocessing, malformed
// payloads are rejected and still leave a receipt for the failure storm
// detector.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	var req WebhookRequest
	decodeErr := json.NewDecoder(r.Body).Decode(&req)
	key := fmt.Sprintf("%s:%s:%s", req.TaskID, req.EventType, req.Status)

	if decodeErr != nil || req.TaskID == "" || req.EventType == "" || req.Status == "" {
		if err := s.db.RecordCallbackReceipt(key, http.StatusBadRequest, "rejected"); err != nil && !errors.Is(err, storage.ErrDuplicate) {
			s.log.Error().Err(err).Msg("record rejected callback")
		}
		SendError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "callback payload requires task_id, event_type and status")
		return
	}

	err := s.db.RecordCallbackReceipt(key, http.StatusAccepted, "accepted")
	if errors.Is(err, storage.ErrDuplicate) {
		SendJSON(w, http.StatusOK, WebhookResponse{IdempotencyKey: key, Outcome: "duplicate", Duplicate: true})
		return
	}
	if err != nil {
		SendError(w, http.StatusInternalServerError, ErrCodeInternalError, "failed to record callback")
		return
	}

	if s.onCallback != nil {
		if err := s.onCallback(r.Context(), req); err != nil {
			s.log.Error().Err(err).Str("key", key).Msg("callback handler failed")
		}
	}

	s.log.Info().Str("key", key).Msg("callback accepted")
	SendJSON(w, http.StatusAccepted, WebhookResponse{IdempotencyKey: key, Outcome: "accepted"})
}

func (s *Server) health() HealthResponse {
	components := map[string]string{"database": "healthy"}
	status := "healthy"
	if err := s.db.Ping(); err != nil {
		components["database"] = "unhealthy"
		status = "degraded"
	}
	return HealthResponse{
		Status:     status,
		Version:    Version,
		Uptime:     time.Since(s.started).Round(time.Second).String(),
		Components: components,
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := s.health()
	status := http.StatusOK
	if resp.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	SendJSON(w, status, resp)
}

// handleReadiness reports whether the daemon can take traffic.
func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(); err != nil {
		SendError(w, http.StatusServiceUnavailable, ErrCodeInternalError, "database not reachable")
		return
	}
	SendJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// handleDoctor aggregates every subsystem view into one diagnostic report.
func (s *Server) handleDoctor(w http.ResponseWriter, r *http.Request) {
	active, err := s.db.ListIncidents(true, 0)
	if err != nil {
		SendError(w, http.StatusInternalServerError, ErrCodeInternalError, "failed to list incidents")
		return
	}

	resp := DoctorResponse{
		Health:    s.health(),
		Queue:     s.queue.Snapshot(),
		Routing:   s.routing.Snapshot(),
		Incidents: active,
	}
	if snap, err := s.governor.Snapshot(); err == nil {
		resp.Budget = snap
	}
	SendJSON(w, http.StatusOK, resp)
}

func (s *Server) handleReliability(w http.ResponseWriter, r *http.Request) {
	active, err := s.db.ListIncidents(true, 0)
	if err != nil {
		SendError(w, http.StatusInternalServerError, ErrCodeInternalError, "failed to list incidents")
		return
	}
	SendJSON(w, http.StatusOK, ReliabilityResponse{Queue: s.queue.Snapshot(), Incidents: active})
}

func (s *Server) handleBudgetState(w http.ResponseWriter, r *http.Request) {
	snap, err := s.governor.Snapshot()
	if err != nil {
		SendError(w, http.StatusInternalServerError, ErrCodeInternalError, "failed to build budget snapshot")
		return
	}
	SendJSON(w, http.StatusOK, snap)
}

func (s *Server) handleBudgetEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.db.ListBudgetEvents(limitParam(r, 50))
	if err != nil {
		SendError(w, http.StatusInternalServerError, ErrCodeInternalError, "failed to list budget events")
		return
	}
	SendJSON(w, http.StatusOK, events)
}

func (s *Server) handleSetProfile(w http.ResponseWriter, r *http.Request) {
	var req SetProfileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		SendError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid request body")
		return
	}
	if err := s.governor.SetManualProfile(req.Profile, req.SessionID); err != nil {
		SendError(w, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
		return
	}
	SendJSON(w, http.StatusOK, map[string]string{"profile": req.Profile})
}

func (s *Server) handleRoutingTelemetry(w http.ResponseWriter, r *http.Request) {
	events, err := s.db.ListRoutingEvents(limitParam(r, 50))
	if err != nil {
		SendError(w, http.StatusInternalServerError, ErrCodeInternalError, "failed to list routing events")
		return
	}
	SendJSON(w, http.StatusOK, TelemetryResponse{Snapshot: s.routing.Snapshot(), Events: events})
}

func (s *Server) handleSetMode(w http.ResponseWriter, r *http.Request) {
	var req SetModeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		SendError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid request body")
		return
	}
	if err := s.routing.SetMode(req.Mode); err != nil {
		SendError(w, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
		return
	}
	SendJSON(w, http.StatusOK, map[string]string{"mode": req.Mode})
}

// handleIncidentsCurrent returns active incidents with their timelines.
func (s *Server) handleIncidentsCurrent(w http.ResponseWriter, r *http.Request) {
	s.sendIncidents(w, true, 0)
}

func (s *Server) handleIncidentsHistory(w http.ResponseWriter, r *http.Request) {
	s.sendIncidents(w, false, limitParam(r, 50))
}

func (s *Server) sendIncidents(w http.ResponseWriter, activeOnly bool, limit int) {
	incidents, err := s.db.ListIncidents(activeOnly, limit)
	if err != nil {
		SendError(w, http.StatusInternalServerError, ErrCodeInternalError, "failed to list incidents")
		return
	}

	views := make([]IncidentView, 0, len(incidents))
	for _, inc := range incidents {
		timeline, err := s.db.GetTimeline(inc.ID)
		if err != nil {
			SendError(w, http.StatusInternalServerError, ErrCodeInternalError, "failed to load incident timeline")
			return
		}
		views = append(views, IncidentView{Incident: inc, Timeline: timeline})
	}
	SendJSON(w, http.StatusOK, views)
}

// handleIncidentsEvaluate forces one detector pass and returns the resulting
// active incidents.
func (s *Server) handleIncidentsEvaluate(w http.ResponseWriter, r *http.Request) {
	if err := s.incidents.Evaluate(); err != nil {
		SendError(w, http.StatusInternalServerError, ErrCodeInternalError, "evaluation failed")
		return
	}
	s.sendIncidents(w, true, 0)
}

func limitParam(r *http.Request, def int) int {
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}
