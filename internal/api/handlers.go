package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/sourabh1428/easybill-engine/internal/automation"
	"github.com/sourabh1428/easybill-engine/internal/queue"
	"github.com/sourabh1428/easybill-engine/internal/segment"
)

type ingestEventRequest struct {
	Event   string         `json:"event"`
	UserID  string         `json:"userId,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

// handleIngestEvent accepts one application event and queues it for
// processing, decoupling trigger evaluation from the request path.
func (s *Server) handleIngestEvent(w http.ResponseWriter, r *http.Request) {
	t := tenantFrom(r)

	var req ingestEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Event == "" {
		writeError(w, http.StatusBadRequest, "event name is required")
		return
	}

	jobID, err := s.queue.Enqueue(r.Context(), t.ID, queue.JobTrackingEvent, req, queue.Options{})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to queue event")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"jobId": jobID})
}

type executeRequest struct {
	Context map[string]any `json:"context,omitempty"`
}

// handleExecuteAutomation starts a manual run and returns the execution
// id immediately; callers poll the executions endpoint for the terminal
// status.
func (s *Server) handleExecuteAutomation(w http.ResponseWriter, r *http.Request) {
	t := tenantFrom(r)
	st := s.stores(t)

	auto, err := st.GetAutomation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "automation not found")
		return
	}
	if !auto.Active {
		writeError(w, http.StatusConflict, "automation is not active")
		return
	}

	var req executeRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	run, err := s.engine.Run(r.Context(), st, *auto, automation.Context(req.Context))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to start run")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"executionId": run.HistoryID})
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	t := tenantFrom(r)
	st := s.stores(t)

	limit, _ := strconv.ParseInt(r.URL.Query().Get("limit"), 10, 64)
	recs, err := st.ListExecutions(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list executions")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": recs})
}

// handleDispatchCampaign queues a campaign's segment for batch dispatch.
func (s *Server) handleDispatchCampaign(w http.ResponseWriter, r *http.Request) {
	t := tenantFrom(r)
	st := s.stores(t)

	campaignID := chi.URLParam(r, "id")
	camp, err := st.GetCampaign(r.Context(), campaignID)
	if err != nil {
		writeError(w, http.StatusNotFound, "campaign not found")
		return
	}
	if camp.Status != segment.StatusActive {
		writeError(w, http.StatusConflict, "campaign is not active")
		return
	}

	jobID, err := s.queue.Enqueue(r.Context(), t.ID, queue.JobDispatchSegment, map[string]string{
		"campaignId": campaignID,
		"segmentId":  camp.SegmentID,
	}, queue.Options{})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to queue dispatch")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"jobId": jobID})
}
