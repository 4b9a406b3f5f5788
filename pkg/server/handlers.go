package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/agentmesh/orchestrator/pkg/auth"
	"github.com/agentmesh/orchestrator/pkg/model"
	"github.com/agentmesh/orchestrator/pkg/orcherr"
)

// submitRequest is the wire shape for POST /v1/tasks (§6 SubmitTask).
type submitRequest struct {
	Title       string            `json:"title"`
	Description string            `json:"description"`
	Type        string            `json:"type"`
	Priority    model.Priority    `json:"priority"`
	Input       model.Payload     `json:"input"`
	Metadata    map[string]string `json:"metadata"`
}

// submitResponse is SubmitTask's success wire shape (§6: `{task_id,
// accepted_at}`).
type submitResponse struct {
	TaskID     string    `json:"task_id"`
	AcceptedAt time.Time `json:"accepted_at"`
}

type errorResponse struct {
	Code    orcherr.PublicCode `json:"code"`
	Message string             `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code orcherr.PublicCode, message string) {
	writeJSON(w, status, errorResponse{Code: code, Message: message})
}

// writeEngineError maps an engine error to the public taxonomy and the
// HTTP status a caller of that taxonomy should expect (§7).
func writeEngineError(w http.ResponseWriter, err error) {
	oe, ok := orcherr.As(err)
	if !ok {
		writeError(w, http.StatusInternalServerError, orcherr.CodeFailedInternal, err.Error())
		return
	}
	code := oe.PublicCode()
	status := http.StatusInternalServerError
	switch code {
	case orcherr.CodeInvalidInput:
		status = http.StatusBadRequest
	case orcherr.CodeNotFound:
		status = http.StatusNotFound
	case orcherr.CodeFailedExternal:
		status = http.StatusBadGateway
	}
	writeError(w, status, code, oe.Message)
}

func requesterID(r *http.Request) string {
	if claims, ok := auth.ClaimsFromContext(r.Context()); ok && claims.Subject != "" {
		return claims.Subject
	}
	if id := r.Header.Get("X-Requester-ID"); id != "" {
		return id
	}
	return r.RemoteAddr
}

// handleSubmitTask implements SubmitTask (§4.1, §6).
func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, orcherr.CodeInvalidInput, "malformed request body: "+err.Error())
		return
	}

	task := &model.Task{
		Title:       req.Title,
		Description: req.Description,
		Type:        req.Type,
		Priority:    req.Priority,
		Input:       req.Input,
		Metadata:    req.Metadata,
		RequesterID: requesterID(r),
	}

	// task.ID/task.CreatedAt are filled in by SubmitTask on this same
	// pointer; the workflow ID it returns is an internal identifier never
	// exposed across the wire (§9 "Cyclic references" — callers address
	// everything by task_id).
	if _, err := s.engine.SubmitTask(r.Context(), task); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, submitResponse{TaskID: task.ID, AcceptedAt: task.CreatedAt})
}

// handleGetStatus implements GetStatus (§4.1, §6).
func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	snap, err := s.engine.GetStatus(taskID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// handleCancelTask implements CancelTask (§4.1, §6). Idempotent.
func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	status, err := s.engine.CancelTask(r.Context(), taskID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]model.Status{"status": status})
}

// handleRecoveryStats serves the operator-facing recovery budget
// inspection named in SPEC_FULL §C.
func (s *Server) handleRecoveryStats(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	stats, err := s.engine.RecoveryStats(taskID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleTaskEvents streams task_id's completion events over SSE,
// replaying anything since the caller's Last-Event-ID cursor that is
// still within the retention window, then forwarding live events until
// the client disconnects (§6 "Outbound completion events").
func (s *Server) handleTaskEvents(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, orcherr.CodeFailedInternal, "streaming unsupported")
		return
	}

	var cursor uint64
	if last := r.Header.Get("Last-Event-ID"); last != "" {
		cursor, _ = strconv.ParseUint(last, 10, 64)
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	live, unsubscribe := s.events.Subscribe(taskID)
	defer unsubscribe()

	for _, ev := range s.events.Since(taskID, cursor) {
		writeSSEEvent(w, ev)
		flusher.Flush()
	}

	ctx := r.Context()
	for {
		select {
		case ev := <-live:
			writeSSEEvent(w, ev)
			flusher.Flush()
		case <-ctx.Done():
			return
		}
	}
}

func writeSSEEvent(w http.ResponseWriter, ev StoredEvent) {
	data, err := json.Marshal(ev.Event)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "id: %d\nevent: phase_transition\ndata: %s\n\n", ev.Cursor, data)
}

// handleHealthz is a liveness probe, unauthenticated and unthrottled.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// registerAgentRequest is the wire shape for POST /v1/agents: external
// agent processes have no handle on the in-process bus, so registration,
// heartbeats, and deregistration all have to cross via HTTP (§4.3, §9
// "Cyclic references").
type registerAgentRequest struct {
	ID           string   `json:"id"`
	Type         string   `json:"type"`
	Capabilities []string `json:"capabilities"`
	MaxSlots     int      `json:"max_slots"`
}

// handleRegisterAgent implements agent registration (§4.3). Idempotent by
// ID per agentregistry.Registry.Register.
func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req registerAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, orcherr.CodeInvalidInput, "malformed request body: "+err.Error())
		return
	}
	desc := model.AgentDescriptor{
		ID:           req.ID,
		Type:         req.Type,
		Capabilities: req.Capabilities,
		MaxSlots:     req.MaxSlots,
	}
	if err := s.registry.Register(desc); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": desc.ID})
}

// handleDeregisterAgent implements agent deregistration (§4.3). Idempotent.
func (s *Server) handleDeregisterAgent(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	s.registry.Deregister(agentID)
	w.WriteHeader(http.StatusNoContent)
}

type heartbeatRequest struct {
	Load int `json:"load"`
}

// handleAgentHeartbeat implements the agent liveness signal (§4.3).
func (s *Server) handleAgentHeartbeat(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	var req heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, orcherr.CodeInvalidInput, "malformed request body: "+err.Error())
		return
	}
	if err := s.registry.Heartbeat(agentID, req.Load); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleListAgents serves the registry snapshot for operator tooling
// (§4.3, §6).
func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.Snapshot())
}
