package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"tentackl/internal/apperr"
	"tentackl/internal/domain"
	"tentackl/internal/ports"
)

// newServer builds the thin net/http surface exercising taskruntime's
// use-cases: task CRUD, execution control, checkpoint/replan resolution,
// the observe-execution SSE stream, and the inbound webhook gateway.
// Routing and authentication proper belong to an external API layer; this
// exists so the composition root has something to serve.
func newServer(a *app, addr string) *http.Server {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /tasks", a.handleCreateTask)
	mux.HandleFunc("GET /tasks", a.handleListTasks)
	mux.HandleFunc("GET /tasks/{id}", a.handleGetTask)
	mux.HandleFunc("POST /tasks/{id}/start", a.handleStartTask)
	mux.HandleFunc("POST /tasks/{id}/execute", a.handleExecuteTask)
	mux.HandleFunc("POST /tasks/{id}/pause", a.handlePauseTask)
	mux.HandleFunc("POST /tasks/{id}/cancel", a.handleCancelTask)
	mux.HandleFunc("GET /tasks/{id}/events", a.handleObserveExecution)
	mux.HandleFunc("POST /tasks/{id}/checkpoints/{step}/approve", a.handleApproveCheckpoint)
	mux.HandleFunc("POST /tasks/{id}/checkpoints/{step}/reject", a.handleRejectCheckpoint)
	mux.HandleFunc("POST /tasks/{id}/replan/{step}/approve", a.handleApproveReplan)
	mux.HandleFunc("POST /tasks/{id}/replan/{step}/reject", a.handleRejectReplan)
	mux.HandleFunc("GET /checkpoints", a.handleListPendingCheckpoints)
	mux.HandleFunc("POST /webhooks/{source}", a.handleWebhook)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

	return &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeErr maps each apperr.Kind to an HTTP status.
func writeErr(w http.ResponseWriter, err error) {
	kind := apperr.Kind("internal")
	msg := err.Error()
	if ae, ok := err.(*apperr.Error); ok {
		kind = ae.Kind
		msg = ae.Message
	}
	status := http.StatusInternalServerError
	switch kind {
	case apperr.ValidationError:
		status = http.StatusBadRequest
	case apperr.NotFound:
		status = http.StatusNotFound
	case apperr.Forbidden:
		status = http.StatusForbidden
	case apperr.InvalidTransition, apperr.CheckpointRequired:
		status = http.StatusConflict
	case apperr.Cancelled:
		status = http.StatusGone
	case apperr.PlanningFailed, apperr.UnrecoverableFailure, apperr.DependencyUnavailable:
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{"error": string(kind), "message": msg})
}

func userID(r *http.Request) string {
	if u := r.Header.Get("X-User-ID"); u != "" {
		return u
	}
	return r.URL.Query().Get("user_id")
}

type createTaskRequest struct {
	Goal             string         `json:"goal"`
	UserID           string         `json:"user_id"`
	OrgID            string         `json:"org_id"`
	Constraints      map[string]any `json:"constraints"`
	SuccessCriteria  map[string]any `json:"success_criteria"`
	MaxParallelSteps int            `json:"max_parallel_steps"`
}

func (a *app) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_json"})
		return
	}
	task, err := a.runtime.CreateTask(r.Context(), req.Goal, req.UserID, req.OrgID, req.Constraints, req.SuccessCriteria, req.MaxParallelSteps)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (a *app) handleListTasks(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	tasks, err := a.runtime.ListTasks(r.Context(), userID(r), limit, offset)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (a *app) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := a.runtime.GetTask(r.Context(), domain.TaskID(r.PathValue("id")), userID(r))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (a *app) handleStartTask(w http.ResponseWriter, r *http.Request) {
	id := domain.TaskID(r.PathValue("id"))
	if err := a.runtime.StartTask(r.Context(), id, userID(r)); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

func (a *app) handleExecuteTask(w http.ResponseWriter, r *http.Request) {
	id := domain.TaskID(r.PathValue("id"))
	result, err := a.runtime.ExecuteTask(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *app) handlePauseTask(w http.ResponseWriter, r *http.Request) {
	id := domain.TaskID(r.PathValue("id"))
	if err := a.runtime.PauseTask(r.Context(), id, userID(r)); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

func (a *app) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id := domain.TaskID(r.PathValue("id"))
	if err := a.runtime.CancelTask(r.Context(), id, userID(r)); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

type checkpointRequest struct {
	Feedback        string `json:"feedback"`
	LearnPreference bool   `json:"learn_preference"`
}

func (a *app) handleApproveCheckpoint(w http.ResponseWriter, r *http.Request) {
	var req checkpointRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	id, step := domain.TaskID(r.PathValue("id")), domain.StepID(r.PathValue("step"))
	if err := a.runtime.ApproveCheckpoint(r.Context(), id, step, userID(r), req.Feedback, req.LearnPreference); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "approved"})
}

func (a *app) handleRejectCheckpoint(w http.ResponseWriter, r *http.Request) {
	var req checkpointRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	id, step := domain.TaskID(r.PathValue("id")), domain.StepID(r.PathValue("step"))
	if err := a.runtime.RejectCheckpoint(r.Context(), id, step, userID(r), req.Feedback, req.LearnPreference); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "rejected"})
}

func (a *app) handleApproveReplan(w http.ResponseWriter, r *http.Request) {
	var req checkpointRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	id, step := domain.TaskID(r.PathValue("id")), domain.StepID(r.PathValue("step"))
	if err := a.runtime.ApproveReplan(r.Context(), id, step, userID(r), req.Feedback); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "replan_approved"})
}

func (a *app) handleRejectReplan(w http.ResponseWriter, r *http.Request) {
	var req checkpointRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	id, step := domain.TaskID(r.PathValue("id")), domain.StepID(r.PathValue("step"))
	if err := a.runtime.RejectReplan(r.Context(), id, step, userID(r), req.Feedback); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "replan_rejected"})
}

func (a *app) handleListPendingCheckpoints(w http.ResponseWriter, r *http.Request) {
	cps, err := a.runtime.ListPendingCheckpoints(r.Context(), userID(r))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cps)
}

// handleObserveExecution streams task events as Server-Sent Events
// (`data: <json>\n\n`, heartbeats as
// `: heartbeat\n\n`).
func (a *app) handleObserveExecution(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	id := domain.TaskID(r.PathValue("id"))
	backlog, _ := strconv.Atoi(r.URL.Query().Get("backlog"))
	events, closeFn, err := a.runtime.ObserveExecution(r.Context(), id, userID(r), backlog)
	if err != nil {
		writeErr(w, err)
		return
	}
	defer closeFn()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, open := <-events:
			if !open {
				return
			}
			writeSSEEvent(w, evt)
			flusher.Flush()
		}
	}
}

func writeSSEEvent(w http.ResponseWriter, evt ports.Event) {
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	_, _ = w.Write([]byte("data: "))
	_, _ = w.Write(data)
	_, _ = w.Write([]byte("\n\n"))
}

// handleWebhook is the external-event-gateway entry point: it
// authenticates the source, normalizes the event, routes it through the
// idempotency filter, and matches it against registered triggers, cloning
// a task per matched registration.
func (a *app) handleWebhook(w http.ResponseWriter, r *http.Request) {
	sourceID := r.PathValue("source")
	defer r.Body.Close()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "read_body"})
		return
	}
	headers := map[string]string{}
	for k := range r.Header {
		headers[k] = r.Header.Get(k)
	}
	if err := a.gateway.AuthenticateSource(r.Context(), sourceID, headers, body); err != nil {
		writeErr(w, err)
		return
	}
	src, err := a.gateway.Source(sourceID)
	if err != nil {
		writeErr(w, err)
		return
	}
	var payload map[string]any
	if len(body) > 0 {
		if err := json.Unmarshal(body, &payload); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_json"})
			return
		}
	}
	evt := ports.TriggerEvent{
		OrgID:          src.OrgID,
		SourceID:       sourceID,
		EventType:      "external.webhook." + r.Header.Get("X-Event-Type"),
		Body:           payload,
		Timestamp:      time.Now().UTC(),
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	}
	if err := a.gateway.ValidateEvent(r.Context(), sourceID, evt); err != nil {
		if ae, ok := err.(*apperr.Error); ok && ae.Kind == apperr.ValidationError {
			writeJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
			return
		}
		writeErr(w, err)
		return
	}
	go a.dispatchTriggerEvent(context.WithoutCancel(r.Context()), evt)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// dispatchTriggerEvent matches evt against every registered trigger and
// clones a task for each match. Run on a detached goroutine so
// the webhook responds as soon as the event is accepted and deduplicated.
func (a *app) dispatchTriggerEvent(ctx context.Context, evt ports.TriggerEvent) {
	matches, err := a.triggers.MatchEvent(ctx, evt)
	if err != nil {
		a.logger.Warn(ctx, "webhook: match trigger event failed", "error", err)
		return
	}
	for _, reg := range matches {
		if _, err := a.runtime.CloneTaskForTrigger(ctx, reg.TaskID, evt); err != nil {
			a.logger.Warn(ctx, "webhook: clone task for trigger failed", "task_id", reg.TaskID, "error", err)
		}
	}
}
