// Package httpapi exposes event submission and the administration surface of the
// core over HTTP.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"assistant-orchestrator/core/internal/channels"
	"assistant-orchestrator/core/internal/models"
	"assistant-orchestrator/core/internal/registry"
	"assistant-orchestrator/core/internal/router"
	"assistant-orchestrator/core/internal/scheduler"
	"assistant-orchestrator/core/internal/store"
	"assistant-orchestrator/core/internal/tasks"
	"assistant-orchestrator/core/internal/workflows"
	"assistant-orchestrator/shared/httpx"
)

const defaultListLimit = 50

type API struct {
	Router    *router.Router
	Gateway   *channels.Gateway
	Registry  *registry.Registry
	Tasks     *tasks.Orchestrator
	Workflows *workflows.Engine
	Scheduler *scheduler.Scheduler
}

func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/events", a.submitEvent)
	mux.HandleFunc("POST /api/v1/channels/{channel}/messages", a.channelMessage)

	mux.HandleFunc("GET /api/v1/agents", a.listAgents)
	mux.HandleFunc("POST /api/v1/agents", a.registerAgent)
	mux.HandleFunc("POST /api/v1/agents/{slug}/enable", a.setAgentEnabled(true))
	mux.HandleFunc("POST /api/v1/agents/{slug}/disable", a.setAgentEnabled(false))
	mux.HandleFunc("POST /api/v1/agents/{slug}/capabilities", a.addCapability)

	mux.HandleFunc("GET /api/v1/tasks", a.listTasks)
	mux.HandleFunc("GET /api/v1/tasks/{id}", a.getTask)
	mux.HandleFunc("POST /api/v1/tasks/{id}/cancel", a.cancelTask)

	mux.HandleFunc("GET /api/v1/workflows", a.listWorkflows)
	mux.HandleFunc("POST /api/v1/workflows", a.defineWorkflow)
	mux.HandleFunc("POST /api/v1/workflows/{name}/runs", a.startWorkflow)
	mux.HandleFunc("GET /api/v1/workflow-runs", a.listRuns)
	mux.HandleFunc("GET /api/v1/workflow-runs/{id}", a.getRun)
	mux.HandleFunc("POST /api/v1/workflow-runs/{id}/cancel", a.cancelRun)

	mux.HandleFunc("GET /api/v1/schedules", a.listSchedules)
	mux.HandleFunc("POST /api/v1/schedules", a.createSchedule)
	mux.HandleFunc("GET /api/v1/schedules/{id}", a.getSchedule)
	mux.HandleFunc("DELETE /api/v1/schedules/{id}", a.deleteSchedule)
	mux.HandleFunc("POST /api/v1/schedules/{id}/enable", a.setScheduleEnabled(true))
	mux.HandleFunc("POST /api/v1/schedules/{id}/disable", a.setScheduleEnabled(false))
}

// Events

type eventRequest struct {
	ID         *uuid.UUID       `json:"id,omitempty"`
	Type       models.EventType `json:"type"`
	Channel    string           `json:"channel"`
	UserID     string           `json:"user_id,omitempty"`
	Payload    map[string]any   `json:"payload"`
	TaskID     *uuid.UUID       `json:"task_id,omitempty"`
	OccurredAt *time.Time       `json:"occurred_at,omitempty"`
}

func (a *API) submitEvent(w http.ResponseWriter, r *http.Request) {
	var req eventRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid request body", map[string]any{"error": err.Error()})
		return
	}
	ev := models.Event{
		Type:    req.Type,
		Channel: req.Channel,
		UserID:  strings.TrimSpace(req.UserID),
		Payload: req.Payload,
		TaskID:  req.TaskID,
	}
	if req.ID != nil {
		ev.ID = *req.ID
	}
	if req.OccurredAt != nil {
		ev.OccurredAt = req.OccurredAt.UTC()
	}
	if ev.UserID == "" {
		ev.UserID = httpx.SubjectFromContext(r.Context())
	}
	a.submit(w, r, ev)
}

func (a *API) channelMessage(w http.ResponseWriter, r *http.Request) {
	var msg channels.InboundMessage
	if err := httpx.DecodeJSON(r, &msg); err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid request body", map[string]any{"error": err.Error()})
		return
	}
	if strings.TrimSpace(msg.UserID) == "" {
		msg.UserID = httpx.SubjectFromContext(r.Context())
	}
	ev, err := a.Gateway.Inbound(r.Context(), r.PathValue("channel"), msg)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	a.submit(w, r, ev)
}

func (a *API) submit(w http.ResponseWriter, r *http.Request, ev models.Event) {
	out, err := a.Router.Submit(r.Context(), ev)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusAccepted, out)
}

// Agents

func (a *API) listAgents(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"agents": a.Registry.List()})
}

type agentRequest struct {
	Slug         string         `json:"slug"`
	Name         string         `json:"name"`
	Enabled      *bool          `json:"enabled,omitempty"`
	Capabilities []string       `json:"capabilities"`
	Keywords     []string       `json:"keywords,omitempty"`
	Config       map[string]any `json:"config,omitempty"`
}

func (a *API) registerAgent(w http.ResponseWriter, r *http.Request) {
	var req agentRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid request body", map[string]any{"error": err.Error()})
		return
	}
	if strings.TrimSpace(req.Slug) == "" {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "slug is required", nil)
		return
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	agent, err := a.Registry.Register(r.Context(), models.Agent{
		Slug:         req.Slug,
		Name:         req.Name,
		Enabled:      enabled,
		Capabilities: req.Capabilities,
		Keywords:     req.Keywords,
		Config:       req.Config,
	})
	if err != nil {
		writeErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, agent)
}

func (a *API) setAgentEnabled(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var (
			agent models.Agent
			err   error
		)
		if enabled {
			agent, err = a.Registry.Enable(r.Context(), r.PathValue("slug"))
		} else {
			agent, err = a.Registry.Disable(r.Context(), r.PathValue("slug"))
		}
		if err != nil {
			writeErr(w, r, err)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, agent)
	}
}

func (a *API) addCapability(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Capabilities []string `json:"capabilities"`
	}
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid request body", map[string]any{"error": err.Error()})
		return
	}
	if len(req.Capabilities) == 0 {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "capabilities are required", nil)
		return
	}
	agent, err := a.Registry.AddCapability(r.Context(), r.PathValue("slug"), req.Capabilities...)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, agent)
}

// Tasks

func (a *API) listTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.TaskFilter{
		UserID: strings.TrimSpace(q.Get("user_id")),
		Status: strings.ToLower(strings.TrimSpace(q.Get("status"))),
		Limit:  queryInt(q.Get("limit"), defaultListLimit),
		Offset: queryInt(q.Get("offset"), 0),
	}
	if raw := q.Get("workflow_run_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid workflow_run_id", nil)
			return
		}
		f.WorkflowInstanceID = &id
	}
	list, err := a.Tasks.List(r.Context(), f)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"tasks": list})
}

func (a *API) getTask(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	t, err := a.Tasks.Get(r.Context(), id)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, t)
}

func (a *API) cancelTask(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	t, err := a.Tasks.Cancel(r.Context(), id)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, t)
}

// Workflows

func (a *API) listWorkflows(w http.ResponseWriter, r *http.Request) {
	list, err := a.Workflows.Definitions(r.Context())
	if err != nil {
		writeErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"workflows": list})
}

type workflowRequest struct {
	Name            string                `json:"name"`
	Description     string                `json:"description,omitempty"`
	Steps           []models.WorkflowStep `json:"steps"`
	TriggerKeywords []string              `json:"trigger_keywords,omitempty"`
}

func (a *API) defineWorkflow(w http.ResponseWriter, r *http.Request) {
	var req workflowRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid request body", map[string]any{"error": err.Error()})
		return
	}
	wf, err := a.Workflows.Define(r.Context(), models.Workflow{
		Name:            req.Name,
		Description:     req.Description,
		Steps:           req.Steps,
		TriggerKeywords: req.TriggerKeywords,
	})
	if err != nil {
		writeErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, wf)
}

type startRequest struct {
	Input   map[string]any `json:"input"`
	UserID  string         `json:"user_id,omitempty"`
	Channel string         `json:"channel,omitempty"`
}

func (a *API) startWorkflow(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid request body", map[string]any{"error": err.Error()})
		return
	}
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		userID = httpx.SubjectFromContext(r.Context())
	}
	inst, err := a.Workflows.StartByName(r.Context(), r.PathValue("name"), req.Input, workflows.StartOptions{
		UserID:  userID,
		Channel: strings.TrimSpace(req.Channel),
	})
	if err != nil && !errors.Is(err, models.ErrWorkflowStepFailure) {
		writeErr(w, r, err)
		return
	}
	// A step failure still yields a stored FAILED instance.
	httpx.WriteJSON(w, http.StatusCreated, inst)
}

func (a *API) listRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	list, err := a.Workflows.Instances(r.Context(), strings.ToLower(strings.TrimSpace(q.Get("status"))), queryInt(q.Get("limit"), defaultListLimit))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"runs": list})
}

func (a *API) getRun(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	inst, err := a.Workflows.Get(r.Context(), id)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, inst)
}

func (a *API) cancelRun(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	inst, err := a.Workflows.Cancel(r.Context(), id)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, inst)
}

// Schedules

func (a *API) listSchedules(w http.ResponseWriter, r *http.Request) {
	list, err := a.Scheduler.List(r.Context())
	if err != nil {
		writeErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"schedules": list})
}

type scheduleRequest struct {
	Name           string           `json:"name"`
	Schedule       string           `json:"schedule"`
	Target         models.JobTarget `json:"target"`
	UserID         string           `json:"user_id,omitempty"`
	Channel        string           `json:"channel,omitempty"`
	ConversationID string           `json:"conversation_id,omitempty"`
	Enabled        *bool            `json:"enabled,omitempty"`
}

func (a *API) createSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid request body", map[string]any{"error": err.Error()})
		return
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		userID = httpx.SubjectFromContext(r.Context())
	}
	job, err := a.Scheduler.Create(r.Context(), models.ScheduledJob{
		Name:           req.Name,
		Schedule:       req.Schedule,
		Target:         req.Target,
		UserID:         userID,
		Channel:        strings.TrimSpace(req.Channel),
		ConversationID: strings.TrimSpace(req.ConversationID),
		Enabled:        enabled,
	})
	if err != nil {
		writeErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, job)
}

func (a *API) getSchedule(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	job, err := a.Scheduler.Get(r.Context(), id)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, job)
}

func (a *API) deleteSchedule(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := a.Scheduler.Delete(r.Context(), id); err != nil {
		writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) setScheduleEnabled(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		job, err := a.Scheduler.SetEnabled(r.Context(), id, enabled)
		if err != nil {
			writeErr(w, r, err)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, job)
	}
}

func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid id", nil)
		return uuid.Nil, false
	}
	return id, true
}

func queryInt(raw string, def int) int {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n < 0 {
		return def
	}
	return n
}

// writeErr maps domain sentinels onto the error envelope.
func writeErr(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, models.ErrNotFound), errors.Is(err, models.ErrUnknownTask), errors.Is(err, models.ErrUnknownWorkflow):
		httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", err.Error(), nil)
	case errors.Is(err, models.ErrMalformedEvent), errors.Is(err, models.ErrInvalidWorkflow), errors.Is(err, models.ErrInvalidSchedule):
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error(), nil)
	case errors.Is(err, models.ErrNoCapableAgent):
		httpx.WriteError(w, r, http.StatusUnprocessableEntity, "FAILED_PRECONDITION", err.Error(), nil)
	case errors.Is(err, models.ErrInvalidTransition), errors.Is(err, models.ErrTaskCancelled):
		httpx.WriteError(w, r, http.StatusConflict, "FAILED_PRECONDITION", err.Error(), nil)
	case errors.Is(err, context.DeadlineExceeded):
		httpx.WriteError(w, r, http.StatusGatewayTimeout, "DEADLINE_EXCEEDED", "request timed out", nil)
	default:
		httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", nil)
	}
}
