package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"assistant-orchestrator/core/internal/channels"
	"assistant-orchestrator/core/internal/memstore"
	"assistant-orchestrator/core/internal/models"
	"assistant-orchestrator/core/internal/registry"
	"assistant-orchestrator/core/internal/router"
	"assistant-orchestrator/core/internal/scheduler"
	"assistant-orchestrator/core/internal/tasks"
	"assistant-orchestrator/core/internal/workflows"
	"assistant-orchestrator/shared/logx"
	"assistant-orchestrator/shared/workflow"
)

type countingQueue struct {
	mu    sync.Mutex
	items []models.WorkItem
}

func (q *countingQueue) Enqueue(_ context.Context, item models.WorkItem, _ time.Duration) error {
	q.mu.Lock()
	q.items = append(q.items, item)
	q.mu.Unlock()
	return nil
}

func newServer(t *testing.T) http.Handler {
	t.Helper()
	st := memstore.New()
	reg := registry.New(st, logx.Nop())
	if _, err := reg.Register(context.Background(), models.Agent{Slug: "summarizer", Enabled: true, Capabilities: []string{"summarize"}}); err != nil {
		t.Fatalf("register: %v", err)
	}
	orch := tasks.New(st, reg, &countingQueue{}, nil, tasks.Config{MaxRetries: 1}, logx.Nop())
	gw := channels.NewGateway("log", channels.NewMemoryPresence(), logx.Nop(), channels.NewLogChannel(logx.Nop()))
	eng := workflows.New(st, orch, gw, nil, logx.Nop())
	classifier := router.NewKeywordClassifier(router.KeywordTable{Rules: []router.KeywordRule{
		{Keywords: []string{"summarize"}, Capability: "summarize"},
	}}, st, reg)
	rt := router.New(st, orch, eng, gw, classifier, nil, router.Config{}, logx.Nop())
	orch.SetEmitter(rt)
	sched := scheduler.New(st, func(ctx context.Context, ev models.Event) error {
		_, err := rt.Submit(ctx, ev)
		return err
	}, nil, scheduler.Config{}, logx.Nop())

	mux := http.NewServeMux()
	(&API{Router: rt, Gateway: gw, Registry: reg, Tasks: orch, Workflows: eng, Scheduler: sched}).Register(mux)
	return mux
}

func do(t *testing.T, h http.Handler, method string, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	out := map[string]any{}
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
			t.Fatalf("decode %s %s: %v (%s)", method, path, err, rec.Body.String())
		}
	}
	return rec, out
}

func errorCode(body map[string]any) string {
	e, _ := body["error"].(map[string]any)
	code, _ := e["code"].(string)
	return code
}

func TestChannelMessageCreatesCancellableTask(t *testing.T) {
	h := newServer(t)

	rec, out := do(t, h, http.MethodPost, "/api/v1/channels/telegram/messages", map[string]any{
		"user_id": "u1",
		"text":    "please summarize this",
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	if out["status"] != router.StatusDispatched || out["action"] != router.ActionTask {
		t.Fatalf("unexpected outcome: %v", out)
	}
	taskID, _ := out["task_id"].(string)
	if taskID == "" {
		t.Fatalf("expected task id in %v", out)
	}

	rec, task := do(t, h, http.MethodGet, "/api/v1/tasks/"+taskID, nil)
	if rec.Code != http.StatusOK || task["status"] != workflow.TaskStatusPending {
		t.Fatalf("unexpected task %d: %v", rec.Code, task)
	}

	rec, task = do(t, h, http.MethodPost, "/api/v1/tasks/"+taskID+"/cancel", nil)
	if rec.Code != http.StatusOK || task["status"] != workflow.TaskStatusCancelled {
		t.Fatalf("unexpected cancel %d: %v", rec.Code, task)
	}
	rec, body := do(t, h, http.MethodPost, "/api/v1/tasks/"+taskID+"/cancel", nil)
	if rec.Code != http.StatusConflict || errorCode(body) != "FAILED_PRECONDITION" {
		t.Fatalf("expected 409, got %d: %v", rec.Code, body)
	}
}

func TestSubmitEventRejectsMalformed(t *testing.T) {
	h := newServer(t)

	rec, body := do(t, h, http.MethodPost, "/api/v1/events", map[string]any{
		"type":    "user-message",
		"channel": "telegram",
		"payload": map[string]any{},
	})
	if rec.Code != http.StatusBadRequest || errorCode(body) != "INVALID_ARGUMENT" {
		t.Fatalf("expected 400, got %d: %v", rec.Code, body)
	}

	rec, body = do(t, h, http.MethodPost, "/api/v1/events", map[string]any{"type": "user-message", "bogus": true})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown field, got %d: %v", rec.Code, body)
	}
}

func TestUnknownTaskAndBadID(t *testing.T) {
	h := newServer(t)

	rec, body := do(t, h, http.MethodGet, "/api/v1/tasks/not-a-uuid", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %v", rec.Code, body)
	}
	rec, body = do(t, h, http.MethodGet, "/api/v1/tasks/6f1f0b8e-3c8a-4c53-9d0e-7a0c2b3e9f41", nil)
	if rec.Code != http.StatusNotFound || errorCode(body) != "NOT_FOUND" {
		t.Fatalf("expected 404, got %d: %v", rec.Code, body)
	}
}

func TestAgentAdministration(t *testing.T) {
	h := newServer(t)

	rec, agent := do(t, h, http.MethodPost, "/api/v1/agents", map[string]any{
		"slug":         "Mailer",
		"capabilities": []string{"email"},
	})
	if rec.Code != http.StatusCreated || agent["slug"] != "mailer" || agent["enabled"] != true {
		t.Fatalf("unexpected register %d: %v", rec.Code, agent)
	}

	rec, agent = do(t, h, http.MethodPost, "/api/v1/agents/mailer/capabilities", map[string]any{"capabilities": []string{"email.send"}})
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected add capability %d: %v", rec.Code, agent)
	}
	caps, _ := agent["capabilities"].([]any)
	if len(caps) != 2 {
		t.Fatalf("expected two capabilities, got %v", caps)
	}

	rec, agent = do(t, h, http.MethodPost, "/api/v1/agents/mailer/disable", nil)
	if rec.Code != http.StatusOK || agent["enabled"] != false {
		t.Fatalf("unexpected disable %d: %v", rec.Code, agent)
	}

	rec, body := do(t, h, http.MethodPost, "/api/v1/agents/ghost/enable", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %v", rec.Code, body)
	}

	rec, body = do(t, h, http.MethodGet, "/api/v1/agents", nil)
	list, _ := body["agents"].([]any)
	if rec.Code != http.StatusOK || len(list) != 2 {
		t.Fatalf("expected two agents, got %d: %v", rec.Code, body)
	}
}

func TestWorkflowDefineStartAndCancel(t *testing.T) {
	h := newServer(t)

	rec, body := do(t, h, http.MethodPost, "/api/v1/workflows", map[string]any{"name": "empty"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for stepless workflow, got %d: %v", rec.Code, body)
	}

	rec, body = do(t, h, http.MethodPost, "/api/v1/workflows", map[string]any{
		"name": "digest",
		"steps": []map[string]any{
			{"position": 1, "name": "condense", "capability": "summarize"},
		},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("unexpected define %d: %v", rec.Code, body)
	}

	rec, run := do(t, h, http.MethodPost, "/api/v1/workflows/digest/runs", map[string]any{
		"input":   map[string]any{"text": "long text"},
		"user_id": "u1",
	})
	if rec.Code != http.StatusCreated || run["status"] != models.WorkflowStatusRunning {
		t.Fatalf("unexpected start %d: %v", rec.Code, run)
	}
	runID, _ := run["id"].(string)

	rec, run = do(t, h, http.MethodGet, "/api/v1/workflow-runs/"+runID, nil)
	if rec.Code != http.StatusOK || run["current_task_id"] == nil {
		t.Fatalf("unexpected run %d: %v", rec.Code, run)
	}

	rec, run = do(t, h, http.MethodPost, "/api/v1/workflow-runs/"+runID+"/cancel", nil)
	if rec.Code != http.StatusOK || run["status"] != models.WorkflowStatusCancelled {
		t.Fatalf("unexpected cancel %d: %v", rec.Code, run)
	}

	rec, body = do(t, h, http.MethodGet, "/api/v1/workflow-runs?status=cancelled", nil)
	runs, _ := body["runs"].([]any)
	if rec.Code != http.StatusOK || len(runs) != 1 {
		t.Fatalf("expected one cancelled run, got %d: %v", rec.Code, body)
	}

	rec, body = do(t, h, http.MethodPost, "/api/v1/workflows/nope/runs", map[string]any{})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown workflow, got %d: %v", rec.Code, body)
	}
}

func TestCancellingStepTaskCancelsRun(t *testing.T) {
	h := newServer(t)

	rec, body := do(t, h, http.MethodPost, "/api/v1/workflows", map[string]any{
		"name": "digest",
		"steps": []map[string]any{
			{"position": 1, "name": "condense", "capability": "summarize"},
			{"position": 2, "name": "again", "capability": "summarize"},
		},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("unexpected define %d: %v", rec.Code, body)
	}
	rec, run := do(t, h, http.MethodPost, "/api/v1/workflows/digest/runs", map[string]any{"user_id": "u1"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("unexpected start %d: %v", rec.Code, run)
	}
	runID, _ := run["id"].(string)
	taskID, _ := run["current_task_id"].(string)

	rec, task := do(t, h, http.MethodPost, "/api/v1/tasks/"+taskID+"/cancel", nil)
	if rec.Code != http.StatusOK || task["status"] != workflow.TaskStatusCancelled {
		t.Fatalf("unexpected cancel %d: %v", rec.Code, task)
	}
	rec, run = do(t, h, http.MethodGet, "/api/v1/workflow-runs/"+runID, nil)
	if rec.Code != http.StatusOK || run["status"] != models.WorkflowStatusCancelled {
		t.Fatalf("expected cancelled run, got %d: %v", rec.Code, run)
	}
}

func TestScheduleLifecycle(t *testing.T) {
	h := newServer(t)

	rec, body := do(t, h, http.MethodPost, "/api/v1/schedules", map[string]any{
		"name":     "bad",
		"schedule": "every now and then",
		"target":   map[string]any{"capability": "summarize"},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %v", rec.Code, body)
	}

	rec, job := do(t, h, http.MethodPost, "/api/v1/schedules", map[string]any{
		"name":     "nightly",
		"schedule": "0 2 * * *",
		"target":   map[string]any{"capability": "summarize"},
		"user_id":  "u1",
	})
	if rec.Code != http.StatusCreated || job["enabled"] != true {
		t.Fatalf("unexpected create %d: %v", rec.Code, job)
	}
	id, _ := job["id"].(string)

	rec, job = do(t, h, http.MethodPost, "/api/v1/schedules/"+id+"/disable", nil)
	if rec.Code != http.StatusOK || job["enabled"] != false {
		t.Fatalf("unexpected disable %d: %v", rec.Code, job)
	}

	rec, _ = do(t, h, http.MethodDelete, "/api/v1/schedules/"+id, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	rec, body = do(t, h, http.MethodGet, "/api/v1/schedules/"+id, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d: %v", rec.Code, body)
	}
}
