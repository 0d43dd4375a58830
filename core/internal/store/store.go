// Package store declares the persistence boundary. Implementations return
// models.ErrNotFound for missing records.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"assistant-orchestrator/core/internal/models"
)

type EventStore interface {
	// CreateEvent inserts ev unless its id already exists; created reports which happened.
	CreateEvent(ctx context.Context, ev models.Event) (models.Event, bool, error)
	GetEvent(ctx context.Context, id uuid.UUID) (models.Event, error)
	MarkEventProcessed(ctx context.Context, id uuid.UUID) error
	IncrementDispatchAttempts(ctx context.Context, id uuid.UUID) (int, error)
	ListUnprocessedEvents(ctx context.Context, maxAttempts int, limit int) ([]models.Event, error)
}

type AgentStore interface {
	UpsertAgent(ctx context.Context, a models.Agent) (models.Agent, error)
	ListAgents(ctx context.Context) ([]models.Agent, error)
}

type TaskFilter struct {
	UserID             string
	Status             string
	WorkflowInstanceID *uuid.UUID
	Limit              int
	Offset             int
}

type TaskStore interface {
	// CreateTask is idempotent on IdempotencyKey: an existing task is returned with created=false.
	CreateTask(ctx context.Context, t models.Task) (models.Task, bool, error)
	GetTask(ctx context.Context, id uuid.UUID) (models.Task, error)
	UpdateTask(ctx context.Context, t models.Task) error
	ListTasks(ctx context.Context, f TaskFilter) ([]models.Task, error)
}

type WorkflowStore interface {
	UpsertWorkflow(ctx context.Context, wf models.Workflow) (models.Workflow, error)
	GetWorkflow(ctx context.Context, id uuid.UUID) (models.Workflow, error)
	GetWorkflowByName(ctx context.Context, name string) (models.Workflow, error)
	ListWorkflows(ctx context.Context) ([]models.Workflow, error)
	DeleteWorkflow(ctx context.Context, id uuid.UUID) error

	// CreateInstance is idempotent on instance id.
	CreateInstance(ctx context.Context, inst models.WorkflowInstance) (models.WorkflowInstance, bool, error)
	GetInstance(ctx context.Context, id uuid.UUID) (models.WorkflowInstance, error)
	UpdateInstance(ctx context.Context, inst models.WorkflowInstance) error
	ListInstances(ctx context.Context, status string, limit int) ([]models.WorkflowInstance, error)
}

type JobStore interface {
	CreateJob(ctx context.Context, j models.ScheduledJob) (models.ScheduledJob, error)
	GetJob(ctx context.Context, id uuid.UUID) (models.ScheduledJob, error)
	UpdateJob(ctx context.Context, j models.ScheduledJob) error
	DeleteJob(ctx context.Context, id uuid.UUID) error
	ListJobs(ctx context.Context, enabledOnly bool) ([]models.ScheduledJob, error)
	// AdvanceLastFired sets last_fired_at only if at is later than the stored value.
	AdvanceLastFired(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
}

// Stores bundles every store so binaries can swap Postgres and memory wholesale.
type Stores struct {
	Events    EventStore
	Agents    AgentStore
	Tasks     TaskStore
	Workflows WorkflowStore
	Jobs      JobStore
}
