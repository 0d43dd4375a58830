// Package memstore keeps every record in process memory. It backs tests and
// single-process runs without DATABASE_URL.
package memstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"assistant-orchestrator/core/internal/models"
	"assistant-orchestrator/core/internal/store"
)

type Store struct {
	mu        sync.RWMutex
	events    map[uuid.UUID]models.Event
	agents    map[string]models.Agent
	tasks     map[uuid.UUID]models.Task
	taskKeys  map[string]uuid.UUID
	workflows map[uuid.UUID]models.Workflow
	instances map[uuid.UUID]models.WorkflowInstance
	jobs      map[uuid.UUID]models.ScheduledJob
	now       func() time.Time
}

func New() *Store {
	return &Store{
		events:    make(map[uuid.UUID]models.Event),
		agents:    make(map[string]models.Agent),
		tasks:     make(map[uuid.UUID]models.Task),
		taskKeys:  make(map[string]uuid.UUID),
		workflows: make(map[uuid.UUID]models.Workflow),
		instances: make(map[uuid.UUID]models.WorkflowInstance),
		jobs:      make(map[uuid.UUID]models.ScheduledJob),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) Stores() store.Stores {
	return store.Stores{Events: s, Agents: s, Tasks: s, Workflows: s, Jobs: s}
}

// Events

func (s *Store) CreateEvent(_ context.Context, ev models.Event) (models.Event, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.events[ev.ID]; ok {
		return copyEvent(existing), false, nil
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = s.now()
	}
	ev = copyEvent(ev)
	s.events[ev.ID] = ev
	return copyEvent(ev), true, nil
}

func (s *Store) GetEvent(_ context.Context, id uuid.UUID) (models.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ev, ok := s.events[id]
	if !ok {
		return models.Event{}, models.ErrNotFound
	}
	return copyEvent(ev), nil
}

func (s *Store) MarkEventProcessed(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	if !ok {
		return models.ErrNotFound
	}
	ev.Processed = true
	s.events[id] = ev
	return nil
}

func (s *Store) IncrementDispatchAttempts(_ context.Context, id uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	if !ok {
		return 0, models.ErrNotFound
	}
	ev.DispatchAttempts++
	s.events[id] = ev
	return ev.DispatchAttempts, nil
}

func (s *Store) ListUnprocessedEvents(_ context.Context, maxAttempts int, limit int) ([]models.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Event, 0)
	for _, ev := range s.events {
		if ev.Processed || (maxAttempts > 0 && ev.DispatchAttempts >= maxAttempts) {
			continue
		}
		out = append(out, copyEvent(ev))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OccurredAt.Before(out[j].OccurredAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Agents

func (s *Store) UpsertAgent(_ context.Context, a models.Agent) (models.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if existing, ok := s.agents[a.Slug]; ok {
		a.ID = existing.ID
		a.CreatedAt = existing.CreatedAt
	} else {
		if a.ID == uuid.Nil {
			a.ID = uuid.New()
		}
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	a = copyAgent(a)
	s.agents[a.Slug] = a
	return copyAgent(a), nil
}

func (s *Store) ListAgents(_ context.Context) ([]models.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Agent, 0, len(s.agents))
	for _, a := range s.agents {
		out = append(out, copyAgent(a))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out, nil
}

// Tasks

func (s *Store) CreateTask(_ context.Context, t models.Task) (models.Task, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.IdempotencyKey != "" {
		if id, ok := s.taskKeys[t.IdempotencyKey]; ok {
			return copyTask(s.tasks[id]), false, nil
		}
	}
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	now := s.now()
	t.CreatedAt = now
	t.UpdatedAt = now
	t = copyTask(t)
	s.tasks[t.ID] = t
	if t.IdempotencyKey != "" {
		s.taskKeys[t.IdempotencyKey] = t.ID
	}
	return copyTask(t), true, nil
}

func (s *Store) GetTask(_ context.Context, id uuid.UUID) (models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return models.Task{}, models.ErrNotFound
	}
	return copyTask(t), nil
}

func (s *Store) UpdateTask(_ context.Context, t models.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[t.ID]; !ok {
		return models.ErrNotFound
	}
	t.UpdatedAt = s.now()
	s.tasks[t.ID] = copyTask(t)
	return nil
}

func (s *Store) ListTasks(_ context.Context, f store.TaskFilter) ([]models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Task, 0)
	for _, t := range s.tasks {
		if f.UserID != "" && t.UserID != f.UserID {
			continue
		}
		if f.Status != "" && !strings.EqualFold(t.Status, f.Status) {
			continue
		}
		if f.WorkflowInstanceID != nil && (t.WorkflowInstanceID == nil || *t.WorkflowInstanceID != *f.WorkflowInstanceID) {
			continue
		}
		out = append(out, copyTask(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return page(out, f.Limit, f.Offset), nil
}

// Workflows

func (s *Store) UpsertWorkflow(_ context.Context, wf models.Workflow) (models.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for id, existing := range s.workflows {
		if strings.EqualFold(existing.Name, wf.Name) {
			wf.ID = id
			wf.CreatedAt = existing.CreatedAt
			break
		}
	}
	if wf.ID == uuid.Nil {
		wf.ID = uuid.New()
	}
	if wf.CreatedAt.IsZero() {
		wf.CreatedAt = now
	}
	wf.UpdatedAt = now
	wf = copyWorkflow(wf)
	s.workflows[wf.ID] = wf
	return copyWorkflow(wf), nil
}

func (s *Store) GetWorkflow(_ context.Context, id uuid.UUID) (models.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wf, ok := s.workflows[id]
	if !ok {
		return models.Workflow{}, models.ErrNotFound
	}
	return copyWorkflow(wf), nil
}

func (s *Store) GetWorkflowByName(_ context.Context, name string) (models.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, wf := range s.workflows {
		if strings.EqualFold(wf.Name, strings.TrimSpace(name)) {
			return copyWorkflow(wf), nil
		}
	}
	return models.Workflow{}, models.ErrNotFound
}

func (s *Store) ListWorkflows(_ context.Context) ([]models.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Workflow, 0, len(s.workflows))
	for _, wf := range s.workflows {
		out = append(out, copyWorkflow(wf))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) DeleteWorkflow(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workflows[id]; !ok {
		return models.ErrNotFound
	}
	delete(s.workflows, id)
	return nil
}

func (s *Store) CreateInstance(_ context.Context, inst models.WorkflowInstance) (models.WorkflowInstance, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.instances[inst.ID]; ok {
		return copyInstance(existing), false, nil
	}
	now := s.now()
	inst.CreatedAt = now
	inst.UpdatedAt = now
	inst = copyInstance(inst)
	s.instances[inst.ID] = inst
	return copyInstance(inst), true, nil
}

func (s *Store) GetInstance(_ context.Context, id uuid.UUID) (models.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances[id]
	if !ok {
		return models.WorkflowInstance{}, models.ErrNotFound
	}
	return copyInstance(inst), nil
}

func (s *Store) UpdateInstance(_ context.Context, inst models.WorkflowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.instances[inst.ID]; !ok {
		return models.ErrNotFound
	}
	inst.UpdatedAt = s.now()
	s.instances[inst.ID] = copyInstance(inst)
	return nil
}

func (s *Store) ListInstances(_ context.Context, status string, limit int) ([]models.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.WorkflowInstance, 0)
	for _, inst := range s.instances {
		if status != "" && inst.Status != status {
			continue
		}
		out = append(out, copyInstance(inst))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return page(out, limit, 0), nil
}

// Jobs

func (s *Store) CreateJob(_ context.Context, j models.ScheduledJob) (models.ScheduledJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j.ID == uuid.Nil {
		j.ID = uuid.New()
	}
	now := s.now()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	j.UpdatedAt = now
	s.jobs[j.ID] = copyJob(j)
	return copyJob(j), nil
}

func (s *Store) GetJob(_ context.Context, id uuid.UUID) (models.ScheduledJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return models.ScheduledJob{}, models.ErrNotFound
	}
	return copyJob(j), nil
}

func (s *Store) UpdateJob(_ context.Context, j models.ScheduledJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[j.ID]; !ok {
		return models.ErrNotFound
	}
	j.UpdatedAt = s.now()
	s.jobs[j.ID] = copyJob(j)
	return nil
}

func (s *Store) DeleteJob(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return models.ErrNotFound
	}
	delete(s.jobs, id)
	return nil
}

func (s *Store) ListJobs(_ context.Context, enabledOnly bool) ([]models.ScheduledJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.ScheduledJob, 0, len(s.jobs))
	for _, j := range s.jobs {
		if enabledOnly && !j.Enabled {
			continue
		}
		out = append(out, copyJob(j))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) AdvanceLastFired(_ context.Context, id uuid.UUID, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return false, models.ErrNotFound
	}
	if j.LastFiredAt != nil && !at.After(*j.LastFiredAt) {
		return false, nil
	}
	at = at.UTC()
	j.LastFiredAt = &at
	j.UpdatedAt = s.now()
	s.jobs[id] = j
	return true, nil
}

func page[T any](in []T, limit int, offset int) []T {
	if offset > 0 {
		if offset >= len(in) {
			return in[:0]
		}
		in = in[offset:]
	}
	if limit > 0 && len(in) > limit {
		in = in[:limit]
	}
	return in
}

func copyEvent(ev models.Event) models.Event {
	ev.Payload = models.CloneMap(ev.Payload)
	if ev.TaskID != nil {
		id := *ev.TaskID
		ev.TaskID = &id
	}
	return ev
}

func copyAgent(a models.Agent) models.Agent {
	a.Capabilities = append([]string(nil), a.Capabilities...)
	a.Keywords = append([]string(nil), a.Keywords...)
	a.Config = models.CloneMap(a.Config)
	return a
}

func copyTask(t models.Task) models.Task {
	t.Input = models.CloneMap(t.Input)
	if t.Result != nil {
		t.Result = models.CloneMap(t.Result)
	}
	return t
}

func copyWorkflow(wf models.Workflow) models.Workflow {
	wf.Steps = append([]models.WorkflowStep(nil), wf.Steps...)
	wf.TriggerKeywords = append([]string(nil), wf.TriggerKeywords...)
	return wf
}

func copyInstance(inst models.WorkflowInstance) models.WorkflowInstance {
	inst.Steps = append([]models.WorkflowStep(nil), inst.Steps...)
	inst.Input = models.CloneMap(inst.Input)
	if inst.LastOutput != nil {
		inst.LastOutput = models.CloneMap(inst.LastOutput)
	}
	return inst
}

func copyJob(j models.ScheduledJob) models.ScheduledJob {
	j.Target.Input = models.CloneMap(j.Target.Input)
	if j.LastFiredAt != nil {
		at := *j.LastFiredAt
		j.LastFiredAt = &at
	}
	return j
}
