package models

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	WorkflowStatusRunning   = "running"
	WorkflowStatusCompleted = "completed"
	WorkflowStatusFailed    = "failed"
	WorkflowStatusCancelled = "cancelled"
)

type WorkflowStep struct {
	Position   int            `json:"position" yaml:"position"`
	Name       string         `json:"name" yaml:"name"`
	AgentSlug  string         `json:"agent,omitempty" yaml:"agent"`
	Capability string         `json:"capability,omitempty" yaml:"capability"`
	Input      map[string]any `json:"input,omitempty" yaml:"input"`
}

type Workflow struct {
	ID              uuid.UUID      `json:"id"`
	Name            string         `json:"name"`
	Description     string         `json:"description,omitempty"`
	Steps           []WorkflowStep `json:"steps"`
	TriggerKeywords []string       `json:"trigger_keywords,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// Validate checks the definition is executable: a name, at least one step, unique positions
// and a binding on every step.
func (w Workflow) Validate() error {
	if strings.TrimSpace(w.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidWorkflow)
	}
	if len(w.Steps) == 0 {
		return fmt.Errorf("%w: %s has no steps", ErrInvalidWorkflow, w.Name)
	}
	seen := make(map[int]bool, len(w.Steps))
	for _, s := range w.Steps {
		if seen[s.Position] {
			return fmt.Errorf("%w: %s has duplicate step position %d", ErrInvalidWorkflow, w.Name, s.Position)
		}
		seen[s.Position] = true
		if strings.TrimSpace(s.AgentSlug) == "" && strings.TrimSpace(s.Capability) == "" {
			return fmt.Errorf("%w: %s step %d needs an agent or capability", ErrInvalidWorkflow, w.Name, s.Position)
		}
	}
	return nil
}

// OrderedSteps returns a copy of the steps sorted by position.
func (w Workflow) OrderedSteps() []WorkflowStep {
	out := make([]WorkflowStep, len(w.Steps))
	copy(out, w.Steps)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out
}

type WorkflowInstance struct {
	ID            uuid.UUID      `json:"id"`
	WorkflowID    uuid.UUID      `json:"workflow_id"`
	WorkflowName  string         `json:"workflow_name"`
	Status        string         `json:"status"`
	CurrentStep   int            `json:"current_step"`
	CurrentTaskID *uuid.UUID     `json:"current_task_id,omitempty"`
	Steps         []WorkflowStep `json:"steps"`
	Input         map[string]any `json:"input"`
	LastOutput    map[string]any `json:"last_output,omitempty"`
	UserID        string         `json:"user_id,omitempty"`
	Channel       string         `json:"channel,omitempty"`
	EventID       *uuid.UUID     `json:"event_id,omitempty"`
	Error         string         `json:"error,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	FinishedAt    *time.Time     `json:"finished_at,omitempty"`
}

func (i WorkflowInstance) Terminal() bool {
	return i.Status != WorkflowStatusRunning
}
