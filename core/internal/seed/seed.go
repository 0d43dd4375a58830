// Package seed loads agent, workflow and schedule definitions from a YAML file at startup.
package seed

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"assistant-orchestrator/core/internal/models"
	"assistant-orchestrator/shared/logx"
)

type File struct {
	Agents    []Agent    `yaml:"agents"`
	Workflows []Workflow `yaml:"workflows"`
	Schedules []Schedule `yaml:"schedules"`
}

type Agent struct {
	Slug         string         `yaml:"slug"`
	Name         string         `yaml:"name"`
	Enabled      *bool          `yaml:"enabled"`
	Capabilities []string       `yaml:"capabilities"`
	Keywords     []string       `yaml:"keywords"`
	Config       map[string]any `yaml:"config"`
}

type Workflow struct {
	Name            string                `yaml:"name"`
	Description     string                `yaml:"description"`
	TriggerKeywords []string              `yaml:"trigger_keywords"`
	Steps           []models.WorkflowStep `yaml:"steps"`
}

type Schedule struct {
	Name           string           `yaml:"name"`
	Schedule       string           `yaml:"schedule"`
	Target         models.JobTarget `yaml:"target"`
	UserID         string           `yaml:"user_id"`
	Channel        string           `yaml:"channel"`
	ConversationID string           `yaml:"conversation_id"`
	Enabled        *bool            `yaml:"enabled"`
}

type AgentRegistrar interface {
	Register(ctx context.Context, a models.Agent) (models.Agent, error)
}

type WorkflowDefiner interface {
	Define(ctx context.Context, wf models.Workflow) (models.Workflow, error)
}

type JobCreator interface {
	List(ctx context.Context) ([]models.ScheduledJob, error)
	Create(ctx context.Context, job models.ScheduledJob) (models.ScheduledJob, error)
}

func Load(path string) (File, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("read definitions: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return File{}, fmt.Errorf("parse definitions %s: %w", path, err)
	}
	for i, s := range f.Workflows {
		// Omitted positions follow file order.
		for j := range s.Steps {
			if s.Steps[j].Position == 0 {
				f.Workflows[i].Steps[j].Position = j + 1
			}
		}
	}
	return f, nil
}

// Apply registers agents and defines workflows, replacing same-named entries. Schedules
// are created only when no job with the same name exists, so restarts do not duplicate them.
func Apply(ctx context.Context, f File, agents AgentRegistrar, definer WorkflowDefiner, jobs JobCreator, logger logx.Logger) error {
	for _, a := range f.Agents {
		enabled := a.Enabled == nil || *a.Enabled
		if _, err := agents.Register(ctx, models.Agent{
			Slug:         a.Slug,
			Name:         a.Name,
			Enabled:      enabled,
			Capabilities: a.Capabilities,
			Keywords:     a.Keywords,
			Config:       a.Config,
		}); err != nil {
			return fmt.Errorf("seed agent %q: %w", a.Slug, err)
		}
	}
	for _, w := range f.Workflows {
		if _, err := definer.Define(ctx, models.Workflow{
			Name:            w.Name,
			Description:     w.Description,
			Steps:           w.Steps,
			TriggerKeywords: w.TriggerKeywords,
		}); err != nil {
			return fmt.Errorf("seed workflow %q: %w", w.Name, err)
		}
	}

	existing, err := jobs.List(ctx)
	if err != nil {
		return fmt.Errorf("list schedules: %w", err)
	}
	names := make(map[string]bool, len(existing))
	for _, j := range existing {
		names[strings.ToLower(j.Name)] = true
	}
	created := 0
	for _, s := range f.Schedules {
		if names[strings.ToLower(strings.TrimSpace(s.Name))] {
			continue
		}
		enabled := s.Enabled == nil || *s.Enabled
		if _, err := jobs.Create(ctx, models.ScheduledJob{
			Name:           s.Name,
			Schedule:       s.Schedule,
			Target:         s.Target,
			UserID:         s.UserID,
			Channel:        s.Channel,
			ConversationID: s.ConversationID,
			Enabled:        enabled,
		}); err != nil {
			return fmt.Errorf("seed schedule %q: %w", s.Name, err)
		}
		names[strings.ToLower(strings.TrimSpace(s.Name))] = true
		created++
	}

	logger.Info(ctx, "definitions_seeded", "definitions applied",
		slog.Int("agents", len(f.Agents)),
		slog.Int("workflows", len(f.Workflows)),
		slog.Int("schedules_created", created),
	)
	return nil
}
