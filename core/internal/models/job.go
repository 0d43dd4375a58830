package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// JobTarget is the pre-bound dispatch target of a cron event. Exactly one of
// Workflow, Agent or Capability is set.
type JobTarget struct {
	Workflow   string         `json:"workflow,omitempty" yaml:"workflow"`
	Agent      string         `json:"agent,omitempty" yaml:"agent"`
	Capability string         `json:"capability,omitempty" yaml:"capability"`
	Input      map[string]any `json:"input,omitempty" yaml:"input"`
}

func (t JobTarget) Validate() error {
	set := 0
	for _, v := range []string{t.Workflow, t.Agent, t.Capability} {
		if strings.TrimSpace(v) != "" {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("%w: target needs exactly one of workflow, agent or capability", ErrInvalidSchedule)
	}
	return nil
}

type ScheduledJob struct {
	ID             uuid.UUID  `json:"id"`
	Name           string     `json:"name"`
	Schedule       string     `json:"schedule"`
	Target         JobTarget  `json:"target"`
	UserID         string     `json:"user_id,omitempty"`
	Channel        string     `json:"channel,omitempty"`
	ConversationID string     `json:"conversation_id,omitempty"`
	Enabled        bool       `json:"enabled"`
	LastFiredAt    *time.Time `json:"last_fired_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// CronPayload builds the payload of the cron event fired for this job.
func (j ScheduledJob) CronPayload(slot time.Time) map[string]any {
	p := map[string]any{
		KeyJobID:    j.ID.String(),
		"job_name":  j.Name,
		"fired_for": slot.UTC().Format(time.RFC3339),
		KeyInput:    CloneMap(j.Target.Input),
	}
	switch {
	case j.Target.Workflow != "":
		p[KeyWorkflow] = j.Target.Workflow
	case j.Target.Agent != "":
		p[KeyAgent] = j.Target.Agent
	case j.Target.Capability != "":
		p[KeyCapability] = j.Target.Capability
	}
	if j.ConversationID != "" {
		p["conversation_id"] = j.ConversationID
	}
	return p
}
