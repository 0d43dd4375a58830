package scheduler

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"assistant-orchestrator/core/internal/models"
)

// Create validates and stores a job. New jobs first fire at the slot after creation.
func (s *Scheduler) Create(ctx context.Context, job models.ScheduledJob) (models.ScheduledJob, error) {
	if err := validateJob(job); err != nil {
		return models.ScheduledJob{}, err
	}
	job.Name = strings.TrimSpace(job.Name)
	job.Schedule = strings.TrimSpace(job.Schedule)
	job.LastFiredAt = nil
	job.CreatedAt = s.now()
	return s.jobs.CreateJob(ctx, job)
}

func (s *Scheduler) Get(ctx context.Context, id uuid.UUID) (models.ScheduledJob, error) {
	return s.jobs.GetJob(ctx, id)
}

func (s *Scheduler) List(ctx context.Context) ([]models.ScheduledJob, error) {
	return s.jobs.ListJobs(ctx, false)
}

// SetEnabled toggles a job. Re-enabling does not replay slots missed while disabled.
func (s *Scheduler) SetEnabled(ctx context.Context, id uuid.UUID, enabled bool) (models.ScheduledJob, error) {
	unlock, err := s.locker.Lock(ctx, "job:"+id.String())
	if err != nil {
		return models.ScheduledJob{}, err
	}
	defer unlock()

	job, err := s.jobs.GetJob(ctx, id)
	if err != nil {
		return models.ScheduledJob{}, err
	}
	if job.Enabled == enabled {
		return job, nil
	}
	if enabled {
		now := s.now()
		if job.LastFiredAt == nil || job.LastFiredAt.Before(now) {
			job.LastFiredAt = &now
		}
	}
	job.Enabled = enabled
	if err := s.jobs.UpdateJob(ctx, job); err != nil {
		return models.ScheduledJob{}, err
	}
	return job, nil
}

func (s *Scheduler) Delete(ctx context.Context, id uuid.UUID) error {
	unlock, err := s.locker.Lock(ctx, "job:"+id.String())
	if err != nil {
		return err
	}
	defer unlock()
	return s.jobs.DeleteJob(ctx, id)
}

func validateJob(job models.ScheduledJob) error {
	if strings.TrimSpace(job.Name) == "" {
		return fmt.Errorf("%w: name is required", models.ErrInvalidSchedule)
	}
	if _, err := ParseSchedule(job.Schedule); err != nil {
		return err
	}
	return job.Target.Validate()
}
