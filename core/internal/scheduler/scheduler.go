// Package scheduler turns enabled scheduled jobs into cron events on a tick loop.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	cronlib "github.com/robfig/cron/v3"

	"assistant-orchestrator/core/internal/models"
	"assistant-orchestrator/core/internal/store"
	"assistant-orchestrator/shared/lockx"
	"assistant-orchestrator/shared/logx"
	"assistant-orchestrator/shared/metricsx"
)

// cronParser accepts standard 5-field expressions and descriptors such as "@every 1h".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// slotNamespace derives cron event ids from (job, slot).
var slotNamespace = uuid.MustParse("b6f3f0a2-5d1e-4f7c-8a51-2f4f9c0d7e13")

// maxCatchUp bounds how many missed slots one pass walks over when coalescing.
const maxCatchUp = 10000

// SubmitFunc hands a cron event to the router. An error means the event was not accepted.
type SubmitFunc func(ctx context.Context, ev models.Event) error

func ParseSchedule(expr string) (cronlib.Schedule, error) {
	s, err := cronParser.Parse(strings.TrimSpace(expr))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrInvalidSchedule, err)
	}
	return s, nil
}

// SlotEventID is the id of the cron event for job at slot.
func SlotEventID(jobID uuid.UUID, slot time.Time) uuid.UUID {
	return uuid.NewSHA1(slotNamespace, []byte(jobID.String()+"|"+slot.UTC().Format(time.RFC3339Nano)))
}

type Config struct {
	Tick time.Duration
}

type Scheduler struct {
	jobs   store.JobStore
	submit SubmitFunc
	locker lockx.Locker
	cfg    Config
	logger logx.Logger
	now    func() time.Time
	parsed *lru.Cache[string, cronlib.Schedule]
}

func New(jobs store.JobStore, submit SubmitFunc, locker lockx.Locker, cfg Config, logger logx.Logger) *Scheduler {
	if cfg.Tick <= 0 {
		cfg.Tick = 30 * time.Second
	}
	if locker == nil {
		locker = lockx.NewKeyed()
	}
	// lru.New only errors on a non-positive size.
	parsed, _ := lru.New[string, cronlib.Schedule](512)
	return &Scheduler{
		jobs:   jobs,
		submit: submit,
		locker: locker,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "scheduler")),
		now:    func() time.Time { return time.Now().UTC() },
		parsed: parsed,
	}
}

// Run evaluates jobs every tick until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info(ctx, "scheduler_started", "scheduler started", slog.Duration("tick", s.cfg.Tick))
	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()

	s.RunOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info(ctx, "scheduler_stopped", "scheduler stopped")
			return nil
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce fires at most one cron event per due job and returns how many fired.
func (s *Scheduler) RunOnce(ctx context.Context) int {
	start := time.Now()
	defer func() { metricsx.ObserveSchedulerTick(time.Since(start)) }()

	jobs, err := s.jobs.ListJobs(ctx, true)
	if err != nil {
		s.logger.Error(ctx, "scheduler_list_failed", "list scheduled jobs failed",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("error", err.Error()),
		)
		return 0
	}
	now := s.now()
	fired := 0
	for _, job := range jobs {
		if ctx.Err() != nil {
			break
		}
		ok, err := s.fire(ctx, job.ID, now)
		if err != nil {
			s.logger.Error(ctx, "scheduler_fire_failed", "scheduled job not fired",
				slog.String("job_id", job.ID.String()),
				slog.String("job_name", job.Name),
				slog.String("error_code", "SCHEDULER_FIRE_FAILED"),
				slog.String("error", err.Error()),
			)
			continue
		}
		if ok {
			fired++
		}
	}
	return fired
}

// Due returns the latest slot at or before now that has not fired yet. Missed slots
// coalesce into that one.
func (s *Scheduler) Due(job models.ScheduledJob, now time.Time) (time.Time, bool, error) {
	sched, err := s.schedule(job.Schedule)
	if err != nil {
		return time.Time{}, false, err
	}
	base := job.CreatedAt
	if job.LastFiredAt != nil {
		base = *job.LastFiredAt
	}
	next := sched.Next(base)
	if next.IsZero() || next.After(now) {
		return time.Time{}, false, nil
	}
	slot := next
	for i := 0; i < maxCatchUp; i++ {
		following := sched.Next(slot)
		if following.IsZero() || following.After(now) {
			break
		}
		slot = following
	}
	return slot, true, nil
}

func (s *Scheduler) fire(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	unlock, err := s.locker.Lock(ctx, "job:"+id.String())
	if err != nil {
		return false, err
	}
	defer unlock()

	// Reload under the lock; another replica may have fired it.
	job, err := s.jobs.GetJob(ctx, id)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if !job.Enabled {
		return false, nil
	}
	slot, due, err := s.Due(job, now)
	if err != nil || !due {
		return false, err
	}

	ev := models.Event{
		ID:         SlotEventID(job.ID, slot),
		Type:       models.EventCron,
		Channel:    job.Channel,
		UserID:     job.UserID,
		Payload:    job.CronPayload(slot),
		OccurredAt: now,
	}
	if err := s.submit(ctx, ev); err != nil {
		if !errors.Is(err, models.ErrMalformedEvent) {
			return false, fmt.Errorf("submit cron event: %w", err)
		}
		// A malformed job would be rejected on every pass; skip its slot.
		s.logger.Error(ctx, "scheduler_job_malformed", "cron event rejected",
			slog.String("job_id", job.ID.String()),
			slog.String("error_code", "INVALID_ARGUMENT"),
			slog.String("error", err.Error()),
		)
	}
	if _, err := s.jobs.AdvanceLastFired(ctx, job.ID, slot); err != nil {
		return true, fmt.Errorf("advance last fired: %w", err)
	}
	metricsx.IncSchedulerFired()
	s.logger.Info(ctx, "scheduler_job_fired", "scheduled job fired",
		slog.String("job_id", job.ID.String()),
		slog.String("job_name", job.Name),
		slog.String("event_id", ev.ID.String()),
		slog.Time("slot", slot),
	)
	return true, nil
}

func (s *Scheduler) schedule(expr string) (cronlib.Schedule, error) {
	if sched, ok := s.parsed.Get(expr); ok {
		return sched, nil
	}
	sched, err := ParseSchedule(expr)
	if err != nil {
		return nil, err
	}
	s.parsed.Add(expr, sched)
	return sched, nil
}
