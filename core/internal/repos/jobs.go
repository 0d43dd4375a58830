package repos

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"assistant-orchestrator/core/internal/models"
)

type JobsRepo struct {
	pool *pgxpool.Pool
}

func NewJobsRepo(pool *pgxpool.Pool) *JobsRepo {
	return &JobsRepo{pool: pool}
}

const jobColumns = `job_id, name, schedule, target, user_id, channel, conversation_id, enabled, last_fired_at, created_at, updated_at`

func (r *JobsRepo) CreateJob(ctx context.Context, j models.ScheduledJob) (models.ScheduledJob, error) {
	if j.ID == uuid.Nil {
		j.ID = uuid.New()
	}
	now := time.Now().UTC()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	target, err := toJSON(j.Target)
	if err != nil {
		return models.ScheduledJob{}, err
	}
	return scanJob(r.pool.QueryRow(ctx, `
		INSERT INTO scheduled_jobs (`+jobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING `+jobColumns,
		j.ID, j.Name, j.Schedule, target, j.UserID, j.Channel, j.ConversationID, j.Enabled, j.LastFiredAt, j.CreatedAt, now))
}

func (r *JobsRepo) GetJob(ctx context.Context, id uuid.UUID) (models.ScheduledJob, error) {
	j, err := scanJob(r.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM scheduled_jobs WHERE job_id = $1`, id))
	return j, notFound(err)
}

// UpdateJob never moves last_fired_at backwards.
func (r *JobsRepo) UpdateJob(ctx context.Context, j models.ScheduledJob) error {
	target, err := toJSON(j.Target)
	if err != nil {
		return err
	}
	return mustAffect(r.pool.Exec(ctx, `
		UPDATE scheduled_jobs
		SET name = $2, schedule = $3, target = $4, user_id = $5, channel = $6, conversation_id = $7, enabled = $8,
			last_fired_at = GREATEST(last_fired_at, $9), updated_at = $10
		WHERE job_id = $1
	`, j.ID, j.Name, j.Schedule, target, j.UserID, j.Channel, j.ConversationID, j.Enabled, j.LastFiredAt, time.Now().UTC()))
}

func (r *JobsRepo) DeleteJob(ctx context.Context, id uuid.UUID) error {
	return mustAffect(r.pool.Exec(ctx, `DELETE FROM scheduled_jobs WHERE job_id = $1`, id))
}

func (r *JobsRepo) ListJobs(ctx context.Context, enabledOnly bool) ([]models.ScheduledJob, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+jobColumns+`
		FROM scheduled_jobs
		WHERE (NOT $1 OR enabled)
		ORDER BY created_at ASC
	`, enabledOnly)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ScheduledJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (r *JobsRepo) AdvanceLastFired(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE scheduled_jobs
		SET last_fired_at = $2, updated_at = now()
		WHERE job_id = $1 AND (last_fired_at IS NULL OR last_fired_at < $2)
	`, id, at.UTC())
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}
	if _, err := r.GetJob(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func scanJob(row pgx.Row) (models.ScheduledJob, error) {
	var j models.ScheduledJob
	var target []byte
	if err := row.Scan(&j.ID, &j.Name, &j.Schedule, &target, &j.UserID, &j.Channel, &j.ConversationID, &j.Enabled, &j.LastFiredAt, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return models.ScheduledJob{}, err
	}
	if err := fromJSON(target, &j.Target); err != nil {
		return models.ScheduledJob{}, err
	}
	return j, nil
}
