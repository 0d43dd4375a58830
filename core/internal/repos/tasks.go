package repos

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"assistant-orchestrator/core/internal/models"
	"assistant-orchestrator/core/internal/store"
)

type TasksRepo struct {
	pool *pgxpool.Pool
}

func NewTasksRepo(pool *pgxpool.Pool) *TasksRepo {
	return &TasksRepo{pool: pool}
}

const taskColumns = `task_id, user_id, agent_slug, capability, status, input, result, error, event_id, channel,
	idempotency_key, workflow_instance_id, step_index, retry_count, created_at, updated_at, started_at, finished_at`

func (r *TasksRepo) CreateTask(ctx context.Context, t models.Task) (models.Task, bool, error) {
	return createTask(ctx, r.pool, t)
}

func (r *TasksRepo) GetTask(ctx context.Context, id uuid.UUID) (models.Task, error) {
	t, err := scanTask(r.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE task_id = $1`, id))
	return t, notFound(err)
}

func (r *TasksRepo) UpdateTask(ctx context.Context, t models.Task) error {
	input, err := toJSON(t.Input)
	if err != nil {
		return err
	}
	var result []byte
	if t.Result != nil {
		if result, err = toJSON(t.Result); err != nil {
			return err
		}
	}
	return mustAffect(r.pool.Exec(ctx, `
		UPDATE tasks
		SET status = $2, input = $3, result = $4, error = $5, retry_count = $6,
			started_at = $7, finished_at = $8, updated_at = $9
		WHERE task_id = $1
	`, t.ID, t.Status, input, result, t.Error, t.RetryCount, t.StartedAt, t.FinishedAt, time.Now().UTC()))
}

func (r *TasksRepo) ListTasks(ctx context.Context, f store.TaskFilter) ([]models.Task, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	var where []string
	var args []any
	if f.UserID != "" {
		args = append(args, f.UserID)
		where = append(where, fmt.Sprintf("user_id = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.WorkflowInstanceID != nil {
		args = append(args, *f.WorkflowInstanceID)
		where = append(where, fmt.Sprintf("workflow_instance_id = $%d", len(args)))
	}
	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	args = append(args, limit, f.Offset)
	query += fmt.Sprintf(` ORDER BY created_at ASC LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func createTask(ctx context.Context, db DBTX, t models.Task) (models.Task, bool, error) {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	input, err := toJSON(t.Input)
	if err != nil {
		return models.Task{}, false, err
	}
	now := time.Now().UTC()
	created, err := scanTask(db.QueryRow(ctx, `
		INSERT INTO tasks (task_id, user_id, agent_slug, capability, status, input, event_id, channel,
			idempotency_key, workflow_instance_id, step_index, retry_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 0, $12, $12)
		ON CONFLICT (idempotency_key) DO NOTHING
		RETURNING `+taskColumns,
		t.ID, t.UserID, t.AgentSlug, t.Capability, t.Status, input, t.EventID, t.Channel,
		t.IdempotencyKey, t.WorkflowInstanceID, t.StepIndex, now))
	if err == nil {
		return created, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return models.Task{}, false, err
	}
	existing, err := scanTask(db.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE idempotency_key = $1`, t.IdempotencyKey))
	if err != nil {
		return models.Task{}, false, err
	}
	return existing, false, nil
}

func scanTask(row pgx.Row) (models.Task, error) {
	var t models.Task
	var input, result []byte
	err := row.Scan(&t.ID, &t.UserID, &t.AgentSlug, &t.Capability, &t.Status, &input, &result, &t.Error, &t.EventID, &t.Channel,
		&t.IdempotencyKey, &t.WorkflowInstanceID, &t.StepIndex, &t.RetryCount, &t.CreatedAt, &t.UpdatedAt, &t.StartedAt, &t.FinishedAt)
	if err != nil {
		return models.Task{}, err
	}
	t.Input = map[string]any{}
	if err := fromJSON(input, &t.Input); err != nil {
		return models.Task{}, err
	}
	if len(result) > 0 {
		if err := fromJSON(result, &t.Result); err != nil {
			return models.Task{}, err
		}
	}
	return t, nil
}
