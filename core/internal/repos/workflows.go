package repos

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"assistant-orchestrator/core/internal/models"
)

type WorkflowsRepo struct {
	pool *pgxpool.Pool
}

func NewWorkflowsRepo(pool *pgxpool.Pool) *WorkflowsRepo {
	return &WorkflowsRepo{pool: pool}
}

const workflowColumns = `workflow_id, name, description, steps, trigger_keywords, created_at, updated_at`

const instanceColumns = `instance_id, workflow_id, workflow_name, status, current_step, current_task_id, steps, input,
	last_output, user_id, channel, event_id, error, created_at, updated_at, finished_at`

// UpsertWorkflow replaces the definition with the same (case-insensitive) name, keeping its id.
func (r *WorkflowsRepo) UpsertWorkflow(ctx context.Context, wf models.Workflow) (models.Workflow, error) {
	if wf.ID == uuid.Nil {
		wf.ID = uuid.New()
	}
	steps, err := toJSON(wf.Steps)
	if err != nil {
		return models.Workflow{}, err
	}
	now := time.Now().UTC()
	return scanWorkflow(r.pool.QueryRow(ctx, `
		INSERT INTO workflows (`+workflowColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT ((lower(name))) DO UPDATE
		SET description = EXCLUDED.description, steps = EXCLUDED.steps,
			trigger_keywords = EXCLUDED.trigger_keywords, updated_at = EXCLUDED.updated_at
		RETURNING `+workflowColumns,
		wf.ID, wf.Name, wf.Description, steps, nonNil(wf.TriggerKeywords), now))
}

func (r *WorkflowsRepo) GetWorkflow(ctx context.Context, id uuid.UUID) (models.Workflow, error) {
	wf, err := scanWorkflow(r.pool.QueryRow(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE workflow_id = $1`, id))
	return wf, notFound(err)
}

func (r *WorkflowsRepo) GetWorkflowByName(ctx context.Context, name string) (models.Workflow, error) {
	wf, err := scanWorkflow(r.pool.QueryRow(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE lower(name) = lower(trim($1))`, name))
	return wf, notFound(err)
}

func (r *WorkflowsRepo) ListWorkflows(ctx context.Context) ([]models.Workflow, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+workflowColumns+` FROM workflows ORDER BY name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, wf)
	}
	return out, rows.Err()
}

func (r *WorkflowsRepo) DeleteWorkflow(ctx context.Context, id uuid.UUID) error {
	return mustAffect(r.pool.Exec(ctx, `DELETE FROM workflows WHERE workflow_id = $1`, id))
}

func (r *WorkflowsRepo) CreateInstance(ctx context.Context, inst models.WorkflowInstance) (models.WorkflowInstance, bool, error) {
	steps, err := toJSON(inst.Steps)
	if err != nil {
		return models.WorkflowInstance{}, false, err
	}
	input, err := toJSON(inst.Input)
	if err != nil {
		return models.WorkflowInstance{}, false, err
	}
	now := time.Now().UTC()
	created, err := scanInstance(r.pool.QueryRow(ctx, `
		INSERT INTO workflow_instances (instance_id, workflow_id, workflow_name, status, current_step, current_task_id,
			steps, input, user_id, channel, event_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)
		ON CONFLICT (instance_id) DO NOTHING
		RETURNING `+instanceColumns,
		inst.ID, inst.WorkflowID, inst.WorkflowName, inst.Status, inst.CurrentStep, inst.CurrentTaskID,
		steps, input, inst.UserID, inst.Channel, inst.EventID, now))
	if err == nil {
		return created, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return models.WorkflowInstance{}, false, err
	}
	existing, err := r.GetInstance(ctx, inst.ID)
	return existing, false, err
}

func (r *WorkflowsRepo) GetInstance(ctx context.Context, id uuid.UUID) (models.WorkflowInstance, error) {
	inst, err := scanInstance(r.pool.QueryRow(ctx, `SELECT `+instanceColumns+` FROM workflow_instances WHERE instance_id = $1`, id))
	return inst, notFound(err)
}

func (r *WorkflowsRepo) UpdateInstance(ctx context.Context, inst models.WorkflowInstance) error {
	var lastOutput []byte
	if inst.LastOutput != nil {
		var err error
		if lastOutput, err = toJSON(inst.LastOutput); err != nil {
			return err
		}
	}
	return mustAffect(r.pool.Exec(ctx, `
		UPDATE workflow_instances
		SET status = $2, current_step = $3, current_task_id = $4, last_output = $5, error = $6,
			finished_at = $7, updated_at = $8
		WHERE instance_id = $1
	`, inst.ID, inst.Status, inst.CurrentStep, inst.CurrentTaskID, lastOutput, inst.Error, inst.FinishedAt, time.Now().UTC()))
}

func (r *WorkflowsRepo) ListInstances(ctx context.Context, status string, limit int) ([]models.WorkflowInstance, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+instanceColumns+`
		FROM workflow_instances
		WHERE ($1 = '' OR status = $1)
		ORDER BY created_at DESC
		LIMIT $2
	`, status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.WorkflowInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

func scanWorkflow(row pgx.Row) (models.Workflow, error) {
	var wf models.Workflow
	var steps []byte
	if err := row.Scan(&wf.ID, &wf.Name, &wf.Description, &steps, &wf.TriggerKeywords, &wf.CreatedAt, &wf.UpdatedAt); err != nil {
		return models.Workflow{}, err
	}
	if err := fromJSON(steps, &wf.Steps); err != nil {
		return models.Workflow{}, err
	}
	return wf, nil
}

func scanInstance(row pgx.Row) (models.WorkflowInstance, error) {
	var inst models.WorkflowInstance
	var steps, input, lastOutput []byte
	err := row.Scan(&inst.ID, &inst.WorkflowID, &inst.WorkflowName, &inst.Status, &inst.CurrentStep, &inst.CurrentTaskID,
		&steps, &input, &lastOutput, &inst.UserID, &inst.Channel, &inst.EventID, &inst.Error, &inst.CreatedAt, &inst.UpdatedAt, &inst.FinishedAt)
	if err != nil {
		return models.WorkflowInstance{}, err
	}
	if err := fromJSON(steps, &inst.Steps); err != nil {
		return models.WorkflowInstance{}, err
	}
	inst.Input = map[string]any{}
	if err := fromJSON(input, &inst.Input); err != nil {
		return models.WorkflowInstance{}, err
	}
	if len(lastOutput) > 0 {
		if err := fromJSON(lastOutput, &inst.LastOutput); err != nil {
			return models.WorkflowInstance{}, err
		}
	}
	return inst, nil
}
