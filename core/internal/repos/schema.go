package repos

import (
	"context"
	"fmt"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS events (
		event_id uuid PRIMARY KEY,
		event_type text NOT NULL,
		channel text NOT NULL DEFAULT '',
		user_id text NOT NULL DEFAULT '',
		payload jsonb NOT NULL DEFAULT '{}'::jsonb,
		processed boolean NOT NULL DEFAULT false,
		task_id uuid,
		dispatch_attempts integer NOT NULL DEFAULT 0,
		occurred_at timestamptz NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS events_unprocessed_idx ON events (occurred_at) WHERE NOT processed`,
	`CREATE TABLE IF NOT EXISTS agents (
		agent_id uuid PRIMARY KEY,
		slug text NOT NULL UNIQUE,
		name text NOT NULL DEFAULT '',
		enabled boolean NOT NULL DEFAULT true,
		capabilities text[] NOT NULL DEFAULT '{}',
		keywords text[] NOT NULL DEFAULT '{}',
		config jsonb NOT NULL DEFAULT '{}'::jsonb,
		created_at timestamptz NOT NULL,
		updated_at timestamptz NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS tasks (
		task_id uuid PRIMARY KEY,
		user_id text NOT NULL DEFAULT '',
		agent_slug text NOT NULL,
		capability text NOT NULL DEFAULT '',
		status text NOT NULL,
		input jsonb NOT NULL DEFAULT '{}'::jsonb,
		result jsonb,
		error text NOT NULL DEFAULT '',
		event_id uuid,
		channel text NOT NULL DEFAULT '',
		idempotency_key text NOT NULL,
		workflow_instance_id uuid,
		step_index integer NOT NULL DEFAULT 0,
		retry_count integer NOT NULL DEFAULT 0,
		created_at timestamptz NOT NULL,
		updated_at timestamptz NOT NULL,
		started_at timestamptz,
		finished_at timestamptz
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS tasks_idempotency_key_idx ON tasks (idempotency_key)`,
	`CREATE INDEX IF NOT EXISTS tasks_instance_idx ON tasks (workflow_instance_id) WHERE workflow_instance_id IS NOT NULL`,
	`CREATE TABLE IF NOT EXISTS workflows (
		workflow_id uuid PRIMARY KEY,
		name text NOT NULL,
		description text NOT NULL DEFAULT '',
		steps jsonb NOT NULL,
		trigger_keywords text[] NOT NULL DEFAULT '{}',
		created_at timestamptz NOT NULL,
		updated_at timestamptz NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS workflows_name_idx ON workflows (lower(name))`,
	`CREATE TABLE IF NOT EXISTS workflow_instances (
		instance_id uuid PRIMARY KEY,
		workflow_id uuid NOT NULL,
		workflow_name text NOT NULL,
		status text NOT NULL,
		current_step integer NOT NULL DEFAULT 0,
		current_task_id uuid,
		steps jsonb NOT NULL,
		input jsonb NOT NULL DEFAULT '{}'::jsonb,
		last_output jsonb,
		user_id text NOT NULL DEFAULT '',
		channel text NOT NULL DEFAULT '',
		event_id uuid,
		error text NOT NULL DEFAULT '',
		created_at timestamptz NOT NULL,
		updated_at timestamptz NOT NULL,
		finished_at timestamptz
	)`,
	`CREATE TABLE IF NOT EXISTS scheduled_jobs (
		job_id uuid PRIMARY KEY,
		name text NOT NULL,
		schedule text NOT NULL,
		target jsonb NOT NULL,
		user_id text NOT NULL DEFAULT '',
		channel text NOT NULL DEFAULT '',
		conversation_id text NOT NULL DEFAULT '',
		enabled boolean NOT NULL DEFAULT true,
		last_fired_at timestamptz,
		created_at timestamptz NOT NULL,
		updated_at timestamptz NOT NULL
	)`,
}

// EnsureSchema creates the tables if they do not exist.
func EnsureSchema(ctx context.Context, db DBTX) error {
	for i, stmt := range schema {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement %d: %w", i, err)
		}
	}
	return nil
}
