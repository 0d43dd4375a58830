// Package repos is the Postgres implementation of the store interfaces.
package repos

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"assistant-orchestrator/core/internal/models"
	"assistant-orchestrator/core/internal/store"
)

type DBTX interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
}

// New returns every store backed by pool.
func New(pool *pgxpool.Pool) store.Stores {
	return store.Stores{
		Events:    NewEventsRepo(pool),
		Agents:    NewAgentsRepo(pool),
		Tasks:     NewTasksRepo(pool),
		Workflows: NewWorkflowsRepo(pool),
		Jobs:      NewJobsRepo(pool),
	}
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ErrNotFound
	}
	return err
}

func mustAffect(tag pgconn.CommandTag, err error) error {
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

func toJSON(v any) ([]byte, error) {
	if v == nil {
		return []byte(`{}`), nil
	}
	return json.Marshal(v)
}

func fromJSON(b []byte, dst any) error {
	if len(b) == 0 {
		return nil
	}
	return json.Unmarshal(b, dst)
}
