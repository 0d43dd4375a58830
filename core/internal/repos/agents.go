package repos

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"assistant-orchestrator/core/internal/models"
)

type AgentsRepo struct {
	pool *pgxpool.Pool
}

func NewAgentsRepo(pool *pgxpool.Pool) *AgentsRepo {
	return &AgentsRepo{pool: pool}
}

const agentColumns = `agent_id, slug, name, enabled, capabilities, keywords, config, created_at, updated_at`

func (r *AgentsRepo) UpsertAgent(ctx context.Context, a models.Agent) (models.Agent, error) {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	cfg, err := toJSON(a.Config)
	if err != nil {
		return models.Agent{}, err
	}
	now := time.Now().UTC()
	return scanAgent(r.pool.QueryRow(ctx, `
		INSERT INTO agents (`+agentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		ON CONFLICT (slug) DO UPDATE
		SET name = EXCLUDED.name, enabled = EXCLUDED.enabled, capabilities = EXCLUDED.capabilities,
			keywords = EXCLUDED.keywords, config = EXCLUDED.config, updated_at = EXCLUDED.updated_at
		RETURNING `+agentColumns,
		a.ID, a.Slug, a.Name, a.Enabled, nonNil(a.Capabilities), nonNil(a.Keywords), cfg, now))
}

func (r *AgentsRepo) ListAgents(ctx context.Context) ([]models.Agent, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY slug ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanAgent(row pgx.Row) (models.Agent, error) {
	var a models.Agent
	var cfg []byte
	if err := row.Scan(&a.ID, &a.Slug, &a.Name, &a.Enabled, &a.Capabilities, &a.Keywords, &cfg, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return models.Agent{}, err
	}
	if err := fromJSON(cfg, &a.Config); err != nil {
		return models.Agent{}, err
	}
	return a, nil
}

func nonNil(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
