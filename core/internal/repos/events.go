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

type EventsRepo struct {
	pool *pgxpool.Pool
}

func NewEventsRepo(pool *pgxpool.Pool) *EventsRepo {
	return &EventsRepo{pool: pool}
}

const eventColumns = `event_id, event_type, channel, user_id, payload, processed, task_id, dispatch_attempts, occurred_at`

func (r *EventsRepo) CreateEvent(ctx context.Context, ev models.Event) (models.Event, bool, error) {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	payload, err := toJSON(ev.Payload)
	if err != nil {
		return models.Event{}, false, err
	}
	created, err := scanEvent(r.pool.QueryRow(ctx, `
		INSERT INTO events (`+eventColumns+`)
		VALUES ($1, $2, $3, $4, $5, false, $6, 0, $7)
		ON CONFLICT (event_id) DO NOTHING
		RETURNING `+eventColumns,
		ev.ID, string(ev.Type), ev.Channel, ev.UserID, payload, ev.TaskID, ev.OccurredAt))
	if err == nil {
		return created, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return models.Event{}, false, err
	}
	existing, err := r.GetEvent(ctx, ev.ID)
	return existing, false, err
}

func (r *EventsRepo) GetEvent(ctx context.Context, id uuid.UUID) (models.Event, error) {
	ev, err := scanEvent(r.pool.QueryRow(ctx, `SELECT `+eventColumns+` FROM events WHERE event_id = $1`, id))
	return ev, notFound(err)
}

func (r *EventsRepo) MarkEventProcessed(ctx context.Context, id uuid.UUID) error {
	return mustAffect(r.pool.Exec(ctx, `UPDATE events SET processed = true WHERE event_id = $1`, id))
}

func (r *EventsRepo) IncrementDispatchAttempts(ctx context.Context, id uuid.UUID) (int, error) {
	var attempts int
	err := r.pool.QueryRow(ctx, `
		UPDATE events SET dispatch_attempts = dispatch_attempts + 1
		WHERE event_id = $1
		RETURNING dispatch_attempts
	`, id).Scan(&attempts)
	return attempts, notFound(err)
}

func (r *EventsRepo) ListUnprocessedEvents(ctx context.Context, maxAttempts int, limit int) ([]models.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+eventColumns+`
		FROM events
		WHERE NOT processed AND ($1 <= 0 OR dispatch_attempts < $1)
		ORDER BY occurred_at ASC
		LIMIT $2
	`, maxAttempts, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func scanEvent(row pgx.Row) (models.Event, error) {
	var ev models.Event
	var evType string
	var payload []byte
	if err := row.Scan(&ev.ID, &evType, &ev.Channel, &ev.UserID, &payload, &ev.Processed, &ev.TaskID, &ev.DispatchAttempts, &ev.OccurredAt); err != nil {
		return models.Event{}, err
	}
	ev.Type = models.EventType(evType)
	ev.Payload = map[string]any{}
	if err := fromJSON(payload, &ev.Payload); err != nil {
		return models.Event{}, err
	}
	return ev, nil
}
