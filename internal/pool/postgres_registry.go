package pool

import (
	"context"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

// PostgresRegistry journals node-source events and keeps the current down set
// per source.
type PostgresRegistry struct {
	pool *pgxpool.Pool
}

func NewPostgresRegistry(ctx context.Context, dsn string) (*PostgresRegistry, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("postgres dsn is required")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "create postgres pool")
	}

	r := &PostgresRegistry{pool: pool}
	if err := r.initSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return r, nil
}

func (r *PostgresRegistry) Close() {
	r.pool.Close()
}

func (r *PostgresRegistry) OnNodeSourceEvent(ctx context.Context, event Event) error {
	if strings.TrimSpace(event.SourceID) == "" {
		return errors.New("source_id is required")
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "begin event tx")
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
INSERT INTO node_source_events (id, source_id, event_type, node_url, state, reason, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (id) DO NOTHING`,
		event.ID, event.SourceID, string(event.Type), event.NodeURL, string(event.State), event.Reason, normalizeTime(event.At),
	); err != nil {
		return errors.Wrapf(err, "insert %s event", event.Type)
	}

	if event.Type == EventNodeRemoved && event.NodeURL != "" {
		if _, err := tx.Exec(ctx, `DELETE FROM node_source_down_nodes WHERE source_id = $1 AND node_url = $2`, event.SourceID, event.NodeURL); err != nil {
			return errors.Wrap(err, "clear down node")
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return errors.Wrap(err, "commit event tx")
	}
	return nil
}

func (r *PostgresRegistry) OnDownNode(ctx context.Context, sourceID, url string) error {
	if strings.TrimSpace(sourceID) == "" {
		return errors.New("source_id is required")
	}
	if strings.TrimSpace(url) == "" {
		return errors.New("url is required")
	}
	_, err := r.pool.Exec(ctx, `
INSERT INTO node_source_down_nodes (source_id, node_url, detected_at)
VALUES ($1, $2, $3)
ON CONFLICT (source_id, node_url) DO UPDATE SET detected_at = EXCLUDED.detected_at`,
		sourceID, url, time.Now().UTC(),
	)
	if err != nil {
		return errors.Wrapf(err, "record down node %s", url)
	}
	return nil
}

func (r *PostgresRegistry) Unregister(ctx context.Context, sourceID string) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM node_source_down_nodes WHERE source_id = $1`, sourceID); err != nil {
		return errors.Wrapf(err, "unregister source %s", sourceID)
	}
	return nil
}

func (r *PostgresRegistry) DownNodes(ctx context.Context, sourceID string) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
SELECT node_url FROM node_source_down_nodes
WHERE source_id = $1
ORDER BY node_url`, sourceID)
	if err != nil {
		return nil, errors.Wrap(err, "list down nodes")
	}
	urls, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, errors.Wrap(err, "scan down nodes")
	}
	return urls, nil
}

// Events returns the journal for sourceID, oldest first.
func (r *PostgresRegistry) Events(ctx context.Context, sourceID string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = defaultRegistryCapacity
	}
	rows, err := r.pool.Query(ctx, `
SELECT id, source_id, event_type, node_url, state, reason, created_at
FROM node_source_events
WHERE source_id = $1
ORDER BY created_at ASC, seq ASC
LIMIT $2`, sourceID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list events")
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			event     Event
			eventType string
			state     string
		)
		if err := rows.Scan(&event.ID, &event.SourceID, &eventType, &event.NodeURL, &state, &event.Reason, &event.At); err != nil {
			return nil, errors.Wrap(err, "scan event")
		}
		event.Type = EventType(eventType)
		event.State = NodeState(state)
		event.At = event.At.UTC()
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate events")
	}
	return events, nil
}

func (r *PostgresRegistry) initSchema(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS node_source_events (
	seq BIGSERIAL,
	id TEXT PRIMARY KEY,
	source_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	node_url TEXT NOT NULL DEFAULT '',
	state TEXT NOT NULL DEFAULT '',
	reason TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS node_source_events_source_idx ON node_source_events (source_id, created_at);
CREATE TABLE IF NOT EXISTS node_source_down_nodes (
	source_id TEXT NOT NULL,
	node_url TEXT NOT NULL,
	detected_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (source_id, node_url)
);`)
	if err != nil {
		return errors.Wrap(err, "init node source schema")
	}
	return nil
}

func normalizeTime(value time.Time) time.Time {
	if value.IsZero() {
		return time.Now().UTC()
	}
	return value.UTC()
}
