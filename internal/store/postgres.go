package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// pgDBTX is satisfied by both *pgxpool.Pool and pgx.Tx.
type pgDBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type pgQueries struct {
	db pgDBTX
}

// PostgresStore is the pgx backed Store.
type PostgresStore struct {
	*pgQueries
	pool *pgxpool.Pool
}

// NewPostgresStore wraps an already configured pool. The schema must have
// been migrated by the database package.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pgQueries: &pgQueries{db: pool}, pool: pool}
}

func (s *PostgresStore) InTx(ctx context.Context, fn func(q Querier) error) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(&pgQueries{db: tx})
	})
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

const pgActivationColumns = `plugin_name, is_active, activated_at, activated_by, deactivated_at, updated_at`

func scanPGActivation(row pgx.Row) (ActivationRecord, error) {
	var rec ActivationRecord
	err := row.Scan(&rec.PluginName, &rec.IsActive, &rec.ActivatedAt, &rec.ActivatedBy, &rec.DeactivatedAt, &rec.UpdatedAt)
	return rec, err
}

func (q *pgQueries) GetActivation(ctx context.Context, pluginName string) (ActivationRecord, error) {
	row := q.db.QueryRow(ctx, `SELECT `+pgActivationColumns+` FROM plugin_activations WHERE plugin_name = $1`, pluginName)
	rec, err := scanPGActivation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return ActivationRecord{}, ErrNotFound
	}
	if err != nil {
		return ActivationRecord{}, fmt.Errorf("get activation %s: %w", pluginName, err)
	}
	return rec, nil
}

func (q *pgQueries) ListActivations(ctx context.Context) ([]ActivationRecord, error) {
	rows, err := q.db.Query(ctx, `SELECT `+pgActivationColumns+` FROM plugin_activations ORDER BY plugin_name`)
	if err != nil {
		return nil, fmt.Errorf("list activations: %w", err)
	}
	defer rows.Close()

	var out []ActivationRecord
	for rows.Next() {
		rec, err := scanPGActivation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan activation: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (q *pgQueries) UpsertActivation(ctx context.Context, rec ActivationRecord) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO plugin_activations (`+pgActivationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (plugin_name) DO UPDATE SET
			is_active      = EXCLUDED.is_active,
			activated_at   = EXCLUDED.activated_at,
			activated_by   = EXCLUDED.activated_by,
			deactivated_at = EXCLUDED.deactivated_at,
			updated_at     = EXCLUDED.updated_at`,
		rec.PluginName, rec.IsActive, rec.ActivatedAt, rec.ActivatedBy, rec.DeactivatedAt, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert activation %s: %w", rec.PluginName, err)
	}
	return nil
}

func (q *pgQueries) InsertActivationEvent(ctx context.Context, ev ActivationEvent) error {
	_, err := q.db.Exec(ctx,
		`INSERT INTO plugin_activation_events (id, plugin_name, action, actor, occurred_at) VALUES ($1, $2, $3, $4, $5)`,
		ev.ID, ev.PluginName, ev.Action, ev.Actor, ev.At,
	)
	if err != nil {
		return fmt.Errorf("insert activation event: %w", err)
	}
	return nil
}

func (q *pgQueries) ListActivationEvents(ctx context.Context, pluginName string, limit int) ([]ActivationEvent, error) {
	sql := `SELECT id, plugin_name, action, actor, occurred_at FROM plugin_activation_events
		WHERE plugin_name = $1 ORDER BY occurred_at DESC, id`
	args := []any{pluginName}
	if limit > 0 {
		sql += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := q.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list activation events: %w", err)
	}
	defer rows.Close()

	var out []ActivationEvent
	for rows.Next() {
		var ev ActivationEvent
		if err := rows.Scan(&ev.ID, &ev.PluginName, &ev.Action, &ev.Actor, &ev.At); err != nil {
			return nil, fmt.Errorf("scan activation event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (q *pgQueries) GetStatus(ctx context.Context, key string) (string, error) {
	var value string
	err := q.db.QueryRow(ctx, `SELECT value FROM system_status WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get status %s: %w", key, err)
	}
	return value, nil
}

func (q *pgQueries) SetStatus(ctx context.Context, key, value string) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO system_status (key, value, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("set status %s: %w", key, err)
	}
	return nil
}

func (q *pgQueries) DeleteStatus(ctx context.Context, key string) error {
	if _, err := q.db.Exec(ctx, `DELETE FROM system_status WHERE key = $1`, key); err != nil {
		return fmt.Errorf("delete status %s: %w", key, err)
	}
	return nil
}

func (q *pgQueries) ListSettings(ctx context.Context, pluginName string) (map[string]string, error) {
	rows, err := q.db.Query(ctx, `SELECT key, value FROM plugin_settings WHERE plugin_name = $1`, pluginName)
	if err != nil {
		return nil, fmt.Errorf("list settings %s: %w", pluginName, err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan setting: %w", err)
		}
		out[k] = v
	}
	return out, rows.Err()
}

func (q *pgQueries) SaveSettings(ctx context.Context, pluginName string, values map[string]string) error {
	batch := &pgx.Batch{}
	for k, v := range values {
		batch.Queue(`
			INSERT INTO plugin_settings (plugin_name, key, value, updated_at) VALUES ($1, $2, $3, now())
			ON CONFLICT (plugin_name, key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
			pluginName, k, v,
		)
	}
	if batch.Len() == 0 {
		return nil
	}

	sender, ok := q.db.(interface {
		SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
	})
	if !ok {
		return fmt.Errorf("save settings %s: connection does not support batches", pluginName)
	}
	if err := sender.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("save settings %s: %w", pluginName, err)
	}
	return nil
}
