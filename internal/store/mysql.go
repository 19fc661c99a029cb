package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// sqlDBTX is satisfied by both *sql.DB and *sql.Tx.
type sqlDBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type mysqlQueries struct {
	db sqlDBTX
}

// MySQLStore is the go-sql-driver/mysql backed Store.
type MySQLStore struct {
	*mysqlQueries
	db *sql.DB
}

// NewMySQLStore wraps an open *sql.DB using the "mysql" driver. The DSN must
// set parseTime=true.
func NewMySQLStore(db *sql.DB) *MySQLStore {
	return &MySQLStore{mysqlQueries: &mysqlQueries{db: db}, db: db}
}

func (s *MySQLStore) InTx(ctx context.Context, fn func(q Querier) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&mysqlQueries{db: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *MySQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *MySQLStore) Close() error {
	return s.db.Close()
}

const mysqlActivationColumns = `plugin_name, is_active, activated_at, activated_by, deactivated_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMySQLActivation(row rowScanner) (ActivationRecord, error) {
	var (
		rec         ActivationRecord
		activated   sql.NullTime
		deactivated sql.NullTime
	)
	if err := row.Scan(&rec.PluginName, &rec.IsActive, &activated, &rec.ActivatedBy, &deactivated, &rec.UpdatedAt); err != nil {
		return ActivationRecord{}, err
	}
	if activated.Valid {
		t := activated.Time
		rec.ActivatedAt = &t
	}
	if deactivated.Valid {
		t := deactivated.Time
		rec.DeactivatedAt = &t
	}
	return rec, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func (q *mysqlQueries) GetActivation(ctx context.Context, pluginName string) (ActivationRecord, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+mysqlActivationColumns+` FROM plugin_activations WHERE plugin_name = ?`, pluginName)
	rec, err := scanMySQLActivation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ActivationRecord{}, ErrNotFound
	}
	if err != nil {
		return ActivationRecord{}, fmt.Errorf("get activation %s: %w", pluginName, err)
	}
	return rec, nil
}

func (q *mysqlQueries) ListActivations(ctx context.Context) ([]ActivationRecord, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT `+mysqlActivationColumns+` FROM plugin_activations ORDER BY plugin_name`)
	if err != nil {
		return nil, fmt.Errorf("list activations: %w", err)
	}
	defer rows.Close()

	var out []ActivationRecord
	for rows.Next() {
		rec, err := scanMySQLActivation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan activation: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (q *mysqlQueries) UpsertActivation(ctx context.Context, rec ActivationRecord) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO plugin_activations (`+mysqlActivationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			is_active      = VALUES(is_active),
			activated_at   = VALUES(activated_at),
			activated_by   = VALUES(activated_by),
			deactivated_at = VALUES(deactivated_at),
			updated_at     = VALUES(updated_at)`,
		rec.PluginName, rec.IsActive, nullTime(rec.ActivatedAt), rec.ActivatedBy, nullTime(rec.DeactivatedAt), rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert activation %s: %w", rec.PluginName, err)
	}
	return nil
}

func (q *mysqlQueries) InsertActivationEvent(ctx context.Context, ev ActivationEvent) error {
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO plugin_activation_events (id, plugin_name, action, actor, occurred_at) VALUES (?, ?, ?, ?, ?)`,
		ev.ID.String(), ev.PluginName, ev.Action, ev.Actor, ev.At,
	)
	if err != nil {
		return fmt.Errorf("insert activation event: %w", err)
	}
	return nil
}

func (q *mysqlQueries) ListActivationEvents(ctx context.Context, pluginName string, limit int) ([]ActivationEvent, error) {
	query := `SELECT id, plugin_name, action, actor, occurred_at FROM plugin_activation_events
		WHERE plugin_name = ? ORDER BY occurred_at DESC, id`
	args := []any{pluginName}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := q.db.QueryContext(ctx, query, args...)
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

func (q *mysqlQueries) GetStatus(ctx context.Context, key string) (string, error) {
	var value string
	err := q.db.QueryRowContext(ctx, "SELECT `value` FROM system_status WHERE `key` = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get status %s: %w", key, err)
	}
	return value, nil
}

func (q *mysqlQueries) SetStatus(ctx context.Context, key, value string) error {
	_, err := q.db.ExecContext(ctx,
		"INSERT INTO system_status (`key`, `value`, updated_at) VALUES (?, ?, ?) "+
			"ON DUPLICATE KEY UPDATE `value` = VALUES(`value`), updated_at = VALUES(updated_at)",
		key, value, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("set status %s: %w", key, err)
	}
	return nil
}

func (q *mysqlQueries) DeleteStatus(ctx context.Context, key string) error {
	if _, err := q.db.ExecContext(ctx, "DELETE FROM system_status WHERE `key` = ?", key); err != nil {
		return fmt.Errorf("delete status %s: %w", key, err)
	}
	return nil
}

func (q *mysqlQueries) ListSettings(ctx context.Context, pluginName string) (map[string]string, error) {
	rows, err := q.db.QueryContext(ctx, "SELECT `key`, `value` FROM plugin_settings WHERE plugin_name = ?", pluginName)
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

func (q *mysqlQueries) SaveSettings(ctx context.Context, pluginName string, values map[string]string) error {
	if len(values) == 0 {
		return nil
	}

	now := time.Now().UTC()
	placeholders := make([]string, 0, len(values))
	args := make([]any, 0, len(values)*4)
	for k, v := range values {
		placeholders = append(placeholders, "(?, ?, ?, ?)")
		args = append(args, pluginName, k, v, now)
	}

	query := "INSERT INTO plugin_settings (plugin_name, `key`, `value`, updated_at) VALUES " +
		strings.Join(placeholders, ", ") +
		" ON DUPLICATE KEY UPDATE `value` = VALUES(`value`), updated_at = VALUES(updated_at)"
	if _, err := q.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("save settings %s: %w", pluginName, err)
	}
	return nil
}
