// Package database
package database

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"sync"

	_ "github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/modhost/modhost/internal/config"
	"github.com/modhost/modhost/internal/store"
	"github.com/pressly/goose/v3"
	"github.com/pressly/goose/v3/database"
)

// Handle bundles everything opened for the configured driver.
type Handle struct {
	Store   store.Store
	DB      *sql.DB // nil for the memory driver
	Dialect string
}

// Open connects to the configured backend and returns a ready Store. The
// memory driver needs no connection at all.
func Open(ctx context.Context, cfg config.DatabaseConfig) (*Handle, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		return &Handle{Store: store.NewMemoryStore(), Dialect: config.DriverMemory}, nil

	case config.DriverPostgres:
		poolCfg, err := pgxpool.ParseConfig(cfg.ConnString())
		if err != nil {
			return nil, fmt.Errorf("failed to parse postgres config: %w", err)
		}
		poolCfg.MaxConns = int32(cfg.Pool.MaxConns)
		poolCfg.MinConns = int32(cfg.Pool.MinConns)
		poolCfg.MaxConnLifetime = cfg.Pool.MaxConnLifetime()
		poolCfg.MaxConnIdleTime = cfg.Pool.MaxConnIdleTime()
		poolCfg.HealthCheckPeriod = cfg.Pool.HealthCheckPeriod()

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create postgres pool: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to ping postgres: %w", err)
		}

		return &Handle{
			Store:   store.NewPostgresStore(pool),
			DB:      stdlib.OpenDBFromPool(pool),
			Dialect: string(goose.DialectPostgres),
		}, nil

	case config.DriverMySQL:
		db, err := sql.Open("mysql", cfg.MySQLDSN())
		if err != nil {
			return nil, fmt.Errorf("failed to open mysql: %w", err)
		}
		db.SetMaxOpenConns(cfg.Pool.MaxConns)
		db.SetMaxIdleConns(cfg.Pool.MinConns)
		db.SetConnMaxLifetime(cfg.Pool.MaxConnLifetime())
		db.SetConnMaxIdleTime(cfg.Pool.MaxConnIdleTime())

		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to ping mysql: %w", err)
		}

		return &Handle{
			Store:   store.NewMySQLStore(db),
			DB:      db,
			Dialect: string(goose.DialectMySQL),
		}, nil
	}

	return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
}

// RunMigrations applies the embedded core schema. It is a no-op for the
// memory driver.
func (h *Handle) RunMigrations() error {
	if h.DB == nil {
		return nil
	}

	goose.SetBaseFS(EmbeddedMigrations)
	defer goose.SetBaseFS(nil)

	if err := goose.SetDialect(h.Dialect); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}

	if err := goose.Up(h.DB, "migrations/"+h.Dialect); err != nil {
		return fmt.Errorf("failed to run goose migrations: %w", err)
	}

	return nil
}

// Close releases the connections. The Store owns the pool, so the
// stdlib wrapper is closed first.
func (h *Handle) Close() error {
	if h.DB != nil && h.Dialect == string(goose.DialectPostgres) {
		h.DB.Close()
	}
	return h.Store.Close()
}

// ModelMigrator applies plugin model migrations, keeping one goose version
// table per plugin model so plugins never share version numbers.
type ModelMigrator struct {
	db      *sql.DB
	dialect database.Dialect
	logger  *slog.Logger
	mu      sync.Mutex
}

// NewModelMigrator returns nil when the handle has no SQL backend.
func (h *Handle) NewModelMigrator(logger *slog.Logger) *ModelMigrator {
	if h.DB == nil {
		return nil
	}
	return &ModelMigrator{
		db:      h.DB,
		dialect: database.Dialect(h.Dialect),
		logger:  logger.With("component", "model_migrator"),
	}
}

// Migrate runs every pending migration in fsys against versionTable and
// returns how many were applied.
func (m *ModelMigrator) Migrate(ctx context.Context, versionTable string, fsys fs.FS) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	table := VersionTableName(versionTable)
	dbStore, err := database.NewStore(m.dialect, table)
	if err != nil {
		return 0, fmt.Errorf("failed to create goose store %s: %w", table, err)
	}

	provider, err := goose.NewProvider("", m.db, fsys, goose.WithStore(dbStore))
	if err != nil {
		return 0, fmt.Errorf("failed to create goose provider %s: %w", table, err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to migrate %s: %w", table, err)
	}

	for _, r := range results {
		m.logger.Info("Applied model migration",
			"table", table,
			"version", r.Source.Version,
			"duration_ms", r.Duration.Milliseconds(),
		)
	}
	return len(results), nil
}

// VersionTableName maps a plugin/model key to a safe goose table name.
func VersionTableName(key string) string {
	var b strings.Builder
	b.WriteString("goose_")
	for _, r := range strings.ToLower(key) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	b.WriteString("_version")
	return b.String()
}
