package store

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Supported store drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Options selects and configures the store driver.
type Options struct {
	Driver      string
	DatabaseURL string
	SQLitePath  string
}

// Open connects to the configured database, applies pending migrations and
// returns the repository. Callers must Close it.
func Open(ctx context.Context, opts Options) (Repository, error) {
	switch opts.Driver {
	case DriverPostgres:
		pool, err := pgxpool.New(ctx, opts.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("unable to create connection pool: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("unable to connect to database: %w", err)
		}
		if err := ApplyPostgresMigrations(ctx, pool); err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to apply migrations: %w", err)
		}
		slog.Info("database connection established", "component", "store", "driver", DriverPostgres)
		return NewPostgresRepository(pool), nil
	case DriverSQLite:
		repo, err := NewSQLiteRepository(ctx, opts.SQLitePath)
		if err != nil {
			return nil, err
		}
		slog.Info("database connection established", "component", "store", "driver", DriverSQLite, "path", opts.SQLitePath)
		return repo, nil
	default:
		return nil, fmt.Errorf("unsupported store driver %q", opts.Driver)
	}
}
