// Package postgres is the C2 relational store adapter: a pgxpool-backed
// connection plus one repository per domain aggregate, using squirrel to
// build SQL and golang-migrate to apply schema. Modeled on the teacher's
// common/mpostgres.PostgresConnection (connect-once, migrate-on-connect)
// but retargeted from database/sql+dbresolver onto pgx/v5, since the
// relational store contract (§6) needs serializable isolation the pgx
// driver exposes directly.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/blacklake-io/blacklake/internal/platform/log"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Connection owns the pool and the one-time migration run.
type Connection struct {
	Pool *pgxpool.Pool
	log  log.Logger
}

// Connect opens a pool against dsn and runs pending migrations. Mirrors the
// teacher's "connect, then migrate before serving traffic" sequencing.
func Connect(ctx context.Context, dsn string, logger log.Logger) (*Connection, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	conn := &Connection{Pool: pool, log: logger}

	if err := conn.migrate(dsn); err != nil {
		pool.Close()
		return nil, err
	}

	return conn, nil
}

func (c *Connection) migrate(dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open migration connection: %w", err)
	}
	defer db.Close()

	driver, err := postgres.WithInstance(db, &postgres.Config{MultiStatementEnabled: true})
	if err != nil {
		return fmt.Errorf("init migration driver: %w", err)
	}

	source, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("load embedded migrations: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("init migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}

	if c.log != nil {
		c.log.Info("postgres migrations applied")
	}

	return nil
}

// Close releases the pool.
func (c *Connection) Close() {
	c.Pool.Close()
}
