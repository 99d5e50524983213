package stores

import (
	"context"
	"fmt"
	"time"

	"github.com/callsync/callsync/pkg/engine"
)

// Dialect identifies the SQL backend behind a SQLStore.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// Validate checks if the dialect is supported.
func (d Dialect) Validate() error {
	switch d {
	case DialectSQLite, DialectPostgres:
		return nil
	default:
		return fmt.Errorf("unsupported store dialect: %s", d)
	}
}

// driverName returns the database/sql driver registered for the dialect.
func (d Dialect) driverName() string {
	if d == DialectPostgres {
		return "postgres"
	}
	return "sqlite"
}

// Config holds SQL store configuration.
type Config struct {
	// Dialect selects the backend. Defaults to sqlite.
	Dialect Dialect

	// DSN is the file path for sqlite or the connection URL for postgres.
	DSN string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration

	// BusyTimeout is how long sqlite waits on a locked database.
	BusyTimeout time.Duration
}

// Store is a durable backend for pending calls and the outbound queue.
type Store interface {
	engine.Store

	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Utility
	HealthCheck(ctx context.Context) error
}
