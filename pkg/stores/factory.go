package stores

import (
	"context"
	"fmt"
	"strings"
)

// ParseDSN maps a store URL to a Config. Recognized forms:
//
//	""  or memory://              in-process store, no persistence
//	sqlite://path, file:path      SQLite database file
//	postgres://..., postgresql:// PostgreSQL connection URL
//
// A bare path is treated as a SQLite file.
func ParseDSN(dsn string) (Config, bool, error) {
	dsn = strings.TrimSpace(dsn)
	switch {
	case dsn == "" || dsn == "memory://":
		return Config{}, true, nil
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return Config{Dialect: DialectPostgres, DSN: dsn}, false, nil
	case strings.HasPrefix(dsn, "sqlite://"):
		path := strings.TrimPrefix(dsn, "sqlite://")
		if path == "" {
			return Config{}, false, fmt.Errorf("sqlite DSN has no path: %s", dsn)
		}
		return Config{Dialect: DialectSQLite, DSN: path}, false, nil
	case strings.HasPrefix(dsn, "file:"):
		return Config{Dialect: DialectSQLite, DSN: dsn}, false, nil
	case strings.Contains(dsn, "://"):
		return Config{}, false, fmt.Errorf("unsupported store DSN scheme: %s", dsn)
	default:
		return Config{Dialect: DialectSQLite, DSN: dsn}, false, nil
	}
}

// Open creates, initializes, and migrates the store named by dsn.
func Open(ctx context.Context, dsn string) (Store, error) {
	cfg, memory, err := ParseDSN(dsn)
	if err != nil {
		return nil, err
	}
	if memory {
		return NewMemoryStore(), nil
	}
	return OpenSQL(ctx, cfg)
}

// OpenSQL creates, initializes, and migrates a SQL store.
func OpenSQL(ctx context.Context, cfg Config) (*SQLStore, error) {
	store, err := NewSQLStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	if err := store.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to migrate store: %w", err)
	}
	return store, nil
}
