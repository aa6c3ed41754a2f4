package persist

import (
	"context"
	"fmt"

	"tenantly.dev/internal/auth"
	"tenantly.dev/internal/config"
)

// Store is a Persistence backend holding resources until Close.
type Store interface {
	auth.Persistence
	Close() error
}

var (
	_ Store = (*Memory)(nil)
	_ Store = (*Badger)(nil)
	_ Store = (*Postgres)(nil)
)

// Open builds the backend named by cfg.Driver. Postgres backends get their
// table created on open.
func Open(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		return NewMemory(), nil
	case config.DriverBadger:
		return OpenBadger(cfg.Path, cfg.Profile)
	case config.DriverPostgres:
		pg, err := OpenPostgres(cfg.DSN, cfg.Profile)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			_ = pg.Close()
			return nil, err
		}
		return pg, nil
	default:
		return nil, fmt.Errorf("persist: unknown driver %q", cfg.Driver)
	}
}
