package config

import (
	"context"
	"fmt"

	"github.com/roach88/durable/internal/engine"
	"github.com/roach88/durable/internal/store"
	"github.com/roach88/durable/internal/store/memory"
	"github.com/roach88/durable/internal/store/postgres"
)

// OpenStore opens the configured execution store. The returned close
// function releases it and is never nil.
func OpenStore(ctx context.Context, sc StoreConfig) (engine.ExecutionStore, func() error, error) {
	switch sc.Driver {
	case DriverSQLite:
		s, err := store.Open(sc.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite store %s: %w", sc.Path, err)
		}
		return s, s.Close, nil

	case DriverPostgres:
		pc := postgres.DefaultConfig(sc.DSN)
		if sc.MaxOpenConns > 0 {
			pc.MaxOpenConns = sc.MaxOpenConns
			pc.MaxIdleConns = min(pc.MaxIdleConns, sc.MaxOpenConns)
		}
		if sc.PingTimeout > 0 {
			pc.PingTimeout = sc.PingTimeout.Std()
		}
		s, err := postgres.Open(ctx, pc)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres store: %w", err)
		}
		return s, s.Close, nil

	case DriverMemory:
		return memory.New(), func() error { return nil }, nil
	}
	return nil, nil, fmt.Errorf("unknown store driver %q", sc.Driver)
}
