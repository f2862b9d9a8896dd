package settings

import (
	"context"
	"errors"
	"fmt"

	"github.com/loqalabs/rhinos/internal/config"
	"github.com/nats-io/nats.go"
)

// Open builds the store selected by cfg.Backend. js is only needed for the
// jetstream backend.
func Open(ctx context.Context, cfg config.SettingsConfig, js nats.JetStreamContext) (Store, error) {
	switch cfg.Backend {
	case "sqlite":
		return OpenSQLite(ctx, cfg.Path)
	case "jetstream":
		if js == nil {
			return nil, errors.New("jetstream settings backend requires a bus connection")
		}
		return OpenJetStream(js, cfg.Bucket)
	case "redis":
		return OpenRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.KeyPrefix)
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown settings backend %q", cfg.Backend)
	}
}
