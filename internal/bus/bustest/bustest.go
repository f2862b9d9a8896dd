// Package bustest starts an embedded NATS server for package tests.
package bustest

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/loqalabs/rhinos/internal/bus"
	"github.com/loqalabs/rhinos/internal/config"
	"github.com/loqalabs/rhinos/internal/natsserver"
)

// Logger discards everything below error.
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// Config returns a bus config for an embedded server on a random port.
func Config(t *testing.T) config.BusConfig {
	t.Helper()
	cfg := config.Default().Bus
	cfg.Port = -1
	cfg.StoreDir = t.TempDir()
	cfg.DeliveryTimeout = 500
	return cfg
}

// Start runs an embedded server and returns a connected client. Both are
// torn down with the test.
func Start(t *testing.T) *bus.Client {
	t.Helper()
	cfg := Config(t)
	srv, err := natsserver.Start(cfg, Logger())
	if err != nil {
		t.Fatalf("start embedded nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	cfg.Servers = []string{srv.ClientURL()}
	client, err := bus.Connect(context.Background(), cfg, "rhinos-test", Logger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}
