package natsserver

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/rhinos/internal/config"
	"github.com/nats-io/nats-server/v2/server"
)

const defaultStartTimeout = 5 * time.Second

// EmbeddedServer hosts the bus inside rhinosd so the orchestrator, players
// and controller can run as one process. Remote surfaces connect to it like
// any other NATS server.
type EmbeddedServer struct {
	ns  *server.Server
	log *slog.Logger
}

// Start runs an embedded server with JetStream enabled for the settings KV.
// It returns nil when the bus is external. Port -1 picks a free port.
func Start(cfg config.BusConfig, log *slog.Logger) (*EmbeddedServer, error) {
	if !cfg.Embedded {
		return nil, nil
	}

	ns, err := server.NewServer(serverOptions(cfg))
	if err != nil {
		return nil, fmt.Errorf("create embedded NATS server: %w", err)
	}
	go ns.Start()

	wait := defaultStartTimeout
	if cfg.ConnectTimeout > 0 {
		wait = time.Duration(cfg.ConnectTimeout) * time.Millisecond
	}
	if !ns.ReadyForConnections(wait) {
		ns.Shutdown()
		return nil, fmt.Errorf("embedded NATS server not ready after %s", wait)
	}

	log = log.With(slog.String("component", "natsserver"))
	log.Info("embedded bus started",
		slog.String("url", ns.ClientURL()),
		slog.String("store_dir", cfg.StoreDir),
		slog.Int("max_payload", cfg.MaxPayload),
		slog.Bool("auth", cfg.Username != "" || cfg.Token != ""))
	return &EmbeddedServer{ns: ns, log: log}, nil
}

// serverOptions maps the bus section onto server options. Credentials set
// for clients are required by the embedded server as well, so surfaces on
// other hosts cannot join without them.
func serverOptions(cfg config.BusConfig) *server.Options {
	host := cfg.Host
	if host == "" {
		host = "127.0.0.1"
	}
	opts := &server.Options{
		ServerName: "rhinos",
		Host:       host,
		Port:       cfg.Port,
		JetStream:  true,
		StoreDir:   cfg.StoreDir,
		NoSigs:     true,
	}
	if cfg.MaxPayload > 0 {
		opts.MaxPayload = int32(cfg.MaxPayload)
	}
	switch {
	case cfg.Token != "":
		opts.Authorization = cfg.Token
	case cfg.Username != "":
		opts.Username = cfg.Username
		opts.Password = cfg.Password
	}
	return opts
}

// ClientURL is the URL clients use to reach the embedded server.
func (e *EmbeddedServer) ClientURL() string {
	if e == nil || e.ns == nil {
		return ""
	}
	return e.ns.ClientURL()
}

// Shutdown stops the server and waits for JetStream to flush.
func (e *EmbeddedServer) Shutdown() {
	if e == nil || e.ns == nil {
		return
	}
	e.log.Info("stopping embedded bus")
	e.ns.Shutdown()
	e.ns.WaitForShutdown()
}
