package main

import (
	"flag"
	"io"
	"log/slog"
	"testing"

	"github.com/loqalabs/rhinos/internal/config"
	"github.com/loqalabs/rhinos/internal/natsserver"
)

func TestCredentialsFromEnvironment(t *testing.T) {
	t.Setenv("RHINOS_BUS_USERNAME", "reader")
	t.Setenv("RHINOS_BUS_PASSWORD", "pw")
	t.Setenv("RHINOS_BUS_TOKEN", "")

	var g globalFlags
	fs := flag.NewFlagSet("state", flag.ContinueOnError)
	g.register(fs)
	if err := fs.Parse([]string{"-server", "nats://bus:4222"}); err != nil {
		t.Fatal(err)
	}
	cfg := busConfig(g)
	if cfg.Username != "reader" || cfg.Password != "pw" || cfg.Token != "" {
		t.Fatalf("credentials = %q/%q/%q", cfg.Username, cfg.Password, cfg.Token)
	}
	if cfg.Embedded || len(cfg.Servers) != 1 || cfg.Servers[0] != "nats://bus:4222" {
		t.Fatalf("bus config = %+v", cfg)
	}
}

func TestConnectWithToken(t *testing.T) {
	t.Setenv("RHINOS_BUS_TOKEN", "")
	busCfg := config.Default().Bus
	busCfg.Port = -1
	busCfg.StoreDir = t.TempDir()
	busCfg.Token = "s3cret"
	srv, err := natsserver.Start(busCfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("start bus: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	var g globalFlags
	fs := flag.NewFlagSet("pause", flag.ContinueOnError)
	g.register(fs)
	if err := fs.Parse([]string{"-server", srv.ClientURL()}); err != nil {
		t.Fatal(err)
	}
	if client, err := connect(g); err == nil {
		client.Close()
		t.Fatal("connected without a token")
	}

	if err := fs.Parse([]string{"-server", srv.ClientURL(), "-token", "s3cret"}); err != nil {
		t.Fatal(err)
	}
	client, err := connect(g)
	if err != nil {
		t.Fatalf("connect with token: %v", err)
	}
	client.Close()
}
