package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Servers[0] != "nats://127.0.0.1:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.Synthesis.DefaultModel != "eleven_multilingual_v2" {
		t.Fatalf("expected default model, got %q", cfg.Synthesis.DefaultModel)
	}
	if !cfg.Player.DiscardStaleAudio {
		t.Fatal("expected stale audio discard enabled by default")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("RHINOS_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("RHINOS_BUS_USERNAME", "alice")
	t.Setenv("RHINOS_BUS_PASSWORD", "secret")
	t.Setenv("RHINOS_BUS_TLS_INSECURE", "true")
	t.Setenv("RHINOS_BUS_DELIVERY_TIMEOUT_MS", "250")
	t.Setenv("RHINOS_SURFACE_ID", "tab-7")
	t.Setenv("RHINOS_SETTINGS_BACKEND", "jetstream")
	t.Setenv("RHINOS_SETTINGS_BUCKET", "prefs")
	t.Setenv("RHINOS_SYNTHESIS_STABILITY", "0.3")
	t.Setenv("RHINOS_PLAYER_OUTPUT", "exec")
	t.Setenv("RHINOS_PLAYER_COMMAND", "mpv -")
	t.Setenv("RHINOS_EVENT_STORE_MAX_SURFACES", "12")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if !cfg.Bus.TLSInsecure {
		t.Fatal("expected tls insecure override true")
	}
	if cfg.Bus.DeliveryTimeout != 250 {
		t.Fatalf("expected delivery timeout 250, got %d", cfg.Bus.DeliveryTimeout)
	}
	if cfg.Surface.ID != "tab-7" {
		t.Fatalf("expected surface id override")
	}
	if cfg.Settings.Backend != "jetstream" || cfg.Settings.Bucket != "prefs" {
		t.Fatalf("expected settings override, got %+v", cfg.Settings)
	}
	if cfg.Synthesis.Stability != 0.3 {
		t.Fatalf("expected stability 0.3, got %v", cfg.Synthesis.Stability)
	}
	if cfg.Player.Output != "exec" || cfg.Player.Command != "mpv -" {
		t.Fatalf("expected player override, got %+v", cfg.Player)
	}
	if cfg.EventStore.MaxSurfaces != 12 {
		t.Fatalf("expected max surfaces override")
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rhinos.yaml")
	doc := `surface:
  id: kitchen
settings:
  backend: memory
synthesis:
  mode: mock
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Surface.ID != "kitchen" {
		t.Fatalf("expected surface kitchen, got %q", cfg.Surface.ID)
	}
	if cfg.Settings.Backend != "memory" || cfg.Synthesis.Mode != "mock" {
		t.Fatalf("unexpected settings %+v / %+v", cfg.Settings, cfg.Synthesis)
	}
	if cfg.HTTP.Port != 8787 {
		t.Fatalf("expected default port preserved, got %d", cfg.HTTP.Port)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]func(*Config){
		"surface id with dot": func(c *Config) { c.Surface.ID = "a.b" },
		"unknown backend":     func(c *Config) { c.Settings.Backend = "etcd" },
		"unknown output":      func(c *Config) { c.Player.Output = "alsa" },
		"exec without cmd":    func(c *Config) { c.Player.Output = "exec"; c.Player.Command = "" },
		"stability range":     func(c *Config) { c.Synthesis.Stability = 1.5 },
		"delivery timeout":    func(c *Config) { c.Bus.DeliveryTimeout = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			if err := validate(cfg); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}
