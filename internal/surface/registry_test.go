package surface

import (
	"context"
	"testing"
	"time"

	"github.com/loqalabs/rhinos/internal/bus/bustest"
	"github.com/loqalabs/rhinos/internal/config"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestRegistryTracksPresence(t *testing.T) {
	client := bustest.Start(t)
	ctx := context.Background()
	cfg := config.SurfaceConfig{ID: "tab-1", HeartbeatInterval: 20, HeartbeatTimeout: 200}

	reg, err := NewRegistry(ctx, cfg, client, bustest.Logger())
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	t.Cleanup(reg.Close)

	presence := StartPresence(ctx, cfg, "simulated", client, bustest.Logger())
	t.Cleanup(presence.Close)

	waitFor(t, func() bool {
		info, ok := reg.Active()
		return ok && info.ID == "tab-1" && info.Output == "simulated"
	})
}

func TestActivePrefersMostRecentHealthy(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	reg := &Registry{
		cfg:   config.SurfaceConfig{ID: "local", HeartbeatTimeout: 1000},
		log:   bustest.Logger(),
		known: make(map[string]*Info),
		now:   func() time.Time { return now },
	}
	reg.update("old-tab", "", now.Add(-5*time.Second))
	reg.update("new-tab", "", now.Add(-100*time.Millisecond))
	reg.update("stale-tab", "", now.Add(-10*time.Second))

	info, ok := reg.Active()
	if !ok || info.ID != "new-tab" {
		t.Fatalf("active = %+v, want new-tab", info)
	}

	reg.evaluateHealth()
	list := reg.List()
	if len(list) != 3 {
		t.Fatalf("expected 3 surfaces, got %d", len(list))
	}
	for _, s := range list {
		if s.ID != "new-tab" && s.Healthy {
			t.Fatalf("%s should be unhealthy", s.ID)
		}
	}

	now = now.Add(time.Hour)
	reg.evaluateHealth()
	if _, ok := reg.Active(); ok {
		t.Fatal("expected no healthy surface after timeout")
	}
}
