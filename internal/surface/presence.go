package surface

import (
	"context"
	"log/slog"
	"time"

	"github.com/loqalabs/rhinos/internal/bus"
	"github.com/loqalabs/rhinos/internal/config"
	"github.com/loqalabs/rhinos/internal/protocol"
)

// Presence announces a local player surface and keeps it alive with
// heartbeats until closed.
type Presence struct {
	cfg    config.SurfaceConfig
	output string
	bus    *bus.Client
	log    *slog.Logger
	cancel context.CancelFunc
	done   chan struct{}
}

func StartPresence(ctx context.Context, cfg config.SurfaceConfig, output string, busClient *bus.Client, log *slog.Logger) *Presence {
	ctx, cancel := context.WithCancel(ctx)
	p := &Presence{
		cfg:    cfg,
		output: output,
		bus:    busClient,
		log:    log.With(slog.String("component", "surface-presence"), slog.String("surface", cfg.ID)),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	if err := p.announce(); err != nil {
		p.log.Warn("failed to announce surface", slog.String("error", err.Error()))
	}
	go p.run(ctx)
	return p
}

func (p *Presence) Close() {
	p.cancel()
	<-p.done
}

func (p *Presence) run(ctx context.Context) {
	defer close(p.done)
	interval := time.Duration(p.cfg.HeartbeatInterval) * time.Millisecond
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.heartbeat(); err != nil {
				p.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
			}
		}
	}
}

func (p *Presence) announce() error {
	return p.bus.Publish(protocol.SubjectSurfaceAnnounce, announceMessage{
		SurfaceID: p.cfg.ID,
		Output:    p.output,
		Timestamp: time.Now().UTC(),
	})
}

func (p *Presence) heartbeat() error {
	return p.bus.Publish(protocol.HeartbeatSubject(p.cfg.ID), heartbeatMessage{
		SurfaceID: p.cfg.ID,
		Timestamp: time.Now().UTC(),
	})
}
