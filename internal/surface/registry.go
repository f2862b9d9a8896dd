package surface

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/loqalabs/rhinos/internal/bus"
	"github.com/loqalabs/rhinos/internal/config"
	"github.com/loqalabs/rhinos/internal/protocol"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Info describes a player surface seen on the bus.
type Info struct {
	ID       string    `json:"id"`
	Output   string    `json:"output,omitempty"`
	LastSeen time.Time `json:"last_seen"`
	Healthy  bool      `json:"healthy"`
}

type announceMessage struct {
	SurfaceID string    `json:"surface_id"`
	Output    string    `json:"output,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type heartbeatMessage struct {
	SurfaceID string    `json:"surface_id"`
	Timestamp time.Time `json:"timestamp"`
}

// Registry tracks player surfaces from their announcements and heartbeats.
type Registry struct {
	cfg     config.SurfaceConfig
	log     *slog.Logger
	bus     *bus.Client
	mu      sync.RWMutex
	known   map[string]*Info
	cancel  context.CancelFunc
	subs    []*nats.Subscription
	meter   metric.Meter
	gauge   metric.Int64ObservableGauge
	healthy metric.Int64ObservableGauge
	now     func() time.Time
}

func NewRegistry(ctx context.Context, cfg config.SurfaceConfig, busClient *bus.Client, log *slog.Logger) (*Registry, error) {
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		cfg:    cfg,
		log:    log.With(slog.String("component", "surface-registry")),
		bus:    busClient,
		known:  make(map[string]*Info),
		meter:  otel.Meter("github.com/loqalabs/rhinos/surface"),
		cancel: cancel,
		now:    time.Now,
	}

	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}

	if err := r.subscribe(); err != nil {
		r.cancel()
		return nil, err
	}

	go r.monitorHealth(ctx)
	return r, nil
}

func (r *Registry) Close() {
	if r.cancel != nil {
		r.cancel()
	}
	for _, sub := range r.subs {
		_ = sub.Drain()
	}
}

func (r *Registry) subscribe() error {
	conn := r.bus.Conn()
	announceSub, err := conn.Subscribe(protocol.SubjectSurfaceAnnounce, r.handleAnnounce)
	if err != nil {
		return fmt.Errorf("subscribe announce: %w", err)
	}
	r.subs = append(r.subs, announceSub)

	heartbeatSub, err := conn.Subscribe(protocol.SubjectSurfaceHeartbeat+".*", r.handleHeartbeat)
	if err != nil {
		return fmt.Errorf("subscribe heartbeat: %w", err)
	}
	r.subs = append(r.subs, heartbeatSub)
	// make sure the server has the interest before anyone announces
	return conn.Flush()
}

func (r *Registry) monitorHealth(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.evaluateHealth()
		}
	}
}

func (r *Registry) handleAnnounce(msg *nats.Msg) {
	var announcement announceMessage
	if err := json.Unmarshal(msg.Data, &announcement); err != nil {
		r.log.Warn("invalid announce message", slog.String("error", err.Error()))
		return
	}
	if announcement.SurfaceID == "" {
		return
	}
	if announcement.Timestamp.IsZero() {
		announcement.Timestamp = r.now().UTC()
	}
	r.log.Info("surface announced", slog.String("surface", announcement.SurfaceID), slog.String("output", announcement.Output))
	r.update(announcement.SurfaceID, announcement.Output, announcement.Timestamp)
}

func (r *Registry) handleHeartbeat(msg *nats.Msg) {
	var hb heartbeatMessage
	if err := json.Unmarshal(msg.Data, &hb); err != nil {
		r.log.Warn("invalid heartbeat message", slog.String("error", err.Error()))
		return
	}
	if hb.SurfaceID == "" {
		return
	}
	if hb.Timestamp.IsZero() {
		hb.Timestamp = r.now().UTC()
	}
	r.update(hb.SurfaceID, "", hb.Timestamp)
}

func (r *Registry) update(surfaceID, output string, timestamp time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, ok := r.known[surfaceID]
	if !ok {
		info = &Info{ID: surfaceID}
		r.known[surfaceID] = info
	}
	if output != "" {
		info.Output = output
	}
	if timestamp.After(info.LastSeen) {
		info.LastSeen = timestamp
	}
	info.Healthy = true
}

func (r *Registry) evaluateHealth() {
	r.mu.Lock()
	defer r.mu.Unlock()

	timeout := time.Duration(r.cfg.HeartbeatTimeout) * time.Millisecond
	now := r.now()
	for _, info := range r.known {
		if now.Sub(info.LastSeen) > timeout {
			info.Healthy = false
		}
	}
}

// List returns every known surface, most recently seen first.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Info, 0, len(r.known))
	for _, info := range r.known {
		out = append(out, *info)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastSeen.Equal(out[j].LastSeen) {
			return out[i].ID < out[j].ID
		}
		return out[i].LastSeen.After(out[j].LastSeen)
	})
	return out
}

// Active returns the most recently seen healthy surface.
func (r *Registry) Active() (Info, bool) {
	for _, info := range r.List() {
		if info.Healthy {
			return info, true
		}
	}
	return Info{}, false
}

func (r *Registry) initMetrics() error {
	if r.meter == nil {
		return nil
	}
	gauge, err := r.meter.Int64ObservableGauge("rhinos.surfaces.known", metric.WithDescription("Number of known player surfaces"))
	if err != nil {
		return err
	}
	healthy, err := r.meter.Int64ObservableGauge("rhinos.surfaces.healthy", metric.WithDescription("Player surfaces with a recent heartbeat"))
	if err != nil {
		return err
	}
	r.gauge = gauge
	r.healthy = healthy
	_, err = r.meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		known, up := r.snapshotCounts()
		obs.ObserveInt64(gauge, known)
		obs.ObserveInt64(healthy, up)
		return nil
	}, gauge, healthy)
	return err
}

func (r *Registry) snapshotCounts() (int64, int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var known, up int64
	for _, info := range r.known {
		known++
		if info.Healthy {
			up++
		}
	}
	return known, up
}
