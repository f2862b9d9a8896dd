package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/rhinos/internal/audio"
	"github.com/loqalabs/rhinos/internal/bus"
	"github.com/loqalabs/rhinos/internal/config"
	"github.com/loqalabs/rhinos/internal/controller"
	"github.com/loqalabs/rhinos/internal/eventstore"
	"github.com/loqalabs/rhinos/internal/natsserver"
	"github.com/loqalabs/rhinos/internal/orchestrator"
	"github.com/loqalabs/rhinos/internal/player"
	"github.com/loqalabs/rhinos/internal/settings"
	"github.com/loqalabs/rhinos/internal/surface"
	"github.com/loqalabs/rhinos/internal/tts"
)

type Runtime struct {
	cfg           config.Config
	logger        *slog.Logger
	httpServer    *http.Server
	metricsServer *http.Server
	tracerClose   func(context.Context) error
	ready         atomic.Bool
	wg            sync.WaitGroup

	embedded     *natsserver.EmbeddedServer
	bus          *bus.Client
	settings     settings.Store
	events       *eventstore.Store
	surfaces     *surface.Registry
	presence     *surface.Presence
	orchestrator *orchestrator.Service
	player       *player.Service
	controller   *controller.Service
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	if err := r.startComponents(ctx); err != nil {
		r.stopComponents()
		r.closeTelemetry(context.Background())
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}
	r.registerAPI(mux)

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.serve(r.httpServer, "http")

	if metricsHandler != nil && r.cfg.Telemetry.PrometheusBind != "" && r.cfg.Telemetry.PrometheusBind != addr {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metricsHandler)
		r.metricsServer = &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.serve(r.metricsServer, "metrics")
	}

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr), slog.String("surface", r.cfg.Surface.ID))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	for _, srv := range []*http.Server{r.httpServer, r.metricsServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()

	r.stopComponents()
	r.closeTelemetry(shutdownCtx)
	return nil
}

func (r *Runtime) serve(srv *http.Server, name string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("server", name), slog.String("error", err.Error()))
		}
	}()
}

func (r *Runtime) startComponents(ctx context.Context) error {
	busCfg := r.cfg.Bus
	if busCfg.Embedded {
		srv, err := natsserver.Start(busCfg, r.logger)
		if err != nil {
			return err
		}
		r.embedded = srv
		busCfg.Servers = []string{srv.ClientURL()}
	}

	busClient, err := bus.Connect(ctx, busCfg, r.cfg.RuntimeName, r.logger)
	if err != nil {
		return err
	}
	r.bus = busClient

	store, err := settings.Open(ctx, r.cfg.Settings, busClient.JetStream())
	if err != nil {
		return fmt.Errorf("open settings store: %w", err)
	}
	r.settings = store
	r.logger.Info("settings store ready", slog.String("backend", r.cfg.Settings.Backend))

	events, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	r.events = events

	registry, err := surface.NewRegistry(ctx, r.cfg.Surface, busClient, r.logger)
	if err != nil {
		return fmt.Errorf("start surface registry: %w", err)
	}
	r.surfaces = registry

	synth, voices := newSynthesis(r.cfg.Synthesis)

	if r.cfg.Player.Enabled {
		if err := r.startPlayer(ctx); err != nil {
			return err
		}
	}

	if r.cfg.Orchestrator.Enabled {
		orch := orchestrator.New(ctx, orchestrator.Options{
			Synthesis:   r.cfg.Synthesis,
			Settings:    store,
			Synthesizer: synth,
			Sender:      busClient,
			Timeline:    events,
			Target:      r.targetSurface,
			Logger:      r.logger,
		})
		r.orchestrator = orchestrator.NewService(r.cfg.Orchestrator, busClient, orch, r.logger)
		if err := r.orchestrator.Start(); err != nil {
			return err
		}
	}

	if r.cfg.Controller.Enabled {
		ctrl := controller.New(controller.Options{
			Settings:     store,
			Voices:       voices,
			Sender:       busClient,
			Target:       r.targetSurface,
			DefaultVoice: r.cfg.Synthesis.DefaultVoice,
			Logger:       r.logger,
		})
		r.controller = controller.NewService(r.cfg.Controller, busClient, ctrl, r.logger)
		if err := r.controller.Start(); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runtime) startPlayer(ctx context.Context) error {
	output, err := newOutput(r.cfg.Player)
	if err != nil {
		return err
	}
	surfaceID := r.cfg.Surface.ID
	p := player.New(player.Options{
		SurfaceID:    surfaceID,
		Output:       output,
		Settings:     r.settings,
		Notifier:     player.NewBusNotifier(r.bus, surfaceID, r.logger),
		Timeline:     r.events,
		Logger:       r.logger,
		DiscardStale: r.cfg.Player.DiscardStaleAudio,
	})
	r.player = player.NewService(ctx, r.cfg.Player, surfaceID, r.bus, p, r.logger)
	if err := r.player.Start(); err != nil {
		return err
	}
	r.presence = surface.StartPresence(ctx, r.cfg.Surface, r.cfg.Player.Output, r.bus, r.logger)
	return nil
}

func (r *Runtime) stopComponents() {
	if r.controller != nil {
		r.controller.Close()
	}
	if r.orchestrator != nil {
		r.orchestrator.Close()
	}
	if r.presence != nil {
		r.presence.Close()
	}
	if r.player != nil {
		r.player.Close()
	}
	if r.surfaces != nil {
		r.surfaces.Close()
	}
	if r.events != nil {
		if err := r.events.Close(); err != nil {
			r.logger.Warn("event store close error", slog.String("error", err.Error()))
		}
	}
	if r.settings != nil {
		if err := r.settings.Close(); err != nil {
			r.logger.Warn("settings store close error", slog.String("error", err.Error()))
		}
	}
	if r.bus != nil {
		r.bus.Close()
	}
	r.embedded.Shutdown()
}

func (r *Runtime) closeTelemetry(ctx context.Context) {
	if r.tracerClose == nil {
		return
	}
	if err := r.tracerClose(ctx); err != nil {
		r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
	}
}

// targetSurface picks the surface a trigger or control request goes to: the
// pinned controller surface, else the most recently seen healthy surface,
// else the local one.
func (r *Runtime) targetSurface() string {
	if r.cfg.Controller.Surface != "" {
		return r.cfg.Controller.Surface
	}
	if r.surfaces != nil {
		if info, ok := r.surfaces.Active(); ok {
			return info.ID
		}
	}
	return r.cfg.Surface.ID
}

func newSynthesis(cfg config.SynthesisConfig) (tts.Synthesizer, tts.VoiceLister) {
	if cfg.Mode == "mock" {
		m := tts.NewMock()
		return m, m
	}
	el := tts.NewElevenLabs(cfg.BaseURL, time.Duration(cfg.TimeoutMS)*time.Millisecond)
	return el, el
}

func newOutput(cfg config.PlayerConfig) (audio.Output, error) {
	switch cfg.Output {
	case "exec":
		out, err := audio.NewExec(cfg.Command)
		if err != nil {
			return nil, fmt.Errorf("create exec audio output: %w", err)
		}
		return out, nil
	default:
		return audio.NewSimulated(), nil
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.componentsHealthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) componentsHealthy() bool {
	if !r.bus.Healthy() {
		return false
	}
	if r.player != nil && !r.player.Healthy() {
		return false
	}
	if r.orchestrator != nil && !r.orchestrator.Healthy() {
		return false
	}
	if r.controller != nil && !r.controller.Healthy() {
		return false
	}
	return true
}
