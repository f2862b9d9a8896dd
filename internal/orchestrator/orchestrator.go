package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/rhinos/internal/bus"
	"github.com/loqalabs/rhinos/internal/config"
	"github.com/loqalabs/rhinos/internal/eventstore"
	"github.com/loqalabs/rhinos/internal/protocol"
	"github.com/loqalabs/rhinos/internal/settings"
	"github.com/loqalabs/rhinos/internal/tts"
	"github.com/rs/xid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ErrConfigurationMissing means no API key is stored.
var ErrConfigurationMissing = errors.New("orchestrator: api key not configured")

// MissingKeyMessage is shown on the surface when a trigger arrives before an
// API key was saved.
const MissingKeyMessage = "Please set API Key in extension popup."

const networkFailureMessage = "Network error while contacting the speech service."

// Sender delivers a message to a single receiver. *bus.Client satisfies it.
type Sender interface {
	Deliver(ctx context.Context, subject string, v any) (bus.Delivery, error)
}

// Timeline records orchestration history. May be nil.
type Timeline interface {
	AppendEvent(ctx context.Context, evt eventstore.Event) error
}

type Options struct {
	Synthesis   config.SynthesisConfig
	Settings    settings.Store
	Synthesizer tts.Synthesizer
	Sender      Sender
	Timeline    Timeline
	// Target picks the surface for triggers that do not name one.
	Target func() string
	Logger *slog.Logger
}

// Orchestrator turns triggers into synthesized audio for a surface.
type Orchestrator struct {
	cfg        config.SynthesisConfig
	store      settings.Store
	synth      tts.Synthesizer
	sender     Sender
	timeline   Timeline
	target     func() string
	log        *slog.Logger
	// epoch identifies this instance; generation counts within it.
	epoch      string
	generation atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	tracer   trace.Tracer
	requests metric.Int64Counter
	latency  metric.Float64Histogram
}

func New(parent context.Context, opts Options) *Orchestrator {
	ctx, cancel := context.WithCancel(parent)
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	o := &Orchestrator{
		cfg:      opts.Synthesis,
		store:    opts.Settings,
		synth:    opts.Synthesizer,
		sender:   opts.Sender,
		timeline: opts.Timeline,
		target:   opts.Target,
		log:      log.With(slog.String("component", "orchestrator")),
		epoch:    xid.New().String(),
		ctx:      ctx,
		cancel:   cancel,
		tracer:   otel.Tracer("github.com/loqalabs/rhinos/orchestrator"),
	}
	if err := o.initMetrics(); err != nil {
		o.log.Warn("failed to initialize metrics", slogError(err))
	}
	return o
}

func (o *Orchestrator) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/rhinos/orchestrator")
	requests, err := meter.Int64Counter("rhinos.synthesis.requests",
		metric.WithDescription("Synthesis requests by outcome"))
	if err != nil {
		return err
	}
	latency, err := meter.Float64Histogram("rhinos.synthesis.latency",
		metric.WithDescription("Synthesis round trip"),
		metric.WithUnit("ms"))
	if err != nil {
		return err
	}
	o.requests = requests
	o.latency = latency
	return nil
}

// Close waits for in-flight syntheses after cancelling them.
func (o *Orchestrator) Close() {
	o.cancel()
	o.wg.Wait()
}

// Wait blocks until every in-flight synthesis finished.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// HandleTrigger reads the configuration and, when an API key is present,
// starts synthesis in the background. Failures are reported to the surface,
// never to the caller.
func (o *Orchestrator) HandleTrigger(ctx context.Context, trigger protocol.Trigger) {
	text := strings.TrimSpace(trigger.SelectedText)
	surfaceID := trigger.TargetSurfaceID
	if surfaceID == "" && o.target != nil {
		surfaceID = o.target()
	}
	requestID := xid.New().String()
	log := o.log.With(slog.String("request_id", requestID), slog.String("surface", surfaceID))

	if text == "" {
		log.Info("ignoring trigger without text")
		return
	}
	if surfaceID == "" {
		log.Warn("no surface to read to")
		return
	}
	o.record(ctx, surfaceID, requestID, "trigger", map[string]any{"chars": len(text)})

	cfg, err := o.prepare(ctx, log)
	if errors.Is(err, ErrConfigurationMissing) {
		log.Warn("trigger without api key")
		o.deliverFailure(ctx, surfaceID, requestID, 0, MissingKeyMessage)
		return
	}
	if err != nil {
		log.Error("failed to read configuration", slogError(err))
		o.deliverFailure(ctx, surfaceID, requestID, 0, genericFailure(err))
		return
	}

	generation := o.generation.Add(1)
	req := tts.SynthRequest{
		APIKey:          cfg.APIKey,
		Text:            text,
		VoiceID:         cfg.VoiceID,
		ModelID:         cfg.ModelID,
		Stability:       o.cfg.Stability,
		SimilarityBoost: o.cfg.SimilarityBoost,
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.synthesize(surfaceID, requestID, generation, req, log)
	}()
}

// prepare loads the configuration and rewrites a deprecated model id in
// place. The rewrite is idempotent so concurrent triggers may both write.
func (o *Orchestrator) prepare(ctx context.Context, log *slog.Logger) (settings.Settings, error) {
	cfg, err := settings.Load(ctx, o.store, settings.Defaults{
		VoiceID: o.cfg.DefaultVoice,
		ModelID: o.cfg.DefaultModel,
	})
	if err != nil {
		return cfg, err
	}
	if migrated, changed := settings.MigrateModelID(cfg.ModelID, o.cfg.DefaultModel); changed {
		log.Info("migrating deprecated model", slog.String("from", cfg.ModelID), slog.String("to", migrated))
		cfg.ModelID = migrated
		if err := o.store.Set(ctx, map[string]string{settings.KeyModelID: migrated}); err != nil {
			log.Warn("failed to persist migrated model", slogError(err))
		}
	}
	if cfg.APIKey == "" {
		return cfg, ErrConfigurationMissing
	}
	return cfg, nil
}

func (o *Orchestrator) synthesize(surfaceID, requestID string, generation uint64, req tts.SynthRequest, log *slog.Logger) {
	ctx := o.ctx
	subject := protocol.PlayerSubject(surfaceID)

	status := protocol.Generating()
	status.SurfaceID = surfaceID
	status.Generation = generation
	status.Epoch = o.epoch
	status.RequestID = requestID
	if delivery, err := o.sender.Deliver(ctx, subject, status); err != nil {
		log.Debug("status update not delivered", slogError(err))
	} else if delivery == bus.NoReceiver {
		log.Debug("no player listening for status update")
	}

	ctx, span := o.tracer.Start(ctx, "rhinos.synthesize", trace.WithAttributes(
		attribute.String("rhinos.surface", surfaceID),
		attribute.String("rhinos.request_id", requestID),
		attribute.String("rhinos.voice_id", req.VoiceID),
		attribute.String("rhinos.model_id", req.ModelID),
		attribute.Int("rhinos.text_length", len(req.Text)),
	))
	start := time.Now()
	audio, err := o.synth.Synthesize(ctx, req)
	elapsed := time.Since(start)
	o.observe(ctx, err, elapsed)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		log.Warn("synthesis failed", slogError(err), slog.Duration("latency", elapsed))
		o.record(ctx, surfaceID, requestID, "synthesis_failed", map[string]any{"error": err.Error()})
		o.deliverFailure(ctx, surfaceID, requestID, generation, failureMessage(err))
		return
	}
	span.SetAttributes(attribute.Int("rhinos.audio_bytes", len(audio.Data)))
	span.End()
	log.Info("synthesis complete", slog.Duration("latency", elapsed), slog.Int("bytes", len(audio.Data)))
	o.record(ctx, surfaceID, requestID, "synthesis_complete", map[string]any{"bytes": len(audio.Data), "latency_ms": elapsed.Milliseconds()})

	play := protocol.PlayAudio(protocol.EncodeAudio(audio.ContentType, audio.Data))
	play.SurfaceID = surfaceID
	play.Generation = generation
	play.Epoch = o.epoch
	play.RequestID = requestID
	delivery, err := o.sender.Deliver(ctx, subject, play)
	if err != nil {
		log.Warn("failed to deliver audio", slogError(err))
		return
	}
	if delivery == bus.NoReceiver {
		log.Info("surface went away before audio arrived")
	}
}

func (o *Orchestrator) observe(ctx context.Context, err error, elapsed time.Duration) {
	if o.requests == nil {
		return
	}
	outcome := "success"
	var upstream *tts.UpstreamError
	switch {
	case errors.As(err, &upstream):
		outcome = "rejected"
	case err != nil:
		outcome = "network"
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	o.requests.Add(ctx, 1, attrs)
	o.latency.Record(ctx, float64(elapsed)/float64(time.Millisecond), attrs)
}

func (o *Orchestrator) deliverFailure(ctx context.Context, surfaceID, requestID string, generation uint64, message string) {
	msg := protocol.Failure(message)
	msg.SurfaceID = surfaceID
	msg.Generation = generation
	msg.Epoch = o.epoch
	msg.RequestID = requestID
	if _, err := o.sender.Deliver(ctx, protocol.PlayerSubject(surfaceID), msg); err != nil {
		o.log.Warn("failed to deliver error", slogError(err), slog.String("surface", surfaceID))
	}
}

func (o *Orchestrator) record(ctx context.Context, surfaceID, requestID, eventType string, payload map[string]any) {
	if o.timeline == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if err := o.timeline.AppendEvent(ctx, eventstore.Event{
		SurfaceID: surfaceID,
		TraceID:   requestID,
		ActorID:   "orchestrator",
		Type:      eventType,
		Payload:   data,
	}); err != nil {
		o.log.Debug("failed to record timeline event", slogError(err))
	}
}

// failureMessage is the text shown to the user for a synthesis error. Vendor
// rejections keep the vendor's wording.
func failureMessage(err error) string {
	var upstream *tts.UpstreamError
	if errors.As(err, &upstream) && upstream.Message != "" {
		return upstream.Message
	}
	if errors.Is(err, tts.ErrNetwork) {
		return networkFailureMessage
	}
	return genericFailure(err)
}

func genericFailure(err error) string {
	return fmt.Sprintf("Error: %v", err)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
