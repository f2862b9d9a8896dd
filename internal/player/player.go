package player

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/rhinos/internal/audio"
	"github.com/loqalabs/rhinos/internal/eventstore"
	"github.com/loqalabs/rhinos/internal/protocol"
	"github.com/loqalabs/rhinos/internal/settings"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Notifier carries the player's outbound messages. Implementations must not
// block on absent listeners.
type Notifier interface {
	NotifyState(ctx context.Context, state protocol.State)
	Alert(ctx context.Context, alert protocol.Alert)
}

// Timeline records playback history. May be nil.
type Timeline interface {
	AppendEvent(ctx context.Context, evt eventstore.Event) error
}

type Options struct {
	SurfaceID string
	Output    audio.Output
	Settings  settings.Store
	Notifier  Notifier
	Timeline  Timeline
	Logger    *slog.Logger
	// DiscardStale drops PLAY_AUDIO messages from superseded or stopped
	// generations.
	DiscardStale bool
}

// startReady carries volume and rate read for a freshly loaded source.
type startReady struct {
	token  string
	volume float64
	rate   float64
	err    error
}

type item struct {
	msg   *protocol.Message
	start *startReady
}

// Player owns one audio output and the authoritative playback state of a
// surface. All state lives on the goroutine running Run; everything else
// talks to it through Handle and Snapshot.
type Player struct {
	surfaceID    string
	output       audio.Output
	store        settings.Store
	notifier     Notifier
	timeline     Timeline
	log          *slog.Logger
	discardStale bool
	newToken     func() string

	inbox   chan item
	queries chan chan State

	state         State
	pendingStart  string
	epoch         string
	acceptedGen   uint64
	generatingGen uint64
	cancelledGen  uint64
	// restingBefore is the status Generating was entered from.
	restingBefore Status

	transitions metric.Int64Counter
}

func New(opts Options) *Player {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	p := &Player{
		surfaceID:    opts.SurfaceID,
		output:       opts.Output,
		store:        opts.Settings,
		notifier:     opts.Notifier,
		timeline:     opts.Timeline,
		log:          log.With(slog.String("component", "player"), slog.String("surface", opts.SurfaceID)),
		discardStale: opts.DiscardStale,
		newToken:     uuid.NewString,
		inbox:        make(chan item, 64),
		queries:      make(chan chan State),
		state: State{
			Status: StatusIdle,
			Volume: settings.DefaultVolume,
			Rate:   settings.DefaultSpeed,
		},
	}
	counter, err := otel.Meter("github.com/loqalabs/rhinos/player").Int64Counter(
		"rhinos.player.transitions",
		metric.WithDescription("Playback status transitions announced by players"),
	)
	if err != nil {
		p.log.Warn("failed to initialize metrics", slogError(err))
	}
	p.transitions = counter
	return p
}

// Handle queues a message for the player loop.
func (p *Player) Handle(ctx context.Context, msg protocol.Message) error {
	select {
	case p.inbox <- item{msg: &msg}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot returns the current state as seen by the loop, after every
// message queued before the call has been handled.
func (p *Player) Snapshot(ctx context.Context) (State, error) {
	reply := make(chan State, 1)
	select {
	case p.queries <- reply:
	case <-ctx.Done():
		return State{}, ctx.Err()
	}
	select {
	case s := <-reply:
		return s, nil
	case <-ctx.Done():
		return State{}, ctx.Err()
	}
}

// Run processes messages and native output events until ctx is done, then
// releases the output.
func (p *Player) Run(ctx context.Context) {
	defer func() {
		if err := p.output.Close(); err != nil {
			p.log.Warn("failed to close audio output", slogError(err))
		}
	}()
	events := p.output.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case it := <-p.inbox:
			switch {
			case it.msg != nil:
				p.handleMessage(ctx, *it.msg)
			case it.start != nil:
				p.handleStart(ctx, *it.start)
			}
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			p.handleNative(ctx, ev)
		case reply := <-p.queries:
			// drain queued messages first so Snapshot observes them
			p.drainInbox(ctx)
			reply <- p.state
		}
	}
}

func (p *Player) drainInbox(ctx context.Context) {
	for {
		select {
		case it := <-p.inbox:
			switch {
			case it.msg != nil:
				p.handleMessage(ctx, *it.msg)
			case it.start != nil:
				p.handleStart(ctx, *it.start)
			}
		default:
			return
		}
	}
}

func (p *Player) handleMessage(ctx context.Context, m protocol.Message) {
	switch m.Action {
	case protocol.ActionPlayAudio:
		p.playAudio(ctx, m)
	case protocol.ActionStatusUpdate:
		p.statusUpdate(ctx, m)
	case protocol.ActionError:
		p.remoteError(ctx, m)
	case protocol.ActionControlPause:
		p.togglePause(ctx)
	case protocol.ActionControlStop:
		p.stop(ctx)
	case protocol.ActionUpdateSettings:
		p.updateSettings(m)
	case protocol.ActionGetPlayerState:
		p.reportState(ctx)
	default:
		p.log.Warn("ignoring message", slog.String("action", string(m.Action)))
	}
}

func (p *Player) playAudio(ctx context.Context, m protocol.Message) {
	p.observeEpoch(m.Epoch)
	if p.stale(m.Generation) {
		p.log.Info("discarding superseded audio",
			slog.Uint64("generation", m.Generation),
			slog.Uint64("accepted", p.acceptedGen),
			slog.Uint64("cancelled", p.cancelledGen))
		p.record(ctx, "audio_discarded", map[string]any{"generation": m.Generation, "request_id": m.RequestID})
		if p.state.Status == StatusGenerating && m.Generation == p.generatingGen {
			p.abandonGenerating(ctx)
		}
		return
	}
	if m.Generation > p.acceptedGen {
		p.acceptedGen = m.Generation
	}

	token := p.newToken()
	p.state.SourceToken = token
	p.pendingStart = ""
	p.transition(ctx, StatusPlaying, PhaseTentative, true)

	contentType, data, err := protocol.DecodeAudio(m.AudioData)
	if err != nil {
		p.fail(ctx, fmt.Errorf("%w: %v", audio.ErrPlaybackFailed, err))
		return
	}
	if err := p.output.Load(contentType, data); err != nil {
		p.fail(ctx, fmt.Errorf("%w: load: %v", audio.ErrPlaybackFailed, err))
		return
	}
	p.pendingStart = token

	go func() {
		lctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		volume, rate, err := settings.LoadPlayback(lctx, p.store)
		select {
		case p.inbox <- item{start: &startReady{token: token, volume: volume, rate: rate, err: err}}:
		case <-ctx.Done():
		}
	}()
}

// abandonGenerating returns to the resting status Generating was entered
// from. Idle has no wire form, so observers are told the player stopped.
func (p *Player) abandonGenerating(ctx context.Context) {
	if p.restingBefore == StatusIdle {
		p.state.Status = StatusIdle
		p.state.Phase = PhaseConfirmed
		p.notify(ctx, protocol.StateStopped)
		return
	}
	p.transition(ctx, p.restingBefore, PhaseConfirmed, false)
}

// observeEpoch restarts generation bookkeeping when messages start coming
// from a different orchestrator instance.
func (p *Player) observeEpoch(epoch string) {
	if epoch == "" || epoch == p.epoch {
		return
	}
	if p.epoch != "" {
		p.log.Info("orchestrator changed, resetting generations",
			slog.String("from", p.epoch), slog.String("to", epoch))
	}
	p.epoch = epoch
	p.acceptedGen = 0
	p.generatingGen = 0
	p.cancelledGen = 0
}

func (p *Player) stale(generation uint64) bool {
	if !p.discardStale || generation == 0 {
		return false
	}
	return generation < p.acceptedGen || generation <= p.cancelledGen
}

func (p *Player) handleStart(ctx context.Context, s startReady) {
	if s.token != p.state.SourceToken {
		return
	}
	if s.err != nil {
		p.log.Warn("failed to read playback settings, using defaults", slogError(s.err))
	}
	p.state.Volume = s.volume
	p.state.Rate = s.rate
	p.output.SetVolume(s.volume)
	p.output.SetRate(s.rate)

	if s.token != p.pendingStart {
		// paused, stopped or failed while the settings were loading
		return
	}
	p.pendingStart = ""
	if p.state.Status != StatusPlaying || p.state.Phase != PhaseTentative {
		return
	}
	if err := p.output.Play(); err != nil {
		p.fail(ctx, err)
	}
}

func (p *Player) statusUpdate(ctx context.Context, m protocol.Message) {
	p.observeEpoch(m.Epoch)
	if m.Status != string(protocol.StateGenerating) {
		p.log.Debug("status hint", slog.String("status", m.Status))
		return
	}
	if m.Generation > p.generatingGen {
		p.generatingGen = m.Generation
	}
	if !p.state.Status.resting() {
		p.log.Debug("generating next track while playing", slog.String("status", p.state.Status.String()))
		return
	}
	if p.state.Status != StatusGenerating {
		p.restingBefore = p.state.Status
	}
	p.transition(ctx, StatusGenerating, PhaseConfirmed, false)
}

func (p *Player) remoteError(ctx context.Context, m protocol.Message) {
	p.log.Error("synthesis failed", slog.String("message", m.Message), slog.String("request_id", m.RequestID))
	p.alert(ctx, m.Message, m.RequestID)
	if p.state.Status == StatusGenerating {
		p.transition(ctx, StatusError, PhaseConfirmed, false)
	}
}

// togglePause decides from the output's own paused flag, not from the last
// announced status.
func (p *Player) togglePause(ctx context.Context) {
	if p.state.SourceToken == "" {
		p.log.Info("pause requested with nothing loaded")
		return
	}
	if p.pendingStart != "" {
		// loaded but not started yet; cancel the start instead of playing
		p.pendingStart = ""
		p.output.Pause()
		p.transition(ctx, StatusPaused, PhaseConfirmed, false)
		return
	}
	if !p.output.Paused() {
		p.output.Pause()
		p.transition(ctx, StatusPaused, PhaseConfirmed, false)
		return
	}
	if err := p.output.Play(); err != nil {
		p.fail(ctx, err)
		return
	}
	p.transition(ctx, StatusPlaying, PhaseConfirmed, false)
}

func (p *Player) stop(ctx context.Context) {
	p.output.Pause()
	p.output.Seek(0)
	p.pendingStart = ""
	// a synthesis still in flight is cancelled too, even behind a playing track
	if p.generatingGen > p.acceptedGen && p.generatingGen > p.cancelledGen {
		p.cancelledGen = p.generatingGen
	}
	p.transition(ctx, StatusStopped, PhaseConfirmed, true)
}

func (p *Player) updateSettings(m protocol.Message) {
	if m.Volume != nil {
		p.state.Volume = settings.ClampVolume(*m.Volume)
		p.output.SetVolume(p.state.Volume)
	}
	if m.Speed != nil {
		p.state.Rate = settings.ClampSpeed(*m.Speed)
		p.output.SetRate(p.state.Rate)
	}
}

// reportState answers a controller query from the output itself. It is not
// a transition and leaves the status untouched.
func (p *Player) reportState(ctx context.Context) {
	state := protocol.StateStopped
	if !p.output.Paused() {
		state = protocol.StatePlaying
	}
	p.notify(ctx, state)
}

func (p *Player) handleNative(ctx context.Context, ev audio.Event) {
	switch ev.Kind {
	case audio.EventPlay:
		if p.output.Paused() {
			return
		}
		if p.state.Phase == PhaseTentative {
			p.state.Phase = PhaseConfirmed
			p.log.Debug("playback confirmed", slog.String("token", p.state.SourceToken))
			return
		}
		p.transition(ctx, StatusPlaying, PhaseConfirmed, false)
	case audio.EventPause:
		if p.state.Phase == PhaseTentative {
			p.log.Debug("suppressed pause during source switch")
			return
		}
		if p.state.Status == StatusPlaying && p.output.Paused() {
			p.transition(ctx, StatusPaused, PhaseConfirmed, false)
		}
	case audio.EventEnded:
		if p.state.Phase == PhaseTentative {
			return
		}
		if p.state.Status == StatusPlaying || p.state.Status == StatusPaused {
			p.transition(ctx, StatusEnded, PhaseConfirmed, false)
		}
	}
}

func (p *Player) fail(ctx context.Context, err error) {
	p.log.Error("playback failed", slogError(err))
	p.pendingStart = ""
	p.transition(ctx, StatusError, PhaseConfirmed, false)
}

// transition applies a status and announces it when it changed, or always
// when force is set.
func (p *Player) transition(ctx context.Context, status Status, phase Phase, force bool) {
	changed := p.state.Status != status
	p.state.Status = status
	p.state.Phase = phase
	if !changed && !force {
		return
	}
	wire, ok := status.Wire()
	if !ok {
		return
	}
	if p.transitions != nil {
		p.transitions.Add(ctx, 1, metric.WithAttributes(attribute.String("state", string(wire))))
	}
	p.log.Debug("status changed", slog.String("status", status.String()), slog.String("phase", phase.String()))
	p.record(ctx, "player_state", map[string]any{"state": wire, "token": p.state.SourceToken})
	p.notify(ctx, wire)
}

func (p *Player) notify(ctx context.Context, state protocol.State) {
	if p.notifier == nil {
		return
	}
	p.notifier.NotifyState(ctx, state)
}

func (p *Player) alert(ctx context.Context, message, requestID string) {
	p.record(ctx, "alert", map[string]any{"message": message, "request_id": requestID})
	if p.notifier == nil {
		return
	}
	p.notifier.Alert(ctx, protocol.Alert{
		SurfaceID: p.surfaceID,
		Message:   message,
		RequestID: requestID,
		Timestamp: time.Now().UTC(),
	})
}

func (p *Player) record(ctx context.Context, eventType string, payload map[string]any) {
	if p.timeline == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if err := p.timeline.AppendEvent(ctx, eventstore.Event{
		SurfaceID: p.surfaceID,
		ActorID:   "player",
		Type:      eventType,
		Payload:   data,
	}); err != nil && !errors.Is(err, context.Canceled) {
		p.log.Warn("failed to record timeline event", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
