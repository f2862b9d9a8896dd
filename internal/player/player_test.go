package player

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/rhinos/internal/audio"
	"github.com/loqalabs/rhinos/internal/protocol"
	"github.com/loqalabs/rhinos/internal/settings"
)

type recordingNotifier struct {
	mu     sync.Mutex
	states []protocol.State
	alerts []protocol.Alert
}

func (r *recordingNotifier) NotifyState(_ context.Context, state protocol.State) {
	r.mu.Lock()
	r.states = append(r.states, state)
	r.mu.Unlock()
}

func (r *recordingNotifier) Alert(_ context.Context, alert protocol.Alert) {
	r.mu.Lock()
	r.alerts = append(r.alerts, alert)
	r.mu.Unlock()
}

func (r *recordingNotifier) States() []protocol.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.State(nil), r.states...)
}

func (r *recordingNotifier) Alerts() []protocol.Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.Alert(nil), r.alerts...)
}

type harness struct {
	t        *testing.T
	player   *Player
	output   *audio.Simulated
	store    *settings.MemoryStore
	notifier *recordingNotifier
}

// slowStore delays every read, widening the gap between PLAY_AUDIO and
// the actual start.
type slowStore struct {
	settings.Store
	delay time.Duration
}

func (s slowStore) Get(ctx context.Context, key string) (string, error) {
	time.Sleep(s.delay)
	return s.Store.Get(ctx, key)
}

func newHarness(t *testing.T, discardStale bool) *harness {
	t.Helper()
	return newHarnessWithStore(t, discardStale, nil)
}

func newHarnessWithStore(t *testing.T, discardStale bool, wrap func(settings.Store) settings.Store) *harness {
	t.Helper()
	h := &harness{
		t:        t,
		output:   audio.NewSimulated(audio.WithoutAutoEnd()),
		store:    settings.NewMemoryStore(),
		notifier: &recordingNotifier{},
	}
	var store settings.Store = h.store
	if wrap != nil {
		store = wrap(store)
	}
	h.player = New(Options{
		SurfaceID:    "tab-1",
		Output:       h.output,
		Settings:     store,
		Notifier:     h.notifier,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		DiscardStale: discardStale,
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.player.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

func (h *harness) send(msg protocol.Message) {
	h.t.Helper()
	if err := h.player.Handle(context.Background(), msg); err != nil {
		h.t.Fatalf("handle %s: %v", msg.Action, err)
	}
}

func (h *harness) snapshot() State {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s, err := h.player.Snapshot(ctx)
	if err != nil {
		h.t.Fatalf("snapshot: %v", err)
	}
	return s
}

func (h *harness) waitFor(desc string, cond func(State) bool) State {
	h.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s := h.snapshot(); cond(s) {
			return s
		}
		time.Sleep(5 * time.Millisecond)
	}
	h.t.Fatalf("timed out waiting for %s; state %+v", desc, h.snapshot())
	return State{}
}

func (h *harness) waitConfirmedPlaying() State {
	h.t.Helper()
	return h.waitFor("confirmed playback", func(s State) bool {
		return s.Status == StatusPlaying && s.Phase == PhaseConfirmed && !h.output.Paused()
	})
}

func audioMessage(generation uint64) protocol.Message {
	msg := protocol.PlayAudio(protocol.EncodeAudio("audio/mpeg", make([]byte, 1600)))
	msg.Generation = generation
	return msg
}

func assertStates(t *testing.T, got []protocol.State, want ...protocol.State) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("states = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("states = %v, want %v", got, want)
		}
	}
}

func TestPlayAudioAnnouncesPlayingImmediately(t *testing.T) {
	h := newHarness(t, true)
	h.send(audioMessage(1))

	s := h.snapshot()
	if s.Status != StatusPlaying {
		t.Fatalf("status = %s, want playing", s.Status)
	}
	if s.SourceToken == "" {
		t.Fatal("expected a source token")
	}
	assertStates(t, h.notifier.States(), protocol.StatePlaying)

	h.waitConfirmedPlaying()
	assertStates(t, h.notifier.States(), protocol.StatePlaying)
}

func TestSourceSwitchNeverAnnouncesPaused(t *testing.T) {
	h := newHarness(t, true)
	h.send(audioMessage(1))
	first := h.waitConfirmedPlaying()

	h.send(audioMessage(2))
	h.output.EmitPause()
	second := h.waitConfirmedPlaying()

	if second.SourceToken == first.SourceToken {
		t.Fatal("expected a fresh source token for the new track")
	}
	for _, st := range h.notifier.States() {
		if st == protocol.StatePaused {
			t.Fatalf("paused announced during source switch: %v", h.notifier.States())
		}
	}
	assertStates(t, h.notifier.States(), protocol.StatePlaying, protocol.StatePlaying)
}

func TestPlaybackSettingsAppliedOnStart(t *testing.T) {
	h := newHarness(t, true)
	if err := h.store.Set(context.Background(), map[string]string{
		settings.KeyVolume: "0.4",
		settings.KeySpeed:  "1.5",
	}); err != nil {
		t.Fatal(err)
	}
	h.send(audioMessage(0))
	s := h.waitConfirmedPlaying()
	if s.Volume != 0.4 || s.Rate != 1.5 {
		t.Fatalf("state volume/rate = %v/%v", s.Volume, s.Rate)
	}
	if h.output.Volume() != 0.4 || h.output.Rate() != 1.5 {
		t.Fatalf("output volume/rate = %v/%v", h.output.Volume(), h.output.Rate())
	}
}

func TestStartFailureRevertsToError(t *testing.T) {
	h := newHarness(t, true)
	h.output.FailNextPlay(errors.New("autoplay blocked"))
	h.send(audioMessage(1))

	h.waitFor("error", func(s State) bool { return s.Status == StatusError })
	assertStates(t, h.notifier.States(), protocol.StatePlaying, protocol.StateError)
}

func TestUndecodableAudioIsPlaybackFailure(t *testing.T) {
	h := newHarness(t, true)
	h.send(protocol.PlayAudio("not a data url"))

	s := h.snapshot()
	if s.Status != StatusError {
		t.Fatalf("status = %s, want error", s.Status)
	}
	assertStates(t, h.notifier.States(), protocol.StatePlaying, protocol.StateError)
}

func TestGetPlayerStateReadsOutput(t *testing.T) {
	h := newHarness(t, true)
	h.send(protocol.Message{Action: protocol.ActionGetPlayerState})
	h.snapshot()
	assertStates(t, h.notifier.States(), protocol.StateStopped)

	h.send(audioMessage(1))
	h.waitConfirmedPlaying()
	h.send(protocol.Message{Action: protocol.ActionGetPlayerState})
	h.snapshot()

	states := h.notifier.States()
	if states[len(states)-1] != protocol.StatePlaying {
		t.Fatalf("GET_PLAYER_STATE while playing answered %v", states)
	}
}

func TestControlPauseToggles(t *testing.T) {
	h := newHarness(t, true)
	h.send(protocol.Message{Action: protocol.ActionControlPause})
	if s := h.snapshot(); s.Status != StatusIdle {
		t.Fatalf("pause with nothing loaded changed status to %s", s.Status)
	}
	if len(h.notifier.States()) != 0 {
		t.Fatalf("unexpected notifications: %v", h.notifier.States())
	}

	h.send(audioMessage(1))
	h.waitConfirmedPlaying()

	h.send(protocol.Message{Action: protocol.ActionControlPause})
	if s := h.snapshot(); s.Status != StatusPaused || !h.output.Paused() {
		t.Fatalf("status = %s paused=%v, want paused", s.Status, h.output.Paused())
	}
	h.send(protocol.Message{Action: protocol.ActionControlPause})
	if s := h.snapshot(); s.Status != StatusPlaying || h.output.Paused() {
		t.Fatalf("status = %s paused=%v, want playing", s.Status, h.output.Paused())
	}
	// let the native events from both toggles drain
	time.Sleep(20 * time.Millisecond)
	assertStates(t, h.notifier.States(), protocol.StatePlaying, protocol.StatePaused, protocol.StatePlaying)
}

func TestStopRewindsAndNotifiesOnce(t *testing.T) {
	h := newHarness(t, true)
	h.send(audioMessage(1))
	h.waitConfirmedPlaying()

	h.send(protocol.Message{Action: protocol.ActionControlStop})
	s := h.snapshot()
	if s.Status != StatusStopped {
		t.Fatalf("status = %s, want stopped", s.Status)
	}
	if h.output.Position() != 0 || !h.output.Paused() {
		t.Fatalf("output not rewound: position=%s paused=%v", h.output.Position(), h.output.Paused())
	}
	time.Sleep(20 * time.Millisecond)
	assertStates(t, h.notifier.States(), protocol.StatePlaying, protocol.StateStopped)

	h.send(protocol.Message{Action: protocol.ActionControlStop})
	h.snapshot()
	assertStates(t, h.notifier.States(), protocol.StatePlaying, protocol.StateStopped, protocol.StateStopped)
}

func TestUpdateSettingsIsIdempotent(t *testing.T) {
	h := newHarness(t, true)
	volume, speed := 0.5, 1.25
	msg := protocol.UpdateSettings(&volume, &speed)
	h.send(msg)
	first := h.snapshot()
	h.send(msg)
	second := h.snapshot()

	if first != second {
		t.Fatalf("second update changed state: %+v vs %+v", first, second)
	}
	if second.Volume != 0.5 || second.Rate != 1.25 {
		t.Fatalf("volume/rate = %v/%v", second.Volume, second.Rate)
	}
	if len(h.notifier.States()) != 0 {
		t.Fatalf("settings update should not notify: %v", h.notifier.States())
	}

	loud := 3.0
	h.send(protocol.UpdateSettings(&loud, nil))
	if s := h.snapshot(); s.Volume != 1 || s.Rate != 1.25 {
		t.Fatalf("partial update = %+v", s)
	}
}

func TestNaturalEndAnnouncesEnded(t *testing.T) {
	h := newHarness(t, true)
	h.send(audioMessage(1))
	h.waitConfirmedPlaying()

	h.output.Finish()
	h.waitFor("ended", func(s State) bool { return s.Status == StatusEnded })
	assertStates(t, h.notifier.States(), protocol.StatePlaying, protocol.StateEnded)
}

func TestGeneratingOnlyFromRest(t *testing.T) {
	h := newHarness(t, true)
	h.send(protocol.Generating())
	if s := h.snapshot(); s.Status != StatusGenerating {
		t.Fatalf("status = %s, want generating", s.Status)
	}

	h.send(audioMessage(0))
	h.waitConfirmedPlaying()
	h.send(protocol.Generating())
	if s := h.snapshot(); s.Status != StatusPlaying {
		t.Fatalf("generating hint interrupted playback: %s", s.Status)
	}
	assertStates(t, h.notifier.States(), protocol.StateGenerating, protocol.StatePlaying)
}

func TestErrorWhileGenerating(t *testing.T) {
	h := newHarness(t, true)
	h.send(protocol.Generating())
	failure := protocol.Failure("Invalid API key")
	failure.RequestID = "req-1"
	h.send(failure)

	if s := h.snapshot(); s.Status != StatusError {
		t.Fatalf("status = %s, want error", s.Status)
	}
	alerts := h.notifier.Alerts()
	if len(alerts) != 1 || alerts[0].Message != "Invalid API key" || alerts[0].SurfaceID != "tab-1" {
		t.Fatalf("alerts = %+v", alerts)
	}
}

func TestErrorWithoutGenerationOnlyAlerts(t *testing.T) {
	h := newHarness(t, true)
	h.send(protocol.Failure("Please set API Key in extension popup."))
	if s := h.snapshot(); s.Status != StatusIdle {
		t.Fatalf("status = %s, want idle", s.Status)
	}
	if len(h.notifier.Alerts()) != 1 {
		t.Fatalf("expected one alert")
	}
	if len(h.notifier.States()) != 0 {
		t.Fatalf("unexpected notifications: %v", h.notifier.States())
	}
}

func TestSupersededAudioDiscarded(t *testing.T) {
	h := newHarness(t, true)
	h.send(audioMessage(2))
	current := h.waitConfirmedPlaying()

	h.send(audioMessage(1))
	if s := h.snapshot(); s.SourceToken != current.SourceToken {
		t.Fatal("older generation replaced the current track")
	}
	assertStates(t, h.notifier.States(), protocol.StatePlaying)
}

func TestStopCancelsPendingGeneration(t *testing.T) {
	h := newHarness(t, true)
	gen := protocol.Generating()
	gen.Generation = 1
	h.send(gen)
	h.send(protocol.Message{Action: protocol.ActionControlStop})
	h.send(audioMessage(1))

	if s := h.snapshot(); s.Status != StatusStopped {
		t.Fatalf("cancelled audio played: %s", s.Status)
	}

	h.send(audioMessage(2))
	if s := h.snapshot(); s.Status != StatusPlaying {
		t.Fatalf("status = %s, want playing", s.Status)
	}
}

func TestStaleAudioKeptWhenDiscardDisabled(t *testing.T) {
	h := newHarness(t, false)
	h.send(audioMessage(2))
	first := h.waitConfirmedPlaying()
	h.send(audioMessage(1))
	if s := h.snapshot(); s.SourceToken == first.SourceToken {
		t.Fatal("expected older generation to play when discard is off")
	}
}

func TestPauseBeforeStartKeepsAudioPaused(t *testing.T) {
	h := newHarnessWithStore(t, true, func(s settings.Store) settings.Store {
		return slowStore{Store: s, delay: 150 * time.Millisecond}
	})
	h.send(audioMessage(1))
	h.send(protocol.Message{Action: protocol.ActionControlPause})
	if s := h.snapshot(); s.Status != StatusPaused {
		t.Fatalf("status = %s, want paused", s.Status)
	}

	// let the deferred start land
	time.Sleep(400 * time.Millisecond)
	if s := h.snapshot(); s.Status != StatusPaused || !h.output.Paused() {
		t.Fatalf("pause did not hold: status=%s outputPaused=%v", s.Status, h.output.Paused())
	}
	assertStates(t, h.notifier.States(), protocol.StatePlaying, protocol.StatePaused)

	h.send(protocol.Message{Action: protocol.ActionControlPause})
	h.waitConfirmedPlaying()
}

func TestNewOrchestratorEpochResetsGenerations(t *testing.T) {
	h := newHarness(t, true)
	old := audioMessage(3)
	old.Epoch = "orch-a"
	h.send(old)
	h.waitConfirmedPlaying()
	h.send(protocol.Message{Action: protocol.ActionControlStop})

	status := protocol.Generating()
	status.Generation = 1
	status.Epoch = "orch-b"
	h.send(status)
	if s := h.snapshot(); s.Status != StatusGenerating {
		t.Fatalf("status = %s, want generating", s.Status)
	}

	fresh := audioMessage(1)
	fresh.Epoch = "orch-b"
	h.send(fresh)
	h.waitConfirmedPlaying()
}

func TestDiscardedAudioLeavesGenerating(t *testing.T) {
	h := newHarness(t, true)
	h.send(audioMessage(3))
	h.waitConfirmedPlaying()
	h.output.Finish()
	h.waitFor("ended", func(s State) bool { return s.Status == StatusEnded })

	late := protocol.Generating()
	late.Generation = 2
	h.send(late)
	h.send(audioMessage(2))

	if s := h.snapshot(); s.Status != StatusEnded {
		t.Fatalf("status = %s, want ended", s.Status)
	}
	assertStates(t, h.notifier.States(),
		protocol.StatePlaying, protocol.StateEnded, protocol.StateGenerating, protocol.StateEnded)
}

func TestStopCancelsGenerationBehindPlayingTrack(t *testing.T) {
	h := newHarness(t, true)
	h.send(audioMessage(1))
	h.waitConfirmedPlaying()

	next := protocol.Generating()
	next.Generation = 2
	h.send(next)
	h.send(protocol.Message{Action: protocol.ActionControlStop})
	h.send(audioMessage(2))

	if s := h.snapshot(); s.Status != StatusStopped {
		t.Fatalf("audio requested before stop still played: %s", s.Status)
	}
}
