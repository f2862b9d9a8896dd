package controller

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/loqalabs/rhinos/internal/bus"
	"github.com/loqalabs/rhinos/internal/protocol"
	"github.com/loqalabs/rhinos/internal/settings"
	"github.com/loqalabs/rhinos/internal/tts"
)

type fakeSender struct {
	mu       sync.Mutex
	delivery bus.Delivery
	subjects []string
	messages []protocol.Message
}

func (f *fakeSender) Deliver(_ context.Context, subject string, v any) (bus.Delivery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subjects = append(f.subjects, subject)
	if m, ok := v.(protocol.Message); ok {
		f.messages = append(f.messages, m)
	}
	return f.delivery, nil
}

func (f *fakeSender) Messages() []protocol.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.Message(nil), f.messages...)
}

type fakeVoices struct {
	validKey string
	calls    int
}

func (f *fakeVoices) Voices(_ context.Context, apiKey string) ([]tts.Voice, error) {
	f.calls++
	if apiKey != f.validKey {
		return nil, &tts.UpstreamError{StatusCode: 401, Message: "Invalid API key"}
	}
	return []tts.Voice{
		{ID: "v1", Name: "George", Accent: "british"},
		{ID: "v2", Name: "Sarah"},
	}, nil
}

func newTestController(store settings.Store, sender *fakeSender, voices *fakeVoices) *Controller {
	return New(Options{
		Settings: store,
		Voices:   voices,
		Sender:   sender,
		Target:   func() string { return "tab-1" },
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func TestActivateStartsUnknownAndQueries(t *testing.T) {
	sender := &fakeSender{delivery: bus.Delivered}
	c := newTestController(settings.NewMemoryStore(), sender, &fakeVoices{})

	if v := c.View(); v.Playback != PlaybackUnknown || v.StatusText != textChecking {
		t.Fatalf("initial view = %+v", v)
	}
	if err := c.Activate(context.Background()); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if v := c.View(); v.Playback != PlaybackUnknown {
		t.Fatalf("view assumed %s before the player answered", v.Playback)
	}
	msgs := sender.Messages()
	if len(msgs) != 1 || msgs[0].Action != protocol.ActionGetPlayerState {
		t.Fatalf("expected GET_PLAYER_STATE, got %+v", msgs)
	}
	if sender.subjects[0] != protocol.PlayerSubject("tab-1") {
		t.Fatalf("subject = %s", sender.subjects[0])
	}

	c.HandlePlayerState(protocol.Message{Action: protocol.ActionPlayerState, State: protocol.StatePlaying, SurfaceID: "tab-1"})
	if v := c.View(); v.Playback != PlaybackPlaying || v.StatusText != textPlaying {
		t.Fatalf("view = %+v, want playing", v)
	}
}

func TestActivateWithoutPlayer(t *testing.T) {
	sender := &fakeSender{delivery: bus.NoReceiver}
	c := newTestController(settings.NewMemoryStore(), sender, &fakeVoices{})
	if err := c.Activate(context.Background()); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if v := c.View(); v.Playback != PlaybackNoPlayer || v.StatusText != textNoPlayer {
		t.Fatalf("view = %+v", v)
	}
}

func TestPlayerStateMapping(t *testing.T) {
	c := newTestController(settings.NewMemoryStore(), &fakeSender{}, &fakeVoices{})
	cases := []struct {
		state protocol.State
		want  Playback
		text  string
	}{
		{protocol.StatePaused, PlaybackPaused, textPaused},
		{protocol.StateEnded, PlaybackFinished, textFinished},
		{protocol.StateStopped, PlaybackFinished, textFinished},
		{protocol.StateGenerating, PlaybackGenerating, textGenerating},
	}
	for _, tc := range cases {
		c.HandlePlayerState(protocol.PlayerState(tc.state))
		if v := c.View(); v.Playback != tc.want || v.StatusText != tc.text {
			t.Fatalf("%s: view = %s/%q", tc.state, v.Playback, v.StatusText)
		}
	}

	c.HandlePlayerState(protocol.Message{Action: protocol.ActionPlayerState, State: protocol.StatePlaying, SurfaceID: "other-tab"})
	if v := c.View(); v.Playback == PlaybackPlaying {
		t.Fatal("state from another surface applied")
	}
}

func TestInvalidKeyIsNotStored(t *testing.T) {
	store := settings.NewMemoryStore()
	_ = store.Set(context.Background(), map[string]string{settings.KeyAPIKey: "good-key"})
	writes := store.Writes()
	c := newTestController(store, &fakeSender{delivery: bus.Delivered}, &fakeVoices{validKey: "good-key"})

	err := c.SubmitKey(context.Background(), "bad-key")
	if !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey, got %v", err)
	}
	if store.Writes() != writes {
		t.Fatal("rejected key was written")
	}
	key, _ := store.Get(context.Background(), settings.KeyAPIKey)
	if key != "good-key" {
		t.Fatalf("stored key = %q, previous key should survive", key)
	}
	v := c.View()
	if !v.Key.Editable || v.Key.Locked || !v.Key.CanRetry || v.Key.Error == "" {
		t.Fatalf("key view = %+v", v.Key)
	}
}

func TestValidKeyLocksAndLoadsVoices(t *testing.T) {
	store := settings.NewMemoryStore()
	c := newTestController(store, &fakeSender{delivery: bus.Delivered}, &fakeVoices{validKey: "good-key"})

	if err := c.SubmitKey(context.Background(), "  good-key "); err != nil {
		t.Fatalf("submit: %v", err)
	}
	key, _ := store.Get(context.Background(), settings.KeyAPIKey)
	if key != "good-key" {
		t.Fatalf("stored key = %q", key)
	}
	v := c.View()
	if !v.Key.Locked || v.Key.Editable || !v.Key.CanRemove {
		t.Fatalf("key view = %+v", v.Key)
	}
	if len(v.Voices) != 2 || v.Voices[0].Label != "George (british)" || v.Voices[1].Label != "Sarah" {
		t.Fatalf("voices = %+v", v.Voices)
	}
}

func TestEmptyKeyRejectedWithoutNetwork(t *testing.T) {
	voices := &fakeVoices{validKey: "good-key"}
	c := newTestController(settings.NewMemoryStore(), &fakeSender{}, voices)
	if err := c.SubmitKey(context.Background(), "   "); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey, got %v", err)
	}
	if voices.calls != 0 {
		t.Fatal("empty key should not reach the voice listing")
	}
}

func TestRemoveKeyClearsKeyAndVoice(t *testing.T) {
	store := settings.NewMemoryStore()
	_ = store.Set(context.Background(), map[string]string{
		settings.KeyAPIKey:  "good-key",
		settings.KeyVoiceID: "v2",
		settings.KeyVolume:  "0.3",
	})
	c := newTestController(store, &fakeSender{delivery: bus.Delivered}, &fakeVoices{validKey: "good-key"})
	if err := c.Activate(context.Background()); err != nil {
		t.Fatal(err)
	}
	if v := c.View(); !v.Key.Locked || v.VoiceID != "v2" || len(v.Voices) != 2 {
		t.Fatalf("activated view = %+v", v)
	}

	if err := c.RemoveKey(context.Background()); err != nil {
		t.Fatalf("remove: %v", err)
	}
	for _, k := range []string{settings.KeyAPIKey, settings.KeyVoiceID} {
		if _, err := store.Get(context.Background(), k); !errors.Is(err, settings.ErrNotFound) {
			t.Fatalf("%s still stored", k)
		}
	}
	if vol, _ := store.Get(context.Background(), settings.KeyVolume); vol != "0.3" {
		t.Fatalf("volume should survive key removal, got %q", vol)
	}
	v := c.View()
	if v.Key.Stored || !v.Key.Editable || v.VoiceID != settings.DefaultVoiceID || len(v.Voices) != 0 {
		t.Fatalf("view after removal = %+v", v)
	}
}

func TestSlidersPersistAndPush(t *testing.T) {
	store := settings.NewMemoryStore()
	sender := &fakeSender{delivery: bus.Delivered}
	c := newTestController(store, sender, &fakeVoices{})

	if err := c.SetVolume(context.Background(), 0.25); err != nil {
		t.Fatal(err)
	}
	if err := c.SetSpeed(context.Background(), 1.5); err != nil {
		t.Fatal(err)
	}
	if vol, _ := store.Get(context.Background(), settings.KeyVolume); vol != "0.25" {
		t.Fatalf("stored volume = %q", vol)
	}
	if spd, _ := store.Get(context.Background(), settings.KeySpeed); spd != "1.5" {
		t.Fatalf("stored speed = %q", spd)
	}
	msgs := sender.Messages()
	if len(msgs) != 2 {
		t.Fatalf("expected two UPDATE_SETTINGS, got %d", len(msgs))
	}
	if msgs[0].Volume == nil || *msgs[0].Volume != 0.25 || msgs[0].Speed != nil {
		t.Fatalf("volume update = %+v", msgs[0])
	}
	if msgs[1].Speed == nil || *msgs[1].Speed != 1.5 || msgs[1].Volume != nil {
		t.Fatalf("speed update = %+v", msgs[1])
	}
}

func TestSliderWithoutPlayerStillPersists(t *testing.T) {
	store := settings.NewMemoryStore()
	c := newTestController(store, &fakeSender{delivery: bus.NoReceiver}, &fakeVoices{})
	if err := c.SetVolume(context.Background(), 0.8); err != nil {
		t.Fatalf("set volume: %v", err)
	}
	if vol, _ := store.Get(context.Background(), settings.KeyVolume); vol != "0.8" {
		t.Fatalf("stored volume = %q", vol)
	}
	if v := c.View(); v.StatusText != textNoPlayer {
		t.Fatalf("status = %q", v.StatusText)
	}
}

func TestTogglePauseWithoutPlayer(t *testing.T) {
	c := newTestController(settings.NewMemoryStore(), &fakeSender{delivery: bus.NoReceiver}, &fakeVoices{})
	delivery, err := c.TogglePause(context.Background())
	if err != nil || delivery != bus.NoReceiver {
		t.Fatalf("delivery = %s (%v)", delivery, err)
	}
	if v := c.View(); v.Playback != PlaybackNoPlayer {
		t.Fatalf("playback = %s", v.Playback)
	}
}

func TestSubscribeReceivesUpdates(t *testing.T) {
	c := newTestController(settings.NewMemoryStore(), &fakeSender{delivery: bus.Delivered}, &fakeVoices{})
	updates, cancel := c.Subscribe()
	defer cancel()

	first := <-updates
	if first.Playback != PlaybackUnknown {
		t.Fatalf("first view = %+v", first)
	}
	c.HandlePlayerState(protocol.PlayerState(protocol.StatePaused))
	c.HandleAlert(protocol.Alert{SurfaceID: "tab-1", Message: "Invalid API key"})
	latest := <-updates
	if latest.Playback != PlaybackPaused || latest.LastAlert != "Invalid API key" {
		t.Fatalf("latest view = %+v", latest)
	}
}
