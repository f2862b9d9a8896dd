// Package controller holds the state behind the control surface: what the
// player is believed to be doing, the playback settings and the API key
// lifecycle. It talks to players only through delivered messages.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/loqalabs/rhinos/internal/bus"
	"github.com/loqalabs/rhinos/internal/protocol"
	"github.com/loqalabs/rhinos/internal/settings"
	"github.com/loqalabs/rhinos/internal/tts"
)

// ErrInvalidKey is returned by SubmitKey when the key was rejected.
var ErrInvalidKey = errors.New("controller: api key rejected")

// Sender delivers a message to a single receiver. *bus.Client satisfies it.
type Sender interface {
	Deliver(ctx context.Context, subject string, v any) (bus.Delivery, error)
}

type Options struct {
	Settings settings.Store
	Voices   tts.VoiceLister
	Sender   Sender
	// Target resolves the surface this controller drives.
	Target       func() string
	DefaultVoice string
	Logger       *slog.Logger
}

type Controller struct {
	store        settings.Store
	voices       tts.VoiceLister
	sender       Sender
	target       func() string
	defaultVoice string
	log          *slog.Logger

	mu          sync.Mutex
	view        View
	subscribers map[chan View]struct{}
}

func New(opts Options) *Controller {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	defaultVoice := opts.DefaultVoice
	if defaultVoice == "" {
		defaultVoice = settings.DefaultVoiceID
	}
	return &Controller{
		store:        opts.Settings,
		voices:       opts.Voices,
		sender:       opts.Sender,
		target:       opts.Target,
		defaultVoice: defaultVoice,
		log:          log.With(slog.String("component", "controller")),
		view: View{
			Playback:   PlaybackUnknown,
			StatusText: textChecking,
			Volume:     settings.DefaultVolume,
			Speed:      settings.DefaultSpeed,
			VoiceID:    defaultVoice,
			Key:        KeyView{Editable: true},
		},
		subscribers: make(map[chan View]struct{}),
	}
}

// View returns a copy of the current view.
func (c *Controller) View() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.view.clone()
}

// Subscribe streams view updates. The returned function unsubscribes. Slow
// subscribers miss intermediate views, never the latest one.
func (c *Controller) Subscribe() (<-chan View, func()) {
	ch := make(chan View, 1)
	c.mu.Lock()
	c.subscribers[ch] = struct{}{}
	ch <- c.view.clone()
	c.mu.Unlock()
	return ch, func() {
		c.mu.Lock()
		if _, ok := c.subscribers[ch]; ok {
			delete(c.subscribers, ch)
			close(ch)
		}
		c.mu.Unlock()
	}
}

func (c *Controller) update(fn func(v *View)) View {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(&c.view)
	snapshot := c.view.clone()
	for ch := range c.subscribers {
		select {
		case <-ch:
		default:
		}
		ch <- snapshot.clone()
	}
	return snapshot
}

func (c *Controller) surface() string {
	if c.target == nil {
		return ""
	}
	return c.target()
}

// Activate loads stored settings and asks the target player for its state.
// Until a PLAYER_STATE arrives the playback view stays Unknown.
func (c *Controller) Activate(ctx context.Context) error {
	surfaceID := c.surface()
	c.update(func(v *View) {
		v.Surface = surfaceID
		v.Playback = PlaybackUnknown
		v.StatusText = textChecking
	})

	stored, err := settings.Load(ctx, c.store, settings.Defaults{VoiceID: c.defaultVoice})
	if err != nil {
		c.log.Warn("failed to read settings", slogError(err))
	}
	c.update(func(v *View) {
		v.Volume = stored.Volume
		v.Speed = stored.Speed
		v.VoiceID = stored.VoiceID
		if stored.APIKey != "" {
			v.Key = KeyView{Stored: true, Locked: true, CanRemove: true}
		} else {
			v.Key = KeyView{Editable: true}
		}
	})

	if stored.APIKey != "" {
		if err := c.loadVoices(ctx, stored.APIKey, stored.VoiceID); err != nil {
			c.log.Warn("failed to load voices", slogError(err))
		}
	}

	_, err = c.deliver(ctx, protocol.Message{Action: protocol.ActionGetPlayerState})
	return err
}

// HandlePlayerState applies a PLAYER_STATE from a player. States from other
// surfaces are ignored.
func (c *Controller) HandlePlayerState(msg protocol.Message) {
	if msg.Action != protocol.ActionPlayerState {
		return
	}
	surfaceID := c.surface()
	if msg.SurfaceID != "" && surfaceID != "" && msg.SurfaceID != surfaceID {
		return
	}
	c.update(func(v *View) {
		v.Surface = surfaceID
		switch msg.State {
		case protocol.StatePlaying:
			v.Playback, v.StatusText = PlaybackPlaying, textPlaying
		case protocol.StatePaused:
			v.Playback, v.StatusText = PlaybackPaused, textPaused
		case protocol.StateEnded, protocol.StateStopped:
			v.Playback, v.StatusText = PlaybackFinished, textFinished
		case protocol.StateGenerating:
			v.Playback, v.StatusText = PlaybackGenerating, textGenerating
		case protocol.StateError:
			v.Playback, v.StatusText = PlaybackError, textError
		}
	})
}

// HandleAlert records the last alert raised on the target surface.
func (c *Controller) HandleAlert(alert protocol.Alert) {
	surfaceID := c.surface()
	if alert.SurfaceID != "" && surfaceID != "" && alert.SurfaceID != surfaceID {
		return
	}
	c.update(func(v *View) { v.LastAlert = alert.Message })
}

// TogglePause asks the player to flip between playing and paused. The view
// follows the player's PLAYER_STATE, not the request.
func (c *Controller) TogglePause(ctx context.Context) (bus.Delivery, error) {
	return c.deliver(ctx, protocol.Message{Action: protocol.ActionControlPause})
}

func (c *Controller) Stop(ctx context.Context) (bus.Delivery, error) {
	delivery, err := c.deliver(ctx, protocol.Message{Action: protocol.ActionControlStop})
	if err == nil && delivery == bus.Delivered {
		c.update(func(v *View) { v.StatusText = textStopped })
	}
	return delivery, err
}

// SetVolume persists the volume and pushes it to the player live.
func (c *Controller) SetVolume(ctx context.Context, volume float64) error {
	volume = settings.ClampVolume(volume)
	if err := c.store.Set(ctx, map[string]string{settings.KeyVolume: settings.FormatFloat(volume)}); err != nil {
		return fmt.Errorf("save volume: %w", err)
	}
	c.update(func(v *View) { v.Volume = volume })
	_, err := c.deliver(ctx, protocol.UpdateSettings(&volume, nil))
	return err
}

func (c *Controller) SetSpeed(ctx context.Context, speed float64) error {
	speed = settings.ClampSpeed(speed)
	if err := c.store.Set(ctx, map[string]string{settings.KeySpeed: settings.FormatFloat(speed)}); err != nil {
		return fmt.Errorf("save speed: %w", err)
	}
	c.update(func(v *View) { v.Speed = speed })
	_, err := c.deliver(ctx, protocol.UpdateSettings(nil, &speed))
	return err
}

func (c *Controller) SelectVoice(ctx context.Context, voiceID string) error {
	voiceID = strings.TrimSpace(voiceID)
	if voiceID == "" {
		return errors.New("voice id required")
	}
	if err := c.store.Set(ctx, map[string]string{settings.KeyVoiceID: voiceID}); err != nil {
		return fmt.Errorf("save voice: %w", err)
	}
	c.update(func(v *View) { v.VoiceID = voiceID })
	return nil
}

// SubmitKey validates a key against the voice listing and stores it only
// when the vendor accepted it. A rejected key leaves any stored key alone.
func (c *Controller) SubmitKey(ctx context.Context, key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		c.update(func(v *View) {
			v.Key.Editable = true
			v.Key.Error = textEnterKey
			v.Message = textEnterKey
		})
		return fmt.Errorf("%w: empty", ErrInvalidKey)
	}

	voices, err := c.voices.Voices(ctx, key)
	if err != nil {
		c.log.Info("api key validation failed", slogError(err))
		c.update(func(v *View) {
			v.Key.Locked = false
			v.Key.Editable = true
			v.Key.CanRetry = true
			v.Key.Error = keyErrorText(err)
			v.Message = textCheckKey
		})
		return fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}

	if err := c.store.Set(ctx, map[string]string{settings.KeyAPIKey: key}); err != nil {
		return fmt.Errorf("save api key: %w", err)
	}
	c.update(func(v *View) {
		v.Key = KeyView{Stored: true, Locked: true, CanRemove: true}
		v.Voices = voiceOptions(voices)
		v.Message = textVoicesLoaded
	})
	return nil
}

// RemoveKey clears the stored key and voice together.
func (c *Controller) RemoveKey(ctx context.Context) error {
	if err := c.store.Delete(ctx, settings.KeyAPIKey, settings.KeyVoiceID); err != nil {
		return fmt.Errorf("remove api key: %w", err)
	}
	c.update(func(v *View) {
		v.Key = KeyView{Editable: true}
		v.Voices = nil
		v.VoiceID = c.defaultVoice
		v.Message = textKeyRemoved
	})
	return nil
}

// RefreshVoices reloads the catalogue with the stored key.
func (c *Controller) RefreshVoices(ctx context.Context) error {
	key, err := c.store.Get(ctx, settings.KeyAPIKey)
	if errors.Is(err, settings.ErrNotFound) || (err == nil && key == "") {
		c.update(func(v *View) { v.Message = textEnterKey })
		return fmt.Errorf("%w: none stored", ErrInvalidKey)
	}
	if err != nil {
		return fmt.Errorf("read api key: %w", err)
	}
	return c.loadVoices(ctx, key, c.View().VoiceID)
}

func (c *Controller) loadVoices(ctx context.Context, key, current string) error {
	voices, err := c.voices.Voices(ctx, key)
	if err != nil {
		c.update(func(v *View) {
			v.Voices = nil
			v.Message = textCheckKey
		})
		return err
	}
	c.update(func(v *View) {
		v.Voices = voiceOptions(voices)
		if current != "" {
			v.VoiceID = current
		}
		v.Message = textVoicesLoaded
	})
	return nil
}

// deliver sends msg to the target player. NoReceiver is recorded in the
// view and is not an error.
func (c *Controller) deliver(ctx context.Context, msg protocol.Message) (bus.Delivery, error) {
	surfaceID := c.surface()
	if surfaceID == "" {
		c.markNoPlayer()
		return bus.NoReceiver, nil
	}
	msg.SurfaceID = surfaceID
	delivery, err := c.sender.Deliver(ctx, protocol.PlayerSubject(surfaceID), msg)
	if err != nil {
		c.log.Warn("delivery failed", slogError(err), slog.String("action", string(msg.Action)))
		c.markNoPlayer()
		return delivery, err
	}
	if delivery == bus.NoReceiver {
		c.markNoPlayer()
	}
	return delivery, nil
}

func (c *Controller) markNoPlayer() {
	c.update(func(v *View) {
		v.Playback = PlaybackNoPlayer
		v.StatusText = textNoPlayer
	})
}

func voiceOptions(voices []tts.Voice) []VoiceOption {
	out := make([]VoiceOption, 0, len(voices))
	for _, v := range voices {
		out = append(out, VoiceOption{ID: v.ID, Label: v.Label()})
	}
	return out
}

func keyErrorText(err error) string {
	var upstream *tts.UpstreamError
	if errors.As(err, &upstream) && upstream.Message != "" {
		return upstream.Message
	}
	if errors.Is(err, tts.ErrNetwork) {
		return "Could not reach the speech service"
	}
	return textCheckKey
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
