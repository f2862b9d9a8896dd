// Package settings holds the user configuration shared by every surface:
// the API key, selected voice and model, and playback volume and speed.
//
// Writers never coordinate. The controller is the only writer of the key,
// voice and model; the orchestrator only rewrites a deprecated model id;
// volume and speed are last-write-wins between controller and player.
package settings

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
)

const (
	KeyAPIKey  = "apiKey"
	KeyVoiceID = "voiceId"
	KeyModelID = "modelId"
	KeyVolume  = "volume"
	KeySpeed   = "speed"
)

const (
	DefaultVoiceID = "JBFqnCBsd6RMkjVDRZzb"
	DefaultModelID = "eleven_multilingual_v2"
	DefaultVolume  = 1.0
	DefaultSpeed   = 1.0
)

var deprecatedModels = map[string]struct{}{
	"eleven_monolingual_v1":  {},
	"eleven_multilingual_v1": {},
}

// ErrNotFound is returned by Store.Get for a key that was never written.
var ErrNotFound = errors.New("settings: key not found")

// Store is a flat string key-value store.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, values map[string]string) error
	Delete(ctx context.Context, keys ...string) error
	Close() error
}

// Settings is a typed snapshot of the store with defaults applied.
type Settings struct {
	APIKey  string
	VoiceID string
	ModelID string
	Volume  float64
	Speed   float64
}

// Defaults used when a key is absent. Zero fields fall back to the package
// defaults.
type Defaults struct {
	VoiceID string
	ModelID string
}

func (d Defaults) voice() string {
	if d.VoiceID != "" {
		return d.VoiceID
	}
	return DefaultVoiceID
}

func (d Defaults) model() string {
	if d.ModelID != "" {
		return d.ModelID
	}
	return DefaultModelID
}

// Load reads every key and applies defaults for the missing ones.
func Load(ctx context.Context, store Store, defaults Defaults) (Settings, error) {
	s := Settings{
		VoiceID: defaults.voice(),
		ModelID: defaults.model(),
		Volume:  DefaultVolume,
		Speed:   DefaultSpeed,
	}
	var err error
	if s.APIKey, err = getString(ctx, store, KeyAPIKey, ""); err != nil {
		return s, err
	}
	if s.VoiceID, err = getString(ctx, store, KeyVoiceID, s.VoiceID); err != nil {
		return s, err
	}
	if s.ModelID, err = getString(ctx, store, KeyModelID, s.ModelID); err != nil {
		return s, err
	}
	if s.Volume, s.Speed, err = LoadPlayback(ctx, store); err != nil {
		return s, err
	}
	return s, nil
}

// LoadPlayback reads only volume and speed, clamped into their valid ranges.
func LoadPlayback(ctx context.Context, store Store) (float64, float64, error) {
	volume, err := getFloat(ctx, store, KeyVolume, DefaultVolume)
	if err != nil {
		return DefaultVolume, DefaultSpeed, err
	}
	speed, err := getFloat(ctx, store, KeySpeed, DefaultSpeed)
	if err != nil {
		return DefaultVolume, DefaultSpeed, err
	}
	return ClampVolume(volume), ClampSpeed(speed), nil
}

// MigrateModelID maps a deprecated model id to the current default. It is
// one-way and idempotent: current ids are returned unchanged.
func MigrateModelID(modelID, current string) (string, bool) {
	if current == "" {
		current = DefaultModelID
	}
	if _, ok := deprecatedModels[modelID]; ok {
		return current, true
	}
	return modelID, false
}

// ClampVolume keeps v within [0, 1]. NaN means the default volume.
func ClampVolume(v float64) float64 {
	switch {
	case math.IsNaN(v):
		return DefaultVolume
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

// ClampSpeed replaces non-positive and non-finite rates with the default.
func ClampSpeed(v float64) float64 {
	if v <= 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return DefaultSpeed
	}
	return v
}

func FormatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func getString(ctx context.Context, store Store, key, fallback string) (string, error) {
	value, err := store.Get(ctx, key)
	if errors.Is(err, ErrNotFound) || (err == nil && value == "") {
		return fallback, nil
	}
	if err != nil {
		return fallback, fmt.Errorf("read %s: %w", key, err)
	}
	return value, nil
}

func getFloat(ctx context.Context, store Store, key string, fallback float64) (float64, error) {
	raw, err := getString(ctx, store, key, "")
	if err != nil {
		return fallback, err
	}
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return fallback, nil
	}
	return v, nil
}
