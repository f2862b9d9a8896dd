// Package audio provides the single audio output owned by a player. It
// mirrors a media element: a source is loaded, played, paused and seeked,
// and the output reports native play, pause and ended events on its own.
package audio

import (
	"errors"
	"time"
)

// ErrPlaybackFailed is returned when the output refuses to start.
var ErrPlaybackFailed = errors.New("audio: playback failed")

// ErrNoSource is returned by Play before any source was loaded.
var ErrNoSource = errors.New("audio: no source loaded")

type EventKind int

const (
	EventPlay EventKind = iota + 1
	EventPause
	EventEnded
)

func (k EventKind) String() string {
	switch k {
	case EventPlay:
		return "play"
	case EventPause:
		return "pause"
	case EventEnded:
		return "ended"
	}
	return "unknown"
}

// Event is a native notification from the output.
type Event struct {
	Kind EventKind
	At   time.Time
}

// Output is the host audio primitive. Implementations need not be safe for
// concurrent use; the player calls them from one goroutine only. Events may
// be delivered from any goroutine.
type Output interface {
	// Load replaces the current source. Replacing a playing source emits a
	// native pause event, as media elements do.
	Load(contentType string, data []byte) error
	Play() error
	Pause()
	// Paused reports the output's own paused flag; true when nothing plays.
	Paused() bool
	Seek(position time.Duration)
	Position() time.Duration
	SetVolume(volume float64)
	SetRate(rate float64)
	Events() <-chan Event
	Close() error
}
