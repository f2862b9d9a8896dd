package player

import "github.com/loqalabs/rhinos/internal/protocol"

// Status is the playback status owned by the player.
type Status int

const (
	StatusIdle Status = iota
	StatusGenerating
	StatusPlaying
	StatusPaused
	StatusEnded
	StatusStopped
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusGenerating:
		return "generating"
	case StatusPlaying:
		return "playing"
	case StatusPaused:
		return "paused"
	case StatusEnded:
		return "ended"
	case StatusStopped:
		return "stopped"
	case StatusError:
		return "error"
	}
	return "unknown"
}

// Wire maps a status to its PLAYER_STATE form. Idle is never announced.
func (s Status) Wire() (protocol.State, bool) {
	switch s {
	case StatusGenerating:
		return protocol.StateGenerating, true
	case StatusPlaying:
		return protocol.StatePlaying, true
	case StatusPaused:
		return protocol.StatePaused, true
	case StatusEnded:
		return protocol.StateEnded, true
	case StatusStopped:
		return protocol.StateStopped, true
	case StatusError:
		return protocol.StateError, true
	}
	return "", false
}

// resting statuses accept a fresh track or a generating hint.
func (s Status) resting() bool {
	switch s {
	case StatusIdle, StatusEnded, StatusStopped, StatusError:
		return true
	}
	return false
}

// Phase marks whether the current status has been confirmed by the audio
// output. PLAY_AUDIO enters Playing as Tentative; the output's first native
// play event confirms it and a start failure reverts it to Error.
type Phase int

const (
	PhaseConfirmed Phase = iota
	PhaseTentative
)

func (p Phase) String() string {
	if p == PhaseTentative {
		return "tentative"
	}
	return "confirmed"
}

// State is a snapshot of the playback state.
type State struct {
	Status      Status
	Phase       Phase
	SourceToken string
	Volume      float64
	Rate        float64
}
