package protocol

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Action tags every message exchanged between surfaces.
type Action string

const (
	ActionPlayAudio      Action = "PLAY_AUDIO"
	ActionStatusUpdate   Action = "STATUS_UPDATE"
	ActionError          Action = "ERROR"
	ActionControlPause   Action = "CONTROL_PAUSE"
	ActionControlStop    Action = "CONTROL_STOP"
	ActionUpdateSettings Action = "UPDATE_SETTINGS"
	ActionGetPlayerState Action = "GET_PLAYER_STATE"
	ActionPlayerState    Action = "PLAYER_STATE"
)

// State is the wire form of a playback status.
type State string

const (
	StatePlaying    State = "playing"
	StatePaused     State = "paused"
	StateStopped    State = "stopped"
	StateEnded      State = "ended"
	StateGenerating State = "generating"
	StateError      State = "error"
)

// Message is the tagged union carried on player and controller subjects.
// Only the fields relevant to Action are populated.
type Message struct {
	Action     Action   `json:"action"`
	AudioData  string   `json:"audioData,omitempty"`
	Status     string   `json:"status,omitempty"`
	Message    string   `json:"message,omitempty"`
	Volume     *float64 `json:"volume,omitempty"`
	Speed      *float64 `json:"speed,omitempty"`
	State      State    `json:"state,omitempty"`
	SurfaceID  string   `json:"surfaceId,omitempty"`
	Generation uint64   `json:"generation,omitempty"`
	// Epoch names the orchestrator instance that numbered Generation.
	// Generations are only comparable within one epoch.
	Epoch      string   `json:"epoch,omitempty"`
	RequestID  string   `json:"requestId,omitempty"`
}

// Trigger is the "read selection" action delivered to the orchestrator.
type Trigger struct {
	SelectedText    string `json:"selectedText"`
	TargetSurfaceID string `json:"targetSurfaceId"`
}

// Alert is a user-visible error raised on a surface.
type Alert struct {
	SurfaceID string    `json:"surface_id"`
	Message   string    `json:"message"`
	RequestID string    `json:"request_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectTrigger          = "rhinos.trigger.read"
	SubjectControllerState  = "rhinos.controller.state"
	SubjectSurfaceAnnounce  = "rhinos.presence.announce"
	SubjectSurfaceHeartbeat = "rhinos.presence.heartbeat"
	subjectSurfacePrefix    = "rhinos.surface"
)

// PlayerSubject addresses every message bound for the player of surfaceID.
func PlayerSubject(surfaceID string) string {
	return subjectSurfacePrefix + "." + surfaceID + ".player"
}

// AlertSubject carries alerts raised by the player of surfaceID.
func AlertSubject(surfaceID string) string {
	return subjectSurfacePrefix + "." + surfaceID + ".alert"
}

// HeartbeatSubject is the per-surface heartbeat subject.
func HeartbeatSubject(surfaceID string) string {
	return SubjectSurfaceHeartbeat + "." + surfaceID
}

func PlayAudio(audioData string) Message {
	return Message{Action: ActionPlayAudio, AudioData: audioData}
}

func Generating() Message {
	return Message{Action: ActionStatusUpdate, Status: string(StateGenerating)}
}

func Failure(message string) Message {
	return Message{Action: ActionError, Message: message}
}

func PlayerState(state State) Message {
	return Message{Action: ActionPlayerState, State: state}
}

// UpdateSettings builds an UPDATE_SETTINGS message; nil fields are omitted.
func UpdateSettings(volume, speed *float64) Message {
	return Message{Action: ActionUpdateSettings, Volume: volume, Speed: speed}
}

// Validate rejects messages whose payload does not match their tag.
func (m Message) Validate() error {
	switch m.Action {
	case ActionPlayAudio:
		if m.AudioData == "" {
			return errors.New("PLAY_AUDIO requires audioData")
		}
	case ActionStatusUpdate:
		if m.Status == "" {
			return errors.New("STATUS_UPDATE requires status")
		}
	case ActionError:
		if m.Message == "" {
			return errors.New("ERROR requires message")
		}
	case ActionPlayerState:
		if !m.State.Valid() {
			return fmt.Errorf("PLAYER_STATE has unknown state %q", m.State)
		}
	case ActionUpdateSettings:
		if m.Volume == nil && m.Speed == nil {
			return errors.New("UPDATE_SETTINGS requires volume or speed")
		}
	case ActionControlPause, ActionControlStop, ActionGetPlayerState:
	default:
		return fmt.Errorf("unknown action %q", m.Action)
	}
	return nil
}

func (s State) Valid() bool {
	switch s {
	case StatePlaying, StatePaused, StateStopped, StateEnded, StateGenerating, StateError:
		return true
	}
	return false
}

const dataURLMarker = ";base64,"

// EncodeAudio turns a binary payload into a base64 data URL, the only form
// that crosses surface boundaries.
func EncodeAudio(contentType string, data []byte) string {
	if contentType == "" {
		contentType = "audio/mpeg"
	}
	return "data:" + contentType + dataURLMarker + base64.StdEncoding.EncodeToString(data)
}

// DecodeAudio reverses EncodeAudio.
func DecodeAudio(audioData string) (string, []byte, error) {
	if !strings.HasPrefix(audioData, "data:") {
		return "", nil, errors.New("audio payload is not a data URL")
	}
	idx := strings.Index(audioData, dataURLMarker)
	if idx < 0 {
		return "", nil, errors.New("audio payload is not base64 encoded")
	}
	contentType := audioData[len("data:"):idx]
	data, err := base64.StdEncoding.DecodeString(audioData[idx+len(dataURLMarker):])
	if err != nil {
		return "", nil, fmt.Errorf("decode audio payload: %w", err)
	}
	return contentType, data, nil
}
