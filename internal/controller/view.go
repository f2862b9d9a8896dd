package controller

// Playback is the controller's belief about the player. It starts Unknown
// and only changes on a PLAYER_STATE or a failed delivery.
type Playback string

const (
	PlaybackUnknown    Playback = "unknown"
	PlaybackGenerating Playback = "generating"
	PlaybackPlaying    Playback = "playing"
	PlaybackPaused     Playback = "paused"
	PlaybackFinished   Playback = "finished"
	PlaybackError      Playback = "error"
	PlaybackNoPlayer   Playback = "no_player"
)

const (
	textChecking   = "Checking…"
	textPlaying    = "Playing..."
	textPaused     = "Paused"
	textFinished   = "Finished"
	textStopped    = "Stopped"
	textGenerating = "Generating..."
	textError      = "Playback error"
	textNoPlayer   = "No active player found"

	textVoicesLoaded = "Voices loaded"
	textCheckKey     = "Check API Key"
	textEnterKey     = "Please enter API Key"
	textKeyRemoved   = "API Key removed"
)

type VoiceOption struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// KeyView describes the API key field.
type KeyView struct {
	Stored    bool   `json:"stored"`
	Locked    bool   `json:"locked"`
	Editable  bool   `json:"editable"`
	CanRemove bool   `json:"can_remove"`
	CanRetry  bool   `json:"can_retry"`
	Error     string `json:"error,omitempty"`
}

// View is everything a control surface renders.
type View struct {
	Surface    string        `json:"surface"`
	Playback   Playback      `json:"playback"`
	StatusText string        `json:"status_text"`
	Volume     float64       `json:"volume"`
	Speed      float64       `json:"speed"`
	VoiceID    string        `json:"voice_id"`
	Voices     []VoiceOption `json:"voices"`
	Key        KeyView       `json:"key"`
	Message    string        `json:"message,omitempty"`
	LastAlert  string        `json:"last_alert,omitempty"`
}

func (v View) clone() View {
	v.Voices = append([]VoiceOption(nil), v.Voices...)
	return v
}
