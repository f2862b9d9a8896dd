package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const apiKeyHeader = "xi-api-key"

type elevenLabsRequest struct {
	Text          string                `json:"text"`
	ModelID       string                `json:"model_id"`
	VoiceSettings elevenLabsVoiceConfig `json:"voice_settings"`
}

type elevenLabsVoiceConfig struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

type elevenLabsError struct {
	Detail json.RawMessage `json:"detail"`
}

type elevenLabsVoices struct {
	Voices []struct {
		VoiceID string `json:"voice_id"`
		Name    string `json:"name"`
		Labels  struct {
			Accent string `json:"accent"`
		} `json:"labels"`
	} `json:"voices"`
}

// ElevenLabs talks to the ElevenLabs REST API.
type ElevenLabs struct {
	baseURL string
	client  *http.Client
}

func NewElevenLabs(baseURL string, timeout time.Duration) *ElevenLabs {
	return &ElevenLabs{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

func (e *ElevenLabs) Synthesize(ctx context.Context, req SynthRequest) (Audio, error) {
	body, err := json.Marshal(elevenLabsRequest{
		Text:    req.Text,
		ModelID: req.ModelID,
		VoiceSettings: elevenLabsVoiceConfig{
			Stability:       req.Stability,
			SimilarityBoost: req.SimilarityBoost,
		},
	})
	if err != nil {
		return Audio{}, err
	}

	endpoint := e.baseURL + "/v1/text-to-speech/" + url.PathEscape(req.VoiceID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return Audio{}, err
	}
	httpReq.Header.Set(apiKeyHeader, req.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "audio/mpeg")

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return Audio{}, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Audio{}, upstreamError(resp)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Audio{}, fmt.Errorf("%w: read audio: %v", ErrNetwork, err)
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" || strings.HasPrefix(contentType, "application/octet-stream") {
		contentType = "audio/mpeg"
	}
	return Audio{ContentType: contentType, Data: data}, nil
}

func (e *ElevenLabs) Voices(ctx context.Context, apiKey string) ([]Voice, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+"/v1/voices", nil)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set(apiKeyHeader, apiKey)

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, upstreamError(resp)
	}

	var payload elevenLabsVoices
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode voices: %w", err)
	}
	voices := make([]Voice, 0, len(payload.Voices))
	for _, v := range payload.Voices {
		voices = append(voices, Voice{ID: v.VoiceID, Name: v.Name, Accent: v.Labels.Accent})
	}
	return voices, nil
}

// upstreamError reads {"detail":{"message":...}} from a failed response,
// falling back to a generic message. detail is sometimes a bare string.
func upstreamError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	out := &UpstreamError{StatusCode: resp.StatusCode, Message: genericUpstreamMessage}

	var envelope elevenLabsError
	if err := json.Unmarshal(body, &envelope); err != nil || len(envelope.Detail) == 0 {
		return out
	}
	var detail struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(envelope.Detail, &detail); err == nil && detail.Message != "" {
		out.Message = detail.Message
		return out
	}
	var text string
	if err := json.Unmarshal(envelope.Detail, &text); err == nil && text != "" {
		out.Message = text
	}
	return out
}
