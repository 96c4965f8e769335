package downstream

import (
	"context"
	"time"
)

const defaultAnimation = "talk"

// VoiceParams are the rendering parameters forwarded to the speech service.
type VoiceParams struct {
	SpeakerID int     `json:"speaker_id"`
	Speed     float64 `json:"speed"`
	Pitch     float64 `json:"pitch"`
	Volume    float64 `json:"volume"`
}

func DefaultVoiceParams() VoiceParams {
	return VoiceParams{SpeakerID: 1, Speed: 1.0, Pitch: 0.0, Volume: 1.0}
}

type speechRequest struct {
	Content       string      `json:"content"`
	VoiceParams   VoiceParams `json:"voice_params"`
	Animation     string      `json:"animation,omitempty"`
	CharacterName string      `json:"character_name,omitempty"`
}

// SpeechClient talks to the speech/animation service.
type SpeechClient struct {
	c             client
	voice         VoiceParams
	characterName string
}

func NewSpeechClient(baseURL string, timeout time.Duration, voice VoiceParams, characterName string) *SpeechClient {
	return &SpeechClient{
		c:             newClient("speech", baseURL, timeout),
		voice:         voice,
		characterName: characterName,
	}
}

// Speak asks the service to voice content with the given animation hint.
// An empty animation defaults to "talk".
func (s *SpeechClient) Speak(ctx context.Context, content, animation string) error {
	if animation == "" {
		animation = defaultAnimation
	}
	return s.c.postJSON(ctx, "/api/chat", nil, speechRequest{
		Content:       content,
		VoiceParams:   s.voice,
		Animation:     animation,
		CharacterName: s.characterName,
	})
}
