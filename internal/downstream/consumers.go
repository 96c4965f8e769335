package downstream

import (
	"context"
	"strings"

	"github.com/ent0n29/companion/internal/broadcast"
	"github.com/ent0n29/companion/internal/memory"
)

// UIConsumer delivers completed turns to the chat display.
type UIConsumer struct{ Client *UIClient }

func (UIConsumer) Name() string { return "ui" }

func (c UIConsumer) Deliver(ctx context.Context, p broadcast.Payload) error {
	return c.Client.SendChat(ctx, string(memory.RoleAssistant), p.Text, p.Metadata)
}

// SpeechConsumer voices completed turns. VoiceText takes precedence over Text.
type SpeechConsumer struct{ Client *SpeechClient }

func (SpeechConsumer) Name() string { return "speech" }

func (c SpeechConsumer) Deliver(ctx context.Context, p broadcast.Payload) error {
	content := p.VoiceText
	if strings.TrimSpace(content) == "" {
		content = p.Text
	}
	return c.Client.Speak(ctx, content, "")
}
