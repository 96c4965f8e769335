package turn

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/ent0n29/companion/internal/llm"
	"github.com/ent0n29/companion/internal/memory"
	"github.com/ent0n29/companion/internal/protocol"
)

// Stage names a hook point in the pipeline.
type Stage string

const (
	StageBeforeGeneration Stage = "before_generation"
	StageBeforeBroadcast  Stage = "before_broadcast"
	StageOnFinish         Stage = "on_finish"
)

// Turn is the mutable view of one request that hooks observe.
type Turn struct {
	ID        string
	Type      protocol.RequestType
	SessionID string
	UserID    string
	ContextID string
	// RequestedContextID is the caller's context id before resolution.
	RequestedContextID string
	// Content is what the generator receives and what history stores for
	// the user side.
	Content  string
	Files    []protocol.AttachedFile
	Metadata protocol.Metadata

	// Set once generation completes.
	Reply     string
	VoiceText string
	// Err is the failure seen by on-finish hooks; nil for completed turns.
	Err error
}

func (t *Turn) clone() *Turn {
	c := *t
	c.Files = slices.Clone(t.Files)
	c.Metadata = t.Metadata.Clone()
	return &c
}

// Hook runs at a pipeline stage. It may mutate the turn; errors are logged
// and never fail the turn.
type Hook interface {
	Name() string
	Run(ctx context.Context, t *Turn) error
}

type hookFunc struct {
	name string
	fn   func(ctx context.Context, t *Turn) error
}

func (h hookFunc) Name() string                           { return h.name }
func (h hookFunc) Run(ctx context.Context, t *Turn) error { return h.fn(ctx, t) }

// HookFunc wraps fn as a named Hook.
func HookFunc(name string, fn func(ctx context.Context, t *Turn) error) Hook {
	return hookFunc{name: name, fn: fn}
}

// runHooks invokes hooks in order. Each hook works on a copy that is adopted
// only when the hook returns within timeout, so an abandoned hook can never
// race the pipeline.
func runHooks(ctx context.Context, logger *slog.Logger, stage Stage, hooks []Hook, t *Turn, timeout time.Duration) *Turn {
	for _, h := range hooks {
		work := t.clone()
		hctx, cancel := context.WithTimeout(ctx, timeout)
		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("hook panicked: %v", r)
				}
			}()
			done <- h.Run(hctx, work)
		}()

		select {
		case err := <-done:
			if err != nil {
				logger.WarnContext(ctx, "hook failed",
					"stage", stage, "hook", h.Name(), "turn_id", t.ID, "error", err)
			} else {
				t = work
			}
		case <-hctx.Done():
			logger.WarnContext(ctx, "hook timed out",
				"stage", stage, "hook", h.Name(), "turn_id", t.ID, "timeout", timeout)
		}
		cancel()
	}
	return t
}

const (
	notificationOpen     = "<cocoro-notification>"
	desktopMonitoringTag = "<cocoro-desktop-monitoring>"
	unknownNotifier      = "unknown app"
)

var notificationPattern = regexp.MustCompile(`(?s)<cocoro-notification>\s*(\{.*?\})\s*</cocoro-notification>`)

type notificationPayload struct {
	From    string `json:"from"`
	Message string `json:"message"`
}

// NotificationHook lifts an embedded app notification into typed metadata.
func NotificationHook() Hook {
	return HookFunc("notification_tag", func(_ context.Context, t *Turn) error {
		if !strings.Contains(t.Content, notificationOpen) {
			return nil
		}
		m := notificationPattern.FindStringSubmatch(t.Content)
		if m == nil {
			return nil
		}
		var n notificationPayload
		if err := json.Unmarshal([]byte(m[1]), &n); err != nil {
			return fmt.Errorf("parse notification: %w", err)
		}
		if strings.TrimSpace(n.From) == "" {
			n.From = unknownNotifier
		}
		t.Metadata.IsNotification = true
		t.Metadata.NotificationFrom = n.From
		t.Metadata.NotificationMessage = n.Message
		return nil
	})
}

// DesktopMonitoringHook flags requests produced by screen watching.
func DesktopMonitoringHook() Hook {
	return HookFunc("desktop_monitoring_tag", func(_ context.Context, t *Turn) error {
		if strings.Contains(t.Content, desktopMonitoringTag) {
			t.Metadata.IsDesktopMonitoring = true
		}
		return nil
	})
}

// AttachmentHook describes attached images through describer and prefixes
// the content with that description, so a text-only model can still talk
// about them. Without a describer, or when description fails, the prefix
// lists the file URLs instead.
func AttachmentHook(describer llm.ImageDescriber) Hook {
	return HookFunc("attachments", func(ctx context.Context, t *Turn) error {
		n := len(t.Files)
		if n == 0 {
			return nil
		}
		t.Metadata.ImageCount = n

		urls := make([]string, 0, n)
		for _, f := range t.Files {
			if u := strings.TrimSpace(f.URL); u != "" {
				urls = append(urls, u)
			}
		}
		summary := strings.Join(urls, ", ")
		if describer != nil && len(urls) > 0 {
			desc, err := describer.DescribeImages(ctx, urls)
			if err == nil && desc.Description != "" {
				summary = desc.Description
				t.Metadata.Set("image_description", desc.Description)
				setIfPresent(&t.Metadata, "image_category", desc.Category)
				setIfPresent(&t.Metadata, "image_mood", desc.Mood)
				setIfPresent(&t.Metadata, "image_time", desc.TimeOfDay)
			} else if ctx.Err() != nil {
				return ctx.Err()
			}
		}

		var prefix string
		switch {
		case t.Metadata.IsNotification && n == 1:
			prefix = fmt.Sprintf("[Notification with an image from %s: %s]", t.Metadata.NotificationFrom, summary)
		case t.Metadata.IsNotification:
			prefix = fmt.Sprintf("[Notification with %d images from %s: %s]", n, t.Metadata.NotificationFrom, summary)
		case n == 1:
			prefix = fmt.Sprintf("[Image: %s]", summary)
		default:
			prefix = fmt.Sprintf("[%d images: %s]", n, summary)
		}
		if strings.TrimSpace(t.Content) == "" {
			t.Content = prefix
		} else {
			t.Content = prefix + "\n" + t.Content
		}
		return nil
	})
}

func setIfPresent(md *protocol.Metadata, key, value string) {
	if value != "" {
		md.Set(key, value)
	}
}

// ChatSender posts a message to the chat display.
type ChatSender interface {
	SendChat(ctx context.Context, role, content string, md protocol.Metadata) error
}

// VoiceTranscriptHook shows recognized speech in the chat display, since
// only typed requests are already visible there. Delivery is best effort and
// does not hold up the turn.
func VoiceTranscriptHook(sender ChatSender, logger *slog.Logger) Hook {
	if logger == nil {
		logger = slog.Default()
	}
	return HookFunc("voice_transcript", func(ctx context.Context, t *Turn) error {
		if sender == nil || t.Type != protocol.RequestVoice || strings.TrimSpace(t.Content) == "" {
			return nil
		}
		content, turnID := t.Content, t.ID
		go func() {
			sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), statusUpdateTimeout)
			defer cancel()
			if err := sender.SendChat(sctx, string(memory.RoleUser), content, protocol.Metadata{}); err != nil {
				logger.Debug("voice transcript not shown", "turn_id", turnID, "error", err)
			}
		}()
		return nil
	})
}

// DefaultBeforeGenerationHooks returns the built-in request annotators.
// describer may be nil.
func DefaultBeforeGenerationHooks(describer llm.ImageDescriber) []Hook {
	return []Hook{NotificationHook(), DesktopMonitoringHook(), AttachmentHook(describer)}
}
