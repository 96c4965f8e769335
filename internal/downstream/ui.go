package downstream

import (
	"context"
	"time"

	"github.com/ent0n29/companion/internal/protocol"
)

// Status types understood by the UI.
const (
	StatusLLMSending      = "llm_sending"
	StatusMemoryAccessing = "memory_accessing"
	StatusVoiceWaiting    = "voice_waiting"
)

type chatUIRequest struct {
	Role      string            `json:"role"`
	Content   string            `json:"content"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  protocol.Metadata `json:"metadata,omitzero"`
}

type statusRequest struct {
	Message   string    `json:"message"`
	Type      string    `json:"type,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// UIClient talks to the chat display service.
type UIClient struct {
	c   client
	now func() time.Time
}

func NewUIClient(baseURL string, timeout time.Duration) *UIClient {
	return &UIClient{c: newClient("ui", baseURL, timeout), now: time.Now}
}

// SendChat appends one message to the UI transcript.
func (u *UIClient) SendChat(ctx context.Context, role, content string, md protocol.Metadata) error {
	return u.c.postJSON(ctx, "/api/addChatUi", nil, chatUIRequest{
		Role:      role,
		Content:   content,
		Timestamp: u.now().UTC(),
		Metadata:  md,
	})
}

// SendStatus pushes a transient status line such as StatusLLMSending.
func (u *UIClient) SendStatus(ctx context.Context, message, statusType string) error {
	return u.c.postJSON(ctx, "/api/status", nil, statusRequest{
		Message:   message,
		Type:      statusType,
		Timestamp: u.now().UTC(),
	})
}

// LogRecord is one forwarded log line.
type LogRecord struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Component string    `json:"component"`
	Message   string    `json:"message"`
}

// SendLog forwards a log record to the UI log viewer.
func (u *UIClient) SendLog(ctx context.Context, rec LogRecord) error {
	return u.c.postJSON(ctx, "/api/logs", nil, rec)
}
