package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// RequestType identifies how the user content was produced.
type RequestType string

const (
	RequestText  RequestType = "text"
	RequestVoice RequestType = "voice"
)

// Phase tags a streamed increment.
type Phase string

const (
	PhaseStart Phase = "start"
	PhaseChunk Phase = "chunk"
	PhaseFinal Phase = "final"
	PhaseError Phase = "error"

	// PhaseDone is the end-of-stream marker; it never carries a payload.
	PhaseDone Phase = "done"
)

func (p Phase) Terminal() bool { return p == PhaseFinal || p == PhaseError }

var ErrUnsupportedType = errors.New("unsupported request type")

type AttachedFile struct {
	URL      string `json:"url"`
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
}

// TurnRequest is one inbound utterance for a session.
type TurnRequest struct {
	Type      RequestType    `json:"type"`
	SessionID string         `json:"session_id"`
	UserID    string         `json:"user_id,omitempty"`
	ContextID *string        `json:"context_id"`
	Text      string         `json:"text"`
	Files     []AttachedFile `json:"files,omitempty"`
	Metadata  Metadata       `json:"metadata,omitzero"`
}

func (r TurnRequest) RequestedContextID() string {
	if r.ContextID == nil {
		return ""
	}
	return strings.TrimSpace(*r.ContextID)
}

type ToolInvocation struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

type ErrorInfo struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Increment is one unit of a streamed turn response.
type Increment struct {
	Phase     Phase           `json:"phase"`
	TurnID    string          `json:"turn_id,omitempty"`
	SessionID string          `json:"session_id"`
	ContextID string          `json:"context_id,omitempty"`
	Text      string          `json:"text,omitempty"`
	VoiceText string          `json:"voice_text,omitempty"`
	Tool      *ToolInvocation `json:"tool,omitempty"`
	Error     *ErrorInfo      `json:"error,omitempty"`
	Metadata  Metadata        `json:"metadata,omitzero"`
}

// ControlRequest is a session-scoped side-channel command.
type ControlRequest struct {
	Command   string         `json:"command"`
	SessionID string         `json:"session_id,omitempty"`
	Params    map[string]any `json:"params,omitempty"`
	Reason    string         `json:"reason,omitempty"`
}

type ControlStatus string

const (
	ControlSuccess ControlStatus = "success"
	ControlError   ControlStatus = "error"
)

// ControlAck is the uniform acknowledgment for control commands.
type ControlAck struct {
	Status    ControlStatus `json:"status"`
	Message   string        `json:"message"`
	Timestamp time.Time     `json:"timestamp"`
}

func ParseTurnRequest(raw []byte) (TurnRequest, error) {
	var req TurnRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return TurnRequest{}, fmt.Errorf("invalid turn request: %w", err)
	}
	switch req.Type {
	case "":
		req.Type = RequestText
	case RequestText, RequestVoice:
	default:
		return TurnRequest{}, fmt.Errorf("%w: %q", ErrUnsupportedType, req.Type)
	}
	return req, nil
}

func ParseControlRequest(raw []byte) (ControlRequest, error) {
	var req ControlRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return ControlRequest{}, fmt.Errorf("invalid control request: %w", err)
	}
	req.Command = strings.TrimSpace(req.Command)
	if req.Command == "" {
		return ControlRequest{}, errors.New("invalid control request: missing command")
	}
	return req, nil
}
