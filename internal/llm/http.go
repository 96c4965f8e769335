package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cloudwego/eino/schema"

	"github.com/ent0n29/companion/internal/memory"
	"github.com/ent0n29/companion/internal/protocol"
)

// HTTPGenerator forwards generation to an HTTP endpoint that answers with
// server-sent events, newline-delimited JSON or a single JSON/text body.
type HTTPGenerator struct {
	url    string
	client *http.Client
}

type httpHistoryEntry struct {
	Role    memory.Role `json:"role"`
	Content string      `json:"content"`
}

type httpGenerateRequest struct {
	History []httpHistoryEntry `json:"history"`
	Content string             `json:"content"`
}

func NewHTTPGenerator(url string) *HTTPGenerator {
	return &HTTPGenerator{
		url: strings.TrimSpace(url),
		// No client timeout: streams are bounded by the request context.
		client: &http.Client{Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			ResponseHeaderTimeout: 60 * time.Second,
		}},
	}
}

func (g *HTTPGenerator) Generate(ctx context.Context, history []memory.TurnRecord, content string) (*schema.StreamReader[*schema.Message], error) {
	body := httpGenerateRequest{Content: content, History: make([]httpHistoryEntry, 0, len(history))}
	for _, rec := range history {
		body.History = append(body.History, httpHistoryEntry{Role: rec.Role, Content: rec.Content})
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream, application/x-ndjson, application/json")

	res, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: send request: %w", ErrGenerationFailed, err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		defer res.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return nil, fmt.Errorf("%w: http status %d: %s", ErrGenerationFailed, res.StatusCode, strings.TrimSpace(string(msg)))
	}

	sr, sw := schema.Pipe[*schema.Message](8)
	ct := strings.ToLower(res.Header.Get("Content-Type"))
	go func() {
		defer sw.Close()
		defer res.Body.Close()

		emit := func(delta string) bool {
			if delta == "" {
				return true
			}
			return !sw.Send(schema.AssistantMessage(delta, nil), nil)
		}

		var err error
		switch {
		case strings.Contains(ct, "text/event-stream"):
			err = consumeSSE(res.Body, emit)
		case strings.Contains(ct, "application/x-ndjson"):
			err = consumeNDJSON(res.Body, emit)
		default:
			err = consumeBody(res.Body, emit)
		}
		if err != nil && !errors.Is(err, errStreamAbandoned) {
			sw.Send(nil, fmt.Errorf("%w: %w", ErrGenerationFailed, err))
		}
	}()
	return sr, nil
}

var errStreamAbandoned = errors.New("stream reader closed")

func consumeSSE(body io.Reader, emit func(string) bool) error {
	dec := protocol.NewDecoder(body)
	for {
		frame, err := dec.NextFrame()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if frame.IsDone() {
			return nil
		}
		if frame.Event == string(protocol.PhaseError) {
			return fmt.Errorf("upstream error: %s", frame.Data)
		}
		// start carries no text and final repeats the accumulated chunks.
		if frame.Event == string(protocol.PhaseStart) || frame.Event == string(protocol.PhaseFinal) {
			continue
		}
		if !emit(deltaFromPayload(frame.Data)) {
			return errStreamAbandoned
		}
	}
}

func consumeNDJSON(body io.Reader, emit func(string) bool) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == protocol.DoneData {
			return nil
		}
		if !emit(deltaFromPayload(line)) {
			return errStreamAbandoned
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("stream read: %w", err)
	}
	return nil
}

func consumeBody(body io.Reader, emit func(string) bool) error {
	raw, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	text := strings.TrimSpace(string(raw))
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err == nil {
		text = extractText(obj)
	}
	emit(text)
	return nil
}

// deltaFromPayload pulls the text field out of a JSON chunk, or returns the
// payload itself when it is not JSON.
func deltaFromPayload(payload string) string {
	var obj map[string]any
	if err := json.Unmarshal([]byte(payload), &obj); err != nil {
		return payload
	}
	return extractText(obj)
}

func extractText(obj map[string]any) string {
	for _, k := range []string{"text", "delta", "content", "output", "message", "response"} {
		if s, ok := obj[k].(string); ok {
			return s
		}
	}
	return ""
}
