package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParseTurnRequestDefaultsType(t *testing.T) {
	raw := []byte(`{"session_id":"s1","context_id":null,"text":"hello"}`)
	req, err := ParseTurnRequest(raw)
	if err != nil {
		t.Fatalf("ParseTurnRequest() error = %v", err)
	}
	if req.Type != RequestText {
		t.Fatalf("Type = %q, want %q", req.Type, RequestText)
	}
	if req.ContextID != nil || req.RequestedContextID() != "" {
		t.Fatalf("ContextID = %v, want nil", req.ContextID)
	}
}

func TestParseTurnRequestKeepsContextAndMetadata(t *testing.T) {
	raw := []byte(`{"type":"voice","session_id":"s1","context_id":" c1 ","text":"hi","metadata":{"is_notification":true,"notification_from":"mail","trace":"abc","image_count":2}}`)
	req, err := ParseTurnRequest(raw)
	if err != nil {
		t.Fatalf("ParseTurnRequest() error = %v", err)
	}
	if req.RequestedContextID() != "c1" {
		t.Fatalf("RequestedContextID() = %q, want %q", req.RequestedContextID(), "c1")
	}
	md := req.Metadata
	if !md.IsNotification || md.NotificationFrom != "mail" || md.ImageCount != 2 {
		t.Fatalf("typed metadata not decoded: %+v", md)
	}
	if md.Extra["trace"] != "abc" {
		t.Fatalf("passthrough metadata lost: %+v", md.Extra)
	}
}

func TestParseTurnRequestRejectsUnknownType(t *testing.T) {
	_, err := ParseTurnRequest([]byte(`{"type":"wat","session_id":"s1"}`))
	if !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("error = %v, want ErrUnsupportedType", err)
	}
}

func TestParseControlRequestRequiresCommand(t *testing.T) {
	if _, err := ParseControlRequest([]byte(`{"params":{}}`)); err == nil {
		t.Fatalf("expected error for missing command")
	}
	req, err := ParseControlRequest([]byte(`{"command":"stt_control","session_id":"s1","params":{"enabled":false}}`))
	if err != nil {
		t.Fatalf("ParseControlRequest() error = %v", err)
	}
	if req.Command != "stt_control" || req.Params["enabled"] != false {
		t.Fatalf("unexpected control request: %+v", req)
	}
}

func TestIncrementOmitsEmptyMetadata(t *testing.T) {
	data, err := json.Marshal(Increment{Phase: PhaseChunk, SessionID: "s1", Text: "he"})
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	var obj map[string]any
	_ = json.Unmarshal(data, &obj)
	if _, ok := obj["metadata"]; ok {
		t.Fatalf("empty metadata should be omitted: %s", data)
	}
}

func TestMetadataFlattensKnownAndExtraFields(t *testing.T) {
	md := Metadata{IsDesktopMonitoring: true}
	md.Set("source", "tray")
	data, err := json.Marshal(md)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	var obj map[string]any
	_ = json.Unmarshal(data, &obj)
	if obj["is_desktop_monitoring"] != true || obj["source"] != "tray" {
		t.Fatalf("unexpected metadata json: %s", data)
	}
}
