package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ent0n29/companion/internal/protocol"
)

func TestPercentileNearestRank(t *testing.T) {
	vals := []time.Duration{40, 10, 30, 20}
	if got := percentile(vals, 50); got != 20 {
		t.Fatalf("p50 = %d, want 20", got)
	}
	if got := percentile(vals, 95); got != 40 {
		t.Fatalf("p95 = %d, want 40", got)
	}
	if got := percentile(nil, 50); got != 0 {
		t.Fatalf("p50(nil) = %d, want 0", got)
	}
	if vals[0] != 40 {
		t.Fatalf("input was reordered: %v", vals)
	}
}

func TestParseFlagsDefaults(t *testing.T) {
	cfg, err := parseFlags([]string{"-turns", "3", "-texts", "a| b |"})
	if err != nil {
		t.Fatalf("parseFlags() error = %v", err)
	}
	if cfg.turns != 3 || len(cfg.texts) != 2 || cfg.texts[1] != "b" {
		t.Fatalf("unexpected options: %+v", cfg)
	}
	if !strings.HasPrefix(cfg.sessionID, "perf-") {
		t.Fatalf("sessionID = %q, want generated", cfg.sessionID)
	}
	if _, err := parseFlags([]string{"-turns", "0"}); err == nil {
		t.Fatalf("parseFlags(-turns 0) error = nil")
	}
}

func TestRunCarriesContextAcrossTurns(t *testing.T) {
	var seen []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req protocol.TurnRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		seen = append(seen, req.RequestedContextID())

		protocol.SetupSSEHeaders(w)
		enc := protocol.NewEncoder(w)
		_ = enc.Encode(protocol.Increment{Phase: protocol.PhaseStart, SessionID: req.SessionID, ContextID: "ctx-1"})
		_ = enc.Encode(protocol.Increment{Phase: protocol.PhaseChunk, SessionID: req.SessionID, Text: "ok"})
		_ = enc.Encode(protocol.Increment{Phase: protocol.PhaseFinal, SessionID: req.SessionID, ContextID: "ctx-1", Text: "ok"})
		_ = enc.Close()
	}))
	defer srv.Close()

	cfg, err := parseFlags([]string{"-base-url", srv.URL, "-turns", "2", "-inter-turn-ms", "0"})
	if err != nil {
		t.Fatalf("parseFlags() error = %v", err)
	}
	var out bytes.Buffer
	if err := run(cfg, &out); err != nil {
		t.Fatalf("run() error = %v", err)
	}
	if len(seen) != 2 || seen[0] != "" || seen[1] != "ctx-1" {
		t.Fatalf("context ids sent = %q", seen)
	}
	if !strings.Contains(out.String(), "first_chunk") {
		t.Fatalf("summary missing: %s", out.String())
	}
}

func TestReplayTurnReportsServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		enc := protocol.NewEncoder(w)
		_ = enc.Encode(protocol.Increment{
			Phase: protocol.PhaseError,
			Error: &protocol.ErrorInfo{Kind: "concurrent_turn_rejected", Message: "busy"},
		})
		_ = enc.Close()
	}))
	defer srv.Close()

	tm, err := replayTurn(context.Background(), srv.Client(), options{baseURL: srv.URL, sessionID: "s"}, "hi", "")
	if err != nil {
		t.Fatalf("replayTurn() error = %v", err)
	}
	if tm.ErrorKind != "concurrent_turn_rejected" {
		t.Fatalf("ErrorKind = %q", tm.ErrorKind)
	}
}
