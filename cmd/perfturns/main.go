package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/companion/internal/protocol"
)

type options struct {
	baseURL        string
	sessionID      string
	userID         string
	turns          int
	interTurnDelay time.Duration
	turnTimeout    time.Duration
	texts          []string
	keepContext    bool
	verbose        bool
}

// turnTiming is what one replayed turn measured from the caller side.
type turnTiming struct {
	Start      time.Duration
	FirstChunk time.Duration
	Total      time.Duration
	Chunks     int
	ContextID  string
	ErrorKind  string
}

var defaultUtterances = []string{
	"Reply in three words: latency bottleneck?",
	"Reply in three words: next optimization?",
	"Reply in three words: architecture summary?",
	"Reply in three words: top risk?",
}

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "perfturns: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "perfturns: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (options, error) {
	fs := flag.NewFlagSet("perfturns", flag.ContinueOnError)
	var cfg options
	var textsRaw string
	var interTurnMS, turnTimeoutMS int

	fs.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:55601", "companion core base URL")
	fs.StringVar(&cfg.sessionID, "session-id", "", "session id for the replay (random when empty)")
	fs.StringVar(&cfg.userID, "user-id", "perf-replay", "user_id sent with every turn")
	fs.IntVar(&cfg.turns, "turns", 10, "number of turns to replay")
	fs.IntVar(&interTurnMS, "inter-turn-ms", 180, "delay between turns in milliseconds")
	fs.IntVar(&turnTimeoutMS, "turn-timeout-ms", 15000, "timeout per turn in milliseconds")
	fs.StringVar(&textsRaw, "texts", "", "utterances separated by '|' (optional)")
	fs.BoolVar(&cfg.keepContext, "keep-context", true, "carry the context id across turns")
	fs.BoolVar(&cfg.verbose, "verbose", true, "print per-turn progress")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if cfg.turns <= 0 {
		return options{}, fmt.Errorf("turns must be > 0")
	}
	if turnTimeoutMS <= 0 {
		return options{}, fmt.Errorf("turn-timeout-ms must be > 0")
	}
	cfg.interTurnDelay = time.Duration(max(interTurnMS, 0)) * time.Millisecond
	cfg.turnTimeout = time.Duration(turnTimeoutMS) * time.Millisecond
	if strings.TrimSpace(cfg.sessionID) == "" {
		cfg.sessionID = "perf-" + uuid.NewString()
	}

	for _, t := range strings.Split(textsRaw, "|") {
		if t = strings.TrimSpace(t); t != "" {
			cfg.texts = append(cfg.texts, t)
		}
	}
	if len(cfg.texts) == 0 {
		cfg.texts = defaultUtterances
	}
	return cfg, nil
}

func run(cfg options, out io.Writer) error {
	client := &http.Client{}
	if cfg.verbose {
		fmt.Fprintf(out, "perfturns: session=%s turns=%d\n", cfg.sessionID, cfg.turns)
	}

	var timings []turnTiming
	contextID := ""
	for i := 0; i < cfg.turns; i++ {
		text := cfg.texts[i%len(cfg.texts)]
		ctx, cancel := context.WithTimeout(context.Background(), cfg.turnTimeout)
		tm, err := replayTurn(ctx, client, cfg, text, contextID)
		cancel()
		if err != nil {
			return fmt.Errorf("turn %d: %w", i+1, err)
		}
		if tm.ErrorKind != "" {
			return fmt.Errorf("turn %d: server reported %s", i+1, tm.ErrorKind)
		}
		if cfg.keepContext {
			contextID = tm.ContextID
		}
		timings = append(timings, tm)
		if cfg.verbose {
			fmt.Fprintf(out, "perfturns: turn %d/%d start=%s first_chunk=%s total=%s chunks=%d\n",
				i+1, cfg.turns, tm.Start.Round(time.Millisecond), tm.FirstChunk.Round(time.Millisecond),
				tm.Total.Round(time.Millisecond), tm.Chunks)
		}
		if cfg.interTurnDelay > 0 && i < cfg.turns-1 {
			time.Sleep(cfg.interTurnDelay)
		}
	}

	writeSummary(out, timings)
	return nil
}

// replayTurn posts one turn and reads its event stream to the end marker.
func replayTurn(ctx context.Context, client *http.Client, cfg options, text, contextID string) (turnTiming, error) {
	req := protocol.TurnRequest{
		Type:      protocol.RequestText,
		SessionID: cfg.sessionID,
		UserID:    cfg.userID,
		Text:      text,
	}
	if contextID != "" {
		req.ContextID = &contextID
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return turnTiming{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.baseURL+"/v1/turns", bytes.NewReader(payload))
	if err != nil {
		return turnTiming{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	began := time.Now()
	res, err := client.Do(httpReq)
	if err != nil {
		return turnTiming{}, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return turnTiming{}, fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}

	var tm turnTiming
	dec := protocol.NewDecoder(res.Body)
	for {
		inc, err := dec.Next()
		if errors.Is(err, io.EOF) {
			tm.Total = time.Since(began)
			return tm, nil
		}
		if err != nil {
			return turnTiming{}, fmt.Errorf("read stream: %w", err)
		}
		switch inc.Phase {
		case protocol.PhaseStart:
			tm.Start = time.Since(began)
			tm.ContextID = inc.ContextID
		case protocol.PhaseChunk:
			if tm.Chunks == 0 {
				tm.FirstChunk = time.Since(began)
			}
			tm.Chunks++
		case protocol.PhaseFinal:
			tm.ContextID = inc.ContextID
		case protocol.PhaseError:
			if inc.Error != nil {
				tm.ErrorKind = inc.Error.Kind
			} else {
				tm.ErrorKind = "unknown"
			}
		}
	}
}

func writeSummary(out io.Writer, timings []turnTiming) {
	if len(timings) == 0 {
		return
	}
	stages := []struct {
		name string
		pick func(turnTiming) time.Duration
	}{
		{"start", func(t turnTiming) time.Duration { return t.Start }},
		{"first_chunk", func(t turnTiming) time.Duration { return t.FirstChunk }},
		{"total", func(t turnTiming) time.Duration { return t.Total }},
	}
	for _, st := range stages {
		vals := make([]time.Duration, 0, len(timings))
		for _, t := range timings {
			vals = append(vals, st.pick(t))
		}
		fmt.Fprintf(out, "perfturns: %-11s p50=%s p95=%s max=%s\n", st.name,
			percentile(vals, 50).Round(time.Millisecond),
			percentile(vals, 95).Round(time.Millisecond),
			percentile(vals, 100).Round(time.Millisecond))
	}
}

// percentile uses nearest-rank on a sorted copy.
func percentile(vals []time.Duration, p float64) time.Duration {
	if len(vals) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), vals...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	rank := int(float64(len(sorted))*p/100+0.999999) - 1
	rank = min(max(rank, 0), len(sorted)-1)
	return sorted[rank]
}
