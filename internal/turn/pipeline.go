package turn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ent0n29/companion/internal/broadcast"
	"github.com/ent0n29/companion/internal/llm"
	"github.com/ent0n29/companion/internal/memory"
	"github.com/ent0n29/companion/internal/observability"
	"github.com/ent0n29/companion/internal/protocol"
	"github.com/ent0n29/companion/internal/session"
)

const (
	DefaultHookTimeout  = 15 * time.Second
	statusUpdateTimeout = 3 * time.Second
	outcomeCompleted    = "completed"
)

// Emitter pushes one increment to the caller. An error means the caller is
// gone and the turn must stop.
type Emitter func(protocol.Increment) error

// SessionGuard tracks liveness and enforces one turn per session.
type SessionGuard interface {
	BeginTurn(sessionID, userID, turnID string) error
	EndTurn(sessionID, turnID string)
}

// ContextStore resolves conversation contexts and keeps their history.
type ContextStore interface {
	Resolve(ctx context.Context, requested string) (contextID string, fresh bool)
	Append(ctx context.Context, contextID string, records ...memory.TurnRecord) error
	History(ctx context.Context, contextID string) ([]memory.TurnRecord, error)
}

// Dispatcher hands completed turns to downstream consumers without blocking.
type Dispatcher interface {
	Dispatch(p broadcast.Payload) <-chan broadcast.Report
}

// StatusNotifier receives best-effort progress updates for the UI.
type StatusNotifier interface {
	SendStatus(ctx context.Context, message, statusType string) error
}

type Config struct {
	Sessions    SessionGuard
	Contexts    ContextStore
	Generator   llm.Generator
	Broadcaster Dispatcher
	Status      StatusNotifier
	Metrics     *observability.Metrics
	Logger      *slog.Logger

	DefaultUserID string
	HookTimeout   time.Duration
	// MaxTurnDuration aborts generation that runs longer. Zero disables it.
	MaxTurnDuration time.Duration

	BeforeGeneration []Hook
	BeforeBroadcast  []Hook
	OnFinish         []Hook
}

// Result summarizes one Run.
type Result struct {
	TurnID    string
	ContextID string
	Reply     string
	Err       error
	// Broadcast yields the fan-out report for completed turns; nil otherwise.
	Broadcast <-chan broadcast.Report
}

func (r Result) Kind() Kind { return KindOf(r.Err) }

// Pipeline drives requests from validation through generation to fan-out.
type Pipeline struct {
	cfg    Config
	logger *slog.Logger
	newID  func() string
	now    func() time.Time
}

func NewPipeline(cfg Config) (*Pipeline, error) {
	if cfg.Sessions == nil || cfg.Contexts == nil || cfg.Generator == nil {
		return nil, errors.New("turn pipeline requires sessions, contexts and a generator")
	}
	if cfg.HookTimeout <= 0 {
		cfg.HookTimeout = DefaultHookTimeout
	}
	if strings.TrimSpace(cfg.DefaultUserID) == "" {
		cfg.DefaultUserID = session.DefaultUserID
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		cfg:    cfg,
		logger: logger.With("component", "turn"),
		newID:  uuid.NewString,
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// Run executes one turn, emitting increments in order: start, chunks, then
// a single final or error. Rejected requests emit only an error increment.
func (p *Pipeline) Run(ctx context.Context, req protocol.TurnRequest, emit Emitter) Result {
	started := time.Now()
	t := &Turn{
		ID:        p.newID(),
		Type:      req.Type,
		SessionID: strings.TrimSpace(req.SessionID),
		UserID:    strings.TrimSpace(req.UserID),
		Content:   req.Text,
		Files:     req.Files,
		Metadata:  req.Metadata.Clone(),

		RequestedContextID: req.RequestedContextID(),
	}
	if t.UserID == "" {
		t.UserID = p.cfg.DefaultUserID
	}

	ctx, span := observability.StartSpan(ctx, "turn.run",
		attribute.String("turn_id", t.ID),
		attribute.String("session_id", t.SessionID),
		attribute.String("request_type", string(t.Type)),
	)
	res := p.run(ctx, t, emit, started)
	span.SetAttributes(
		attribute.String("context_id", res.ContextID),
		attribute.String("kind", outcomeOf(res.Err)),
	)
	span.End(res.Err)
	p.cfg.Metrics.ObserveTurn(outcomeOf(res.Err), time.Since(started))
	return res
}

func (p *Pipeline) run(ctx context.Context, t *Turn, emit Emitter, started time.Time) (res Result) {
	log := p.logger.With("turn_id", t.ID, "session_id", t.SessionID)
	res = Result{TurnID: t.ID}

	// RECEIVED
	if err := validate(t); err != nil {
		res.Err = err
		p.emitError(emit, t, err)
		return res
	}
	if err := p.cfg.Sessions.BeginTurn(t.SessionID, t.UserID, t.ID); err != nil {
		res.Err = fmt.Errorf("%w: %w", ErrConcurrentTurn, err)
		log.InfoContext(ctx, "turn rejected, session busy")
		p.emitError(emit, t, res.Err)
		return res
	}
	defer func() {
		t.Err = res.Err
		runHooks(context.WithoutCancel(ctx), log, StageOnFinish, p.cfg.OnFinish, t, p.cfg.HookTimeout)
	}()
	defer p.cfg.Sessions.EndTurn(t.SessionID, t.ID)

	// Generation stops as soon as the caller goes away.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if p.cfg.MaxTurnDuration > 0 {
		var cancelDeadline context.CancelFunc
		runCtx, cancelDeadline = context.WithTimeoutCause(runCtx, p.cfg.MaxTurnDuration, ErrGenerationTimeout)
		defer cancelDeadline()
	}
	send := func(inc protocol.Increment) error {
		if err := emit(inc); err != nil {
			cancel()
			return fmt.Errorf("%w: %w", ErrCallerDisconnected, err)
		}
		p.cfg.Metrics.ObserveIncrement(string(inc.Phase))
		return nil
	}

	t = runHooks(runCtx, log, StageBeforeGeneration, p.cfg.BeforeGeneration, t, p.cfg.HookTimeout)

	// CONTEXT_RESOLVED
	contextID, fresh := p.cfg.Contexts.Resolve(runCtx, t.RequestedContextID)
	t.ContextID = contextID
	res.ContextID = contextID
	if err := send(p.increment(t, protocol.PhaseStart)); err != nil {
		res.Err = err
		return res
	}
	p.cfg.Metrics.ObserveTurnStage(observability.StageRequestToStart, time.Since(started))

	var history []memory.TurnRecord
	if !fresh {
		h, err := p.cfg.Contexts.History(runCtx, contextID)
		if err != nil {
			return p.fail(runCtx, log, t, send, fmt.Errorf("%w: %w", ErrGenerationFailed, err))
		}
		history = h
	}

	// GENERATING
	p.sendStatus(t)
	stream, err := p.cfg.Generator.Generate(runCtx, history, t.Content)
	if err != nil {
		return p.fail(runCtx, log, t, send, p.generationError(runCtx, err))
	}
	reply, err := p.consume(runCtx, t, stream, send, started)
	if err != nil {
		if errors.Is(err, ErrCallerDisconnected) {
			log.InfoContext(ctx, "caller disconnected mid-stream")
			res.Err = err
			return res
		}
		return p.fail(runCtx, log, t, send, err)
	}

	// COMPLETED
	t.Reply = NormalizeReply(reply)
	t.VoiceText = VoiceText(t.Reply)
	p.appendHistory(runCtx, log, t)

	final := p.increment(t, protocol.PhaseFinal)
	final.Text = t.Reply
	final.VoiceText = t.VoiceText
	if err := send(final); err != nil {
		// Generation finished, so the reply is still fanned out.
		log.InfoContext(ctx, "caller disconnected before final increment")
	}
	res.Reply = t.Reply

	// Post-completion work outlives the caller.
	ctx = context.WithoutCancel(ctx)
	t = runHooks(ctx, log, StageBeforeBroadcast, p.cfg.BeforeBroadcast, t, p.cfg.HookTimeout)
	if p.cfg.Broadcaster != nil {
		res.Broadcast = p.cfg.Broadcaster.Dispatch(broadcast.Payload{
			TurnID:    t.ID,
			SessionID: t.SessionID,
			UserID:    t.UserID,
			ContextID: t.ContextID,
			Text:      t.Reply,
			VoiceText: t.VoiceText,
			Metadata:  t.Metadata.Clone(),
		})
	}
	return res
}

// consume reads the generator stream, forwarding each unit as a chunk.
func (p *Pipeline) consume(ctx context.Context, t *Turn, stream *schema.StreamReader[*schema.Message], send func(protocol.Increment) error, started time.Time) (string, error) {
	defer stream.Close()

	var buf strings.Builder
	first := true
	for {
		msg, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", p.generationError(ctx, err)
		}
		if err := ctx.Err(); err != nil {
			return "", p.generationError(ctx, err)
		}
		if msg == nil {
			continue
		}

		inc := p.increment(t, protocol.PhaseChunk)
		inc.Text = msg.Content
		if len(msg.ToolCalls) > 0 {
			call := msg.ToolCalls[0]
			inc.Tool = &protocol.ToolInvocation{Name: call.Function.Name, Arguments: parseArguments(call.Function.Arguments)}
		}
		if inc.Text == "" && inc.Tool == nil {
			continue
		}
		if first {
			first = false
			p.cfg.Metrics.ObserveFirstChunkLatency(time.Since(started))
		}
		buf.WriteString(msg.Content)
		if err := send(inc); err != nil {
			return "", err
		}
	}
	// A stream may end cleanly after its context was canceled.
	if err := ctx.Err(); err != nil {
		return "", p.generationError(ctx, err)
	}
	return buf.String(), nil
}

// generationError classifies a generator or context failure.
func (p *Pipeline) generationError(ctx context.Context, err error) error {
	if cause := context.Cause(ctx); cause != nil {
		if errors.Is(cause, ErrGenerationTimeout) {
			return ErrGenerationTimeout
		}
		if errors.Is(cause, context.Canceled) {
			return fmt.Errorf("%w: %w", ErrCallerDisconnected, cause)
		}
	}
	return fmt.Errorf("%w: %w", ErrGenerationFailed, err)
}

func (p *Pipeline) fail(ctx context.Context, log *slog.Logger, t *Turn, send func(protocol.Increment) error, err error) Result {
	res := Result{TurnID: t.ID, ContextID: t.ContextID, Err: err}
	if errors.Is(err, ErrCallerDisconnected) {
		return res
	}
	log.WarnContext(ctx, "turn failed", "kind", KindOf(err), "error", err)
	inc := p.increment(t, protocol.PhaseError)
	inc.Error = &protocol.ErrorInfo{Kind: string(KindOf(err)), Message: err.Error()}
	_ = send(inc)
	return res
}

func (p *Pipeline) appendHistory(ctx context.Context, log *slog.Logger, t *Turn) {
	now := p.now()
	records := []memory.TurnRecord{
		{ID: t.ID + ":user", SessionID: t.SessionID, UserID: t.UserID, Role: memory.RoleUser, Content: t.Content, CreatedAt: now},
		{ID: t.ID + ":assistant", SessionID: t.SessionID, UserID: t.UserID, Role: memory.RoleAssistant, Content: t.Reply, CreatedAt: now},
	}
	// The history write must not be lost to a caller disconnect.
	ctx = context.WithoutCancel(ctx)
	if err := p.cfg.Contexts.Append(ctx, t.ContextID, records...); err != nil {
		log.ErrorContext(ctx, "history append failed", "context_id", t.ContextID, "error", err)
	}
}

func (p *Pipeline) sendStatus(t *Turn) {
	if p.cfg.Status == nil || strings.TrimSpace(t.Content) == "" {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), statusUpdateTimeout)
		defer cancel()
		if err := p.cfg.Status.SendStatus(ctx, "calling language model", "llm_sending"); err != nil {
			p.logger.Debug("status update skipped", "turn_id", t.ID, "error", err)
		}
	}()
}

func (p *Pipeline) emitError(emit Emitter, t *Turn, err error) {
	inc := p.increment(t, protocol.PhaseError)
	inc.Error = &protocol.ErrorInfo{Kind: string(KindOf(err)), Message: err.Error()}
	if emit(inc) == nil {
		p.cfg.Metrics.ObserveIncrement(string(inc.Phase))
	}
}

func (p *Pipeline) increment(t *Turn, phase protocol.Phase) protocol.Increment {
	inc := protocol.Increment{
		Phase:     phase,
		TurnID:    t.ID,
		SessionID: t.SessionID,
		ContextID: t.ContextID,
	}
	if phase == protocol.PhaseStart || phase.Terminal() {
		inc.Metadata = t.Metadata.Clone()
	}
	return inc
}

func parseArguments(raw string) map[string]any {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return map[string]any{"raw": raw}
	}
	return args
}

func validate(t *Turn) error {
	if t.SessionID == "" {
		return fmt.Errorf("%w: session_id is required", ErrMalformedRequest)
	}
	if strings.TrimSpace(t.Content) == "" && len(t.Files) == 0 {
		return fmt.Errorf("%w: text or files are required", ErrMalformedRequest)
	}
	return nil
}

func outcomeOf(err error) string {
	if err == nil {
		return outcomeCompleted
	}
	return string(KindOf(err))
}
