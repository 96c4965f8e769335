package control

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ent0n29/companion/internal/protocol"
)

// Command names accepted by the dispatcher. The camel-case STT name is the
// one desktop clients send.
const (
	CommandSTTControl         = "stt_control"
	CommandSTTControlLegacy   = "sttControl"
	CommandStartLogForwarding = "start_log_forwarding"
	CommandStopLogForwarding  = "stop_log_forwarding"
	CommandShutdown           = "shutdown"
	CommandPing               = "ping"
)

const defaultShutdownGrace = 30 * time.Second

// ShutdownFunc asks the process to stop after grace.
type ShutdownFunc func(grace time.Duration, reason string)

// LogToggle switches log forwarding on and off.
type LogToggle interface {
	SetEnabled(enabled bool) (was bool)
}

// SessionToucher records activity for a session.
type SessionToucher interface {
	Touch(sessionID, userID string)
}

type Options struct {
	Logs     LogToggle
	Shutdown ShutdownFunc
	// Sessions is touched by every successful command carrying a session id.
	Sessions SessionToucher
	// STTDefault applies to sessions without an explicit setting.
	STTDefault bool
	Logger     *slog.Logger
}

// Dispatcher executes side-channel commands and tracks per-session
// capability flags.
type Dispatcher struct {
	logs     LogToggle
	shutdown ShutdownFunc
	sessions SessionToucher
	logger   *slog.Logger
	now      func() time.Time

	mu         sync.RWMutex
	sttDefault bool
	stt        map[string]bool
}

func NewDispatcher(opts Options) *Dispatcher {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		logs:       opts.Logs,
		shutdown:   opts.Shutdown,
		sessions:   opts.Sessions,
		logger:     logger.With(slog.String("component", "control")),
		now:        time.Now,
		sttDefault: opts.STTDefault,
		stt:        make(map[string]bool),
	}
}

// STTEnabled reports the speech-input capability for a session.
func (d *Dispatcher) STTEnabled(sessionID string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if v, ok := d.stt[sessionID]; ok {
		return v
	}
	return d.sttDefault
}

// Forget drops per-session flags, e.g. when the session expires.
func (d *Dispatcher) Forget(sessionID string) {
	d.mu.Lock()
	delete(d.stt, sessionID)
	d.mu.Unlock()
}

// Handle executes one command. It never returns an error; failures are
// reported through the acknowledgment status.
func (d *Dispatcher) Handle(ctx context.Context, req protocol.ControlRequest) protocol.ControlAck {
	ack := d.dispatch(ctx, req)
	if ack.Status == protocol.ControlSuccess && req.SessionID != "" && d.sessions != nil {
		d.sessions.Touch(req.SessionID, "")
	}
	return ack
}

func (d *Dispatcher) dispatch(ctx context.Context, req protocol.ControlRequest) protocol.ControlAck {
	switch req.Command {
	case CommandSTTControl, CommandSTTControlLegacy:
		return d.sttControl(ctx, req)
	case CommandStartLogForwarding:
		return d.logForwarding(ctx, true)
	case CommandStopLogForwarding:
		return d.logForwarding(ctx, false)
	case CommandShutdown:
		return d.requestShutdown(ctx, req)
	case CommandPing:
		return d.ack(protocol.ControlSuccess, "pong")
	default:
		return d.ack(protocol.ControlError, "Unknown command: "+req.Command)
	}
}

func (d *Dispatcher) sttControl(ctx context.Context, req protocol.ControlRequest) protocol.ControlAck {
	enabled, err := boolParam(req.Params, "enabled", true)
	if err != nil {
		return d.ack(protocol.ControlError, err.Error())
	}

	d.mu.Lock()
	was, ok := d.stt[req.SessionID]
	if !ok {
		was = d.sttDefault
	}
	if req.SessionID == "" {
		d.sttDefault = enabled
	} else {
		d.stt[req.SessionID] = enabled
	}
	d.mu.Unlock()

	d.logger.InfoContext(ctx, "stt control", "session_id", req.SessionID, "enabled", enabled)
	switch {
	case enabled && was:
		return d.ack(protocol.ControlSuccess, "STT is already enabled")
	case enabled:
		return d.ack(protocol.ControlSuccess, "STT enabled")
	case was:
		return d.ack(protocol.ControlSuccess, "STT disabled")
	default:
		return d.ack(protocol.ControlSuccess, "STT is already disabled")
	}
}

func (d *Dispatcher) logForwarding(ctx context.Context, enable bool) protocol.ControlAck {
	if d.logs == nil {
		if enable {
			return d.ack(protocol.ControlError, "Log handler is not available")
		}
		return d.ack(protocol.ControlSuccess, "Log forwarding was already stopped")
	}
	d.logs.SetEnabled(enable)
	if enable {
		d.logger.InfoContext(ctx, "log forwarding started")
		return d.ack(protocol.ControlSuccess, "Log forwarding started")
	}
	d.logger.InfoContext(ctx, "log forwarding stopped")
	return d.ack(protocol.ControlSuccess, "Log forwarding stopped")
}

func (d *Dispatcher) requestShutdown(ctx context.Context, req protocol.ControlRequest) protocol.ControlAck {
	if d.shutdown == nil {
		return d.ack(protocol.ControlError, "Shutdown is not available")
	}
	grace := defaultShutdownGrace
	if v, ok := req.Params["grace_period_seconds"]; ok {
		secs, err := numberParam(v)
		if err != nil || secs < 0 {
			return d.ack(protocol.ControlError, "grace_period_seconds must be a non-negative number")
		}
		grace = time.Duration(secs * float64(time.Second))
	}
	d.logger.InfoContext(ctx, "shutdown requested", "reason", req.Reason, "grace", grace)
	d.shutdown(grace, req.Reason)
	return d.ack(protocol.ControlSuccess, "Shutdown requested")
}

func (d *Dispatcher) ack(status protocol.ControlStatus, message string) protocol.ControlAck {
	return protocol.ControlAck{Status: status, Message: message, Timestamp: d.now().UTC()}
}

func boolParam(params map[string]any, key string, fallback bool) (bool, error) {
	v, ok := params[key]
	if !ok || v == nil {
		return fallback, nil
	}
	switch b := v.(type) {
	case bool:
		return b, nil
	case string:
		parsed, err := strconv.ParseBool(strings.TrimSpace(b))
		if err != nil {
			return false, fmt.Errorf("%s must be a boolean", key)
		}
		return parsed, nil
	default:
		return false, fmt.Errorf("%s must be a boolean", key)
	}
}

func numberParam(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case string:
		return strconv.ParseFloat(strings.TrimSpace(n), 64)
	default:
		return 0, fmt.Errorf("not a number: %T", v)
	}
}
