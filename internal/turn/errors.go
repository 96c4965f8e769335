package turn

import "errors"

// Kind classifies why a turn did not complete. Kinds double as metric
// outcome labels and as the error.kind field of error increments.
type Kind string

const (
	KindMalformedRequest   Kind = "malformed_request"
	KindConcurrentTurn     Kind = "concurrent_turn_rejected"
	KindGenerationFailed   Kind = "generation_failed"
	KindGenerationTimeout  Kind = "generation_timeout"
	KindCallerDisconnected Kind = "caller_disconnected"
	// KindConsumerUnreachable is only ever logged by the broadcaster.
	KindConsumerUnreachable Kind = "consumer_unreachable"
	// KindInvalidContext is recovered silently by issuing a fresh context id.
	KindInvalidContext Kind = "invalid_context"
)

var (
	ErrMalformedRequest   = errors.New("malformed request")
	ErrConcurrentTurn     = errors.New("concurrent turn rejected")
	ErrGenerationFailed   = errors.New("generation failed")
	ErrGenerationTimeout  = errors.New("generation exceeded maximum turn duration")
	ErrCallerDisconnected = errors.New("caller disconnected")
)

// KindOf maps a pipeline error to its kind.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrMalformedRequest):
		return KindMalformedRequest
	case errors.Is(err, ErrConcurrentTurn):
		return KindConcurrentTurn
	case errors.Is(err, ErrGenerationTimeout):
		return KindGenerationTimeout
	case errors.Is(err, ErrCallerDisconnected):
		return KindCallerDisconnected
	default:
		return KindGenerationFailed
	}
}
