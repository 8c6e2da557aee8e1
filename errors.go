package vireo

import (
	"errors"
	"fmt"
)

// Kind classifies an error by recovery policy rather than by Go type, per the
// error taxonomy: TransientNetwork errors are retried internally, everything
// else is surfaced to the host application as an observable event.
type Kind byte

const (
	// KindTransientNetwork covers transport timeouts, 5xx and 429 responses.
	// Retried inside RestClient/NodeClient with backoff and jitter.
	KindTransientNetwork Kind = iota
	// KindProtocol covers malformed payloads or unexpected ops. Logged and
	// dropped; the connection stays up.
	KindProtocol
	// KindValidation covers a bad argument from the caller. Surfaced
	// synchronously; no state change occurs.
	KindValidation
	// KindContract covers a node reporting loadType "error", or a PATCH
	// returning 4xx. Surfaced to the Player as a playback failure.
	KindContract
	// KindFatal covers conditions like all nodes disconnected, or destroy
	// after destroy. Surfaced to the Orchestrator.
	KindFatal
	// KindVoiceTimeout covers a voice binding incomplete after the grace
	// window. Connection stays Connecting.
	KindVoiceTimeout
)

func (k Kind) String() string {
	switch k {
	case KindTransientNetwork:
		return "transient_network"
	case KindProtocol:
		return "protocol"
	case KindValidation:
		return "validation"
	case KindContract:
		return "contract"
	case KindFatal:
		return "fatal"
	case KindVoiceTimeout:
		return "voice_timeout"
	default:
		return "unknown"
	}
}

// Error is the core's sole error type. Op names the operation that failed
// (e.g. "Player.Seek", "RestClient.LoadTracks") so logs can be grepped by
// call site without needing a stack trace.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error. err may be nil when the failure has no underlying
// cause (e.g. a validation error constructed directly from bad input).
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Is reports whether err is a *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
