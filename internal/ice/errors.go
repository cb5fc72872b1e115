package ice

import (
	"net"

	"github.com/pkg/errors"
)

// Reason enumerates the kinds of terminal outcome a nomination can report.
// It is the Go expression of spec.md's error-kind taxonomy.
type Reason string

const (
	ReasonTimeout            Reason = "timeout"
	ReasonBindFailure        Reason = "bindFailure"
	ReasonNominationRejected Reason = "nominationRejected"
	ReasonCancelled          Reason = "cancelled"
	// ReasonProgrammerError is how a caller-contract violation (a zero
	// session id, an empty candidate list) surfaces in release builds: a
	// generic failure rather than a panic reaching the caller.
	ReasonProgrammerError Reason = "programmerError"
)

// FormatError wraps a malformed STUN datagram. It is never fatal: the
// Multiplexer logs it, bumps a counter, and drops the datagram.
type FormatError struct {
	cause error
}

func newFormatError(format string, args ...interface{}) *FormatError {
	return &FormatError{cause: errors.Errorf(format, args...)}
}

func (e *FormatError) Error() string {
	return "ice: malformed STUN message: " + e.cause.Error()
}

func (e *FormatError) Unwrap() error { return e.cause }

var (
	// ErrEmptyCandidateList is a ProgrammerError: StartSession requires at
	// least one local and one remote candidate.
	ErrEmptyCandidateList = errors.New("ice: local or remote candidate list is empty")
	// ErrInvalidSessionID is a ProgrammerError: session ids must be nonzero.
	ErrInvalidSessionID = errors.New("ice: session id must be nonzero")
	// ErrSessionCancelled is returned from StartSession to a caller that
	// joined an already running session when that caller's context is
	// cancelled before the session finishes. The caller that started the
	// session gets a NominationFailed record with ReasonCancelled instead.
	ErrSessionCancelled = errors.New("ice: session cancelled")
)

func errInvalidAddrType(addr net.Addr) error {
	return errors.Errorf("ice: unsupported address type %T", addr)
}
