package mpipe

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrorKind categorizes a mpipe Error into the recovery classes spec.md
// §7 defines: construction failures, fatal runtime conditions, and
// recoverable call-site misuse.
type ErrorKind string

const (
	// KindResolveFailed: host or multicast-group DNS lookup failed.
	// Construction only.
	KindResolveFailed ErrorKind = "resolve failed"

	// KindSocketSetupFailed: socket/bind/setsockopt failed. Construction
	// only.
	KindSocketSetupFailed ErrorKind = "socket setup failed"

	// KindCommunicationLost: a slave's ping retry budget was exhausted.
	// Fatal to the multiplexer.
	KindCommunicationLost ErrorKind = "communication lost"

	// KindFatalPacketLoss: the master received a PACKETLOSS report for
	// bytes already discarded from its resend queue; the reporting slave
	// is unrecoverably behind. Fatal.
	KindFatalPacketLoss ErrorKind = "fatal packet loss"

	// KindReceiveError: a socket receive failed. Fatal.
	KindReceiveError ErrorKind = "receive error"

	// KindClosedPipe: a user operation named an unknown pipeId.
	// Recoverable at the call site.
	KindClosedPipe ErrorKind = "closed pipe"

	// KindDoubleClose: ClosePipe was called on an unknown pipeId.
	// Recoverable.
	KindDoubleClose ErrorKind = "double close"

	// KindInvalidRole: an operation was invoked on a node whose role
	// (master/slave) does not support it, e.g. SendPacket on a slave.
	KindInvalidRole ErrorKind = "invalid role"
)

// Error is the structured error type mpipe operations return for the
// kinds above. Context cancellation, an oversized SendPacket payload,
// and a failed socket write are returned as plain errors instead. Op
// names the operation that failed, PipeID identifies the pipe involved
// (0 if not applicable), and Inner carries the underlying cause when
// one exists.
type Error struct {
	Op     string
	PipeID uint32
	Kind   ErrorKind
	Msg    string
	Inner  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.PipeID != 0 {
		return fmt.Sprintf("mpipe: %s: pipe=%d: %s", e.Op, e.PipeID, msg)
	}
	return fmt.Sprintf("mpipe: %s: %s", e.Op, msg)
}

// Unwrap returns the wrapped cause for errors.Is/As support.
func (e *Error) Unwrap() error { return e.Inner }

// Is reports whether target is a *Error of the same Kind, so callers can
// write errors.Is(err, &mpipe.Error{Kind: mpipe.KindClosedPipe}).
func (e *Error) Is(target error) bool {
	te, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == te.Kind
}

// NewError constructs an Error with no wrapped cause.
func NewError(op string, kind ErrorKind, msg string) *Error {
	return &Error{Op: op, Kind: kind, Msg: msg}
}

// NewPipeError constructs an Error scoped to a specific pipe.
func NewPipeError(op string, pipeID uint32, kind ErrorKind, msg string) *Error {
	return &Error{Op: op, PipeID: pipeID, Kind: kind, Msg: msg}
}

// WrapError wraps inner with operation context and a stack trace via
// pkg/errors, classifying it under kind. Returns nil if inner is nil.
func WrapError(op string, kind ErrorKind, inner error) *Error {
	if inner == nil {
		return nil
	}
	return &Error{
		Op:    op,
		Kind:  kind,
		Msg:   inner.Error(),
		Inner: errors.Wrap(inner, op),
	}
}

// IsKind reports whether err is (or wraps) a *Error with the given Kind.
func IsKind(err error, kind ErrorKind) bool {
	var me *Error
	if errors.As(err, &me) {
		return me.Kind == kind
	}
	return false
}
