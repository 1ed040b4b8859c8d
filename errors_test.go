package mpipe

import (
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewErrorFormatting(t *testing.T) {
	err := NewError("Connect", KindResolveFailed, "could not resolve slave host")
	assert.Equal(t, "mpipe: Connect: could not resolve slave host", err.Error())
	assert.Equal(t, KindResolveFailed, err.Kind)
}

func TestNewPipeErrorIncludesPipeID(t *testing.T) {
	err := NewPipeError("SendPacket", 3, KindClosedPipe, "unknown pipe")
	assert.Equal(t, "mpipe: SendPacket: pipe=3: unknown pipe", err.Error())
	assert.Equal(t, uint32(3), err.PipeID)
}

func TestErrorFallsBackToKindWhenMsgEmpty(t *testing.T) {
	err := NewError("Ping", KindCommunicationLost, "")
	assert.Contains(t, err.Error(), string(KindCommunicationLost))
}

func TestWrapErrorNilReturnsNil(t *testing.T) {
	assert.Nil(t, WrapError("op", KindReceiveError, nil))
}

func TestWrapErrorPreservesCauseChain(t *testing.T) {
	cause := io.ErrClosedPipe
	err := WrapError("RecvFrom", KindReceiveError, cause)
	assert.True(t, errors.Is(err, cause))
	assert.Equal(t, KindReceiveError, err.Kind)
}

func TestErrorIsMatchesByKind(t *testing.T) {
	a := NewPipeError("ClosePipe", 1, KindDoubleClose, "")
	b := &Error{Kind: KindDoubleClose}
	c := &Error{Kind: KindFatalPacketLoss}

	assert.True(t, errors.Is(a, b))
	assert.False(t, errors.Is(a, c))
}

func TestIsKind(t *testing.T) {
	err := NewError("openPipe", KindInvalidRole, "master-only operation")
	assert.True(t, IsKind(err, KindInvalidRole))
	assert.False(t, IsKind(err, KindClosedPipe))
	assert.False(t, IsKind(nil, KindInvalidRole))
	assert.False(t, IsKind(io.ErrClosedPipe, KindInvalidRole))
}

func TestIsKindThroughWrappedError(t *testing.T) {
	inner := NewError("Bind", KindSocketSetupFailed, "bind failed")
	outer := fmt.Errorf("New: %w", inner)
	assert.True(t, IsKind(outer, KindSocketSetupFailed))
}
