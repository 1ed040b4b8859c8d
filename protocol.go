package mpipe

import (
	"context"
	"time"

	"github.com/clusterpipe/mpipe/internal/condvar"
	"github.com/clusterpipe/mpipe/internal/pipetable"
	"github.com/clusterpipe/mpipe/internal/wire"
)

// send serializes one datagram write behind the multiplexer's single
// socket mutex, matching spec.md's socketMutex discipline: this is the
// innermost lock in the hierarchy and is never held while waiting.
func (m *Multiplexer) send(buf []byte) error {
	m.sendMu.Lock()
	defer m.sendMu.Unlock()
	return m.socket.SendTo(buf)
}

func (m *Multiplexer) sendSlaveMessage(sm wire.SlaveMessage) error {
	return m.send(sm.Encode(nil))
}

func (m *Multiplexer) sendSlaveBurst(sm wire.SlaveMessage, n int) {
	buf := sm.Encode(nil)
	for i := 0; i < n; i++ {
		if err := m.send(buf); err != nil {
			m.log.Warn("slave message send failed", "messageId", sm.MessageID.String(), "err", err)
		}
	}
}

func (m *Multiplexer) sendMasterMessage(mm wire.MasterMessage) error {
	return m.send(mm.Encode(nil))
}

func (m *Multiplexer) sendMasterBurst(mm wire.MasterMessage, n int) {
	buf := mm.Encode(nil)
	for i := 0; i < n; i++ {
		if err := m.send(buf); err != nil {
			m.log.Warn("master message send failed", "messageId", mm.MessageID.String(), "err", err)
		}
	}
}

// setFatal records the first fatal condition observed by the
// packet-handling goroutine. Subsequent calls are ignored: only the
// first fatal error is kept, since it is usually the root cause.
func (m *Multiplexer) setFatal(err *Error) {
	m.fatal.CompareAndSwap(nil, err)
	m.log.Error("fatal condition", "op", err.Op, "kind", string(err.Kind), "msg", err.Msg)
}

// Err returns the first fatal error the packet-handling goroutine
// latched, or nil if none was latched. A non-nil result does not imply
// the goroutine has stopped (see Multiplexer.fatal).
func (m *Multiplexer) Err() error {
	e := m.fatal.Load()
	if e == nil {
		return nil
	}
	return e
}

// waitUntilLocked blocks on cond, which must be backed by a lock the
// caller already holds, until predicate() is true or ctx is done. It
// polls in pollInterval-sized slices so ctx cancellation is observed
// promptly even though condvar.Cond itself has no context awareness.
func waitUntilLocked(ctx context.Context, cond *condvar.Cond, pollInterval time.Duration, predicate func() bool) error {
	for !predicate() {
		if err := ctx.Err(); err != nil {
			return err
		}
		deadline := time.Now().Add(pollInterval)
		if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
			deadline = d
		}
		cond.WaitUntil(deadline)
	}
	return nil
}

// retryLoopLocked repeatedly unlocks ps to call send, then relocks and
// waits up to pollInterval on ps.BarrierSig for progress, until done()
// is true or ctx is done. The caller must hold ps's lock on entry and
// exit. This is the shared shape behind the slave side of
// openPipe/barrier/gather: resend, wait a bounded slice, recheck.
func retryLoopLocked(ctx context.Context, ps *pipetable.PipeState, pollInterval time.Duration, send func(), done func() bool) error {
	for !done() {
		if err := ctx.Err(); err != nil {
			return err
		}
		ps.Unlock()
		send()
		ps.Lock()
		if done() {
			break
		}
		ps.BarrierSig.WaitUntil(time.Now().Add(pollInterval))
	}
	return nil
}
