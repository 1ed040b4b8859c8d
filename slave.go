package mpipe

import (
	"context"
	"time"

	"github.com/clusterpipe/mpipe/internal/constants"
	"github.com/clusterpipe/mpipe/internal/pipetable"
	"github.com/clusterpipe/mpipe/internal/streampos"
	"github.com/clusterpipe/mpipe/internal/wire"
)

// runSlaveLoop is the slave's packet-handling goroutine. It first
// runs the connection handshake, then waits for a datagram up to
// pingTimeout; on timeout it bursts a PING and counts the attempt,
// escalating to a fatal KindCommunicationLost once maxPingRequests is
// exhausted without a reply.
func (m *Multiplexer) runSlaveLoop() {
	defer m.wg.Done()

	if !m.connectSlave() {
		return
	}

	buf := make([]byte, wire.HeaderSize+constants.MaxPacketSize)
	pingAttempts := 0
	for {
		if m.isStopping() {
			return
		}
		n, _, ok, err := m.socket.RecvFrom(buf, m.pingTimeout)
		if err != nil {
			m.setFatal(WrapError("runSlaveLoop", KindReceiveError, err))
			return
		}
		if !ok {
			pingAttempts++
			if pingAttempts > m.maxPingRequests {
				m.setFatal(NewError("runSlaveLoop", KindCommunicationLost, "master did not respond within the ping retry budget"))
				return
			}
			m.sendSlaveBurst(wire.SlaveMessage{NodeIndex: m.nodeIndex, MessageID: wire.MessagePing}, m.slaveMessageBurstSize)
			continue
		}
		pingAttempts = 0
		m.handleSlaveDatagram(buf[:n])
	}
}

// connectSlave bursts CONNECTION messages and waits up to
// connectionWaitTimeout for a reply, repeating until the master's
// CONNECTION reply marks the cluster connected. Returns false if the
// multiplexer is stopped or the socket fails before that happens.
func (m *Multiplexer) connectSlave() bool {
	buf := make([]byte, wire.HeaderSize+constants.MaxPacketSize)
	for !m.isConnected() {
		if m.isStopping() {
			return false
		}
		m.sendSlaveBurst(wire.SlaveMessage{NodeIndex: m.nodeIndex, MessageID: wire.MessageConnection}, m.slaveMessageBurstSize)

		n, _, ok, err := m.socket.RecvFrom(buf, m.connectionWaitTimeout)
		if err != nil {
			m.setFatal(WrapError("connectSlave", KindReceiveError, err))
			return false
		}
		if ok {
			m.handleSlaveDatagram(buf[:n])
		}
	}
	return true
}

func (m *Multiplexer) handleSlaveDatagram(data []byte) {
	pipeID, err := wire.PeekPipeID(data)
	if err != nil {
		m.log.Warn("dropping undersized datagram", "err", err)
		return
	}
	if pipeID == 0 {
		mm, err := wire.DecodeMasterMessage(data)
		if err != nil {
			m.log.Warn("dropping malformed master message", "err", err)
			return
		}
		m.handleMasterMessage(mm)
		return
	}
	m.handleDataPacket(pipeID, data)
}

// handleMasterMessage dispatches one control message from the master.
// Any message at all, of any kind, marks the cluster connected on this
// node: the master's first reply (to whichever message arrives first)
// is proof the handshake succeeded.
func (m *Multiplexer) handleMasterMessage(mm wire.MasterMessage) {
	m.markConnected()
	switch mm.MessageID {
	case wire.MessageCreatePipe, wire.MessageBarrier, wire.MessageGather:
		m.applyMasterProgress(mm)
	}
}

// applyMasterProgress advances the named pipe's barrier generation and
// wakes anything waiting on it, if mm reports a generation past what
// this node has already observed. A stale or duplicate reply (already
// observed) is silently ignored.
func (m *Multiplexer) applyMasterProgress(mm wire.MasterMessage) {
	lp, ok := m.pipes.Lookup(mm.TargetPipeID)
	if !ok {
		return
	}
	defer lp.Release()
	ps := lp.State()

	if mm.BarrierID <= ps.BarrierID {
		return
	}
	ps.BarrierID = mm.BarrierID
	if mm.MessageID == wire.MessageGather {
		ps.MasterGatherValue = mm.MasterValue
	}
	ps.BarrierSig.Broadcast()
}

// handleDataPacket applies one inbound data packet for pipeID: ahead
// of the expected position it's a gap (NAK once, suppress repeats
// until filled), behind it's a stale retransmission (discard), and
// at it's delivered in order and appended to the pipe's receive
// queue.
func (m *Multiplexer) handleDataPacket(pipeID uint32, data []byte) {
	h, err := wire.DecodeHeader(data)
	if err != nil {
		m.setFatal(WrapError("handleDataPacket", KindReceiveError, err))
		return
	}
	lp, ok := m.pipes.Lookup(pipeID)
	if !ok {
		return
	}
	defer lp.Release()
	ps := lp.State()

	payload := data[wire.HeaderSize:]
	pos := streampos.Pos(h.StreamPos)

	switch {
	case pos.After(ps.StreamPos):
		if !ps.PacketLossMode {
			ps.PacketLossMode = true
			m.sendSlaveBurst(wire.SlaveMessage{
				NodeIndex: m.nodeIndex, PipeID: pipeID, MessageID: wire.MessagePacketLoss,
				StreamPos: ps.StreamPos.Uint32(), PacketPos: h.StreamPos,
			}, m.slaveMessageBurstSize)
			m.observer.ObserveNAK(pipeID)
		}
	case pos.Before(ps.StreamPos):
		// Stale retransmission of bytes already delivered; discard.
	default:
		ps.PacketLossMode = false
		ps.StreamPos = ps.StreamPos.Add(uint32(len(payload)))

		if ps.AckCounter == 0 {
			ps.AckCounter = m.numSlaves - 1
			m.sendSlaveMessage(wire.SlaveMessage{
				NodeIndex: m.nodeIndex, PipeID: pipeID, MessageID: wire.MessageAcknowledgment,
				StreamPos: ps.StreamPos.Uint32(),
			})
		} else {
			ps.AckCounter--
		}

		slot := m.arena.Get()
		pkt := m.arena.At(slot)
		pkt.PipeID = pipeID
		pkt.StreamPos = h.StreamPos
		pkt.PayloadSize = uint32(len(payload))
		copy(pkt.Payload[:], payload)

		wasEmpty := ps.PacketList.Empty()
		ps.PacketList.PushBack(slot)
		if wasEmpty {
			ps.ReceiveSig.Broadcast()
		}
		m.observer.ObservePacketReceived(pipeID, len(payload))
	}
}

// slaveReceivePacket blocks until pipeID's receive queue has a packet
// delivered in order, or ctx is done, then pops and returns a copy of
// its payload. A copy is returned rather than a pool-slot handle so
// callers cannot retain a reference past the arena reusing the slot.
func (m *Multiplexer) slaveReceivePacket(ctx context.Context, pipeID uint32, ps *pipetable.PipeState) ([]byte, error) {
	ps.Lock()
	err := waitUntilLocked(ctx, ps.ReceiveSig, m.receiveWaitTimeout, func() bool {
		return !ps.PacketList.Empty()
	})
	if err != nil {
		ps.Unlock()
		return nil, err
	}

	slot, _ := ps.PacketList.PopFront()
	pkt := m.arena.At(slot)
	out := make([]byte, pkt.PayloadSize)
	copy(out, pkt.Bytes())
	m.arena.Put(slot)
	ps.Unlock()

	return out, nil
}

// openPipeSlave bursts CREATEPIPE until the master's reply has been
// observed for pipeID.
func (m *Multiplexer) openPipeSlave(ctx context.Context, pipeID uint32, ps *pipetable.PipeState) error {
	ps.Lock()
	defer ps.Unlock()
	return retryLoopLocked(ctx, ps, m.barrierWaitTimeout,
		func() {
			m.sendSlaveBurst(wire.SlaveMessage{NodeIndex: m.nodeIndex, PipeID: pipeID, MessageID: wire.MessageCreatePipe}, m.slaveMessageBurstSize)
		},
		func() bool { return ps.BarrierID >= 1 },
	)
}

// barrierSlave bursts BARRIER, carrying the next barrier generation,
// until the master's reply has advanced the pipe's barrierId to match.
func (m *Multiplexer) barrierSlave(ctx context.Context, pipeID uint32, ps *pipetable.PipeState) error {
	start := time.Now()
	ps.Lock()
	next := ps.BarrierID + 1
	err := retryLoopLocked(ctx, ps, m.barrierWaitTimeout,
		func() {
			m.sendSlaveBurst(wire.SlaveMessage{NodeIndex: m.nodeIndex, PipeID: pipeID, MessageID: wire.MessageBarrier, BarrierID: next}, m.slaveMessageBurstSize)
		},
		func() bool { return ps.BarrierID >= next },
	)
	ps.Unlock()
	if err == nil {
		m.observer.ObserveBarrierLatency(pipeID, time.Since(start))
	}
	return err
}

// gatherSlave behaves like barrierSlave, additionally carrying value
// to the master, and returns the reduced value the master sends back.
func (m *Multiplexer) gatherSlave(ctx context.Context, pipeID uint32, ps *pipetable.PipeState, value uint32) (uint32, error) {
	start := time.Now()
	ps.Lock()
	next := ps.BarrierID + 1
	err := retryLoopLocked(ctx, ps, m.barrierWaitTimeout,
		func() {
			m.sendSlaveBurst(wire.SlaveMessage{NodeIndex: m.nodeIndex, PipeID: pipeID, MessageID: wire.MessageGather, BarrierID: next, SlaveValue: value}, m.slaveMessageBurstSize)
		},
		func() bool { return ps.BarrierID >= next },
	)
	result := ps.MasterGatherValue
	ps.Unlock()
	if err != nil {
		return 0, err
	}
	m.observer.ObserveBarrierLatency(pipeID, time.Since(start))
	return result, nil
}
