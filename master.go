package mpipe

import (
	"context"
	"fmt"
	"time"

	"github.com/clusterpipe/mpipe/internal/constants"
	"github.com/clusterpipe/mpipe/internal/pipetable"
	"github.com/clusterpipe/mpipe/internal/wire"
)

// runMasterLoop is the master's packet-handling goroutine. It never
// receives data packets (SendPacket is master-only), so every inbound
// datagram is decoded as a SlaveMessage. The source blocks unboundedly
// in recv and relies on thread cancellation to stop; Go has no
// equivalent, so this polls the socket in MasterPollInterval slices and
// rechecks the stop flag between them.
func (m *Multiplexer) runMasterLoop() {
	defer m.wg.Done()

	buf := make([]byte, wire.HeaderSize+constants.MaxPacketSize)
	for {
		if m.isStopping() {
			return
		}
		n, _, ok, err := m.socket.RecvFrom(buf, constants.MasterPollInterval)
		if err != nil {
			m.setFatal(WrapError("runMasterLoop", KindReceiveError, err))
			return
		}
		if !ok {
			continue
		}
		m.handleMasterDatagram(buf[:n])
	}
}

func (m *Multiplexer) handleMasterDatagram(data []byte) {
	sm, err := wire.DecodeSlaveMessage(data)
	if err != nil {
		m.log.Warn("dropping malformed slave message", "err", err)
		return
	}
	m.handleSlaveMessage(sm)
}

func (m *Multiplexer) handleSlaveMessage(sm wire.SlaveMessage) {
	switch sm.MessageID {
	case wire.MessageConnection:
		m.handleSlaveConnection(sm)
	case wire.MessagePing:
		m.sendMasterBurst(wire.MasterMessage{MessageID: wire.MessagePing}, 1)
	case wire.MessageCreatePipe:
		m.handleCreatePipeFromSlave(sm)
	case wire.MessageAcknowledgment, wire.MessagePacketLoss:
		m.handleAckOrLoss(sm)
	case wire.MessageBarrier, wire.MessageGather:
		m.handleBarrierOrGatherFromSlave(sm)
	}
}

// handleSlaveConnection latches one slave's CONNECTION report. Once
// every slave has reported, the master bursts a CONNECTION reply and
// marks itself connected; after that, any late or resent CONNECTION
// message gets a single reply so a straggler's own burst isn't
// required to land entirely.
func (m *Multiplexer) handleSlaveConnection(sm wire.SlaveMessage) {
	m.connMu.Lock()
	wasConnected := m.connected
	idx := sm.NodeIndex - 1
	if idx < uint32(len(m.slaveConnected)) {
		m.slaveConnected[idx] = true
	}
	allConnected := true
	for _, c := range m.slaveConnected {
		if !c {
			allConnected = false
			break
		}
	}
	m.connMu.Unlock()

	switch {
	case allConnected && !wasConnected:
		m.sendMasterBurst(wire.MasterMessage{MessageID: wire.MessageConnection}, m.masterMessageBurstSize)
		m.markConnected()
	case wasConnected:
		m.sendMasterBurst(wire.MasterMessage{MessageID: wire.MessageConnection}, 1)
	}
}

// handleCreatePipeFromSlave records a slave's first CREATEPIPE report
// for a pipe and, if the pipe has already completed openPipe on the
// master, resends the CREATEPIPE reply so a lost reply doesn't strand
// the slave. The reply for a *new* completion is sent by the master
// user thread blocked in openPipeMaster, not here.
func (m *Multiplexer) handleCreatePipeFromSlave(sm wire.SlaveMessage) {
	lp, ok := m.pipes.Lookup(sm.PipeID)
	if !ok {
		return
	}
	defer lp.Release()
	ps := lp.State()

	if ps.BarrierID >= 1 {
		m.sendMasterBurst(wire.MasterMessage{MessageID: wire.MessageCreatePipe, TargetPipeID: sm.PipeID, BarrierID: ps.BarrierID}, 1)
		return
	}

	idx := sm.NodeIndex - 1
	if idx < uint32(len(ps.SlaveBarrierIDs)) && ps.SlaveBarrierIDs[idx] < 1 {
		ps.SlaveBarrierIDs[idx] = 1
	}
	if ps.MinSlaveBarrierID() >= 1 {
		ps.BarrierSig.Broadcast()
	}
}

// handleBarrierOrGatherFromSlave records a slave's barrier/gather
// report. A report at or below the pipe's current completed
// generation is stale (the slave hasn't yet seen the prior reply) and
// gets a single resend; a fresh report updates the per-slave tracking
// and wakes the waiting master thread once every slave has caught up.
func (m *Multiplexer) handleBarrierOrGatherFromSlave(sm wire.SlaveMessage) {
	lp, ok := m.pipes.Lookup(sm.PipeID)
	if !ok {
		return
	}
	defer lp.Release()
	ps := lp.State()

	if sm.BarrierID <= ps.BarrierID {
		m.sendMasterBurst(wire.MasterMessage{
			MessageID:    sm.MessageID,
			TargetPipeID: sm.PipeID,
			BarrierID:    ps.BarrierID,
			MasterValue:  ps.MasterGatherValue,
		}, 1)
		return
	}

	idx := sm.NodeIndex - 1
	if idx >= uint32(len(ps.SlaveBarrierIDs)) {
		return
	}
	ps.SlaveBarrierIDs[idx] = sm.BarrierID
	if sm.MessageID == wire.MessageGather {
		ps.SlaveGatherValues[idx] = sm.SlaveValue
	}
	if ps.MinSlaveBarrierID() > ps.BarrierID {
		ps.BarrierSig.Broadcast()
	}
}

// handleAckOrLoss applies one slave's ACKNOWLEDGMENT or PACKETLOSS
// report to pipeID's flow-control state, then, for PACKETLOSS,
// retransmits every retained packet from the missing position onward.
func (m *Multiplexer) handleAckOrLoss(sm wire.SlaveMessage) {
	lp, ok := m.pipes.Lookup(sm.PipeID)
	if !ok {
		return
	}
	defer lp.Release()
	ps := lp.State()

	m.processAcknowledgment(ps, sm.NodeIndex-1, sm.StreamPos)
	if sm.MessageID == wire.MessagePacketLoss {
		// StreamPos carries the first missing byte; PacketPos is the
		// out-of-order packet's own position, kept for diagnostics only.
		m.retransmitFrom(ps, sm.PipeID, sm.StreamPos)
	}
}

// processAcknowledgment updates pipeID's per-slave offset for
// slaveIndex given the slave's freshly reported stream position, and
// discards any retained packets every slave has now acknowledged past.
// The caller must hold ps's lock.
func (m *Multiplexer) processAcknowledgment(ps *pipetable.PipeState, slaveIndex uint32, streamPos uint32) {
	if slaveIndex >= uint32(len(ps.SlaveStreamPosOffsets)) {
		return
	}
	offset := uint32(int32(streamPos) - int32(ps.HeadStreamPos.Uint32()))
	if offset == 0 {
		return
	}
	if ps.SlaveStreamPosOffsets[slaveIndex] == 0 {
		ps.NumHeadSlaves--
	}
	ps.SlaveStreamPosOffsets[slaveIndex] = offset
	if ps.NumHeadSlaves != 0 {
		return
	}

	minOffset := ps.SlaveStreamPosOffsets[0]
	for _, v := range ps.SlaveStreamPosOffsets[1:] {
		if v < minOffset {
			minOffset = v
		}
	}
	if minOffset == 0 {
		return
	}

	var discarded uint32
	for {
		id, ok := ps.PacketList.Front()
		if !ok {
			break
		}
		pkt := m.arena.At(id)
		if pkt.PayloadSize > minOffset-discarded {
			break
		}
		ps.PacketList.PopFront()
		discarded += pkt.PayloadSize
		m.arena.Put(id)
	}
	if discarded == 0 {
		return
	}
	ps.HeadStreamPos = ps.HeadStreamPos.Add(discarded)
	ps.NumHeadSlaves = 0
	for i := range ps.SlaveStreamPosOffsets {
		ps.SlaveStreamPosOffsets[i] -= discarded
		if ps.SlaveStreamPosOffsets[i] == 0 {
			ps.NumHeadSlaves++
		}
	}
	ps.ReceiveSig.Broadcast()
}

// retransmitFrom resends every packet retained in ps.PacketList from
// missingPos onward. If missingPos has already been discarded, the
// reporting slave is unrecoverably behind and the condition is fatal.
func (m *Multiplexer) retransmitFrom(ps *pipetable.PipeState, pipeID uint32, missingPos uint32) {
	ids := ps.PacketList.All()
	start := -1
	for i, id := range ids {
		if m.arena.At(id).StreamPos == missingPos {
			start = i
			break
		}
	}
	if start == -1 {
		m.setFatal(NewPipeError("retransmitFrom", pipeID, KindFatalPacketLoss,
			fmt.Sprintf("stream position %d requested by slave is no longer retained", missingPos)))
		return
	}

	count := 0
	for _, id := range ids[start:] {
		pkt := m.arena.At(id)
		buf := make([]byte, wire.HeaderSize+int(pkt.PayloadSize))
		wire.EncodeHeader(buf, wire.PacketHeader{PipeID: pkt.PipeID, StreamPos: pkt.StreamPos})
		copy(buf[wire.HeaderSize:], pkt.Bytes())
		if err := m.send(buf); err != nil {
			m.log.Error("retransmit failed", "pipe", pipeID, "err", err)
			continue
		}
		count++
	}
	m.observer.ObserveRetransmit(pipeID, count)
}

// openPipeMaster blocks until every slave's first CREATEPIPE report
// has arrived for pipeID, then bursts the CREATEPIPE reply.
func (m *Multiplexer) openPipeMaster(ctx context.Context, pipeID uint32, ps *pipetable.PipeState) error {
	ps.Lock()
	err := waitUntilLocked(ctx, ps.BarrierSig, m.barrierWaitTimeout, func() bool { return ps.MinSlaveBarrierID() >= 1 })
	if err != nil {
		ps.Unlock()
		return err
	}
	ps.BarrierID = 1
	ps.Unlock()

	m.sendMasterBurst(wire.MasterMessage{MessageID: wire.MessageCreatePipe, TargetPipeID: pipeID, BarrierID: 1}, m.masterMessageBurstSize)
	return nil
}

// barrierMaster blocks until every slave has reported the next barrier
// generation for pipeID, discards every retained packet (a barrier
// implies every slave has consumed up to this point), resets
// flow-control tracking, and bursts the BARRIER reply.
func (m *Multiplexer) barrierMaster(ctx context.Context, pipeID uint32, ps *pipetable.PipeState) error {
	start := time.Now()
	ps.Lock()
	next := ps.BarrierID + 1
	err := waitUntilLocked(ctx, ps.BarrierSig, m.barrierWaitTimeout, func() bool { return ps.MinSlaveBarrierID() >= next })
	if err != nil {
		ps.Unlock()
		return err
	}
	m.flushAndResetLocked(ps)
	ps.BarrierID = next
	ps.Unlock()

	m.sendMasterBurst(wire.MasterMessage{MessageID: wire.MessageBarrier, TargetPipeID: pipeID, BarrierID: next}, m.masterMessageBurstSize)
	m.observer.ObserveBarrierLatency(pipeID, time.Since(start))
	return nil
}

// gatherMaster behaves like barrierMaster but additionally reduces
// value together with every slave's reported SlaveValue using op, and
// returns the result.
func (m *Multiplexer) gatherMaster(ctx context.Context, pipeID uint32, ps *pipetable.PipeState, value uint32, op GatherOp) (uint32, error) {
	start := time.Now()
	ps.Lock()
	next := ps.BarrierID + 1
	err := waitUntilLocked(ctx, ps.BarrierSig, m.barrierWaitTimeout, func() bool { return ps.MinSlaveBarrierID() >= next })
	if err != nil {
		ps.Unlock()
		return 0, err
	}

	result := value
	for _, v := range ps.SlaveGatherValues {
		result = op.Apply(result, v)
	}
	m.flushAndResetLocked(ps)
	ps.MasterGatherValue = result
	ps.BarrierID = next
	ps.Unlock()

	m.sendMasterBurst(wire.MasterMessage{MessageID: wire.MessageGather, TargetPipeID: pipeID, BarrierID: next, MasterValue: result}, m.masterMessageBurstSize)
	m.observer.ObserveBarrierLatency(pipeID, time.Since(start))
	return result, nil
}

// masterSendPacket assigns the next stream position on pipeID, retains
// a copy of payload in the arena for possible retransmission, and puts
// the packet on the wire. It blocks while the pipe's retained-packet
// count is at sendBufferSize, i.e. while the slowest slave is too far
// behind, until ctx is done.
func (m *Multiplexer) masterSendPacket(ctx context.Context, pipeID uint32, ps *pipetable.PipeState, payload []byte) error {
	ps.Lock()
	err := waitUntilLocked(ctx, ps.ReceiveSig, m.receiveWaitTimeout, func() bool {
		return ps.PacketList.Len() < m.sendBufferSize
	})
	if err != nil {
		ps.Unlock()
		return err
	}

	streamPos := ps.StreamPos
	ps.StreamPos = ps.StreamPos.Add(uint32(len(payload)))

	slot := m.arena.Get()
	pkt := m.arena.At(slot)
	pkt.PipeID = pipeID
	pkt.StreamPos = streamPos.Uint32()
	pkt.PayloadSize = uint32(len(payload))
	copy(pkt.Payload[:], payload)
	ps.PacketList.PushBack(slot)
	ps.Unlock()

	buf := make([]byte, wire.HeaderSize+len(payload))
	wire.EncodeHeader(buf, wire.PacketHeader{PipeID: pipeID, StreamPos: streamPos.Uint32()})
	copy(buf[wire.HeaderSize:], payload)
	if err := m.send(buf); err != nil {
		return fmt.Errorf("mpipe: SendPacket: pipe=%d: %w", pipeID, err)
	}
	m.observer.ObservePacketSent(pipeID, len(payload))
	return nil
}

// flushAndResetLocked discards every packet ps is still retaining and
// resets per-slave flow-control offsets, as barrierMaster/gatherMaster
// do once a generation completes: past the barrier, every slave is
// known to have consumed everything sent before it. The caller must
// hold ps's lock.
func (m *Multiplexer) flushAndResetLocked(ps *pipetable.PipeState) {
	for {
		id, ok := ps.PacketList.PopFront()
		if !ok {
			break
		}
		m.arena.Put(id)
	}
	ps.HeadStreamPos = ps.StreamPos
	for i := range ps.SlaveStreamPosOffsets {
		ps.SlaveStreamPosOffsets[i] = 0
	}
	ps.NumHeadSlaves = len(ps.SlaveStreamPosOffsets)
}
