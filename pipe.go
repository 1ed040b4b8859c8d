package mpipe

import (
	"context"
	"fmt"

	"github.com/clusterpipe/mpipe/internal/pipetable"
)

// Pipe is a handle to one logical reliable byte stream multiplexed
// over a Multiplexer's shared socket. Obtain one from
// Multiplexer.OpenPipe; every node in the cluster must call OpenPipe
// the same number of times in the same order, since a pipe's id is
// simply the position of its OpenPipe call in that shared sequence.
type Pipe struct {
	mux *Multiplexer
	id  uint32
}

// ID returns the pipe's id, stable for its lifetime.
func (p *Pipe) ID() uint32 { return p.id }

// OpenPipe allocates a new pipe and performs its collective creation
// handshake: the master waits for every slave's first report before
// replying, and each slave retries its report until it sees that
// reply. All nodes must call OpenPipe in lockstep.
func (m *Multiplexer) OpenPipe(ctx context.Context) (*Pipe, error) {
	id := m.pipes.Allocate()

	var ps *pipetable.PipeState
	if m.role == RoleMaster {
		ps = pipetable.NewMasterPipeState(int(m.numSlaves))
	} else {
		ps = pipetable.NewSlavePipeState(m.nodeIndex)
	}
	m.pipes.Insert(id, ps)

	var err error
	if m.role == RoleMaster {
		err = m.openPipeMaster(ctx, id, ps)
	} else {
		err = m.openPipeSlave(ctx, id, ps)
	}
	if err != nil {
		m.pipes.Remove(id)
		return nil, err
	}
	return &Pipe{mux: m, id: id}, nil
}

func (p *Pipe) state() (*pipetable.PipeState, error) {
	ps, ok := p.mux.pipes.Get(p.id)
	if !ok {
		return nil, NewPipeError("Pipe", p.id, KindClosedPipe, "pipe is not open on this node")
	}
	return ps, nil
}

// SendPacket sends payload as the next packet on the pipe. Master
// only: called on a slave it returns a KindInvalidRole error, exactly
// as spec.md's role split prescribes (data flows master to slaves
// only).
func (p *Pipe) SendPacket(ctx context.Context, payload []byte) error {
	if p.mux.role != RoleMaster {
		return NewPipeError("SendPacket", p.id, KindInvalidRole, "SendPacket is master-only")
	}
	if len(payload) > MaxPacketSize {
		return fmt.Errorf("mpipe: SendPacket: pipe=%d: payload of %d bytes exceeds MaxPacketSize (%d)", p.id, len(payload), MaxPacketSize)
	}
	ps, err := p.state()
	if err != nil {
		return err
	}
	return p.mux.masterSendPacket(ctx, p.id, ps, payload)
}

// ReceivePacket blocks until the next in-order packet is available on
// the pipe, or ctx is done, and returns a copy of its payload. Slave
// only.
func (p *Pipe) ReceivePacket(ctx context.Context) ([]byte, error) {
	if p.mux.role != RoleSlave {
		return nil, NewPipeError("ReceivePacket", p.id, KindInvalidRole, "ReceivePacket is slave-only")
	}
	ps, err := p.state()
	if err != nil {
		return nil, err
	}
	return p.mux.slaveReceivePacket(ctx, p.id, ps)
}

// Barrier blocks until every node in the cluster has called Barrier on
// this pipe, advancing it to the next generation together. It is
// idempotent under message loss: a retried report from a node that
// already completed this generation is answered without re-running
// the barrier.
func (p *Pipe) Barrier(ctx context.Context) error {
	ps, err := p.state()
	if err != nil {
		return err
	}
	if p.mux.role == RoleMaster {
		return p.mux.barrierMaster(ctx, p.id, ps)
	}
	return p.mux.barrierSlave(ctx, p.id, ps)
}

// Gather combines value from every node using op and returns the
// reduced result to every node, with the same collective control flow
// and loss-idempotence as Barrier.
func (p *Pipe) Gather(ctx context.Context, value uint32, op GatherOp) (uint32, error) {
	ps, err := p.state()
	if err != nil {
		return 0, err
	}
	if p.mux.role == RoleMaster {
		return p.mux.gatherMaster(ctx, p.id, ps, value, op)
	}
	return p.mux.gatherSlave(ctx, p.id, ps, value)
}

// ClosePipe performs a final barrier so every node has drained the
// pipe, then removes it from the table and returns any packets still
// retained to the arena. Calling ClosePipe on a pipe already closed on
// this node returns a KindDoubleClose error.
func (p *Pipe) ClosePipe(ctx context.Context) error {
	ps, err := p.state()
	if err != nil {
		return NewPipeError("ClosePipe", p.id, KindDoubleClose, "pipe already closed on this node")
	}
	if err := p.Barrier(ctx); err != nil {
		return err
	}

	ps.Lock()
	for {
		slot, ok := ps.PacketList.PopFront()
		if !ok {
			break
		}
		p.mux.arena.Put(slot)
	}
	ps.Unlock()

	p.mux.pipes.Remove(p.id)
	return nil
}
