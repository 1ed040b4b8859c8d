// Package pipetable holds the per-pipe shared state every node's
// packet-handling loop and public API operations mutate: stream
// positions, retained/delivered packet queues, flow-control offsets,
// and the barrier/gather collective bookkeeping.
//
// Access from outside the packet-handling goroutine goes exclusively
// through LockedPipe: Table.Lookup finds the PipeState under the table
// lock, then atomically acquires the PipeState's own lock before
// releasing the table lock, so no caller ever holds a pipe's state
// without holding its mutex. This fixes lock acquisition order at
// table → pipe, which every other lock in the package (socket, pool)
// sits below.
package pipetable

import (
	"sync"

	"github.com/clusterpipe/mpipe/internal/condvar"
	"github.com/clusterpipe/mpipe/internal/pool"
	"github.com/clusterpipe/mpipe/internal/streampos"
)

// PipeState is the per-pipe state shared between the user thread(s)
// calling the public API and the node's packet-handling goroutine. A
// single struct serves both master and slave roles; role-specific fields
// are simply unused on the other role.
type PipeState struct {
	mu sync.Mutex

	// StreamPos is, on the master, the next stream position that will be
	// assigned to a sent packet; on a slave, the next position expected
	// to be delivered in order.
	StreamPos streampos.Pos

	// PacketList holds, on the master, retained sent packets awaiting
	// acknowledgment; on a slave, packets delivered in order and awaiting
	// user consumption via ReceivePacket.
	PacketList pool.List

	// ReceiveSig is signaled when a packet is delivered to PacketList (on
	// a slave) or when the master frees send-buffer space by discarding
	// acknowledged packets.
	ReceiveSig *condvar.Cond

	// BarrierSig is signaled when the packet-handling goroutine observes
	// progress toward completing a barrier, gather, or openPipe exchange.
	BarrierSig *condvar.Cond

	// --- Master-only fields ---

	// HeadStreamPos is the stream position of the oldest retained sent
	// packet in PacketList.
	HeadStreamPos streampos.Pos

	// SlaveStreamPosOffsets[i] is slave i's most recently acknowledged
	// stream position minus HeadStreamPos.
	SlaveStreamPosOffsets []uint32

	// NumHeadSlaves counts how many slaves have an offset of zero, i.e.
	// have not yet acknowledged anything past the current head.
	NumHeadSlaves int

	// SlaveBarrierIDs[i] is the highest barrier/openPipe id slave i has
	// reported.
	SlaveBarrierIDs []uint32

	// SlaveGatherValues[i] is the value slave i reported with its most
	// recent BARRIER/GATHER message.
	SlaveGatherValues []uint32

	// --- Slave-only fields ---

	// PacketLossMode is true between detecting a gap on this pipe and
	// receiving the packet that fills it; it suppresses duplicate NAKs.
	PacketLossMode bool

	// AckCounter drives the slave's acknowledgment sampling: every Nth
	// in-order packet gets one ACKNOWLEDGMENT sent. Initialized to
	// nodeIndex-1 so that across all slaves, the master sees
	// approximately one ACK per delivered packet in aggregate; this
	// initialization is preserved exactly and must not be reset to 0.
	AckCounter uint32

	// --- Shared fields ---

	// BarrierID is the current completed barrier generation for this
	// pipe on this node: 0 before openPipe completes, 1 immediately
	// after, and monotonically increasing with each barrier()/gather().
	BarrierID uint32

	// MasterGatherValue is, on the master, the reduced value it computed
	// and sent back with the most recent GATHER reply; on a slave, the
	// value it received in that reply.
	MasterGatherValue uint32
}

// NewMasterPipeState returns a PipeState initialized for master-side use
// with numSlaves tracked slaves.
func NewMasterPipeState(numSlaves int) *PipeState {
	ps := &PipeState{
		SlaveStreamPosOffsets: make([]uint32, numSlaves),
		NumHeadSlaves:         numSlaves,
		SlaveBarrierIDs:       make([]uint32, numSlaves),
		SlaveGatherValues:     make([]uint32, numSlaves),
	}
	ps.ReceiveSig = condvar.New(&ps.mu)
	ps.BarrierSig = condvar.New(&ps.mu)
	return ps
}

// NewSlavePipeState returns a PipeState initialized for slave-side use.
// nodeIndex is this node's 1-based slave index, used to seed the
// acknowledgment sampling counter per spec Design Notes.
func NewSlavePipeState(nodeIndex uint32) *PipeState {
	ps := &PipeState{
		AckCounter: nodeIndex - 1,
	}
	ps.ReceiveSig = condvar.New(&ps.mu)
	ps.BarrierSig = condvar.New(&ps.mu)
	return ps
}

// Lock and Unlock satisfy sync.Locker so PipeState can back its own
// condition variables directly.
func (ps *PipeState) Lock()   { ps.mu.Lock() }
func (ps *PipeState) Unlock() { ps.mu.Unlock() }

// MinSlaveBarrierID returns the minimum of SlaveBarrierIDs, master-only.
// The caller must hold ps's lock. Returns 0 if there are no slaves.
func (ps *PipeState) MinSlaveBarrierID() uint32 {
	if len(ps.SlaveBarrierIDs) == 0 {
		return 0
	}
	min := ps.SlaveBarrierIDs[0]
	for _, v := range ps.SlaveBarrierIDs[1:] {
		if v < min {
			min = v
		}
	}
	return min
}

// Table maps pipeId to PipeState under a single mutex, plus a
// monotonically increasing per-node allocator for pipe ids.
type Table struct {
	mu     sync.Mutex
	pipes  map[uint32]*PipeState
	nextID uint32
}

// NewTable returns an empty Table. Pipe id 0 is reserved for control
// traffic and is never allocated.
func NewTable() *Table {
	return &Table{pipes: make(map[uint32]*PipeState), nextID: 1}
}

// Allocate reserves the next pipe id without inserting state for it. Used
// by every node's OpenPipe before the corresponding PipeState exists.
func (t *Table) Allocate() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.nextID
	t.nextID++
	return id
}

// Insert adds state for pipeID, replacing any previous entry.
func (t *Table) Insert(pipeID uint32, state *PipeState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pipes[pipeID] = state
}

// Remove deletes the entry for pipeID, if any.
func (t *Table) Remove(pipeID uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pipes, pipeID)
}

// Lookup finds pipeID's state and returns a LockedPipe holding its lock.
// ok is false if no such pipe exists, in which case the returned
// LockedPipe is the zero value and need not be released.
//
// This is the only sanctioned way to touch a PipeState from outside the
// packet-handling goroutine: the table lock is held only long enough to
// find the entry and acquire its own lock, never while blocked on I/O.
func (t *Table) Lookup(pipeID uint32) (LockedPipe, bool) {
	t.mu.Lock()
	ps, ok := t.pipes[pipeID]
	if !ok {
		t.mu.Unlock()
		return LockedPipe{}, false
	}
	ps.Lock()
	t.mu.Unlock()
	return LockedPipe{state: ps}, true
}

// Get returns pipeID's state without locking it, for callers that
// manage the pipe's lock themselves across an unlock/relock cycle
// (openPipe, barrier, gather, SendPacket, ReceivePacket all unlock
// while doing I/O or waiting). Table.Lookup remains the only way to
// touch a PipeState for the short, never-unlocked critical sections in
// the packet-handling goroutine's message handlers.
func (t *Table) Get(pipeID uint32) (*PipeState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ps, ok := t.pipes[pipeID]
	return ps, ok
}

// Len reports the number of pipes currently in the table, for
// diagnostics and tests.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pipes)
}

// LockedPipe is a scoped guard over a PipeState's lock, obtained from
// Table.Lookup. Callers must call Release exactly once, typically via
// defer, and must not retain State() past Release.
type LockedPipe struct {
	state *PipeState
}

// State returns the locked PipeState.
func (lp LockedPipe) State() *PipeState { return lp.state }

// Release unlocks the underlying PipeState.
func (lp LockedPipe) Release() { lp.state.Unlock() }
