// Package pool implements the packet arena: pooled fixed-size packet
// buffers referenced by small integer slot ids rather than pointers.
//
// The source links packets with intrusive next-pointers, moving the same
// node between a free list and a pipe's send/receive queue. A Go port of
// that shape invites aliasing bugs once packets also live inside slices
// and maps. Pool instead owns a growable arena of *Packet and hands out
// SlotID values; List is a FIFO of SlotIDs. Moving a packet between the
// pool and a pipe's queue is moving a SlotID, never a pointer.
package pool

import (
	"sync"

	"github.com/clusterpipe/mpipe/internal/constants"
)

// SlotID identifies one packet buffer inside a Pool's arena.
type SlotID uint32

// Packet is a single pooled packet buffer: header fields plus a
// fixed-size payload array sized to the largest packet the wire layer
// will ever hand it.
type Packet struct {
	PipeID      uint32
	StreamPos   uint32
	PayloadSize uint32
	Payload     [constants.MaxPacketSize]byte
}

// Bytes returns the packet's valid payload region.
func (p *Packet) Bytes() []byte { return p.Payload[:p.PayloadSize] }

// Pool is a mutex-protected arena of Packet buffers plus a free list of
// SlotIDs. Its lifetime is the lifetime of the owning Multiplexer; it is
// never a package-level global (see spec Design Notes on process-wide
// state).
type Pool struct {
	mu    sync.Mutex
	arena []*Packet
	free  []SlotID
}

// New returns an empty Pool. Buffers are allocated lazily on first Get.
func New() *Pool {
	return &Pool{}
}

// Get returns the SlotID of a packet buffer, allocating a new one if the
// free list is empty. The returned buffer's header fields are zeroed; its
// payload bytes are not (callers must only read PayloadSize bytes).
func (p *Pool) Get() SlotID {
	p.mu.Lock()
	defer p.mu.Unlock()

	if n := len(p.free); n > 0 {
		id := p.free[n-1]
		p.free = p.free[:n-1]
		pkt := p.arena[id]
		pkt.PipeID, pkt.StreamPos, pkt.PayloadSize = 0, 0, 0
		return id
	}

	p.arena = append(p.arena, &Packet{})
	return SlotID(len(p.arena) - 1)
}

// Put returns a slot to the free list. The slot must not be referenced
// again by the caller after this call.
func (p *Pool) Put(id SlotID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.free = append(p.free, id)
}

// At returns the packet buffer for id. The returned pointer is only valid
// while the slot is checked out of the free list; callers must not retain
// it past a subsequent Put of the same id.
func (p *Pool) At(id SlotID) *Packet {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.arena[id]
}

// Len reports the number of slots currently allocated (checked out plus
// free), for diagnostics and tests.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.arena)
}

// List is a FIFO queue of SlotIDs: the per-pipe send-retained list or
// receive-delivery queue. It carries no packet data itself; callers pair
// it with a Pool to resolve a SlotID to a buffer.
type List struct {
	ids []SlotID
}

// PushBack appends id to the tail of the queue.
func (l *List) PushBack(id SlotID) {
	l.ids = append(l.ids, id)
}

// PopFront removes and returns the head of the queue. ok is false if the
// queue was empty.
func (l *List) PopFront() (id SlotID, ok bool) {
	if len(l.ids) == 0 {
		return 0, false
	}
	id = l.ids[0]
	copy(l.ids, l.ids[1:])
	l.ids = l.ids[:len(l.ids)-1]
	return id, true
}

// Front returns the head of the queue without removing it.
func (l *List) Front() (id SlotID, ok bool) {
	if len(l.ids) == 0 {
		return 0, false
	}
	return l.ids[0], true
}

// Len reports the number of queued slot ids.
func (l *List) Len() int { return len(l.ids) }

// Empty reports whether the queue has no queued slot ids.
func (l *List) Empty() bool { return len(l.ids) == 0 }

// All returns the queued slot ids in FIFO order. The returned slice
// aliases the List's backing array and must not be mutated by the
// caller.
func (l *List) All() []SlotID { return l.ids }
