// Package streampos provides wrapping arithmetic over a pipe's 32-bit
// stream-position counter. Positions increase without bound and wrap
// modulo 2^32; "ahead"/"behind" comparisons must use signed deltas rather
// than raw integer comparison, or a wrap makes every position look like
// it regressed to zero.
package streampos

// Pos is a byte offset into a pipe's ever-increasing stream, stored as a
// wrapping uint32. Use Sub/Before/After/Add rather than comparing or
// subtracting the underlying value directly.
type Pos uint32

// Sub returns a-b as a signed delta, correctly handling wraparound: if a is
// "just after" a wrap and b is "just before" it, the delta is still small
// and positive.
func (a Pos) Sub(b Pos) int32 {
	return int32(uint32(a) - uint32(b))
}

// Before reports whether a precedes b in stream order.
func (a Pos) Before(b Pos) bool { return a.Sub(b) < 0 }

// After reports whether a follows b in stream order.
func (a Pos) After(b Pos) bool { return a.Sub(b) > 0 }

// Add returns a advanced by n bytes, wrapping as needed.
func (a Pos) Add(n uint32) Pos { return Pos(uint32(a) + n) }

// Uint32 returns the underlying wrapping counter.
func (a Pos) Uint32() uint32 { return uint32(a) }
