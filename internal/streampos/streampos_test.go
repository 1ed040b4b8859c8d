package streampos

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSubAcrossWrap(t *testing.T) {
	a := Pos(5)
	b := Pos(math.MaxUint32 - 2) // 8 bytes before a, across the wrap
	assert.Equal(t, int32(8), a.Sub(b))
	assert.True(t, a.After(b))
	assert.True(t, b.Before(a))
}

func TestAddWraps(t *testing.T) {
	p := Pos(math.MaxUint32 - 1)
	p = p.Add(3)
	assert.Equal(t, uint32(1), p.Uint32())
}

func TestOrderingWithinRange(t *testing.T) {
	assert.True(t, Pos(10).After(Pos(5)))
	assert.True(t, Pos(5).Before(Pos(10)))
	assert.False(t, Pos(5).After(Pos(5)))
	assert.False(t, Pos(5).Before(Pos(5)))
}
