package quic

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestArenaInsertGetRemove(t *testing.T) {
	a := newArena[string]()
	ref := a.Insert("hello")
	got, ok := a.Get(ref)
	assert.True(t, ok)
	assert.Equal(t, "hello", *got)

	a.Remove(ref)
	_, ok = a.Get(ref)
	assert.False(t, ok, "Get() after Remove should report ok=false")
}

func TestArenaStaleRefAfterSlotReuse(t *testing.T) {
	a := newArena[int]()
	first := a.Insert(1)
	a.Remove(first)
	second := a.Insert(2)

	assert.Equal(t, first.index, second.index, "expected the freed slot to be reused")

	_, ok := a.Get(first)
	assert.False(t, ok, "a stale Ref into a reused slot must not resolve")

	got, ok := a.Get(second)
	assert.True(t, ok)
	assert.Equal(t, 2, *got)
}

func TestArenaLenAndEach(t *testing.T) {
	a := newArena[int]()
	r1 := a.Insert(1)
	a.Insert(2)
	a.Insert(3)
	a.Remove(r1)

	assert.Equal(t, 2, a.Len())
	seen := 0
	a.Each(func(_ Ref, v *int) { seen++ })
	assert.Equal(t, 2, seen)
}
