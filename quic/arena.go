package quic

// Ref is a generation-counted index into an arena. Holding a stale Ref
// (pointing at a slot that has since been reused) is always detectable:
// Get returns ok=false rather than handing back someone else's value.
//
// This replaces the intrusive-pointer-plus-refcount style of the C++
// source: connections are arena-indexed by their owning Engine, and
// streams are arena-indexed by their owning Connection.
type Ref struct {
	index uint32
	gen   uint32
}

// Zero reports whether the Ref was never assigned.
func (r Ref) Zero() bool { return r.gen == 0 && r.index == 0 }

type arenaSlot[T any] struct {
	gen      uint32
	val      T
	occupied bool
}

type arena[T any] struct {
	slots []arenaSlot[T]
	free  []uint32
}

func newArena[T any]() *arena[T] {
	return &arena[T]{}
}

// Insert stores v in a free slot and returns a Ref to it.
func (a *arena[T]) Insert(v T) Ref {
	if n := len(a.free); n > 0 {
		idx := a.free[n-1]
		a.free = a.free[:n-1]
		s := &a.slots[idx]
		s.val = v
		s.occupied = true
		return Ref{index: idx, gen: s.gen}
	}
	idx := uint32(len(a.slots))
	a.slots = append(a.slots, arenaSlot[T]{gen: 1, val: v, occupied: true})
	return Ref{index: idx, gen: 1}
}

// Get returns the value at ref and true, or the zero value and false if
// ref is stale or out of range.
func (a *arena[T]) Get(ref Ref) (*T, bool) {
	if int(ref.index) >= len(a.slots) {
		return nil, false
	}
	s := &a.slots[ref.index]
	if !s.occupied || s.gen != ref.gen {
		return nil, false
	}
	return &s.val, true
}

// Remove frees the slot at ref, bumping its generation so that any Ref
// still held elsewhere becomes detectably stale.
func (a *arena[T]) Remove(ref Ref) {
	if int(ref.index) >= len(a.slots) {
		return
	}
	s := &a.slots[ref.index]
	if !s.occupied || s.gen != ref.gen {
		return
	}
	var zero T
	s.val = zero
	s.occupied = false
	s.gen++
	a.free = append(a.free, ref.index)
}

// Len reports the number of occupied slots.
func (a *arena[T]) Len() int {
	n := 0
	for _, s := range a.slots {
		if s.occupied {
			n++
		}
	}
	return n
}

// Each calls fn for every occupied slot, in index order. fn must not
// insert into or remove from the arena.
func (a *arena[T]) Each(fn func(Ref, *T)) {
	for i := range a.slots {
		s := &a.slots[i]
		if s.occupied {
			fn(Ref{index: uint32(i), gen: s.gen}, &s.val)
		}
	}
}
