// Package handle implements the generation-counted handle allocators of
// spec.md §4.F. The wire format only ever carries a plain integer handle,
// but internal code that holds onto a handle across a dispose/reallocate
// cycle needs a way to detect that its reference has gone stale — the
// original source's manually-indexed array with a parallel allocated bit
// cannot tell a live reuse from a stale one (spec.md §9).
package handle

import (
	"fmt"
	"sync"
)

// maxHandle is the largest handle the 5-digit wire length prefix can ever
// carry as a decimal string (spec.md §4.F: the space is finite because of
// the grammar's digit cap).
const maxHandle = 99999

// Ref is a handle plus the generation it was allocated under. Two Refs to
// the same ID but different Generation name logically different entities;
// holding a Ref across a dispose and comparing it against the table's
// current generation is how stale-handle use is detected.
type Ref struct {
	ID         int
	Generation uint32
}

// String renders the wire-visible integer form; Generation never appears
// on the wire.
func (r Ref) String() string {
	return fmt.Sprintf("%d", r.ID)
}

// ErrExhausted is returned by Allocate when every handle in the space is
// currently live.
type ErrExhausted struct{ Start int }

func (e *ErrExhausted) Error() string {
	return fmt.Sprintf("handle: space starting at %d is exhausted", e.Start)
}

// ErrStale is returned by Release when the supplied Ref's
// generation no longer matches the table — the handle was disposed (and
// possibly reallocated) since the caller last looked it up.
type ErrStale struct{ Ref Ref }

func (e *ErrStale) Error() string {
	return fmt.Sprintf("handle: %d is stale (generation %d)", e.Ref.ID, e.Ref.Generation)
}

// Allocator hands out handles from one of the three disjoint integer
// spaces (layer, stream, object) named in spec.md §4.F. Each maintains a
// free list plus a monotonically increasing next-id; dispose pushes the id
// back onto the free list and bumps its generation so old Refs compare
// stale. start lets the layer allocator reserve 0 for the always-live
// default layer by beginning at 1.
type Allocator struct {
	mu    sync.Mutex
	start int
	next  int
	free  []int
	// generation[id] is the current generation for an id that has
	// been touched at least once; ids never allocated implicitly start
	// at generation 0.
	generation map[int]uint32
	live       map[int]uint32 // id -> generation, present while live
}

// New returns an allocator whose first handle is start (0 for stream and
// object spaces; 1 for the layer space, since handle 0 is reserved for
// the default layer and is never allocated or disposed).
func New(start int) *Allocator {
	return &Allocator{
		start:      start,
		next:       start,
		generation: make(map[int]uint32),
		live:       make(map[int]uint32),
	}
}

// Allocate returns a fresh Ref, preferring a reused id from the free list
// over growing next (spec.md §4.F: reuse is explicitly permitted and
// required because the space is finite).
func (a *Allocator) Allocate() (Ref, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var id int
	if n := len(a.free); n > 0 {
		id = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		if a.next > maxHandle {
			return Ref{}, &ErrExhausted{Start: a.start}
		}
		id = a.next
		a.next++
	}

	gen := a.generation[id]
	a.live[id] = gen
	return Ref{ID: id, Generation: gen}, nil
}

// Release disposes ref, returning it to the free list and advancing its
// generation so any other copy of this Ref (held elsewhere after the
// dispose instruction was issued) is now detectably stale. Releasing an
// unknown or already-stale Ref is an error; it never panics or silently
// double-frees a slot.
func (a *Allocator) Release(ref Ref) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	cur, ok := a.live[ref.ID]
	if !ok || cur != ref.Generation {
		return &ErrStale{Ref: ref}
	}

	delete(a.live, ref.ID)
	a.generation[ref.ID] = cur + 1
	a.free = append(a.free, ref.ID)
	return nil
}

// IsLive reports whether ref names a currently allocated handle under its
// original generation.
func (a *Allocator) IsLive(ref Ref) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	cur, ok := a.live[ref.ID]
	return ok && cur == ref.Generation
}

// Current returns the live Ref for id, if any id is currently allocated
// under that integer — used to validate a raw wire handle (just an int)
// against the table before acting on it.
func (a *Allocator) Current(id int) (Ref, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	gen, ok := a.live[id]
	if !ok {
		return Ref{}, false
	}
	return Ref{ID: id, Generation: gen}, true
}

// Count returns the number of currently live handles, for diagnostics.
func (a *Allocator) Count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.live)
}
