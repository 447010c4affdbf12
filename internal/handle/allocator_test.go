package handle

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocator_LayerSpaceStartsAtOne(t *testing.T) {
	a := New(1)
	ref, err := a.Allocate()
	require.NoError(t, err)
	assert.Equal(t, 1, ref.ID)
}

func TestAllocator_StreamSpaceStartsAtZero(t *testing.T) {
	a := New(0)
	ref, err := a.Allocate()
	require.NoError(t, err)
	assert.Equal(t, 0, ref.ID)
}

// Law 6: after dispose(h) and the next same-kind allocate(), the returned
// handle may equal h; there are never two live entities sharing a handle.
func TestLaw_HandleReuseAfterDispose(t *testing.T) {
	a := New(0)
	first, err := a.Allocate()
	require.NoError(t, err)

	require.NoError(t, a.Release(first))

	second, err := a.Allocate()
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.NotEqual(t, first.Generation, second.Generation, "reused id must carry a bumped generation")
}

func TestAllocator_StaleRefDetectedAfterReuse(t *testing.T) {
	a := New(0)
	first, err := a.Allocate()
	require.NoError(t, err)
	require.NoError(t, a.Release(first))

	_, err = a.Allocate()
	require.NoError(t, err)

	// The caller's old Ref to the same numeric id is now stale.
	assert.False(t, a.IsLive(first))
	err = a.Release(first)
	assert.Error(t, err)
	var staleErr *ErrStale
	assert.ErrorAs(t, err, &staleErr)
}

func TestAllocator_DoubleReleaseFails(t *testing.T) {
	a := New(0)
	ref, err := a.Allocate()
	require.NoError(t, err)
	require.NoError(t, a.Release(ref))

	err = a.Release(ref)
	assert.Error(t, err)
}

func TestAllocator_NoTwoLiveHandlesShareAnID(t *testing.T) {
	a := New(0)
	seen := make(map[int]bool)
	var live []Ref

	for i := 0; i < 50; i++ {
		ref, err := a.Allocate()
		require.NoError(t, err)
		require.False(t, seen[ref.ID], "id %d allocated twice while live", ref.ID)
		seen[ref.ID] = true
		live = append(live, ref)
	}

	// Release every other one, then reallocate that many more; ids must
	// still never collide among the currently live set.
	stillLive := make(map[int]bool)
	for i, ref := range live {
		if i%2 == 0 {
			require.NoError(t, a.Release(ref))
			continue
		}
		stillLive[ref.ID] = true
	}

	for i := 0; i < 25; i++ {
		ref, err := a.Allocate()
		require.NoError(t, err)
		require.False(t, stillLive[ref.ID], "reallocated id %d collides with a still-live handle", ref.ID)
		stillLive[ref.ID] = true
	}

	assert.Equal(t, 50, a.Count())
}

func TestAllocator_CurrentLooksUpRawWireHandle(t *testing.T) {
	a := New(0)
	ref, err := a.Allocate()
	require.NoError(t, err)

	got, ok := a.Current(ref.ID)
	require.True(t, ok)
	assert.Equal(t, ref, got)

	require.NoError(t, a.Release(ref))
	_, ok = a.Current(ref.ID)
	assert.False(t, ok)
}

func TestAllocator_ExhaustionAtSpaceLimit(t *testing.T) {
	a := New(maxHandle - 2)
	for i := 0; i < 3; i++ {
		_, err := a.Allocate()
		require.NoError(t, err)
	}
	_, err := a.Allocate()
	require.Error(t, err)
	var exhausted *ErrExhausted
	assert.ErrorAs(t, err, &exhausted)
}

func TestAllocator_DefaultLayerHandleNeverIssued(t *testing.T) {
	// The layer allocator starts at 1, so handle 0 (the always-live
	// default layer) is never returned by Allocate and never needs a
	// dispose.
	a := New(1)
	for i := 0; i < 10; i++ {
		ref, err := a.Allocate()
		require.NoError(t, err)
		assert.NotEqual(t, 0, ref.ID)
	}
}
