// pkg/vart/epoch_test.go
package vart

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEpochReclaimerRetireWaitsForActiveReader(t *testing.T) {
	r := newEpochReclaimer(4)

	epoch := r.startRead(0)
	require.Equal(t, uint32(0), epoch)

	leaf := &leafNode[int]{}
	leaf.kind = kindLeaf
	leaf.hasValue = true
	r.retire(&leaf.nodeHeader) // lands in bucket 0

	// First advance (0 -> 1) reclaims bucket 2, which is unrelated to
	// our leaf and doesn't need reader 0 to have moved on.
	r.tryGC()
	require.Equal(t, uint32(1), r.globalEpoch.Load())
	require.Equal(t, uint64(0), r.destroyed.Load())

	// Reader 0 is still active holding the epoch-0 view while global
	// epoch has moved to 1, and the next advance would reclaim bucket
	// 0 (where our leaf sits) — so it must refuse to advance at all.
	r.tryGC()
	require.Equal(t, uint32(1), r.globalEpoch.Load())
	require.Equal(t, uint64(0), r.destroyed.Load())

	r.endRead(0)
	r.tryGC()
	require.Equal(t, uint32(2), r.globalEpoch.Load())
	require.Equal(t, uint64(1), r.destroyed.Load())
}

func TestEpochReclaimerDrainAllReclaimsRegardlessOfReaders(t *testing.T) {
	r := newEpochReclaimer(2)
	r.startRead(0)
	for i := 0; i < 5; i++ {
		leaf := &leafNode[int]{}
		leaf.kind = kindLeaf
		r.retire(&leaf.nodeHeader)
	}
	r.drainAll()
	require.Equal(t, uint64(5), r.destroyed.Load())
}

func TestRetireBucketPushIsConcurrencySafe(t *testing.T) {
	var b retireBucket
	done := make(chan struct{})
	const n = 200
	for i := 0; i < n; i++ {
		go func() {
			leaf := &leafNode[int]{}
			leaf.kind = kindLeaf
			b.push(&leaf.nodeHeader)
			done <- struct{}{}
		}()
	}
	for i := 0; i < n; i++ {
		<-done
	}

	count := 0
	for cur := b.drain(); cur != nil; cur = cur.next {
		count++
	}
	require.Equal(t, n, count)
}
