// pkg/vart/concurrency_test.go
package vart

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestTreeConcurrentReadersAndWriters runs 8 writer goroutines each
// inserting a disjoint key range alongside 8 reader goroutines
// continuously polling for keys, exercising the lock-coupled write
// path and the lock-free read path against each other under the race
// detector.
func TestTreeConcurrentReadersAndWriters(t *testing.T) {
	const writers = 8
	const readers = 8
	const perWriter = 2000

	tr, err := New[int](Options{ReaderCapacity: readers})
	require.NoError(t, err)
	defer tr.Close()

	var wg sync.WaitGroup
	wg.Add(writers)
	for w := 0; w < writers; w++ {
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				key := fmt.Sprintf("w%02d-%06d", w, i)
				_, inserted := tr.Insert([]byte(key), w*perWriter+i)
				require.True(t, inserted)
			}
		}(w)
	}

	stop := make(chan struct{})
	var readersWg sync.WaitGroup
	readersWg.Add(readers)
	for rIdx := 0; rIdx < readers; rIdx++ {
		go func() {
			defer readersWg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					tr.Find([]byte("w00-000000"))
				}
			}
		}()
	}

	wg.Wait()
	close(stop)
	readersWg.Wait()

	require.Equal(t, int64(writers*perWriter), tr.Stats().KeyCount)

	for w := 0; w < writers; w++ {
		for i := 0; i < perWriter; i += 97 {
			key := fmt.Sprintf("w%02d-%06d", w, i)
			v, ok := tr.Find([]byte(key))
			require.True(t, ok)
			require.Equal(t, w*perWriter+i, v)
		}
	}
}

// TestTreeLargeWorkload inserts a large, randomly ordered key set and
// verifies every key is retrievable afterward, then deletes half and
// confirms exactly those are gone.
func TestTreeLargeWorkload(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping large workload under -short")
	}

	const n = 200_000
	tr, err := New[int](Options{})
	require.NoError(t, err)
	defer tr.Close()

	for i := 0; i < n; i++ {
		// A multiplicative hash scatters the insertion order without
		// needing a random source or import.
		shuffled := (i * 2654435761) % n
		key := fmt.Sprintf("%08d", shuffled)
		_, inserted := tr.Insert([]byte(key), shuffled)
		require.True(t, inserted)
	}
	require.Equal(t, int64(n), tr.Stats().KeyCount)

	for i := 0; i < n; i++ {
		key := fmt.Sprintf("%08d", i)
		v, ok := tr.Find([]byte(key))
		require.True(t, ok)
		require.Equal(t, i, v)
	}

	for i := 0; i < n; i += 2 {
		key := fmt.Sprintf("%08d", i)
		require.True(t, tr.Delete([]byte(key)))
	}
	require.Equal(t, int64(n/2), tr.Stats().KeyCount)

	for i := 0; i < n; i++ {
		key := fmt.Sprintf("%08d", i)
		_, ok := tr.Find([]byte(key))
		if i%2 == 0 {
			require.False(t, ok)
		} else {
			require.True(t, ok)
		}
	}
}
