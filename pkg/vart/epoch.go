// pkg/vart/epoch.go
package vart

import "sync/atomic"

// epochBuckets is the number of retire buckets kept alive at once. An
// object retired during epoch e cannot be freed until every reader
// that might have observed it has left, which is guaranteed once the
// global epoch has advanced twice past e; three buckets (current,
// previous, and the one being drained) are the minimum that makes
// that guarantee hold without ever reclaiming a bucket a live reader
// still references.
const epochBuckets = 3

// readerSlot tracks one thread-id's participation in the current read.
// active is set for the duration of exactly one guarded traversal;
// epoch records the global epoch observed at the moment active was
// set, so a GC attempt can tell whether this reader might still be
// looking at objects retired in an older epoch.
type readerSlot struct {
	active atomic.Bool
	epoch  atomic.Uint32
}

// retireNode is one link in a retire bucket's lock-free stack.
type retireNode struct {
	obj  *nodeHeader
	next *retireNode
}

type retireBucket struct {
	head atomic.Pointer[retireNode]
}

// push adds obj to the bucket via a CAS loop; concurrent writers may
// be pushing to the same bucket at once.
func (b *retireBucket) push(obj *nodeHeader) {
	n := &retireNode{obj: obj}
	for {
		head := b.head.Load()
		n.next = head
		if b.head.CompareAndSwap(head, n) {
			return
		}
	}
}

// drain detaches and clears the bucket's entire list, returning it so
// the caller can walk it outside of any lock.
func (b *retireBucket) drain() *retireNode {
	return b.head.Swap(nil)
}

// epochReclaimer implements epoch-based reclamation: readers announce
// the epoch they're operating under, writers retire replaced nodes
// into the bucket for the current epoch, and once every reader slot
// has either gone inactive or moved on to a newer epoch, the oldest
// retired bucket is safe to drop.
type epochReclaimer struct {
	globalEpoch atomic.Uint32
	slots       []readerSlot
	buckets     [epochBuckets]retireBucket
	writeCnt    atomic.Uint32
	updating    atomic.Bool

	created   atomic.Uint64
	destroyed atomic.Uint64
}

func newEpochReclaimer(readerCapacity int) *epochReclaimer {
	return &epochReclaimer{slots: make([]readerSlot, readerCapacity)}
}

// startRead marks thread id tid as active in the current global epoch.
// It returns the epoch observed, which the caller passes back to
// endRead.
func (r *epochReclaimer) startRead(tid uint32) uint32 {
	epoch := r.globalEpoch.Load()
	r.slots[tid].epoch.Store(epoch)
	r.slots[tid].active.Store(true)
	return epoch
}

// endRead clears thread id tid's active flag.
func (r *epochReclaimer) endRead(tid uint32) {
	r.slots[tid].active.Store(false)
}

// retire hands a replaced node to the reclaimer. The node is queued
// into the current epoch's bucket and is not freed until it is
// provably unreachable by any in-flight reader.
func (r *epochReclaimer) retire(obj *nodeHeader) {
	epoch := r.globalEpoch.Load()
	r.buckets[epoch].push(obj)
	if r.writeCnt.Add(1) > uint32(len(r.slots)) {
		r.tryGC()
	}
}

// tryGC attempts to advance the global epoch and reclaim the oldest
// retired bucket. At most one goroutine performs the scan at a time;
// others simply skip the attempt, since a write already in flight
// will retry on its own next retire.
func (r *epochReclaimer) tryGC() {
	if !r.updating.CompareAndSwap(false, true) {
		return
	}
	defer r.updating.Store(false)

	epoch := r.globalEpoch.Load()
	for i := range r.slots {
		if r.slots[i].active.Load() && r.slots[i].epoch.Load() != epoch {
			return
		}
	}

	next := (epoch + 1) % epochBuckets
	r.globalEpoch.Store(next)
	r.reclaimBucket((epoch + 2) % epochBuckets)
	r.writeCnt.Store(0)
}

// reclaimBucket drops every node in bucket idx. Go's garbage collector
// owns the actual memory; this only makes the nodes unreachable, the
// equivalent of free() in an implementation without a GC.
func (r *epochReclaimer) reclaimBucket(idx uint32) {
	n := r.buckets[idx].drain()
	for n != nil {
		r.destroyed.Add(1)
		n = n.next
	}
}

// drainAll reclaims every bucket unconditionally. Used by Close(),
// where no reader can still be active.
func (r *epochReclaimer) drainAll() {
	for i := range r.buckets {
		r.reclaimBucket(uint32(i))
	}
}
