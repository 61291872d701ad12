// pkg/vart/tree.go
package vart

import (
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"
)

// Sentinel errors returned by New. Per-operation failures (invalid
// key, key not found, key already present) are reported through the
// boolean/value return of the operation itself rather than an error,
// matching the Option/Result shape the operations are specified with.
var (
	ErrInvalidOptions = errors.New("vart: invalid options")
)

const (
	// defaultReaderCapacity is used when Options.ReaderCapacity is
	// left at its zero value.
	defaultReaderCapacity = 64

	// maxKeyLen bounds the total length of a key path through the
	// tree; an empty key or one exceeding this is rejected before any
	// locking is attempted.
	maxKeyLen = 1<<23 - 1
)

// Options configures a Tree at construction time.
type Options struct {
	// ReaderCapacity is the maximum number of concurrent reads the
	// tree will service at once. A Find call made while the
	// pool is exhausted panics with *CapacityExceededError; size this
	// for the peak number of goroutines expected to call Find
	// concurrently. Zero selects a default of 64.
	ReaderCapacity int

	// DisableWriteLocks turns every per-node spin lock into a no-op,
	// for callers that already serialize all writers themselves
	// (single-writer mode). Reads are unaffected either way, since
	// they never take a node lock.
	DisableWriteLocks bool
}

// Stats reports point-in-time counters about a Tree.
type Stats struct {
	KeyCount       int64
	NodesCreated   uint64
	NodesDestroyed uint64
}

// Tree is a concurrent, in-memory Adaptive Radix Tree keyed by byte
// strings. Writers serialize against each other using lock coupling
// (each holds at most its own node and its parent's lock at once);
// readers never take a node lock and instead rely on epoch-based
// reclamation to keep visiting a node safe until every reader that
// might be looking at it has moved on.
type Tree[V any] struct {
	root       unsafe.Pointer // *nodeHeader, nil when the tree is empty
	rootParent spinLock       // guards swaps of root itself

	ebr     *epochReclaimer
	readers *threadIDAllocator

	writeLocks bool
	keyCount   atomic.Int64
	closed     atomic.Bool
}

// New constructs an empty Tree.
func New[V any](opts Options) (*Tree[V], error) {
	if opts.ReaderCapacity < 0 {
		return nil, fmt.Errorf("%w: ReaderCapacity must be >= 0, got %d", ErrInvalidOptions, opts.ReaderCapacity)
	}
	capacity := opts.ReaderCapacity
	if capacity == 0 {
		capacity = defaultReaderCapacity
	}
	return &Tree[V]{
		ebr:        newEpochReclaimer(capacity),
		readers:    newThreadIDAllocator(capacity),
		writeLocks: !opts.DisableWriteLocks,
	}, nil
}

func validKey(key []byte) bool {
	return len(key) > 0 && len(key) <= maxKeyLen
}

// Find looks up key without taking any node lock. It does hold the
// reader-id pool's mutex while acquiring and releasing its reader
// slot, so concurrent Find calls briefly serialize on that mutex. It
// is safe to call concurrently with any number of other Find calls and
// any number of writers.
func (t *Tree[V]) Find(key []byte) (V, bool) {
	var zero V
	if t.closed.Load() || !validKey(key) {
		return zero, false
	}

	tid := t.readers.acquire()
	defer t.readers.release(tid)
	t.ebr.startRead(tid)
	defer t.ebr.endRead(tid)

	node := headerOf(atomic.LoadPointer(&t.root))
	remaining := key
	for node != nil {
		p := commonPrefixLen(node.key, remaining)
		if p < len(node.key) {
			return zero, false
		}
		if p == len(remaining) {
			if node.hasValue {
				return getValue[V](node), true
			}
			return zero, false
		}
		child := findChild[V](node, remaining[p])
		if child == nil {
			return zero, false
		}
		remaining = remaining[p+1:]
		node = headerOf(child)
	}
	return zero, false
}

type mutationMode int

const (
	modeInsert mutationMode = iota
	modeUpdate
	modeUpsert
	modeDelete
)

// Insert adds key with value if key is not already present. On
// conflict it reports the existing value and leaves the tree
// unmodified.
func (t *Tree[V]) Insert(key []byte, value V) (existing V, inserted bool) {
	return t.mutate(key, value, modeInsert)
}

// Update overwrites the value stored for key, reporting whether key
// was present.
func (t *Tree[V]) Update(key []byte, value V) bool {
	_, ok := t.mutate(key, value, modeUpdate)
	return ok
}

// Upsert installs value for key unconditionally, inserting a new
// entry if one did not already exist.
func (t *Tree[V]) Upsert(key []byte, value V) bool {
	_, ok := t.mutate(key, value, modeUpsert)
	return ok
}

// Delete removes key, reporting whether it was present.
func (t *Tree[V]) Delete(key []byte) bool {
	var zero V
	_, ok := t.mutate(key, zero, modeDelete)
	return ok
}

func (t *Tree[V]) mutate(key []byte, value V, mode mutationMode) (V, bool) {
	var zero V
	if t.closed.Load() || !validKey(key) {
		return zero, false
	}

	t.rootParent.lockIf(t.writeLocks)

	rootPtr := atomic.LoadPointer(&t.root)
	if rootPtr == nil {
		if mode == modeInsert || mode == modeUpsert {
			leaf := newLeaf[V](t.ebr, key, value)
			atomic.StorePointer(&t.root, unsafe.Pointer(leaf))
			t.rootParent.unlockIf(t.writeLocks)
			t.keyCount.Add(1)
			return zero, true
		}
		t.rootParent.unlockIf(t.writeLocks)
		return zero, false
	}

	root := headerOf(rootPtr)
	root.lock.lockIf(t.writeLocks)
	parentUnlock := func() { t.rootParent.unlockIf(t.writeLocks) }
	return t.mutateAt(&t.root, parentUnlock, root, key, value, mode)
}

// mutateAt performs one level of the lock-coupled mutation walk. The
// caller has already locked node and still holds whatever lock
// parentUnlock releases; mutateAt calls parentUnlock exactly once,
// either right after publishing a structural replacement for node (so
// node's replacement becomes visible before node's old parent can be
// touched again) or right before descending into one of node's
// existing children (at which point node itself takes over as the
// "parent" the next level's own parentUnlock will release).
func (t *Tree[V]) mutateAt(slot *unsafe.Pointer, parentUnlock func(), node *nodeHeader, key []byte, value V, mode mutationMode) (V, bool) {
	var zero V
	p := commonPrefixLen(node.key, key)

	switch {
	case p < len(node.key) && p < len(key):
		// Partial overlap: key and node diverge before either ends.
		if mode == modeUpdate || mode == modeDelete {
			node.lock.unlockIf(t.writeLocks)
			parentUnlock()
			return zero, false
		}
		childA := cloneStripPrefix[V](t.ebr, node, p+1)
		childB := newLeaf[V](t.ebr, key[p+1:], value)
		branch := newBranchWithoutValue[V](t.ebr, key[:p])
		bh := addChild[V](t.ebr, &branch.nodeHeader, node.key[p], childA)
		bh = addChild[V](t.ebr, bh, key[p], childB)
		atomic.StorePointer(slot, unsafe.Pointer(bh))
		parentUnlock()
		t.ebr.retire(node)
		t.keyCount.Add(1)
		return zero, true

	case p == len(key) && p < len(node.key):
		// Key terminates inside node's prefix.
		if mode == modeUpdate || mode == modeDelete {
			node.lock.unlockIf(t.writeLocks)
			parentUnlock()
			return zero, false
		}
		child := cloneStripPrefix[V](t.ebr, node, p+1)
		branch := newBranchWithValue[V](t.ebr, key[:p], value)
		bh := addChild[V](t.ebr, &branch.nodeHeader, node.key[p], child)
		atomic.StorePointer(slot, unsafe.Pointer(bh))
		parentUnlock()
		t.ebr.retire(node)
		t.keyCount.Add(1)
		return zero, true

	case p == len(key) && p == len(node.key):
		// Exact match.
		switch mode {
		case modeInsert:
			if node.hasValue {
				existing := getValue[V](node)
				node.lock.unlockIf(t.writeLocks)
				parentUnlock()
				return existing, false
			}
			replacement := cloneWithValue[V](t.ebr, node, value)
			atomic.StorePointer(slot, unsafe.Pointer(replacement))
			parentUnlock()
			t.ebr.retire(node)
			t.keyCount.Add(1)
			return zero, true
		case modeUpsert:
			wasNew := !node.hasValue
			replacement := cloneWithValue[V](t.ebr, node, value)
			atomic.StorePointer(slot, unsafe.Pointer(replacement))
			parentUnlock()
			t.ebr.retire(node)
			if wasNew {
				t.keyCount.Add(1)
			}
			return zero, true
		case modeUpdate:
			if !node.hasValue {
				node.lock.unlockIf(t.writeLocks)
				parentUnlock()
				return zero, false
			}
			replacement := cloneWithValue[V](t.ebr, node, value)
			atomic.StorePointer(slot, unsafe.Pointer(replacement))
			parentUnlock()
			t.ebr.retire(node)
			return zero, true
		default: // modeDelete
			if !node.hasValue {
				node.lock.unlockIf(t.writeLocks)
				parentUnlock()
				return zero, false
			}
			replacement := cloneWithoutValue[V](t.ebr, node)
			atomic.StorePointer(slot, unsafe.Pointer(replacement))
			parentUnlock()
			t.ebr.retire(node)
			t.keyCount.Add(-1)
			return zero, true
		}

	default:
		// p == len(node.key) && p < len(key): key extends past node.
		b := key[p]
		addr := childSlotAddr[V](node, b)
		if addr != nil {
			child := headerOf(atomic.LoadPointer(addr))
			parentUnlock()
			child.lock.lockIf(t.writeLocks)
			return t.mutateAt(addr, func() { node.lock.unlockIf(t.writeLocks) }, child, key[p+1:], value, mode)
		}

		if mode == modeUpdate || mode == modeDelete {
			node.lock.unlockIf(t.writeLocks)
			parentUnlock()
			return zero, false
		}
		newChild := newLeaf[V](t.ebr, key[p+1:], value)
		grown := addChild[V](t.ebr, node, b, newChild)
		if grown != node {
			atomic.StorePointer(slot, unsafe.Pointer(grown))
			parentUnlock()
			t.ebr.retire(node)
		} else {
			node.lock.unlockIf(t.writeLocks)
			parentUnlock()
		}
		t.keyCount.Add(1)
		return zero, true
	}
}

// Stats reports current key and node-accounting counters.
func (t *Tree[V]) Stats() Stats {
	return Stats{
		KeyCount:       t.keyCount.Load(),
		NodesCreated:   t.ebr.created.Load(),
		NodesDestroyed: t.ebr.destroyed.Load(),
	}
}

// Close tears the tree down: every live node is freed directly by a
// post-order walk (no reader can possibly still be active once the
// owner calls Close), and any nodes still waiting in a retire bucket
// from in-flight reclamation are drained unconditionally.
func (t *Tree[V]) Close() {
	if !t.closed.CompareAndSwap(false, true) {
		return
	}
	root := headerOf(atomic.SwapPointer(&t.root, nil))
	destroyTree[V](t.ebr, root)
	t.ebr.drainAll()
}

func destroyTree[V any](r *epochReclaimer, h *nodeHeader) {
	if h == nil {
		return
	}
	forEachChild[V](h, func(c *nodeHeader) { destroyTree[V](r, c) })
	r.destroyed.Add(1)
}
