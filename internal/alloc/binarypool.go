package alloc

import (
	"sync"
	"sync/atomic"

	"github.com/joeycumines/runtimecore/internal/rtlocal"
	"github.com/joeycumines/runtimecore/rtlog"
)

// binaryTableSlots matches spec.md §4.6.1's "4096-slot hash table".
const binaryTableSlots = 4096

// binaryLocalRingBytes matches "a small ring (1 MB / block_size
// capacity)".
const binaryLocalRingBytes = 1 << 20

// moiety is a coalesce record for one half of a split parent block:
// which half it is, and the base block it must reunite with to
// release the whole thing back to the parent.
type moiety struct {
	base  Block // the full parent block this half was split from
	half  Block // this half, ready to be handed out by Map
	isTop bool
}

// binaryBucket is one hash-table slot: a chain of moieties awaiting
// their other half, linked through next (CAS head-push/pop, matching
// "atomic head-CAS and a chain walk").
type binaryBucket struct {
	head atomic.Pointer[binaryNode]
}

type binaryNode struct {
	m    moiety
	next *binaryNode
}

// BinaryPoolMaster gives out blocks of size N from a parent that gives
// out blocks of size 2N, per spec.md §4.6.1.
type BinaryPoolMaster struct {
	blockSize int
	parent    ParentPool

	buckets [binaryTableSlots]binaryBucket

	locals *rtlocal.Registry
	localH rtlocal.Handle
}

// NewBinaryPoolMaster creates a master handing out blockSize blocks
// backed by parent (which must hand out blocks of size 2*blockSize).
func NewBinaryPoolMaster(blockSize int, parent ParentPool) *BinaryPoolMaster {
	m := &BinaryPoolMaster{blockSize: blockSize, parent: parent, locals: rtlocal.New()}
	m.localH = m.locals.RegisterFactory(func() any {
		return newBinaryLocal(blockSize)
	})
	return m
}

// binaryLocal is the per-thread ("per-goroutine") retention ring.
type binaryLocal struct {
	blockSize int
	cap       int
	entries   []Block
	mu        sync.Mutex
	master    *BinaryPoolMaster
}

func newBinaryLocal(blockSize int) *binaryLocal {
	cap := binaryLocalRingBytes / blockSize
	if cap < 1 {
		cap = 1
	}
	return &binaryLocal{blockSize: blockSize, cap: cap}
}

func hashBase(b Block) int {
	// Hash by slab length and block offset; the slab pointer itself is
	// not hashed, so blocks of equal-sized slabs at the same offset
	// share a bucket and the chain walk tells them apart.
	h := uintptr(0)
	if b.Slab != nil {
		h = uintptr(len(b.Slab.Data))<<1 ^ uintptr(b.Offset)
	}
	return int(h % binaryTableSlots)
}

func (m *BinaryPoolMaster) bucketFor(b Block) *binaryBucket {
	return &m.buckets[hashBase(b)]
}

// Map implements spec.md's BinaryPool.map(): probe the table for a
// stored moiety; if found, return it. Otherwise split a fresh parent
// block in two.
func (m *BinaryPoolMaster) Map() Block {
	loc := m.local()
	loc.mu.Lock()
	if n := len(loc.entries); n > 0 {
		b := loc.entries[n-1]
		loc.entries = loc.entries[:n-1]
		loc.mu.Unlock()
		return b
	}
	loc.mu.Unlock()

	// Try to find any stored moiety in the global table (any bucket
	// with a pending half is fair game — we don't require a specific
	// base, only a free half of the right size).
	for i := range m.buckets {
		bucket := &m.buckets[i]
		for {
			head := bucket.head.Load()
			if head == nil {
				break
			}
			if bucket.head.CompareAndSwap(head, head.next) {
				return head.m.half
			}
		}
	}

	// Nothing pending: ask the parent for a fresh 2N block and split.
	parentBlock := m.parent.MapBlock(m.blockSize * 2)
	if !parentBlock.Valid() {
		return Block{}
	}

	bottom := Block{Slab: parentBlock.Slab, Offset: parentBlock.Offset, Len: m.blockSize}
	top := Block{Slab: parentBlock.Slab, Offset: parentBlock.Offset + m.blockSize, Len: m.blockSize}

	m.storeMoiety(moiety{base: parentBlock, half: bottom, isTop: false})

	return top
}

func (m *BinaryPoolMaster) storeMoiety(mo moiety) {
	node := &binaryNode{m: mo}
	bucket := m.bucketFor(mo.base)
	for {
		head := bucket.head.Load()
		node.next = head
		if bucket.head.CompareAndSwap(head, node) {
			return
		}
	}
}

// Unmap implements spec.md's BinaryPool.unmap(block): store a
// coalesce record hashed by base; if an existing chain entry for the
// same base is found, both halves are present, so release the full
// parent block.
func (m *BinaryPoolMaster) Unmap(b Block) {
	loc := m.local()
	loc.mu.Lock()
	if len(loc.entries) < loc.cap {
		loc.entries = append(loc.entries, b)
		loc.mu.Unlock()
		return
	}
	// Overflow: return ~1/4 of entries to the master in a batch.
	batch := loc.cap / 4
	if batch < 1 {
		batch = 1
	}
	var toRelease []Block
	if len(loc.entries) >= batch {
		toRelease = append(toRelease, loc.entries[:batch]...)
		loc.entries = loc.entries[batch:]
	}
	loc.entries = append(loc.entries, b)
	loc.mu.Unlock()

	for _, rel := range toRelease {
		m.unmapToTable(rel)
	}
}

func (m *BinaryPoolMaster) unmapToTable(b Block) {
	// Determine this block's parent base: it sits either at the
	// bottom or top half of its containing parent slab range.
	base := Block{Slab: b.Slab, Offset: b.Offset - (b.Offset % (m.blockSize * 2)), Len: m.blockSize * 2}
	bucket := m.bucketFor(base)

	for {
		head := bucket.head.Load()
		// Scan chain for the peer: same base, different half.
		for n := head; n != nil; n = n.next {
			if n.m.base.Slab == base.Slab && n.m.base.Offset == base.Offset {
				// Found the peer. Remove it via CAS of the head
				// (best-effort; races are accepted per spec.md's
				// "accepting races" lock-free table policy) and
				// release the whole parent block.
				if bucket.head.CompareAndSwap(head, removeNode(head, n)) {
					m.parent.UnmapBlock(base)
					return
				}
				break
			}
		}
		if head == bucket.head.Load() {
			// No peer found in this pass; store our own half.
			node := &binaryNode{m: moiety{base: base, half: b}, next: head}
			if bucket.head.CompareAndSwap(head, node) {
				return
			}
		}
	}
}

func removeNode(head, target *binaryNode) *binaryNode {
	if head == target {
		return head.next
	}
	if head == nil {
		return nil
	}
	cp := &binaryNode{m: head.m, next: removeNode(head.next, target)}
	return cp
}

func (m *BinaryPoolMaster) local() *binaryLocal {
	l := m.localH.Get().(*binaryLocal)
	l.master = m
	return l
}

// Describe reports the alignment characteristics of blocks this
// master hands out.
func (m *BinaryPoolMaster) Describe() AlignSpec {
	return AlignSpec{Size: m.blockSize, AllocBytes: m.blockSize, AlignBytes: m.blockSize, Scale: ScaleLine}
}

// MapBlock/UnmapBlock let a BinaryPoolMaster itself serve as a
// ParentPool for the next-smaller master in the chain.
func (m *BinaryPoolMaster) MapBlock(size int) Block {
	if size != m.blockSize {
		rtlog.Warn(rtlog.CategoryAllocator).Int("requested", size).Int("blockSize", m.blockSize).Msg("binary pool size mismatch")
	}
	return m.Map()
}

func (m *BinaryPoolMaster) UnmapBlock(b Block) { m.Unmap(b) }
