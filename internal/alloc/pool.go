package alloc

// Block is a value-type handle to a backing allocation: which slab it
// lives in and its extent within that slab. Spec.md's source tracks
// raw pointers into slabs; Go's GC cannot safely alias into the
// middle of a manually-managed byte buffer across goroutines the way
// C++ pointer arithmetic does, so every pool in this package hands
// out Block values (an index into an owning Slab plus an offset/len)
// instead of unsafe.Pointer arithmetic. This is the "value type
// instead of pointer arithmetic" translation noted for C5 in
// SPEC_FULL.md.
type Block struct {
	Slab   *Slab
	Offset int
	Len    int
}

// Bytes returns the backing byte range for this block.
func (b Block) Bytes() []byte {
	if b.Slab == nil {
		return nil
	}
	return b.Slab.Data[b.Offset : b.Offset+b.Len]
}

// Valid reports whether b refers to backing memory.
func (b Block) Valid() bool { return b.Slab != nil }

// Slab is a power-of-two-sized backing region handed out by a parent
// pool, matching spec.md's "slab: a power-of-two-sized memory region
// ... carved up by a node or temporal allocator".
type Slab struct {
	Data []byte
	Size int
}

// NewSlab allocates a zeroed slab of the given power-of-two size using
// Go's garbage-collected heap — the platform virtual-memory
// reservation spec.md assumes (§6's "Virtual-memory
// reservation/commit/decommit/release") has no portable Go
// equivalent, so slabs bottom out in make([]byte, n), documented as a
// deliberate stdlib exception in DESIGN.md.
func NewSlab(size int) *Slab {
	return &Slab{Data: make([]byte, size), Size: size}
}

// Pool is the common map/unmap contract every tier in this package
// implements, matching spec.md §6's `affinity.pool(...) -> &Pool`
// surface reduced to its map/unmap essentials.
type Pool interface {
	Map() Block
	Unmap(b Block)
	Describe() AlignSpec
}

// ParentPool is implemented by pools that can themselves serve as the
// backing store for a smaller pool (BinaryPool's "parent pool of
// block size 2N", NodePool's "parent pool" supplying slabs).
type ParentPool interface {
	MapBlock(size int) Block
	UnmapBlock(b Block)
}
