// Package alloc implements C5: the tiered allocator hierarchy of
// spec.md §4.6 — alignment derivation, the BinaryPool buddy allocator,
// NodePool/NodePoolSync/NodeSmallPool slab allocators, the Temporal
// bump allocator, and the CyclicPool tiered small-object pool.
//
// Grounded on original_source/src/tools/Memory.cpp's AlignSpec/Model
// derivation and on the teacher's microbatch package for the general
// shape of "a sized buffer pool with a fast and slow path" — the
// teacher itself has no allocator, so the pooling idiom (sync.Pool
// style map/unmap, slab free-lists) is adapted from microbatch's
// batch-buffer reuse plus NodePool's own spec description.
package alloc

import (
	"math/bits"

	"github.com/joeycumines/runtimecore/rtassert"
)

// Model controls placement of the user payload within a block.
type Model int

const (
	ModelTiny Model = iota
	ModelLine
	ModelPage
)

// Scale controls which backing allocator services this size.
type Scale int

const (
	ScaleLine Scale = iota
	ScalePage
	ScaleUnique
)

const (
	wordSize      = 8
	cacheLine     = 64
	tinyUserMax   = 56
	lineCutoff    = 16 << 10
	pageCutoff    = 256 << 10
	pageAlignSize = 4096
)

// AlignSpec is the immutable result of alignSpecOf: what alignment and
// placement a given (size, phase) allocation needs.
type AlignSpec struct {
	Size       int
	Phase      int
	Model      Model
	Scale      Scale
	AlignBytes int
	AllocBytes int
}

// SpecOf derives the AlignSpec for a (size, phase) pair, per spec.md
// §4.6's "Alignment derivation".
func SpecOf(size, phase int) AlignSpec {
	rtassert.Check(size%wordSize == 0, "alloc: size must be word-multiple", "size", size)
	rtassert.Check(phase < size, "alloc: phase must be < size", "phase", phase, "size", size)

	userSize := size - phase
	rtassert.Check(userSize >= wordSize, "alloc: user size must be >= word size", "userSize", userSize)

	spec := AlignSpec{Size: size, Phase: phase}

	switch {
	case userSize <= tinyUserMax:
		spec.Model = ModelTiny
		if userSize%16 == 0 {
			spec.AlignBytes = 16
		} else {
			spec.AlignBytes = 8
		}
		// Reserve one locator slot (a word, to recover the raw
		// pointer) plus sliding room within a cache line.
		spec.AllocBytes = roundUp(size+wordSize, spec.AlignBytes)
		spec.Scale = ScaleLine

	case size%pageAlignSize == 0:
		spec.Model = ModelPage
		spec.AlignBytes = pageAlignSize
		spec.AllocBytes = size
		spec.Scale = scaleFor(size)

	default:
		spec.Model = ModelLine
		spec.AlignBytes = cacheLine
		spec.AllocBytes = roundUp(size+wordSize, cacheLine)
		spec.Scale = scaleFor(spec.AllocBytes)
	}

	if spec.Scale == ScaleUnique {
		spec.AllocBytes = nextPowerOfTwo(spec.AllocBytes)
	}

	return spec
}

func scaleFor(allocBytes int) Scale {
	switch {
	case allocBytes < lineCutoff:
		return ScaleLine
	case allocBytes < pageCutoff:
		return ScalePage
	default:
		return ScaleUnique
	}
}

func roundUp(n, multiple int) int {
	if multiple <= 0 {
		return n
	}
	rem := n % multiple
	if rem == 0 {
		return n
	}
	return n + (multiple - rem)
}

func nextPowerOfTwo(n int) int {
	if n <= 1 {
		return 1
	}
	return 1 << bits.Len(uint(n-1))
}

// Place is the result of AlignPlace: where within [0, freeLen) the
// user payload lands, and whether it fits at all.
type Place struct {
	UserPtr int // offset from freeBegin where the user payload starts
	OK      bool
}

// AlignPlace computes the aligned placement of spec's user portion
// within [0, freeLen), keeping Tiny-model placements inside a single
// cache line. Offsets are relative (callers own the actual backing
// memory); this mirrors alignPlace's pointer-arithmetic in a
// GC-friendly shape.
func AlignPlace(spec AlignSpec, freeLen int) Place {
	if spec.AllocBytes > freeLen {
		return Place{OK: false}
	}

	aligned := roundUp(spec.Phase, spec.AlignBytes) - spec.Phase
	if aligned < 0 {
		aligned += spec.AlignBytes
	}

	userPtr := aligned
	if spec.Model == ModelTiny {
		lineStart := (userPtr / cacheLine) * cacheLine
		lineEnd := lineStart + cacheLine
		if userPtr+spec.Size-spec.Phase > lineEnd {
			return Place{OK: false}
		}
	}

	if userPtr+spec.AllocBytes > freeLen {
		return Place{OK: false}
	}

	return Place{UserPtr: userPtr, OK: true}
}

// Header is the Go shape of the word that records an aligned
// allocation's raw (unaligned) offset. No function in this package
// writes or reads a Header.
type Header struct {
	RawOffset int
}
