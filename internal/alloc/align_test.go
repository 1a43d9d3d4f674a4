package alloc

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSpecOfTinyModel(t *testing.T) {
	spec := SpecOf(32, 0)
	assert.Equal(t, ModelTiny, spec.Model)
	assert.Equal(t, ScaleLine, spec.Scale)
	assert.GreaterOrEqual(t, spec.AllocBytes, spec.Size)
}

func TestSpecOfPageModel(t *testing.T) {
	spec := SpecOf(pageAlignSize, 0)
	assert.Equal(t, ModelPage, spec.Model)
	assert.Equal(t, pageAlignSize, spec.AlignBytes)
	assert.Equal(t, pageAlignSize, spec.AllocBytes)
}

func TestSpecOfLineModel(t *testing.T) {
	spec := SpecOf(1024, 0)
	assert.Equal(t, ModelLine, spec.Model)
	assert.Equal(t, cacheLine, spec.AlignBytes)
}

func TestSpecOfLargeSizeScalesUnique(t *testing.T) {
	spec := SpecOf(pageCutoff+pageAlignSize, 0)
	assert.Equal(t, ScaleUnique, spec.Scale)
	// Unique-scale alloc bytes must be a power of two.
	assert.Equal(t, spec.AllocBytes&(spec.AllocBytes-1), 0)
}

func TestSpecOfPhaseSlidesUserPortion(t *testing.T) {
	spec := SpecOf(64, 8)
	assert.Equal(t, 8, spec.Phase)
	assert.Equal(t, ModelTiny, spec.Model)
}

func TestAlignPlaceFitsWithinFreeLen(t *testing.T) {
	spec := SpecOf(64, 0)
	place := AlignPlace(spec, 4096)
	assert.True(t, place.OK)
	assert.Zero(t, place.UserPtr % spec.AlignBytes)
}

func TestAlignPlaceRejectsInsufficientSpace(t *testing.T) {
	spec := SpecOf(pageAlignSize, 0)
	place := AlignPlace(spec, pageAlignSize-1)
	assert.False(t, place.OK)
}

func TestAlignPlaceTinyStaysWithinCacheLine(t *testing.T) {
	spec := SpecOf(32, 0)
	place := AlignPlace(spec, 4096)
	require := assert.New(t)
	require.True(place.OK)
	lineStart := (place.UserPtr / cacheLine) * cacheLine
	require.LessOrEqual(place.UserPtr+spec.Size-spec.Phase, lineStart+cacheLine)
}

func TestRoundUpAndNextPowerOfTwo(t *testing.T) {
	assert.Equal(t, 16, roundUp(9, 16))
	assert.Equal(t, 16, roundUp(16, 16))
	assert.Equal(t, 0, roundUp(0, 16))

	assert.Equal(t, 1, nextPowerOfTwo(0))
	assert.Equal(t, 1, nextPowerOfTwo(1))
	assert.Equal(t, 8, nextPowerOfTwo(5))
	assert.Equal(t, 256, nextPowerOfTwo(256))
}
