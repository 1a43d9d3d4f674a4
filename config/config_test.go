package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultMatchesDocumentedValues(t *testing.T) {
	c := Default()
	assert.Equal(t, 0, c.Workers)
	assert.Equal(t, 16, c.SpawnsPerLocal)
	assert.Equal(t, 628*time.Millisecond, c.KickTimeout)
	assert.Equal(t, 10*time.Second, c.Hang.Check)
	assert.False(t, c.Hang.Fatal)
}

func TestApplyStartsFromDefaultAndOverridesOnlyGivenOptions(t *testing.T) {
	c := Apply(WithWorkers(8))
	assert.Equal(t, 8, c.Workers)
	assert.Equal(t, Default().SpawnsPerLocal, c.SpawnsPerLocal, "unrelated fields must retain their default value")
}

func TestApplyComposesMultipleOptions(t *testing.T) {
	c := Apply(
		WithWorkers(4),
		WithPeersCapacity(12),
		WithRateInterval(time.Second),
		WithHangDetector(HangConfig{Fatal: true}),
	)
	assert.Equal(t, 4, c.Workers)
	assert.Equal(t, 12, c.PeersCapacity)
	assert.Equal(t, time.Second, c.RateInterval)
	assert.True(t, c.Hang.Fatal)
}

func TestWithMemoryDumpIntervalOverridesOnlyThatField(t *testing.T) {
	c := Apply(WithMemoryDumpInterval(time.Minute))
	assert.Equal(t, time.Minute, c.MemoryDumpInterval)
	assert.Equal(t, Default().MemoryDumpMinInterval, c.MemoryDumpMinInterval)
}
