// Package config collects the runtimecore configuration knobs spec.md
// §6 lists as constants into a single struct, following the teacher's
// eventloop/options.go functional-options pattern.
package config

import "time"

// Config holds every tunable named in spec.md §6.
type Config struct {
	// Scheduler (§4.5).
	Workers             int
	PeersCapacity       int
	SpawnsPerLocal      int
	SpawnsPreCacheTarget int
	PeekThreshold       int
	RateInterval        time.Duration
	KickTimeout         time.Duration

	// Memory dump (§4.6.6).
	MemoryDumpInterval    time.Duration
	MemoryDumpMinInterval time.Duration
	MemoryDumpWatermark   float64 // ratio, e.g. 1/8
	MemoryDumpFloorBytes  int64

	// Hang detector (§4.8, §9 Open Question 1).
	Hang HangConfig

	// Allocator (§4.6).
	BinaryMasterSizes []int
	UniqueCutoffBytes int
	HugeCutoffBytes   int

	// Cyclic pool (§4.6.5).
	CyclicElementCaps []int
	CyclicSlabSizes   []int
}

// HangConfig configures the hang detector.
type HangConfig struct {
	Check    time.Duration
	Complain time.Duration // 0 disables
	Assert   time.Duration
	// Fatal controls whether exceeding Assert terminates the process
	// (os.Exit) or only logs at error level. Defaults to false: per
	// SPEC_FULL.md's Open Question 1, an unconditional process-ending
	// abort is not acceptable as a library default.
	Fatal bool
}

// Default returns spec.md §6's documented defaults.
func Default() Config {
	return Config{
		Workers:              0, // 0 means runtime.GOMAXPROCS(0)
		PeersCapacity:        48,
		SpawnsPerLocal:       16,
		SpawnsPreCacheTarget: 8,
		PeekThreshold:        63,
		RateInterval:         30 * time.Second,
		KickTimeout:          628 * time.Millisecond,

		MemoryDumpInterval:    30 * time.Second,
		MemoryDumpMinInterval: 5 * time.Second,
		MemoryDumpWatermark:   1.0 / 8,
		MemoryDumpFloorBytes:  1 << 30,

		Hang: HangConfig{
			Check:    10 * time.Second,
			Complain: 0,
			Assert:   5 * time.Minute,
			Fatal:    false,
		},

		BinaryMasterSizes: []int{32 << 10, 64 << 10, 128 << 10, 256 << 10, 512 << 10, 1 << 20},
		UniqueCutoffBytes: 256 << 10,
		HugeCutoffBytes:   2 << 20,

		CyclicElementCaps: []int{32, 160, 896, 3840, 16384},
		CyclicSlabSizes:   []int{208, 1088, 5376, 22912, 98304},
	}
}

// Option configures a Config, following eventloop/options.go.
type Option func(*Config)

// Apply applies options on top of Default().
func Apply(options ...Option) Config {
	c := Default()
	for _, opt := range options {
		opt(&c)
	}
	return c
}

func WithWorkers(n int) Option { return func(c *Config) { c.Workers = n } }

func WithPeersCapacity(n int) Option { return func(c *Config) { c.PeersCapacity = n } }

func WithHangDetector(h HangConfig) Option { return func(c *Config) { c.Hang = h } }

func WithMemoryDumpInterval(d time.Duration) Option {
	return func(c *Config) { c.MemoryDumpInterval = d }
}

func WithRateInterval(d time.Duration) Option { return func(c *Config) { c.RateInterval = d } }
