// Package config loads and validates the engine's sm_* options (spec §6).
package config

import (
	"fmt"
	"time"

	"github.com/pelletier/go-toml"
)

// ReplacementPolicy selects the buffer pool's eviction strategy.
type ReplacementPolicy string

const (
	PolicyClock         ReplacementPolicy = "clock"
	PolicyClockPriority  ReplacementPolicy = "clock_priority"
	PolicyRandom         ReplacementPolicy = "random"
)

// Options mirrors the "recognized options" table of spec §6. Field names
// keep the sm_ prefix in their toml tags so a config file reads the same
// way the spec documents it.
type Options struct {
	BufPoolSize      int               `toml:"sm_bufpoolsize"`
	NumPageWriters   int               `toml:"sm_num_page_writers"`
	BackgroundFlush  bool              `toml:"sm_backgroundflush"`
	LogDir           string            `toml:"sm_logdir"`
	LogSize          int64             `toml:"sm_logsize"`
	LockTableSize    int               `toml:"sm_locktablesize"`
	Swizzling        bool              `toml:"sm_swizzling"`
	ReplacementPolicy ReplacementPolicy `toml:"sm_replacement_policy"`
	Archiving        bool              `toml:"sm_archiving"`
	ArchDir          string            `toml:"sm_archdir"`
	RestoreSegSize   int64             `toml:"sm_restore_segsize"`

	// PageSizeBits is not an sm_ option in the original source; it is this
	// implementation's knob for the page-size-in-bits field the teacher's
	// BufMgr took as a constructor argument.
	PageSizeBits uint8 `toml:"page_size_bits"`

	// FlushInterval paces the buffer pool's background cleaner
	// (Pool.RunCleaner) when BackgroundFlush is set.
	FlushInterval time.Duration `toml:"flush_interval"`

	// CleanerBatchSize is not read by the engine: each cleaner pass writes
	// at most the buffer pool's fixed batch of 64 dirty frames.
	CleanerBatchSize int `toml:"cleaner_batch_size"`
}

// Default returns the engine's baked-in defaults, applied before any
// override from a config file or caller-supplied struct.
func Default() Options {
	return Options{
		BufPoolSize:       1024,
		NumPageWriters:    1,
		BackgroundFlush:   true,
		LogDir:            "./fosterlog",
		LogSize:           64 << 20,
		LockTableSize:     4096,
		Swizzling:         true,
		ReplacementPolicy: PolicyClock,
		Archiving:         false,
		ArchDir:           "",
		RestoreSegSize:    16 << 20,
		PageSizeBits:      13, // 8 KiB
		FlushInterval:     5 * time.Millisecond,
		CleanerBatchSize:  64,
	}
}

// Load reads a TOML config file and merges it onto Default().
func Load(path string) (Options, error) {
	opts := Default()
	tree, err := toml.LoadFile(path)
	if err != nil {
		return opts, fmt.Errorf("config: load %s: %w", path, err)
	}
	if err := tree.Unmarshal(&opts); err != nil {
		return opts, fmt.Errorf("config: unmarshal %s: %w", path, err)
	}
	return opts, opts.Validate()
}

// Validate enforces the sanity bounds the teacher's BufMgr asserted inline
// (page-size clamp, minimum pool size) plus the bookkeeping this
// implementation adds (positive log size, known replacement policy).
func (o Options) Validate() error {
	const (
		btMinBits = 9
		btMaxBits = 24
	)
	if o.PageSizeBits < btMinBits || o.PageSizeBits > btMaxBits {
		return fmt.Errorf("config: page_size_bits %d out of range [%d,%d]", o.PageSizeBits, btMinBits, btMaxBits)
	}
	if o.BufPoolSize < 16 {
		return fmt.Errorf("config: sm_bufpoolsize %d too small (minimum 16 frames)", o.BufPoolSize)
	}
	if o.LogSize <= 0 {
		return fmt.Errorf("config: sm_logsize must be positive")
	}
	switch o.ReplacementPolicy {
	case PolicyClock, PolicyClockPriority, PolicyRandom:
	default:
		return fmt.Errorf("config: unknown sm_replacement_policy %q", o.ReplacementPolicy)
	}
	return nil
}
