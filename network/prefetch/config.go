package prefetch

import (
	"time"
)

// Config holds configuration for the prefetch pipeline.
type Config struct {
	// PrefetchChunks is the maximum number of chunks downloading or waiting in the spool.
	// Default: 8
	PrefetchChunks int

	// HungThreshold is the duration after which a chunk download is considered hung
	// if it exceeds the average download time by this amount. Zero disables detection.
	// Default: 30 seconds
	HungThreshold time.Duration

	// MaxHungRestarts is how many times a hung download is cancelled and started again.
	// Default: 2
	MaxHungRestarts int

	// SpoolRoot is the run directory the per-provider spool directories are created in.
	SpoolRoot string
}

// DefaultPrefetchChunks ...
const DefaultPrefetchChunks = 8

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		PrefetchChunks:  DefaultPrefetchChunks,
		HungThreshold:   30 * time.Second,
		MaxHungRestarts: 2,
	}
}

func (c Config) withDefaults() Config {
	if c.PrefetchChunks < 1 {
		c.PrefetchChunks = DefaultPrefetchChunks
	}
	if c.MaxHungRestarts < 0 {
		c.MaxHungRestarts = 0
	}
	return c
}

func hungCheckInterval(threshold time.Duration) time.Duration {
	if threshold < 2*time.Second {
		if threshold < 2*time.Millisecond {
			return time.Millisecond
		}
		return threshold / 2
	}
	return time.Second
}
