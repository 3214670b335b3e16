package receiver

import (
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
	"github.com/ehrlink/go-ehrtransfer/network/prefetch"
)

// runTracker emits instrument lines when --instrument is set. Events carry timings and sizes
// only, never record contents.
type runTracker struct {
	status  *StatusWriter
	enabled bool
	logger  log.Logger
}

func newRunTracker(status *StatusWriter, enabled bool, logger log.Logger) runTracker {
	return runTracker{status: status, enabled: enabled, logger: logger}
}

func (t runTracker) logPollFinished(pollTime time.Duration, attempts, providerCount int) {
	if !t.enabled {
		return
	}
	t.status.Instrument("poll_finished", map[string]interface{}{
		"poll_time_ms":   pollTime.Milliseconds(),
		"attempts":       attempts,
		"provider_count": providerCount,
	})
}

func (t runTracker) logChunkConsumed(providerIndex, chunkIndex int, size int, decryptTime time.Duration) {
	if !t.enabled {
		return
	}
	t.status.Instrument("chunk_consumed", map[string]interface{}{
		"provider_index":  providerIndex,
		"chunk_index":     chunkIndex,
		"ciphertext_size": size,
		"decrypt_time_ms": decryptTime.Milliseconds(),
	})
}

func (t runTracker) logProviderWritten(providerIndex int, totalTime time.Duration, written int64, stats *prefetch.Stats) {
	t.logger.Printf("Provider %d: %d chunk(s), %s downloaded, %s written",
		providerIndex,
		stats.FinishedCount(),
		units.HumanSizeWithPrecision(float64(stats.TotalBytes()), 3),
		units.HumanSizeWithPrecision(float64(written), 3))
	if !t.enabled {
		return
	}
	t.status.Instrument("provider_written", map[string]interface{}{
		"provider_index":        providerIndex,
		"total_time_ms":         totalTime.Milliseconds(),
		"bytes_written":         written,
		"chunks_downloaded":     stats.FinishedCount(),
		"bytes_downloaded":      stats.TotalBytes(),
		"avg_download_ms":       stats.Average().Milliseconds(),
		"total_download_ms":     stats.TotalDuration().Milliseconds(),
		"peak_inflight_fetches": stats.PeakInflight(),
	})
}
