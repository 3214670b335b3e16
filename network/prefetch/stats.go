package prefetch

import (
	"sync"
	"time"
)

// Stats tracks download performance metrics for hung detection and reporting.
type Stats struct {
	sum            time.Duration
	finishedChunks int64
	bytes          int64
	inflight       int
	peakInflight   int
	mu             sync.Mutex
}

// NewStats creates a new Stats instance.
func NewStats() *Stats {
	return &Stats{}
}

// Update records a successful chunk download.
func (s *Stats) Update(d time.Duration, size int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sum += d
	s.finishedChunks++
	s.bytes += size
}

// Average returns the average download duration for completed chunks.
func (s *Stats) Average() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finishedChunks == 0 {
		return 0
	}
	return s.sum / time.Duration(s.finishedChunks)
}

// FinishedCount returns the number of completed chunk downloads.
func (s *Stats) FinishedCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finishedChunks
}

// TotalDuration returns the sum of all download durations.
func (s *Stats) TotalDuration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sum
}

// TotalBytes returns the number of ciphertext bytes downloaded.
func (s *Stats) TotalBytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytes
}

// PeakInflight returns the highest number of downloads that ran at the same time.
func (s *Stats) PeakInflight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peakInflight
}

func (s *Stats) started() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inflight++
	if s.inflight > s.peakInflight {
		s.peakInflight = s.inflight
	}
}

func (s *Stats) stopped() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inflight--
}
