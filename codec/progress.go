package codec

import (
	"sync"
)

// Phase of the producer.
type Phase string

const (
	PhaseCompressing Phase = "compressing"
	PhaseEncrypting  Phase = "encrypting"
	PhaseDone        Phase = "done"
)

// ProgressSnapshot is a point-in-time copy of Progress.
type ProgressSnapshot struct {
	Phase          Phase
	ChunkIndex     int
	BytesProcessed int64
	BytesTotal     int64
	// TotalChunks is zero and TotalKnown false until the final chunk is produced.
	TotalChunks int
	TotalKnown  bool
}

// Progress is a lock-protected status struct updated by the producer and polled by the caller.
// Subscribers get snapshots on a buffered channel; updates are dropped for a subscriber that
// is not keeping up, Snapshot always returns the latest state.
type Progress struct {
	mu          sync.Mutex
	state       ProgressSnapshot
	subscribers []chan ProgressSnapshot
}

// NewProgress ...
func NewProgress() *Progress {
	return &Progress{}
}

// Snapshot ...
func (p *Progress) Snapshot() ProgressSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Subscribe returns a channel of snapshots. It is closed when the producer reaches PhaseDone.
func (p *Progress) Subscribe(buffer int) <-chan ProgressSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan ProgressSnapshot, buffer)
	if p.state.Phase == PhaseDone {
		ch <- p.state
		close(ch)
		return ch
	}
	p.subscribers = append(p.subscribers, ch)
	return ch
}

func (p *Progress) update(fn func(s *ProgressSnapshot)) {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	fn(&p.state)
	for _, ch := range p.subscribers {
		select {
		case ch <- p.state:
		default:
		}
	}
	if p.state.Phase == PhaseDone {
		for _, ch := range p.subscribers {
			close(ch)
		}
		p.subscribers = nil
	}
}
