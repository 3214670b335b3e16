package payload

import (
	"encoding/json"
	"sort"
	"sync"
)

// PendingChunkInfo is the resume bookkeeping of one provider's upload: which chunk indices were
// acknowledged and, once observed, the concrete total.
//
// A nil total means the total is not known yet. That covers both "nothing arrived" and
// "sender still compressing"; the two are told apart by the received set, never by treating
// the -1 sentinel as a count.
type PendingChunkInfo struct {
	mu       sync.Mutex
	received map[int]struct{}
	total    *int
}

// NewPendingChunkInfo ...
func NewPendingChunkInfo() *PendingChunkInfo {
	return &PendingChunkInfo{received: map[int]struct{}{}}
}

// Ack records an acknowledged chunk.
func (p *PendingChunkInfo) Ack(index int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.received[index] = struct{}{}
}

// Has reports whether index was acknowledged.
func (p *PendingChunkInfo) Has(index int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.received[index]
	return ok
}

// ObserveTotal records a concrete total. The UnknownTotal sentinel is ignored.
func (p *PendingChunkInfo) ObserveTotal(total int) {
	if total == UnknownTotal || total < 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	t := total
	p.total = &t
}

// Total returns the concrete total if one was observed.
func (p *PendingChunkInfo) Total() (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.total == nil {
		return 0, false
	}
	return *p.total, true
}

// ReceivedCount ...
func (p *PendingChunkInfo) ReceivedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.received)
}

// Received returns the acknowledged indices in ascending order.
func (p *PendingChunkInfo) Received() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sortedLocked()
}

// Complete is true only once a concrete total was observed and every index below it was acked.
func (p *PendingChunkInfo) Complete() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.total == nil || *p.total < 1 {
		return false
	}
	for i := 0; i < *p.total; i++ {
		if _, ok := p.received[i]; !ok {
			return false
		}
	}
	return true
}

// Missing returns the indices below the known total that have not been acked.
// Without a known total nothing can be reported missing.
func (p *PendingChunkInfo) Missing() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.total == nil {
		return nil
	}
	var missing []int
	for i := 0; i < *p.total; i++ {
		if _, ok := p.received[i]; !ok {
			missing = append(missing, i)
		}
	}
	return missing
}

// Clear drops all state, as done on finalize.
func (p *PendingChunkInfo) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.received = map[int]struct{}{}
	p.total = nil
}

func (p *PendingChunkInfo) sortedLocked() []int {
	indices := make([]int, 0, len(p.received))
	for i := range p.received {
		indices = append(indices, i)
	}
	sort.Ints(indices)
	return indices
}

type pendingChunkInfoJSON struct {
	ReceivedChunks []int `json:"receivedChunks"`
	TotalChunks    *int  `json:"totalChunks"`
}

// MarshalJSON ...
func (p *PendingChunkInfo) MarshalJSON() ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return json.Marshal(pendingChunkInfoJSON{ReceivedChunks: p.sortedLocked(), TotalChunks: p.total})
}

// UnmarshalJSON ...
func (p *PendingChunkInfo) UnmarshalJSON(data []byte) error {
	var v pendingChunkInfoJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.received = make(map[int]struct{}, len(v.ReceivedChunks))
	for _, i := range v.ReceivedChunks {
		p.received[i] = struct{}{}
	}
	p.total = nil
	if v.TotalChunks != nil && *v.TotalChunks != UnknownTotal {
		t := *v.TotalChunks
		p.total = &t
	}
	return nil
}
