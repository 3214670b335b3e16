// Package payload holds the wire and bookkeeping types of the chunked transfer protocol.
package payload

import (
	"fmt"
	"sort"

	"github.com/ehrlink/go-ehrtransfer/e2ee"
)

const (
	// VersionRaw is the legacy single-shot format over raw plaintext.
	VersionRaw = 1
	// VersionGzip is the legacy single-shot format over gzip-compressed plaintext.
	VersionGzip = 2
	// VersionChunked is the chunked format.
	VersionChunked = 3
)

// UnknownTotal is sent as totalChunks while the producer is still compressing.
// It never means "zero chunks".
const UnknownTotal = -1

// EncryptedChunk is one independently decryptable slice of the compressed stream.
type EncryptedChunk struct {
	Index              int      `json:"index"`
	EphemeralPublicKey e2ee.JWK `json:"ephemeralPublicKey"`
	IV                 []byte   `json:"iv"`
	Ciphertext         []byte   `json:"ciphertext"`
}

// Meta strips the ciphertext.
func (c EncryptedChunk) Meta() ChunkMeta {
	return ChunkMeta{Index: c.Index, EphemeralPublicKey: c.EphemeralPublicKey, IV: c.IV}
}

// ChunkedEncryptedPayload ...
type ChunkedEncryptedPayload struct {
	Version     int              `json:"version"`
	TotalChunks int              `json:"totalChunks"`
	Chunks      []EncryptedChunk `json:"chunks"`
}

// Validate reports whether the payload is complete: the total is concrete, matches the number
// of chunks and the indices are exactly 0..n-1. At least one chunk is required.
func (p ChunkedEncryptedPayload) Validate() error {
	if p.Version != VersionChunked {
		return fmt.Errorf("unexpected payload version %d", p.Version)
	}
	if p.TotalChunks == UnknownTotal {
		return fmt.Errorf("total chunk count not yet known")
	}
	if p.TotalChunks < 1 {
		return fmt.Errorf("invalid total chunk count %d", p.TotalChunks)
	}
	if p.TotalChunks != len(p.Chunks) {
		return fmt.Errorf("total chunk count %d does not match %d chunks", p.TotalChunks, len(p.Chunks))
	}
	metas := make([]ChunkMeta, len(p.Chunks))
	for i, c := range p.Chunks {
		metas[i] = c.Meta()
	}
	return ValidateContiguous(SortChunkMetas(metas))
}

// Sorted returns the chunks ordered by index. The receiver is not modified.
func (p ChunkedEncryptedPayload) Sorted() []EncryptedChunk {
	sorted := make([]EncryptedChunk, len(p.Chunks))
	copy(sorted, p.Chunks)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })
	return sorted
}

// LegacyPayload is the non-chunked v1/v2 format.
type LegacyPayload struct {
	Version            int      `json:"version"`
	EphemeralPublicKey e2ee.JWK `json:"ephemeralPublicKey"`
	IV                 []byte   `json:"iv"`
	Ciphertext         []byte   `json:"ciphertext"`
}

// ChunkMeta is what the readiness poll reports for one stored chunk.
type ChunkMeta struct {
	Index              int      `json:"index"`
	EphemeralPublicKey e2ee.JWK `json:"ephemeralPublicKey"`
	IV                 []byte   `json:"iv"`
}

// ProviderMeta describes one provider's stored payload. Chunks may arrive unsorted.
// Legacy (v1/v2) providers carry a single chunk with index 0.
type ProviderMeta struct {
	ProviderIndex int         `json:"providerIndex"`
	Version       int         `json:"version"`
	Chunks        []ChunkMeta `json:"chunks"`
}

// SortedChunks returns a copy of the chunk metadata ordered by index.
func (m ProviderMeta) SortedChunks() []ChunkMeta {
	return SortChunkMetas(m.Chunks)
}

// ValidateChunks checks that the chunk indices are exactly 0..n-1 in some order.
func (m ProviderMeta) ValidateChunks() error {
	if err := ValidateContiguous(m.SortedChunks()); err != nil {
		return fmt.Errorf("provider %d: %w", m.ProviderIndex, err)
	}
	if m.Version != VersionChunked && len(m.Chunks) != 1 {
		return fmt.Errorf("provider %d: version %d payload must have exactly one chunk, got %d", m.ProviderIndex, m.Version, len(m.Chunks))
	}
	return nil
}

// ReadyResponse is the body of the readiness long-poll.
type ReadyResponse struct {
	Ready         bool           `json:"ready"`
	ProviderCount int            `json:"providerCount"`
	Providers     []ProviderMeta `json:"providers"`
}

// SortChunkMetas returns a copy of chunks ordered by index.
func SortChunkMetas(chunks []ChunkMeta) []ChunkMeta {
	sorted := make([]ChunkMeta, len(chunks))
	copy(sorted, chunks)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })
	return sorted
}

// MissingChunkError means the chunk sequence has a gap or duplicate at Index.
type MissingChunkError struct {
	Index int
}

func (e *MissingChunkError) Error() string {
	return fmt.Sprintf("chunk %d is missing", e.Index)
}

// ValidateContiguous expects sorted chunks and checks that their indices are 0..n-1.
func ValidateContiguous(sorted []ChunkMeta) error {
	if len(sorted) == 0 {
		return fmt.Errorf("payload has no chunks")
	}
	for i, c := range sorted {
		if c.Index != i {
			return &MissingChunkError{Index: i}
		}
	}
	return nil
}
