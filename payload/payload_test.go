package payload

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chunksWithIndices(indices ...int) []EncryptedChunk {
	chunks := make([]EncryptedChunk, 0, len(indices))
	for _, i := range indices {
		chunks = append(chunks, EncryptedChunk{Index: i, IV: make([]byte, 12)})
	}
	return chunks
}

func TestChunkedEncryptedPayload_Validate(t *testing.T) {
	tests := []struct {
		name    string
		payload ChunkedEncryptedPayload
		wantErr bool
	}{
		{
			name:    "complete",
			payload: ChunkedEncryptedPayload{Version: VersionChunked, TotalChunks: 3, Chunks: chunksWithIndices(0, 1, 2)},
		},
		{
			name:    "complete but unsorted",
			payload: ChunkedEncryptedPayload{Version: VersionChunked, TotalChunks: 3, Chunks: chunksWithIndices(2, 0, 1)},
		},
		{
			name:    "total still unknown",
			payload: ChunkedEncryptedPayload{Version: VersionChunked, TotalChunks: UnknownTotal, Chunks: chunksWithIndices(0, 1)},
			wantErr: true,
		},
		{
			name:    "total does not match",
			payload: ChunkedEncryptedPayload{Version: VersionChunked, TotalChunks: 3, Chunks: chunksWithIndices(0, 1)},
			wantErr: true,
		},
		{
			name:    "gap",
			payload: ChunkedEncryptedPayload{Version: VersionChunked, TotalChunks: 3, Chunks: chunksWithIndices(0, 1, 3)},
			wantErr: true,
		},
		{
			name:    "zero chunks",
			payload: ChunkedEncryptedPayload{Version: VersionChunked, TotalChunks: 0},
			wantErr: true,
		},
		{
			name:    "wrong version",
			payload: ChunkedEncryptedPayload{Version: VersionGzip, TotalChunks: 1, Chunks: chunksWithIndices(0)},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.payload.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestProviderMeta_SortedChunks(t *testing.T) {
	meta := ProviderMeta{Chunks: []ChunkMeta{{Index: 2}, {Index: 0}, {Index: 1}}}

	sorted := meta.SortedChunks()

	assert.Equal(t, []int{0, 1, 2}, []int{sorted[0].Index, sorted[1].Index, sorted[2].Index})
	assert.Equal(t, 2, meta.Chunks[0].Index, "original order must be untouched")
}

func TestProviderMeta_ValidateChunks(t *testing.T) {
	require.NoError(t, ProviderMeta{Version: VersionChunked, Chunks: []ChunkMeta{{Index: 1}, {Index: 0}}}.ValidateChunks())
	require.NoError(t, ProviderMeta{Version: VersionGzip, Chunks: []ChunkMeta{{Index: 0}}}.ValidateChunks())

	err := ProviderMeta{ProviderIndex: 2, Version: VersionChunked, Chunks: []ChunkMeta{{Index: 0}, {Index: 2}}}.ValidateChunks()
	var missing *MissingChunkError
	require.True(t, errors.As(err, &missing))
	assert.Equal(t, 1, missing.Index)

	require.Error(t, ProviderMeta{Version: VersionRaw, Chunks: []ChunkMeta{{Index: 0}, {Index: 1}}}.ValidateChunks())
	require.Error(t, ProviderMeta{Version: VersionChunked}.ValidateChunks())
}

func TestValidateContiguous(t *testing.T) {
	err := ValidateContiguous([]ChunkMeta{{Index: 0}, {Index: 2}})
	var missing *MissingChunkError
	require.True(t, errors.As(err, &missing))
	assert.Equal(t, 1, missing.Index)

	require.NoError(t, ValidateContiguous([]ChunkMeta{{Index: 0}, {Index: 1}}))
	require.Error(t, ValidateContiguous(nil))
}

func TestPendingChunkInfo(t *testing.T) {
	p := NewPendingChunkInfo()
	assert.False(t, p.Complete())
	assert.Nil(t, p.Missing())

	p.Ack(0)
	p.Ack(1)
	p.ObserveTotal(UnknownTotal)
	_, known := p.Total()
	assert.False(t, known, "the sentinel must not be recorded as a total")
	assert.False(t, p.Complete())

	p.ObserveTotal(3)
	assert.Equal(t, []int{2}, p.Missing())
	assert.False(t, p.Complete())

	p.Ack(2)
	assert.True(t, p.Complete())
	assert.True(t, p.Has(1))

	p.Clear()
	assert.Equal(t, 0, p.ReceivedCount())
	_, known = p.Total()
	assert.False(t, known)
}

func TestPendingChunkInfo_JSON(t *testing.T) {
	p := NewPendingChunkInfo()
	p.Ack(3)
	p.Ack(1)
	p.ObserveTotal(5)

	data, err := json.Marshal(p)
	require.NoError(t, err)
	assert.JSONEq(t, `{"receivedChunks":[1,3],"totalChunks":5}`, string(data))

	restored := NewPendingChunkInfo()
	require.NoError(t, json.Unmarshal(data, restored))
	assert.Equal(t, []int{1, 3}, restored.Received())
	total, ok := restored.Total()
	require.True(t, ok)
	assert.Equal(t, 5, total)

	unknown := NewPendingChunkInfo()
	require.NoError(t, json.Unmarshal([]byte(`{"receivedChunks":[0],"totalChunks":-1}`), unknown))
	_, ok = unknown.Total()
	assert.False(t, ok)
}
