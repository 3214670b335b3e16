package sender

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/ehrlink/go-ehrtransfer/payload"
)

// resumeState is persisted after every acknowledged chunk. It is only reused when the payload,
// the chunk size and the provider are unchanged, since otherwise the chunk boundaries differ.
type resumeState struct {
	PayloadChecksum string                    `json:"payloadSha256"`
	ChunkSize       int                       `json:"chunkSize"`
	ProviderKey     string                    `json:"providerKey"`
	Pending         *payload.PendingChunkInfo `json:"pending"`
}

func (s resumeState) matches(other resumeState) bool {
	return s.PayloadChecksum == other.PayloadChecksum &&
		s.ChunkSize == other.ChunkSize &&
		s.ProviderKey == other.ProviderKey
}

func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// readResumeState returns nil without an error when there is no state file.
func readResumeState(pth string) (*resumeState, error) {
	data, err := os.ReadFile(pth)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read resume state: %w", err)
	}

	state := resumeState{Pending: payload.NewPendingChunkInfo()}
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("parse resume state %s: %w", pth, err)
	}
	if state.Pending == nil {
		state.Pending = payload.NewPendingChunkInfo()
	}
	return &state, nil
}

func (s resumeState) encode() ([]byte, error) {
	return json.MarshalIndent(s, "", "  ")
}
