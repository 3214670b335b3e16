package network

import (
	"context"
	"fmt"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
	"github.com/ehrlink/go-ehrtransfer/e2ee"
	"github.com/ehrlink/go-ehrtransfer/payload"
)

// UploadParams ...
type UploadParams struct {
	APIBaseURL    string
	Token         string
	SessionID     string
	FinalizeToken string
	ConnectionID  string
	Retry         RetryConfig
}

// Uploader sends chunks to the relay as the producer emits them. Chunks recorded in the
// pending info are skipped, so rerunning the producer after a failure only sends what is
// missing.
type Uploader struct {
	client      apiClient
	params      UploadParams
	providerKey string
	pending     *payload.PendingChunkInfo
	logger      log.Logger

	// OnAck runs after every acknowledged chunk, typically to persist the pending info.
	OnAck func(pending *payload.PendingChunkInfo) error

	uploaded int
	skipped  int
	bytes    int64
}

// NewUploader ...
func NewUploader(params UploadParams, pending *payload.PendingChunkInfo, logger log.Logger) (*Uploader, error) {
	if params.APIBaseURL == "" {
		return nil, fmt.Errorf("API base URL is empty")
	}
	if params.SessionID == "" {
		return nil, fmt.Errorf("session ID is empty")
	}
	if params.FinalizeToken == "" {
		return nil, fmt.Errorf("finalize token is empty")
	}
	if params.ConnectionID == "" {
		return nil, fmt.Errorf("connection ID is empty")
	}
	if params.Retry.Attempts == 0 {
		params.Retry = DefaultUploadRetry()
	}
	if pending == nil {
		pending = payload.NewPendingChunkInfo()
	}

	return &Uploader{
		client:      newAPIClient(newRetryClient(logger, params.Retry), params.APIBaseURL, params.Token, logger),
		params:      params,
		providerKey: e2ee.ProviderKey(params.SessionID, params.ConnectionID),
		pending:     pending,
		logger:      logger,
	}, nil
}

// PutChunk uploads one chunk unless it was already acknowledged.
func (u *Uploader) PutChunk(ctx context.Context, chunk payload.EncryptedChunk, totalChunks int) error {
	u.pending.ObserveTotal(totalChunks)

	if u.pending.Has(chunk.Index) {
		u.logger.Debugf("Chunk %d already acknowledged, skipping", chunk.Index)
		u.skipped++
		return nil
	}

	u.logger.Debugf("Uploading chunk %d (%s)", chunk.Index, units.HumanSize(float64(len(chunk.Ciphertext))))
	err := u.client.receiveChunk(ctx, receiveChunkRequest{
		SessionID:     u.params.SessionID,
		FinalizeToken: u.params.FinalizeToken,
		Version:       payload.VersionChunked,
		TotalChunks:   totalChunks,
		Chunk:         chunk,
		ProviderKey:   u.providerKey,
	})
	if err != nil {
		return fmt.Errorf("upload chunk %d: %w", chunk.Index, err)
	}

	return u.ack(chunk.Index, len(chunk.Ciphertext))
}

// PutLegacy uploads a single-shot payload. It is tracked as chunk 0 of 1.
func (u *Uploader) PutLegacy(ctx context.Context, legacy payload.LegacyPayload) error {
	u.pending.ObserveTotal(1)
	if u.pending.Complete() {
		u.logger.Debugf("Payload already acknowledged, skipping")
		u.skipped++
		return nil
	}

	u.logger.Debugf("Uploading v%d payload (%s)", legacy.Version, units.HumanSize(float64(len(legacy.Ciphertext))))
	err := u.client.receiveLegacy(ctx, receiveLegacyRequest{
		SessionID:     u.params.SessionID,
		FinalizeToken: u.params.FinalizeToken,
		Version:       legacy.Version,
		Payload:       legacy,
		ProviderKey:   u.providerKey,
	})
	if err != nil {
		return fmt.Errorf("upload payload: %w", err)
	}

	return u.ack(0, len(legacy.Ciphertext))
}

func (u *Uploader) ack(index, size int) error {
	u.pending.Ack(index)
	u.uploaded++
	u.bytes += int64(size)
	if u.OnAck != nil {
		if err := u.OnAck(u.pending); err != nil {
			return fmt.Errorf("record acknowledged chunk %d: %w", index, err)
		}
	}
	return nil
}

// Pending returns the live acknowledgement state.
func (u *Uploader) Pending() *payload.PendingChunkInfo {
	return u.pending
}

// ProviderKey is the scoping key sent with every request.
func (u *Uploader) ProviderKey() string {
	return u.providerKey
}

// Uploaded returns the number of chunks sent during this run.
func (u *Uploader) Uploaded() int {
	return u.uploaded
}

// Skipped returns the number of chunks skipped because they were already acknowledged.
func (u *Uploader) Skipped() int {
	return u.skipped
}

// UploadedBytes returns the ciphertext bytes sent during this run.
func (u *Uploader) UploadedBytes() int64 {
	return u.bytes
}
