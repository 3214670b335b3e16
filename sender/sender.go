// Package sender encrypts a payload file for the recipient and uploads it to the relay,
// resuming from the chunks acknowledged by an earlier, failed run.
package sender

import (
	"context"
	"crypto/ecdh"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/bitrise-io/go-utils/v2/fileutil"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
	"github.com/ehrlink/go-ehrtransfer/codec"
	"github.com/ehrlink/go-ehrtransfer/config"
	"github.com/ehrlink/go-ehrtransfer/e2ee"
	"github.com/ehrlink/go-ehrtransfer/network"
	"github.com/ehrlink/go-ehrtransfer/payload"
)

// Result summarizes an upload.
type Result struct {
	// Legacy is set when the payload was small enough for the single-shot format.
	Legacy   bool
	Chunks   int
	Uploaded int
	Skipped  int
	Bytes    int64
}

// Sender ...
type Sender struct {
	config    config.SenderConfig
	recipient *ecdh.PublicKey
	files     fileutil.FileManager
	logger    log.Logger
}

// New ...
func New(cfg config.SenderConfig, logger log.Logger) (*Sender, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	recipient, err := cfg.RecipientKey.PublicKey()
	if err != nil {
		return nil, fmt.Errorf("invalid recipient key: %w", err)
	}
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = codec.DefaultChunkSize
	}
	if cfg.StateFile == "" {
		cfg.StateFile = cfg.PayloadPath + ".upload-state.json"
	}
	return &Sender{
		config:    cfg,
		recipient: recipient,
		files:     fileutil.NewFileManager(),
		logger:    logger,
	}, nil
}

// Send encrypts and uploads the payload. On failure the resume state file is left in place so
// the next run only sends the chunks that were not acknowledged.
func (s *Sender) Send(ctx context.Context) (Result, error) {
	s.logger.TDebugf("Send start")
	defer s.logger.TDebugf("Send done")

	plaintext, err := os.ReadFile(s.config.PayloadPath)
	if err != nil {
		return Result{}, fmt.Errorf("read payload: %w", err)
	}
	if !json.Valid(plaintext) {
		return Result{}, fmt.Errorf("payload %s is not valid JSON", s.config.PayloadPath)
	}
	s.logger.Printf("Payload size: %s", units.HumanSizeWithPrecision(float64(len(plaintext)), 3))

	state, err := s.loadState(plaintext)
	if err != nil {
		return Result{}, err
	}

	uploader, err := network.NewUploader(network.UploadParams{
		APIBaseURL:    s.config.APIBaseURL,
		Token:         string(s.config.APIToken),
		SessionID:     s.config.SessionID,
		FinalizeToken: string(s.config.FinalizeToken),
		ConnectionID:  s.config.ConnectionID,
		Retry:         s.config.Retry,
	}, state.Pending, s.logger)
	if err != nil {
		return Result{}, err
	}
	uploader.OnAck = func(*payload.PendingChunkInfo) error {
		return s.saveState(state)
	}

	progress := codec.NewProgress()
	stopProgress := s.logProgress(progress)
	defer stopProgress()

	s.logger.Println()
	s.logger.Infof("Encrypting and uploading payload...")
	startTime := time.Now()
	encryptor := codec.NewEncryptor(s.recipient, codec.EncryptorConfig{ChunkSize: s.config.ChunkSize}, s.logger)
	if err := encryptor.Encrypt(ctx, plaintext, uploader, progress); err != nil {
		if received := state.Pending.ReceivedCount(); received > 0 {
			s.logger.Warnf("%d chunk(s) were acknowledged before the failure, rerun to resume from %s", received, s.config.StateFile)
		}
		return Result{}, fmt.Errorf("upload failed: %w", err)
	}

	snapshot := progress.Snapshot()
	result := Result{
		Legacy:   !snapshot.TotalKnown,
		Chunks:   1,
		Uploaded: uploader.Uploaded(),
		Skipped:  uploader.Skipped(),
		Bytes:    uploader.UploadedBytes(),
	}
	if snapshot.TotalKnown {
		result.Chunks = snapshot.TotalChunks
	}

	if err := s.files.Remove(s.config.StateFile); err != nil && !os.IsNotExist(err) {
		s.logger.Warnf("Failed to remove resume state %s: %s", s.config.StateFile, err)
	}

	s.logger.Donef("Uploaded %d of %d chunk(s) (%s, %d skipped) in %s",
		result.Uploaded, result.Chunks,
		units.HumanSizeWithPrecision(float64(result.Bytes), 3), result.Skipped,
		time.Since(startTime).Round(time.Millisecond))
	return result, nil
}

func (s *Sender) loadState(plaintext []byte) (*resumeState, error) {
	fresh := &resumeState{
		PayloadChecksum: checksum(plaintext),
		ChunkSize:       s.config.ChunkSize,
		ProviderKey:     e2ee.ProviderKey(s.config.SessionID, s.config.ConnectionID),
		Pending:         payload.NewPendingChunkInfo(),
	}

	previous, err := readResumeState(s.config.StateFile)
	if err != nil {
		s.logger.Warnf("Ignoring resume state: %s", err)
		return fresh, nil
	}
	if previous == nil {
		return fresh, nil
	}
	if !previous.matches(*fresh) {
		s.logger.Infof("Payload or chunk size changed since the last attempt, starting over")
		return fresh, nil
	}

	s.logger.Infof("Resuming upload, %d chunk(s) already acknowledged", previous.Pending.ReceivedCount())
	return previous, nil
}

func (s *Sender) saveState(state *resumeState) error {
	data, err := state.encode()
	if err != nil {
		return err
	}
	return s.files.WriteBytes(s.config.StateFile, data)
}

func (s *Sender) logProgress(progress *codec.Progress) func() {
	updates := progress.Subscribe(16)
	stop := make(chan struct{})
	go func() {
		for {
			select {
			case snapshot, ok := <-updates:
				if !ok {
					return
				}
				if snapshot.Phase == codec.PhaseEncrypting {
					s.logger.Debugf("Encrypting chunk %d (%s of %s read)", snapshot.ChunkIndex,
						units.HumanSize(float64(snapshot.BytesProcessed)), units.HumanSize(float64(snapshot.BytesTotal)))
				}
			case <-stop:
				return
			}
		}
	}()
	return func() { close(stop) }
}
