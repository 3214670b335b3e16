// Package codec turns plaintext into encrypted chunks and back.
//
// The whole payload is one gzip stream. Chunk boundaries only exist for transport and
// encryption, so decryption must feed the decompressor strictly in index order.
package codec

import (
	"context"
	"crypto/ecdh"
	"encoding/json"
	"fmt"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
	"github.com/ehrlink/go-ehrtransfer/e2ee"
	"github.com/ehrlink/go-ehrtransfer/payload"
	"github.com/klauspost/compress/gzip"
)

const (
	// DefaultChunkSize is the compressed size of every chunk but the last.
	DefaultChunkSize = 5 * 1024 * 1024
	// DefaultInputSliceSize bounds how much plaintext is handed to the compressor at once.
	DefaultInputSliceSize = 1024 * 1024
)

// ChunkSink receives the producer's output as it is created.
type ChunkSink interface {
	// PutChunk is called once per chunk in index order. totalChunks is payload.UnknownTotal
	// for every chunk except the final one.
	PutChunk(ctx context.Context, chunk payload.EncryptedChunk, totalChunks int) error
	// PutLegacy is called instead of PutChunk when the small-payload fast path is taken.
	PutLegacy(ctx context.Context, legacy payload.LegacyPayload) error
}

// EncryptorConfig ...
type EncryptorConfig struct {
	// ChunkSize is the compressed chunk size in bytes. Default: DefaultChunkSize
	ChunkSize int
	// InputSliceSize is the plaintext slice size fed to gzip. Default: DefaultInputSliceSize
	InputSliceSize int
	// CompressionLevel is a gzip level. Zero selects gzip.DefaultCompression.
	CompressionLevel int
}

// DefaultEncryptorConfig ...
func DefaultEncryptorConfig() EncryptorConfig {
	return EncryptorConfig{
		ChunkSize:        DefaultChunkSize,
		InputSliceSize:   DefaultInputSliceSize,
		CompressionLevel: gzip.DefaultCompression,
	}
}

// Encryptor is the chunk producer.
type Encryptor struct {
	recipient *ecdh.PublicKey
	config    EncryptorConfig
	logger    log.Logger
}

// NewEncryptor creates a producer encrypting for the recipient's static public key.
func NewEncryptor(recipient *ecdh.PublicKey, config EncryptorConfig, logger log.Logger) *Encryptor {
	if config.ChunkSize <= 0 {
		config.ChunkSize = DefaultChunkSize
	}
	if config.InputSliceSize <= 0 {
		config.InputSliceSize = DefaultInputSliceSize
	}
	if config.CompressionLevel == 0 {
		config.CompressionLevel = gzip.DefaultCompression
	}
	return &Encryptor{recipient: recipient, config: config, logger: logger}
}

// Encrypt takes the small-payload fast path (a single v2 legacy payload) when plaintext is
// below the chunk size, otherwise it streams v3 chunks into sink.
func (e *Encryptor) Encrypt(ctx context.Context, plaintext []byte, sink ChunkSink, progress *Progress) error {
	if len(plaintext) < e.config.ChunkSize {
		e.logger.Debugf("Payload is %s, below chunk size; using single-shot format", units.HumanSize(float64(len(plaintext))))
		progress.update(func(s *ProgressSnapshot) {
			s.Phase = PhaseEncrypting
			s.BytesTotal = int64(len(plaintext))
		})
		legacy, err := EncryptLegacy(e.recipient, plaintext, payload.VersionGzip)
		if err != nil {
			return err
		}
		if err := sink.PutLegacy(ctx, legacy); err != nil {
			return err
		}
		progress.update(func(s *ProgressSnapshot) {
			s.Phase = PhaseDone
			s.BytesProcessed = int64(len(plaintext))
		})
		return nil
	}

	_, err := e.EncryptChunked(ctx, plaintext, sink, progress)
	return err
}

// EncryptChunked always produces the chunked format and returns the number of chunks.
func (e *Encryptor) EncryptChunked(ctx context.Context, plaintext []byte, sink ChunkSink, progress *Progress) (int, error) {
	total := int64(len(plaintext))
	progress.update(func(s *ProgressSnapshot) {
		*s = ProgressSnapshot{Phase: PhaseCompressing, BytesTotal: total}
	})

	cw := &chunkWriter{
		ctx:       ctx,
		recipient: e.recipient,
		chunkSize: e.config.ChunkSize,
		sink:      sink,
		progress:  progress,
		buf:       make([]byte, 0, e.config.ChunkSize+e.config.InputSliceSize),
	}

	zw, err := gzip.NewWriterLevel(cw, e.config.CompressionLevel)
	if err != nil {
		return 0, fmt.Errorf("create gzip writer: %w", err)
	}

	for offset := 0; offset < len(plaintext); offset += e.config.InputSliceSize {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		end := offset + e.config.InputSliceSize
		if end > len(plaintext) {
			end = len(plaintext)
		}
		if _, err := zw.Write(plaintext[offset:end]); err != nil {
			return 0, fmt.Errorf("compress: %w", err)
		}
		processed := int64(end)
		progress.update(func(s *ProgressSnapshot) {
			s.Phase = PhaseCompressing
			s.BytesProcessed = processed
		})
	}
	if err := zw.Close(); err != nil {
		return 0, fmt.Errorf("close gzip writer: %w", err)
	}

	count, err := cw.finish()
	if err != nil {
		return 0, err
	}
	e.logger.Debugf("Produced %d chunk(s) from %s of plaintext", count, units.HumanSize(float64(total)))

	progress.update(func(s *ProgressSnapshot) {
		s.Phase = PhaseDone
		s.BytesProcessed = total
		s.TotalChunks = count
		s.TotalKnown = true
	})
	return count, nil
}

// EncryptDataChunked serializes data to JSON and returns the complete chunked payload.
func EncryptDataChunked(ctx context.Context, data interface{}, recipient *ecdh.PublicKey, config EncryptorConfig, progress *Progress, logger log.Logger) (payload.ChunkedEncryptedPayload, error) {
	plaintext, err := json.Marshal(data)
	if err != nil {
		return payload.ChunkedEncryptedPayload{}, fmt.Errorf("serialize payload: %w", err)
	}

	collector := &Collector{}
	if _, err := NewEncryptor(recipient, config, logger).EncryptChunked(ctx, plaintext, collector, progress); err != nil {
		return payload.ChunkedEncryptedPayload{}, err
	}
	return collector.Payload(), nil
}

// chunkWriter receives gzip output. It only slices while it holds strictly more than one
// chunk, so the residue after the gzip trailer is never empty and becomes the final chunk.
type chunkWriter struct {
	ctx       context.Context
	recipient *ecdh.PublicKey
	chunkSize int
	sink      ChunkSink
	progress  *Progress
	buf       []byte
	next      int
}

func (w *chunkWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	for len(w.buf) > w.chunkSize {
		if err := w.emit(w.buf[:w.chunkSize], payload.UnknownTotal); err != nil {
			return 0, err
		}
		n := copy(w.buf, w.buf[w.chunkSize:])
		w.buf = w.buf[:n]
	}
	return len(p), nil
}

func (w *chunkWriter) finish() (int, error) {
	if len(w.buf) == 0 {
		return 0, fmt.Errorf("compressed stream is empty")
	}
	total := w.next + 1
	if err := w.emit(w.buf, total); err != nil {
		return 0, err
	}
	w.buf = w.buf[:0]
	return total, nil
}

func (w *chunkWriter) emit(data []byte, totalChunks int) error {
	index := w.next
	w.progress.update(func(s *ProgressSnapshot) {
		s.Phase = PhaseEncrypting
		s.ChunkIndex = index
	})

	sealed, err := e2ee.Seal(w.recipient, data)
	if err != nil {
		return fmt.Errorf("encrypt chunk %d: %w", index, err)
	}

	chunk := payload.EncryptedChunk{
		Index:              index,
		EphemeralPublicKey: sealed.EphemeralPublicKey,
		IV:                 sealed.IV,
		Ciphertext:         sealed.Ciphertext,
	}
	if err := w.sink.PutChunk(w.ctx, chunk, totalChunks); err != nil {
		return fmt.Errorf("chunk %d: %w", index, err)
	}
	w.next++
	return nil
}

// Collector is an in-memory ChunkSink.
type Collector struct {
	Chunks      []payload.EncryptedChunk
	TotalChunks int
	Legacy      *payload.LegacyPayload
}

// PutChunk ...
func (c *Collector) PutChunk(_ context.Context, chunk payload.EncryptedChunk, totalChunks int) error {
	c.Chunks = append(c.Chunks, chunk)
	c.TotalChunks = totalChunks
	return nil
}

// PutLegacy ...
func (c *Collector) PutLegacy(_ context.Context, legacy payload.LegacyPayload) error {
	c.Legacy = &legacy
	return nil
}

// Payload returns the collected chunks as a chunked payload.
func (c *Collector) Payload() payload.ChunkedEncryptedPayload {
	return payload.ChunkedEncryptedPayload{
		Version:     payload.VersionChunked,
		TotalChunks: c.TotalChunks,
		Chunks:      c.Chunks,
	}
}
