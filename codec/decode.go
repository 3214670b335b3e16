package codec

import (
	"crypto/ecdh"
	"errors"
	"fmt"
	"io"

	"github.com/ehrlink/go-ehrtransfer/e2ee"
	"github.com/ehrlink/go-ehrtransfer/payload"
	"github.com/klauspost/pgzip"
)

// ErrDecoderClosed ...
var ErrDecoderClosed = errors.New("decoder already closed")

// StreamDecoder decrypts chunks and feeds them, strictly in index order, into one continuous
// decompression stream whose output goes to the destination writer as it is produced.
//
// Version 3 and version 2 payloads are gzip streams; version 1 is written as is and holds a
// single chunk.
type StreamDecoder struct {
	key     *ecdh.PrivateKey
	version int
	out     *countingWriter
	next    int

	pw   *io.PipeWriter
	done chan error

	closed bool
	err    error
}

// NewStreamDecoder ...
func NewStreamDecoder(key *ecdh.PrivateKey, version int, w io.Writer) (*StreamDecoder, error) {
	d := &StreamDecoder{
		key:     key,
		version: version,
		out:     &countingWriter{w: w},
	}

	switch version {
	case payload.VersionRaw:
		return d, nil
	case payload.VersionGzip, payload.VersionChunked:
	default:
		return nil, fmt.Errorf("unsupported payload version %d", version)
	}

	pr, pw := io.Pipe()
	d.pw = pw
	d.done = make(chan error, 1)
	go func() {
		err := decompress(pr, d.out)
		// Unblocks a pending Feed if decompression stopped early.
		pr.CloseWithError(err)
		d.done <- err
	}()
	return d, nil
}

func decompress(r io.Reader, w io.Writer) error {
	zr, err := pgzip.NewReader(r)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("compressed stream is empty")
		}
		return fmt.Errorf("open gzip stream: %w", err)
	}
	if _, err := io.Copy(w, zr); err != nil {
		zr.Close() //nolint:errcheck
		return fmt.Errorf("decompress: %w", err)
	}
	if err := zr.Close(); err != nil {
		return fmt.Errorf("close gzip stream: %w", err)
	}
	return nil
}

// Next returns the index the decoder expects next.
func (d *StreamDecoder) Next() int {
	return d.next
}

// Written returns the number of plaintext bytes written so far.
func (d *StreamDecoder) Written() int64 {
	return d.out.Count()
}

// Feed decrypts one chunk and pushes it into the decompressor. Chunks must arrive in index
// order; anything else fails with a payload.MissingChunkError for the expected index.
func (d *StreamDecoder) Feed(chunk payload.ChunkMeta, ciphertext []byte) error {
	if d.closed {
		return ErrDecoderClosed
	}
	if d.err != nil {
		return d.err
	}
	if chunk.Index != d.next {
		return d.fail(&payload.MissingChunkError{Index: d.next})
	}
	if d.version == payload.VersionRaw && d.next > 0 {
		return d.fail(fmt.Errorf("version %d payload holds a single chunk", d.version))
	}

	plaintext, err := e2ee.Open(d.key, chunk.EphemeralPublicKey, chunk.IV, ciphertext)
	if err != nil {
		return d.fail(fmt.Errorf("chunk %d: %w", chunk.Index, err))
	}

	if d.pw == nil {
		if _, err := d.out.Write(plaintext); err != nil {
			return d.fail(fmt.Errorf("write chunk %d: %w", chunk.Index, err))
		}
	} else if _, err := d.pw.Write(plaintext); err != nil {
		return d.fail(fmt.Errorf("chunk %d: %w", chunk.Index, err))
	}

	d.next++
	return nil
}

// Close ends the compressed stream and waits for the remaining output to be written.
func (d *StreamDecoder) Close() error {
	if d.closed {
		return d.err
	}
	d.closed = true
	if d.err != nil {
		return d.err
	}

	if d.pw == nil {
		if d.next == 0 {
			d.err = fmt.Errorf("payload has no chunks")
		}
		return d.err
	}

	if err := d.pw.Close(); err != nil {
		d.err = err
	}
	if err := <-d.done; err != nil && d.err == nil {
		d.err = err
	}
	if d.err == nil && d.next == 0 {
		d.err = fmt.Errorf("payload has no chunks")
	}
	return d.err
}

// Abort stops decompression after a failure elsewhere in the pipeline.
func (d *StreamDecoder) Abort(cause error) {
	if d.closed {
		return
	}
	d.closed = true
	if d.err == nil {
		d.err = cause
	}
	if d.pw != nil {
		d.pw.CloseWithError(cause)
		<-d.done
	}
}

func (d *StreamDecoder) fail(err error) error {
	d.err = err
	if d.pw != nil {
		d.pw.CloseWithError(err)
		<-d.done
		d.pw = nil
	}
	d.closed = true
	return err
}

// DecryptChunked validates a complete payload and writes its plaintext to w.
func DecryptChunked(key *ecdh.PrivateKey, p payload.ChunkedEncryptedPayload, w io.Writer) error {
	if err := p.Validate(); err != nil {
		return err
	}
	d, err := NewStreamDecoder(key, p.Version, w)
	if err != nil {
		return err
	}
	for _, chunk := range p.Sorted() {
		if err := d.Feed(chunk.Meta(), chunk.Ciphertext); err != nil {
			return err
		}
	}
	return d.Close()
}

type countingWriter struct {
	w     io.Writer
	count int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.count += int64(n)
	return n, err
}

// Count is only read after the decompressor finished or from the goroutine writing.
func (c *countingWriter) Count() int64 {
	return c.count
}
