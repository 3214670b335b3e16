package network

import (
	"context"

	"github.com/ehrlink/go-ehrtransfer/codec"
)

// ChunkFetcher writes one stored chunk's ciphertext into the file at dest.
type ChunkFetcher interface {
	FetchChunk(ctx context.Context, providerIndex, chunkIndex int, dest string) error
}

var (
	_ codec.ChunkSink = (*Uploader)(nil)
	_ ChunkFetcher    = (*HTTPFetcher)(nil)
	_ ChunkFetcher    = (*S3Fetcher)(nil)
)
