// Package prefetch downloads a provider's chunks ahead of the consumer with a bounded window,
// spooling them to disk and handing them over strictly in index order.
package prefetch

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/ehrlink/go-ehrtransfer/network"
	"github.com/ehrlink/go-ehrtransfer/payload"
)

// ConsumeFunc processes one chunk. It is called in index order from the goroutine that
// called Run.
type ConsumeFunc func(chunk payload.ChunkMeta, ciphertext []byte) error

// Pipeline runs the bounded prefetch for one provider at a time.
type Pipeline struct {
	fetcher network.ChunkFetcher
	config  Config
	logger  log.Logger
	stats   *Stats

	// OnWait runs before the consumer blocks on the next chunk.
	OnWait func(chunkIndex int)
}

// New ...
func New(fetcher network.ChunkFetcher, config Config, logger log.Logger) *Pipeline {
	return &Pipeline{
		fetcher: fetcher,
		config:  config.withDefaults(),
		logger:  logger,
		stats:   NewStats(),
	}
}

// Stats returns the download statistics.
func (p *Pipeline) Stats() *Stats {
	return p.stats
}

// Run downloads the chunks with at most Config.PrefetchChunks of them in flight or spooled,
// and passes each to consume in index order. Any failure cancels the outstanding downloads,
// waits for them and removes the provider's spool directory before returning.
func (p *Pipeline) Run(ctx context.Context, providerIndex int, chunks []payload.ChunkMeta, consume ConsumeFunc) (err error) {
	sorted := payload.SortChunkMetas(chunks)
	if err := payload.ValidateContiguous(sorted); err != nil {
		return fmt.Errorf("provider %d: %w", providerIndex, err)
	}

	spool, err := NewSpool(p.config.SpoolRoot, providerIndex)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := spool.Close(); cerr != nil {
			p.logger.Warnf("Failed to remove spool dir %s: %s", spool.Dir(), cerr)
			if err == nil {
				err = fmt.Errorf("remove spool dir: %w", cerr)
			}
		}
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	inflight := map[int]<-chan error{}
	scheduleCursor := 0

	schedule := func() {
		for scheduleCursor < len(sorted) && len(inflight) < p.config.PrefetchChunks {
			index := scheduleCursor
			done := make(chan error, 1)
			inflight[index] = done
			scheduleCursor++

			wg.Add(1)
			go func() {
				defer wg.Done()
				done <- p.fetchWithHungDetection(ctx, providerIndex, index, spool.Path(index))
			}()
		}
	}

	abort := func(cause error) error {
		cancel()
		wg.Wait()
		return cause
	}

	schedule()
	for consumeCursor := 0; consumeCursor < len(sorted); consumeCursor++ {
		done, ok := inflight[consumeCursor]
		if !ok {
			return abort(&payload.MissingChunkError{Index: consumeCursor})
		}

		if p.OnWait != nil {
			p.OnWait(consumeCursor)
		}

		var fetchErr error
		select {
		case fetchErr = <-done:
		case <-ctx.Done():
			return abort(ctx.Err())
		}
		delete(inflight, consumeCursor)
		if fetchErr != nil {
			return abort(fmt.Errorf("provider %d: %w", providerIndex, fetchErr))
		}

		data, err := spool.ReadAndRemove(consumeCursor)
		if err != nil {
			return abort(err)
		}
		schedule()

		if err := consume(sorted[consumeCursor], data); err != nil {
			return abort(err)
		}
		schedule()
	}

	return nil
}

func (p *Pipeline) fetchWithHungDetection(ctx context.Context, providerIndex, index int, dest string) error {
	p.stats.started()
	defer p.stats.stopped()

	var fetchErr error
	for attempt := 0; attempt <= p.config.MaxHungRestarts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		start := time.Now()
		chunkCtx, cancelChunk := context.WithCancel(ctx)

		// Never interrupt the last try
		if attempt < p.config.MaxHungRestarts && p.config.HungThreshold > 0 {
			go p.detectHungDownload(chunkCtx, cancelChunk, start, index)
		}

		fetchErr = p.fetcher.FetchChunk(chunkCtx, providerIndex, index, dest)
		hung := chunkCtx.Err() != nil && ctx.Err() == nil
		cancelChunk()

		if fetchErr == nil {
			p.stats.Update(time.Since(start), fileSize(dest))
			return nil
		}
		if !hung {
			return fetchErr
		}

		p.logger.Warnf("Chunk %d download cancelled (hung), restarting", index)
		os.Remove(dest) //nolint:errcheck
	}

	return fetchErr
}

func (p *Pipeline) detectHungDownload(ctx context.Context, cancel context.CancelFunc, start time.Time, index int) {
	ticker := time.NewTicker(hungCheckInterval(p.config.HungThreshold))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if p.stats.FinishedCount() > 0 {
				elapsed := time.Since(start)
				avg := p.stats.Average()
				if elapsed-avg > p.config.HungThreshold {
					p.logger.Warnf("Found hung chunk download (chunk %d); canceling request after %s (avg: %s)",
						index, elapsed.Round(time.Millisecond), avg.Round(time.Millisecond))
					cancel()
					return
				}
			}
		}
	}
}

func fileSize(pth string) int64 {
	info, err := os.Stat(pth)
	if err != nil {
		return 0
	}
	return info.Size()
}
