// Package receiver fetches a ready session's providers and writes each one's decrypted,
// decompressed records to the output directory.
package receiver

import (
	"context"
	"crypto/ecdh"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/bitrise-io/go-utils/v2/fileutil"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
	"github.com/ehrlink/go-ehrtransfer/codec"
	"github.com/ehrlink/go-ehrtransfer/config"
	"github.com/ehrlink/go-ehrtransfer/network"
	"github.com/ehrlink/go-ehrtransfer/network/prefetch"
	"github.com/ehrlink/go-ehrtransfer/payload"
)

// StaleSpoolAge is the age after which a leftover spool directory of an earlier run is removed.
const StaleSpoolAge = 24 * time.Hour

// ReadinessPoller ...
type ReadinessPoller interface {
	WaitReady(ctx context.Context) (payload.ReadyResponse, error)
}

// Receiver ...
type Receiver struct {
	config  config.ReceiverConfig
	key     *ecdh.PrivateKey
	fetcher network.ChunkFetcher
	poller  ReadinessPoller
	status  *StatusWriter
	tracker runTracker
	files   fileutil.FileManager
	logger  log.Logger

	pollAttempts int

	// OnStateChange observes every provider state transition.
	OnStateChange func(StateChange)
}

// New ...
func New(cfg config.ReceiverConfig, key *ecdh.PrivateKey, fetcher network.ChunkFetcher, poller ReadinessPoller, status *StatusWriter, logger log.Logger) *Receiver {
	return &Receiver{
		config:  cfg,
		key:     key,
		fetcher: fetcher,
		poller:  poller,
		status:  status,
		tracker: newRunTracker(status, cfg.Instrument, logger),
		files:   fileutil.NewFileManager(),
		logger:  logger,
	}
}

// NewFromConfig wires the poller and the chunk fetcher selected by the config.
func NewFromConfig(ctx context.Context, cfg config.ReceiverConfig, status *StatusWriter, logger log.Logger) (*Receiver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	key, err := cfg.PrivateKey.PrivateKey()
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}

	poller, err := network.NewPoller(network.PollParams{
		APIBaseURL:     cfg.APIBaseURL,
		Token:          string(cfg.APIToken),
		SessionID:      cfg.SessionID,
		MaxAttempts:    cfg.MaxAttempts,
		TimeoutSeconds: cfg.PollTimeoutSeconds,
		Wait:           cfg.PollWait,
		Retry:          cfg.Retry,
	}, logger)
	if err != nil {
		return nil, err
	}

	var fetcher network.ChunkFetcher
	switch cfg.ChunkSource {
	case config.ChunkSourceS3:
		fetcher, err = network.NewS3Fetcher(ctx, network.S3FetchParams{
			SessionID:       cfg.SessionID,
			Bucket:          cfg.S3.Bucket,
			Region:          cfg.S3.Region,
			Prefix:          cfg.S3.Prefix,
			Endpoint:        cfg.S3.Endpoint,
			AccessKeyID:     string(cfg.S3.AccessKeyID),
			SecretAccessKey: string(cfg.S3.SecretAccessKey),
			Attempts:        cfg.Retry.Attempts,
			RetryWait:       cfg.Retry.WaitMin,
			RetryWaitMax:    cfg.Retry.WaitMax,
		}, logger)
	default:
		fetcher, err = network.NewHTTPFetcher(network.FetchParams{
			APIBaseURL: cfg.APIBaseURL,
			Token:      string(cfg.APIToken),
			SessionID:  cfg.SessionID,
			Retry:      cfg.Retry,
		}, logger)
	}
	if err != nil {
		return nil, fmt.Errorf("create chunk fetcher: %w", err)
	}

	r := New(cfg, key, fetcher, poller, status, logger)
	poller.OnAttempt = func(attempt, maxAttempts int) {
		r.pollAttempts = attempt
		status.Polling(attempt, maxAttempts)
	}
	poller.OnWaiting = func(attempt int, response payload.ReadyResponse) {
		status.Waiting(attempt, response.ProviderCount)
	}
	return r, nil
}

// Run waits for the session and writes one file per provider. It stops at the first provider
// that fails; files of providers finished before it are kept.
func (r *Receiver) Run(ctx context.Context) ([]string, error) {
	files, err := r.run(ctx)
	if err != nil {
		if errors.Is(err, network.ErrNotReady) {
			r.status.Timeout(r.config.MaxAttempts, err.Error())
		} else {
			r.status.Error(err)
		}
		return files, err
	}
	r.status.Done(files)
	return files, nil
}

func (r *Receiver) run(ctx context.Context) ([]string, error) {
	if err := os.MkdirAll(r.config.OutputDir, 0o700); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}

	if removed, err := prefetch.SweepStale(r.config.SpoolDir, StaleSpoolAge, r.logger); err != nil {
		r.logger.Warnf("Failed to sweep stale spool dirs: %s", err)
	} else if removed > 0 {
		r.logger.Debugf("Removed %d stale spool dir(s)", removed)
	}

	runDir, err := prefetch.NewRunDir(r.config.SpoolDir)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := r.files.RemoveAll(runDir); err != nil {
			r.logger.Warnf("Failed to remove spool dir %s: %s", runDir, err)
		}
	}()

	r.logger.Println()
	r.logger.Infof("Waiting for session %s...", r.config.SessionID)
	pollStartTime := time.Now()
	ready, err := r.poller.WaitReady(ctx)
	if err != nil {
		return nil, err
	}
	pollTime := time.Since(pollStartTime)
	r.logger.Donef("Session is ready with %d provider(s) after %s", len(ready.Providers), pollTime.Round(time.Millisecond))
	r.tracker.logPollFinished(pollTime, r.pollAttempts, len(ready.Providers))
	r.status.Ready(len(ready.Providers))

	providers := make([]payload.ProviderMeta, len(ready.Providers))
	copy(providers, ready.Providers)
	sort.SliceStable(providers, func(i, j int) bool { return providers[i].ProviderIndex < providers[j].ProviderIndex })

	var written []string
	for _, provider := range providers {
		pth, err := r.receiveProvider(ctx, runDir, provider)
		if err != nil {
			return written, err
		}
		written = append(written, pth)
	}
	return written, nil
}

func (r *Receiver) receiveProvider(ctx context.Context, runDir string, meta payload.ProviderMeta) (string, error) {
	providerIndex := meta.ProviderIndex
	machine := newProviderMachine(providerIndex, r.OnStateChange)
	setState := func(state ProviderState, chunkIndex int) {
		if err := machine.transition(state, chunkIndex); err != nil {
			r.logger.Warnf("%s", err)
		}
	}

	if err := meta.ValidateChunks(); err != nil {
		setState(StateError, -1)
		return "", err
	}
	chunks := meta.SortedChunks()

	r.logger.Println()
	r.logger.Infof("Receiving provider %d (version %d, %d chunk(s))...", providerIndex, meta.Version, len(chunks))
	startTime := time.Now()

	outputPath := filepath.Join(r.config.OutputDir, fmt.Sprintf("provider-%d.json", providerIndex))
	partialPath := outputPath + ".partial"
	out, err := os.OpenFile(partialPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		setState(StateError, -1)
		return "", fmt.Errorf("create output file: %w", err)
	}

	decoder, err := codec.NewStreamDecoder(r.key, meta.Version, out)
	if err != nil {
		r.discard(out, partialPath)
		setState(StateError, -1)
		return "", fmt.Errorf("provider %d: %w", providerIndex, err)
	}

	pipelineConfig := prefetch.DefaultConfig()
	pipelineConfig.PrefetchChunks = r.config.PrefetchChunks
	pipelineConfig.SpoolRoot = runDir
	pipeline := prefetch.New(r.fetcher, pipelineConfig, r.logger)
	pipeline.OnWait = func(chunkIndex int) {
		setState(StateDownloading, chunkIndex)
	}

	consume := func(chunk payload.ChunkMeta, ciphertext []byte) error {
		setState(StateDecrypting, chunk.Index)
		r.status.Decrypting(providerIndex, chunk.Index, len(chunks))
		decryptStartTime := time.Now()
		if err := decoder.Feed(chunk, ciphertext); err != nil {
			return err
		}
		r.tracker.logChunkConsumed(providerIndex, chunk.Index, len(ciphertext), time.Since(decryptStartTime))
		return nil
	}

	if err := pipeline.Run(ctx, providerIndex, chunks, consume); err != nil {
		decoder.Abort(err)
		r.discard(out, partialPath)
		setState(StateError, -1)
		return "", err
	}

	setState(StateDecompressingFinal, -1)
	if err := decoder.Close(); err != nil {
		r.discard(out, partialPath)
		setState(StateError, -1)
		return "", fmt.Errorf("provider %d: %w", providerIndex, err)
	}
	if err := out.Close(); err != nil {
		r.discard(nil, partialPath)
		setState(StateError, -1)
		return "", fmt.Errorf("close output file: %w", err)
	}
	if err := os.Rename(partialPath, outputPath); err != nil {
		r.discard(nil, partialPath)
		setState(StateError, -1)
		return "", fmt.Errorf("move output file: %w", err)
	}
	setState(StateWritten, -1)

	totalTime := time.Since(startTime)
	r.logger.Printf("Output size: %s", units.HumanSizeWithPrecision(float64(decoder.Written()), 3))
	r.logger.Donef("Wrote %s in %s", outputPath, totalTime.Round(time.Millisecond))
	r.tracker.logProviderWritten(providerIndex, totalTime, decoder.Written(), pipeline.Stats())
	r.status.WroteFile(providerIndex, outputPath, decoder.Written())

	setState(StateCleanedUp, -1)
	return outputPath, nil
}

func (r *Receiver) discard(out *os.File, pth string) {
	if out != nil {
		out.Close() //nolint:errcheck
	}
	if err := r.files.Remove(pth); err != nil && !os.IsNotExist(err) {
		r.logger.Warnf("Failed to remove %s: %s", pth, err)
	}
}
