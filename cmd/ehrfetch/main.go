// Command ehrfetch waits for an upload session to become ready, downloads every provider's
// encrypted chunks and writes the decrypted records to the output directory.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/ehrlink/go-ehrtransfer/config"
	"github.com/ehrlink/go-ehrtransfer/network/prefetch"
	"github.com/ehrlink/go-ehrtransfer/receiver"
	"github.com/spf13/cobra"
)

var (
	prefetchChunks     int
	maxAttempts        int
	pollTimeoutSeconds int
	spoolDir           string
	instrument         bool
	apiURL             string
	chunkSource        string
	verbose            bool
)

var status = receiver.NewStatusWriter(os.Stdout)

var rootCmd = &cobra.Command{
	Use:           "ehrfetch <sessionId> <privateKeyJwk|@file> <outputDir>",
	Short:         "Download and decrypt the health records of an upload session",
	Args:          cobra.ExactArgs(3),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := newStderrLogger()
		logger.EnableDebugLog(verbose)

		key, err := config.LoadJWK(args[1])
		if err != nil {
			return fmt.Errorf("private key: %w", err)
		}

		cfg := config.ReceiverConfig{
			Environment:        config.LoadEnvironment(env.NewRepository()),
			SessionID:          args[0],
			PrivateKey:         key,
			OutputDir:          args[2],
			PrefetchChunks:     prefetchChunks,
			MaxAttempts:        maxAttempts,
			PollTimeoutSeconds: pollTimeoutSeconds,
			SpoolDir:           spoolDir,
			Instrument:         instrument,
			Verbose:            verbose,
		}
		if cmd.Flags().Changed("api-url") {
			cfg.APIBaseURL = apiURL
		}
		if cmd.Flags().Changed("chunk-source") {
			cfg.ChunkSource = config.ChunkSource(chunkSource)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		r, err := receiver.NewFromConfig(ctx, cfg, status, logger)
		if err != nil {
			return err
		}
		// Run reports its own failures as status lines
		if _, err := r.Run(ctx); err != nil {
			return reported{err}
		}
		return nil
	},
}

type reported struct {
	error
}

// newStderrLogger leaves stdout to the status lines. The go-utils logger binds os.Stdout when it is built.
func newStderrLogger() log.Logger {
	stdout := os.Stdout
	os.Stdout = os.Stderr
	defer func() { os.Stdout = stdout }()

	return log.NewLogger()
}

func init() {
	rootCmd.Flags().IntVar(&prefetchChunks, "prefetch-chunks", prefetch.DefaultPrefetchChunks, "number of chunks downloaded ahead of decryption")
	rootCmd.Flags().IntVar(&maxAttempts, "max-attempts", 60, "readiness poll attempts before giving up")
	rootCmd.Flags().IntVar(&pollTimeoutSeconds, "poll-timeout-seconds", 30, "how long the server may hold each poll request")
	rootCmd.Flags().StringVar(&spoolDir, "spool-dir", "", "directory for downloaded chunks awaiting decryption (default: system temp dir)")
	rootCmd.Flags().BoolVar(&instrument, "instrument", false, "emit timing status lines")
	rootCmd.Flags().StringVar(&apiURL, "api-url", "", "relay base URL (default: $"+config.APIBaseURLEnvKey+")")
	rootCmd.Flags().StringVar(&chunkSource, "chunk-source", string(config.ChunkSourceHTTP), "where chunks are downloaded from: http or s3 (default: $"+config.ChunkSourceEnvKey+")")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logs")
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		if _, ok := err.(reported); !ok {
			status.Error(err)
		}
		os.Exit(1)
	}
}
