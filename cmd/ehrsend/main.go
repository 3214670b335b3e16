// Command ehrsend encrypts a records payload for a recipient key and uploads it to the relay.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/ehrlink/go-ehrtransfer/config"
	"github.com/ehrlink/go-ehrtransfer/e2ee"
	"github.com/ehrlink/go-ehrtransfer/sender"
	"github.com/spf13/cobra"
)

var (
	chunkSize int
	stateFile string
	apiURL    string
	verbose   bool
)

var rootCmd = &cobra.Command{
	Use:           "ehrsend",
	Short:         "Encrypt and upload health records",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Print a new P-256 key pair as JWKs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := e2ee.GenerateKey()
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			PublicKey  e2ee.JWK `json:"publicKey"`
			PrivateKey e2ee.JWK `json:"privateKey"`
		}{
			PublicKey:  e2ee.PublicJWK(key.PublicKey()),
			PrivateKey: e2ee.PrivateJWK(key),
		})
	},
}

var uploadCmd = &cobra.Command{
	Use:   "upload <sessionId> <finalizeToken> <connectionId> <recipientJwk|@file> <payload.json>",
	Short: "Encrypt a payload file and upload it, resuming an earlier failed upload",
	Args:  cobra.ExactArgs(5),
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := log.NewLogger()
		logger.EnableDebugLog(verbose)

		recipient, err := config.LoadJWK(args[3])
		if err != nil {
			return fmt.Errorf("recipient key: %w", err)
		}

		cfg := config.SenderConfig{
			Environment:   config.LoadEnvironment(env.NewRepository()),
			SessionID:     args[0],
			FinalizeToken: config.Secret(args[1]),
			ConnectionID:  args[2],
			RecipientKey:  recipient,
			PayloadPath:   args[4],
			ChunkSize:     chunkSize,
			StateFile:     stateFile,
			Verbose:       verbose,
		}
		if cmd.Flags().Changed("api-url") {
			cfg.APIBaseURL = apiURL
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		s, err := sender.New(cfg, logger)
		if err != nil {
			return err
		}
		_, err = s.Send(ctx)
		return err
	},
}

func init() {
	uploadCmd.Flags().IntVar(&chunkSize, "chunk-size", 0, "compressed chunk size in bytes (default: 5 MiB)")
	uploadCmd.Flags().StringVar(&stateFile, "state-file", "", "resume state file (default: <payload>.upload-state.json)")
	uploadCmd.Flags().StringVar(&apiURL, "api-url", "", "relay base URL (default: $"+config.APIBaseURLEnvKey+")")
	uploadCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logs")

	rootCmd.AddCommand(keygenCmd)
	rootCmd.AddCommand(uploadCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
