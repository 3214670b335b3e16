// Package config collects the settings of the receiver and sender from the environment and
// command line flags.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/ehrlink/go-ehrtransfer/e2ee"
	"github.com/ehrlink/go-ehrtransfer/network"
)

// Environment variables read by LoadEnvironment.
const (
	APIBaseURLEnvKey      = "EHR_API_BASE_URL"
	APITokenEnvKey        = "EHR_API_TOKEN"
	ChunkSourceEnvKey     = "EHR_CHUNK_SOURCE"
	S3BucketEnvKey        = "EHR_S3_BUCKET"
	S3RegionEnvKey        = "EHR_S3_REGION"
	S3PrefixEnvKey        = "EHR_S3_PREFIX"
	S3EndpointEnvKey      = "EHR_S3_ENDPOINT"
	AWSAccessKeyIDEnvKey  = "AWS_ACCESS_KEY_ID"
	AWSSecretAccessEnvKey = "AWS_SECRET_ACCESS_KEY"
)

// Secret is a string that is never printed.
type Secret string

// String ...
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "*****"
}

// ChunkSource selects where the receiver downloads chunks from.
type ChunkSource string

const (
	ChunkSourceHTTP ChunkSource = "http"
	ChunkSourceS3   ChunkSource = "s3"
)

// S3Config ...
type S3Config struct {
	Bucket          string
	Region          string
	Prefix          string
	Endpoint        string
	AccessKeyID     Secret
	SecretAccessKey Secret
}

// Environment is the part of the configuration that comes from environment variables.
type Environment struct {
	APIBaseURL  string
	APIToken    Secret
	ChunkSource ChunkSource
	S3          S3Config
}

// LoadEnvironment ...
func LoadEnvironment(envRepo env.Repository) Environment {
	source := ChunkSource(strings.ToLower(envRepo.Get(ChunkSourceEnvKey)))
	if source == "" {
		source = ChunkSourceHTTP
	}
	return Environment{
		APIBaseURL:  envRepo.Get(APIBaseURLEnvKey),
		APIToken:    Secret(envRepo.Get(APITokenEnvKey)),
		ChunkSource: source,
		S3: S3Config{
			Bucket:          envRepo.Get(S3BucketEnvKey),
			Region:          envRepo.Get(S3RegionEnvKey),
			Prefix:          envRepo.Get(S3PrefixEnvKey),
			Endpoint:        envRepo.Get(S3EndpointEnvKey),
			AccessKeyID:     Secret(envRepo.Get(AWSAccessKeyIDEnvKey)),
			SecretAccessKey: Secret(envRepo.Get(AWSSecretAccessEnvKey)),
		},
	}
}

// ReceiverConfig ...
type ReceiverConfig struct {
	Environment

	SessionID  string
	PrivateKey e2ee.JWK
	OutputDir  string

	PrefetchChunks     int
	MaxAttempts        int
	PollTimeoutSeconds int
	PollWait           time.Duration
	SpoolDir           string
	Instrument         bool
	Verbose            bool

	// Retry overrides the per-request retry policy of polls and chunk downloads.
	Retry network.RetryConfig
}

// Validate ...
func (c ReceiverConfig) Validate() error {
	if c.SessionID == "" {
		return fmt.Errorf("session ID is empty")
	}
	if !c.PrivateKey.IsPrivate() {
		return fmt.Errorf("the receiver key must be a private JWK")
	}
	if c.OutputDir == "" {
		return fmt.Errorf("output dir is empty")
	}
	if c.PrefetchChunks < 1 {
		return fmt.Errorf("prefetch chunks must be at least 1, got %d", c.PrefetchChunks)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1, got %d", c.MaxAttempts)
	}
	if c.PollTimeoutSeconds < 1 {
		return fmt.Errorf("poll timeout must be at least 1 second, got %d", c.PollTimeoutSeconds)
	}
	if c.APIBaseURL == "" {
		return fmt.Errorf("the API base URL is not defined (--api-url or %s)", APIBaseURLEnvKey)
	}

	switch c.ChunkSource {
	case ChunkSourceHTTP:
	case ChunkSourceS3:
		if c.S3.Bucket == "" {
			return fmt.Errorf("the S3 bucket is not defined (%s)", S3BucketEnvKey)
		}
		if c.S3.Region == "" {
			return fmt.Errorf("the S3 region is not defined (%s)", S3RegionEnvKey)
		}
	default:
		return fmt.Errorf("unknown chunk source %q, expected %q or %q", c.ChunkSource, ChunkSourceHTTP, ChunkSourceS3)
	}
	return nil
}

// SenderConfig ...
type SenderConfig struct {
	Environment

	SessionID     string
	FinalizeToken Secret
	ConnectionID  string
	RecipientKey  e2ee.JWK
	PayloadPath   string
	ChunkSize     int
	StateFile     string
	Verbose       bool

	Retry network.RetryConfig
}

// Validate ...
func (c SenderConfig) Validate() error {
	if c.SessionID == "" {
		return fmt.Errorf("session ID is empty")
	}
	if c.FinalizeToken == "" {
		return fmt.Errorf("finalize token is empty")
	}
	if c.ConnectionID == "" {
		return fmt.Errorf("connection ID is empty")
	}
	if c.RecipientKey.IsPrivate() {
		return fmt.Errorf("refusing to use a private JWK as the recipient key")
	}
	if _, err := c.RecipientKey.PublicKey(); err != nil {
		return fmt.Errorf("invalid recipient key: %w", err)
	}
	if c.PayloadPath == "" {
		return fmt.Errorf("payload path is empty")
	}
	if c.ChunkSize < 0 {
		return fmt.Errorf("chunk size must not be negative, got %d", c.ChunkSize)
	}
	if c.APIBaseURL == "" {
		return fmt.Errorf("the API base URL is not defined (--api-url or %s)", APIBaseURLEnvKey)
	}
	return nil
}

// LoadJWK parses a JWK given inline or, prefixed with @, as a path to a file.
func LoadJWK(arg string) (e2ee.JWK, error) {
	data := []byte(arg)
	if strings.HasPrefix(arg, "@") {
		var err error
		data, err = os.ReadFile(strings.TrimPrefix(arg, "@"))
		if err != nil {
			return e2ee.JWK{}, fmt.Errorf("read key file: %w", err)
		}
	}
	return e2ee.ParseJWK(data)
}
