package network

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"
)

// S3FetchParams ...
type S3FetchParams struct {
	SessionID       string
	Bucket          string
	Region          string
	Prefix          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	// Attempts is the number of full download attempts per chunk. Default: 5
	Attempts int
	// RetryWait is the first backoff, doubled per attempt up to RetryWaitMax.
	RetryWait    time.Duration
	RetryWaitMax time.Duration
}

// S3Fetcher reads chunks straight from the bucket the relay stores them in:
// <prefix>/<sessionId>/<providerIndex>/<chunkIndex>.
type S3Fetcher struct {
	downloader *manager.Downloader
	params     S3FetchParams
	logger     log.Logger
}

// NewS3Fetcher ...
func NewS3Fetcher(ctx context.Context, params S3FetchParams, logger log.Logger) (*S3Fetcher, error) {
	if params.Bucket == "" {
		return nil, fmt.Errorf("bucket must not be empty")
	}
	if params.SessionID == "" {
		return nil, fmt.Errorf("session ID is empty")
	}
	if params.Attempts == 0 {
		params.Attempts = DefaultDownloadRetry().Attempts
	}
	if params.RetryWait == 0 {
		params.RetryWait = DefaultDownloadRetry().WaitMin
	}
	if params.RetryWaitMax == 0 {
		params.RetryWaitMax = DefaultDownloadRetry().WaitMax
	}
	if params.RetryWaitMax < params.RetryWait {
		params.RetryWaitMax = params.RetryWait
	}

	cfg, err := loadAWSCredentials(ctx, params.Region, params.AccessKeyID, params.SecretAccessKey, logger)
	if err != nil {
		return nil, fmt.Errorf("load aws credentials: %w", err)
	}

	client := s3.NewFromConfig(*cfg, func(o *s3.Options) {
		// FetchChunk owns the retry loop and its backoff
		o.Retryer = aws.NopRetryer{}
		if params.Endpoint != "" {
			o.BaseEndpoint = aws.String(params.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Fetcher{
		downloader: manager.NewDownloader(client),
		params:     params,
		logger:     logger,
	}, nil
}

func (f *S3Fetcher) objectKey(providerIndex, chunkIndex int) string {
	return path.Join(f.params.Prefix, f.params.SessionID, strconv.Itoa(providerIndex), strconv.Itoa(chunkIndex))
}

// FetchChunk downloads the chunk object into dest. A missing object is not retried.
func (f *S3Fetcher) FetchChunk(ctx context.Context, providerIndex, chunkIndex int, dest string) error {
	key := f.objectKey(providerIndex, chunkIndex)

	err := retry.Times(uint(f.params.Attempts - 1)).TryWithAbort(func(attempt uint) (error, bool) {
		if attempt > 0 {
			if err := sleepContext(ctx, backoffWait(attempt, f.params.RetryWait, f.params.RetryWaitMax)); err != nil {
				return err, true
			}
		}
		if err := ctx.Err(); err != nil {
			return err, true
		}

		err := f.getObject(ctx, key, dest)
		if err == nil {
			return nil, true
		}

		var clientErr *ClientRequestError
		if errors.As(err, &clientErr) {
			return err, true
		}
		if ctx.Err() != nil {
			return ctx.Err(), true
		}

		f.logger.Debugf("Download %s (attempt %d): %s", key, attempt+1, err)
		return &NetworkError{Attempts: int(attempt) + 1, Err: err}, false
	})
	if err != nil {
		return fmt.Errorf("download chunk %d: %w", chunkIndex, err)
	}
	return nil
}

// backoffWait is the pause before the given attempt: first, 2*first, 4*first... capped at limit.
func backoffWait(attempt uint, first, limit time.Duration) time.Duration {
	if attempt == 0 {
		return 0
	}
	wait := first
	for i := uint(1); i < attempt; i++ {
		if wait >= limit/2 {
			return limit
		}
		wait *= 2
	}
	if wait > limit {
		return limit
	}
	return wait
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (f *S3Fetcher) getObject(ctx context.Context, key, dest string) error {
	file, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("creating file: %w", err)
	}
	defer file.Close() //nolint:errcheck

	n, err := f.downloader.Download(ctx, file, &s3.GetObjectInput{
		Bucket: aws.String(f.params.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var apiError smithy.APIError
		if errors.As(err, &apiError) {
			switch apiError.(type) {
			case *types.NoSuchKey, *types.NotFound:
				return &ClientRequestError{StatusCode: http.StatusNotFound, Body: fmt.Sprintf("object %s not found", key)}
			default:
				if code := apiError.ErrorCode(); code == "NoSuchKey" || code == "NotFound" {
					return &ClientRequestError{StatusCode: http.StatusNotFound, Body: fmt.Sprintf("object %s not found", key)}
				}
				return fmt.Errorf("aws api error: %w", err)
			}
		}
		return fmt.Errorf("generic aws error: %w", err)
	}

	f.logger.Debugf("Downloaded %s (%d bytes)", key, n)
	return nil
}

func loadAWSCredentials(
	ctx context.Context,
	region string,
	accessKeyID string,
	secretKey string,
	logger log.Logger,
) (*aws.Config, error) {
	if region == "" {
		return nil, fmt.Errorf("region must not be empty")
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(region),
	}

	if accessKeyID != "" && secretKey != "" {
		logger.Debugf("aws credentials provided, using them...")
		opts = append(opts,
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKeyID, secretKey, "")))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load config, %v", err)
	}

	return &cfg, nil
}
