package network

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/hashicorp/go-retryablehttp"
)

// RetryConfig controls the attempts of a single logical request.
type RetryConfig struct {
	// Attempts is the total number of tries, including the first one.
	Attempts int
	// WaitMin is the first backoff; each following one doubles up to WaitMax.
	WaitMin time.Duration
	WaitMax time.Duration
	// RequestTimeout bounds a single try. Zero means no limit.
	RequestTimeout time.Duration
}

// DefaultUploadRetry is used for chunk uploads: 3 attempts, waiting 1s then 2s.
func DefaultUploadRetry() RetryConfig {
	return RetryConfig{
		Attempts:       3,
		WaitMin:        time.Second,
		WaitMax:        4 * time.Second,
		RequestTimeout: 2 * time.Minute,
	}
}

// DefaultDownloadRetry is used for chunk downloads: 5 attempts with the backoff capped at 4s.
func DefaultDownloadRetry() RetryConfig {
	return RetryConfig{
		Attempts:       5,
		WaitMin:        time.Second,
		WaitMax:        4 * time.Second,
		RequestTimeout: 2 * time.Minute,
	}
}

func newRetryClient(logger log.Logger, config RetryConfig) *retryablehttp.Client {
	if config.Attempts < 1 {
		config.Attempts = 1
	}

	client := retryhttp.NewClient(logger)
	client.RetryMax = config.Attempts - 1
	client.RetryWaitMin = config.WaitMin
	client.RetryWaitMax = config.WaitMax
	client.Backoff = retryablehttp.DefaultBackoff
	client.CheckRetry = createCustomRetryFunction(logger)
	client.ErrorHandler = exhaustedErrorHandler
	if config.RequestTimeout > 0 {
		client.HTTPClient.Timeout = config.RequestTimeout
	}
	return client
}

// createCustomRetryFunction retries transport failures and 5xx responses. A 4xx response is
// returned to the caller on the first try.
func createCustomRetryFunction(logger log.Logger) retryablehttp.CheckRetry {
	return func(ctx context.Context, resp *http.Response, reqErr error) (bool, error) {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		if reqErr != nil {
			retry, err := retryablehttp.DefaultRetryPolicy(ctx, resp, reqErr)
			logger.Debugf("CheckRetry: retry=%v ; err=%+v ; reqErr=%+v", retry, err, reqErr)
			return retry, err
		}
		if resp.StatusCode >= 500 {
			logger.Debugf("CheckRetry: retry=true ; status=%d", resp.StatusCode)
			return true, nil
		}
		return false, nil
	}
}

func exhaustedErrorHandler(resp *http.Response, err error, numTries int) (*http.Response, error) {
	statusCode := 0
	if resp != nil {
		statusCode = resp.StatusCode
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096)) //nolint:errcheck
		resp.Body.Close()                                    //nolint:errcheck
	}

	if isTimeout(err) {
		return nil, &TimeoutError{Attempts: numTries, Err: err}
	}
	if err == nil {
		err = errors.New(http.StatusText(statusCode))
	}
	return nil, &NetworkError{Attempts: numTries, StatusCode: statusCode, Err: err}
}

func isTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
