package network

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/ehrlink/go-ehrtransfer/payload"
)

// PollParams ...
type PollParams struct {
	APIBaseURL string
	Token      string
	SessionID  string
	// MaxAttempts is the number of long-poll requests before giving up. Default: 60
	MaxAttempts int
	// TimeoutSeconds is how long the server may hold each request. Default: 30
	TimeoutSeconds int
	// Wait is the pause between attempts. Default: 1s
	Wait  time.Duration
	Retry RetryConfig
}

// Poller waits for the relay to report that every provider finished uploading.
type Poller struct {
	client apiClient
	params PollParams
	logger log.Logger

	// OnAttempt runs before every request.
	OnAttempt func(attempt, maxAttempts int)
	// OnWaiting runs after a response that is not ready yet.
	OnWaiting func(attempt int, response payload.ReadyResponse)
}

// NewPoller ...
func NewPoller(params PollParams, logger log.Logger) (*Poller, error) {
	if params.APIBaseURL == "" {
		return nil, fmt.Errorf("API base URL is empty")
	}
	if params.SessionID == "" {
		return nil, fmt.Errorf("session ID is empty")
	}
	if params.MaxAttempts <= 0 {
		params.MaxAttempts = 60
	}
	if params.TimeoutSeconds <= 0 {
		params.TimeoutSeconds = 30
	}
	if params.Wait == 0 {
		params.Wait = time.Second
	}
	if params.Retry.Attempts == 0 {
		params.Retry = DefaultDownloadRetry()
		params.Retry.RequestTimeout = time.Duration(params.TimeoutSeconds)*time.Second + 30*time.Second
	}

	return &Poller{
		client: newAPIClient(newRetryClient(logger, params.Retry), params.APIBaseURL, params.Token, logger),
		params: params,
		logger: logger,
	}, nil
}

// WaitReady polls until the session is ready or the attempts run out, which yields ErrNotReady.
// A 4xx response ends polling immediately.
func (p *Poller) WaitReady(ctx context.Context) (payload.ReadyResponse, error) {
	var ready payload.ReadyResponse

	err := retry.Times(uint(p.params.MaxAttempts - 1)).Wait(p.params.Wait).TryWithAbort(func(attempt uint) (error, bool) {
		if err := ctx.Err(); err != nil {
			return err, true
		}

		n := int(attempt) + 1
		if p.OnAttempt != nil {
			p.OnAttempt(n, p.params.MaxAttempts)
		}

		response, err := p.client.poll(ctx, p.params.SessionID, p.params.TimeoutSeconds)
		if err != nil {
			var clientErr *ClientRequestError
			if errors.As(err, &clientErr) || ctx.Err() != nil {
				return err, true
			}
			p.logger.Warnf("Poll attempt %d failed: %s", n, err)
			return err, false
		}

		if !response.Ready {
			if p.OnWaiting != nil {
				p.OnWaiting(n, response)
			}
			return ErrNotReady, false
		}

		ready = response
		return nil, true
	})
	if err != nil {
		if errors.Is(err, ErrNotReady) {
			return payload.ReadyResponse{}, fmt.Errorf("%w after %d attempt(s)", ErrNotReady, p.params.MaxAttempts)
		}
		return payload.ReadyResponse{}, fmt.Errorf("poll session: %w", err)
	}

	if len(ready.Providers) == 0 {
		return payload.ReadyResponse{}, fmt.Errorf("session is ready but has no providers")
	}
	if ready.ProviderCount != 0 && ready.ProviderCount != len(ready.Providers) {
		return payload.ReadyResponse{}, fmt.Errorf("session reports %d providers but lists %d", ready.ProviderCount, len(ready.Providers))
	}
	return ready, nil
}
