package network

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/melbahja/got"
)

// FetchParams ...
type FetchParams struct {
	APIBaseURL string
	Token      string
	SessionID  string
	Retry      RetryConfig
}

// HTTPFetcher downloads chunks from the relay's chunk endpoint.
type HTTPFetcher struct {
	client    apiClient
	sessionID string
	logger    log.Logger
}

// NewHTTPFetcher ...
func NewHTTPFetcher(params FetchParams, logger log.Logger) (*HTTPFetcher, error) {
	if params.APIBaseURL == "" {
		return nil, fmt.Errorf("API base URL is empty")
	}
	if params.SessionID == "" {
		return nil, fmt.Errorf("session ID is empty")
	}
	if params.Retry.Attempts == 0 {
		params.Retry = DefaultDownloadRetry()
	}

	return &HTTPFetcher{
		client:    newAPIClient(newRetryClient(logger, params.Retry), params.APIBaseURL, params.Token, logger),
		sessionID: params.SessionID,
		logger:    logger,
	}, nil
}

// FetchChunk downloads the chunk directly into dest.
func (f *HTTPFetcher) FetchChunk(ctx context.Context, providerIndex, chunkIndex int, dest string) error {
	url := f.client.chunkURL(f.sessionID, providerIndex, chunkIndex)
	f.logger.Debugf("Downloading chunk %d of provider %d", chunkIndex, providerIndex)

	transport := &statusTransport{
		next:  &retryablehttp.RoundTripper{Client: f.client.httpClient},
		token: f.client.accessToken,
	}
	if err := downloadFile(ctx, &http.Client{Transport: transport}, url, dest); err != nil {
		if typed := transport.lastErr(); typed != nil {
			return fmt.Errorf("download chunk %d: %w", chunkIndex, typed)
		}
		return fmt.Errorf("download chunk %d: %w", chunkIndex, err)
	}
	return nil
}

func downloadFile(ctx context.Context, client *http.Client, url string, dest string) error {
	downloader := got.New()
	dl := got.NewDownload(ctx, url, dest)
	dl.Client = client

	return downloader.Do(dl)
}

// statusTransport authenticates the download requests and turns error responses into typed
// errors, which the downloader would otherwise flatten into a message.
type statusTransport struct {
	next  http.RoundTripper
	token string

	mu  sync.Mutex
	err error
}

func (t *statusTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.token != "" {
		req = req.Clone(req.Context())
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", t.token))
	}

	resp, err := t.next.RoundTrip(req)
	if err != nil {
		t.setErr(err)
		return nil, err
	}
	if resp.StatusCode >= 300 {
		err := unwrapError(resp)
		resp.Body.Close() //nolint:errcheck
		t.setErr(err)
		return nil, err
	}
	return resp, nil
}

func (t *statusTransport) setErr(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.err = err
}

func (t *statusTransport) lastErr() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}
