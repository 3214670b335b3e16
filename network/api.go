// Package network talks to the relay server: resumable chunk uploads, the readiness poll and
// chunk downloads over HTTP or straight from S3.
package network

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"strings"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/ehrlink/go-ehrtransfer/payload"
	"github.com/hashicorp/go-retryablehttp"
)

const maxErrorBodyLength = 1024

type receiveChunkRequest struct {
	SessionID     string                 `json:"sessionId"`
	FinalizeToken string                 `json:"finalizeToken"`
	Version       int                    `json:"version"`
	TotalChunks   int                    `json:"totalChunks"`
	Chunk         payload.EncryptedChunk `json:"chunk"`
	ProviderKey   string                 `json:"providerKey"`
}

type receiveLegacyRequest struct {
	SessionID     string                `json:"sessionId"`
	FinalizeToken string                `json:"finalizeToken"`
	Version       int                   `json:"version"`
	Payload       payload.LegacyPayload `json:"payload"`
	ProviderKey   string                `json:"providerKey"`
}

type apiClient struct {
	httpClient  *retryablehttp.Client
	baseURL     string
	accessToken string
	logger      log.Logger
}

func newAPIClient(client *retryablehttp.Client, baseURL string, accessToken string, logger log.Logger) apiClient {
	return apiClient{
		httpClient:  client,
		baseURL:     strings.TrimSuffix(baseURL, "/"),
		accessToken: accessToken,
		logger:      logger,
	}
}

func (c apiClient) receiveChunk(ctx context.Context, requestBody receiveChunkRequest) error {
	return c.postJSON(ctx, "/api/receive-ehr", requestBody)
}

func (c apiClient) receiveLegacy(ctx context.Context, requestBody receiveLegacyRequest) error {
	return c.postJSON(ctx, "/api/receive-ehr", requestBody)
}

func (c apiClient) poll(ctx context.Context, sessionID string, timeoutSeconds int) (payload.ReadyResponse, error) {
	url := fmt.Sprintf("%s/api/poll/%s?timeout=%d", c.baseURL, sessionID, timeoutSeconds)

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return payload.ReadyResponse{}, err
	}
	c.setAuth(req)

	resp, err := c.do(req)
	if err != nil {
		return payload.ReadyResponse{}, err
	}
	defer c.closeBody(resp.Body)

	var response payload.ReadyResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return payload.ReadyResponse{}, fmt.Errorf("decode poll response: %w", err)
	}
	return response, nil
}

func (c apiClient) chunkURL(sessionID string, providerIndex, chunkIndex int) string {
	return fmt.Sprintf("%s/api/chunks/%s/%d/%d", c.baseURL, sessionID, providerIndex, chunkIndex)
}

func (c apiClient) postJSON(ctx context.Context, path string, requestBody interface{}) error {
	body, err := json.Marshal(requestBody)
	if err != nil {
		return err
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return err
	}
	c.setAuth(req)
	req.Header.Set("Content-type", "application/json")

	dump, err := httputil.DumpRequest(req.Request, false)
	if err != nil {
		c.logger.Warnf("error while dumping request: %s", err)
	}
	c.logger.TDebugf("Request dump: %s", string(dump))

	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer c.closeBody(resp.Body)

	io.Copy(io.Discard, resp.Body) //nolint:errcheck
	return nil
}

// do sends the request through the retrying client. Every non-2xx outcome comes back as an
// error; the response body is only left open on success.
func (c apiClient) do(req *retryablehttp.Request) (*http.Response, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer c.closeBody(resp.Body)
		return nil, unwrapError(resp)
	}
	return resp, nil
}

func (c apiClient) setAuth(req *retryablehttp.Request) {
	if c.accessToken != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.accessToken))
	}
}

func (c apiClient) closeBody(body io.ReadCloser) {
	if err := body.Close(); err != nil {
		c.logger.Printf(err.Error())
	}
}

func unwrapError(resp *http.Response) error {
	errorResp, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyLength))
	if err != nil {
		return err
	}
	message := string(bytes.TrimSpace(errorResp))
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return &ClientRequestError{StatusCode: resp.StatusCode, Body: message}
	}
	return &NetworkError{Attempts: 1, StatusCode: resp.StatusCode, Err: fmt.Errorf("HTTP %d: %s", resp.StatusCode, message)}
}
