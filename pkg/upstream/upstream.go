// Package upstream calls the retrieval and generation stage that sits behind
// the gateway.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/polisai/polis-dlp/pkg/domain"
)

// DefaultTimeout bounds a single generation call.
const DefaultTimeout = 30 * time.Second

const maxResponseBytes = 4 << 20

// HTTPClient posts generation requests to a RAG service as JSON.
type HTTPClient struct {
	url    string
	client *http.Client
}

// NewHTTPClient targets url. A zero timeout selects DefaultTimeout.
func NewHTTPClient(url string, timeout time.Duration) (*HTTPClient, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, errors.New("upstream: url is required")
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &HTTPClient{
		url: url,
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}, nil
}

// Generate implements domain.Generator.
func (c *HTTPClient) Generate(ctx context.Context, req domain.GenerateRequest) (domain.GenerateResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return domain.GenerateResponse{}, fmt.Errorf("upstream: encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return domain.GenerateResponse{}, fmt.Errorf("upstream: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if req.OriginalDecisionID != "" {
		httpReq.Header.Set("X-DLP-Decision-ID", req.OriginalDecisionID)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return domain.GenerateResponse{}, fmt.Errorf("%w: %w", domain.ErrUpstreamUnreachable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return domain.GenerateResponse{}, fmt.Errorf("upstream: read response: %w", err)
	}
	switch {
	case resp.StatusCode >= 500:
		return domain.GenerateResponse{}, fmt.Errorf("%w: status %d", domain.ErrUpstreamUnreachable, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		// The service is up but refused this request.
		return domain.GenerateResponse{}, fmt.Errorf("upstream: request rejected: status %d", resp.StatusCode)
	}

	var out domain.GenerateResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return domain.GenerateResponse{}, fmt.Errorf("upstream: decode response: %w", err)
	}
	return out, nil
}

// Stub answers without a model, echoing the prompt and a fixed context.
type Stub struct {
	Context string
}

// Generate implements domain.Generator.
func (s Stub) Generate(_ context.Context, req domain.GenerateRequest) (domain.GenerateResponse, error) {
	answer := fmt.Sprintf("[STUBBED ANSWER]\n\nContext:\n%s\n\nPrompt:\n%s", s.Context, req.Prompt)
	return domain.GenerateResponse{Answer: answer, Context: s.Context}, nil
}
