package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-dlp/internal/governance"
	"github.com/polisai/polis-dlp/pkg/domain"
)

func TestHTTPClientGenerate(t *testing.T) {
	var got domain.GenerateRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "dec-1", r.Header.Get("X-DLP-Decision-ID"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(domain.GenerateResponse{Answer: "42", Context: "ctx"})
	}))
	defer srv.Close()

	c, err := NewHTTPClient(srv.URL, time.Second)
	require.NoError(t, err)

	resp, err := c.Generate(context.Background(), domain.GenerateRequest{
		Prompt:             "what is the answer",
		UserRole:           "analyst",
		OriginalDecisionID: "dec-1",
		Classification:     domain.ClassificationResult{Label: domain.LabelInternal, Entities: []domain.Entity{}},
	})
	require.NoError(t, err)
	assert.Equal(t, "42", resp.Answer)
	assert.Equal(t, "what is the answer", got.Prompt)
	assert.Equal(t, "analyst", got.UserRole)
	assert.Equal(t, domain.LabelInternal, got.Classification.Label)
}

func TestHTTPClientStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	c, err := NewHTTPClient(srv.URL, time.Second)
	require.NoError(t, err)

	_, err = c.Generate(context.Background(), domain.GenerateRequest{Prompt: "x"})
	assert.ErrorIs(t, err, domain.ErrUpstreamUnreachable)
}

func TestHTTPClientRejectedRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bad prompt", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	c, err := NewHTTPClient(srv.URL, time.Second)
	require.NoError(t, err)

	_, err = c.Generate(context.Background(), domain.GenerateRequest{Prompt: "x"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrUpstreamUnreachable)
	assert.Contains(t, err.Error(), "status 422")
}

func TestHTTPClientUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c, err := NewHTTPClient(url, time.Second)
	require.NoError(t, err)
	_, err = c.Generate(context.Background(), domain.GenerateRequest{Prompt: "x"})
	assert.ErrorIs(t, err, domain.ErrUpstreamUnreachable)

	_, err = NewHTTPClient("", 0)
	assert.Error(t, err)
}

func TestStub(t *testing.T) {
	resp, err := Stub{Context: "doc one"}.Generate(context.Background(), domain.GenerateRequest{Prompt: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "[STUBBED ANSWER]\n\nContext:\ndoc one\n\nPrompt:\nhello", resp.Answer)
}

type countingGenerator struct {
	calls int
	err   error
}

func (g *countingGenerator) Generate(context.Context, domain.GenerateRequest) (domain.GenerateResponse, error) {
	g.calls++
	if g.err != nil {
		return domain.GenerateResponse{}, g.err
	}
	return domain.GenerateResponse{Answer: "ok"}, nil
}

func TestGuardedFailsFastWhenOpen(t *testing.T) {
	next := &countingGenerator{err: domain.ErrUpstreamUnreachable}
	g := NewGuarded(next, governance.NewCircuitBreaker(governance.CircuitBreakerConfig{MaxFailures: 2, Timeout: time.Hour}))
	ctx := context.Background()

	for range 2 {
		_, err := g.Generate(ctx, domain.GenerateRequest{Prompt: "p"})
		require.ErrorIs(t, err, domain.ErrUpstreamUnreachable)
	}
	assert.Equal(t, governance.StateOpen, g.State())

	_, err := g.Generate(ctx, domain.GenerateRequest{Prompt: "p"})
	require.ErrorIs(t, err, domain.ErrUpstreamUnreachable)
	require.ErrorIs(t, err, governance.ErrCircuitOpen)
	assert.Equal(t, 2, next.calls)
}

func TestGuardedPassesThrough(t *testing.T) {
	next := &countingGenerator{}
	g := NewGuarded(next, governance.NewCircuitBreaker(governance.DefaultCircuitBreakerConfig()))

	resp, err := g.Generate(context.Background(), domain.GenerateRequest{Prompt: "p"})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Answer)
}

func TestGuardedIgnoresRejectedRequests(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer srv.Close()

	client, err := NewHTTPClient(srv.URL, time.Second)
	require.NoError(t, err)
	g := NewGuarded(client, governance.NewCircuitBreaker(governance.CircuitBreakerConfig{MaxFailures: 2, Timeout: time.Hour}))

	for range 5 {
		_, err := g.Generate(context.Background(), domain.GenerateRequest{Prompt: "p"})
		require.Error(t, err)
		assert.NotErrorIs(t, err, governance.ErrCircuitOpen)
	}
	assert.Equal(t, governance.StateClosed, g.State())
	assert.Equal(t, 5, calls)
}
