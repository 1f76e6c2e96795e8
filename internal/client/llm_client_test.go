package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shelfscope/api/internal/config"
)

func newTestLLM(t *testing.T, handler http.HandlerFunc) *LLMClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewLLMClient(&config.LLMConfig{
		APIKey:  "test-key",
		BaseURL: srv.URL,
		Model:   "test-model",
		Timeout: 5 * time.Second,
	})
}

func TestLLMClient_Unconfigured(t *testing.T) {
	c := NewLLMClient(&config.LLMConfig{Model: "m"})
	assert.False(t, c.IsConfigured())

	_, err := c.Complete(context.Background(), "sys", "user")
	assert.ErrorIs(t, err, ErrNotConfigured)
	assert.ErrorIs(t, c.Ping(context.Background()), ErrNotConfigured)
}

func TestLLMClient_Complete(t *testing.T) {
	c := newTestLLM(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"c1","object":"chat.completion","created":1,"model":"test-model",
			"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"  The listing is strong.  "}}]}`))
	})

	text, err := c.Complete(context.Background(), "sys", "user")
	require.NoError(t, err)
	assert.Equal(t, "The listing is strong.", text)
}

func TestLLMClient_EmptyChoices(t *testing.T) {
	c := newTestLLM(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"c1","object":"chat.completion","created":1,"model":"test-model","choices":[]}`))
	})

	_, err := c.Complete(context.Background(), "sys", "user")
	assert.ErrorIs(t, err, ErrEmptyCompletion)
}

func TestLLMClient_RejectedStatus(t *testing.T) {
	c := newTestLLM(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"bad key","type":"invalid_request_error"}}`))
	})

	_, err := c.Complete(context.Background(), "sys", "user")
	assert.ErrorIs(t, err, ErrRejected)
}

func TestLLMClient_ServerErrorIsRetryable(t *testing.T) {
	c := newTestLLM(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	_, err := c.Complete(context.Background(), "sys", "user")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrRejected)
}
