package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"manualrag/internal/domain"
)

func chatServer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestGenerateReturnsFirstChoice(t *testing.T) {
	var seen struct {
		Model       string  `json:"model"`
		Temperature float32 `json:"temperature"`
		Messages    []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&seen))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"c1","object":"chat.completion","created":1,"model":"gpt-4.1-nano",
			"choices":[{"index":0,"message":{"role":"assistant","content":"  Hold the power button for 10 seconds. "},"finish_reason":"stop"}]}`))
	}))
	defer srv.Close()

	g, err := New(Config{BaseURL: srv.URL + "/v1", APIKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, "openai/gpt-4.1-nano", g.Identity())

	out, err := g.Generate(context.Background(), "question?", 0.5)
	require.NoError(t, err)
	assert.Equal(t, "Hold the power button for 10 seconds.", out)
	assert.Equal(t, "gpt-4.1-nano", seen.Model)
	assert.InDelta(t, 0.5, seen.Temperature, 1e-6)
	require.Len(t, seen.Messages, 1)
	assert.Equal(t, "user", seen.Messages[0].Role)
	assert.Equal(t, "question?", seen.Messages[0].Content)
}

func TestGenerateClassifiesFailures(t *testing.T) {
	cases := []struct {
		status int
		want   error
	}{
		{http.StatusTooManyRequests, domain.ErrTransientGeneration},
		{http.StatusBadGateway, domain.ErrTransientGeneration},
		{http.StatusUnauthorized, domain.ErrTerminalGeneration},
		{http.StatusBadRequest, domain.ErrTerminalGeneration},
	}
	for _, tc := range cases {
		srv := chatServer(t, tc.status, `{"error":{"message":"nope","type":"server_error"}}`)
		g, err := New(Config{BaseURL: srv.URL + "/v1", APIKey: "k"})
		require.NoError(t, err)

		_, err = g.Generate(context.Background(), "q", 0)
		require.Error(t, err)
		assert.ErrorIs(t, err, tc.want, "status %d", tc.status)

		var ge *domain.GenerationError
		require.ErrorAs(t, err, &ge)
		assert.Equal(t, tc.status, ge.StatusCode)
	}
}

func TestGenerateTreatsDeadlineAsTransient(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 0)
	defer cancel()
	srv := chatServer(t, http.StatusOK, `{}`)
	g, err := New(Config{BaseURL: srv.URL + "/v1", APIKey: "k"})
	require.NoError(t, err)

	_, err = g.Generate(ctx, "q", 0)
	assert.ErrorIs(t, err, domain.ErrTransientGeneration)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
