package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"manualrag/internal/config"
	"manualrag/internal/domain"
	"manualrag/internal/indexstore"
	"manualrag/internal/ingest"
	"manualrag/internal/service"
)

type fakeBackend struct {
	answer *service.Answer
	askErr error
	asked  []domain.Question
	ingest *ingest.Result
	ingErr error
	health service.Health
	status service.StatusReport
	info   service.SystemInfo
}

func (b *fakeBackend) Ask(_ context.Context, q domain.Question) (*service.Answer, error) {
	b.asked = append(b.asked, q)
	return b.answer, b.askErr
}

func (b *fakeBackend) Ingest(context.Context) (*ingest.Result, error) { return b.ingest, b.ingErr }

func (b *fakeBackend) Status(context.Context) (service.StatusReport, error) { return b.status, nil }

func (b *fakeBackend) Health(context.Context) service.Health { return b.health }

func (b *fakeBackend) SystemInfo() service.SystemInfo { return b.info }

func newTestServer(t *testing.T, b *fakeBackend) *httptest.Server {
	t.Helper()
	l := logrus.New()
	l.SetOutput(io.Discard)
	ts := httptest.NewServer(NewServer(config.ServerConfig{AllowedOrigins: []string{"https://manuals.example"}}, b, l).Handler())
	t.Cleanup(ts.Close)
	return ts
}

func postQuery(t *testing.T, ts *httptest.Server, body string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Post(ts.URL+"/query", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func TestQuerySuccess(t *testing.T) {
	b := &fakeBackend{answer: &service.Answer{
		Text:            "Hold the power button for 10 seconds.",
		Status:          domain.OutcomeSuccess,
		SourceDocuments: []string{"Rank 1: b.txt (Page 1)"},
		Sources:         []service.Source{{DocumentID: "b.txt", Page: 1, Excerpt: "reset the controller", Score: 0.8}},
		Stats:           service.QueryStats{Success: true, Attempts: 1, DocumentsRetrieved: 1},
	}}
	ts := newTestServer(t, b)

	resp, out := postQuery(t, ts, `{"text":"how do I reset the controller","max_results":3}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.Equal(t, "Hold the power button for 10 seconds.", out["answer"])
	assert.Equal(t, "success", out["status"])
	assert.Equal(t, []any{"Rank 1: b.txt (Page 1)"}, out["source_documents"])
	assert.NotContains(t, out, "Cause")

	require.Len(t, b.asked, 1)
	assert.Equal(t, 3, b.asked[0].MaxResults)
}

func TestQueryRejectsBadInput(t *testing.T) {
	ts := newTestServer(t, &fakeBackend{})
	for _, body := range []string{`{"text":""}`, `{"text":"   "}`, `{}`, `not json`} {
		resp, out := postQuery(t, ts, body)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, body)
		assert.Equal(t, "bad_request", out["code"], body)
	}
}

func TestQueryErrorMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{fmt.Errorf("%w: max results", domain.ErrInvalidArgument), http.StatusBadRequest, "bad_request"},
		{domain.ErrIndexNotFound, http.StatusServiceUnavailable, "index_not_found"},
		{fmt.Errorf("%w: built with x", domain.ErrEmbedderMismatch), http.StatusConflict, "embedder_mismatch"},
		{errors.New("disk on fire"), http.StatusInternalServerError, "internal"},
	}
	for _, tc := range cases {
		ts := newTestServer(t, &fakeBackend{askErr: tc.err})
		resp, out := postQuery(t, ts, `{"text":"how do I reset the controller"}`)
		assert.Equal(t, tc.status, resp.StatusCode, tc.err.Error())
		assert.Equal(t, tc.code, out["code"])
	}
}

func TestQueryFailedOutcome(t *testing.T) {
	cause := &domain.GenerationError{Provider: "openai", StatusCode: 503, Retryable: true, Cause: errors.New("overloaded")}
	ts := newTestServer(t, &fakeBackend{answer: &service.Answer{
		Status: domain.OutcomeFailed,
		Error:  cause.Error(),
		Cause:  cause,
		Stats:  service.QueryStats{Attempts: 3},
	}})
	resp, out := postQuery(t, ts, `{"text":"q"}`)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, "failed", out["status"])
	assert.Equal(t, "", out["answer"])

	timeout := fmt.Errorf("%w after 2 attempts: %w", domain.ErrQueryTimeout, context.DeadlineExceeded)
	ts = newTestServer(t, &fakeBackend{answer: &service.Answer{Status: domain.OutcomeFailed, Error: timeout.Error(), Cause: timeout}})
	resp, _ = postQuery(t, ts, `{"text":"q"}`)
	assert.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)
}

func TestIngest(t *testing.T) {
	started := time.Now()
	b := &fakeBackend{ingest: &ingest.Result{
		RunID:      "run-1",
		Documents:  2,
		Chunks:     3,
		Generation: &indexstore.Generation{ID: "gen-1"},
		Report:     indexstore.PublishReport{ReplicationErr: errors.New("bucket unreachable")},
		Started:    started,
		Finished:   started.Add(time.Second),
	}}
	ts := newTestServer(t, b)

	resp, err := http.Post(ts.URL+"/ingest", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out IngestResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "gen-1", out.GenerationID)
	assert.False(t, out.Replicated)
	assert.Equal(t, "bucket unreachable", out.ReplicationError)
	assert.InDelta(t, 1.0, out.Elapsed, 0.001)

	b.ingest, b.ingErr = nil, domain.ErrIngestionInProgress
	resp2, err := http.Post(ts.URL+"/ingest", "application/json", nil)
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusConflict, resp2.StatusCode)
}

func TestHealthAndSystemInfo(t *testing.T) {
	b := &fakeBackend{
		health: service.Health{Status: "healthy", Loaded: true},
		info: service.SystemInfo{Config: service.SystemConfig{
			RemoteEnabled:     true,
			VectorStoreBucket: "test-bucket",
			VectorStoreBlob:   "test-blob",
		}},
	}
	ts := newTestServer(t, b)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	var health map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", health["status"])
	assert.Equal(t, true, health["loaded"])

	resp, err = http.Get(ts.URL + "/system-info")
	require.NoError(t, err)
	var info map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&info))
	resp.Body.Close()
	assert.Equal(t, false, info["loaded"])
	cfg, ok := info["config"].(map[string]any)
	require.True(t, ok, "config object in %v", info)
	assert.Equal(t, true, cfg["use_gcs_vector_store"])
	assert.Equal(t, "test-bucket", cfg["vector_store_bucket"])
	assert.Equal(t, "test-blob", cfg["vector_store_blob"])
}

func TestMethodNotAllowed(t *testing.T) {
	ts := newTestServer(t, &fakeBackend{})
	for _, tc := range []struct{ method, path string }{
		{http.MethodPost, "/health"},
		{http.MethodPut, "/health"},
		{http.MethodGet, "/query"},
	} {
		req, err := http.NewRequest(tc.method, ts.URL+tc.path, nil)
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode, tc.method+" "+tc.path)
	}
}

func TestCORSPreflight(t *testing.T) {
	ts := newTestServer(t, &fakeBackend{})
	req, err := http.NewRequest(http.MethodOptions, ts.URL+"/query", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://manuals.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "https://manuals.example", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestRunShutsDownOnCancel(t *testing.T) {
	l := logrus.New()
	l.SetOutput(io.Discard)
	s := NewServer(config.ServerConfig{Addr: "127.0.0.1:0"}, &fakeBackend{}, l)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
