package s3

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"manualrag/internal/blobstore"
)

func newTestBucket(t *testing.T, h http.HandlerFunc) *Bucket {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	t.Setenv("AWS_ACCESS_KEY_ID", "test")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "test")
	t.Setenv("AWS_CONFIG_FILE", filepath.Join(dir, "config"))
	t.Setenv("AWS_SHARED_CREDENTIALS_FILE", filepath.Join(dir, "credentials"))
	t.Setenv("AWS_EC2_METADATA_DISABLED", "true")

	b, err := New(context.Background(), Config{Bucket: "manuals", Region: "us-east-1", Endpoint: srv.URL, UsePathStyle: true})
	require.NoError(t, err)
	return b
}

func TestGetMapsNoSuchKey(t *testing.T) {
	b := newTestBucket(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/manuals/index/current.idx", r.URL.Path)
		w.Header().Set("Content-Type", "application/xml")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>The specified key does not exist.</Message></Error>`))
	})

	_, err := b.Get(context.Background(), "index/current.idx")
	assert.ErrorIs(t, err, blobstore.ErrObjectNotFound)
}

func TestGetReadsBody(t *testing.T) {
	b := newTestBucket(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write([]byte("payload"))
	})

	data, err := b.Get(context.Background(), "index/current.idx")
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), data)
}

func TestExistsMapsHeadNotFound(t *testing.T) {
	b := newTestBucket(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodHead, r.Method)
		w.WriteHeader(http.StatusNotFound)
	})

	ok, err := b.Exists(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}
