package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"manualrag/internal/domain"
)

func envOf(vars map[string]string) func(string) string {
	return func(k string) string { return vars[k] }
}

func TestDefaults(t *testing.T) {
	cfg, err := LoadWithEnv("", envOf(nil))
	require.NoError(t, err)

	assert.Equal(t, 500, cfg.Chunker.Size)
	assert.Equal(t, 50, cfg.Chunker.Overlap)
	assert.Equal(t, "hashing", cfg.Embedder.Type)
	assert.Equal(t, "gpt-4.1-nano", cfg.Generator.Model)
	assert.Equal(t, "OPENAI_API_KEY", cfg.Generator.APIKeyEnv)
	assert.Equal(t, 4, cfg.Query.MaxResults)
	assert.Equal(t, "vector_store", cfg.Store.CacheDir)
	assert.False(t, cfg.Store.Remote.Enabled)
	assert.Equal(t, 2*time.Minute, cfg.Store.DownloadTimeout())

	cfg, err = LoadWithEnv("", envOf(map[string]string{"MANUALRAG_DOWNLOAD_TIMEOUT_SECS": "15"}))
	require.NoError(t, err)
	assert.Equal(t, 15*time.Second, cfg.Store.DownloadTimeout())
}

func TestGCSEnvironment(t *testing.T) {
	t.Run("custom bucket", func(t *testing.T) {
		cfg, err := LoadWithEnv("", envOf(map[string]string{
			"GCP_PROJECT_ID":       "test-project",
			"USE_GCS_VECTOR_STORE": "true",
			"VECTOR_STORE_BUCKET":  "custom-bucket",
		}))
		require.NoError(t, err)
		assert.True(t, cfg.Store.Remote.Enabled)
		assert.Equal(t, "gcs", cfg.Store.Remote.Backend)
		assert.Equal(t, "custom-bucket", cfg.Store.Remote.Bucket)
	})

	t.Run("default bucket from project", func(t *testing.T) {
		cfg, err := LoadWithEnv("", envOf(map[string]string{
			"GCP_PROJECT_ID":       "test-project",
			"USE_GCS_VECTOR_STORE": "yes",
		}))
		require.NoError(t, err)
		assert.Equal(t, "test-project-vector-stores", cfg.Store.Remote.Bucket)
	})

	t.Run("flag values", func(t *testing.T) {
		for v, want := range map[string]bool{"true": true, "1": true, "yes": true, "TRUE": true, "false": false, "0": false, "no": false} {
			cfg, err := LoadWithEnv("", envOf(map[string]string{
				"GCP_PROJECT_ID":       "p",
				"USE_GCS_VECTOR_STORE": v,
			}))
			require.NoError(t, err, v)
			assert.Equal(t, want, cfg.Store.Remote.Enabled, v)
		}
	})

	t.Run("enabled without bucket or project", func(t *testing.T) {
		_, err := LoadWithEnv("", envOf(map[string]string{"USE_GCS_VECTOR_STORE": "1"}))
		require.ErrorIs(t, err, domain.ErrInvalidConfiguration)
		assert.Contains(t, err.Error(), "vector store bucket not configured")
	})

	t.Run("blob and cache path", func(t *testing.T) {
		cfg, err := LoadWithEnv("", envOf(map[string]string{
			"VECTOR_STORE_BLOB": "manuals/index.mrag",
			"DB_FAISS_PATH":     "/tmp/cache",
		}))
		require.NoError(t, err)
		assert.Equal(t, "manuals/index.mrag", cfg.Store.Key)
		assert.Equal(t, "/tmp/cache", cfg.Store.CacheDir)
	})
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	t.Setenv("MANUALRAG_TEST_BUCKET", "from-env")
	require.NoError(t, os.WriteFile(path, []byte(`
chunker:
  size: 200
  overlap: 20
embedder:
  type: openai
generator:
  type: anthropic
  model: claude-3-5-haiku-latest
store:
  remote:
    enabled: true
    backend: s3
    bucket: ${MANUALRAG_TEST_BUCKET}
    region: us-east-1
query:
  max_results: 6
`), 0o644))

	cfg, err := LoadWithEnv(path, envOf(nil))
	require.NoError(t, err)
	assert.Equal(t, 200, cfg.Chunker.Size)
	require.NotNil(t, cfg.Embedder.OpenAI)
	assert.Equal(t, "text-embedding-3-small", cfg.Embedder.OpenAI.Model)
	assert.Equal(t, "ANTHROPIC_API_KEY", cfg.Generator.APIKeyEnv)
	assert.Equal(t, "from-env", cfg.Store.Remote.Bucket)
	assert.Equal(t, 6, cfg.Query.MaxResults)
	// Untouched sections keep their defaults.
	assert.Equal(t, 0.2, cfg.Query.RelevanceFloor)
}

func TestLoadTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
project_id = "acme"

[chunker]
size = 300
overlap = 30

[query]
max_results = 2
`), 0o644))

	cfg, err := LoadWithEnv(path, envOf(nil))
	require.NoError(t, err)
	assert.Equal(t, "acme", cfg.ProjectID)
	assert.Equal(t, 300, cfg.Chunker.Size)
	assert.Equal(t, 2, cfg.Query.MaxResults)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte("chunker:\n  width: 3\n"), 0o644))
	_, err := LoadWithEnv(yamlPath, envOf(nil))
	assert.ErrorIs(t, err, domain.ErrInvalidConfiguration)

	tomlPath := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(tomlPath, []byte("[chunker]\nwidth = 3\n"), 0o644))
	_, err = LoadWithEnv(tomlPath, envOf(nil))
	assert.ErrorIs(t, err, domain.ErrInvalidConfiguration)
}

func TestMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := LoadWithEnv(filepath.Join(t.TempDir(), "absent.yaml"), envOf(nil))
	require.NoError(t, err)
	assert.Equal(t, 500, cfg.Chunker.Size)
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*AppConfig){
		"overlap not below size": func(c *AppConfig) { c.Chunker.Overlap = c.Chunker.Size },
		"unknown embedder":       func(c *AppConfig) { c.Embedder.Type = "word2vec" },
		"too many results":       func(c *AppConfig) { c.Query.MaxResults = 21 },
		"no attempts":            func(c *AppConfig) { c.Query.MaxAttempts = 0 },
		"escaping key":           func(c *AppConfig) { c.Store.Key = "../index.mrag" },
		"no download timeout":    func(c *AppConfig) { c.Store.DownloadTimeoutSecs = 0 },
		"bucket corpus no remote": func(c *AppConfig) {
			c.Corpus.Source = "bucket"
		},
		"dir backend without dir": func(c *AppConfig) {
			c.Store.Remote.Enabled = true
			c.Store.Remote.Backend = "dir"
		},
		"bad log format": func(c *AppConfig) { c.Log.Format = "xml" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := defaultConfig()
			mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), domain.ErrInvalidConfiguration)
		})
	}
}

func TestEnvOverlayRejectsBadNumbers(t *testing.T) {
	_, err := LoadWithEnv("", envOf(map[string]string{"MANUALRAG_MAX_RETRIEVAL_DOCS": "many"}))
	assert.ErrorIs(t, err, domain.ErrInvalidConfiguration)
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cfg := defaultConfig()
	cfg.Query.MaxResults = 7

	for _, name := range []string{"nested/config.yaml", "config.toml"} {
		path := filepath.Join(dir, name)
		require.NoError(t, Save(path, cfg))
		loaded, err := LoadWithEnv(path, envOf(nil))
		require.NoError(t, err, name)
		assert.Equal(t, 7, loaded.Query.MaxResults, name)
	}
}
