package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"manualrag/internal/config"
	"manualrag/internal/domain"
	"manualrag/internal/embedding/hashing"
)

func writeConfig(t *testing.T) (cfgPath, corpusDir string) {
	t.Helper()
	root := t.TempDir()
	corpusDir = filepath.Join(root, "manuals")
	require.NoError(t, os.MkdirAll(corpusDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(corpusDir, "a.txt"), []byte("replace the filter every 3 months"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(corpusDir, "b.txt"), []byte("reset the controller by holding the power button for 10 seconds"), 0o644))

	cfgPath = filepath.Join(root, "config.yaml")
	body := fmt.Sprintf(`
corpus:
  source: dir
  dir: %q
chunker:
  size: 50
  overlap: 10
embedder:
  type: hashing
  dimension: 256
store:
  cache_dir: %q
  remote:
    enabled: true
    backend: dir
    dir: %q
journal:
  path: %q
log:
  level: error
`, corpusDir, filepath.Join(root, "cache"), filepath.Join(root, "bucket"), filepath.Join(root, "journal.db"))
	require.NoError(t, os.WriteFile(cfgPath, []byte(body), 0o644))
	return cfgPath, corpusDir
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestIngestThenStatus(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	cfgPath, _ := writeConfig(t)

	out, err := run(t, "ingest", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "2 documents")
	assert.Contains(t, out, "Replicated to remote store.")

	out, err = run(t, "status", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "Generation:")
	assert.Contains(t, out, "hashing-v1@256")
	assert.Contains(t, out, "Recent ingestion runs:")
}

func TestAskNeedsGeneratorKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	cfgPath, _ := writeConfig(t)

	_, err := run(t, "ask", "--config", cfgPath, "how", "do", "I", "reset")
	assert.ErrorIs(t, err, domain.ErrInvalidConfiguration)
}

func TestConfigShow(t *testing.T) {
	cfgPath, _ := writeConfig(t)
	out, err := run(t, "config", "show", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "size: 50")
	assert.Contains(t, out, "backend: dir")
}

func TestConfigInitWritesLoadableFile(t *testing.T) {
	cfgPath, _ := writeConfig(t)
	dst := filepath.Join(t.TempDir(), "out.toml")
	_, err := run(t, "config", "init", dst, "--config", cfgPath)
	require.NoError(t, err)

	cfg, err := config.LoadWithEnv(dst, func(string) string { return "" })
	require.NoError(t, err)
	assert.Equal(t, 50, cfg.Chunker.Size)
}

func TestFactories(t *testing.T) {
	emb, err := newEmbedder(config.EmbedderConfig{Type: "hashing", Dimension: 64}, nil)
	require.NoError(t, err)
	assert.IsType(t, &hashing.Embedder{}, emb)

	_, err = newEmbedder(config.EmbedderConfig{Type: "openai"}, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidConfiguration)

	env := func(k string) string { return map[string]string{"MY_KEY": "sk-test"}[k] }
	gen, err := newGenerator(config.GeneratorConfig{Type: "anthropic", Model: "claude-3-5-haiku-latest", APIKeyEnv: "MY_KEY"}, env)
	require.NoError(t, err)
	assert.Equal(t, "anthropic/claude-3-5-haiku-latest", gen.Identity())

	gen, err = newGenerator(config.GeneratorConfig{Type: "openai", APIKeyEnv: "MISSING"}, env)
	assert.ErrorIs(t, err, domain.ErrInvalidConfiguration)
	assert.Nil(t, gen)

	_, err = newGenerator(config.GeneratorConfig{Type: "palm"}, env)
	assert.ErrorIs(t, err, domain.ErrInvalidConfiguration)
}

func TestOpenRemote(t *testing.T) {
	ctx := context.Background()
	b, err := openRemote(ctx, config.RemoteConfig{Backend: "dir", Dir: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, b.Put(ctx, "k", []byte("v")))
	require.NoError(t, b.Close())

	b, err = openRemote(ctx, config.RemoteConfig{Backend: "ftp"})
	assert.ErrorIs(t, err, domain.ErrInvalidConfiguration)
	assert.Nil(t, b)

	_, err = newLoader(config.CorpusConfig{Source: "bucket"}, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidConfiguration)
}

func TestUnconfiguredGeneratorIsTerminal(t *testing.T) {
	g := unconfiguredGenerator{identity: "openai/gpt-4.1-nano", err: domain.ErrInvalidConfiguration}
	_, err := g.Generate(context.Background(), "p", 0)
	assert.ErrorIs(t, err, domain.ErrTerminalGeneration)
}

func TestEngineConfig(t *testing.T) {
	cfg, err := config.LoadWithEnv("", func(string) string { return "" })
	require.NoError(t, err)
	ec := engineConfig(cfg)
	assert.Equal(t, 4, ec.MaxResults)
	assert.Equal(t, cfg.Query.MaxAttempts, ec.Retry.MaxAttempts)
	assert.Equal(t, cfg.Query.QueryTimeout(), ec.QueryTimeout)
	assert.Equal(t, cfg.Query.BaseDelay(), ec.Retry.BaseDelay)
	assert.Equal(t, cfg.Store.DownloadTimeout(), ec.RefreshTimeout)
}
