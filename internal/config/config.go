package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"manualrag/internal/domain"
)

// CorpusConfig says where the manuals are read from. Source "dir" reads Dir;
// "bucket" reads Prefix from the remote store bucket.
type CorpusConfig struct {
	Source string `yaml:"source" toml:"source"`
	Dir    string `yaml:"dir" toml:"dir"`
	Prefix string `yaml:"prefix" toml:"prefix"`
}

// ChunkerConfig configures how page text is split into chunks.
type ChunkerConfig struct {
	Size    int `yaml:"size" toml:"size"`
	Overlap int `yaml:"overlap" toml:"overlap"`
}

// OpenAIEmbedderConfig holds configuration for the OpenAI-compatible embedder.
type OpenAIEmbedderConfig struct {
	BaseURL     string `yaml:"base_url" toml:"base_url"`
	APIKeyEnv   string `yaml:"api_key_env" toml:"api_key_env"`
	Model       string `yaml:"model" toml:"model"`
	Dimensions  int    `yaml:"dimensions" toml:"dimensions"`
	TimeoutSecs int    `yaml:"timeout_secs" toml:"timeout_secs"`
	BatchSize   int    `yaml:"batch_size" toml:"batch_size"`
}

// EmbedderConfig selects and configures the text embedder implementation.
type EmbedderConfig struct {
	Type      string                `yaml:"type" toml:"type"`
	Dimension int                   `yaml:"dimension" toml:"dimension"`
	OpenAI    *OpenAIEmbedderConfig `yaml:"openai,omitempty" toml:"openai,omitempty"`
}

// GeneratorConfig selects the answering model.
type GeneratorConfig struct {
	Type        string  `yaml:"type" toml:"type"`
	Model       string  `yaml:"model" toml:"model"`
	BaseURL     string  `yaml:"base_url" toml:"base_url"`
	APIKeyEnv   string  `yaml:"api_key_env" toml:"api_key_env"`
	MaxTokens   int     `yaml:"max_tokens" toml:"max_tokens"`
	Temperature float32 `yaml:"temperature" toml:"temperature"`
}

// RemoteConfig configures replication of generations to a bucket.
type RemoteConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Backend   string `yaml:"backend" toml:"backend"`
	Bucket    string `yaml:"bucket" toml:"bucket"`
	Region    string `yaml:"region" toml:"region"`
	Endpoint  string `yaml:"endpoint" toml:"endpoint"`
	PathStyle bool   `yaml:"path_style" toml:"path_style"`
	// Dir is the bucket root for the "dir" backend.
	Dir string `yaml:"dir" toml:"dir"`
}

// StoreConfig locates the local cache and the logical key of the generation.
type StoreConfig struct {
	CacheDir string       `yaml:"cache_dir" toml:"cache_dir"`
	Key      string       `yaml:"key" toml:"key"`
	Remote   RemoteConfig `yaml:"remote" toml:"remote"`
	// DownloadTimeoutSecs bounds a shared generation load and a background
	// refresh, independently of the query that triggered them.
	DownloadTimeoutSecs int `yaml:"download_timeout_secs" toml:"download_timeout_secs"`
}

// QueryConfig tunes retrieval and the generation retry policy.
type QueryConfig struct {
	MaxResults            int     `yaml:"max_results" toml:"max_results"`
	RelevanceFloor        float64 `yaml:"relevance_floor" toml:"relevance_floor"`
	TimeoutSecs           int     `yaml:"timeout_secs" toml:"timeout_secs"`
	GenerationTimeoutSecs int     `yaml:"generation_timeout_secs" toml:"generation_timeout_secs"`
	MaxAttempts           int     `yaml:"max_attempts" toml:"max_attempts"`
	BaseDelayMillis       int     `yaml:"base_delay_ms" toml:"base_delay_ms"`
	MaxDelayMillis        int     `yaml:"max_delay_ms" toml:"max_delay_ms"`
	Jitter                float64 `yaml:"jitter" toml:"jitter"`
	RefreshIntervalSecs   int     `yaml:"refresh_interval_secs" toml:"refresh_interval_secs"`
	WatchCache            bool    `yaml:"watch_cache" toml:"watch_cache"`
}

// IngestConfig tunes the embedding fan-out of an ingestion run.
type IngestConfig struct {
	BatchSize       int     `yaml:"batch_size" toml:"batch_size"`
	Concurrency     int     `yaml:"concurrency" toml:"concurrency"`
	CallTimeoutSecs int     `yaml:"call_timeout_secs" toml:"call_timeout_secs"`
	RequestsPerSec  float64 `yaml:"requests_per_sec" toml:"requests_per_sec"`
	DigestSentences int     `yaml:"digest_sentences" toml:"digest_sentences"`
}

type JournalConfig struct {
	Path string `yaml:"path" toml:"path"`
}

type ServerConfig struct {
	Addr           string   `yaml:"addr" toml:"addr"`
	AllowedOrigins []string `yaml:"allowed_origins" toml:"allowed_origins"`
}

type LogConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// AppConfig is the root application configuration structure. It is loaded
// and validated once at startup and then passed down read-only.
type AppConfig struct {
	ProjectID string          `yaml:"project_id" toml:"project_id"`
	Corpus    CorpusConfig    `yaml:"corpus" toml:"corpus"`
	Chunker   ChunkerConfig   `yaml:"chunker" toml:"chunker"`
	Embedder  EmbedderConfig  `yaml:"embedder" toml:"embedder"`
	Generator GeneratorConfig `yaml:"generator" toml:"generator"`
	Store     StoreConfig     `yaml:"store" toml:"store"`
	Query     QueryConfig     `yaml:"query" toml:"query"`
	Ingest    IngestConfig    `yaml:"ingest" toml:"ingest"`
	Journal   JournalConfig   `yaml:"journal" toml:"journal"`
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Log       LogConfig       `yaml:"log" toml:"log"`
}

// Load reads the config at path (YAML, or TOML by extension), overlays the
// environment and validates the result. An empty path, or a path that does
// not exist, yields defaults plus environment.
func Load(path string) (*AppConfig, error) {
	_ = godotenv.Load()
	return LoadWithEnv(path, os.Getenv)
}

// LoadWithEnv is Load with an explicit environment lookup.
func LoadWithEnv(path string, getenv func(string) string) (*AppConfig, error) {
	cfg := defaultConfig()
	if path != "" {
		if err := decodeFile(path, cfg); err != nil {
			return nil, err
		}
	}
	if err := applyEnv(cfg, getenv); err != nil {
		return nil, err
	}
	applyConfigDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDefault tries ./config.yaml, ./config.toml and then
// ~/.config/manualrag/config.yaml, falling back to defaults.
func LoadDefault() (*AppConfig, string, error) {
	candidates := []string{"config.yaml", "config.toml"}
	if userPath, err := defaultUserConfigPath(); err == nil {
		candidates = append(candidates, userPath)
	}
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			cfg, err := Load(p)
			return cfg, p, err
		}
	}
	cfg, err := Load("")
	return cfg, "", err
}

func decodeFile(path string, cfg *AppConfig) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	expanded := os.ExpandEnv(string(data))
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		md, err := toml.Decode(expanded, cfg)
		if err != nil {
			return fmt.Errorf("%w: parse %s: %v", domain.ErrInvalidConfiguration, path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return fmt.Errorf("%w: unknown keys in %s: %v", domain.ErrInvalidConfiguration, path, undecoded)
		}
	default:
		dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: parse %s: %v", domain.ErrInvalidConfiguration, path, err)
		}
	}
	return nil
}

// Save writes the config to the given path, creating directories as needed.
func Save(path string, cfg *AppConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	var data []byte
	if strings.ToLower(filepath.Ext(path)) == ".toml" {
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
			return err
		}
		data = buf.Bytes()
	} else {
		var err error
		if data, err = yaml.Marshal(cfg); err != nil {
			return err
		}
	}
	return os.WriteFile(path, data, 0o644)
}

func defaultUserConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "manualrag", "config.yaml"), nil
}

func defaultConfig() *AppConfig {
	return &AppConfig{
		Corpus:    CorpusConfig{Source: "dir", Dir: "data"},
		Chunker:   ChunkerConfig{Size: 500, Overlap: 50},
		Embedder:  EmbedderConfig{Type: "hashing", Dimension: 1024},
		Generator: GeneratorConfig{Type: "openai", Model: "gpt-4.1-nano", Temperature: 0},
		Store:     StoreConfig{CacheDir: "vector_store", Key: "index/current.mrag", Remote: RemoteConfig{Backend: "gcs"}, DownloadTimeoutSecs: 120},
		Query: QueryConfig{
			MaxResults:            4,
			RelevanceFloor:        0.2,
			TimeoutSecs:           60,
			GenerationTimeoutSecs: 30,
			MaxAttempts:           3,
			BaseDelayMillis:       200,
			MaxDelayMillis:        5000,
			Jitter:                0.2,
		},
		Ingest:  IngestConfig{BatchSize: 32, Concurrency: 4, CallTimeoutSecs: 60, DigestSentences: 3},
		Server:  ServerConfig{Addr: ":8080"},
		Log:     LogConfig{Level: "info", Format: "text"},
	}
}

func applyConfigDefaults(cfg *AppConfig) {
	if cfg.Embedder.Type == "openai" {
		if cfg.Embedder.OpenAI == nil {
			cfg.Embedder.OpenAI = &OpenAIEmbedderConfig{}
		}
		o := cfg.Embedder.OpenAI
		if o.BaseURL == "" {
			o.BaseURL = "https://api.openai.com/v1"
		}
		if o.APIKeyEnv == "" {
			o.APIKeyEnv = "OPENAI_API_KEY"
		}
		if o.Model == "" {
			o.Model = "text-embedding-3-small"
		}
		if o.TimeoutSecs == 0 {
			o.TimeoutSecs = 30
		}
		if o.BatchSize == 0 {
			o.BatchSize = 32
		}
	}
	if cfg.Generator.APIKeyEnv == "" {
		switch cfg.Generator.Type {
		case "anthropic":
			cfg.Generator.APIKeyEnv = "ANTHROPIC_API_KEY"
		default:
			cfg.Generator.APIKeyEnv = "OPENAI_API_KEY"
		}
	}
	if cfg.Journal.Path == "" && cfg.Store.CacheDir != "" {
		cfg.Journal.Path = filepath.Join(cfg.Store.CacheDir, "journal.db")
	}
	r := &cfg.Store.Remote
	if r.Enabled && r.Bucket == "" && cfg.ProjectID != "" && r.Backend == "gcs" {
		r.Bucket = cfg.ProjectID + "-vector-stores"
	}
}

// applyEnv overlays deployment variables. The unprefixed names are the ones
// existing deployments already set.
func applyEnv(cfg *AppConfig, getenv func(string) string) error {
	str := func(name string, dst *string) {
		if v := strings.TrimSpace(getenv(name)); v != "" {
			*dst = v
		}
	}
	var errs []error
	num := func(name string, dst *int) {
		if v := strings.TrimSpace(getenv(name)); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %v", name, err))
				return
			}
			*dst = n
		}
	}
	float := func(name string, dst *float64) {
		if v := strings.TrimSpace(getenv(name)); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %v", name, err))
				return
			}
			*dst = f
		}
	}

	str("GCP_PROJECT_ID", &cfg.ProjectID)
	if v := strings.TrimSpace(getenv("USE_GCS_VECTOR_STORE")); v != "" {
		cfg.Store.Remote.Enabled = truthy(v)
		if cfg.Store.Remote.Enabled {
			cfg.Store.Remote.Backend = "gcs"
		}
	}
	str("VECTOR_STORE_BUCKET", &cfg.Store.Remote.Bucket)
	str("VECTOR_STORE_BLOB", &cfg.Store.Key)
	str("DB_FAISS_PATH", &cfg.Store.CacheDir)

	str("MANUALRAG_CORPUS_SOURCE", &cfg.Corpus.Source)
	str("MANUALRAG_CORPUS_DIR", &cfg.Corpus.Dir)
	str("MANUALRAG_CORPUS_PREFIX", &cfg.Corpus.Prefix)
	num("MANUALRAG_CHUNK_SIZE", &cfg.Chunker.Size)
	num("MANUALRAG_CHUNK_OVERLAP", &cfg.Chunker.Overlap)
	str("MANUALRAG_EMBEDDER", &cfg.Embedder.Type)
	str("MANUALRAG_GENERATOR", &cfg.Generator.Type)
	str("MANUALRAG_MODEL_NAME", &cfg.Generator.Model)
	if v := strings.TrimSpace(getenv("MANUALRAG_TEMPERATURE")); v != "" {
		f, err := strconv.ParseFloat(v, 32)
		if err != nil {
			errs = append(errs, fmt.Errorf("MANUALRAG_TEMPERATURE: %v", err))
		} else {
			cfg.Generator.Temperature = float32(f)
		}
	}
	str("MANUALRAG_REMOTE_BACKEND", &cfg.Store.Remote.Backend)
	num("MANUALRAG_MAX_RETRIEVAL_DOCS", &cfg.Query.MaxResults)
	float("MANUALRAG_RELEVANCE_FLOOR", &cfg.Query.RelevanceFloor)
	num("MANUALRAG_TIMEOUT_SECS", &cfg.Query.TimeoutSecs)
	num("MANUALRAG_MAX_ATTEMPTS", &cfg.Query.MaxAttempts)
	num("MANUALRAG_REFRESH_INTERVAL_SECS", &cfg.Query.RefreshIntervalSecs)
	num("MANUALRAG_DOWNLOAD_TIMEOUT_SECS", &cfg.Store.DownloadTimeoutSecs)
	str("MANUALRAG_JOURNAL_PATH", &cfg.Journal.Path)
	str("MANUALRAG_SERVER_ADDR", &cfg.Server.Addr)
	str("MANUALRAG_LOG_LEVEL", &cfg.Log.Level)
	str("MANUALRAG_LOG_FORMAT", &cfg.Log.Format)

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", domain.ErrInvalidConfiguration, errors.Join(errs...))
	}
	return nil
}

func truthy(v string) bool {
	switch strings.ToLower(v) {
	case "true", "1", "yes":
		return true
	}
	return false
}

// Validate fails fast on settings that would otherwise fail mid-request.
func (c *AppConfig) Validate() error {
	var problems []string
	check := func(ok bool, format string, args ...any) {
		if !ok {
			problems = append(problems, fmt.Sprintf(format, args...))
		}
	}

	check(c.Corpus.Source == "dir" || c.Corpus.Source == "bucket", "corpus.source must be dir or bucket, got %q", c.Corpus.Source)
	check(c.Corpus.Source != "dir" || c.Corpus.Dir != "", "corpus.dir is required for a dir source")
	check(c.Corpus.Source != "bucket" || c.Store.Remote.Enabled, "corpus.source bucket needs store.remote enabled")
	check(c.Chunker.Size > 0, "chunker.size must be positive, got %d", c.Chunker.Size)
	check(c.Chunker.Overlap >= 0 && c.Chunker.Overlap < c.Chunker.Size, "chunker.overlap must be in [0, size), got %d", c.Chunker.Overlap)
	check(c.Embedder.Type == "hashing" || c.Embedder.Type == "openai", "embedder.type must be hashing or openai, got %q", c.Embedder.Type)
	check(c.Embedder.Type != "hashing" || c.Embedder.Dimension > 0, "embedder.dimension must be positive")
	check(c.Generator.Type == "openai" || c.Generator.Type == "anthropic", "generator.type must be openai or anthropic, got %q", c.Generator.Type)
	check(c.Generator.Model != "", "generator.model is required")
	check(c.Generator.Temperature >= 0 && c.Generator.Temperature <= 2, "generator.temperature must be in [0, 2], got %v", c.Generator.Temperature)
	check(c.Store.CacheDir != "", "store.cache_dir is required")
	check(c.Store.DownloadTimeoutSecs > 0, "store.download_timeout_secs must be positive")
	check(c.Store.Key != "" && filepath.IsLocal(filepath.FromSlash(c.Store.Key)), "store.key must be a relative slash path, got %q", c.Store.Key)
	if c.Store.Remote.Enabled {
		r := c.Store.Remote
		check(r.Backend == "gcs" || r.Backend == "s3" || r.Backend == "dir", "store.remote.backend must be gcs, s3 or dir, got %q", r.Backend)
		check(r.Backend == "dir" || r.Bucket != "", "vector store bucket not configured")
		check(r.Backend != "dir" || r.Dir != "", "store.remote.dir is required for the dir backend")
	}
	q := c.Query
	check(q.MaxResults >= 1 && q.MaxResults <= 20, "query.max_results must be in 1..20, got %d", q.MaxResults)
	check(q.RelevanceFloor >= -1 && q.RelevanceFloor <= 1, "query.relevance_floor must be in [-1, 1], got %v", q.RelevanceFloor)
	check(q.TimeoutSecs > 0, "query.timeout_secs must be positive")
	check(q.GenerationTimeoutSecs > 0, "query.generation_timeout_secs must be positive")
	check(q.MaxAttempts >= 1, "query.max_attempts must be at least 1")
	check(q.BaseDelayMillis >= 0 && q.MaxDelayMillis >= q.BaseDelayMillis, "query retry delays must satisfy 0 <= base_delay_ms <= max_delay_ms")
	check(q.Jitter >= 0 && q.Jitter <= 1, "query.jitter must be in [0, 1]")
	check(q.RefreshIntervalSecs >= 0, "query.refresh_interval_secs must not be negative")
	check(c.Ingest.BatchSize > 0 && c.Ingest.Concurrency > 0, "ingest.batch_size and ingest.concurrency must be positive")
	check(c.Ingest.CallTimeoutSecs > 0, "ingest.call_timeout_secs must be positive")
	check(c.Ingest.RequestsPerSec >= 0, "ingest.requests_per_sec must not be negative")
	check(c.Log.Format == "text" || c.Log.Format == "json", "log.format must be text or json, got %q", c.Log.Format)

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", domain.ErrInvalidConfiguration, strings.Join(problems, "; "))
	}
	return nil
}

// QueryTimeout and the other helpers convert the integer settings.
func (q QueryConfig) QueryTimeout() time.Duration { return time.Duration(q.TimeoutSecs) * time.Second }

func (q QueryConfig) GenerationTimeout() time.Duration {
	return time.Duration(q.GenerationTimeoutSecs) * time.Second
}

func (q QueryConfig) RefreshInterval() time.Duration {
	return time.Duration(q.RefreshIntervalSecs) * time.Second
}

func (q QueryConfig) BaseDelay() time.Duration { return time.Duration(q.BaseDelayMillis) * time.Millisecond }

func (q QueryConfig) MaxDelay() time.Duration { return time.Duration(q.MaxDelayMillis) * time.Millisecond }

func (s StoreConfig) DownloadTimeout() time.Duration {
	return time.Duration(s.DownloadTimeoutSecs) * time.Second
}

func (i IngestConfig) CallTimeout() time.Duration { return time.Duration(i.CallTimeoutSecs) * time.Second }
