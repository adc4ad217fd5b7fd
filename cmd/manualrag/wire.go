package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"manualrag/internal/blobstore"
	"manualrag/internal/blobstore/dir"
	"manualrag/internal/blobstore/gcs"
	"manualrag/internal/blobstore/s3"
	"manualrag/internal/chunker"
	"manualrag/internal/config"
	"manualrag/internal/domain"
	"manualrag/internal/embedding/hashing"
	embedopenai "manualrag/internal/embedding/openai"
	"manualrag/internal/generation/anthropic"
	genopenai "manualrag/internal/generation/openai"
	"manualrag/internal/indexstore"
	"manualrag/internal/ingest"
	"manualrag/internal/journal"
	"manualrag/internal/loader"
	"manualrag/internal/logging"
	"manualrag/internal/retrieval"
	"manualrag/internal/service"
	"manualrag/internal/summarizer"
)

// app holds the assembled components for one command invocation.
type app struct {
	cfg      *config.AppConfig
	log      *logrus.Logger
	remote   blobstore.Bucket
	store    *indexstore.Store
	journal  *journal.Journal
	pipeline *ingest.Pipeline
	engine   *retrieval.Engine
	svc      *service.RAGService
}

// newApp loads configuration and assembles every component. Commands that
// never generate answers pass needGenerator=false so a missing model key
// does not stop them.
func newApp(ctx context.Context, cfgPath string, needGenerator bool) (*app, error) {
	cfg, err := loadConfig(cfgPath)
	if err != nil {
		return nil, err
	}
	log, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, log: log}
	ok := false
	defer func() {
		if !ok {
			_ = a.Close()
		}
	}()

	if cfg.Store.Remote.Enabled {
		if a.remote, err = openRemote(ctx, cfg.Store.Remote); err != nil {
			return nil, err
		}
	}
	a.store, err = indexstore.New(indexstore.Config{
		CacheDir:    cfg.Store.CacheDir,
		Key:         cfg.Store.Key,
		Remote:      a.remote,
		LoadTimeout: cfg.Store.DownloadTimeout(),
	}, log)
	if err != nil {
		return nil, err
	}
	if err := a.store.CleanTemp(); err != nil {
		log.WithError(err).Warn("could not remove leftover temp files")
	}

	a.journal = journal.New(cfg.Journal.Path)
	if err := a.journal.Init(ctx); err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	embedder, err := newEmbedder(cfg.Embedder, os.Getenv)
	if err != nil {
		return nil, err
	}
	generator, err := newGenerator(cfg.Generator, os.Getenv)
	if err != nil {
		if needGenerator || !errors.Is(err, domain.ErrInvalidConfiguration) {
			return nil, err
		}
		generator = unconfiguredGenerator{identity: cfg.Generator.Type + "/" + cfg.Generator.Model, err: err}
	}

	src, err := newLoader(cfg.Corpus, a.remote)
	if err != nil {
		return nil, err
	}
	ch, err := chunker.New(cfg.Chunker.Size, cfg.Chunker.Overlap)
	if err != nil {
		return nil, err
	}
	a.pipeline = ingest.New(src, ch, embedder, a.store, summarizer.NewFrequencySummarizer(), ingest.Options{
		BatchSize:      cfg.Ingest.BatchSize,
		Concurrency:    cfg.Ingest.Concurrency,
		CallTimeout:    cfg.Ingest.CallTimeout(),
		RequestsPerSec: cfg.Ingest.RequestsPerSec,
		DigestLength:   cfg.Ingest.DigestSentences,
	}, log)

	a.engine, err = retrieval.New(a.store, embedder, generator, engineConfig(cfg), retrieval.WithLogger(log))
	if err != nil {
		return nil, err
	}
	a.svc = service.NewRAGService(cfg, service.Components{
		Pipeline:  a.pipeline,
		Engine:    a.engine,
		Journal:   a.journal,
		Embedder:  embedder,
		Generator: generator,
	}, log)
	ok = true
	return a, nil
}

func loadConfig(path string) (*config.AppConfig, error) {
	if path == "" {
		cfg, _, err := config.LoadDefault()
		return cfg, err
	}
	return config.Load(path)
}

func (a *app) Close() error {
	var errs []error
	if a.journal != nil {
		errs = append(errs, a.journal.Close())
	}
	if a.remote != nil {
		errs = append(errs, a.remote.Close())
	}
	return errors.Join(errs...)
}

// watchCache invalidates the served generation whenever another process
// swaps a new one into the local cache. It returns when ctx is done.
func (a *app) watchCache(ctx context.Context) {
	w, err := a.store.Watch()
	if err != nil {
		a.log.WithError(err).Warn("cache watcher disabled")
		return
	}
	go func() {
		if err := w.Run(ctx, func() { a.engine.Invalidate(false) }); err != nil {
			a.log.WithError(err).Warn("cache watcher stopped")
		}
	}()
}

func engineConfig(cfg *config.AppConfig) retrieval.Config {
	retry := retrieval.DefaultRetryPolicy()
	retry.MaxAttempts = cfg.Query.MaxAttempts
	retry.BaseDelay = cfg.Query.BaseDelay()
	retry.MaxDelay = cfg.Query.MaxDelay()
	retry.Jitter = cfg.Query.Jitter
	return retrieval.Config{
		MaxResults:        cfg.Query.MaxResults,
		RelevanceFloor:    cfg.Query.RelevanceFloor,
		Temperature:       cfg.Generator.Temperature,
		QueryTimeout:      cfg.Query.QueryTimeout(),
		GenerationTimeout: cfg.Query.GenerationTimeout(),
		RefreshInterval:   cfg.Query.RefreshInterval(),
		RefreshTimeout:    cfg.Store.DownloadTimeout(),
		Retry:             retry,
	}
}

func openRemote(ctx context.Context, cfg config.RemoteConfig) (blobstore.Bucket, error) {
	var (
		b   blobstore.Bucket
		err error
	)
	switch cfg.Backend {
	case "gcs":
		b, err = nilIfErr(gcs.New(ctx, cfg.Bucket))
	case "s3":
		b, err = nilIfErr(s3.New(ctx, s3.Config{
			Bucket:       cfg.Bucket,
			Region:       cfg.Region,
			Endpoint:     cfg.Endpoint,
			UsePathStyle: cfg.PathStyle,
		}))
	case "dir":
		b, err = nilIfErr(dir.New(cfg.Dir))
	default:
		err = fmt.Errorf("%w: unknown remote backend %q", domain.ErrInvalidConfiguration, cfg.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s remote store: %w", cfg.Backend, err)
	}
	return b, nil
}

// nilIfErr keeps a failed constructor from yielding a non-nil interface
// around a nil pointer.
func nilIfErr[T blobstore.Bucket](b T, err error) (blobstore.Bucket, error) {
	if err != nil {
		return nil, err
	}
	return b, nil
}

func newLoader(cfg config.CorpusConfig, remote blobstore.Bucket) (domain.DocumentLoader, error) {
	switch cfg.Source {
	case "dir":
		return loader.DirSource{Root: cfg.Dir}, nil
	case "bucket":
		if remote == nil {
			return nil, fmt.Errorf("%w: bucket corpus needs a remote store", domain.ErrInvalidConfiguration)
		}
		return loader.BucketSource{Bucket: remote, Prefix: cfg.Prefix}, nil
	default:
		return nil, fmt.Errorf("%w: unknown corpus source %q", domain.ErrInvalidConfiguration, cfg.Source)
	}
}

func newEmbedder(cfg config.EmbedderConfig, getenv func(string) string) (domain.Embedder, error) {
	switch cfg.Type {
	case "hashing", "":
		return hashing.New(cfg.Dimension), nil
	case "openai":
		if cfg.OpenAI == nil {
			return nil, fmt.Errorf("%w: openai embedder config missing", domain.ErrInvalidConfiguration)
		}
		o := cfg.OpenAI
		c, err := embedopenai.NewClient(embedopenai.Config{
			BaseURL:    o.BaseURL,
			APIKey:     getenv(o.APIKeyEnv),
			Model:      o.Model,
			Dimensions: o.Dimensions,
			BatchSize:  o.BatchSize,
			Timeout:    time.Duration(o.TimeoutSecs) * time.Second,
		})
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, fmt.Errorf("%w: unknown embedder %q", domain.ErrInvalidConfiguration, cfg.Type)
	}
}

func newGenerator(cfg config.GeneratorConfig, getenv func(string) string) (domain.Generator, error) {
	switch cfg.Type {
	case "openai", "":
		g, err := genopenai.New(genopenai.Config{
			BaseURL:   cfg.BaseURL,
			APIKey:    getenv(cfg.APIKeyEnv),
			Model:     cfg.Model,
			MaxTokens: cfg.MaxTokens,
		})
		if err != nil {
			return nil, err
		}
		return g, nil
	case "anthropic":
		g, err := anthropic.New(anthropic.Config{
			BaseURL:   cfg.BaseURL,
			APIKey:    getenv(cfg.APIKeyEnv),
			Model:     cfg.Model,
			MaxTokens: cfg.MaxTokens,
		})
		if err != nil {
			return nil, err
		}
		return g, nil
	default:
		return nil, fmt.Errorf("%w: unknown generator %q", domain.ErrInvalidConfiguration, cfg.Type)
	}
}

// unconfiguredGenerator stands in for a generator whose credentials are
// missing, for commands that only ingest or report.
type unconfiguredGenerator struct {
	identity string
	err      error
}

func (g unconfiguredGenerator) Identity() string { return g.identity }

func (g unconfiguredGenerator) Generate(context.Context, string, float32) (string, error) {
	return "", &domain.GenerationError{Provider: g.identity, Cause: g.err}
}
