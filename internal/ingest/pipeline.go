// Package ingest rebuilds the corpus index from scratch and publishes it as
// a new generation.
package ingest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"manualrag/internal/chunker"
	"manualrag/internal/domain"
	"manualrag/internal/indexstore"
	"manualrag/internal/vectorindex"
)

// Stage is a step of an ingestion run.
type Stage string

const (
	StageIdle       Stage = "idle"
	StageLoading    Stage = "loading"
	StageChunking   Stage = "chunking"
	StageEmbedding  Stage = "embedding"
	StageBuilding   Stage = "building"
	StagePublishing Stage = "publishing"
	StageDone       Stage = "done"
	StageFailed     Stage = "failed"
)

// Progress is reported on every stage change and after each embedded batch.
type Progress struct {
	RunID string
	Stage Stage
	Done  int
	Total int
}

// Publisher makes a generation authoritative. *indexstore.Store implements it.
type Publisher interface {
	Publish(ctx context.Context, g *indexstore.Generation) (indexstore.PublishReport, error)
}

// Digester summarizes the loaded corpus.
type Digester interface {
	Digest(docs []domain.Document, maxSentences int) string
}

// Options tune the embedding stage.
type Options struct {
	BatchSize      int
	Concurrency    int
	CallTimeout    time.Duration
	RequestsPerSec float64
	DigestLength   int
}

// Result describes one run. FailedAt is the stage that failed when Stage is
// StageFailed.
type Result struct {
	RunID      string
	Stage      Stage
	FailedAt   Stage
	Documents  int
	Chunks     int
	Generation *indexstore.Generation
	Report     indexstore.PublishReport
	Started    time.Time
	Finished   time.Time
	Err        error
}

// Pipeline composes loader, chunker, embedder, index build and publish.
// Runs are exclusive.
type Pipeline struct {
	loader    domain.DocumentLoader
	chunker   *chunker.Chunker
	embedder  domain.Embedder
	publisher Publisher
	digester  Digester
	opts      Options
	limiter   *rate.Limiter
	log       logrus.FieldLogger

	running sync.Mutex
	stage   atomic.Value

	// OnProgress, when set, may be called from several goroutines at once
	// during the embedding stage.
	OnProgress func(Progress)
}

func New(loader domain.DocumentLoader, ch *chunker.Chunker, embedder domain.Embedder, publisher Publisher, digester Digester, opts Options, log logrus.FieldLogger) *Pipeline {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 32
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = time.Minute
	}
	if opts.DigestLength <= 0 {
		opts.DigestLength = 3
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	p := &Pipeline{
		loader:    loader,
		chunker:   ch,
		embedder:  embedder,
		publisher: publisher,
		digester:  digester,
		opts:      opts,
		limiter:   createLimiter(opts.RequestsPerSec),
		log:       log.WithField("component", "ingest"),
	}
	p.stage.Store(StageIdle)
	return p
}

func createLimiter(perSec float64) *rate.Limiter {
	if perSec <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := int(perSec)
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSec), burst)
}

// Stage returns the stage of the current or most recent run.
func (p *Pipeline) Stage() Stage { return p.stage.Load().(Stage) }

// Run performs a full rebuild. It fails fast with domain.ErrIngestionInProgress
// when another run is active. On failure nothing is published and the
// returned Result records the failing stage.
func (p *Pipeline) Run(ctx context.Context) (*Result, error) {
	if !p.running.TryLock() {
		return nil, domain.ErrIngestionInProgress
	}
	defer p.running.Unlock()

	res := &Result{RunID: uuid.NewString(), Started: time.Now().UTC()}
	log := p.log.WithField("run_id", res.RunID)
	log.Info("ingestion started")

	err := p.run(ctx, res, log)
	res.Finished = time.Now().UTC()
	if err != nil {
		res.FailedAt = res.Stage
		res.Err = err
		p.enter(res, StageFailed, 0, 0)
		log.WithError(err).WithField("stage", res.FailedAt).Error("ingestion failed")
		return res, err
	}
	p.enter(res, StageDone, res.Chunks, res.Chunks)
	log.WithFields(logrus.Fields{
		"generation_id": res.Generation.ID,
		"documents":     res.Documents,
		"chunks":        res.Chunks,
		"elapsed":       res.Finished.Sub(res.Started).String(),
	}).Info("ingestion finished")
	return res, nil
}

func (p *Pipeline) run(ctx context.Context, res *Result, log logrus.FieldLogger) error {
	p.enter(res, StageLoading, 0, 0)
	docs, err := p.loader.Load(ctx)
	if err != nil {
		return fmt.Errorf("load documents: %w", err)
	}
	res.Documents = len(docs)
	log.WithField("documents", len(docs)).Debug("documents loaded")

	p.enter(res, StageChunking, 0, len(docs))
	var chunks []domain.Chunk
	for _, doc := range docs {
		chunks = append(chunks, p.chunker.Chunks(doc)...)
	}
	if len(chunks) == 0 {
		return fmt.Errorf("%w: %d documents yielded no chunks", domain.ErrEmptyCorpus, len(docs))
	}
	res.Chunks = len(chunks)

	p.enter(res, StageEmbedding, 0, len(chunks))
	vectors, err := p.embed(ctx, res, chunks)
	if err != nil {
		return fmt.Errorf("embed chunks: %w", err)
	}

	p.enter(res, StageBuilding, 0, len(chunks))
	ix, err := vectorindex.Build(vectors, chunks)
	if err != nil {
		return fmt.Errorf("build index: %w", err)
	}
	digest := ""
	if p.digester != nil {
		digest = p.digester.Digest(docs, p.opts.DigestLength)
	}
	gen := indexstore.NewGeneration(ix, p.embedder.Identity(), digest)

	p.enter(res, StagePublishing, 0, 1)
	report, err := p.publisher.Publish(ctx, gen)
	if err != nil {
		return err
	}
	res.Generation = gen
	res.Report = report
	return nil
}

// embed fans batches out to the embedder. Each call is bounded by
// CallTimeout and the shared rate limiter.
func (p *Pipeline) embed(ctx context.Context, res *Result, chunks []domain.Chunk) ([][]float32, error) {
	vectors := make([][]float32, len(chunks))
	var done atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.Concurrency)
	for start := 0; start < len(chunks); start += p.opts.BatchSize {
		end := min(start+p.opts.BatchSize, len(chunks))
		g.Go(func() error {
			if err := p.limiter.Wait(gctx); err != nil {
				return err
			}
			texts := make([]string, end-start)
			for i := range texts {
				texts[i] = chunks[start+i].Text
			}
			callCtx, cancel := context.WithTimeout(gctx, p.opts.CallTimeout)
			defer cancel()
			out, err := p.embedder.Embed(callCtx, texts)
			if err != nil {
				return fmt.Errorf("batch %d-%d: %w", start, end, err)
			}
			if len(out) != len(texts) {
				return fmt.Errorf("batch %d-%d: got %d vectors", start, end, len(out))
			}
			copy(vectors[start:end], out)
			n := done.Add(int64(len(texts)))
			p.report(res.RunID, StageEmbedding, int(n), len(chunks))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return vectors, nil
}

func (p *Pipeline) enter(res *Result, s Stage, done, total int) {
	res.Stage = s
	p.stage.Store(s)
	p.report(res.RunID, s, done, total)
}

func (p *Pipeline) report(runID string, s Stage, done, total int) {
	if p.OnProgress != nil {
		p.OnProgress(Progress{RunID: runID, Stage: s, Done: done, Total: total})
	}
}
