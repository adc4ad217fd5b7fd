// Package retrieval answers questions from the current index generation.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"manualrag/internal/domain"
	"manualrag/internal/indexstore"
)

// MaxResultsLimit bounds the retrieval count.
const MaxResultsLimit = 20

// Source hands out index generations. *indexstore.Store implements it.
type Source interface {
	Load(ctx context.Context, refresh bool) (*indexstore.Generation, error)
}

// Config holds the query settings. Zero durations disable the matching
// bound.
type Config struct {
	MaxResults        int
	RelevanceFloor    float64
	Temperature       float32
	QueryTimeout      time.Duration
	GenerationTimeout time.Duration
	RefreshInterval   time.Duration
	// RefreshTimeout bounds a background refresh; zero falls back to
	// RefreshInterval.
	RefreshTimeout time.Duration
	Retry          RetryPolicy
}

type Option func(*Engine)

func WithLogger(log logrus.FieldLogger) Option {
	return func(e *Engine) { e.log = log }
}

func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(e *Engine) { e.meterProvider = mp }
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Engine) { e.tracer = tp.Tracer(instrumentationName) }
}

const (
	freshNone int32 = iota
	// reread the local cache
	freshLocal
	// pull from the remote store
	freshRemote
)

// Engine runs the per-query flow. The current generation is held in an
// atomic pointer: readers take one snapshot per query and a reload swaps in
// a new generation without touching the old one.
type Engine struct {
	source    Source
	embedder  domain.Embedder
	generator domain.Generator
	cfg       Config

	current    atomic.Pointer[indexstore.Generation]
	loadedAt   atomic.Int64
	invalid    atomic.Int32
	refreshing atomic.Bool

	log           logrus.FieldLogger
	meterProvider metric.MeterProvider
	metrics       *metrics
	tracer        trace.Tracer
	now           func() time.Time
}

func New(source Source, embedder domain.Embedder, generator domain.Generator, cfg Config, opts ...Option) (*Engine, error) {
	if cfg.MaxResults < 1 || cfg.MaxResults > MaxResultsLimit {
		return nil, fmt.Errorf("%w: max results must be in 1..%d, got %d", domain.ErrInvalidConfiguration, MaxResultsLimit, cfg.MaxResults)
	}
	if cfg.Retry.MaxAttempts < 1 {
		return nil, fmt.Errorf("%w: retry attempts must be at least 1", domain.ErrInvalidConfiguration)
	}
	e := &Engine{
		source:        source,
		embedder:      embedder,
		generator:     generator,
		cfg:           cfg,
		log:           logrus.StandardLogger(),
		meterProvider: otel.GetMeterProvider(),
		tracer:        otel.GetTracerProvider().Tracer(instrumentationName),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = e.log.WithField("component", "retrieval")
	m, err := newMetrics(e.meterProvider)
	if err != nil {
		return nil, fmt.Errorf("create metrics: %w", err)
	}
	e.metrics = m
	return e, nil
}

// Ask answers one question. Index, embedder and argument problems come back
// as errors; a generation failure comes back as a result with status failed.
func (e *Engine) Ask(ctx context.Context, q domain.Question) (*domain.AnswerResult, error) {
	start := e.now()
	text := strings.TrimSpace(q.Text)
	if text == "" {
		return nil, fmt.Errorf("%w: question is empty", domain.ErrInvalidArgument)
	}
	k := e.cfg.MaxResults
	if q.MaxResults != 0 {
		if q.MaxResults < 1 || q.MaxResults > MaxResultsLimit {
			return nil, fmt.Errorf("%w: max results must be in 1..%d, got %d", domain.ErrInvalidArgument, MaxResultsLimit, q.MaxResults)
		}
		k = q.MaxResults
	}

	if e.cfg.QueryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.QueryTimeout)
		defer cancel()
	}
	ctx, span := e.tracer.Start(ctx, "retrieval.Ask", trace.WithAttributes(attribute.Int("retrieval.k", k)))
	defer span.End()

	res, err := e.ask(ctx, text, k)
	elapsed := e.now().Sub(start)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.log.WithError(err).Error("query failed")
		return nil, err
	}
	res.Elapsed = elapsed
	e.metrics.record(ctx, res.Status, res.Attempts, elapsed)
	span.SetAttributes(
		attribute.String("retrieval.outcome", string(res.Status)),
		attribute.String("retrieval.generation_id", res.GenerationID),
		attribute.Int("retrieval.attempts", res.Attempts),
	)
	log := e.log.WithFields(logrus.Fields{
		"generation_id": res.GenerationID,
		"status":        res.Status,
		"attempts":      res.Attempts,
		"retrieved":     len(res.Retrieval),
		"elapsed":       elapsed.String(),
	})
	if res.Status == domain.OutcomeFailed {
		span.SetStatus(codes.Error, res.Err.Error())
		log.WithError(res.Err).Error("answer generation failed")
	} else {
		log.Info("query answered")
	}
	return res, nil
}

func (e *Engine) ask(ctx context.Context, text string, k int) (*domain.AnswerResult, error) {
	g, err := e.Generation(ctx)
	if err != nil {
		return nil, err
	}
	if id := e.embedder.Identity(); g.EmbedderID != id {
		return nil, fmt.Errorf("%w: generation %s was built with %q, queries use %q", domain.ErrEmbedderMismatch, g.ID, g.EmbedderID, id)
	}

	vecs, err := e.embedder.Embed(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("embed question: %w", err)
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("embed question: got %d vectors", len(vecs))
	}
	if len(vecs[0]) != g.Index.Dimension() {
		return nil, fmt.Errorf("%w: %w: query vector has %d dimensions, generation has %d",
			domain.ErrEmbedderMismatch, domain.ErrDimensionMismatch, len(vecs[0]), g.Index.Dimension())
	}
	results, err := g.Index.Search(vecs[0], k)
	if err != nil {
		return nil, err
	}

	res := &domain.AnswerResult{Retrieval: results, GenerationID: g.ID, Status: domain.OutcomeSuccess}
	if !e.relevant(results) {
		res.Status = domain.OutcomeDegradedNoContext
	}

	prompt := BuildPrompt(text, results)
	var answer string
	attempts, err := e.cfg.Retry.Do(ctx, func(ctx context.Context, attempt int) error {
		a, err := e.generate(ctx, prompt)
		if err != nil {
			if attempt < e.cfg.Retry.MaxAttempts && ctx.Err() == nil && IsRetryable(e.cfg.Retry, err) {
				e.log.WithError(err).WithField("attempt", attempt).Warn("generation attempt failed; retrying")
			}
			return err
		}
		answer = a
		return nil
	})
	res.Attempts = attempts
	if err != nil {
		if ctx.Err() != nil {
			err = fmt.Errorf("%w after %d attempts: %w", domain.ErrQueryTimeout, attempts, err)
		}
		res.Status = domain.OutcomeFailed
		res.Err = err
		return res, nil
	}
	res.Answer = answer
	return res, nil
}

// generate runs one attempt under the per-attempt timeout. Running out of
// that timeout is transient; running out of the query deadline is not.
func (e *Engine) generate(ctx context.Context, prompt string) (string, error) {
	actx := ctx
	if e.cfg.GenerationTimeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, e.cfg.GenerationTimeout)
		defer cancel()
	}
	answer, err := e.generator.Generate(actx, prompt, e.cfg.Temperature)
	if err == nil {
		return answer, nil
	}
	var ge *domain.GenerationError
	if !errors.As(err, &ge) && ctx.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded) {
		return "", &domain.GenerationError{Provider: e.generator.Identity(), Retryable: true, Cause: err}
	}
	return "", err
}

// IsRetryable applies the policy classifier, defaulting to IsTransient.
func IsRetryable(p RetryPolicy, err error) bool {
	if p.Retryable != nil {
		return p.Retryable(err)
	}
	return IsTransient(err)
}

func (e *Engine) relevant(results []domain.SearchResult) bool {
	for _, r := range results {
		if r.Score >= e.cfg.RelevanceFloor {
			return true
		}
	}
	return false
}
