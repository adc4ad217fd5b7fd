// Package service composes ingestion, retrieval and the run journal into the
// operations the CLI, HTTP server and TUI expose.
package service

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"manualrag/internal/config"
	"manualrag/internal/domain"
	"manualrag/internal/indexstore"
	"manualrag/internal/ingest"
	"manualrag/internal/journal"
	"manualrag/internal/retrieval"
)

// Ingester runs exclusive index rebuilds. *ingest.Pipeline implements it.
type Ingester interface {
	Run(ctx context.Context) (*ingest.Result, error)
	Stage() ingest.Stage
}

// Answerer answers questions against the served generation.
// *retrieval.Engine implements it.
type Answerer interface {
	Ask(ctx context.Context, q domain.Question) (*domain.AnswerResult, error)
	Generation(ctx context.Context) (*indexstore.Generation, error)
	Adopt(g *indexstore.Generation)
	Status() domain.Status
}

// RunJournal records ingestion runs. *journal.Journal implements it.
type RunJournal interface {
	Record(ctx context.Context, e journal.Entry) error
	Recent(ctx context.Context, limit int) ([]journal.Entry, error)
}

// Components are the collaborators of a RAGService. Journal may be nil.
type Components struct {
	Pipeline  Ingester
	Engine    Answerer
	Journal   RunJournal
	Embedder  domain.Embedder
	Generator domain.Generator
}

type RAGService struct {
	cfg       *config.AppConfig
	pipeline  Ingester
	engine    Answerer
	journal   RunJournal
	embedder  domain.Embedder
	generator domain.Generator
	log       logrus.FieldLogger
	now       func() time.Time
}

func NewRAGService(cfg *config.AppConfig, c Components, log logrus.FieldLogger) *RAGService {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &RAGService{
		cfg:       cfg,
		pipeline:  c.Pipeline,
		engine:    c.Engine,
		journal:   c.Journal,
		embedder:  c.Embedder,
		generator: c.Generator,
		log:       log.WithField("component", "service"),
		now:       time.Now,
	}
}

// Ingest rebuilds the index, records the run and starts serving the new
// generation in this process. A concurrent run fails with
// domain.ErrIngestionInProgress and is not recorded.
func (s *RAGService) Ingest(ctx context.Context) (*ingest.Result, error) {
	res, err := s.pipeline.Run(ctx)
	if res == nil {
		return nil, err
	}
	if s.journal != nil {
		// the run outlives a cancelled caller; so does its record
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		if jerr := s.journal.Record(rctx, entryFor(res)); jerr != nil {
			s.log.WithError(jerr).WithField("run_id", res.RunID).Warn("could not record ingestion run")
		}
		cancel()
	}
	if err != nil {
		return res, err
	}
	s.engine.Adopt(res.Generation)
	return res, nil
}

func entryFor(res *ingest.Result) journal.Entry {
	e := journal.Entry{
		RunID:      res.RunID,
		StartedAt:  res.Started,
		FinishedAt: res.Finished,
		Stage:      string(res.Stage),
		FailedAt:   string(res.FailedAt),
		Documents:  res.Documents,
		Chunks:     res.Chunks,
		Replicated: res.Report.Replicated,
	}
	if res.Generation != nil {
		e.GenerationID = res.Generation.ID
	}
	if res.Report.ReplicationErr != nil {
		e.ReplicationError = res.Report.ReplicationErr.Error()
	}
	if res.Err != nil {
		e.Error = res.Err.Error()
	}
	return e
}

// Source is one retrieved excerpt as shown to callers.
type Source struct {
	DocumentID string  `json:"document_id"`
	Page       int     `json:"page"`
	Excerpt    string  `json:"excerpt"`
	Score      float64 `json:"score"`
}

type QueryStats struct {
	ProcessingTime     float64 `json:"processing_time"`
	DocumentsRetrieved int     `json:"documents_retrieved"`
	Success            bool    `json:"success"`
	Attempts           int     `json:"attempts"`
}

// Answer is the caller-facing form of a query outcome. Error is set when
// Status is failed; Text is then empty.
type Answer struct {
	Text             string         `json:"answer"`
	Status           domain.Outcome `json:"status"`
	GenerationID     string         `json:"generation_id,omitempty"`
	Sources          []Source       `json:"sources"`
	SourceDocuments  []string       `json:"source_documents"`
	RetrievedContext string         `json:"retrieved_context"`
	Stats            QueryStats     `json:"stats"`
	Error            string         `json:"error,omitempty"`

	Cause error `json:"-"`
}

// Ask answers one question. Invalid questions, a missing index and an
// embedder mismatch come back as errors; generation failures come back as an
// Answer with status failed.
func (s *RAGService) Ask(ctx context.Context, q domain.Question) (*Answer, error) {
	res, err := s.engine.Ask(ctx, q)
	if err != nil {
		return nil, err
	}

	a := &Answer{
		Text:             res.Answer,
		Status:           res.Status,
		GenerationID:     res.GenerationID,
		Sources:          make([]Source, 0, len(res.Retrieval)),
		SourceDocuments:  retrieval.SourceLabels(res.Retrieval),
		RetrievedContext: retrieval.ContextText(res.Retrieval),
		Stats: QueryStats{
			ProcessingTime:     res.Elapsed.Seconds(),
			DocumentsRetrieved: len(res.Retrieval),
			Success:            res.Status != domain.OutcomeFailed,
			Attempts:           res.Attempts,
		},
	}
	for _, r := range res.Retrieval {
		a.Sources = append(a.Sources, Source{
			DocumentID: r.Chunk.DocumentID,
			Page:       r.Chunk.Page,
			Excerpt:    r.Chunk.Text,
			Score:      r.Score,
		})
	}
	if res.Status == domain.OutcomeFailed {
		a.Error = res.Err.Error()
		a.Cause = res.Err
	}
	return a, nil
}

// Run is a journal entry as shown by status.
type Run struct {
	RunID            string    `json:"run_id"`
	StartedAt        time.Time `json:"started_at"`
	FinishedAt       time.Time `json:"finished_at"`
	Stage            string    `json:"stage"`
	FailedAt         string    `json:"failed_at,omitempty"`
	Documents        int       `json:"documents"`
	Chunks           int       `json:"chunks"`
	GenerationID     string    `json:"generation_id,omitempty"`
	Replicated       bool      `json:"replicated"`
	ReplicationError string    `json:"replication_error,omitempty"`
	Error            string    `json:"error,omitempty"`
}

// StatusReport tells whether a generation is loaded and when it was built.
type StatusReport struct {
	Loaded       bool       `json:"loaded"`
	GenerationID string     `json:"generation_id,omitempty"`
	BuiltAt      *time.Time `json:"built_at,omitempty"`
	EmbedderID   string     `json:"embedder_id,omitempty"`
	Chunks       int        `json:"chunks"`
	Digest       string     `json:"digest,omitempty"`
	IngestStage  string     `json:"ingest_stage"`
	LoadError    string     `json:"load_error,omitempty"`
	RecentRuns   []Run      `json:"recent_runs,omitempty"`
}

const recentRuns = 5

// Status loads the generation if none is served yet and reports on it along
// with the latest ingestion runs. A missing index is not an error here.
func (s *RAGService) Status(ctx context.Context) (StatusReport, error) {
	var report StatusReport
	if _, err := s.engine.Generation(ctx); err != nil && !errors.Is(err, domain.ErrIndexNotFound) {
		report.LoadError = err.Error()
	}
	st := s.engine.Status()
	report.Loaded = st.Loaded
	report.GenerationID = st.GenerationID
	report.EmbedderID = st.EmbedderID
	report.Chunks = st.Chunks
	report.Digest = st.Digest
	if st.Loaded {
		built := st.BuiltAt
		report.BuiltAt = &built
	}
	report.IngestStage = string(s.pipeline.Stage())

	if s.journal != nil {
		entries, err := s.journal.Recent(ctx, recentRuns)
		if err != nil {
			return report, err
		}
		for _, e := range entries {
			report.RecentRuns = append(report.RecentRuns, Run(e))
		}
	}
	return report, nil
}

type Component struct {
	Status      string `json:"status"`
	Identity    string `json:"identity,omitempty"`
	VectorCount int    `json:"vector_count,omitempty"`
}

// Health is healthy unless the index exists but cannot be loaded.
type Health struct {
	Status     string               `json:"status"`
	Loaded     bool                 `json:"loaded"`
	Timestamp  time.Time            `json:"timestamp"`
	Components map[string]Component `json:"components"`
	Error      string               `json:"error,omitempty"`
}

func (s *RAGService) Health(ctx context.Context) Health {
	h := Health{
		Status:    "healthy",
		Timestamp: s.now().UTC(),
		Components: map[string]Component{
			"embeddings": {Status: "healthy", Identity: s.embedder.Identity()},
			"llm":        {Status: "healthy", Identity: s.generator.Identity()},
		},
	}
	g, err := s.engine.Generation(ctx)
	switch {
	case err == nil:
		h.Loaded = true
		h.Components["vector_store"] = Component{Status: "healthy", Identity: g.ID, VectorCount: g.Index.Len()}
	case errors.Is(err, domain.ErrIndexNotFound):
		h.Components["vector_store"] = Component{Status: "empty"}
	default:
		h.Status = "unhealthy"
		h.Error = err.Error()
		h.Components["vector_store"] = Component{Status: "unhealthy"}
	}
	return h
}

// SystemInfo summarizes the running configuration.
type SystemInfo struct {
	Config       SystemConfig `json:"config"`
	Loaded       bool         `json:"loaded"`
	GenerationID string       `json:"generation_id,omitempty"`
}

type SystemConfig struct {
	ProjectID         string  `json:"project_id,omitempty"`
	ModelName         string  `json:"model_name"`
	EmbeddingModel    string  `json:"embedding_model"`
	MaxRetrievalDocs  int     `json:"max_retrieval_docs"`
	RelevanceFloor    float64 `json:"relevance_floor"`
	ChunkSize         int     `json:"chunk_size"`
	ChunkOverlap      int     `json:"chunk_overlap"`
	Temperature       float32 `json:"temperature"`
	RemoteEnabled     bool    `json:"use_gcs_vector_store"`
	RemoteBackend     string  `json:"vector_store_backend,omitempty"`
	VectorStoreBucket string  `json:"vector_store_bucket,omitempty"`
	VectorStoreBlob   string  `json:"vector_store_blob"`
	CachePath         string  `json:"db_faiss_path"`
}

func (s *RAGService) SystemInfo() SystemInfo {
	c := s.cfg
	info := SystemInfo{
		Config: SystemConfig{
			ProjectID:        c.ProjectID,
			ModelName:        s.generator.Identity(),
			EmbeddingModel:   s.embedder.Identity(),
			MaxRetrievalDocs: c.Query.MaxResults,
			RelevanceFloor:   c.Query.RelevanceFloor,
			ChunkSize:        c.Chunker.Size,
			ChunkOverlap:     c.Chunker.Overlap,
			Temperature:      c.Generator.Temperature,
			RemoteEnabled:    c.Store.Remote.Enabled,
			VectorStoreBlob:  c.Store.Key,
			CachePath:        c.Store.CacheDir,
		},
	}
	st := s.engine.Status()
	info.Loaded, info.GenerationID = st.Loaded, st.GenerationID
	if c.Store.Remote.Enabled {
		info.Config.RemoteBackend = c.Store.Remote.Backend
		info.Config.VectorStoreBucket = c.Store.Remote.Bucket
	}
	return info
}
