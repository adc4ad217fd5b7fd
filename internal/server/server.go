// Package server exposes the question/answer boundary over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/sirupsen/logrus"

	"manualrag/internal/config"
	"manualrag/internal/domain"
	"manualrag/internal/ingest"
	"manualrag/internal/service"
)

const maxBodyBytes = 64 << 10

// Backend is what the HTTP surface needs. *service.RAGService implements it.
type Backend interface {
	Ask(ctx context.Context, q domain.Question) (*service.Answer, error)
	Ingest(ctx context.Context) (*ingest.Result, error)
	Status(ctx context.Context) (service.StatusReport, error)
	Health(ctx context.Context) service.Health
	SystemInfo() service.SystemInfo
}

// QueryRequest is the body of POST /query.
type QueryRequest struct {
	Text       string `json:"text"`
	MaxResults int    `json:"max_results,omitempty"`
}

// ErrorResponse is returned with every non-2xx status.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// IngestResponse summarizes a finished ingestion run.
type IngestResponse struct {
	RunID            string  `json:"run_id"`
	GenerationID     string  `json:"generation_id"`
	Documents        int     `json:"documents"`
	Chunks           int     `json:"chunks"`
	Replicated       bool    `json:"replicated"`
	ReplicationError string  `json:"replication_error,omitempty"`
	Elapsed          float64 `json:"elapsed"`
}

type Server struct {
	cfg     config.ServerConfig
	backend Backend
	log     logrus.FieldLogger
	router  chi.Router
}

func NewServer(cfg config.ServerConfig, backend Backend, log logrus.FieldLogger) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	s := &Server{cfg: cfg, backend: backend, log: log.WithField("component", "server")}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)
	if len(cfg.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type"},
			MaxAge:         300,
		}))
	}

	r.Post("/query", s.handleQuery)
	r.Post("/ingest", s.handleIngest)
	r.Get("/status", s.handleStatus)
	r.Get("/health", s.handleHealth)
	r.Get("/system-info", s.handleSystemInfo)
	s.router = r
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

// Run serves until ctx is done, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		s.log.WithField("addr", s.cfg.Addr).Info("listening")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req QueryRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "request body must be JSON with a text field")
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "Query text cannot be empty")
		return
	}

	ans, err := s.backend.Ask(r.Context(), domain.Question{Text: req.Text, MaxResults: req.MaxResults})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	status := http.StatusOK
	if ans.Status == domain.OutcomeFailed {
		status = http.StatusBadGateway
		if errors.Is(ans.Cause, domain.ErrQueryTimeout) {
			status = http.StatusGatewayTimeout
		}
	}
	writeJSON(w, status, ans)
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	res, err := s.backend.Ingest(r.Context())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	resp := IngestResponse{
		RunID:      res.RunID,
		Documents:  res.Documents,
		Chunks:     res.Chunks,
		Replicated: res.Report.Replicated,
		Elapsed:    res.Finished.Sub(res.Started).Seconds(),
	}
	if res.Generation != nil {
		resp.GenerationID = res.Generation.ID
	}
	if res.Report.ReplicationErr != nil {
		resp.ReplicationError = res.Report.ReplicationErr.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	report, err := s.backend.Status(r.Context())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// handleHealth always answers 200; the body says whether the service is usable.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.backend.Health(r.Context()))
}

func (s *Server) handleSystemInfo(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.backend.SystemInfo())
}

func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
	case errors.Is(err, domain.ErrIndexNotFound):
		writeError(w, http.StatusServiceUnavailable, "index_not_found", "no index has been built yet")
	case errors.Is(err, domain.ErrEmbedderMismatch):
		writeError(w, http.StatusConflict, "embedder_mismatch", err.Error())
	case errors.Is(err, domain.ErrIngestionInProgress):
		writeError(w, http.StatusConflict, "ingestion_in_progress", "an ingestion run is already in progress")
	case errors.Is(err, domain.ErrEmptyCorpus):
		writeError(w, http.StatusUnprocessableEntity, "empty_corpus", err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "timeout", "request timed out")
	default:
		s.log.WithError(err).Error("request failed")
		writeError(w, http.StatusInternalServerError, "internal", "Internal server error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg, Code: code})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.WithFields(logrus.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"elapsed":    time.Since(start).String(),
			"request_id": middleware.GetReqID(r.Context()),
		}).Debug("request")
	})
}
