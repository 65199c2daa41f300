// Package api serves metrics, stored traces and live execution events over
// HTTP.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/odvcencio/planrunner/pkg/blobstore"
	apperrors "github.com/odvcencio/planrunner/pkg/errors"
	"github.com/odvcencio/planrunner/pkg/logging"
	"github.com/odvcencio/planrunner/pkg/storage"
	"github.com/odvcencio/planrunner/pkg/telemetry"
)

// Ledger is the read side of the blob ledger.
type Ledger interface {
	ListBlobs(ctx context.Context, limit int) ([]storage.BlobRecord, error)
	BlobsForTask(ctx context.Context, taskID string) ([]storage.BlobRecord, error)
	LatestBlob(ctx context.Context, taskID, kind string) (*storage.BlobRecord, error)
}

// BlobFetcher reads stored blobs.
type BlobFetcher interface {
	Retrieve(ctx context.Context, blobID string) (*blobstore.RetrieveResult, error)
}

// ServerConfig configures the API server. Every dependency is optional;
// endpoints whose dependency is missing answer 503.
type ServerConfig struct {
	Address string
	Ledger  Ledger
	Blobs   BlobFetcher
	Hub     *telemetry.Hub
	Logger  *logging.Logger
}

// Server is the planrunner HTTP surface.
type Server struct {
	ledger     Ledger
	blobs      BlobFetcher
	hub        *telemetry.Hub
	logger     *logging.Logger
	router     *chi.Mux
	httpServer *http.Server
}

// NewServer builds the router. Call Start to listen.
func NewServer(cfg ServerConfig) *Server {
	if cfg.Address == "" {
		cfg.Address = "127.0.0.1:8088"
	}
	s := &Server{
		ledger: cfg.Ledger,
		blobs:  cfg.Blobs,
		hub:    cfg.Hub,
		logger: cfg.Logger,
	}

	router := chi.NewRouter()
	router.Use(s.withLogging)
	router.Get("/healthz", s.handleHealthz)
	router.Get("/metrics", promhttp.Handler().ServeHTTP)
	router.Route("/traces", func(r chi.Router) {
		r.Get("/", s.handleListTraces)
		r.Get("/{taskID}", s.handleGetTrace)
	})
	router.Get("/events", s.handleEvents)
	s.router = router

	s.httpServer = &http.Server{
		Addr:              cfg.Address,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens until Shutdown. It returns http.ErrServerClosed after a
// graceful shutdown.
func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListTraces(w http.ResponseWriter, r *http.Request) {
	if s.ledger == nil {
		writeError(w, http.StatusServiceUnavailable, "ledger not configured")
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	records, err := s.ledger.ListBlobs(r.Context(), limit)
	if err != nil {
		s.serverError(w, "ledger.list_failed", err)
		return
	}
	if records == nil {
		records = []storage.BlobRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"blobs": records})
}

// TraceResponse pairs a task's ledger rows with its latest stored trace.
type TraceResponse struct {
	TaskID string               `json:"taskId"`
	Blobs  []storage.BlobRecord `json:"blobs"`
	Trace  any                  `json:"trace,omitempty"`
	Error  string               `json:"error,omitempty"`
}

func (s *Server) handleGetTrace(w http.ResponseWriter, r *http.Request) {
	if s.ledger == nil {
		writeError(w, http.StatusServiceUnavailable, "ledger not configured")
		return
	}
	taskID := strings.TrimSpace(chi.URLParam(r, "taskID"))
	records, err := s.ledger.BlobsForTask(r.Context(), taskID)
	if err != nil {
		s.serverError(w, "ledger.lookup_failed", err)
		return
	}
	if len(records) == 0 {
		writeError(w, http.StatusNotFound, "no blobs recorded for task "+taskID)
		return
	}

	latest, err := s.ledger.LatestBlob(r.Context(), taskID, storage.KindTrace)
	if err != nil {
		s.serverError(w, "ledger.lookup_failed", err)
		return
	}

	resp := TraceResponse{TaskID: taskID, Blobs: records}
	switch {
	case latest == nil:
	case s.blobs == nil:
		resp.Error = "blob store not configured"
	default:
		res, err := s.blobs.Retrieve(r.Context(), latest.BlobID)
		if err != nil {
			// The ledger answer is still useful when the aggregator is down.
			resp.Error = err.Error()
		} else {
			resp.Trace = res.Data
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// serverError answers 500 and logs the failure with the stack of the
// structured error, wrapping plain ledger errors as STORAGE.
func (s *Server) serverError(w http.ResponseWriter, event string, err error) {
	structured, ok := apperrors.As(err)
	if !ok {
		structured = apperrors.Wrap(err, apperrors.ErrCodeStorage, "ledger query failed")
	}
	_ = s.logger.Error(logging.CategoryStorage, event, structured.Error(), map[string]any{
		"code":  string(structured.Code),
		"stack": structured.StackTrace(),
	})
	writeError(w, http.StatusInternalServerError, err.Error())
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		_ = s.logger.Debug(logging.CategoryNetwork, "http.request", r.Method+" "+r.URL.Path, map[string]any{
			"remote":      r.RemoteAddr,
			"duration_ms": time.Since(start).Milliseconds(),
		})
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
