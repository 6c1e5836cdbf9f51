// Package status serves the read-only status surface of a running pipeline:
// health, run progress, failure statistics and Prometheus metrics.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/job-scorer/internal/executor"
	"github.com/sells-group/job-scorer/internal/ledger"
	"github.com/sells-group/job-scorer/internal/model"
	"github.com/sells-group/job-scorer/internal/pipeline"
)

// PipelineStatus is implemented by *pipeline.Pipeline.
type PipelineStatus interface {
	Status() pipeline.Status
}

// ExecutorStats is implemented by *executor.Registry.
type ExecutorStats interface {
	Stats() []executor.Stats
}

// BreakerStates is implemented by *resilience.BreakerRegistry.
type BreakerStates interface {
	States() map[string]string
}

// FailureReader is the read side of the failure ledger.
type FailureReader interface {
	ledger.Lister
	Stats(ctx context.Context) (*model.FailureStats, error)
}

// Deps are the sources the server reads from. Nil sources are omitted from
// responses.
type Deps struct {
	Pipeline  PipelineStatus
	Executors ExecutorStats
	Breakers  BreakerStates
	Failures  FailureReader
	Gatherer  prometheus.Gatherer
}

// Config configures the listener.
type Config struct {
	Addr           string
	AllowedOrigins []string
}

// Response is the body of GET /status.
type Response struct {
	Pipeline  *pipeline.Status  `json:"pipeline,omitempty"`
	Executors []executor.Stats  `json:"executors,omitempty"`
	Breakers  map[string]string `json:"breakers,omitempty"`
	Time      time.Time         `json:"time"`
}

// Server is the status HTTP server.
type Server struct {
	cfg    Config
	deps   Deps
	router chi.Router
}

// New builds the router.
func New(cfg Config, deps Deps) *Server {
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}
	s := &Server{cfg: cfg, deps: deps}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	r.Get("/status", s.handleStatus)
	r.Route("/failures", func(r chi.Router) {
		r.Get("/", s.handleFailures)
		r.Get("/stats", s.handleFailureStats)
	})
	if deps.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}
	s.router = r
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		zap.L().Info("status: listening", zap.String("addr", s.cfg.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return eris.Wrap(err, "status: listen")
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		zap.L().Info("status: shutting down")
		return eris.Wrap(srv.Shutdown(shutdownCtx), "status: shutdown")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := Response{Time: time.Now().UTC()}
	if s.deps.Pipeline != nil {
		st := s.deps.Pipeline.Status()
		resp.Pipeline = &st
	}
	if s.deps.Executors != nil {
		resp.Executors = s.deps.Executors.Stats()
	}
	if s.deps.Breakers != nil {
		resp.Breakers = s.deps.Breakers.States()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleFailureStats(w http.ResponseWriter, r *http.Request) {
	if s.deps.Failures == nil {
		writeError(w, http.StatusServiceUnavailable, "failure ledger not configured")
		return
	}
	stats, err := s.deps.Failures.Stats(r.Context())
	if err != nil {
		zap.L().Error("status: failure stats", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failure stats unavailable")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleFailures(w http.ResponseWriter, r *http.Request) {
	if s.deps.Failures == nil {
		writeError(w, http.StatusServiceUnavailable, "failure ledger not configured")
		return
	}
	filter, err := parseFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	recs, err := s.deps.Failures.List(r.Context(), filter)
	if err != nil {
		zap.L().Error("status: list failures", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failure list unavailable")
		return
	}
	if recs == nil {
		recs = []model.FailureRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

// parseFilter reads stage, error_kind, min_failures, item_id and limit query
// parameters.
func parseFilter(r *http.Request) (model.FailureFilter, error) {
	q := r.URL.Query()
	var f model.FailureFilter
	if v := q.Get("stage"); v != "" {
		st := model.Stage(v)
		if st.Index() < 0 {
			return f, eris.Errorf("unknown stage %q", v)
		}
		f.Stage = st
	}
	if v := q.Get("error_kind"); v != "" {
		k, err := model.ParseErrorKind(v)
		if err != nil {
			return f, err
		}
		f.ErrorKind = k
	}
	if v := q.Get("min_failures"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, eris.Errorf("invalid min_failures %q", v)
		}
		f.MinFailures = n
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, eris.Errorf("invalid limit %q", v)
		}
		f.Limit = n
	}
	f.ItemIDs = q["item_id"]
	return f, nil
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Debug("status: request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Debug("status: write response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
