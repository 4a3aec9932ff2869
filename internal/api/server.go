package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lox/croprisk/internal/ingest"
	"github.com/lox/croprisk/internal/ledger"
	"github.com/lox/croprisk/internal/store"
)

// CycleRunner runs one refresh cycle. *ingest.Orchestrator implements it.
type CycleRunner interface {
	RunCycleForCrop(ctx context.Context, fieldID, crop string) (*ingest.CycleResult, error)
}

type Server struct {
	store           *store.Store
	ledger          *ledger.Ledger
	runner          CycleRunner
	addr            string
	shutdownTimeout time.Duration
	clock           clockwork.Clock
	logger          *slog.Logger
}

func NewServer(st *store.Store, l *ledger.Ledger, runner CycleRunner, addr string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Server{
		store:           st,
		ledger:          l,
		runner:          runner,
		addr:            addr,
		shutdownTimeout: 5 * time.Second,
		clock:           clockwork.NewRealClock(),
		logger:          logger,
	}
}

// SetShutdownTimeout bounds how long Run waits for in-flight requests.
func (s *Server) SetShutdownTimeout(d time.Duration) {
	if d > 0 {
		s.shutdownTimeout = d
	}
}

// SetClock replaces the clock that resolves "today" for read endpoints.
func (s *Server) SetClock(clock clockwork.Clock) {
	s.clock = clock
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /api/fields", s.handleListFields)
	mux.HandleFunc("POST /api/fields/{fieldID}/cycle", s.handleRunCycle)
	mux.HandleFunc("GET /api/fields/{fieldID}/incidents/active", s.handleActiveIncident)
	mux.HandleFunc("GET /api/fields/{fieldID}/incidents", s.handleIncidentHistory)
	mux.HandleFunc("GET /api/fields/{fieldID}/weather", s.handleWeather)
	mux.HandleFunc("GET /api/fields/{fieldID}/heatmaps", s.handleHeatmaps)
	mux.HandleFunc("GET /api/fields/{fieldID}/indices/{index}", s.handleIndexHistory)
	mux.HandleFunc("GET /api/fields/{fieldID}/advisory", s.handleAdvisory)
	mux.HandleFunc("GET /api/fields/{fieldID}/runs", s.handleIngestRuns)
	mux.HandleFunc("GET /api/payloads/{id}", s.handleRawPayload)
	return s.logRequests(mux)
}

func (s *Server) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("api: shutdown", "error", err)
		}
	}()

	s.logger.Info("api: listening", "addr", s.addr)
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		if r.URL.Path == "/metrics" || r.URL.Path == "/health" {
			return
		}
		s.logger.Debug("api: request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}
