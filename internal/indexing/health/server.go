package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vietddude/feewatcher/internal/core/domain"
	"github.com/vietddude/feewatcher/internal/indexing/scanner"
	"github.com/vietddude/feewatcher/internal/infra/storage"
)

// ScannerController starts, stops and inspects chain scanners.
type ScannerController interface {
	StartScanner(ctx context.Context, chainID domain.ChainID) error
	StopScanner(ctx context.Context, chainID domain.ChainID) error
	ScanRange(ctx context.Context, chainID domain.ChainID, from, to uint64) (scanner.ScanResult, error)
	Status(ctx context.Context) ([]scanner.Status, error)
	ScannerStatus(ctx context.Context, chainID domain.ChainID) (scanner.Status, error)
	RequeueFailedGaps(ctx context.Context, chainID domain.ChainID) (int, error)
}

// EventQuerier reads stored fee events.
type EventQuerier interface {
	DistinctIntegrators(ctx context.Context) ([]string, error)
	FindByIntegrator(ctx context.Context, q storage.EventQuery) (*storage.EventPage, error)
}

// ChainRegistry reads and toggles blockchain records.
type ChainRegistry interface {
	Resolve(ctx context.Context, chainID domain.ChainID) (*domain.Blockchain, error)
	List(ctx context.Context) ([]*domain.Blockchain, error)
	SetScanEnabled(ctx context.Context, chainID domain.ChainID, enabled bool) error
	SetActive(ctx context.Context, chainID domain.ChainID, active bool) error
}

// Deps are the services behind the HTTP routes.
type Deps struct {
	Monitor  *Monitor
	Scanners ScannerController
	Events   EventQuerier
	Chains   ChainRegistry
}

// Server provides the health endpoints, metrics and the scanner API.
type Server struct {
	deps   Deps
	server *http.Server
	log    *slog.Logger
	now    func() time.Time
}

// NewServer creates a new server listening on port.
func NewServer(deps Deps, port int) *Server {
	mux := http.NewServeMux()
	s := &Server{
		deps: deps,
		server: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
		log: slog.Default().With("component", "http"),
		now: func() time.Time { return time.Now().UTC() },
	}

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /health/detailed", s.handleDetailed)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /api/v1/scanners", s.handleListScanners)
	mux.HandleFunc("GET /api/v1/scanners/{chainId}", s.handleGetScanner)
	mux.HandleFunc("POST /api/v1/scanners/{chainId}/start", s.handleStartScanner)
	mux.HandleFunc("POST /api/v1/scanners/{chainId}/stop", s.handleStopScanner)
	mux.HandleFunc("POST /api/v1/scanners/{chainId}/scan", s.handleScanRange)
	mux.HandleFunc("POST /api/v1/scanners/{chainId}/gaps/requeue", s.handleRequeueGaps)

	mux.HandleFunc("GET /api/v1/events/integrators", s.handleIntegrators)
	mux.HandleFunc("GET /api/v1/events/{integrator}", s.handleEventsByIntegrator)

	mux.HandleFunc("GET /api/v1/blockchains", s.handleListBlockchains)
	mux.HandleFunc("GET /api/v1/blockchains/{chainId}", s.handleGetBlockchain)
	mux.HandleFunc("POST /api/v1/blockchains/{chainId}/scanning", s.handleSetScanning)
	mux.HandleFunc("POST /api/v1/blockchains/{chainId}/active", s.handleSetActive)

	return s
}

// Handler returns the route handler.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start serves until Stop is called.
func (s *Server) Start() error {
	s.log.Info("http server listening", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.deps.Monitor.CheckHealth(r.Context())

	code := http.StatusOK
	if report.SystemStatus == StatusCritical {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{"status": string(report.SystemStatus)})
}

func (s *Server) handleDetailed(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Monitor.CheckHealth(r.Context()))
}
