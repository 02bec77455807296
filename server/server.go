// Package server exposes the HTTP control surface of the anchoring process:
// manual job triggers, invoice verification, health, and metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/invanchor/invanchor/daemon"
	"github.com/invanchor/invanchor/log"
	"github.com/invanchor/invanchor/pipeline"
	"github.com/invanchor/invanchor/store"
)

// Triggerer runs a named job on demand. *pipeline.Scheduler satisfies it.
type Triggerer interface {
	Trigger(ctx context.Context, name string, opts pipeline.Options) (pipeline.Result, error)
}

// InvoiceVerifier answers the verification query. *pipeline.Verifier
// satisfies it.
type InvoiceVerifier interface {
	VerifyInvoice(ctx context.Context, id int64) (*pipeline.Verification, error)
}

// HealthReporter reports per-service health. *daemon.Supervisor satisfies it.
type HealthReporter interface {
	Health() map[string]bool
}

// Config holds HTTP server settings.
type Config struct {
	// Addr is the listen address.
	Addr string
	// RequestTimeout bounds job-trigger and verification handlers.
	RequestTimeout time.Duration
}

// DefaultConfig returns the server defaults.
func DefaultConfig() Config {
	return Config{Addr: "127.0.0.1:8080", RequestTimeout: 2 * time.Minute}
}

// Server is the HTTP control surface. It implements daemon.Service.
type Server struct {
	cfg      Config
	trigger  Triggerer
	verifier InvoiceVerifier
	health   HealthReporter
	gatherer prometheus.Gatherer
	logger   *log.Logger

	srv *http.Server
	ln  net.Listener
}

// New builds a Server. Any of trigger, verifier, health, or gatherer may be
// nil; the matching endpoint then reports unavailable.
func New(cfg Config, trigger Triggerer, verifier InvoiceVerifier, health HealthReporter, gatherer prometheus.Gatherer, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	return &Server{
		cfg:      cfg,
		trigger:  trigger,
		verifier: verifier,
		health:   health,
		gatherer: gatherer,
		logger:   logger.Module("http"),
	}
}

func (s *Server) Name() string { return "http" }

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.srv = &http.Server{Handler: s.Handler()}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server stopped", "err", err)
		}
	}()
	s.logger.Info("http server listening", "addr", ln.Addr().String())
	return nil
}

// Stop drains the server gracefully.
func (s *Server) Stop() error {
	if s.srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.srv.Shutdown(ctx)
}

// Addr returns the bound address, useful when cfg.Addr used port 0.
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.cfg.Addr
	}
	return s.ln.Addr().String()
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/jobs/{name}/run", s.handleJobRun)
	mux.HandleFunc("GET /api/v1/invoices/{id}/verify", s.handleVerify)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

// jobRunResponse is the trigger reply.
type jobRunResponse struct {
	Job     string `json:"job"`
	Force   bool   `json:"force"`
	DryRun  bool   `json:"dryRun"`
	Success int    `json:"success"`
	Failure int    `json:"failure"`
	Skipped int    `json:"skipped"`
}

func (s *Server) handleJobRun(w http.ResponseWriter, r *http.Request) {
	if s.trigger == nil {
		httpError(w, http.StatusServiceUnavailable, "scheduler not running")
		return
	}
	name := r.PathValue("name")
	opts := pipeline.Options{
		Force:  parseBool(r.URL.Query().Get("force")),
		DryRun: parseBool(r.URL.Query().Get("dry")),
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()
	res, err := s.trigger.Trigger(ctx, name, opts)
	if err != nil {
		s.logger.Warn("manual job run failed", "job", name, "err", err)
		httpError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, jobRunResponse{
		Job:     name,
		Force:   opts.Force,
		DryRun:  opts.DryRun,
		Success: res.Success,
		Failure: res.Failure,
		Skipped: res.Skipped,
	})
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	if s.verifier == nil {
		httpError(w, http.StatusServiceUnavailable, "verifier not available")
		return
	}
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		httpError(w, http.StatusBadRequest, "invalid invoice id")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()
	res, err := s.verifier.VerifyInvoice(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		httpError(w, http.StatusNotFound, "invoice not found")
		return
	}
	if err != nil {
		s.logger.Error("verification failed", "invoice", id, "err", err)
		httpError(w, http.StatusBadGateway, "verification failed")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	health := s.health.Health()
	status, label := http.StatusOK, "ok"
	for _, running := range health {
		if !running {
			status, label = http.StatusServiceUnavailable, "degraded"
			break
		}
	}
	writeJSON(w, status, map[string]any{
		"status":   label,
		"services": health,
	})
}

func parseBool(s string) bool {
	b, _ := strconv.ParseBool(s)
	return b
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

var _ daemon.Service = (*Server)(nil)
