// Package api exposes FlowPipe over HTTP: Twilio webhooks, bulk flow starts,
// active flow lookups, health and Prometheus metrics.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/BTreeMap/FlowPipe/internal/flow"
	"github.com/BTreeMap/FlowPipe/internal/metrics"
	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/twiliowhatsapp"
)

// DefaultAddr is the listen address used when none is configured.
const DefaultAddr = ":8080"

// FlowService is the part of the dispatcher the HTTP surface drives.
type FlowService interface {
	HandleInbound(ctx context.Context, msg flow.InboundMessage) (flow.InboundResult, error)
	HandleStatus(ctx context.Context, messageSid, status string) error
	BulkStart(ctx context.Context, req flow.BulkRequest) (flow.BulkResult, error)
	GetActiveFlow(ctx context.Context, userID string) (*models.FlowState, error)
}

// Opts holds configuration for the HTTP server.
type Opts struct {
	Addr      string
	Validator *twiliowhatsapp.SignatureValidator
	Metrics   *metrics.Metrics
	Gatherer  prometheus.Gatherer
	// PublicURL replaces scheme and host when rebuilding the URL Twilio signed.
	PublicURL string
}

// Option configures the server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithSignatureValidator enables X-Twilio-Signature checks on the webhooks.
func WithSignatureValidator(v *twiliowhatsapp.SignatureValidator) Option {
	return func(o *Opts) { o.Validator = v }
}

// WithMetrics records webhook outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Opts) { o.Metrics = m }
}

// WithGatherer sets the registry served on /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(o *Opts) { o.Gatherer = g }
}

// WithPublicURL sets the externally visible base URL, e.g. https://flows.example.org.
func WithPublicURL(u string) Option {
	return func(o *Opts) { o.PublicURL = u }
}

// Server serves the FlowPipe HTTP surface.
type Server struct {
	flows     FlowService
	validator *twiliowhatsapp.SignatureValidator
	metrics   *metrics.Metrics
	gatherer  prometheus.Gatherer
	publicURL string
	addr      string
	router    chi.Router
	http      *http.Server
	listener  net.Listener
}

// NewServer builds the router around flows.
func NewServer(flows FlowService, opts ...Option) (*Server, error) {
	if flows == nil {
		return nil, errors.New("api: flow service is required")
	}
	cfg := Opts{Addr: DefaultAddr}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		flows:     flows,
		validator: cfg.Validator,
		metrics:   cfg.Metrics,
		gatherer:  cfg.Gatherer,
		publicURL: cfg.PublicURL,
		addr:      cfg.Addr,
	}
	s.router = s.routes()
	return s, nil
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.healthHandler)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	r.Route("/webhooks/twilio", func(r chi.Router) {
		r.Use(s.requireTwilioSignature)
		r.Post("/message", s.inboundHandler)
		r.Post("/status", s.statusHandler)
	})

	r.Route("/flows", func(r chi.Router) {
		r.Post("/bulk", s.bulkHandler)
		r.Get("/active/{userID}", s.activeFlowHandler)
	})
	return r
}

// Handler returns the router, for tests and for embedding in another server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on the configured address and serves until Shutdown. It
// returns once the listener is bound.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}
	s.listener = ln
	s.http = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	slog.Info("Server.Start: listening", "addr", ln.Addr().String())
	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server.Start: serve failed", "error", err)
		}
	}()
	return nil
}

// Addr is the bound listen address once Start has returned, otherwise the
// configured one.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	slog.Info("Server.Shutdown: shutting down HTTP server")
	return s.http.Shutdown(ctx)
}
