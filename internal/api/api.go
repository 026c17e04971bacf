// Package api serves the HTTP surface of EnrollPipe: health, Prometheus
// metrics and the Meta (Messenger/Instagram) webhook.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/BTreeMap/EnrollPipe/internal/messaging"
	"github.com/BTreeMap/EnrollPipe/internal/models"
)

// Server defaults.
const (
	DefaultAddr            = ":8080"
	DefaultDispatchTimeout = 60 * time.Second
	DefaultShutdownTimeout = 10 * time.Second
	readHeaderTimeout      = 5 * time.Second
	maxWebhookBody         = 1 << 20
)

// MetaInbound turns a parsed webhook event into an inbound envelope, fetching
// attachments when needed.
type MetaInbound interface {
	Inbound(ctx context.Context, ev messaging.MetaEvent) (models.InboundMessage, error)
}

// Opts configures a Server.
type Opts struct {
	Meta            MetaInbound
	VerifyToken     string
	AppSecret       string
	Gatherer        prometheus.Gatherer
	DispatchTimeout time.Duration
}

// Option configures a Server.
type Option func(*Opts)

// WithMeta enables the /webhook/meta routes.
func WithMeta(m MetaInbound, verifyToken, appSecret string) Option {
	return func(o *Opts) {
		o.Meta = m
		o.VerifyToken = verifyToken
		o.AppSecret = appSecret
	}
}

// WithGatherer sets the registry served on /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(o *Opts) { o.Gatherer = g }
}

// WithDispatchTimeout bounds how long a webhook event may wait for attachment
// download and queueing.
func WithDispatchTimeout(d time.Duration) Option {
	return func(o *Opts) { o.DispatchTimeout = d }
}

// Server routes HTTP requests. Webhook events are acknowledged immediately and
// delivered to the inbound channel in the background.
type Server struct {
	opts    Opts
	inbound chan<- models.InboundMessage
	router  chi.Router

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewServer(inbound chan<- models.InboundMessage, opts ...Option) *Server {
	cfg := Opts{Gatherer: prometheus.DefaultGatherer, DispatchTimeout: DefaultDispatchTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{opts: cfg, inbound: inbound, baseCtx: ctx, cancel: cancel}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.healthHandler)
	r.Handle("/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))
	if s.opts.Meta != nil {
		r.Get("/webhook/meta", s.metaVerifyHandler)
		r.Post("/webhook/meta", s.metaEventHandler)
	}
	return r
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]string{"service": "enrollpipe"}))
}

// Run listens on addr until ctx is cancelled, then shuts down gracefully and
// waits for in-flight webhook dispatches.
func (s *Server) Run(ctx context.Context, addr string) error {
	if addr == "" {
		addr = DefaultAddr
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("api server: %w", err)
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		s.Close()
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.Close()
	if err != nil {
		return fmt.Errorf("api server shutdown: %w", err)
	}
	slog.Info("Server.Run: stopped")
	return nil
}

// Close cancels pending dispatches and waits for them to return.
func (s *Server) Close() {
	s.cancel()
	s.wg.Wait()
}
