// Package api provides HTTP handlers and the main API server for Secretaria.
//
// It exposes the inbound WhatsApp webhook, the payment-provider callback, and
// a small staff surface for direct sends and pre-registrations.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/saudezap/secretaria/internal/extract"
	"github.com/saudezap/secretaria/internal/flow"
	"github.com/saudezap/secretaria/internal/inbound"
	"github.com/saudezap/secretaria/internal/intake"
	"github.com/saudezap/secretaria/internal/messaging"
	"github.com/saudezap/secretaria/internal/outbound"
	"github.com/saudezap/secretaria/internal/store"
)

// Constants for API server configuration
const (
	// DefaultAddr is the default listen address for the HTTP server.
	DefaultAddr = ":8080"
	// DefaultShutdownTimeout bounds graceful shutdown.
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultSecretHeader carries the shared webhook secret when no other
	// header name is configured.
	DefaultSecretHeader = "X-Webhook-Secret"
)

// Opts holds configuration options for the API server.
type Opts struct {
	Addr          string
	WebhookSecret string // shared secret required on webhook and staff endpoints
	SecretHeader  string // header name carrying the shared secret
	Debug         bool   // enables the /admin surface
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the HTTP listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) {
		o.Addr = addr
	}
}

// WithWebhookSecret requires the shared secret header on webhook and staff endpoints.
func WithWebhookSecret(secret string) Option {
	return func(o *Opts) {
		o.WebhookSecret = secret
	}
}

// WithSecretHeader overrides the header name the shared secret is read from.
func WithSecretHeader(name string) Option {
	return func(o *Opts) {
		if name != "" {
			o.SecretHeader = name
		}
	}
}

// WithDebug enables the /admin endpoints.
func WithDebug(debug bool) Option {
	return func(o *Opts) {
		o.Debug = debug
	}
}

// Server wires the inbound pipeline behind HTTP endpoints.
type Server struct {
	opts       Opts
	regs       store.RegistrationStore
	msgService messaging.Service
	pipeline   *intake.Pipeline
	httpServer *http.Server
}

// NewServer creates an API server over the given pipeline components.
func NewServer(regs store.RegistrationStore, msgService messaging.Service, guard *inbound.Guard, extractor extract.Extractor, engine *flow.Engine, dispatcher *outbound.Dispatcher, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr, SecretHeader: DefaultSecretHeader}
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("Server options set", "addr", cfg.Addr, "secret_set", cfg.WebhookSecret != "", "secret_header", cfg.SecretHeader, "debug", cfg.Debug)
	return &Server{
		opts:       cfg,
		regs:       regs,
		msgService: msgService,
		pipeline:   intake.NewPipeline(regs, guard, extractor, engine, dispatcher),
	}
}

// Pipeline exposes the shared inbound pipeline so transport event bridges can
// feed the same path the webhook uses.
func (s *Server) Pipeline() *intake.Pipeline {
	return s.pipeline
}

// Handler builds the HTTP routing table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/webhook/inbound", s.requireSecret(s.inboundHandler))
	mux.HandleFunc("/webhook/entrada", s.requireSecret(s.inboundHandler))
	mux.HandleFunc("/webhook/payment-callback", s.requireSecret(s.paymentCallbackHandler))
	mux.HandleFunc("/webhook/ping", s.pingHandler)
	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/api/send", s.requireSecret(s.sendHandler))
	mux.HandleFunc("/api/register", s.requireSecret(s.registerHandler))
	// Twilio posts form-encoded callbacks and cannot set custom headers, so
	// its route sits outside the shared-secret middleware.
	if twilioSvc, ok := s.msgService.(*messaging.TwilioService); ok {
		mux.HandleFunc("/webhook/twilio", twilioSvc.TwilioWebhookHandler)
	}
	if s.opts.Debug {
		mux.HandleFunc("/admin/registrations", s.listRegistrationsHandler)
	}
	return mux
}

// Start runs the HTTP server until Shutdown is called or it fails.
func (s *Server) Start() error {
	s.httpServer = &http.Server{Addr: s.opts.Addr, Handler: s.Handler()}
	slog.Info("Server listening", "addr", s.opts.Addr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// requireSecret rejects requests missing the configured shared secret.
func (s *Server) requireSecret(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.opts.WebhookSecret != "" && r.Header.Get(s.opts.SecretHeader) != s.opts.WebhookSecret {
			slog.Warn("Server rejected request with bad webhook secret", "path", r.URL.Path)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}
