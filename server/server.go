package server

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oauth-issuer/clients"
	"github.com/giantswarm/oauth-issuer/instrumentation"
	"github.com/giantswarm/oauth-issuer/keys"
	"github.com/giantswarm/oauth-issuer/providers"
	"github.com/giantswarm/oauth-issuer/security"
	"github.com/giantswarm/oauth-issuer/storage"
	"github.com/giantswarm/oauth-issuer/subject"
)

// Dependencies are the collaborators of a Server.
type Dependencies struct {
	Clients   *clients.Registry
	Providers *providers.Set
	Subjects  *subject.Encoder
	Keys      *keys.Manager
	Codes     *storage.CodeStore
	Flows     *storage.FlowStore

	// Refresh is optional. Without it no refresh tokens are issued.
	Refresh *storage.RefreshStore
}

// Server drives the authorization flow: authorize, provider login, code
// issuance and token exchange. It holds no cross-request state in memory;
// everything shared lives in the stores.
type Server struct {
	clients   *clients.Registry
	providers *providers.Set
	subjects  *subject.Encoder
	keys      *keys.Manager
	codes     *storage.CodeStore
	flows     *storage.FlowStore
	refresh   *storage.RefreshStore

	Auditor         *security.Auditor
	Instrumentation *instrumentation.Instrumentation
	Logger          *slog.Logger
	Config          *Config

	metrics *instrumentation.Metrics
	tracer  trace.Tracer
	now     func() time.Time
}

// New creates a new issuer server.
func New(deps Dependencies, config *Config, logger *slog.Logger) (*Server, error) {
	switch {
	case deps.Clients == nil:
		return nil, errors.New("client registry is required")
	case deps.Providers == nil || deps.Providers.Len() == 0:
		return nil, errors.New("at least one provider is required")
	case deps.Subjects == nil:
		return nil, errors.New("subject encoder is required")
	case deps.Keys == nil:
		return nil, errors.New("key manager is required")
	case deps.Codes == nil:
		return nil, errors.New("code store is required")
	case deps.Flows == nil:
		return nil, errors.New("flow store is required")
	}
	if config == nil {
		config = &Config{}
	}
	if config.Success == nil {
		return nil, errors.New("success callback is required")
	}
	if config.Issuer == "" {
		config.Issuer = deps.Keys.Issuer()
	}
	if config.Issuer != deps.Keys.Issuer() {
		return nil, fmt.Errorf("issuer %q does not match key manager issuer %q", config.Issuer, deps.Keys.Issuer())
	}
	if logger == nil {
		logger = slog.Default()
	}

	config = applySecureDefaults(config, logger)

	if config.DefaultProvider == "" && deps.Providers.Len() == 1 {
		config.DefaultProvider = deps.Providers.Names()[0]
	}
	if config.DefaultProvider != "" {
		if _, ok := deps.Providers.Get(config.DefaultProvider); !ok {
			return nil, fmt.Errorf("default provider %q is not registered", config.DefaultProvider)
		}
	}

	srv := &Server{
		clients:   deps.Clients,
		providers: deps.Providers,
		subjects:  deps.Subjects,
		keys:      deps.Keys,
		codes:     deps.Codes,
		flows:     deps.Flows,
		refresh:   deps.Refresh,
		Config:    config,
		Logger:    logger,
		now:       time.Now,
	}

	if err := srv.validateHTTPSEnforcement(); err != nil {
		return nil, err
	}

	inst, err := instrumentation.New(instrumentation.Config{Enabled: false})
	if err != nil {
		return nil, fmt.Errorf("failed to create instrumentation: %w", err)
	}
	srv.SetInstrumentation(inst)

	logStoreSettings(logger, deps.Codes, deps.Refresh)
	return srv, nil
}

// SetAuditor sets the security auditor
func (s *Server) SetAuditor(aud *security.Auditor) {
	s.Auditor = aud
}

// SetInstrumentation sets the metrics and tracing backend.
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if inst == nil {
		return
	}
	s.Instrumentation = inst
	s.metrics = inst.Metrics()
	s.tracer = inst.Tracer("server")
}

// SetClock replaces the time source of the server, its stores and its key
// manager.
func (s *Server) SetClock(now func() time.Time) {
	if now == nil {
		return
	}
	s.now = now
	s.codes.SetClock(now)
	s.flows.SetClock(now)
	if s.refresh != nil {
		s.refresh.SetClock(now)
	}
	s.keys.SetClock(now)
}

// Clients returns the client registry.
func (s *Server) Clients() *clients.Registry {
	return s.clients
}

// Providers returns the registered providers.
func (s *Server) Providers() *providers.Set {
	return s.providers
}

// Keys returns the key manager.
func (s *Server) Keys() *keys.Manager {
	return s.keys
}
