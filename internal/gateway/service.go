package gateway

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/medibridge/dicom-bridge/internal/audit"
	"github.com/medibridge/dicom-bridge/internal/ledger"
	"github.com/medibridge/dicom-bridge/internal/push"
	"github.com/medibridge/dicom-bridge/internal/store"
	"github.com/medibridge/dicom-bridge/pkg/config"
	"github.com/medibridge/dicom-bridge/pkg/logger"
	"github.com/medibridge/dicom-bridge/pkg/types"
)

// Service implements the secure gateway: admin APIs, viewer
// configuration, push ingress and the consent-gated reverse proxy.
type Service struct {
	router  *mux.Router
	server  *http.Server
	auth    *Authenticator
	limiter *RateLimiter
	metrics *MetricsCollector

	aliases  *store.AliasStore
	clinics  *store.ClinicStore
	events   *store.CopyEventStore
	reader   ledger.Reader
	verifier *push.Verifier
	audit    *audit.Logger

	upstream  *http.Client
	logger    *logger.Logger
	startTime time.Time
}

// Deps carries the gateway's collaborators
type Deps struct {
	Aliases  *store.AliasStore
	Clinics  *store.ClinicStore
	Events   *store.CopyEventStore
	Reader   ledger.Reader
	Verifier *push.Verifier
	Audit    *audit.Logger
}

// NewService creates the gateway service and builds its routing table
func NewService(cfg *config.Config, deps Deps, log *logger.Logger) (*Service, error) {
	auth, err := NewAuthenticator(cfg.Auth)
	if err != nil {
		return nil, fmt.Errorf("failed to build authenticator: %w", err)
	}

	s := &Service{
		router:   mux.NewRouter(),
		auth:     auth,
		metrics:  NewMetricsCollector(),
		aliases:  deps.Aliases,
		clinics:  deps.Clinics,
		events:   deps.Events,
		reader:   deps.Reader,
		verifier: deps.Verifier,
		audit:    deps.Audit,
		upstream: &http.Client{
			Timeout: time.Duration(cfg.Transfer.HTTPTimeout) * time.Second,
		},
		logger:    log,
		startTime: time.Now(),
	}

	if cfg.RateLimit.Enabled {
		s.limiter = NewRateLimiter(cfg.RateLimit.RequestsPerMin, time.Minute)
		s.limiter.StartCleanup(time.Hour)
	}

	s.setupRoutes()
	s.setupMiddleware()

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      s.router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeout) * time.Second,
	}
	return s, nil
}

// Router exposes the handler for tests
func (s *Service) Router() http.Handler {
	return s.router
}

// setupRoutes declares every route with its required role
func (s *Service) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.Handle("/metrics", s.metrics.Handler()).Methods("GET")

	s.route("GET", "/aliases", types.RoleAdministrator, s.handleListAliases)
	s.route("PUT", "/aliases/{address}", types.RoleAdministrator, s.handlePutAlias)
	s.route("DELETE", "/aliases/{address}", types.RoleAdministrator, s.handleDeleteAlias)

	s.route("GET", "/clinics/config", types.RoleAdministrator, s.handleListClinics)
	s.router.Handle("/clinics/config/{id}", s.requireClinicAccess(http.HandlerFunc(s.handleGetClinic))).Methods("GET")
	s.router.Handle("/clinics/config/{id}", s.requireClinicAccess(http.HandlerFunc(s.handlePutClinic))).Methods("PUT")
	s.router.Handle("/clinics/config/{id}", s.requireClinicAccess(http.HandlerFunc(s.handleDeleteClinic))).Methods("DELETE")

	s.route("GET", "/copy-events", types.RoleReader, s.handleListCopyEvents)
	s.route("GET", "/copy-events/{requestId}", types.RoleReader, s.handleGetCopyEvent)
	s.route("GET", "/audit-logs", types.RoleAdministrator, s.handleReadAuditLogs)

	s.route("GET", "/dicom-web-config", types.RoleViewer, s.handleDicomWebConfig)
	s.route("POST", "/provider-push", types.RolePushAgent, s.handleProviderPush)

	s.router.PathPrefix("/secure/{requestId}/").Handler(
		s.requireRole(types.RoleViewer, http.HandlerFunc(s.handleSecureProxy)))
}

// route registers one handler behind its role requirement
func (s *Service) route(method, path, role string, handler http.HandlerFunc) {
	s.router.Handle(path, s.requireRole(role, handler)).Methods(method)
}

// setupMiddleware sets up the shared middleware chain
func (s *Service) setupMiddleware() {
	s.router.Use(s.corsMiddleware)
	s.router.Use(s.securityHeadersMiddleware)
	s.router.Use(s.metricsMiddleware)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.authMiddleware)
	s.router.Use(s.rateLimitMiddleware)
}

// Start starts the gateway HTTP server
func (s *Service) Start() error {
	s.logger.WithComponent("gateway").WithFields(map[string]interface{}{
		"addr": s.server.Addr,
	}).Info("Starting gateway")
	return s.server.ListenAndServe()
}

// Stop stops the gateway with a drain timeout
func (s *Service) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s.logger.WithComponent("gateway").Info("Stopping gateway")
	return s.server.Shutdown(ctx)
}
