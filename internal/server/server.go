// Package server implements the lockbox HTTP server and its route table.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lockbox/lockbox/internal/auth"
	"github.com/lockbox/lockbox/internal/bucket"
	"github.com/lockbox/lockbox/internal/config"
	apperr "github.com/lockbox/lockbox/internal/errors"
	"github.com/lockbox/lockbox/internal/guard"
	"github.com/lockbox/lockbox/internal/handlers"
	"github.com/lockbox/lockbox/internal/jsonutil"
	"github.com/lockbox/lockbox/internal/logging"
	"github.com/lockbox/lockbox/internal/metadata"
	"github.com/lockbox/lockbox/internal/vault"
)

// readyTimeout bounds the store probe behind /readyz.
const readyTimeout = 3 * time.Second

// StoreSource yields the active bucket handle and reports its lifecycle.
// *guard.Guard satisfies it.
type StoreSource interface {
	bucket.HandleSource
	Status() guard.Status
}

// Server is the lockbox HTTP server.
type Server struct {
	cfg        *config.Config
	router     chi.Router
	api        huma.API
	store      StoreSource
	verifier   *auth.Verifier
	objects    *handlers.ObjectHandler
	recordsH   *handlers.RecordHandler
	logger     *slog.Logger
	httpServer *http.Server
}

// StoreStatus is the store section of the health report.
type StoreStatus struct {
	State    string `json:"state" example:"ready" doc:"Store lifecycle state: absent, initializing or ready"`
	Epoch    uint64 `json:"epoch" doc:"Connection epoch, bumped on every disconnect"`
	Attempts int    `json:"attempts" doc:"Initialization attempts in the current epoch"`
	Message  string `json:"message,omitempty" doc:"Last initialization error"`
}

// HealthBody is the JSON body returned by the health check endpoint.
type HealthBody struct {
	Status string      `json:"status" example:"ok" doc:"ok when the store is ready, degraded otherwise"`
	Store  StoreStatus `json:"store"`
}

// HealthOutput is the Huma output struct for the health check endpoint.
type HealthOutput struct {
	Body HealthBody
}

// ServerOption is a functional option for configuring the Server.
type ServerOption func(*Server)

// WithLogger sets the server's logger.
func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// New creates a Server over the store source and the record store and wires
// every route on a chi router with Huma for the documented endpoints.
func New(cfg *config.Config, store StoreSource, records metadata.RecordStore, opts ...ServerOption) (*Server, error) {
	if store == nil || records == nil {
		return nil, errors.New("server: store source and record store are required")
	}
	verifier, err := auth.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	if err != nil {
		return nil, err
	}

	router := chi.NewMux()
	humaConfig := huma.DefaultConfig("lockbox API", "1.0.0")
	humaConfig.DocsPath = "/docs"
	humaConfig.OpenAPIPath = "/openapi"

	s := &Server{
		cfg:      cfg,
		router:   router,
		api:      humachi.New(router, humaConfig),
		store:    store,
		verifier: verifier,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.Component(s.logger, "server")

	binder := vault.New(records, store, vault.Options{
		OrphanTTL: cfg.Uploads.OrphanTTL,
		Logger:    s.logger,
	})
	s.objects = handlers.NewObjectHandler(store, records, cfg.Server.MaxUploadBytes, s.logger)
	s.recordsH = handlers.NewRecordHandler(binder, cfg.Server.MaxUploadBytes, s.logger)

	s.registerRoutes()
	return s, nil
}

// Handler returns the router wrapped in the middleware chain:
// metricsMiddleware -> commonHeaders -> errorDetail -> auth -> router.
func (s *Server) Handler() http.Handler {
	var handler http.Handler = s.router
	handler = auth.Middleware(s.verifier)(handler)
	if s.cfg.Server.Development() {
		handler = errorDetail(handler)
	}
	handler = commonHeaders(handler)
	if s.cfg.Metrics.Enabled {
		handler = metricsMiddleware(handler)
	}
	return handler
}

// ListenAndServe starts the HTTP server on the given address.
// The returned http.Server is stored so it can be shut down gracefully.
func (s *Server) ListenAndServe(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server, waiting for in-flight
// requests to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// registerRoutes configures all routes on the chi router. /health goes
// through Huma so it appears in the OpenAPI document.
func (s *Server) registerRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "get-health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
		Description: "Reports the server status and the object store lifecycle.",
		Tags:        []string{"System"},
	}, func(ctx context.Context, input *struct{}) (*HealthOutput, error) {
		return &HealthOutput{Body: s.health()}, nil
	})

	s.router.Get("/readyz", s.ready)
	if s.cfg.Metrics.Enabled {
		s.router.Handle("/metrics", promhttp.Handler())
	}

	s.router.Get("/auth/me", handlers.Me)

	s.router.Route("/objects", func(r chi.Router) {
		r.Post("/", s.objects.Upload)
		r.Get("/", s.objects.List)
		r.Get("/{id}", s.objects.Download)
		r.Delete("/{id}", s.objects.Delete)
	})

	s.router.Route("/records", func(r chi.Router) {
		r.Post("/", s.recordsH.Create)
		r.Get("/", s.recordsH.List)
		r.Get("/{id}", s.recordsH.Get)
		r.Put("/{id}", s.recordsH.Update)
		r.Delete("/{id}", s.recordsH.Delete)
		r.Get("/{id}/file", s.recordsH.GetFile)
		r.Put("/{id}/file", s.recordsH.PutFile)
		r.Delete("/{id}/file", s.recordsH.DeleteFile)
	})

	s.router.With(auth.RequireAdmin).Post("/admin/cleanup", s.recordsH.Cleanup)
}

func (s *Server) health() HealthBody {
	st := s.store.Status()
	status := "ok"
	if st.State != guard.Ready.String() {
		status = "degraded"
	}
	return HealthBody{
		Status: status,
		Store: StoreStatus{
			State:    st.State,
			Epoch:    st.Epoch,
			Attempts: st.Attempts,
			Message:  st.LastError,
		},
	}
}

// ready answers 200 once a store handle can be obtained within
// readyTimeout, 503 otherwise.
func (s *Server) ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()
	if _, err := s.store.Handle(ctx); err != nil {
		jsonutil.RenderError(w, r, apperr.ErrStoreUnavailable, err)
		return
	}
	jsonutil.WriteSuccess(w, http.StatusOK, "ready")
}
