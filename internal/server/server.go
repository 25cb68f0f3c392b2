package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/schoolgate/apiserver/config"
	"github.com/schoolgate/apiserver/internal/db"
	"github.com/schoolgate/apiserver/internal/handlers"
	"github.com/schoolgate/apiserver/internal/logging"
	"github.com/schoolgate/apiserver/internal/mq"
	"github.com/schoolgate/apiserver/internal/services"
	"github.com/schoolgate/apiserver/internal/storage"
	"github.com/schoolgate/apiserver/internal/store"
)

// Server wraps the HTTP server and router.
type Server struct {
	httpServer *http.Server
	router     *chi.Mux
	db         *sql.DB
	queue      *mq.MQ
	log        logging.Logger
}

// New constructs a Server with basic middleware and defaults.
func New(ctx context.Context, cfg config.Config) (*Server, error) {
	log := logging.New(os.Stderr, cfg.Log.Format, cfg.Log.Level)

	if err := cfg.Auth.Validate(); err != nil {
		return nil, err
	}

	requirements, err := config.LoadRequirements(cfg.RequirementsFile)
	if err != nil {
		return nil, err
	}

	srv := &Server{log: log}
	repo, err := srv.openRepository(ctx, cfg.Store, cfg.Database)
	if err != nil {
		return nil, err
	}

	documents, err := storage.Open(ctx, cfg.Storage)
	if err != nil {
		srv.closeBackends()
		return nil, fmt.Errorf("open document storage: %w", err)
	}

	srv.queue, err = mq.Open(ctx, cfg.MQ)
	if err != nil {
		srv.closeBackends()
		return nil, fmt.Errorf("open message queue: %w", err)
	}

	var publisher services.Publisher
	if srv.queue != nil {
		publisher = srv.queue
	}
	events := services.NewEvents(publisher, cfg.MQ.Channel, log)

	userService := services.NewUserService(repo)
	authService := services.NewAuthService(repo, cfg.Auth.BcryptCost, log)
	registrationService := services.NewRegistrationService(repo, services.RegistrationOptions{
		Requirements:     requirements,
		BcryptCost:       cfg.Auth.BcryptCost,
		AutoApproveRoles: cfg.Auth.AutoApproveRoles,
	}, events, log)
	applicationService := services.NewApplicationService(repo, events, log)

	authDeps := handlers.AuthDeps{
		Auth:         authService,
		Registration: registrationService,
		Users:        userService,
		JWTSecret:    cfg.Auth.JWTSecret,
		TokenTTL:     cfg.Auth.TokenTTL,
		Log:          log,
	}
	appDeps := handlers.ApplicationDeps{
		Applications:   applicationService,
		Users:          userService,
		AuthMiddleware: handlers.RequireAuth(cfg.Auth.JWTSecret),
		Log:            log,
	}
	if documents != nil {
		authDeps.Documents = documents
		appDeps.Documents = documents
	}

	router := chi.NewRouter()
	router.Use(
		middleware.RequestID,
		middleware.RealIP,
		middleware.Recoverer,
		middleware.Logger,
		middleware.Timeout(60*time.Second),
	)
	router.Get("/healthz", handlers.Healthz)
	router.Route("/auth", func(r chi.Router) {
		handlers.AuthRouter(r, authDeps)
	})
	router.Route("/applications", func(r chi.Router) {
		handlers.ApplicationRouter(r, appDeps)
	})

	port := cfg.ServerPort
	if port == 0 {
		port = 8080
	}

	srv.router = router
	srv.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	log.Info(ctx, "server configured",
		"port", port,
		"store", cfg.Store.Driver,
		"storage", cfg.Storage.Backend,
		"mq", cfg.MQ.Backend,
	)
	return srv, nil
}

// openRepository selects the user store. A corrupt file store is fatal.
func (s *Server) openRepository(ctx context.Context, cfg config.StoreConfig, dbCfg config.DatabaseConfig) (services.UserRepository, error) {
	switch cfg.Driver {
	case "", "postgres":
		conn, err := db.Open(ctx, dbCfg)
		if err != nil {
			return nil, err
		}
		s.db = conn
		return store.NewUserRepository(conn), nil
	case "file":
		repo, err := store.OpenFile(cfg.FilePath)
		if err != nil {
			if errors.Is(err, store.ErrCorrupt) {
				s.log.Error(ctx, "user store is corrupt", "path", cfg.FilePath, "error", err)
			}
			return nil, err
		}
		s.log.Info(ctx, "file store loaded", "path", cfg.FilePath, "users", repo.Len())
		return repo, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func (s *Server) closeBackends() {
	if s.queue != nil {
		if err := s.queue.Close(); err != nil {
			s.log.Warn(context.Background(), "close message queue", "error", err)
		}
	}
	if s.db != nil {
		_ = s.db.Close()
	}
}

// Router exposes the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Start runs the HTTP server until Shutdown is called.
func (s *Server) Start() error {
	s.log.Info(context.Background(), "listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests, waits for in-flight ones and releases
// the database and queue.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	s.closeBackends()
	return err
}
