// Wellness profile conversation server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/ashureev/wellness-profile/internal/agent"
	"github.com/ashureev/wellness-profile/internal/api"
	"github.com/ashureev/wellness-profile/internal/config"
	"github.com/ashureev/wellness-profile/internal/conversation"
	"github.com/ashureev/wellness-profile/internal/identity"
	"github.com/ashureev/wellness-profile/internal/middleware"
	"github.com/ashureev/wellness-profile/internal/session"
	"github.com/ashureev/wellness-profile/internal/socket"
	"github.com/ashureev/wellness-profile/internal/store"
	"github.com/ashureev/wellness-profile/internal/transcript"
	"github.com/ashureev/wellness-profile/web"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		slog.Error("Server exited with error", "error", err)
		os.Exit(1)
	}
	slog.Info("Server stopped successfully")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "extractor", cfg.Extractor.Backend)

	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()
	slog.Info("Database connected", "path", cfg.DBPath)

	backend, closeBackend, err := newExtractorBackend(cfg, logger)
	if err != nil {
		return fmt.Errorf("initialize extractor: %w", err)
	}
	defer closeBackend()

	extractor, err := agent.NewService(backend, agent.ServiceConfig{
		MaxAttempts:    cfg.Extractor.MaxAttempts,
		AttemptTimeout: cfg.Extractor.Timeout,
	}, logger)
	if err != nil {
		return fmt.Errorf("initialize extraction service: %w", err)
	}

	convLog, err := transcript.New(transcript.Config{
		Enabled:   cfg.ConversationLog.Enabled,
		Dir:       cfg.ConversationLog.Dir,
		QueueSize: cfg.ConversationLog.QueueSize,
	}, logger)
	if err != nil {
		return fmt.Errorf("initialize conversation log: %w", err)
	}
	defer func() {
		if closeErr := convLog.Close(); closeErr != nil {
			slog.Warn("Failed to close conversation log", "error", closeErr)
		}
	}()

	sessions := session.NewStore()
	engine := conversation.NewEngine(sessions, extractor, conversation.Config{MaxReplies: cfg.MaxReplies}, logger)
	engine.SetArchiver(repo)
	engine.SetTranscript(convLog)

	sm := socket.NewManager()
	wsHandler := socket.NewHandler(engine, sm, cfg.FrontendURL, cfg.IsDevelopment(), logger)

	base := api.NewHandler(engine, sm, sessions, repo)
	profileHandler := api.NewProfileHandler(base)
	healthHandler := api.NewHealthHandler(base, cfg.Extractor.Backend)

	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(allowedOrigins(cfg)))

	healthHandler.RegisterHealth(r)
	profileHandler.RegisterRoutes(r)
	r.With(identity.Middleware).Get("/ws/wellness_profile/{session_id}", wsHandler.ServeHTTP)

	// Serve the embedded test client.
	r.Handle("/*", web.SPAHandler())

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // WebSocket connections are long-lived
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	reaperDone := session.StartReaper(gctx, sessions, session.ReaperConfig{
		Interval: cfg.SweepInterval,
		IdleTTL:  cfg.SessionIdleTTL,
		IsLive:   sm.IsLive,
		AfterSweep: func(ctx context.Context) {
			removed, err := repo.PruneOlderThan(ctx, cfg.ArchiveRetention)
			if err != nil {
				slog.Warn("Failed to prune completed profiles", "error", err)
				return
			}
			if removed > 0 {
				slog.Info("Pruned completed profiles", "count", removed, "retention", cfg.ArchiveRetention)
			}
		},
	})
	g.Go(func() error {
		<-reaperDone
		return nil
	})

	g.Go(func() error {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down gracefully...")

		// Hijacked WebSocket connections are not tracked by Shutdown.
		sm.CloseAll("server shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		wsHandler.Wait()
		return nil
	})

	return g.Wait()
}

// newExtractorBackend builds the configured extraction backend and returns
// a cleanup func for it.
func newExtractorBackend(cfg *config.Config, logger *slog.Logger) (agent.Extractor, func(), error) {
	switch cfg.Extractor.Backend {
	case config.BackendGRPC:
		slog.Info("Connecting to extraction service via gRPC", "address", cfg.Extractor.Addr)
		gcfg := agent.DefaultGrpcClientConfig()
		gcfg.Address = cfg.Extractor.Addr
		gcfg.RequestTimeout = cfg.Extractor.Timeout
		client, err := agent.NewGrpcClient(gcfg, logger)
		if err != nil {
			return nil, nil, err
		}
		return client, client.Close, nil
	default:
		client, err := agent.NewOpenAIExtractor(agent.OpenAIConfig{
			APIKey:    cfg.Extractor.OpenAIAPIKey,
			Model:     cfg.Extractor.OpenAIModel,
			BaseURL:   cfg.Extractor.OpenAIBaseURL,
			MaxTokens: cfg.Extractor.MaxTokens,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		slog.Info("Using OpenAI extractor", "model", cfg.Extractor.OpenAIModel)
		return client, func() {}, nil
	}
}

func allowedOrigins(cfg *config.Config) []string {
	if cfg.IsDevelopment() || cfg.FrontendURL == "" {
		return []string{"*"}
	}
	return []string{cfg.FrontendURL}
}
