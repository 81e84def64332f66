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
	"github.com/spf13/cobra"

	"github.com/ashureev/interview-bot/internal/api"
	"github.com/ashureev/interview-bot/internal/config"
	"github.com/ashureev/interview-bot/internal/convlog"
	"github.com/ashureev/interview-bot/internal/llm"
	"github.com/ashureev/interview-bot/internal/middleware"
	"github.com/ashureev/interview-bot/internal/registry"
	"github.com/ashureev/interview-bot/internal/session"
	"github.com/ashureev/interview-bot/internal/speech"
	"github.com/ashureev/interview-bot/internal/store"
	"github.com/ashureev/interview-bot/internal/transport"
	"github.com/ashureev/interview-bot/web"
)

var (
	flagHost    string
	flagPort    string
	flagVerbose bool
)

var rootCmd = &cobra.Command{
	Use:   "interview-bot",
	Short: "Voice interview server",
	Long: `interview-bot answers WebRTC offers and runs a spoken technical interview
for each chat: speech recognition, a language model interviewer and speech
synthesis, with every transcript saved to SQLite.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return serve(cmd.Context())
	},
}

func init() {
	rootCmd.Flags().StringVar(&flagHost, "host", "", "listen host (overrides HOST)")
	rootCmd.Flags().StringVar(&flagPort, "port", "", "listen port (overrides PORT)")
	rootCmd.Flags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
}

func serve(parent context.Context) error {
	level := slog.LevelInfo
	if flagVerbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	if flagHost != "" {
		cfg.Host = flagHost
	}
	if flagPort != "" {
		cfg.Port = flagPort
	}

	slog.Info("Starting server", "addr", cfg.Addr(), "llm_provider", cfg.LLM.Provider)

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		return fmt.Errorf("database health check: %w", err)
	}
	slog.Info("Database connected", "path", cfg.DBPath)

	generator, closeGenerator, err := newGenerator(cfg, logger)
	if err != nil {
		return err
	}
	defer closeGenerator()

	recognizer, err := speech.NewDeepgram(deepgramConfig(cfg), logger)
	if err != nil {
		return fmt.Errorf("initialize speech recognition: %w", err)
	}
	synthesizer, err := speech.NewElevenLabs(elevenLabsConfig(cfg), logger)
	if err != nil {
		return fmt.Errorf("initialize speech synthesis: %w", err)
	}

	conversationLogger, err := convlog.New(convlog.Config{
		Enabled:       cfg.ConversationLog.Enabled,
		Dir:           cfg.ConversationLog.Dir,
		GlobalEnabled: cfg.ConversationLog.GlobalEnabled,
		GlobalPath:    cfg.ConversationLog.GlobalPath,
		QueueSize:     cfg.ConversationLog.QueueSize,
	}, logger)
	if err != nil {
		return fmt.Errorf("initialize conversation logger: %w", err)
	}
	defer func() {
		if closeErr := conversationLogger.Close(); closeErr != nil {
			slog.Error("Failed to close conversation logger", "error", closeErr)
		}
	}()

	// Initialize services.
	sessions := session.NewManager(session.Deps{
		Store: repo,
		Builder: session.NewVoiceBuilder(session.Backends{
			Recognizer:  recognizer,
			Generator:   generator,
			Synthesizer: synthesizer,
		}, logger),
		Problems:     llm.NewProblemWriter(generator),
		Conversation: conversationLogger,
		Config: session.Config{
			AllowInterruptions: cfg.AllowInterruptions,
			SaveTimeout:        cfg.SaveTimeout,
			DrainTimeout:       cfg.DrainTimeout,
			Defaults:           cfg.Interview,
		},
	}, logger)
	connections := registry.New(transport.NewFactory(transport.WebRTCConfig{ICEServers: cfg.ICEServers}, logger), logger)

	handler := api.NewHandler(connections, sessions, repo, logger)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS(cfg.CORSAllowedOrigins))

	handler.Routes(r)

	// Serve the embedded landing page.
	r.Handle("/*", web.Handler())

	srv := &http.Server{
		Addr:        cfg.Addr(),
		Handler:     r,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	// Wait for shutdown signal.
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}
	stop()

	slog.Info("Shutting down gracefully...")
	return shutdown(srv, connections, sessions, cfg.ShutdownTimeout)
}

// shutdown stops accepting offers, closes every connection and waits for the
// sessions to save their transcripts.
func shutdown(srv *http.Server, connections *registry.Registry, sessions *session.Manager, timeout time.Duration) error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs []error
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		errs = append(errs, err)
	}
	if err := connections.CloseAll(shutdownCtx); err != nil {
		slog.Warn("Failed to close some connections", "error", err)
	}
	if err := sessions.Wait(shutdownCtx); err != nil {
		slog.Error("Sessions did not finish before shutdown timeout", "error", err, "active", sessions.Active())
		errs = append(errs, err)
	}

	if len(errs) == 0 {
		slog.Info("Server stopped successfully")
	}
	return errors.Join(errs...)
}

// newGenerator returns the configured language model and its release func.
func newGenerator(cfg *config.Config, logger *slog.Logger) (llm.Generator, func(), error) {
	switch cfg.LLM.Provider {
	case config.ProviderAgent:
		slog.Info("Connecting to interview agent via gRPC", "address", cfg.LLM.AgentAddr)
		agent, err := llm.NewAgent(llm.DefaultAgentConfig(cfg.LLM.AgentAddr), logger)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to interview agent: %w", err)
		}
		healthCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := agent.Health(healthCtx); err != nil {
			slog.Warn("Interview agent health check failed", "error", err)
		}
		return agent, agent.Close, nil
	default:
		gen, err := llm.NewOpenAI(llm.OpenAIConfig{
			APIKey:  cfg.LLM.APIKey,
			BaseURL: cfg.LLM.BaseURL,
			Model:   cfg.LLM.Model,
		}, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("initialize language model: %w", err)
		}
		return gen, func() {}, nil
	}
}

func deepgramConfig(cfg *config.Config) speech.DeepgramConfig {
	dc := speech.DefaultDeepgramConfig(cfg.Deepgram.APIKey)
	if cfg.Deepgram.Model != "" {
		dc.Model = cfg.Deepgram.Model
	}
	if cfg.Deepgram.URL != "" {
		dc.URL = cfg.Deepgram.URL
	}
	return dc
}

func elevenLabsConfig(cfg *config.Config) speech.ElevenLabsConfig {
	ec := speech.DefaultElevenLabsConfig(cfg.ElevenLabs.APIKey, cfg.ElevenLabs.VoiceID)
	if cfg.ElevenLabs.Model != "" {
		ec.Model = cfg.ElevenLabs.Model
	}
	if cfg.ElevenLabs.URL != "" {
		ec.URL = cfg.ElevenLabs.URL
	}
	return ec
}
