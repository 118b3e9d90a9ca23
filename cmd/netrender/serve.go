package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/netrender/backend/internal/config"
	"github.com/netrender/backend/internal/dispatch"
	"github.com/netrender/backend/internal/engine"
	"github.com/netrender/backend/internal/logging"
	"github.com/netrender/backend/internal/persist"
	"github.com/netrender/backend/internal/session"
	"github.com/netrender/backend/internal/tick"
	"github.com/netrender/backend/internal/ws"
)

const shutdownTimeout = 5 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the widget host",
	Long:  `Starts the WebSocket control channel, the HTTP API and the tick driver.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if port, _ := cmd.Flags().GetInt("port"); port > 0 {
			cfg.Server.Port = port
		}
		if host, _ := cmd.Flags().GetString("host"); host != "" {
			cfg.Server.Host = host
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		logger := logging.Init("netrender", cfg.Log)
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg, logger)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().IntP("port", "p", 0, "Override server port")
	serveCmd.Flags().String("host", "", "Override listen host")
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

// serve runs until ctx is cancelled or the listener fails.
func serve(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	store, err := persist.Open(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer store.Close()

	factory := session.EngineFactory(engine.Options{
		ScriptDir:   cfg.Engine.ScriptDir,
		CallTimeout: cfg.Engine.CallTimeout.Duration,
	})
	registry := session.NewRegistry(factory,
		session.WithInitScript(cfg.Engine.InitScript),
		session.WithLogger(logger.With().Str("component", "registry").Logger()),
	)
	defer registry.Close()

	dispatcher := dispatch.New(registry,
		dispatch.WithStore(store),
		dispatch.WithLogger(logger.With().Str("component", "dispatch").Logger()),
	)
	if _, err := dispatcher.Restore(ctx); err != nil {
		return fmt.Errorf("restoring widgets: %w", err)
	}

	driver := tick.New(registry,
		tick.WithFailureThreshold(cfg.Tick.FailureThreshold),
		tick.WithLogger(logger.With().Str("component", "tick").Logger()),
	)
	server := ws.NewServer(cfg.Server, registry, dispatcher, driver, logger.With().Str("component", "ws").Logger())

	tickCtx, cancelTicks := context.WithCancel(ctx)
	defer cancelTicks()
	go driver.Run(tickCtx, cfg.Tick.Interval.Duration)

	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- server.ListenAndServe()
	}()

	logger.Info().
		Str("addr", cfg.Addr()).
		Str("store", cfg.Store.Backend).
		Dur("tick", cfg.Tick.Interval.Duration).
		Msg("netrender started")

	select {
	case err := <-serverErrors:
		if err != nil {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	case <-ctx.Done():
		logger.Info().Msg("shutting down")
		cancelTicks()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("graceful shutdown did not complete")
		}
		return nil
	}
}
