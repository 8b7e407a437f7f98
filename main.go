// apps/go-server/main.go
//
// race24 entrypoint.
// Commands:
//   - serve: room server (HTTP + websocket).
//   - play:  line-oriented client for one room (see play.go).
//
// Notes:
//   - .env is loaded first; real environment variables win over it.
//   - Flags override the environment.

package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/robalobadob/race24/apps/go-server/internal/config"
	"github.com/robalobadob/race24/apps/go-server/internal/httpserver"
	"github.com/robalobadob/race24/apps/go-server/internal/room"
	"github.com/robalobadob/race24/apps/go-server/internal/store"
)

const shutdownGrace = 10 * time.Second

func main() {
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:           "race24",
		Short:         "Multiplayer make-24 puzzle rooms",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCommand(), newPlayCommand())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := root.ExecuteContext(ctx); err != nil {
		log.Error().Err(err).Msg("exiting")
		stop()
		os.Exit(1)
	}
}

func newServeCommand() *cobra.Command {
	var port, dbPath, level, format string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the room server",
		Long: `Run the room server.

Settings come from the environment (see .env.example); flags override them.

Example:
  race24 serve --port 5175 --db ./data/race24.db
  race24 serve --db memory --log-format console`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			f := cmd.Flags()
			if f.Changed("port") {
				cfg.Port = port
			}
			if f.Changed("db") {
				cfg.DBPath = dbPath
			}
			if f.Changed("log-level") {
				cfg.LogLevel = level
			}
			if f.Changed("log-format") {
				cfg.LogFormat = strings.ToLower(format)
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			setupLogging(cfg.LogLevel, cfg.LogFormat)
			return serve(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVar(&port, "port", "", "listen port (PORT)")
	cmd.Flags().StringVar(&dbPath, "db", "", `SQLite path, or "memory" (DB_PATH)`)
	cmd.Flags().StringVar(&level, "log-level", "", "trace|debug|info|warn|error (LOG_LEVEL)")
	cmd.Flags().StringVar(&format, "log-format", "", "json|console (LOG_FORMAT)")
	return cmd
}

// setupLogging configures the global zerolog logger.
func setupLogging(level, format string) {
	if lvl, err := zerolog.ParseLevel(level); err == nil && level != "" {
		zerolog.SetGlobalLevel(lvl)
	}
	zerolog.TimeFieldFormat = time.RFC3339Nano
	if format == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05.000"})
	}
}

func serve(ctx context.Context, cfg config.Config) error {
	var (
		st     store.Store
		pinger httpserver.Pinger
	)
	if cfg.InMemory() {
		st = store.NewMemoryStore()
		log.Warn().Msg("DB_PATH is memory: rooms will not survive a restart")
	} else {
		db, err := store.OpenSQLite(cfg.DBPath)
		if err != nil {
			return err
		}
		defer db.Close()
		st, pinger = db, db
		log.Info().Str("path", cfg.DBPath).Msg("sqlite store ready")
	}

	rooms := room.New(room.Config{
		Engine:       cfg.Engine(nil),
		Store:        st,
		StoreTimeout: cfg.StoreTimeout,
	})
	srv := httpserver.New(rooms, cfg, pinger)

	errc := make(chan error, 1)
	go func() {
		log.Info().Str("port", cfg.Port).Msg("starting go-server")
		errc <- srv.Start(":" + cfg.Port)
	}()

	var serveErr error
	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr = err
		}
	case <-ctx.Done():
		log.Info().Msg("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		if err := srv.Shutdown(sctx); err != nil {
			log.Error().Err(err).Msg("http shutdown")
		}
		cancel()
	}

	// Actors finish their current turn and flush to the store before exit.
	rooms.Close()
	log.Info().Int64("store_failures", rooms.Stats().StoreFailures).Msg("stopped")
	return serveErr
}
