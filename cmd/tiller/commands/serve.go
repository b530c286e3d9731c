package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tillerhq/tiller/internal/config"
	"github.com/tillerhq/tiller/internal/logging"
	"github.com/tillerhq/tiller/internal/server"
	"github.com/tillerhq/tiller/internal/watch"
)

var (
	serveAddr        string
	serveSessionsDir string
	serveCORS        []string
	serveNoWatch     bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the session observation server",
	Long: `Start the HTTP observation server over the sessions directory.

The server exposes session listings, metadata, reconstructed history,
raw event logs, and an SSE stream of sessions directory changes. Routes
that need a live agent runtime answer 503; those come up when a program
embedding the runtime serves the same API.

Examples:
  tiller serve
  tiller serve --addr 127.0.0.1:8080
  tiller serve --sessions-dir ./sessions --cors-origin http://localhost:3000`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (host:port)")
	serveCmd.Flags().StringVar(&serveSessionsDir, "sessions-dir", "", "Sessions directory")
	serveCmd.Flags().StringArrayVar(&serveCORS, "cors-origin", nil, "Allowed CORS origin (repeatable)")
	serveCmd.Flags().BoolVar(&serveNoWatch, "no-watch", false, "Disable the sessions directory watcher")
}

func runServe(cmd *cobra.Command, args []string) error {
	workDir, err := os.Getwd()
	if err != nil {
		return err
	}

	cfg, err := config.Load(workDir)
	if err != nil {
		return err
	}
	if serveSessionsDir != "" {
		cfg.SessionsDir = serveSessionsDir
	}
	if serveAddr != "" {
		cfg.Server.Addr = serveAddr
	}
	if len(serveCORS) > 0 {
		cfg.Server.CORSOrigins = serveCORS
	}

	serveLogging(cmd, cfg)

	serverCfg := server.DefaultConfig()
	serverCfg.Addr = cfg.Server.Addr
	serverCfg.CORSOrigins = cfg.Server.CORSOrigins

	var watcher *watch.Watcher
	if cfg.Watch.Enabled && !serveNoWatch {
		watcher, err = watch.New(cfg.SessionsDir, time.Duration(cfg.Watch.DebounceMS)*time.Millisecond)
		if err != nil {
			return fmt.Errorf("start sessions watcher: %w", err)
		}
		watcher.Start()
		defer watcher.Stop()
	}

	srv := server.New(serverCfg, cfg.SessionsDir, nil, watcher)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logging.Info().
			Str("addr", serverCfg.Addr).
			Str("sessions", cfg.SessionsDir).
			Str("version", Version).
			Msg("observation server listening")
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logging.Info().Msg("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logging.Info().Msg("server stopped")
	return nil
}
