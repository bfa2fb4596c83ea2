package main

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
	"github.com/warp/scoa-engine/api"
	"github.com/warp/scoa-engine/internal/config"
	"github.com/warp/scoa-engine/internal/logging"
)

const shutdownTimeout = 30 * time.Second

type serveFlags struct {
	port      int
	staticDir string
	scheduler bool
}

func newServeCmd(flags *globalFlags) *cobra.Command {
	sf := &serveFlags{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(flags, func(cfg *config.Config) {
				if cmd.Flags().Changed("port") {
					cfg.Server.Port = sf.port
				}
				if cmd.Flags().Changed("scheduler") {
					cfg.Scheduler.Enabled = sf.scheduler
				}
			})
			if err != nil {
				return err
			}
			defer a.Close()
			return a.serve(sf.staticDir)
		},
	}
	cmd.Flags().IntVar(&sf.port, "port", 8080, "HTTP server port (overrides config)")
	cmd.Flags().StringVar(&sf.staticDir, "static", "", "built frontend directory")
	cmd.Flags().BoolVar(&sf.scheduler, "scheduler", false, "enable the periodic activity rebuild (overrides config)")
	return cmd
}

func (a *app) serve(staticDir string) error {
	handler := api.NewHandler(a.service, a.store, a.log)

	scheduler := api.NewRecalcScheduler(a.service, a.log, a.cfg.Scheduler.Interval)
	scheduler.Enabled = a.cfg.Scheduler.Enabled
	handler.Scheduler = scheduler
	scheduler.Start()
	defer scheduler.Stop()

	router := api.NewRouter(handler, api.RouterOptions{
		AllowedOrigins: a.cfg.Server.AllowedOrigins,
		StaticDir:      staticDir,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  a.cfg.Server.ReadTimeout,
		WriteTimeout: a.cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	serveErr := make(chan error, 1)
	go func() {
		a.log.Info("server starting",
			logging.F("addr", server.Addr),
			logging.F("database", a.cfg.Database.Path),
			logging.F("max_batch_rows", a.cfg.Mapping.MaxBatchRows))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-quit:
	}

	a.log.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	a.log.Info("server stopped")
	return nil
}
