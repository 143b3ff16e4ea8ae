package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/leadsync/internal/api"
	"github.com/sells-group/leadsync/internal/monitoring"
	"github.com/sells-group/leadsync/internal/notify"
	"github.com/sells-group/leadsync/internal/sheetsync"
)

const shutdownTimeout = 15 * time.Second

var (
	servePort       int
	serveNoSchedule bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API and the sync scheduler",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		if n, err := env.Engine.RecoverInterrupted(ctx); err != nil {
			return eris.Wrap(err, "recover interrupted syncs")
		} else if n > 0 {
			zap.L().Warn("marked interrupted syncs as failed", zap.Int("tenants", n))
		}

		go logLeadChanges(ctx, env.Bus)

		if !serveNoSchedule {
			go sheetsync.NewScheduler(env.Engine, cfg.Sync).Run(ctx)
		}
		if cfg.Monitor.Enabled {
			go monitoring.NewChecker(env.Engine, cfg.Monitor).Run(ctx)
		}

		return startServer(ctx, buildRouter(env), resolvePort(servePort, cfg.Server.Port))
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	serveCmd.Flags().BoolVar(&serveNoSchedule, "no-schedule", false, "serve the API without periodic syncs")
	rootCmd.AddCommand(serveCmd)
}

// buildRouter wires the environment's services into the HTTP API.
func buildRouter(env *appEnv) http.Handler {
	return api.NewRouter(api.Deps{
		Sync:      env.Engine,
		Leads:     env.Leads,
		Scorer:    env.Scorer,
		Converter: env.Converter,
		Health:    env.Store,
		Metrics:   env.Metrics,
	}, api.Options{CORSOrigins: cfg.Server.CORSOrigins})
}

// resolvePort returns the flag port when set, otherwise the configured one.
func resolvePort(flagPort, configPort int) int {
	if flagPort != 0 {
		return flagPort
	}
	return configPort
}

// startServer serves h on port until ctx is cancelled, then shuts down
// gracefully.
func startServer(ctx context.Context, h http.Handler, port int) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		<-ctx.Done()
		zap.L().Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			zap.L().Error("server shutdown", zap.Error(err))
		}
	}()

	zap.L().Info("starting server", zap.Int("port", port))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return eris.Wrap(err, "server listen")
	}
	<-done
	return nil
}

// logLeadChanges records every committed lead change until ctx ends.
func logLeadChanges(ctx context.Context, bus *notify.Bus) {
	events, cancel := bus.Subscribe(64)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			zap.L().Info("leads changed",
				zap.String("tenant_id", ev.TenantID),
				zap.Int("inserted", ev.Inserted),
				zap.Int("updated", ev.Updated),
				zap.Int("deleted", ev.Deleted),
			)
		}
	}
}
