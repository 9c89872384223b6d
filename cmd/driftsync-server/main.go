// Command driftsync-server runs the WebSocket sync backend.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/lirancohen/driftsync/logging"
	"github.com/lirancohen/driftsync/wsserver"
)

const shutdownGrace = 10 * time.Second

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "driftsync-server",
		Short: "Event synchronization backend over WebSocket",
		Long: `driftsync-server serves per-store event logs over WebSocket.
Each store is handled by a single actor that serializes pushes against
the store head; accepted events are broadcast to every connected client.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), v)
		},
	}

	flags := cmd.Flags()
	flags.String("listen", ":8787", "address to listen on")
	flags.String("database-url", "", "Postgres connection string; empty keeps event logs in memory")
	flags.String("admin-secret", "", "secret for admin operations; empty disables them")

	for _, name := range []string{"listen", "database-url", "admin-secret"} {
		_ = v.BindPFlag(name, flags.Lookup(name))
	}
	v.SetEnvPrefix("DRIFTSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	return cmd
}

func run(ctx context.Context, v *viper.Viper) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := logging.Std()

	storage, cleanup, err := buildStorage(ctx, v.GetString("database-url"), logger)
	if err != nil {
		return err
	}
	defer cleanup()

	srv, err := wsserver.New(wsserver.Config{
		Storage:     storage,
		AdminSecret: v.GetString("admin-secret"),
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	httpSrv := &http.Server{
		Addr:    v.GetString("listen"),
		Handler: srv.Handler(),
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			_ = httpSrv.Close()
		}
		return srv.Close()
	})

	return g.Wait()
}

func buildStorage(ctx context.Context, databaseURL string, logger logging.Logger) (wsserver.Storage, func(), error) {
	if databaseURL == "" {
		logger.Info("using in-memory storage")
		return wsserver.NewMemoryStorage(), func() {}, nil
	}

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("ping database: %w", err)
	}

	logger.Info("using postgres storage")
	return wsserver.NewPgStorage(pool), pool.Close, nil
}
