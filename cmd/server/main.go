package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	_ "github.com/lib/pq"
	"github.com/sourcegraph/conc/pool"
	"github.com/urfave/cli/v2"

	"github.com/example/vendor-tracking/internal/config"
	httpapi "github.com/example/vendor-tracking/internal/http"
	"github.com/example/vendor-tracking/internal/logging"
)

func main() {
	app := &cli.App{
		Name:  "vendor-tracking",
		Usage: "live vendor location and roaming schedule API",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "http-addr", Usage: "listen address", EnvVars: []string{"HTTP_ADDR"}},
			&cli.BoolFlag{Name: "migrate", Usage: "apply SQL migrations before serving", EnvVars: []string{"MIGRATE"}},
			&cli.StringFlag{Name: "migrations-dir", Value: "migrations", EnvVars: []string{"MIGRATIONS_DIR"}},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if addr := c.String("http-addr"); addr != "" {
		cfg.HTTPAddr = addr
	}
	if c.Bool("migrate") {
		cfg.RunMigrations = true
	}
	logger := logging.NewLogger("vendor-tracking", cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.RunMigrations && cfg.PGDSN != "" {
		if err := migrate(cfg.PGDSN, c.String("migrations-dir"), logger); err != nil {
			logger.Error("migration failed", "error", err)
		}
	}

	app, err := httpapi.NewServerFromConfig(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := app.Close(); err != nil {
			logger.Warn("shutdown cleanup", "error", err)
		}
	}()

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      app.Server,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	p := pool.New().WithContext(ctx).WithCancelOnError()
	p.Go(func(ctx context.Context) error {
		app.Persist.Run(ctx)
		return nil
	})
	p.Go(func(ctx context.Context) error {
		logger.Info("listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	p.Go(func(ctx context.Context) error {
		<-ctx.Done()
		logger.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	return p.Wait()
}

func migrate(dsn, dir string, logger *slog.Logger) error {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return err
	}
	defer db.Close()
	files, err := filepath.Glob(filepath.Join(dir, "*.sql"))
	if err != nil {
		return err
	}
	for _, f := range files {
		b, err := os.ReadFile(f)
		if err != nil {
			return err
		}
		if _, err := db.Exec(string(b)); err != nil {
			return fmt.Errorf("%s: %w", filepath.Base(f), err)
		}
		logger.Info("migration applied", "file", filepath.Base(f))
	}
	return nil
}
