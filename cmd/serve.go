package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/naka-gawa/profile-summary/internal/broadcast"
	"github.com/naka-gawa/profile-summary/internal/cache"
	"github.com/naka-gawa/profile-summary/internal/config"
	"github.com/naka-gawa/profile-summary/internal/gateway"
	"github.com/naka-gawa/profile-summary/internal/server"
	"github.com/naka-gawa/profile-summary/internal/usecase"
	"github.com/naka-gawa/profile-summary/internal/watchers"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Starts the HTTP server",
	Long:  `Starts the profile API, the quota subscription channel and the background health and broadcast loops. Configuration is read from the environment and an optional .env file.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		verbose, _ := cmd.InheritedFlags().GetBool("verbose")
		logger := newLogger(verbose || cfg.Debug)
		staticDir, _ := cmd.Flags().GetString("static-dir")

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		driver := cache.DriverForURL(cfg.DatabaseURL)
		store, err := cache.Open(ctx, driver, cfg.DatabaseURL, logger)
		if err != nil {
			return fmt.Errorf("failed to open profile cache: %w", err)
		}
		defer store.Close()

		pool, err := gateway.NewPool(cfg.APITokens, cfg.TargetRepo, cfg.GitHubAPIURL, logger)
		if err != nil {
			return fmt.Errorf("failed to create client pool: %w", err)
		}
		logger.Info("client pool ready", "clients", len(pool.Clients()), "target", cfg.TargetRepo, "cache_driver", driver)

		index := watchers.New(pool, logger)
		if err := index.Sync(ctx); err != nil {
			logger.Warn("initial watcher sync failed", "err", err)
		} else {
			logger.Info("initial watcher sync done", "watchers", index.Len())
		}

		profiles := usecase.NewProfileService(pool, store, index, usecase.Policy{
			Unrestricted:       cfg.Unrestricted,
			FreeRequestsCutoff: cfg.FreeRequestsCutoff,
		}, logger)

		broadcaster := broadcast.New(pool, logger)
		go broadcaster.Run(ctx)

		srv := &http.Server{
			Addr: ":" + strconv.Itoa(cfg.Port),
			Handler: server.New(profiles, broadcaster, server.Options{
				GTMID:     cfg.GTMID,
				StaticDir: staticDir,
			}, logger),
			ReadHeaderTimeout: 10 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			logger.Info("HTTP server listening", "port", cfg.Port)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
			close(errCh)
		}()

		select {
		case err := <-errCh:
			if err != nil {
				return fmt.Errorf("HTTP server stopped: %w", err)
			}
		case <-ctx.Done():
		}

		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("static-dir", "", "Serve index.html and /static/ assets from this directory")
}
