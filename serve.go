package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"school-records-server/cloudsync"
	"school-records-server/config"
	"school-records-server/db"
	"school-records-server/handlers"
	"school-records-server/logger"
	"school-records-server/records"
	"school-records-server/render"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand(envFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server (default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*envFile)
			if err != nil {
				return err
			}
			log, err := logger.New(cfg.Log)
			if err != nil {
				return err
			}
			defer func() {
				_ = log.Sync()
			}()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg, log)
		},
	}
}

func runServer(ctx context.Context, cfg *config.Config, log *zap.SugaredLogger) error {
	redisClient, err := db.InitializeRedisClient(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	defer func() {
		_ = redisClient.Close()
	}()
	log.Infow("Connected to Redis", "addr", cfg.Redis.Addr, "db", cfg.Redis.DB)

	store := db.NewRedisService(redisClient, cfg.Storage, log)
	cloud := cloudsync.New(cfg.Cloud, log)
	if cloud.Enabled() {
		log.Infow("Cloud sync enabled", "bin", cfg.Cloud.BinID)
	} else {
		log.Infow("Cloud sync disabled")
	}

	service := records.NewService(store, cloud, log)
	if _, err := service.Load(ctx); err != nil {
		return fmt.Errorf("failed to load database: %w", err)
	}
	defer service.WaitForSync()

	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	apiHandler := handlers.NewAPIHandler(service, render.NewDocuments(nil), log)
	router := handlers.NewRouter(apiHandler, handlers.NewStaticHandler(cfg.Server.WebRoot, log), log)

	srv := &http.Server{
		Addr:              cfg.Server.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infow("Starting server", "addr", cfg.Server.Port, "webRoot", cfg.Server.WebRoot)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("failed to run server: %w", err)
	case <-ctx.Done():
	}

	log.Infow("Shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down server: %w", err)
	}
	return nil
}
