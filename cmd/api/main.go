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

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"veritas/api/internal/app"
	"veritas/api/internal/authpw"
	"veritas/api/internal/capture"
	"veritas/api/internal/config"
	"veritas/api/internal/logging"
	"veritas/api/internal/objstore"
	"veritas/api/internal/search"
	"veritas/api/internal/session"
	"veritas/api/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fatal("load config", err)
	}
	logger, err := logging.NewServer(cfg.Debug)
	if err != nil {
		fatal("init logger", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("api: exiting", zap.Error(err))
	}
}

// fatal reports a startup failure that happens before the logger exists.
func fatal(what string, err error) {
	fmt.Fprintf(os.Stderr, "api: %s: %v\n", what, err)
	os.Exit(1)
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := store.ApplyMigrations(cfg.DatabaseURL, cfg.MigrationsDir, logger); err != nil {
		return err
	}

	dataStore := store.NewPostgresStore(db)

	var sessions app.SessionStore = dataStore
	if strings.TrimSpace(cfg.RedisURL) != "" {
		logger.Info("api: using redis for session storage")
		redisStore, err := session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			return err
		}
		defer redisStore.Close()
		sessions = redisStore
	} else {
		logger.Info("api: using postgres for session storage")
	}

	pg := search.NewPgSearch(db)
	var index search.Index
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meili := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		defer meili.Close()
		index = meili
	}
	searchService := search.NewService(index, pg, logger)
	searchService.ReindexAllFromPG(ctx)

	objects, err := objstore.New(cfg.S3Endpoint, cfg.S3AccessKey, cfg.S3SecretKey, cfg.S3Region, cfg.S3UseSSL)
	if err != nil {
		return err
	}
	for _, bucket := range []string{cfg.AvatarBucket, cfg.CaptureBucket} {
		if err := objects.EnsureBucket(ctx, bucket); err != nil {
			// Uploads fail until the bucket exists; the rest of the API still works.
			logger.Warn("api: ensure bucket", zap.String("bucket", bucket), zap.Error(err))
		}
	}

	service := app.New(cfg, app.Deps{
		Store:    dataStore,
		Sessions: sessions,
		Auth:     authpw.NewService(dataStore),
		Search:   searchService,
		Objects:  objects,
		Logger:   logger,
	})
	if err := service.Bootstrap(ctx); err != nil {
		logger.Warn("api: bootstrap failed, will retry on next restart", zap.Error(err))
	}

	servers := []*http.Server{{
		Addr:              cfg.Addr,
		Handler:           app.NewHTTPServer(service, cfg.CORSOrigin, cfg.SignInPerMinute, logger).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}}
	if cfg.CaptureAddr != "off" {
		servers = append(servers, &http.Server{
			Addr:              cfg.CaptureAddr,
			Handler:           capture.NewReceiver(capture.NewBucketSink(objects, cfg.CaptureBucket), logger),
			ReadHeaderTimeout: 10 * time.Second,
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		srv := srv
		g.Go(func() error {
			logger.Info("api: listening", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Warn("api: shutdown", zap.String("addr", srv.Addr), zap.Error(err))
			}
		}
		return nil
	})
	return g.Wait()
}
