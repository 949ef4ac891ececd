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

	"go.uber.org/zap"

	"github.com/jasonchiu/dvirmail/core/bootstrap"
	coreconfig "github.com/jasonchiu/dvirmail/core/config"
	"github.com/jasonchiu/dvirmail/core/logging"
	corerouter "github.com/jasonchiu/dvirmail/core/router"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "dvirmail-server: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	coreconfig.LoadDotenvIfPresent()

	cfg, err := coreconfig.LoadRuntime()
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.LogLevel, cfg.Production)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	proj, src, err := coreconfig.Resolve("")
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	repo, closeRepo, err := bootstrap.Repository(ctx, proj, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeRepo(context.Background()); err != nil {
			logger.Warn("close store", zap.Error(err))
		}
	}()
	uploader, err := bootstrap.Uploader(proj)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr: cfg.Addr,
		Handler: corerouter.New(corerouter.Deps{
			Config:     cfg,
			Repository: repo,
			Uploader:   uploader,
			Logger:     logger.Named("http"),
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("dvirmail server listening",
			zap.String("addr", cfg.Addr),
			zap.String("backend", proj.Backend),
			zap.String("shape", proj.Shape),
			zap.String("project_file", src),
			zap.Bool("export_upload", uploader != nil),
		)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
