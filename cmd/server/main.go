package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/otakuhub/streamcore/internal/config"
	"github.com/otakuhub/streamcore/internal/db"
	"github.com/otakuhub/streamcore/internal/download"
	"github.com/otakuhub/streamcore/internal/hianime"
	"github.com/otakuhub/streamcore/internal/log"
	"github.com/otakuhub/streamcore/internal/selector"
	"github.com/otakuhub/streamcore/internal/server"
	"github.com/otakuhub/streamcore/internal/session"
	"github.com/otakuhub/streamcore/internal/subtitle"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		base := log.Base()
		base.Fatal().Err(err).Msg("load config")
	}
	log.Configure(log.Config{Level: cfg.LogLevel})
	logger := log.WithComponent("main")

	database, err := db.Open(cfg.DBPath)
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.DBPath).Msg("open database")
	}
	defer func(database *sql.DB) {
		_ = database.Close()
	}(database)
	repo := db.NewRepository(database)

	events := server.NewEventBus()
	loader := hianime.NewClient(cfg.UpstreamBaseURL, cfg.UpstreamTimeout)
	captions := subtitle.NewFetcher(cfg.UpstreamTimeout)
	sessions := session.NewManager(loader, captions, selector.Config{
		MaxRetriesPerServer: cfg.MaxRetriesPerServer,
		MaxServersTotal:     cfg.MaxServersTotal,
	}, cfg.SessionTTL)
	worker := download.NewWorker(repo, cfg.DownloadDir, cfg.DownloadMaxRetries, events)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go worker.Run(ctx)
	go sessions.RunJanitor(ctx)

	srv := server.New(cfg, sessions, repo, worker, events)
	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv.Routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // SSE and proxy streams are long-lived
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.HTTPAddr).Str("upstream", cfg.UpstreamBaseURL).Msg("streamcore listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown")
	}
}
