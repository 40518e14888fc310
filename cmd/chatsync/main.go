package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chatsync/internal/api"
	"chatsync/internal/auth"
	"chatsync/internal/client"
	"chatsync/internal/config"
	"chatsync/internal/httpserver"
	"chatsync/internal/logging"
	"chatsync/internal/storage"
	"chatsync/internal/transport"
	"chatsync/internal/ws"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		_, _ = os.Stderr.WriteString("config error: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		_, _ = os.Stderr.WriteString("log init error: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger.Info("starting",
		"wsUrl", cfg.WSURL,
		"apiUrl", cfg.APIURL,
		"transport", cfg.Transport,
		"httpAddr", cfg.HTTPAddr,
		"database", storage.RedactedDatabaseURL(cfg.DatabaseURL),
	)

	store, err := storage.Open(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}

	tokens, err := tokenProvider(cfg, logger)
	if err != nil {
		logger.Error("failed to load token", "error", err)
		os.Exit(1)
	}

	factory, err := transport.NewFactory(cfg.Transport, logger)
	if err != nil {
		logger.Error("invalid transport", "error", err)
		os.Exit(1)
	}

	hub := ws.NewHub(logger)
	core := client.New(logger, client.Options{
		WSURL:                  cfg.WSURL,
		Tokens:                 tokens,
		Transports:             factory,
		Directory:              store,
		API:                    api.NewClient(logger, cfg.APIURL, tokens, cfg.FetchTimeout),
		Viewport:               hub,
		PageSize:               cfg.PageSize,
		FastReconnectThreshold: cfg.FastReconnectThreshold,
		FetchTimeout:           cfg.FetchTimeout,
		HeartbeatInterval:      cfg.HeartbeatInterval,
		ReconnectDebounce:      cfg.ReconnectDebounce,
		ReadDebounce:           cfg.ReadReportDebounce,
		Mobile:                 cfg.Mobile,
	})
	hub.Bind(core)
	detach := hub.Attach(core.Bus())
	defer detach()

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		if err := core.Run(ctx); err != nil {
			logger.Error("sync client stopped", "error", err)
		}
	}()

	var srv *http.Server
	errCh := make(chan error, 1)
	if cfg.HTTPAddr != "" {
		srv = &http.Server{
			Addr:              cfg.HTTPAddr,
			Handler:           httpserver.NewHandler(logger, core, hub, httpserver.HandlerOptions{Token: cfg.HTTPToken}),
			ReadHeaderTimeout: 5 * time.Second,
			ErrorLog:          logging.StdLogger(logger),
		}
		go func() {
			errCh <- srv.ListenAndServe()
		}()
		logger.Info("listening", "httpAddr", cfg.HTTPAddr)
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
		stop()
	}

	hub.CloseAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("http shutdown error", "error", err)
		}
	}

	select {
	case <-runDone:
	case <-shutdownCtx.Done():
		logger.Warn("sync client did not stop in time")
	}

	if err := store.Close(); err != nil {
		logger.Error("db close error", "error", err)
	}

	logger.Info("stopped")
}

// tokenProvider prefers a watched token file so a login elsewhere can hand
// the client a new token without a restart.
func tokenProvider(cfg config.Config, logger *slog.Logger) (auth.TokenProvider, error) {
	if cfg.TokenFile != "" {
		return auth.NewFileTokenProvider(cfg.TokenFile, logger)
	}
	return auth.Static(cfg.Token), nil
}
