package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tipledger/tipledger/internal/api"
	"github.com/tipledger/tipledger/internal/app"
	"github.com/tipledger/tipledger/internal/config"
)

func main() {
	var (
		envFile = flag.String("env-file", "", "optional .env file loaded before the environment")

		readHeaderTimeout = flag.Duration("read-header-timeout", 5*time.Second, "http.Server ReadHeaderTimeout")
		readTimeout       = flag.Duration("read-timeout", 10*time.Second, "http.Server ReadTimeout")
		writeTimeout      = flag.Duration("write-timeout", 60*time.Second, "http.Server WriteTimeout")
		idleTimeout       = flag.Duration("idle-timeout", 60*time.Second, "http.Server IdleTimeout")
	)
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err == nil {
		err = cfg.ValidateAPI()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Open(ctx, cfg, log)
	if err != nil {
		log.Error("init", "err", err)
		os.Exit(2)
	}
	defer a.Close()

	handler, err := api.NewHandler(a.Core, api.Config{
		AuthToken:          cfg.API.AuthToken,
		MaxBodyBytes:       cfg.API.MaxBodyBytes,
		RequestTimeout:     cfg.API.RequestTimeout,
		RateLimitPerSecond: cfg.API.RateLimitPerSecond,
		RateLimitBurst:     cfg.API.RateLimitBurst,
		Metrics:            a.Metrics,
		Logger:             log,
	})
	if err != nil {
		log.Error("init api handler", "err", err)
		os.Exit(2)
	}

	srv := &http.Server{
		Addr:              cfg.API.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: *readHeaderTimeout,
		ReadTimeout:       *readTimeout,
		WriteTimeout:      *writeTimeout,
		IdleTimeout:       *idleTimeout,
		MaxHeaderBytes:    1 << 20,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("tipledger-api listening",
			"addr", cfg.API.ListenAddr,
			"chainID", cfg.Chain.ChainID,
			"token", cfg.Chain.Token,
			"custodian", cfg.Chain.Custodian,
			"queueDriver", cfg.Queue.Driver,
			"auth", cfg.API.AuthToken != "",
		)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown", "reason", ctx.Err())
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "err", err)
			a.Close()
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}
