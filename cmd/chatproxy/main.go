// Package main is the entry point for the chatproxy gateway.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/howard-nolan/chatproxy/internal/config"
	"github.com/howard-nolan/chatproxy/internal/engine"
	"github.com/howard-nolan/chatproxy/internal/metrics"
	"github.com/howard-nolan/chatproxy/internal/provider"
	"github.com/howard-nolan/chatproxy/internal/registry"
	"github.com/howard-nolan/chatproxy/internal/server"
)

const shutdownTimeout = 30 * time.Second

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("config", *configPath).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Str("config", *configPath).Msg("invalid config")
	}
	setupLogging(cfg.Log)

	// Upstream calls are bounded by the client's request context, not a
	// client-wide timeout, so long streams are not cut off.
	client := &http.Client{}

	lib, err := provider.NewLibrary(cfg.Providers, client)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build provider library")
	}
	reg, err := registry.Build(cfg, lib.Has)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build model registry")
	}
	log.Info().
		Strs("providers", lib.Names()).
		Strs("models", reg.Models()).
		Msg("registry loaded")

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		promReg := prometheus.NewRegistry()
		promReg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		m = metrics.New(promReg)
	}

	srv := server.New(cfg, reg, engine.NewDispatcher(reg, lib, client), m)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      srv,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	done := make(chan struct{})
	go func() {
		defer close(done)
		<-ctx.Done()
		log.Info().Msg("shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("shutdown error")
		}
	}()

	log.Info().
		Int("port", cfg.Server.Port).
		Bool("auth", cfg.Server.Token != "").
		Bool("metrics", cfg.Metrics.Enabled).
		Msg("chatproxy listening")

	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("server error")
	}
	<-done
	log.Info().Msg("chatproxy stopped")
}

// setupLogging configures the global zerolog logger. The level has already
// been checked by Validate.
func setupLogging(cfg config.LogConfig) {
	if cfg.Pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	} else {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	}

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.DefaultContextLogger = &log.Logger
}
