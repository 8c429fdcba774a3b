// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// tallow-relay pairs two tallow peers presenting the same session token
// and forwards their already-encrypted bytes. It never sees plaintext.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/tallow/lib/config"
	"github.com/bureau-foundation/tallow/lib/version"
	"github.com/bureau-foundation/tallow/relay"
)

// statsInterval is how often running totals are logged.
const statsInterval = time.Minute

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath    string
		listen        string
		secretFile    string
		metricsListen string
		showVersion   bool
	)
	flags := pflag.NewFlagSet("tallow-relay", pflag.ContinueOnError)
	flags.StringVar(&configPath, "config", "", "config file (default $"+config.EnvVar+")")
	flags.StringVar(&listen, "listen", "", "listen address, overriding relay_server.listen")
	flags.StringVar(&secretFile, "secret-file", "", "credential secret, overriding relay_server.secret_file")
	flags.StringVar(&metricsListen, "metrics-listen", "", "serve /metrics and /health on this address, overriding relay_server.metrics_listen")
	flags.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	if showVersion {
		fmt.Printf("tallow-relay %s\n", version.Info())
		return nil
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if listen != "" {
		cfg.RelayServer.Listen = listen
	}
	if secretFile != "" {
		cfg.RelayServer.SecretFile = secretFile
	}
	if metricsListen != "" {
		cfg.RelayServer.MetricsListen = metricsListen
	}
	if cfg.RelayServer.SecretFile == "" {
		return errors.New("a credential secret is required (--secret-file or relay_server.secret_file)")
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	secret, err := config.ReadSecret(cfg.RelayServer.SecretFile)
	if err != nil {
		return err
	}
	issuer, err := relay.NewIssuer(secret, nil)
	clear(secret)
	if err != nil {
		return err
	}

	serverConfig := relay.ServerConfigFrom(cfg.RelayServer, issuer)
	serverConfig.Logger = logger
	server, err := relay.NewServer(serverConfig)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := server.Start(ctx); err != nil {
		return err
	}
	logger.Info("relay running",
		"version", version.Short(),
		"listen", server.Addr().String(),
		"environment", cfg.Environment,
	)

	metricsErr := make(chan error, 1)
	if cfg.RelayServer.MetricsListen != "" {
		metrics := relay.NewMetricsServer(cfg.RelayServer.MetricsListen, server, logger)
		go func() { metricsErr <- metrics.Serve(ctx) }()
	}

	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			server.Stop()
			logStats(logger, server.Stats())
			return nil
		case err := <-metricsErr:
			server.Stop()
			return err
		case <-ticker.C:
			logStats(logger, server.Stats())
		}
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		path = os.Getenv(config.EnvVar)
	}
	cfg := config.Resolved()
	if path != "" {
		loaded, err := config.LoadFile(path)
		if err != nil {
			return nil, fmt.Errorf("loading config: %w", err)
		}
		cfg = loaded
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func logStats(logger *slog.Logger, stats relay.ServerStats) {
	logger.Info("relay stats",
		"accepted", stats.Accepted,
		"refused", stats.Refused,
		"paired", stats.Paired,
		"active", stats.Active,
		"waiting", stats.Waiting,
		"bytes_relayed", stats.BytesRelayed,
	)
}
