// Copyright 2026 The ChatterBox Authors
// SPDX-License-Identifier: Apache-2.0

// chatterbox-server is the ChatterBox signaling server: a TCP relay
// that registers clients into domains, routes call signaling and chat
// between them with confirmed delivery, and falls back to push
// notifications for offline clients.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/chatterbox-project/chatterbox/lib/clock"
	"github.com/chatterbox-project/chatterbox/lib/config"
	"github.com/chatterbox-project/chatterbox/push"
	"github.com/chatterbox-project/chatterbox/server"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	var address string
	var logLevel string

	flagSet := pflag.NewFlagSet("chatterbox-server", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to config file (default: $CHATTERBOX_CONFIG)")
	flagSet.StringVar(&address, "address", "", "TCP listen address (overrides config)")
	flagSet.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		return err
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		return fmt.Errorf("parsing --log-level: %w", err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else if os.Getenv("CHATTERBOX_CONFIG") != "" {
		cfg, err = config.Load()
	} else {
		cfg = config.Default()
	}
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if address != "" {
		cfg.Server.Address = address
	}

	clk := clock.Real()

	var sinks server.PushSinkFactory
	if cfg.Push.TokenURL != "" {
		httpClient := &http.Client{Timeout: 30 * time.Second}
		auth := push.NewAuthenticator(cfg.Push.TokenURL, push.Credentials{
			ClientID:     cfg.Push.ClientID,
			ClientSecret: cfg.Push.ClientSecret,
		}, httpClient, logger, clk)
		// First authentication is best-effort: senders defer until a
		// token arrives, and the authenticator retries on its own.
		go func() {
			if err := auth.Authenticate(context.Background()); err != nil {
				logger.Warn("initial push authentication failed", "error", err)
			}
		}()
		sinks = func(channelURI string) server.PushSink {
			if channelURI == "" {
				return nil
			}
			return push.NewSender(channelURI, auth, httpClient, logger)
		}
	}

	srv, err := server.NewServer(server.Config{
		Address:           cfg.Server.Address,
		HeartbeatInterval: cfg.Server.Heartbeat(),
		PushSinks:         sinks,
	}, logger, clk)
	if err != nil {
		return fmt.Errorf("starting server: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("chatterbox-server starting", "address", srv.Address().String())
	return srv.Serve(ctx)
}
