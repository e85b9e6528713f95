package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"rtchat/auth"
	"rtchat/config"
	"rtchat/db"
	"rtchat/server"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "rtchat: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	flagSet := pflag.NewFlagSet("rtchat", pflag.ContinueOnError)
	flagSet.StringVar(&cfg.TCPAddr, "tcp-addr", cfg.TCPAddr, "listen address for the line protocol")
	flagSet.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "listen address for WebSocket, health and metrics")
	flagSet.StringVar(&cfg.DBDriver, "db-driver", cfg.DBDriver, "durable store: sqlite or postgres")
	flagSet.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database path")
	flagSet.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	flagSet.StringVar(&cfg.ControlSocketPath, "control-socket", cfg.ControlSocketPath, "unix socket for management commands")
	flagSet.BoolVar(&cfg.RedeliverPending, "redeliver-pending", cfg.RedeliverPending, "push pending messages when their receiver authenticates")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		fmt.Fprintf(os.Stderr, "Usage: rtchat [flags]\n\n%s", flagSet.FlagUsages())
		return nil
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := db.Open(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initialize %s store: %w", cfg.DBDriver, err)
	}
	defer store.Close()
	logger.Info().Str("driver", cfg.DBDriver).Msg("store ready")

	srv := server.New(store, auth.NewJWTVerifier(cfg.JWTSecret), &server.ServerConfig{
		TCPAddr:          cfg.TCPAddr,
		HTTPAddr:         cfg.HTTPAddr,
		ReadTimeout:      cfg.ReadTimeout,
		WriteTimeout:     cfg.WriteTimeout,
		SendQueueSize:    cfg.SendQueueSize,
		MaxContentLength: cfg.MaxContentLength,
		RedeliverPending: cfg.RedeliverPending,
		AllowedOrigins:   cfg.AllowedOrigins,
	}, logger)

	shutdownReq := make(chan shutdownRequest, 1)
	control := &controlHandler{
		srv:      srv,
		store:    store,
		cfg:      cfg,
		logger:   logger.With().Str("component", "control").Logger(),
		shutdown: shutdownReq,
	}
	go control.listen(ctx)

	listenCtx, cancelListeners := context.WithCancel(ctx)
	defer cancelListeners()

	errCh := make(chan error, 2)
	go func() { errCh <- srv.ListenTCP(listenCtx) }()
	go func() { errCh <- srv.ListenHTTP(listenCtx) }()

	req := shutdownRequest{reason: "maintenance"}
	var runErr error
	select {
	case <-ctx.Done():
		logger.Info().Msg("signal received, shutting down")
	case req = <-shutdownReq:
		logger.Info().Str("reason", req.reason).Msg("shutdown requested")
	case runErr = <-errCh:
		logger.Error().Err(runErr).Msg("listener failed")
	}

	cancelListeners()
	srv.Shutdown(req.reason, req.completion)
	return runErr
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	var logger zerolog.Logger
	if cfg.IsDevelopment() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger()
	} else {
		logger = zerolog.New(os.Stdout).
			With().
			Timestamp().
			Logger()
	}
	return logger.Level(level)
}
