package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/iojanis/bcon-hub/internal/config"
	"github.com/iojanis/bcon-hub/internal/hub"
	"github.com/iojanis/bcon-hub/internal/logging"
	"github.com/iojanis/bcon-hub/internal/ratelimit"
	"github.com/iojanis/bcon-hub/internal/token"
)

// Exit codes: 0 normal, 2 config error, 3 bind error, 4 fatal I/O, 130 interrupted.
const (
	exitOK          = 0
	exitConfigError = 2
	exitBindError   = 3
	exitFatalIO     = 4
	exitInterrupted = 130
)

func main() {
	root := &cobra.Command{
		Use:           "bconhubd",
		Short:         "bcon relay hub: bridges adapters and clients over two WebSocket listeners",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	serve := &cobra.Command{
		Use:   "serve",
		Short: "run the hub",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd)
		},
	}
	config.BindFlags(serve.Flags())
	root.AddCommand(serve)

	if err := root.Execute(); err != nil {
		var exitErr exitCodeError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.code)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitFatalIO)
	}
}

type exitCodeError struct {
	code int
	err  error
}

func (e exitCodeError) Error() string { return e.err.Error() }
func (e exitCodeError) Unwrap() error { return e.err }

func runServe(cmd *cobra.Command) error {
	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		return exitCodeError{code: exitConfigError, err: fmt.Errorf("load config: %w", err)}
	}

	log := logging.New(cfg.LogLevel)

	tokens, err := token.New(cfg.AdapterSecret, cfg.ClientSecret)
	if err != nil {
		return exitCodeError{code: exitConfigError, err: fmt.Errorf("init token service: %w", err)}
	}

	h := hub.New(hub.Config{
		AdapterAddr: net.JoinHostPort("", strconv.Itoa(cfg.AdapterPort)),
		ClientAddr:  net.JoinHostPort("", strconv.Itoa(cfg.ClientPort)),
		ControlAddr: controlAddr(cfg.ControlPort),

		AllowedOrigins: cfg.AllowedOrigins,

		RateLimits: toRateLimits(cfg.RateLimits),

		HeartbeatInterval: cfg.HeartbeatInterval,
		ConnectionTimeout: cfg.ConnectionTimeout,
		AuthTimeout:       cfg.AuthTimeout,
		CommandTimeout:    cfg.CommandTimeout,
		ShutdownTimeout:   cfg.ShutdownTimeout,

		CorrelatorCapacity: cfg.CorrelatorCapacity,
		SendQueueSize:      cfg.SendQueueSize,

		EventPaceHz:    cfg.EventPaceHz,
		EventPaceBurst: cfg.EventPaceBurst,

		StatsEnabled: cfg.StatsEnabled,
	}, tokens, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := h.Run(ctx); err != nil {
		return exitCodeError{code: exitBindError, err: fmt.Errorf("run hub: %w", err)}
	}
	if ctx.Err() != nil {
		return exitCodeError{code: exitInterrupted, err: ctx.Err()}
	}
	return nil
}

func controlAddr(port int) string {
	if port <= 0 {
		return ""
	}
	return net.JoinHostPort("", strconv.Itoa(port))
}

func toRateLimits(r config.RateLimits) ratelimit.Limits {
	return ratelimit.Limits{
		GuestPerMinute:         r.GuestPerMinute,
		PlayerPerMinute:        r.PlayerPerMinute,
		AdminPerMinute:         r.AdminPerMinute,
		SystemPerMinute:        r.SystemPerMinute,
		UnauthAdapterPerMinute: r.UnauthAdapterPerMinute,
		WindowDuration:         r.WindowDuration,
		BanThreshold:           r.BanThreshold,
		BanDuration:            r.BanDuration,
	}
}
