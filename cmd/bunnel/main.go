package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/magnitudedev/bunnel/internal/agent"
	"github.com/magnitudedev/bunnel/internal/config"
	ilog "github.com/magnitudedev/bunnel/internal/log"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg, err := config.ParseClientFlags(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, "client config error:", err)
		return 2
	}
	logger := ilog.New(cfg.LogLevel, "bunnel")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	e, err := agent.New(cfg.LocalURL, cfg.TunnelURL, cfg.SelfSigned, cfg.ProbeTimeout, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, "agent error:", err)
		return 1
	}
	if err := e.Run(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "agent error:", err)
		return 1
	}
	return 0
}
