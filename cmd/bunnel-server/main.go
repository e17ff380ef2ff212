package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/magnitudedev/bunnel/internal/config"
	ilog "github.com/magnitudedev/bunnel/internal/log"
	"github.com/magnitudedev/bunnel/internal/tunnelserver"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg, err := config.ParseServerFlags(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, "server config error:", err)
		if errors.Is(err, config.ErrCertKeyMismatch) {
			return 1
		}
		return 2
	}
	logger := ilog.New(cfg.LogLevel, "bunnel-server")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	s := tunnelserver.New(cfg, logger)
	if err := s.Run(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "server error:", err)
		return 1
	}
	return 0
}
