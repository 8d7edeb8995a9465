package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/vibeswap/vibeswap/cli/vibeswap/cmd"
	"github.com/vibeswap/vibeswap/logger"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := cmd.New(logger.New).Execute(ctx); err != nil {
		os.Exit(1)
	}
}
