package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/walteh/vmcontrol/cmd/vmctl/commands"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	ctx = log.Logger.WithContext(ctx)

	if err := commands.Run(ctx, os.Args[1:], os.Stdout); err != nil {
		commands.PrintError(os.Stderr, err)
		cancel()
		os.Exit(1)
	}
}
