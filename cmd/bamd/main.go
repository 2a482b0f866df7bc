package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rtloftin/discrete-bam/internal/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := cli.Execute(ctx, cli.NewServiceCommand(cli.StdStreams()))
	stop()
	os.Exit(code)
}
