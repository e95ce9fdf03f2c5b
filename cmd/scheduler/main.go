package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	schedulercmd "github.com/osusuhq/osusu/internal/cmd/scheduler"
)

func main() {
	log.SetPrefix("[SCHEDULER] ")
	log.SetFlags(log.LstdFlags | log.Lmsgprefix)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fs := flag.NewFlagSet("scheduler", flag.ExitOnError)
	cfg, err := schedulercmd.ParseConfig(fs, os.Args[1:])
	if err != nil {
		log.Fatalf("parse config: %v", err)
	}

	if err := schedulercmd.Run(ctx, cfg); err != nil {
		log.Fatalf("run: %v", err)
	}
}
