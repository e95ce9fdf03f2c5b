package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	seedcmd "github.com/osusuhq/osusu/internal/cmd/seed"
)

func main() {
	log.SetPrefix("[SEED] ")
	log.SetFlags(log.LstdFlags | log.Lmsgprefix)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fs := flag.NewFlagSet("seed", flag.ExitOnError)
	cfg, err := seedcmd.ParseConfig(fs, os.Args[1:])
	if err != nil {
		log.Fatalf("parse config: %v", err)
	}

	if err := seedcmd.Run(ctx, cfg); err != nil {
		log.Fatalf("run: %v", err)
	}
}
