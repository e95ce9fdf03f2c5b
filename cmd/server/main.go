package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	servercmd "github.com/osusuhq/osusu/internal/cmd/server"
)

func main() {
	log.SetPrefix("[SERVER] ")
	log.SetFlags(log.LstdFlags | log.Lmsgprefix)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fs := flag.NewFlagSet("server", flag.ExitOnError)
	cfg, err := servercmd.ParseConfig(fs, os.Args[1:])
	if err != nil {
		log.Fatalf("parse config: %v", err)
	}

	if err := servercmd.Run(ctx, cfg); err != nil {
		log.Fatalf("run: %v", err)
	}
}
