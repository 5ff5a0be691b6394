package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/famsync/famsync/internal/core/observability/log"
	"github.com/famsync/famsync/internal/relay"
)

func main() {
	addr := flag.String("addr", ":8090", "listen address")
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stopCh := make(chan os.Signal, 1)
	signal.Notify(stopCh, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-stopCh
		cancel()
	}()

	srv := relay.NewServer(log.New(log.LevelInfo))
	if err := srv.Run(ctx, *addr); err != nil {
		fmt.Println("Error running relay:", err)
		os.Exit(1)
	}
}
