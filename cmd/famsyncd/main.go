package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/famsync/famsync/internal/core/observability/log"
	"github.com/famsync/famsync/internal/service"
)

func main() {
	configPath := flag.String("config", "famsync.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := service.LoadConfig(*configPath)
	if err != nil {
		fmt.Println("Error loading config:", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	lg := log.New(cfg.Level())
	svc, err := service.New(cfg, lg)
	if err != nil {
		fmt.Println("Error building service:", err)
		os.Exit(1)
	}

	stopCh := make(chan os.Signal, 1)
	signal.Notify(stopCh, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)

	if err = svc.Start(ctx); err != nil {
		fmt.Println("Error starting service:", err)
		os.Exit(1)
	}

	<-stopCh
	cancel()
	svc.Stop()
}
