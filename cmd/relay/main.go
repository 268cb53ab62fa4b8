package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/exoml/relay/internal/app"
	"github.com/exoml/relay/internal/config"
	"github.com/exoml/relay/internal/logging"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the settings file")
	listen := flag.String("listen", "", "listen address override")
	flag.Parse()

	cfg, errLoad := config.LoadConfig(*configPath)
	if errLoad != nil {
		log.Fatalf("load config: %v", errLoad)
	}
	if *listen != "" {
		cfg.Listen = *listen
	}
	logging.Setup(cfg.Logging)

	a, errNew := app.New(cfg)
	if errNew != nil {
		log.Fatalf("assemble relay: %v", errNew)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if errRun := a.Run(ctx); errRun != nil {
		log.Fatalf("serve: %v", errRun)
	}
}
