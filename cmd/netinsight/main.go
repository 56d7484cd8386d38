// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// netinsight is the passive network sensor daemon: it captures traffic
// on one interface, aggregates it into flows, scores threats and serves
// the result over HTTP and websocket.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"grimm.is/netinsight/internal/api"
	"grimm.is/netinsight/internal/config"
	"grimm.is/netinsight/internal/logging"
	"grimm.is/netinsight/internal/pipeline"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "netinsight: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logFormat := "text"
	if cfg.StructuredLogs {
		logFormat = "json"
	}
	logging.SetDefault(logging.New(logging.Config{
		Level:  cfg.LogLevel,
		Format: logFormat,
	}))
	logger := logging.WithComponent("main")

	pl := pipeline.New(cfg, nil)
	if err := pl.Start(); err != nil {
		return fmt.Errorf("failed to start pipeline: %w", err)
	}

	server := api.NewServer(cfg, pl, nil)
	if err := server.Start(); err != nil {
		pl.Stop()
		return fmt.Errorf("failed to start API server: %w", err)
	}

	logger.Info("Sensor running",
		"interface", cfg.Interface, "listen", cfg.ListenAddr, "db", cfg.DatabasePath)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("Shutting down", "signal", sig.String())

	server.Stop()
	pl.Stop()
	return nil
}
