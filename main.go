package main

import (
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	port := flag.Int("port", 0, "override the configured HTTP port")
	flag.Parse()

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "err", err)
		os.Exit(1)
	}
	if *port != 0 {
		cfg.Port = *port
	}
	InitLogger(cfg)

	server := NewServer(cfg)
	go func() {
		if err := server.Start(); err != nil {
			slog.Error("HTTP server failed", "err", err)
			os.Exit(1)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	slog.Info("Shutting down")
	server.Cleanup()
}
