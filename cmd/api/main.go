package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"visualgrid/internal/api"
	"visualgrid/internal/config"
	"visualgrid/internal/engine"
)

func main() {
	cfgPath := flag.String("config", "configs/config.yaml", "Path to configuration file (empty for defaults)")
	addr := flag.String("addr", "", "HTTP listen address (overrides server.addr)")
	flag.Parse()

	cfg := config.Default()
	if *cfgPath != "" {
		loaded, err := config.Load(*cfgPath)
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
		cfg = *loaded
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng, err := engine.NewEngine(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to initialise engine: %v", err)
	}
	logger := eng.Logger()

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.NewServer(eng, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("http shutdown error", "error", err)
		}
	}()

	logger.Info("api server listening", "addr", cfg.Server.Addr, "capture_mode", cfg.Capture.Mode)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		_ = eng.Close()
		log.Fatalf("server error: %v", err)
	}
	if err := eng.Close(); err != nil {
		logger.Error("close engine", "error", err)
	}
	log.Println("API server stopped")
}
