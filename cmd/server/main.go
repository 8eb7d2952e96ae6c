package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/Tyrowin/roomchat/internal/logger"
	"github.com/Tyrowin/roomchat/internal/server"
	"github.com/Tyrowin/roomchat/internal/store"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "roomchat: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
	}

	configPath := flag.String("config", os.Getenv("CHAT_CONFIG"), "path to a YAML config file")
	flag.Parse()

	loaded, err := server.LoadConfig(*configPath)
	if err != nil {
		return err
	}
	logger.Init(loaded.LogLevel)
	server.SetConfig(loaded)
	cfg := server.CurrentConfig()

	engine, err := openEngine(cfg.DataDir)
	if err != nil {
		return err
	}
	defer func() {
		if err := engine.Close(); err != nil {
			logger.Error("store_close_failed", "error", err)
		}
	}()

	rooms := server.NewRooms(engine)
	if _, err := rooms.Get(context.Background(), cfg.DefaultRoom); err != nil {
		return fmt.Errorf("open default room: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Cleanup.Cron != "" {
		go func() {
			if err := server.RunCleanupSchedule(ctx, cfg.Cleanup.Cron, rooms); err != nil {
				logger.Error("cleanup_schedule_stopped", "error", err)
			}
		}()
	}

	httpServer := server.CreateServer(cfg.Port, server.SetupRoutes(rooms))
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.StartServer(httpServer)
	}()

	logger.Info("roomchat_started",
		"addr", cfg.Port,
		"default_room", cfg.DefaultRoom,
		"data_dir", cfg.DataDir,
		"max_frame", cfg.MaxMessageSize.String(),
	)

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutdown_signal_received")
	if err := server.ShutdownServer(httpServer, shutdownTimeout); err != nil {
		logger.Error("http_shutdown_incomplete", "error", err)
	}
	if err := rooms.Shutdown(shutdownTimeout); err != nil {
		logger.Error("rooms_shutdown_incomplete", "error", err)
	}
	return nil
}

// openEngine uses Pebble under dataDir, or keeps everything in memory when
// no directory is configured.
func openEngine(dataDir string) (store.Engine, error) {
	if dataDir == "" {
		logger.Warn("store_in_memory", "reason", "no data directory configured")
		return store.NewMemory(), nil
	}
	engine, err := store.OpenPebble(dataDir)
	if err != nil {
		return nil, fmt.Errorf("open store at %s: %w", dataDir, err)
	}
	return engine, nil
}
