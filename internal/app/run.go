package app

import (
	"context"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"mailbridge/internal/common/logging"
	"mailbridge/internal/config"
)

// Run is the main entry point for the service.
func Run() error {
	_ = godotenv.Load()

	runtime.GOMAXPROCS(runtime.NumCPU())

	logging.InitGlobalLogger()
	defer logging.MustSync()

	logging.Info("starting mailbridge",
		logging.Int("cpus", runtime.NumCPU()))

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		logging.Error("configuration validation failed", err)
		return err
	}

	application, err := New(cfg)
	if err != nil {
		logging.Error("failed to initialize application", err)
		return err
	}
	defer application.Cleanup()

	srv, _, err := application.RunServer(context.Background())
	if err != nil {
		logging.Error("failed to start background monitor", err)
		return err
	}
	if err := srv.Start(); err != nil {
		logging.Error("server failed to start", err)
		return err
	}
	logging.Info("server listening", logging.String("port", cfg.Port))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logging.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logging.Error("server forced to shutdown", err)
		return err
	}

	logging.Info("server exited")
	return nil
}
