package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Brownie44l1/skin-api/internal/config"
	"github.com/Brownie44l1/skin-api/internal/handlers"
	"github.com/Brownie44l1/skin-api/internal/model"
)

func main() {
	configPath := flag.String("config", "", "path of the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := buildLogger(cfg.Log.Format, cfg.Log.Level, os.Stdout)
	if err != nil {
		log.Fatalf("Failed to configure logger: %v", err)
	}

	logger.Info("model_loading", "dir", cfg.Model.Dir, "device", cfg.Model.Device)

	modelServer, err := model.Load(cfg.Model.Dir, model.LoadOptions{
		SharedLibraryPath: cfg.Model.LibraryPath,
		Device:            cfg.Model.Device,
		Logf: func(format string, args ...any) {
			logger.Info("model_load", "detail", fmt.Sprintf(format, args...))
		},
	})
	if err != nil {
		log.Fatalf("Failed to initialize model server: %v", err)
	}
	defer modelServer.Close()

	handler := handlers.NewHandler(modelServer, logger, handlers.Options{
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
		MaxPixels:    cfg.Model.MaxPixels,
	})

	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)

	server := &http.Server{
		Addr: ":" + cfg.Server.Port,
		Handler: handlers.Chain(mux,
			handlers.RequestIDMiddleware,
			handlers.RecoveryMiddleware(logger),
			handlers.LoggingMiddleware(logger),
			handlers.CORSMiddleware(cfg.Server.AllowOrigin),
		),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info("server_start",
			"addr", server.Addr,
			"device", modelServer.Device(),
			"classes", modelServer.Metadata.Classes,
			"confidence_threshold", model.ConfidenceThreshold,
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	waitForSignal()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("server_shutdown_failed", "error", err.Error())
	}
}

func buildLogger(format string, level string, out io.Writer) (*slog.Logger, error) {
	var slogLevel slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		slogLevel = slog.LevelDebug
	case "info", "":
		slogLevel = slog.LevelInfo
	case "warn", "warning":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	default:
		return nil, fmt.Errorf("unsupported log level %q", level)
	}

	opts := &slog.HandlerOptions{Level: slogLevel}
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "json", "":
		return slog.New(slog.NewJSONHandler(out, opts)), nil
	case "text":
		return slog.New(slog.NewTextHandler(out, opts)), nil
	default:
		return nil, fmt.Errorf("unsupported log format %q", format)
	}
}

func waitForSignal() {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGTERM, syscall.SIGINT)
	<-signals
}
