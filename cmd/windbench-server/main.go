package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"windbench/pkg/bench"
	"windbench/pkg/results"
	"windbench/pkg/scenario"
)

const (
	defaultPort        = "8080"
	defaultStoragePath = "./data/runs"
	defaultWorkDir     = "./data/results"
	defaultRegistryBin = "./bin/wind-registry"
	defaultAgentBin    = "./bin/wind-agent"
)

func main() {
	logger := zerolog.New(os.Stderr).With().Timestamp().Str("service", "windbench-server").Logger()

	// Get configuration from environment variables
	port := getEnv("PORT", defaultPort)
	storagePath := getEnv("STORAGE_PATH", defaultStoragePath)
	workDir := getEnv("WORK_DIR", defaultWorkDir)
	registryBin := getEnv("REGISTRY_BIN", defaultRegistryBin)
	agentBin := getEnv("AGENT_BIN", defaultAgentBin)

	absStoragePath, err := filepath.Abs(storagePath)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to get absolute storage path")
	}
	absWorkDir, err := filepath.Abs(workDir)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to get absolute work dir")
	}

	store, err := results.NewFileStore[bench.StoredRun](absStoragePath)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize run storage")
	}

	runner := scenario.NewRunner(scenario.Binaries{
		Registry: registryBin,
		Agent:    agentBin,
	}, logger)
	service := bench.NewService(store, absWorkDir, runner.RunSuiteOnce, logger)

	apiHandler := &APIHandler{
		service: service,
		logger:  logger,
	}

	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery())
	apiHandler.RegisterRoutes(router)

	server := &http.Server{
		Addr:    ":" + port,
		Handler: router,
	}

	go func() {
		logger.Info().
			Str("port", port).
			Str("storagePath", absStoragePath).
			Str("workDir", absWorkDir).
			Str("registryBin", registryBin).
			Str("agentBin", agentBin).
			Msg("Starting windbench server")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutting down server...")

	// An in-flight benchmark is asked to stop before the listener closes so
	// its partial artifacts still get persisted.
	if err := service.Stop(); err == nil {
		waitCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		_ = service.Wait(waitCtx)
		cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Server forced to shutdown")
	}

	logger.Info().Msg("Server exited")
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
