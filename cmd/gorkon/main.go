package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/clintrovert/gorkon/internal/cipipeline"
	"github.com/clintrovert/gorkon/internal/gateway"
	"github.com/clintrovert/gorkon/internal/gitprep"
	"github.com/clintrovert/gorkon/internal/metrics"
	"github.com/clintrovert/gorkon/internal/queue"
	"github.com/clintrovert/gorkon/internal/store"
	"github.com/clintrovert/gorkon/pkg/types"
)

func main() {
	// Initialize logger
	logger, err := zap.NewProduction()
	if err != nil {
		panic(fmt.Sprintf("failed to create logger: %v", err))
	}
	defer logger.Sync()

	// Get configuration from environment
	_ = godotenv.Load()
	githubToken := getEnv("GITHUB_TOKEN", "")
	webhookSecret := getEnv("WEBHOOK_SECRET", "")
	workspaceDir := getEnv("WORKSPACE_DIR", "/var/lib/gorkon/workspace")
	storePath := getEnv("STORE_PATH", "gorkon.db")
	listenAddr := getEnv("LISTEN_ADDR", ":8080")
	ciBaseURL := getEnv("CI_BASE_URL", "")
	ciToken := getEnv("CI_TOKEN", "")
	ciProjectID := getEnv("CI_PROJECT_ID", "0")
	ciRemoteURL := getEnv("CI_REMOTE_URL", "")
	ciBranchPrefix := getEnv("CI_BRANCH_PREFIX", "gorkon-ci")
	ciPollInterval := getEnv("CI_POLL_INTERVAL", "")

	if githubToken == "" {
		logger.Fatal("GITHUB_TOKEN is required")
	}
	if webhookSecret == "" {
		logger.Fatal("WEBHOOK_SECRET is required")
	}

	// Open the task store
	taskStore, err := store.Open(storePath, logger)
	if err != nil {
		logger.Fatal("failed to open task store", zap.Error(err))
	}
	defer taskStore.Close()

	// Create GitHub client and result sink
	githubClient := gateway.NewClient(githubToken, logger)
	sink := gateway.NewCommentSink(githubClient, logger)

	// Create the preparation pipeline
	preparer := gitprep.New(githubToken, logger)

	// Create the remote pipeline adapter when a CI provider is configured
	var pipelines queue.PipelineService
	secrets := []string{githubToken}
	if ciBaseURL != "" {
		projectID, err := strconv.Atoi(ciProjectID)
		if err != nil {
			logger.Fatal("invalid CI_PROJECT_ID", zap.Error(err))
		}
		pollInterval := cipipeline.DefaultPollInterval
		if ciPollInterval != "" {
			pollInterval, err = time.ParseDuration(ciPollInterval)
			if err != nil {
				logger.Warn("invalid poll interval, using default", zap.Error(err))
				pollInterval = cipipeline.DefaultPollInterval
			}
		}
		adapter, err := cipipeline.New(cipipeline.Config{
			BaseURL:      ciBaseURL,
			Token:        ciToken,
			ProjectID:    projectID,
			RemoteURL:    ciRemoteURL,
			BranchPrefix: ciBranchPrefix,
			PollInterval: pollInterval,
		}, logger)
		if err != nil {
			logger.Fatal("failed to create pipeline adapter", zap.Error(err))
		}
		pipelines = pipelineService{adapter}
		secrets = append(secrets, ciToken)
	}

	// Create the queue
	registry := prometheus.NewRegistry()
	taskMetrics := metrics.New(registry)
	runner := queue.NewTaskRunner(preparer, pipelines, taskStore, secrets, logger)
	version := types.NewRunVersion()
	taskQueue := queue.New(taskStore, runner, version, taskMetrics, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	taskQueue.Start(ctx)
	logger.Info("task queue started", zap.String("version", version))

	// Requeue work abandoned by a previous process instance
	if err := taskQueue.Reconcile(ctx, sink); err != nil {
		logger.Fatal("failed to reconcile abandoned tasks", zap.Error(err))
	}

	// Setup HTTP surface
	hook := gateway.NewWebhook(webhookSecret, githubClient, taskQueue, sink, workspaceDir, logger)
	router := chi.NewRouter()
	hook.RegisterRoutes(router)
	router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	server := &http.Server{
		Addr:    listenAddr,
		Handler: router,
	}

	go func() {
		logger.Info("starting HTTP server", zap.String("address", listenAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("failed to start HTTP server", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")

	cancel()
	taskQueue.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	server.Shutdown(shutdownCtx)

	logger.Info("shutdown complete")
}

// pipelineService adapts the concrete adapter to the queue's interface.
type pipelineService struct {
	adapter *cipipeline.Adapter
}

func (s pipelineService) Start(ctx context.Context, task *types.Task) (queue.PipelineHandle, error) {
	handle, err := s.adapter.Start(ctx, task)
	if err != nil {
		return nil, err
	}
	return handle, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
