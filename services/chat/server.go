// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package chat assembles the notebook chat service: provider clients, the
// completion router, the thread store, and the websocket surface.
package chat

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/AleutianAI/AleutianNotebook/services/chat/handlers"
	"github.com/AleutianAI/AleutianNotebook/services/chat/observability"
	"github.com/AleutianAI/AleutianNotebook/services/chat/rules"
	"github.com/AleutianAI/AleutianNotebook/services/chat/store"
	"github.com/AleutianAI/AleutianNotebook/services/chat/telemetry"
	"github.com/AleutianAI/AleutianNotebook/services/llm"
)

// =============================================================================
// Configuration
// =============================================================================

// Config holds chat service configuration. Zero values use defaults; the
// provider credentials themselves come from environment variables read by
// the individual client constructors.
type Config struct {
	// Port is the HTTP server port. Default: 8765
	Port int

	// ChatsDir is where thread files are persisted.
	// Default: ~/.mito/ai-chats
	ChatsDir string

	// RulesDir holds user rule markdown files.
	// Default: MITO_RULES_DIR or ~/.mito/rules
	RulesDir string

	// OTelEndpoint is the OpenTelemetry collector endpoint.
	// Default: aleutian-otel-collector:4317
	OTelEndpoint string

	// LiteLLMModels lists model names served by the LiteLLM proxy.
	// Only used when LITELLM_BASE_URL is configured.
	LiteLLMModels []string

	// EnableMetrics enables the Prometheus /metrics endpoint.
	EnableMetrics bool

	// GinMode sets the Gin framework mode ("debug", "release", "test").
	GinMode string
}

func applyConfigDefaults(cfg Config) Config {
	if cfg.Port == 0 {
		cfg.Port = 8765
	}
	if cfg.OTelEndpoint == "" {
		cfg.OTelEndpoint = "aleutian-otel-collector:4317"
	}
	cfg.EnableMetrics = true
	return cfg
}

// =============================================================================
// Service
// =============================================================================

// Service is the assembled chat server. Construct with New, then Run; Run
// blocks until SIGINT/SIGTERM and shuts the server down gracefully.
type Service struct {
	config        Config
	router        *gin.Engine
	llmRouter     *llm.Router
	threadStore   *store.ThreadStore
	ruleStore     *rules.Store
	socketHandler *handlers.SocketHandler
	tracerCleanup func(context.Context)
	logger        *slog.Logger
}

// New wires the full service: tracer, metrics, provider clients, router,
// thread store, rules store, and HTTP routes.
func New(cfg Config, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		config: applyConfigDefaults(cfg),
		logger: logger,
	}

	cleanup, err := s.initTracer()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}
	s.tracerCleanup = cleanup

	var metrics *observability.ChatMetrics
	if s.config.EnableMetrics {
		metrics = observability.InitMetrics()
		logger.Info("Initialized Prometheus metrics")
	}

	if err := s.initRouterAndStores(); err != nil {
		s.cleanup()
		return nil, err
	}

	service := handlers.NewCompletionService(s.llmRouter, s.threadStore, s.ruleStore, metrics, logger)
	s.socketHandler = handlers.NewSocketHandler(service, metrics, logger)

	s.initHTTPRouter()
	return s, nil
}

// Router returns the underlying Gin engine for testing.
func (s *Service) Router() *gin.Engine {
	return s.router
}

// Run starts the HTTP server and blocks until a shutdown signal arrives.
func (s *Service) Run() error {
	defer s.cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", s.config.Port),
		Handler: s.router,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting chat server", "port", s.config.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down chat server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// =============================================================================
// Initialization
// =============================================================================

func (s *Service) initTracer() (func(context.Context), error) {
	ctx := context.Background()

	conn, err := grpc.NewClient(s.config.OTelEndpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
	}

	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("notebook-chat-service")))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))

	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	cleanup := func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, time.Second*5)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}

	return cleanup, nil
}

// initRouterAndStores probes every provider constructor and assembles the
// completion router from whichever providers are configured. The hosted
// SageMaker endpoint acts as the fallback when no user key is present.
func (s *Service) initRouterAndStores() error {
	ctx := context.Background()
	clients := map[llm.Provider]llm.CompletionClient{}
	catalog := map[llm.Provider][]string{}

	if client, err := llm.NewLiteLLMClient(s.logger); err == nil {
		clients[llm.ProviderLiteLLM] = client
		catalog[llm.ProviderLiteLLM] = s.config.LiteLLMModels
		s.logger.Info("LiteLLM provider configured", "models", len(s.config.LiteLLMModels))
	}
	if client, err := llm.NewOpenAIClient(s.logger); err == nil {
		clients[llm.ProviderOpenAI] = client
		s.logger.Info("OpenAI provider configured")
	}
	if client, err := llm.NewAnthropicClient(s.logger); err == nil {
		clients[llm.ProviderAnthropic] = client
		s.logger.Info("Anthropic provider configured")
	}
	if client, err := llm.NewGeminiClient(ctx, s.logger); err == nil {
		clients[llm.ProviderGemini] = client
		s.logger.Info("Gemini provider configured")
	}
	if client, err := llm.NewOllamaClient(s.logger); err == nil {
		clients[llm.ProviderOllama] = client
		catalog[llm.ProviderOllama] = []string{client.Model()}
		s.logger.Info("Ollama provider configured", "model", client.Model())
	}
	if client, err := llm.NewSageMakerClient(ctx, s.logger); err == nil {
		clients[llm.ProviderMitoServer] = client
		s.logger.Info("Hosted provider configured")
	} else {
		s.logger.Warn("Hosted provider unavailable", "error", err)
	}

	llmRouter, err := llm.NewRouter(llm.RouterConfig{
		Clients: clients,
		Catalog: catalog,
		Emitter: telemetry.NewLogEmitter(s.logger),
		Logger:  s.logger,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize completion router: %w", err)
	}
	s.llmRouter = llmRouter

	chatsDir := s.config.ChatsDir
	if chatsDir == "" {
		chatsDir, err = store.DefaultChatsDir()
		if err != nil {
			return fmt.Errorf("failed to resolve chats directory: %w", err)
		}
	}
	s.threadStore, err = store.NewThreadStore(chatsDir, llmRouter, s.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize thread store: %w", err)
	}

	rulesDir := s.config.RulesDir
	if rulesDir == "" {
		rulesDir, err = rules.DefaultRulesDir()
		if err != nil {
			return fmt.Errorf("failed to resolve rules directory: %w", err)
		}
	}
	s.ruleStore, err = rules.NewStore(rulesDir, s.logger)
	if err != nil {
		s.logger.Warn("Rules store unavailable, continuing without user rules", "error", err)
		s.ruleStore = nil
	}
	return nil
}

func (s *Service) initHTTPRouter() {
	if s.config.GinMode != "" {
		gin.SetMode(s.config.GinMode)
	}
	s.router = gin.Default()
	s.router.Use(otelgin.Middleware("notebook-chat-service"))

	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":   "ok",
			"provider": string(s.llmRouter.SelectedProvider()),
			"model":    s.llmRouter.SelectedModel(),
		})
	})
	if s.config.EnableMetrics {
		s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}
	s.router.GET("/ws", s.socketHandler.Handle)
}

func (s *Service) cleanup() {
	if s.ruleStore != nil {
		if err := s.ruleStore.Close(); err != nil {
			s.logger.Warn("Rules store close error", "error", err)
		}
	}
	handlers.PurgeSecureMemory()
	if s.tracerCleanup != nil {
		s.tracerCleanup(context.Background())
	}
}

// ParseModelList splits a comma-separated model list from the environment.
func ParseModelList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	models := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			models = append(models, trimmed)
		}
	}
	return models
}
