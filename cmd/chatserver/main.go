// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command chatserver starts the AleutianNotebook chat websocket server.
//
// It reads configuration from environment variables (a local .env file is
// loaded first if present) and serves the notebook client protocol on /ws.
//
// # Environment Variables
//
//   - CHAT_SERVER_PORT: HTTP server port (default: 8765)
//   - MITO_CHATS_DIR: thread storage directory (default: ~/.mito/ai-chats)
//   - MITO_RULES_DIR: user rules directory (default: ~/.mito/rules)
//   - OPENAI_API_KEY, ANTHROPIC_API_KEY, GEMINI_API_KEY: user provider keys
//   - LITELLM_BASE_URL, LITELLM_API_KEY, LITELLM_MODELS: LiteLLM proxy
//   - OLLAMA_BASE_URL, OLLAMA_MODEL: local Ollama
//   - SAGEMAKER_ENDPOINT_NAME: hosted fallback endpoint
//   - MITO_LOG_DIR: enables file logging to this directory (optional)
//   - OTEL_EXPORTER_OTLP_ENDPOINT: OpenTelemetry collector (default: aleutian-otel-collector:4317)
//
// # Usage
//
//	go build -o chatserver ./cmd/chatserver
//	./chatserver
package main

import (
	"log"
	"log/slog"
	"os"
	"strconv"

	"github.com/joho/godotenv"

	"github.com/AleutianAI/AleutianNotebook/pkg/logging"
	"github.com/AleutianAI/AleutianNotebook/services/chat"
)

func main() {
	// Local development convenience; ignore when no .env exists.
	_ = godotenv.Load()

	// Setup structured logging
	appLogger := logging.New(logging.Config{
		Level:   logging.LevelInfo,
		LogDir:  os.Getenv("MITO_LOG_DIR"),
		Service: "chat-core",
		JSON:    true,
	})
	defer appLogger.Close()
	logger := appLogger.Slog()
	slog.SetDefault(logger)

	cfg := chat.Config{
		Port:          getEnvInt("CHAT_SERVER_PORT", 8765),
		ChatsDir:      os.Getenv("MITO_CHATS_DIR"),
		RulesDir:      os.Getenv("MITO_RULES_DIR"),
		OTelEndpoint:  getEnvString("OTEL_EXPORTER_OTLP_ENDPOINT", "aleutian-otel-collector:4317"),
		LiteLLMModels: chat.ParseModelList(os.Getenv("LITELLM_MODELS")),
		GinMode:       os.Getenv("GIN_MODE"),
	}

	slog.Info("Starting chat server",
		"port", cfg.Port,
		"chats_dir", cfg.ChatsDir,
	)

	svc, err := chat.New(cfg, logger)
	if err != nil {
		log.Fatalf("Failed to create chat service: %v", err)
	}

	if err := svc.Run(); err != nil {
		log.Fatalf("Chat server error: %v", err)
	}
}

// getEnvString returns the environment variable value or a default.
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns the environment variable as int or a default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}
