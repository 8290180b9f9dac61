package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/AleutianNotebook/services/chat/datatypes"
)

var ollamaTracer = otel.Tracer("aleutian.llm.ollama")

const defaultOllamaBaseURL = "http://localhost:11434"

type OllamaClient struct {
	httpClient *http.Client
	baseURL    string
	model      string
	logger     *slog.Logger
}

type ollamaChatMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

type ollamaChatRequest struct {
	Model    string                 `json:"model"`
	Messages []ollamaChatMessage    `json:"messages"`
	Stream   bool                   `json:"stream"`
	Format   json.RawMessage        `json:"format,omitempty"`
	Options  map[string]interface{} `json:"options,omitempty"`
}

type ollamaChatResponse struct {
	Message   ollamaChatMessage `json:"message"`
	CreatedAt string            `json:"created_at"`
	Done      bool              `json:"done"`
}

// NewOllamaClient is configured when OLLAMA_MODEL is set. The base URL
// falls back to the local daemon default.
func NewOllamaClient(logger *slog.Logger) (*OllamaClient, error) {
	model := os.Getenv("OLLAMA_MODEL")
	if model == "" {
		return nil, errors.New("OLLAMA_MODEL is not set")
	}
	baseURL := os.Getenv("OLLAMA_BASE_URL")
	if baseURL == "" {
		baseURL = defaultOllamaBaseURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	baseURL = strings.TrimSuffix(baseURL, "/")
	logger.Info("Initializing Ollama client", "base_url", baseURL, "model", model)
	return &OllamaClient{
		httpClient: &http.Client{Timeout: 5 * time.Minute},
		baseURL:    baseURL,
		model:      model,
		logger:     logger,
	}, nil
}

// Model reports the locally served model name for catalog listings.
func (o *OllamaClient) Model() string {
	return o.model
}

func (o *OllamaClient) buildRequest(req CompletionRequest, stream bool) (ollamaChatRequest, error) {
	payload := ollamaChatRequest{
		Model:    o.model,
		Messages: toOllamaMessages(req.Messages),
		Stream:   stream,
		Options: map[string]interface{}{
			"temperature": 0.2,
			"num_predict": 8192,
		},
	}
	if req.ResponseFormat != nil {
		schema, err := json.Marshal(req.ResponseFormat.Schema)
		if err != nil {
			return payload, fmt.Errorf("marshal response schema: %w", err)
		}
		payload.Format = schema
	}
	return payload, nil
}

func (o *OllamaClient) RequestCompletions(ctx context.Context, req CompletionRequest) (string, error) {
	ctx, span := ollamaTracer.Start(ctx, "OllamaClient.RequestCompletions")
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.model", o.model),
		attribute.Int("llm.num_messages", len(req.Messages)),
	)

	payload, err := o.buildRequest(req, false)
	if err != nil {
		return "", datatypes.NewInvalidRequestError(err.Error())
	}
	respBody, err := o.post(ctx, payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}

	var ollamaResp ollamaChatResponse
	if err := json.Unmarshal(respBody, &ollamaResp); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", datatypes.NewProviderError(string(ProviderOllama), fmt.Errorf("parse chat response: %w", err))
	}
	return ollamaResp.Message.Content, nil
}

func (o *OllamaClient) StreamCompletions(ctx context.Context, req CompletionRequest, reply ReplyFunc) (string, error) {
	ctx, span := ollamaTracer.Start(ctx, "OllamaClient.StreamCompletions")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", o.model))

	payload, err := o.buildRequest(req, true)
	if err != nil {
		return "", datatypes.NewInvalidRequestError(err.Error())
	}
	resp, err := o.doRequest(ctx, payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		err := o.statusError(resp.StatusCode, respBody)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}

	// Ollama streams newline-delimited JSON objects rather than SSE.
	var full strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var chunk ollamaChatResponse
		if err := json.Unmarshal(scanner.Bytes(), &chunk); err != nil {
			continue
		}
		if token := chunk.Message.Content; token != "" {
			full.WriteString(token)
			if err := reply(tokenChunk(req.MessageID, token, false)); err != nil {
				return full.String(), err
			}
		}
		if chunk.Done {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return full.String(), datatypes.NewProviderError(string(ProviderOllama), err)
	}
	if err := reply(tokenChunk(req.MessageID, "", true)); err != nil {
		return full.String(), err
	}
	return full.String(), nil
}

func (o *OllamaClient) post(ctx context.Context, payload ollamaChatRequest) ([]byte, error) {
	resp, err := o.doRequest(ctx, payload)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, datatypes.NewProviderError(string(ProviderOllama), fmt.Errorf("read response body: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, o.statusError(resp.StatusCode, respBody)
	}
	return respBody, nil
}

func (o *OllamaClient) doRequest(ctx context.Context, payload ollamaChatRequest) (*http.Response, error) {
	reqBody, err := json.Marshal(payload)
	if err != nil {
		return nil, datatypes.NewInvalidRequestError(fmt.Sprintf("marshal chat request: %v", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/chat", bytes.NewBuffer(reqBody))
	if err != nil {
		return nil, datatypes.NewProviderError(string(ProviderOllama), err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		o.logger.Error("Ollama API call failed", "error", err)
		return nil, datatypes.NewProviderError(string(ProviderOllama), err)
	}
	return resp, nil
}

func (o *OllamaClient) statusError(status int, body []byte) error {
	if status == http.StatusNotFound {
		var errResp struct {
			Error string `json:"error"`
		}
		if err := json.Unmarshal(body, &errResp); err == nil &&
			strings.Contains(errResp.Error, "model") && strings.Contains(errResp.Error, "not found") {
			o.logger.Warn("Ollama model not found", "model", o.model)
			return &datatypes.CompletionError{
				Kind:     datatypes.ErrNotFound,
				Title:    fmt.Sprintf("Model %q is not installed", o.model),
				Hint:     fmt.Sprintf("Run: ollama pull %s", o.model),
				Provider: string(ProviderOllama),
				Err:      fmt.Errorf("ollama: %s", errResp.Error),
			}
		}
	}
	o.logger.Error("Ollama returned an error", "status_code", status, "response", string(body))
	return datatypes.NewProviderError(string(ProviderOllama),
		fmt.Errorf("ollama failed with status %d: %s", status, string(body)))
}

// toOllamaMessages flattens multimodal content into Ollama's single-string
// message form, with any inline images carried in the images array.
func toOllamaMessages(messages []datatypes.Message) []ollamaChatMessage {
	out := make([]ollamaChatMessage, 0, len(messages))
	for _, msg := range messages {
		converted := ollamaChatMessage{Role: string(msg.Role)}
		if msg.Content.Parts == nil {
			converted.Content = msg.Content.Text
		} else {
			var text strings.Builder
			for _, part := range msg.Content.Parts {
				switch part.Type {
				case datatypes.ContentPartText:
					text.WriteString(part.Text)
				case datatypes.ContentPartImageURL:
					if part.ImageURL == nil {
						continue
					}
					if src, ok := parseDataURL(part.ImageURL.URL); ok {
						converted.Images = append(converted.Images, src.Data)
					}
				}
			}
			converted.Content = text.String()
		}
		out = append(out, converted)
	}
	return out
}
