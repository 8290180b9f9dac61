package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/AleutianAI/AleutianNotebook/services/chat/datatypes"
)

// OpenAIClient talks to any OpenAI-compatible chat completions API. The
// LiteLLM proxy speaks the same wire format, so both providers share this
// implementation and differ only in construction.
type OpenAIClient struct {
	client   *openai.Client
	provider Provider
	logger   *slog.Logger
}

func NewOpenAIClient(logger *slog.Logger) (*OpenAIClient, error) {
	key := os.Getenv("OPENAI_API_KEY")
	if key == "" {
		return nil, errors.New("OPENAI_API_KEY is not set")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OpenAIClient{
		client:   openai.NewClient(key),
		provider: ProviderOpenAI,
		logger:   logger,
	}, nil
}

// NewLiteLLMClient points the OpenAI SDK at a LiteLLM proxy. The proxy key
// is optional; some deployments run without auth.
func NewLiteLLMClient(logger *slog.Logger) (*OpenAIClient, error) {
	base := os.Getenv("LITELLM_BASE_URL")
	if base == "" {
		return nil, errors.New("LITELLM_BASE_URL is not set")
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg := openai.DefaultConfig(os.Getenv("LITELLM_API_KEY"))
	cfg.BaseURL = strings.TrimSuffix(base, "/")
	return &OpenAIClient{
		client:   openai.NewClientWithConfig(cfg),
		provider: ProviderLiteLLM,
		logger:   logger,
	}, nil
}

func (c *OpenAIClient) buildRequest(req CompletionRequest, stream bool) (openai.ChatCompletionRequest, error) {
	out := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: toOpenAIMessages(req.Messages),
		Stream:   stream,
	}
	if req.ResponseFormat != nil {
		schema, err := json.Marshal(req.ResponseFormat.Schema)
		if err != nil {
			return out, fmt.Errorf("marshal response schema: %w", err)
		}
		out.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
			JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
				Name:   req.ResponseFormat.Name,
				Schema: json.RawMessage(schema),
				Strict: false,
			},
		}
	}
	return out, nil
}

func (c *OpenAIClient) RequestCompletions(ctx context.Context, req CompletionRequest) (string, error) {
	apiReq, err := c.buildRequest(req, false)
	if err != nil {
		return "", datatypes.NewInvalidRequestError(err.Error())
	}
	resp, err := c.client.CreateChatCompletion(ctx, apiReq)
	if err != nil {
		return "", c.wrapError(err)
	}
	if len(resp.Choices) == 0 {
		return "", datatypes.NewProviderError(string(c.provider), errors.New("empty choices in completion response"))
	}
	return resp.Choices[0].Message.Content, nil
}

func (c *OpenAIClient) StreamCompletions(ctx context.Context, req CompletionRequest, reply ReplyFunc) (string, error) {
	apiReq, err := c.buildRequest(req, true)
	if err != nil {
		return "", datatypes.NewInvalidRequestError(err.Error())
	}
	stream, err := c.client.CreateChatCompletionStream(ctx, apiReq)
	if err != nil {
		return "", c.wrapError(err)
	}
	defer stream.Close()

	var full strings.Builder
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return full.String(), c.wrapError(err)
		}
		if len(resp.Choices) == 0 {
			continue
		}
		token := resp.Choices[0].Delta.Content
		if token == "" {
			continue
		}
		full.WriteString(token)
		if err := reply(tokenChunk(req.MessageID, token, false)); err != nil {
			return full.String(), err
		}
	}
	if err := reply(tokenChunk(req.MessageID, "", true)); err != nil {
		return full.String(), err
	}
	return full.String(), nil
}

func (c *OpenAIClient) wrapError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.HTTPStatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return &datatypes.CompletionError{
				Kind:     datatypes.ErrUnauthorized,
				Title:    "Invalid API key",
				Hint:     fmt.Sprintf("Your %s API key was rejected. Check the key and try again.", c.provider),
				Provider: string(c.provider),
				Err:      err,
			}
		case http.StatusTooManyRequests:
			return &datatypes.CompletionError{
				Kind:     datatypes.ErrQuotaExceeded,
				Title:    "Rate limit exceeded",
				Hint:     "Wait a moment and try again, or switch to a different model.",
				Provider: string(c.provider),
				Err:      err,
			}
		}
	}
	return datatypes.NewProviderError(string(c.provider), err)
}

func toOpenAIMessages(messages []datatypes.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, msg := range messages {
		converted := openai.ChatCompletionMessage{Role: string(msg.Role)}
		if msg.Content.Parts == nil {
			converted.Content = msg.Content.Text
		} else {
			for _, part := range msg.Content.Parts {
				switch part.Type {
				case datatypes.ContentPartText:
					converted.MultiContent = append(converted.MultiContent, openai.ChatMessagePart{
						Type: openai.ChatMessagePartTypeText,
						Text: part.Text,
					})
				case datatypes.ContentPartImageURL:
					if part.ImageURL == nil {
						continue
					}
					converted.MultiContent = append(converted.MultiContent, openai.ChatMessagePart{
						Type:     openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{URL: part.ImageURL.URL},
					})
				}
			}
		}
		out = append(out, converted)
	}
	return out
}
