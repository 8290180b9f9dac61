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

	"github.com/AleutianAI/AleutianNotebook/services/chat/datatypes"
	"github.com/AleutianAI/AleutianNotebook/services/chat/prompts"
)

const (
	anthropicAPIVersion = "2023-06-01"
	anthropicBaseURL    = "https://api.anthropic.com/v1/messages"
	anthropicMaxTokens  = 8192
)

type anthropicRequest struct {
	Model      string             `json:"model"`
	Messages   []anthropicMessage `json:"messages"`
	System     []systemBlock      `json:"system,omitempty"`
	MaxTokens  int                `json:"max_tokens"`
	Tools      []toolsDefinition  `json:"tools,omitempty"`
	ToolChoice *toolChoice        `json:"tool_choice,omitempty"`
	Stream     bool               `json:"stream,omitempty"`
}

type anthropicMessage struct {
	Role    string           `json:"role"`
	Content []anthropicBlock `json:"content"`
}

type anthropicBlock struct {
	Type         string        `json:"type"`
	Text         string        `json:"text,omitempty"`
	Source       *imageSource  `json:"source,omitempty"`
	CacheControl *cacheControl `json:"cache_control,omitempty"`
}

type imageSource struct {
	Type      string `json:"type"` // Must be "base64"
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type systemBlock struct {
	Type         string        `json:"type"`
	Text         string        `json:"text"`
	CacheControl *cacheControl `json:"cache_control,omitempty"`
}

type cacheControl struct {
	Type string `json:"type"` // Must be "ephemeral"
}

type toolsDefinition struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	InputSchema interface{} `json:"input_schema"` // JSON Schema
}

type toolChoice struct {
	Type string `json:"type"` // Must be "tool"
	Name string `json:"name"`
}

type anthropicResponse struct {
	ID      string             `json:"id"`
	Type    string             `json:"type"`
	Role    string             `json:"role"`
	Content []anthropicContent `json:"content"`
	Error   *anthropicError    `json:"error,omitempty"`
}

type anthropicContent struct {
	Type  string          `json:"type"`
	Text  string          `json:"text,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

type anthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type anthropicStreamEvent struct {
	Type  string          `json:"type"`
	Delta *anthropicDelta `json:"delta,omitempty"`
	Error *anthropicError `json:"error,omitempty"`
}

type anthropicDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
}

// --- Client Implementation ---

type AnthropicClient struct {
	httpClient *http.Client
	apiKey     string
	baseURL    string
	logger     *slog.Logger
}

func NewAnthropicClient(logger *slog.Logger) (*AnthropicClient, error) {
	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	if apiKey == "" {
		return nil, errors.New("ANTHROPIC_API_KEY is not set")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AnthropicClient{
		httpClient: &http.Client{Timeout: 120 * time.Second},
		apiKey:     apiKey,
		baseURL:    anthropicBaseURL,
		logger:     logger,
	}, nil
}

func (a *AnthropicClient) buildRequest(req CompletionRequest, stream bool) anthropicRequest {
	apiMessages, systemPrompt := toAnthropicMessages(req.Messages)

	// Pin a cache breakpoint on the newest message that the history trimmer
	// can no longer change, so the stable prefix is served from cache.
	stableIdx := len(apiMessages) - 1 - prompts.MaxTrimAfterMessages()
	if stableIdx >= 0 && len(apiMessages[stableIdx].Content) > 0 {
		last := len(apiMessages[stableIdx].Content) - 1
		apiMessages[stableIdx].Content[last].CacheControl = &cacheControl{Type: "ephemeral"}
	}

	payload := anthropicRequest{
		Model:     req.Model,
		Messages:  apiMessages,
		MaxTokens: anthropicMaxTokens,
		Stream:    stream,
	}
	if systemPrompt != "" {
		payload.System = []systemBlock{{
			Type:         "text",
			Text:         systemPrompt,
			CacheControl: &cacheControl{Type: "ephemeral"},
		}}
	}
	if req.ResponseFormat != nil {
		payload.Tools = []toolsDefinition{{
			Name:        req.ResponseFormat.Name,
			Description: "Respond to the user with exactly this structure.",
			InputSchema: req.ResponseFormat.Schema,
		}}
		payload.ToolChoice = &toolChoice{Type: "tool", Name: req.ResponseFormat.Name}
	}
	return payload
}

func (a *AnthropicClient) RequestCompletions(ctx context.Context, req CompletionRequest) (string, error) {
	resp, err := a.do(ctx, a.buildRequest(req, false))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	bodyBytes, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return "", a.statusError(resp.StatusCode, bodyBytes)
	}

	var apiResp anthropicResponse
	if err := json.Unmarshal(bodyBytes, &apiResp); err != nil {
		return "", datatypes.NewProviderError(string(ProviderAnthropic), fmt.Errorf("parse response: %w", err))
	}
	if apiResp.Error != nil {
		return "", datatypes.NewProviderError(string(ProviderAnthropic),
			fmt.Errorf("%s: %s", apiResp.Error.Type, apiResp.Error.Message))
	}

	// A tool_use block matching the requested format takes priority over
	// any surrounding prose.
	if req.ResponseFormat != nil {
		for _, block := range apiResp.Content {
			if block.Type == "tool_use" && block.Name == req.ResponseFormat.Name {
				return string(block.Input), nil
			}
		}
	}

	var text strings.Builder
	for _, block := range apiResp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return "", datatypes.NewProviderError(string(ProviderAnthropic), errors.New("empty content in response"))
	}
	return text.String(), nil
}

func (a *AnthropicClient) StreamCompletions(ctx context.Context, req CompletionRequest, reply ReplyFunc) (string, error) {
	resp, err := a.do(ctx, a.buildRequest(req, true))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return "", a.statusError(resp.StatusCode, bodyBytes)
	}

	var full strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var event anthropicStreamEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event); err != nil {
			continue
		}
		switch event.Type {
		case "content_block_delta":
			if event.Delta == nil {
				continue
			}
			token := event.Delta.Text
			if event.Delta.Type == "input_json_delta" {
				token = event.Delta.PartialJSON
			}
			if token == "" {
				continue
			}
			full.WriteString(token)
			if err := reply(tokenChunk(req.MessageID, token, false)); err != nil {
				return full.String(), err
			}
		case "error":
			if event.Error != nil {
				return full.String(), datatypes.NewProviderError(string(ProviderAnthropic),
					fmt.Errorf("%s: %s", event.Error.Type, event.Error.Message))
			}
		case "message_stop":
			if err := reply(tokenChunk(req.MessageID, "", true)); err != nil {
				return full.String(), err
			}
			return full.String(), nil
		}
	}
	if err := scanner.Err(); err != nil {
		return full.String(), datatypes.NewProviderError(string(ProviderAnthropic), err)
	}
	if err := reply(tokenChunk(req.MessageID, "", true)); err != nil {
		return full.String(), err
	}
	return full.String(), nil
}

func (a *AnthropicClient) do(ctx context.Context, payload anthropicRequest) (*http.Response, error) {
	reqBodyBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, datatypes.NewInvalidRequestError(fmt.Sprintf("marshal request: %v", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL, bytes.NewBuffer(reqBodyBytes))
	if err != nil {
		return nil, datatypes.NewProviderError(string(ProviderAnthropic), err)
	}
	req.Header.Set("x-api-key", a.apiKey)
	req.Header.Set("anthropic-version", anthropicAPIVersion)
	req.Header.Set("content-type", "application/json")

	a.logger.Debug("Sending REST request to Anthropic", "model", payload.Model, "stream", payload.Stream)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, datatypes.NewProviderError(string(ProviderAnthropic), err)
	}
	return resp, nil
}

func (a *AnthropicClient) statusError(status int, body []byte) error {
	err := fmt.Errorf("anthropic API returned status %d: %s", status, string(body))
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return &datatypes.CompletionError{
			Kind:     datatypes.ErrUnauthorized,
			Title:    "Invalid API key",
			Hint:     "Your Anthropic API key was rejected. Check the key and try again.",
			Provider: string(ProviderAnthropic),
			Err:      err,
		}
	case http.StatusTooManyRequests:
		return &datatypes.CompletionError{
			Kind:     datatypes.ErrQuotaExceeded,
			Title:    "Rate limit exceeded",
			Hint:     "Wait a moment and try again, or switch to a different model.",
			Provider: string(ProviderAnthropic),
			Err:      err,
		}
	}
	return datatypes.NewProviderError(string(ProviderAnthropic), err)
}

// toAnthropicMessages converts the neutral history into Anthropic content
// blocks. System messages are lifted out of the history; when several are
// present the last one wins. Data-URL images become base64 source blocks.
func toAnthropicMessages(messages []datatypes.Message) ([]anthropicMessage, string) {
	var apiMessages []anthropicMessage
	var systemPrompt string

	for _, msg := range messages {
		if msg.Role == datatypes.RoleSystem {
			systemPrompt = msg.Content.TextContent()
			continue
		}

		var blocks []anthropicBlock
		if msg.Content.Parts == nil {
			blocks = append(blocks, anthropicBlock{Type: "text", Text: msg.Content.Text})
		} else {
			for _, part := range msg.Content.Parts {
				switch part.Type {
				case datatypes.ContentPartText:
					blocks = append(blocks, anthropicBlock{Type: "text", Text: part.Text})
				case datatypes.ContentPartImageURL:
					if part.ImageURL == nil {
						continue
					}
					if src, ok := parseDataURL(part.ImageURL.URL); ok {
						blocks = append(blocks, anthropicBlock{Type: "image", Source: src})
					}
				}
			}
		}
		if len(blocks) == 0 {
			continue
		}
		apiMessages = append(apiMessages, anthropicMessage{Role: string(msg.Role), Content: blocks})
	}
	return apiMessages, systemPrompt
}

// parseDataURL splits a "data:image/png;base64,<data>" URL into an inline
// base64 source. Remote URLs are not forwarded.
func parseDataURL(url string) (*imageSource, bool) {
	const scheme = "data:"
	if !strings.HasPrefix(url, scheme) {
		return nil, false
	}
	meta, data, found := strings.Cut(url[len(scheme):], ",")
	if !found {
		return nil, false
	}
	mediaType, encoding, _ := strings.Cut(meta, ";")
	if encoding != "base64" || mediaType == "" {
		return nil, false
	}
	return &imageSource{Type: "base64", MediaType: mediaType, Data: data}, true
}
