package llm

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"google.golang.org/genai"

	"github.com/AleutianAI/AleutianNotebook/services/chat/datatypes"
)

// GeminiClient wraps the official genai SDK.
type GeminiClient struct {
	client *genai.Client
	logger *slog.Logger
}

func NewGeminiClient(ctx context.Context, logger *slog.Logger) (*GeminiClient, error) {
	key := os.Getenv("GEMINI_API_KEY")
	if key == "" {
		return nil, errors.New("GEMINI_API_KEY is not set")
	}
	if logger == nil {
		logger = slog.Default()
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: key})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &GeminiClient{client: client, logger: logger}, nil
}

func (g *GeminiClient) buildRequest(req CompletionRequest) ([]*genai.Content, *genai.GenerateContentConfig) {
	config := &genai.GenerateContentConfig{}

	var contents []*genai.Content
	for _, msg := range req.Messages {
		switch msg.Role {
		case datatypes.RoleSystem:
			// Last system message wins, matching the other providers.
			config.SystemInstruction = genai.NewContentFromText(msg.Content.TextContent(), genai.RoleUser)
			continue
		case datatypes.RoleAssistant:
			contents = append(contents, genai.NewContentFromText(msg.Content.TextContent(), genai.RoleModel))
			continue
		}

		if msg.Content.Parts == nil {
			contents = append(contents, genai.NewContentFromText(msg.Content.Text, genai.RoleUser))
			continue
		}
		var parts []*genai.Part
		for _, part := range msg.Content.Parts {
			switch part.Type {
			case datatypes.ContentPartText:
				parts = append(parts, genai.NewPartFromText(part.Text))
			case datatypes.ContentPartImageURL:
				if part.ImageURL == nil {
					continue
				}
				if src, ok := parseDataURL(part.ImageURL.URL); ok {
					if raw, err := base64.StdEncoding.DecodeString(src.Data); err == nil {
						parts = append(parts, genai.NewPartFromBytes(raw, src.MediaType))
					}
				}
			}
		}
		if len(parts) > 0 {
			contents = append(contents, genai.NewContentFromParts(parts, genai.RoleUser))
		}
	}

	// Gemini has no tool-forcing equivalent for a single response schema,
	// so structured output is requested as raw JSON with the schema spelled
	// out in the final user turn.
	if req.ResponseFormat != nil {
		config.ResponseMIMEType = "application/json"
		if schema, err := json.Marshal(req.ResponseFormat.Schema); err == nil {
			instruction := fmt.Sprintf(
				"Respond with a single JSON object matching this schema, and nothing else:\n%s", schema)
			contents = append(contents, genai.NewContentFromText(instruction, genai.RoleUser))
		}
	}
	return contents, config
}

func (g *GeminiClient) RequestCompletions(ctx context.Context, req CompletionRequest) (string, error) {
	contents, config := g.buildRequest(req)
	resp, err := g.client.Models.GenerateContent(ctx, req.Model, contents, config)
	if err != nil {
		return "", g.wrapError(err)
	}
	text := resp.Text()
	if text == "" {
		return "", datatypes.NewProviderError(string(ProviderGemini), errors.New("empty response"))
	}
	return StripShortReply(text), nil
}

func (g *GeminiClient) StreamCompletions(ctx context.Context, req CompletionRequest, reply ReplyFunc) (string, error) {
	contents, config := g.buildRequest(req)

	var full strings.Builder
	for resp, err := range g.client.Models.GenerateContentStream(ctx, req.Model, contents, config) {
		if err != nil {
			return full.String(), g.wrapError(err)
		}
		token := resp.Text()
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

func (g *GeminiClient) wrapError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case 401, 403:
			return &datatypes.CompletionError{
				Kind:     datatypes.ErrUnauthorized,
				Title:    "Invalid API key",
				Hint:     "Your Gemini API key was rejected. Check the key and try again.",
				Provider: string(ProviderGemini),
				Err:      err,
			}
		case 429:
			return &datatypes.CompletionError{
				Kind:     datatypes.ErrQuotaExceeded,
				Title:    "Rate limit exceeded",
				Hint:     "Wait a moment and try again, or switch to a different model.",
				Provider: string(ProviderGemini),
				Err:      err,
			}
		}
	}
	return datatypes.NewProviderError(string(ProviderGemini), err)
}

// StripShortReply removes the quoting and trailing newlines Gemini likes to
// wrap around one-line answers such as generated chat names. Multi-line
// bodies are returned untouched apart from trailing whitespace.
func StripShortReply(s string) string {
	trimmed := strings.TrimRight(s, " \n\t")
	if strings.ContainsRune(strings.TrimSpace(trimmed), '\n') {
		return trimmed
	}
	trimmed = strings.TrimSpace(trimmed)
	for len(trimmed) >= 2 {
		first, last := trimmed[0], trimmed[len(trimmed)-1]
		if (first == '"' && last == '"') || (first == '\'' && last == '\'') || (first == '`' && last == '`') {
			trimmed = trimmed[1 : len(trimmed)-1]
			continue
		}
		break
	}
	return trimmed
}
