package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sagemakerruntime"
	"github.com/aws/smithy-go"

	"github.com/AleutianAI/AleutianNotebook/pkg/jsonrepair"
	"github.com/AleutianAI/AleutianNotebook/services/chat/datatypes"
)

const defaultSageMakerEndpoint = "aleutian-notebook-chat"

// SageMakerClient is the hosted fallback. It invokes a text-generation
// endpoint that takes a single flattened prompt, so chat structure is
// carried with inline role tags and structured output is recovered with
// the JSON repair pass.
type SageMakerClient struct {
	runtime  *sagemakerruntime.Client
	endpoint string
	logger   *slog.Logger
}

type sagemakerPayload struct {
	Inputs     string              `json:"inputs"`
	Parameters sagemakerParameters `json:"parameters"`
}

type sagemakerParameters struct {
	MaxNewTokens   int     `json:"max_new_tokens"`
	Temperature    float64 `json:"temperature"`
	ReturnFullText bool    `json:"return_full_text"`
}

type sagemakerGeneration struct {
	GeneratedText string `json:"generated_text"`
}

func NewSageMakerClient(ctx context.Context, logger *slog.Logger) (*SageMakerClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	endpoint := os.Getenv("SAGEMAKER_ENDPOINT_NAME")
	if endpoint == "" {
		endpoint = defaultSageMakerEndpoint
	}
	return &SageMakerClient{
		runtime:  sagemakerruntime.NewFromConfig(cfg),
		endpoint: endpoint,
		logger:   logger,
	}, nil
}

func (s *SageMakerClient) RequestCompletions(ctx context.Context, req CompletionRequest) (string, error) {
	body, err := json.Marshal(sagemakerPayload{
		Inputs: flattenPrompt(req),
		Parameters: sagemakerParameters{
			MaxNewTokens:   4096,
			Temperature:    0.2,
			ReturnFullText: false,
		},
	})
	if err != nil {
		return "", datatypes.NewInvalidRequestError(fmt.Sprintf("marshal payload: %v", err))
	}

	s.logger.Debug("Invoking SageMaker endpoint", "endpoint", s.endpoint)
	out, err := s.runtime.InvokeEndpoint(ctx, &sagemakerruntime.InvokeEndpointInput{
		EndpointName: aws.String(s.endpoint),
		ContentType:  aws.String("application/json"),
		Body:         body,
	})
	if err != nil {
		return "", s.wrapError(err)
	}

	text, err := parseSageMakerBody(out.Body)
	if err != nil {
		return "", datatypes.NewProviderError(string(ProviderMitoServer), err)
	}

	// Hosted models are the least reliable JSON emitters, so structured
	// output always goes through the repair pass.
	if req.ResponseFormat != nil {
		_, repaired, err := jsonrepair.RepairObject(text)
		if err != nil {
			return "", datatypes.NewProviderError(string(ProviderMitoServer),
				fmt.Errorf("endpoint returned unparseable structured output: %w", err))
		}
		return repaired, nil
	}
	return text, nil
}

// StreamCompletions simulates streaming. The runtime endpoint has no token
// stream, so the full completion is delivered as a single terminal chunk.
func (s *SageMakerClient) StreamCompletions(ctx context.Context, req CompletionRequest, reply ReplyFunc) (string, error) {
	text, err := s.RequestCompletions(ctx, req)
	if err != nil {
		return "", err
	}
	chunk := tokenChunk(req.MessageID, text, true)
	if err := reply(chunk); err != nil {
		return text, err
	}
	return text, nil
}

func (s *SageMakerClient) wrapError(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "AccessDeniedException":
			return datatypes.NewPermissionError()
		case "ThrottlingException", "ServiceUnavailable":
			return &datatypes.CompletionError{
				Kind:     datatypes.ErrQuotaExceeded,
				Title:    "The hosted model is busy",
				Hint:     "Wait a moment and try again, or set an API key for your own provider account.",
				Provider: string(ProviderMitoServer),
				Err:      err,
			}
		}
	}
	return datatypes.NewProviderError(string(ProviderMitoServer), err)
}

func parseSageMakerBody(body []byte) (string, error) {
	var generations []sagemakerGeneration
	if err := json.Unmarshal(body, &generations); err == nil && len(generations) > 0 {
		return generations[0].GeneratedText, nil
	}
	var single sagemakerGeneration
	if err := json.Unmarshal(body, &single); err == nil && single.GeneratedText != "" {
		return single.GeneratedText, nil
	}
	return "", fmt.Errorf("unexpected endpoint response shape: %s", truncateForLog(body))
}

// flattenPrompt renders the chat history as one tagged prompt string. The
// last system message wins, matching the API-backed providers.
func flattenPrompt(req CompletionRequest) string {
	var system string
	var turns []string
	for _, msg := range req.Messages {
		text := msg.Content.TextContent()
		switch msg.Role {
		case datatypes.RoleSystem:
			system = text
		case datatypes.RoleAssistant:
			turns = append(turns, "<assistant>"+text+"</assistant>")
		default:
			turns = append(turns, "<user>"+text+"</user>")
		}
	}

	var prompt strings.Builder
	if system != "" {
		prompt.WriteString("<system>" + system + "</system>\n")
	}
	prompt.WriteString(strings.Join(turns, "\n"))
	if req.ResponseFormat != nil {
		if schema, err := json.Marshal(req.ResponseFormat.Schema); err == nil {
			prompt.WriteString(fmt.Sprintf(
				"\n<user>Respond with a single JSON object matching this schema, and nothing else:\n%s</user>", schema))
		}
	}
	return prompt.String()
}

func truncateForLog(body []byte) string {
	const max = 256
	if len(body) > max {
		return string(body[:max]) + "..."
	}
	return string(body)
}
