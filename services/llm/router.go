package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianNotebook/services/chat/datatypes"
	"github.com/AleutianAI/AleutianNotebook/services/chat/telemetry"
)

const defaultMaxRetries = 3

type ModelInfo struct {
	Name     string
	Provider Provider
}

// RouterConfig wires the configured provider backends into a Router.
// Catalog overrides the static per-provider model lists for providers
// whose models are only known at runtime (Ollama, LiteLLM).
type RouterConfig struct {
	Clients map[Provider]CompletionClient
	Catalog map[Provider][]string
	Emitter telemetry.Emitter
	Logger  *slog.Logger
}

// Router dispatches completion requests to the active provider and owns
// retry policy and model selection. The default provider is the first
// configured entry in the capability priority order.
type Router struct {
	mu               sync.RWMutex
	clients          map[Provider]CompletionClient
	models           []ModelInfo
	selectedModel    string
	selectedProvider Provider
	lastError        error

	maxRetries int
	emitter    telemetry.Emitter
	logger     *slog.Logger
	sleep      func(ctx context.Context, d time.Duration) error
}

func NewRouter(cfg RouterConfig) (*Router, error) {
	if len(cfg.Clients) == 0 {
		return nil, errors.New("no completion providers configured")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	emitter := cfg.Emitter
	if emitter == nil {
		emitter = telemetry.NewLogEmitter(logger)
	}

	r := &Router{
		clients:    cfg.Clients,
		maxRetries: defaultMaxRetries,
		emitter:    emitter,
		logger:     logger,
		sleep:      sleepContext,
	}

	for _, provider := range capabilityPriority {
		if _, ok := cfg.Clients[provider]; !ok {
			continue
		}
		catalog := cfg.Catalog[provider]
		if catalog == nil {
			catalog = providerModels[provider]
		}
		for _, model := range catalog {
			r.models = append(r.models, ModelInfo{Name: model, Provider: provider})
		}
		if r.selectedProvider == "" && len(catalog) > 0 {
			r.selectedProvider = provider
			r.selectedModel = catalog[0]
		}
	}
	if r.selectedProvider == "" {
		return nil, errors.New("no configured provider exposes any model")
	}
	logger.Info("Completion router initialized",
		"provider", r.selectedProvider, "model", r.selectedModel, "models", len(r.models))
	return r, nil
}

func (r *Router) Models() []ModelInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]ModelInfo(nil), r.models...)
}

func (r *Router) SelectedModel() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.selectedModel
}

func (r *Router) SelectedProvider() Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.selectedProvider
}

// LastError reports the most recent completion failure, for the
// diagnostics surface. It is cleared by the next success.
func (r *Router) LastError() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastError
}

// SetSelectedModel switches the active model. Unknown models are rejected
// without changing the current selection.
func (r *Router) SetSelectedModel(model string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, info := range r.models {
		if info.Name == model {
			r.selectedModel = model
			r.selectedProvider = info.Provider
			r.logger.Info("Model selection changed", "model", model, "provider", info.Provider)
			return nil
		}
	}
	return datatypes.NewInvalidRequestError(fmt.Sprintf("model %q is not available with the configured providers", model))
}

// Capabilities describes the active configuration for the client UI.
func (r *Router) Capabilities() datatypes.Capabilities {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return datatypes.Capabilities{
		Type:     datatypes.FrameCapabilities,
		Provider: string(r.selectedProvider),
		Configuration: map[string]string{
			"model":    r.selectedModel,
			"key_type": r.keyTypeLocked(),
		},
	}
}

func (r *Router) keyTypeLocked() string {
	if r.selectedProvider == ProviderMitoServer {
		return telemetry.KeyTypeMitoServer
	}
	return telemetry.KeyTypeUser
}

func (r *Router) snapshot(req *CompletionRequest) (CompletionClient, string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if req.Model == "" {
		req.Model = r.selectedModel
	}
	return r.clients[r.selectedProvider], r.keyTypeLocked()
}

// RequestCompletions runs one completion with retries. Transient provider
// failures are retried up to maxRetries times with exponential backoff;
// permission failures propagate immediately because retrying cannot fix a
// plan limit.
func (r *Router) RequestCompletions(ctx context.Context, req CompletionRequest) (string, error) {
	client, keyType := r.snapshot(&req)
	var result string
	err := r.withRetry(ctx, keyType, req, func() error {
		var callErr error
		result, callErr = client.RequestCompletions(ctx, req)
		return callErr
	})
	return result, err
}

// StreamCompletions streams one completion. A failure before the first
// chunk is retried like a blocking request; once tokens have been
// delivered the stream is terminated with an error chunk instead, so the
// client never sees duplicated output.
func (r *Router) StreamCompletions(ctx context.Context, req CompletionRequest, reply ReplyFunc) (string, error) {
	client, keyType := r.snapshot(&req)

	var result string
	delivered := false
	guarded := func(chunk datatypes.CompletionStreamChunk) error {
		delivered = true
		return reply(chunk)
	}

	err := r.withRetry(ctx, keyType, req, func() error {
		var callErr error
		result, callErr = client.StreamCompletions(ctx, req, guarded)
		if callErr != nil && delivered {
			return &terminalStreamError{err: callErr}
		}
		return callErr
	})
	if err != nil && delivered {
		ce := datatypes.AsCompletionError(err)
		_ = reply(datatypes.CompletionStreamChunk{
			Type:     datatypes.FrameCompletionChunk,
			ParentID: req.MessageID,
			Chunk:    datatypes.ChunkPayload{Error: ce.Title},
			Done:     true,
			Error:    ce.Title,
		})
	}
	return result, err
}

// terminalStreamError marks a failure that must not be retried because
// partial output already reached the client.
type terminalStreamError struct {
	err error
}

func (e *terminalStreamError) Error() string { return e.err.Error() }
func (e *terminalStreamError) Unwrap() error { return e.err }

func (r *Router) withRetry(ctx context.Context, keyType string, req CompletionRequest, call func() error) error {
	event := telemetry.Event{
		KeyType:     keyType,
		ThreadID:    req.ThreadID,
		MessageType: string(req.MessageType),
		Model:       req.Model,
		Provider:    string(r.SelectedProvider()),
	}

	var lastErr error
	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		err := call()
		if err == nil {
			r.setLastError(nil)
			event.Name = telemetry.EventCompletionSuccess
			event.ErrorKind = ""
			r.emitter.Emit(ctx, event)
			return nil
		}
		lastErr = err

		var terminal *terminalStreamError
		if errors.As(err, &terminal) {
			lastErr = terminal.err
			break
		}
		ce := datatypes.AsCompletionError(err)
		if !ce.Retryable() {
			break
		}
		if attempt == r.maxRetries {
			break
		}

		backoff := time.Duration(1<<uint(attempt)) * time.Second
		r.logger.Warn("Completion attempt failed, retrying",
			"attempt", attempt+1, "backoff", backoff, "model", req.Model, "error", err)
		event.Name = telemetry.EventCompletionRetry
		event.ErrorKind = string(ce.Kind)
		r.emitter.Emit(ctx, event)

		if err := r.sleep(ctx, backoff); err != nil {
			lastErr = err
			break
		}
	}

	r.setLastError(lastErr)
	ce := datatypes.AsCompletionError(lastErr)
	event.Name = telemetry.EventCompletionError
	event.ErrorKind = string(ce.Kind)
	r.emitter.Emit(ctx, event)
	return lastErr
}

func (r *Router) setLastError(err error) {
	r.mu.Lock()
	r.lastError = err
	r.mu.Unlock()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// GenerateName implements the thread store's NameGenerator using the fast
// model of the active provider.
func (r *Router) GenerateName(ctx context.Context, userMsg, assistantMsg datatypes.Message, model, provider string) (string, error) {
	selected := r.SelectedProvider()
	fast := selected.FastModel()
	if fast == "" {
		fast = r.SelectedModel()
	}

	messages := []datatypes.Message{
		datatypes.NewTextMessage(datatypes.RoleSystem,
			"You name notebook chat threads. Reply with a concise title of at most five words. "+
				"Do not use quotes or punctuation."),
		datatypes.NewTextMessage(datatypes.RoleUser, fmt.Sprintf(
			"Name this conversation.\n\nUser: %s\n\nAssistant: %s",
			userMsg.Content.TextContent(), assistantMsg.Content.TextContent())),
	}

	name, err := r.RequestCompletions(ctx, CompletionRequest{
		Messages:    messages,
		Model:       fast,
		MessageType: datatypes.MessageTypeChatNameGeneration,
	})
	if err != nil {
		return "", err
	}
	return StripShortReply(name), nil
}
