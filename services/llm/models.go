package llm

import (
	"fmt"
	"strings"
)

type Provider string

const (
	ProviderLiteLLM    Provider = "litellm"
	ProviderOpenAI     Provider = "openai"
	ProviderAnthropic  Provider = "anthropic"
	ProviderGemini     Provider = "gemini"
	ProviderOllama     Provider = "ollama"
	ProviderMitoServer Provider = "mito-server"
)

// capabilityPriority orders providers for default selection. The first
// configured provider wins; the hosted server is always configured and
// therefore acts as the fallback.
var capabilityPriority = []Provider{
	ProviderLiteLLM,
	ProviderOpenAI,
	ProviderAnthropic,
	ProviderGemini,
	ProviderOllama,
	ProviderMitoServer,
}

// Per-provider model catalogs. The first entry is the smartest model, the
// fast entry is used for cheap auxiliary calls such as chat naming and
// inline completion.
var providerModels = map[Provider][]string{
	ProviderOpenAI: {
		"gpt-4.1",
		"gpt-4o",
		"o3-mini",
		"gpt-4o-mini",
	},
	ProviderAnthropic: {
		"claude-3-7-sonnet-latest",
		"claude-3-5-sonnet-latest",
		"claude-3-5-haiku-latest",
	},
	ProviderGemini: {
		"gemini-2.5-pro",
		"gemini-2.0-flash",
		"gemini-2.0-flash-lite",
	},
	ProviderMitoServer: {
		"mito-hosted-default",
	},
}

var providerFastModel = map[Provider]string{
	ProviderOpenAI:     "gpt-4o-mini",
	ProviderAnthropic:  "claude-3-5-haiku-latest",
	ProviderGemini:     "gemini-2.0-flash",
	ProviderMitoServer: "mito-hosted-default",
}

func (p Provider) SmartestModel() string {
	models := providerModels[p]
	if len(models) == 0 {
		return ""
	}
	return models[0]
}

func (p Provider) FastModel() string {
	if m, ok := providerFastModel[p]; ok {
		return m
	}
	return p.SmartestModel()
}

// ProviderForModel resolves which static catalog a model name belongs to.
// Ollama and LiteLLM models are dynamic and resolved by the router against
// its configured clients, not here.
func ProviderForModel(model string) (Provider, error) {
	for provider, models := range providerModels {
		for _, m := range models {
			if m == model {
				return provider, nil
			}
		}
	}
	switch {
	case strings.HasPrefix(model, "gpt-") || strings.HasPrefix(model, "o1") || strings.HasPrefix(model, "o3"):
		return ProviderOpenAI, nil
	case strings.HasPrefix(model, "claude-"):
		return ProviderAnthropic, nil
	case strings.HasPrefix(model, "gemini-"):
		return ProviderGemini, nil
	}
	return "", fmt.Errorf("unknown model %q", model)
}
