package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProviderForModel(t *testing.T) {
	cases := []struct {
		model    string
		provider Provider
	}{
		{"gpt-4.1", ProviderOpenAI},
		{"gpt-4o-mini", ProviderOpenAI},
		{"o3-mini", ProviderOpenAI},
		{"claude-3-7-sonnet-latest", ProviderAnthropic},
		{"gemini-2.0-flash", ProviderGemini},
		{"mito-hosted-default", ProviderMitoServer},
		// Prefix fallback for models outside the static catalog.
		{"gpt-5", ProviderOpenAI},
		{"claude-4-opus", ProviderAnthropic},
		{"gemini-3.0-pro", ProviderGemini},
	}
	for _, tc := range cases {
		provider, err := ProviderForModel(tc.model)
		require.NoError(t, err, tc.model)
		assert.Equal(t, tc.provider, provider, tc.model)
	}

	_, err := ProviderForModel("llama3.1")
	assert.Error(t, err, "dynamic models are resolved by the router, not the catalog")
}

func TestProviderModelAliases(t *testing.T) {
	for _, p := range []Provider{ProviderOpenAI, ProviderAnthropic, ProviderGemini, ProviderMitoServer} {
		assert.NotEmpty(t, p.SmartestModel(), string(p))
		assert.NotEmpty(t, p.FastModel(), string(p))
	}
	assert.Equal(t, "gpt-4o-mini", ProviderOpenAI.FastModel())
	assert.Equal(t, "claude-3-5-haiku-latest", ProviderAnthropic.FastModel())
	assert.Equal(t, "gpt-4.1", ProviderOpenAI.SmartestModel())
}

func TestStripShortReply(t *testing.T) {
	assert.Equal(t, "CSV analysis", StripShortReply("\"CSV analysis\"\n"))
	assert.Equal(t, "CSV analysis", StripShortReply("'CSV analysis'"))
	assert.Equal(t, "df.head()", StripShortReply("`df.head()`"))
	assert.Equal(t, "plain", StripShortReply("plain"))

	multiline := "line one\nline two"
	assert.Equal(t, multiline, StripShortReply(multiline+"\n"))
}
