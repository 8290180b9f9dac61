package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianNotebook/services/chat/datatypes"
	"github.com/AleutianAI/AleutianNotebook/services/chat/prompts"
)

func TestToAnthropicMessages(t *testing.T) {
	messages := []datatypes.Message{
		datatypes.NewTextMessage(datatypes.RoleSystem, "first system"),
		datatypes.NewTextMessage(datatypes.RoleUser, "hello"),
		datatypes.NewTextMessage(datatypes.RoleSystem, "second system"),
		datatypes.NewImageMessage(datatypes.RoleUser, "look at this",
			"data:image/png;base64,iVBORw0KGgo="),
		datatypes.NewTextMessage(datatypes.RoleAssistant, "I see it"),
	}

	apiMessages, system := toAnthropicMessages(messages)

	assert.Equal(t, "second system", system, "last system message wins")
	require.Len(t, apiMessages, 3)

	assert.Equal(t, "user", apiMessages[0].Role)
	assert.Equal(t, "hello", apiMessages[0].Content[0].Text)

	require.Len(t, apiMessages[1].Content, 2)
	assert.Equal(t, "text", apiMessages[1].Content[0].Type)
	assert.Equal(t, "image", apiMessages[1].Content[1].Type)
	require.NotNil(t, apiMessages[1].Content[1].Source)
	assert.Equal(t, "base64", apiMessages[1].Content[1].Source.Type)
	assert.Equal(t, "image/png", apiMessages[1].Content[1].Source.MediaType)
	assert.Equal(t, "iVBORw0KGgo=", apiMessages[1].Content[1].Source.Data)

	assert.Equal(t, "assistant", apiMessages[2].Role)
}

func TestBuildRequest_CacheBreakpoint(t *testing.T) {
	a := &AnthropicClient{}

	var messages []datatypes.Message
	for i := 0; i < 10; i++ {
		messages = append(messages, datatypes.NewTextMessage(datatypes.RoleUser, "turn"))
	}
	payload := a.buildRequest(CompletionRequest{Messages: messages, Model: "claude-3-7-sonnet-latest"}, false)

	stableIdx := len(payload.Messages) - 1 - prompts.MaxTrimAfterMessages()
	for i, msg := range payload.Messages {
		last := msg.Content[len(msg.Content)-1]
		if i == stableIdx {
			require.NotNil(t, last.CacheControl, "index %d should carry the cache breakpoint", i)
			assert.Equal(t, "ephemeral", last.CacheControl.Type)
		} else {
			assert.Nil(t, last.CacheControl, "index %d", i)
		}
	}
}

func TestBuildRequest_StructuredOutputForcesTool(t *testing.T) {
	a := &AnthropicClient{}
	payload := a.buildRequest(CompletionRequest{
		Messages: []datatypes.Message{datatypes.NewTextMessage(datatypes.RoleUser, "go")},
		Model:    "claude-3-7-sonnet-latest",
		ResponseFormat: &ResponseFormatInfo{
			Name:   "agent_response",
			Schema: map[string]any{"type": "object"},
		},
	}, false)

	require.Len(t, payload.Tools, 1)
	assert.Equal(t, "agent_response", payload.Tools[0].Name)
	require.NotNil(t, payload.ToolChoice)
	assert.Equal(t, "tool", payload.ToolChoice.Type)
	assert.Equal(t, "agent_response", payload.ToolChoice.Name)
}

func TestParseDataURL(t *testing.T) {
	src, ok := parseDataURL("data:image/jpeg;base64,abc123")
	require.True(t, ok)
	assert.Equal(t, "image/jpeg", src.MediaType)
	assert.Equal(t, "abc123", src.Data)

	_, ok = parseDataURL("https://example.com/image.png")
	assert.False(t, ok, "remote URLs are not inlined")

	_, ok = parseDataURL("data:image/png,rawdata")
	assert.False(t, ok, "only base64 payloads are accepted")
}
