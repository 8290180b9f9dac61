package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianNotebook/services/chat/datatypes"
)

func TestFlattenPrompt(t *testing.T) {
	prompt := flattenPrompt(CompletionRequest{
		Messages: []datatypes.Message{
			datatypes.NewTextMessage(datatypes.RoleSystem, "old rules"),
			datatypes.NewTextMessage(datatypes.RoleUser, "question"),
			datatypes.NewTextMessage(datatypes.RoleAssistant, "answer"),
			datatypes.NewTextMessage(datatypes.RoleSystem, "new rules"),
		},
	})

	assert.Equal(t,
		"<system>new rules</system>\n<user>question</user>\n<assistant>answer</assistant>",
		prompt)
}

func TestFlattenPrompt_AppendsSchemaInstruction(t *testing.T) {
	prompt := flattenPrompt(CompletionRequest{
		Messages: []datatypes.Message{datatypes.NewTextMessage(datatypes.RoleUser, "go")},
		ResponseFormat: &ResponseFormatInfo{
			Name:   "agent_response",
			Schema: map[string]any{"type": "object"},
		},
	})

	assert.Contains(t, prompt, "<user>go</user>")
	assert.Contains(t, prompt, `{"type":"object"}`)
}

func TestParseSageMakerBody(t *testing.T) {
	t.Run("array form", func(t *testing.T) {
		text, err := parseSageMakerBody([]byte(`[{"generated_text": "hello"}]`))
		require.NoError(t, err)
		assert.Equal(t, "hello", text)
	})

	t.Run("object form", func(t *testing.T) {
		text, err := parseSageMakerBody([]byte(`{"generated_text": "hello"}`))
		require.NoError(t, err)
		assert.Equal(t, "hello", text)
	})

	t.Run("unexpected shape", func(t *testing.T) {
		_, err := parseSageMakerBody([]byte(`{"oops": true}`))
		assert.Error(t, err)
	})
}
