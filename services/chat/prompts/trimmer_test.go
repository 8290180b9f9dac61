// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package prompts

import (
	"strings"
	"testing"

	"github.com/AleutianAI/AleutianNotebook/services/chat/datatypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func userTurn(text string) datatypes.Message {
	return datatypes.NewTextMessage(datatypes.RoleUser, text)
}

func TestTrimHistory_AgeThresholds(t *testing.T) {
	const body = "<Files>f1.csv</Files><Variables>v</Variables><Task>do it</Task>"

	messages := make([]datatypes.Message, 7)
	for i := range messages {
		messages[i] = userTurn(body)
	}

	trimmed := TrimHistory(messages)
	require.Len(t, trimmed, 7)

	for i, msg := range trimmed {
		age := len(trimmed) - i - 1
		text := msg.Content.TextContent()

		if age >= 3 {
			assert.NotContains(t, text, "<Files>", "index %d age %d", i, age)
		} else {
			assert.Contains(t, text, "<Files>", "index %d age %d", i, age)
		}

		if age >= 6 {
			assert.NotContains(t, text, "<Variables>", "index %d age %d", i, age)
		} else {
			assert.Contains(t, text, "<Variables>", "index %d age %d", i, age)
		}

		// Task is never trimmed.
		assert.Contains(t, text, "<Task>do it</Task>", "index %d", i)
	}
}

func TestTrimHistory_OnlyUserMessages(t *testing.T) {
	const body = "<Files>f.csv</Files> and prose"

	messages := []datatypes.Message{
		datatypes.NewTextMessage(datatypes.RoleSystem, body),
		datatypes.NewTextMessage(datatypes.RoleAssistant, body),
		userTurn(body),
		userTurn("newest"),
	}
	// Pad so the first three are old enough to trim.
	for i := 0; i < 4; i++ {
		messages = append(messages, userTurn("filler"))
	}

	trimmed := TrimHistory(messages)

	assert.Contains(t, trimmed[0].Content.TextContent(), "<Files>", "system untouched")
	assert.Contains(t, trimmed[1].Content.TextContent(), "<Files>", "assistant untouched")
	assert.NotContains(t, trimmed[2].Content.TextContent(), "<Files>", "old user trimmed")
}

func TestTrimHistory_Idempotent(t *testing.T) {
	messages := make([]datatypes.Message, 8)
	for i := range messages {
		messages[i] = userTurn("<Files>a.csv</Files><Notebook>cells</Notebook>text")
	}

	once := TrimHistory(messages)
	twice := TrimHistory(once)

	for i := range once {
		assert.Equal(t, once[i], twice[i], "index %d", i)
	}
}

func TestTrimHistory_DoesNotMutateInput(t *testing.T) {
	messages := make([]datatypes.Message, 5)
	for i := range messages {
		messages[i] = userTurn("<Files>a.csv</Files>")
	}

	_ = TrimHistory(messages)
	assert.Contains(t, messages[0].Content.TextContent(), "<Files>",
		"input slice must not be mutated")
}

func TestTrimHistory_ImagePartsDroppedWithReferent(t *testing.T) {
	img := datatypes.NewImageMessage(datatypes.RoleUser,
		"<ActiveCellOutput>attached image</ActiveCellOutput>",
		"data:image/png;base64,AAAA")

	messages := []datatypes.Message{img}
	for i := 0; i < 4; i++ {
		messages = append(messages, userTurn("filler"))
	}

	trimmed := TrimHistory(messages)

	old := trimmed[0]
	assert.False(t, old.Content.HasImage(), "image dropped once its section aged out")
	assert.NotContains(t, old.Content.TextContent(), "<ActiveCellOutput>")

	// A fresh image message survives intact.
	fresh := TrimHistory([]datatypes.Message{img})
	assert.True(t, fresh[0].Content.HasImage())
}

func TestTrimHistory_MultilineSectionBody(t *testing.T) {
	body := "<Notebook>line one\nline two\nline three</Notebook>rest"
	messages := make([]datatypes.Message, 7)
	for i := range messages {
		messages[i] = userTurn(body)
	}

	trimmed := TrimHistory(messages)
	oldest := trimmed[0].Content.TextContent()
	assert.NotContains(t, oldest, "<Notebook>")
	assert.True(t, strings.HasSuffix(oldest, "rest"))
}
