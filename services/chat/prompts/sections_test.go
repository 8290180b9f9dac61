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
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSection_Render(t *testing.T) {
	t.Run("tagged form", func(t *testing.T) {
		s := TaskSection("add a column")
		assert.Equal(t, "<Task>add a column</Task>", s.Render())
	})

	t.Run("empty excludable renders nothing", func(t *testing.T) {
		s := FilesSection(nil)
		assert.Equal(t, "", s.Render())
	})

	t.Run("empty non-excludable still renders", func(t *testing.T) {
		s := TaskSection("")
		assert.Equal(t, "<Task></Task>", s.Render())
	})
}

func TestBuildPrompt_OrderAndSkips(t *testing.T) {
	prompt := BuildPrompt([]Section{
		RulesSection("be brief"),
		FilesSection(nil), // skipped
		ActiveCellIDSection("cell-7"),
		TaskSection("explain this"),
	})

	assert.Equal(t,
		"<Rules>be brief</Rules>\n<ActiveCellId>cell-7</ActiveCellId>\n<Task>explain this</Task>",
		prompt)
}

func TestTrimThreshold(t *testing.T) {
	assert.Equal(t, 3, TrimThreshold(SectionFiles))
	assert.Equal(t, 6, TrimThreshold(SectionVariables))
	assert.Equal(t, NeverTrim, TrimThreshold(SectionTask))
	assert.Equal(t, NeverTrim, TrimThreshold("SomeUserTag"))
}

func TestMaxTrimAfterMessages(t *testing.T) {
	// Variables and Notebook carry the largest finite threshold.
	assert.Equal(t, 6, MaxTrimAfterMessages())
}
