// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseResponse_CellUpdateModification(t *testing.T) {
	resp, err := ParseResponse(`{
		"type": "cell_update",
		"message": "Fixed the import",
		"cell_update": {"type": "modification", "id": "cell-3", "code": "import pandas as pd"}
	}`)
	require.NoError(t, err)
	assert.Equal(t, ResponseCellUpdate, resp.Type)
	require.NotNil(t, resp.CellUpdate)
	assert.Equal(t, CellUpdateModification, resp.CellUpdate.Type)
	assert.Equal(t, "cell-3", resp.CellUpdate.ID)
	assert.Equal(t, "import pandas as pd", resp.CellUpdate.Code)
}

func TestParseResponse_CellUpdateNew(t *testing.T) {
	resp, err := ParseResponse(`{
		"type": "cell_update",
		"cell_update": {"type": "new", "index": 2, "code": "df.head()", "cell_type": "code"}
	}`)
	require.NoError(t, err)
	require.NotNil(t, resp.CellUpdate)
	assert.Equal(t, CellUpdateNew, resp.CellUpdate.Type)
	require.NotNil(t, resp.CellUpdate.Index)
	assert.Equal(t, 2, *resp.CellUpdate.Index)
}

func TestParseResponse_GetCellOutput(t *testing.T) {
	resp, err := ParseResponse(`{"type": "get_cell_output", "get_cell_output_cell_id": "cell-9"}`)
	require.NoError(t, err)
	assert.Equal(t, ResponseGetCellOutput, resp.Type)
	assert.Equal(t, "cell-9", resp.CellID)
}

func TestParseResponse_FinishedTask(t *testing.T) {
	resp, err := ParseResponse(`{"type": "finished_task", "message": "All done"}`)
	require.NoError(t, err)
	assert.Equal(t, ResponseFinishedTask, resp.Type)
	assert.Equal(t, "All done", resp.Message)
}

func TestParseResponse_RepairsProseAndQuotes(t *testing.T) {
	resp, err := ParseResponse(
		"Sure, here is my plan: {'type': 'finished_task', 'message': 'done'} Hope that helps!")
	require.NoError(t, err)
	assert.Equal(t, ResponseFinishedTask, resp.Type)
	assert.Equal(t, "done", resp.Message)
}

func TestParseResponse_Invalid(t *testing.T) {
	cases := map[string]string{
		"unknown type":           `{"type": "dance"}`,
		"missing type":           `{"message": "hi"}`,
		"cell_update no body":    `{"type": "cell_update"}`,
		"modification no id":     `{"type": "cell_update", "cell_update": {"type": "modification", "code": "x"}}`,
		"new without index":      `{"type": "cell_update", "cell_update": {"type": "new", "code": "x"}}`,
		"new negative index":     `{"type": "cell_update", "cell_update": {"type": "new", "index": -1, "code": "x"}}`,
		"update missing code":    `{"type": "cell_update", "cell_update": {"type": "modification", "id": "c"}}`,
		"get_cell_output no id":  `{"type": "get_cell_output"}`,
		"not an object at all":   `just some prose without braces`,
		"unknown update subtype": `{"type": "cell_update", "cell_update": {"type": "swap", "code": "x"}}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseResponse(raw)
			assert.Error(t, err)
		})
	}
}

func TestResponseSchema_CoversActionSet(t *testing.T) {
	schema := ResponseSchema()
	props, ok := schema["properties"].(map[string]any)
	require.True(t, ok)
	typeProp, ok := props["type"].(map[string]any)
	require.True(t, ok)
	assert.ElementsMatch(t,
		[]string{"cell_update", "get_cell_output", "finished_task"},
		typeProp["enum"])
}

func TestExtractCitations(t *testing.T) {
	text := "The mean is 4.2 [MITO_CITATION:cell-1:3] and the max is 9 " +
		"[MITO_CITATION:cell-2:7]. See again [MITO_CITATION:cell-1:3]."

	citations := ExtractCitations(text)
	require.Len(t, citations, 2, "duplicates collapse")
	assert.Equal(t, Citation{CellID: "cell-1", Line: 3}, citations[0])
	assert.Equal(t, Citation{CellID: "cell-2", Line: 7}, citations[1])

	assert.Nil(t, ExtractCitations("no markers here"))
}

func TestStripCitations(t *testing.T) {
	text := "The mean is 4.2 [MITO_CITATION:cell-1:3] exactly."
	assert.Equal(t, "The mean is 4.2 exactly.", StripCitations(text))

	assert.Equal(t, "trailing", StripCitations("trailing [MITO_CITATION:cell-1:1]"))
}

func TestFormatCitation_RoundTrip(t *testing.T) {
	marker := FormatCitation("cell-42", 11)
	citations := ExtractCitations("x " + marker + " y")
	require.Len(t, citations, 1)
	assert.Equal(t, Citation{CellID: "cell-42", Line: 11}, citations[0])
}
