// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package jsonrepair

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractObject(t *testing.T) {
	t.Run("object embedded in prose", func(t *testing.T) {
		span, err := ExtractObject(`Sure, here you go: {"a": 1} hope that helps`)
		require.NoError(t, err)
		assert.Equal(t, `{"a": 1}`, span)
	})

	t.Run("nested braces", func(t *testing.T) {
		span, err := ExtractObject(`x {"a": {"b": 2}} y {"c": 3}`)
		require.NoError(t, err)
		assert.Equal(t, `{"a": {"b": 2}}`, span)
	})

	t.Run("braces inside strings ignored", func(t *testing.T) {
		span, err := ExtractObject(`{"code": "if x { y() }"}`)
		require.NoError(t, err)
		assert.Equal(t, `{"code": "if x { y() }"}`, span)
	})

	t.Run("no object", func(t *testing.T) {
		_, err := ExtractObject("plain text reply")
		assert.Error(t, err)
	})

	t.Run("unbalanced", func(t *testing.T) {
		_, err := ExtractObject(`{"a": 1`)
		assert.Error(t, err)
	})
}

func TestNormalizeQuotes(t *testing.T) {
	t.Run("single quoted object", func(t *testing.T) {
		got := NormalizeQuotes(`{'type': 'finished_task'}`)
		assert.Equal(t, `{"type": "finished_task"}`, got)
	})

	t.Run("apostrophe inside double quotes survives", func(t *testing.T) {
		got := NormalizeQuotes(`{"message": "it's done"}`)
		assert.Equal(t, `{"message": "it's done"}`, got)
	})

	t.Run("double quote inside single quotes is escaped", func(t *testing.T) {
		got := NormalizeQuotes(`{'msg': 'say "hi"'}`)
		assert.Equal(t, `{"msg": "say \"hi\""}`, got)
	})
}

func TestRepairObject(t *testing.T) {
	t.Run("valid object is identity", func(t *testing.T) {
		obj, span, err := RepairObject(`{"type": "finished_task", "message": "done"}`)
		require.NoError(t, err)
		assert.Equal(t, `{"type": "finished_task", "message": "done"}`, span)
		assert.Equal(t, "finished_task", obj["type"])
	})

	t.Run("single quotes repaired", func(t *testing.T) {
		obj, _, err := RepairObject(`reply: {'type': 'get_cell_output', 'get_cell_output_cell_id': 'c1'}`)
		require.NoError(t, err)
		assert.Equal(t, "get_cell_output", obj["type"])
		assert.Equal(t, "c1", obj["get_cell_output_cell_id"])
	})

	t.Run("duplicate keys last wins", func(t *testing.T) {
		obj, _, err := RepairObject(`{"type": "cell_update", "type": "finished_task"}`)
		require.NoError(t, err)
		assert.Equal(t, "finished_task", obj["type"])
	})

	t.Run("unrepairable", func(t *testing.T) {
		_, _, err := RepairObject(`{"a": <nope>}`)
		assert.Error(t, err)
	})
}
