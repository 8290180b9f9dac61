// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package rules

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestStore_LoadsExistingRules(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "style.md"), []byte("Prefer polars over pandas.\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	s, err := NewStore(dir, nil)
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, []string{"style"}, s.Names())
	content, ok := s.Rule("style")
	require.True(t, ok)
	assert.Equal(t, "Prefer polars over pandas.", content)
	assert.Equal(t, "Prefer polars over pandas.", s.Combined())
}

func TestStore_PicksUpNewAndRemovedFiles(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir, nil)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "plots.md"), []byte("Always label axes."), 0o644))
	waitFor(t, func() bool {
		_, ok := s.Rule("plots")
		return ok
	}, "new rule file was never picked up")

	require.NoError(t, os.Remove(filepath.Join(dir, "plots.md")))
	waitFor(t, func() bool {
		_, ok := s.Rule("plots")
		return !ok
	}, "removed rule file was never dropped")
}

func TestStore_CombinedIsStableOrder(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.md"), []byte("second"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.md"), []byte("first"), 0o644))

	s, err := NewStore(dir, nil)
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, "first\n\nsecond", s.Combined())
}

func TestDefaultRulesDir_EnvOverride(t *testing.T) {
	t.Setenv("MITO_RULES_DIR", "/tmp/custom-rules")
	dir, err := DefaultRulesDir()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/custom-rules", dir)
}
