// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package validation

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestValidateThreadID(t *testing.T) {
	valid := []string{
		"8b6e9c1a-3f2d-4a5b-9c8d-7e6f5a4b3c2d",
		"abc123",
		"A-B-C",
	}
	for _, id := range valid {
		t.Run("valid_"+id, func(t *testing.T) {
			if err := ValidateThreadID(id); err != nil {
				t.Errorf("ValidateThreadID(%q) = %v, want nil", id, err)
			}
		})
	}

	invalid := []string{
		"",
		"../evil",
		"a/b",
		"id with spaces",
		"id.json",
		strings.Repeat("a", 65),
	}
	for _, id := range invalid {
		t.Run("invalid", func(t *testing.T) {
			if err := ValidateThreadID(id); err == nil {
				t.Errorf("ValidateThreadID(%q) = nil, want error", id)
			}
		})
	}
}

func TestValidateChatFilePath(t *testing.T) {
	dir := filepath.Join("home", ".mito", "ai-chats")

	t.Run("inside dir", func(t *testing.T) {
		path := filepath.Join(dir, "abc.json")
		if err := ValidateChatFilePath(path, dir); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	})

	t.Run("traversal escapes dir", func(t *testing.T) {
		path := filepath.Join(dir, "..", "evil.json")
		if err := ValidateChatFilePath(path, dir); err == nil {
			t.Error("expected error for path escaping chats dir")
		}
	})

	t.Run("wrong extension", func(t *testing.T) {
		path := filepath.Join(dir, "abc.json.bak")
		if err := ValidateChatFilePath(path, dir); err == nil {
			t.Error("expected error for non-json file")
		}
	})
}
