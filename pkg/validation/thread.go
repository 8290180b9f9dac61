// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation provides input validation utilities for security-critical operations.
//
// This package contains validators for user-provided inputs that are used in
// file paths or subprocess calls. Using these validators prevents injection
// attacks (command injection, path traversal).
package validation

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// threadIDPattern matches valid chat thread identifiers.
// Thread IDs are UUID-shaped: letters, digits, and hyphens only.
// Anything else (slashes, dots, whitespace) is rejected before the
// ID is ever used to build a filesystem path.
var threadIDPattern = regexp.MustCompile(`^[A-Za-z0-9-]+$`)

// ValidateThreadID validates a chat thread identifier to prevent path traversal.
//
// Valid thread IDs:
//   - 1-64 characters
//   - Letters A-Z, a-z
//   - Digits 0-9
//   - Hyphens (-), as produced by UUID generation
//
// Returns an error if the ID is invalid.
//
// Example:
//
//	if err := validation.ValidateThreadID(threadID); err != nil {
//	    return nil, fmt.Errorf("invalid thread id: %w", err)
//	}
//	// Safe to use in a file path
func ValidateThreadID(id string) error {
	if id == "" {
		return fmt.Errorf("thread id cannot be empty")
	}

	if len(id) > 64 {
		return fmt.Errorf("thread id too long: %d characters (max 64)", len(id))
	}

	if !threadIDPattern.MatchString(id) {
		return fmt.Errorf("invalid thread id format: %q (must be alphanumeric with hyphens)", id)
	}

	return nil
}

// ValidateChatFilePath verifies that a chat file path resolves inside the
// chats directory and names a .json file.
//
// The path is cleaned before comparison, so "../" components cannot escape
// the directory. The check is purely lexical; callers that need to rule out
// symlinks or non-regular files must stat the result themselves.
//
// Example:
//
//	path := filepath.Join(chatsDir, threadID+".json")
//	if err := validation.ValidateChatFilePath(path, chatsDir); err != nil {
//	    return false
//	}
func ValidateChatFilePath(path, chatsDir string) error {
	if !strings.HasSuffix(path, ".json") {
		return fmt.Errorf("chat file must end in .json: %q", path)
	}

	cleanPath := filepath.Clean(path)
	cleanDir := filepath.Clean(chatsDir)

	if filepath.Dir(cleanPath) != cleanDir {
		return fmt.Errorf("chat file path %q escapes chats directory %q", path, chatsDir)
	}

	return nil
}
