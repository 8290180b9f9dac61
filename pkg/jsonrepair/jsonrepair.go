// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package jsonrepair recovers JSON objects from noisy LLM output.
//
// Some models wrap their structured replies in prose, use single quotes,
// or repeat keys. The helpers here extract the first balanced object from
// a reply and apply a sequence of increasingly aggressive repairs:
//
//  1. ExtractObject: first balanced {...} span, string-aware.
//  2. NormalizeQuotes: single quotes converted to double quotes.
//  3. Unmarshal into a map, which keeps the last value for repeated keys.
//
// Repairing an already-valid object is the identity: the extracted span is
// returned unchanged when it parses as-is.
//
// The quote normalization is lossy for strings that themselves contain
// quote characters. It is attempted last, only after the extracted span
// failed to parse.
package jsonrepair

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ExtractObject returns the first balanced {...} span in s.
//
// Brace counting skips braces inside double-quoted strings, including
// escaped quotes. Returns an error if no complete object is found.
func ExtractObject(s string) (string, error) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", fmt.Errorf("no JSON object found in reply")
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if escaped {
			escaped = false
			continue
		}
		switch c {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return s[start : i+1], nil
				}
			}
		}
	}

	return "", fmt.Errorf("unbalanced JSON object in reply")
}

// NormalizeQuotes converts single-quoted strings to double-quoted ones.
//
// Existing double-quoted strings pass through untouched, so apostrophes
// inside them survive. Double quotes appearing inside a single-quoted
// string are escaped in the output.
func NormalizeQuotes(s string) string {
	var b strings.Builder
	b.Grow(len(s))

	inDouble := false
	inSingle := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if escaped {
			b.WriteByte(c)
			escaped = false
			continue
		}
		switch c {
		case '\\':
			b.WriteByte(c)
			escaped = true
		case '"':
			if inSingle {
				b.WriteString(`\"`)
			} else {
				inDouble = !inDouble
				b.WriteByte(c)
			}
		case '\'':
			if inDouble {
				b.WriteByte(c)
			} else {
				inSingle = !inSingle
				b.WriteByte('"')
			}
		default:
			b.WriteByte(c)
		}
	}

	return b.String()
}

// RepairObject extracts and repairs the first JSON object in a raw reply,
// returning it decoded. Duplicate keys resolve last-wins via map decoding.
//
// The returned string is the span that actually parsed, so callers can
// log what was accepted. On failure the error carries both the raw span
// and the final parse error.
func RepairObject(raw string) (map[string]any, string, error) {
	span, err := ExtractObject(raw)
	if err != nil {
		return nil, "", err
	}

	var obj map[string]any
	if err := json.Unmarshal([]byte(span), &obj); err == nil {
		return obj, span, nil
	}

	fixed := NormalizeQuotes(span)
	if err := json.Unmarshal([]byte(fixed), &obj); err != nil {
		return nil, "", fmt.Errorf("could not repair JSON object %q: %w", span, err)
	}
	return obj, fixed, nil
}
