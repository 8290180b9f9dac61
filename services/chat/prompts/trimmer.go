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
	"regexp"
	"sync"

	"github.com/AleutianAI/AleutianNotebook/services/chat/datatypes"
)

// sectionPatterns caches one compiled pattern per trimmable section.
// (?s) lets the span match across newlines; the match is non-greedy so
// repeated occurrences of the same tag are removed independently.
var (
	sectionPatternsOnce sync.Once
	sectionPatterns     map[string]*regexp.Regexp
)

func trimmablePatterns() map[string]*regexp.Regexp {
	sectionPatternsOnce.Do(func() {
		sectionPatterns = make(map[string]*regexp.Regexp)
		for name, threshold := range trimThresholds {
			if threshold == NeverTrim {
				continue
			}
			sectionPatterns[name] = regexp.MustCompile(`(?s)<` + name + `>.*?</` + name + `>\n?`)
		}
	})
	return sectionPatterns
}

// imageTrimThreshold is the age at which image parts are dropped from user
// messages. Images are always attached by a finite-threshold section
// (ActiveCellOutput or GetCellOutputToolResponse), so once those tags are
// gone the image has no referent.
const imageTrimThreshold = 3

// TrimHistory returns a copy of messages with aged section content removed.
//
// A message at index i of an N-message list has age N-i-1; the newest
// message has age 0. Only user-role messages are modified: for every
// section with a finite threshold, tagged spans are removed once
// age >= threshold, and image parts are dropped once age >=
// the image sections' threshold. System and assistant messages pass
// through unchanged.
//
// The operation is pure and idempotent: trimming a trimmed list is a
// no-op, and the input slice is never mutated.
func TrimHistory(messages []datatypes.Message) []datatypes.Message {
	patterns := trimmablePatterns()
	n := len(messages)

	out := make([]datatypes.Message, n)
	for i, msg := range messages {
		age := n - i - 1
		if msg.Role != datatypes.RoleUser {
			out[i] = msg
			continue
		}
		out[i] = trimMessage(msg, age, patterns)
	}
	return out
}

func trimMessage(msg datatypes.Message, age int, patterns map[string]*regexp.Regexp) datatypes.Message {
	trimText := func(text string) string {
		for name, re := range patterns {
			if age >= trimThresholds[name] {
				text = re.ReplaceAllString(text, "")
			}
		}
		return text
	}

	if msg.Content.Parts == nil {
		msg.Content.Text = trimText(msg.Content.Text)
		return msg
	}

	parts := make([]datatypes.ContentPart, 0, len(msg.Content.Parts))
	for _, p := range msg.Content.Parts {
		switch p.Type {
		case datatypes.ContentPartText:
			p.Text = trimText(p.Text)
			parts = append(parts, p)
		case datatypes.ContentPartImageURL:
			if age < imageTrimThreshold {
				parts = append(parts, p)
			}
		default:
			parts = append(parts, p)
		}
	}
	msg.Content.Parts = parts
	return msg
}
