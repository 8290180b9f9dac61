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
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Citation marker format: [MITO_CITATION:<cell_id>:<line>]. The model is
// prompted to emit these inline wherever an answer relies on notebook
// content.
var citationPattern = regexp.MustCompile(`\[MITO_CITATION:([A-Za-z0-9-]+):(\d+)\]`)

type Citation struct {
	CellID string `json:"cell_id"`
	Line   int    `json:"line"`
}

func FormatCitation(cellID string, line int) string {
	return fmt.Sprintf("[MITO_CITATION:%s:%d]", cellID, line)
}

// ExtractCitations collects the citation markers in text in order of
// appearance, deduplicated.
func ExtractCitations(text string) []Citation {
	matches := citationPattern.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[Citation]bool, len(matches))
	out := make([]Citation, 0, len(matches))
	for _, m := range matches {
		line, err := strconv.Atoi(m[2])
		if err != nil {
			continue
		}
		c := Citation{CellID: m[1], Line: line}
		if seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out
}

// StripCitations removes citation markers for surfaces that render plain
// text, collapsing any doubled spaces the removal leaves behind.
func StripCitations(text string) string {
	stripped := citationPattern.ReplaceAllString(text, "")
	stripped = strings.ReplaceAll(stripped, "  ", " ")
	return strings.TrimRight(stripped, " ")
}
