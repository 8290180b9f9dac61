// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package prompts assembles and trims the tagged prompt sections sent to
// LLM providers.
//
// A prompt is an ordered list of sections, each rendered as
// <Name>body</Name>. Every section class carries a trim threshold: once a
// user message is older than that many messages, the section's tagged span
// is removed from the AI-optimized history. Sections with no threshold
// (Task, Rules, SelectedContext, ...) are never trimmed.
package prompts

import (
	"fmt"
	"strings"
)

// NeverTrim marks a section that survives for the life of the thread.
const NeverTrim = -1

// Section names. These are the literal XML tags in prompt text, so they
// are part of the wire contract with the trimmer.
const (
	SectionFiles                     = "Files"
	SectionVariables                 = "Variables"
	SectionActiveCellCode            = "ActiveCellCode"
	SectionActiveCellOutput          = "ActiveCellOutput"
	SectionNotebook                  = "Notebook"
	SectionActiveCellID              = "ActiveCellId"
	SectionGetCellOutputToolResponse = "GetCellOutputToolResponse"
	SectionStreamlitAppStatus        = "StreamlitAppStatus"
	SectionSelectedContext           = "SelectedContext"
	SectionRules                     = "Rules"
	SectionTask                      = "Task"
	SectionErrorTraceback            = "ErrorTraceback"
	SectionExample                   = "Example"
)

// trimThresholds maps each section class to its age threshold in messages
// from the newest turn. A user message at age >= threshold loses the
// section's tagged content.
var trimThresholds = map[string]int{
	SectionFiles:                     3,
	SectionVariables:                 6,
	SectionActiveCellCode:            3,
	SectionActiveCellOutput:          3,
	SectionNotebook:                  6,
	SectionActiveCellID:              NeverTrim,
	SectionGetCellOutputToolResponse: 3,
	SectionStreamlitAppStatus:        3,
	SectionSelectedContext:           NeverTrim,
	SectionRules:                     NeverTrim,
	SectionTask:                      NeverTrim,
	SectionErrorTraceback:            NeverTrim,
	SectionExample:                   3,
}

// TrimThreshold returns the threshold for a section name, or NeverTrim
// for unknown names (unknown tags are user content, not sections).
func TrimThreshold(name string) int {
	if t, ok := trimThresholds[name]; ok {
		return t
	}
	return NeverTrim
}

// MaxTrimAfterMessages is the largest finite threshold in the registry.
// Messages older than this are stable: no further trimming will touch
// them, which makes them safe prefix-cache material for providers that
// support caching.
func MaxTrimAfterMessages() int {
	max := 0
	for _, t := range trimThresholds {
		if t != NeverTrim && t > max {
			max = t
		}
	}
	return max
}

// =============================================================================
// Section
// =============================================================================

// Section is one named block of a prompt.
type Section struct {
	Name           string
	Body           string
	ExcludeIfEmpty bool
}

// Render returns the tagged form "<Name>body</Name>", or "" when the body
// is empty and the section is excludable.
func (s Section) Render() string {
	if s.ExcludeIfEmpty && strings.TrimSpace(s.Body) == "" {
		return ""
	}
	return fmt.Sprintf("<%s>%s</%s>", s.Name, s.Body, s.Name)
}

// BuildPrompt renders sections in order, dropping empty excludable ones,
// and joins them with newlines.
func BuildPrompt(sections []Section) string {
	rendered := make([]string, 0, len(sections))
	for _, s := range sections {
		r := s.Render()
		if r == "" {
			continue
		}
		rendered = append(rendered, r)
	}
	return strings.Join(rendered, "\n")
}

// =============================================================================
// Section Constructors
// =============================================================================

// FilesSection lists file names from the user's working directory.
func FilesSection(files []string) Section {
	return Section{Name: SectionFiles, Body: strings.Join(files, ", "), ExcludeIfEmpty: true}
}

// VariablesSection summarizes kernel variables, one per line.
func VariablesSection(lines []string) Section {
	return Section{Name: SectionVariables, Body: strings.Join(lines, "\n"), ExcludeIfEmpty: true}
}

// ActiveCellCodeSection carries the focused cell's source.
func ActiveCellCodeSection(code string) Section {
	return Section{Name: SectionActiveCellCode, Body: code, ExcludeIfEmpty: true}
}

// ActiveCellOutputSection references the attached output image; the image
// itself rides as a separate content part.
func ActiveCellOutputSection(hasOutput bool) Section {
	body := ""
	if hasOutput {
		body = "The output of the active cell is attached as an image."
	}
	return Section{Name: SectionActiveCellOutput, Body: body, ExcludeIfEmpty: true}
}

// NotebookSection renders the full cell list, one cell per block.
func NotebookSection(cells []string) Section {
	return Section{Name: SectionNotebook, Body: strings.Join(cells, "\n"), ExcludeIfEmpty: true}
}

// ActiveCellIDSection names the focused cell. Never trimmed.
func ActiveCellIDSection(id string) Section {
	return Section{Name: SectionActiveCellID, Body: id, ExcludeIfEmpty: true}
}

// GetCellOutputToolResponseSection references the image attached in reply
// to a get_cell_output tool call.
func GetCellOutputToolResponseSection() Section {
	return Section{
		Name: SectionGetCellOutputToolResponse,
		Body: "The requested cell output is attached as an image.",
	}
}

// StreamlitAppStatusSection reports whether an associated app exists.
func StreamlitAppStatusSection(exists bool) Section {
	body := "No Streamlit app is associated with this notebook."
	if exists {
		body = "A Streamlit app already exists for this notebook."
	}
	return Section{Name: SectionStreamlitAppStatus, Body: body}
}

// SelectedContextSection carries user-pinned context. Never trimmed.
func SelectedContextSection(items []string) Section {
	return Section{Name: SectionSelectedContext, Body: strings.Join(items, "\n"), ExcludeIfEmpty: true}
}

// RulesSection carries user-authored rule snippets. Never trimmed.
func RulesSection(rules string) Section {
	return Section{Name: SectionRules, Body: rules, ExcludeIfEmpty: true}
}

// TaskSection carries the user's request text. Never trimmed.
func TaskSection(task string) Section {
	return Section{Name: SectionTask, Body: task}
}

// ErrorTracebackSection carries the failing cell id and traceback for
// debug prompts. Never trimmed.
func ErrorTracebackSection(cellID, traceback string) Section {
	body := traceback
	if cellID != "" {
		body = fmt.Sprintf("Cell %s raised:\n%s", cellID, traceback)
	}
	return Section{Name: SectionErrorTraceback, Body: body, ExcludeIfEmpty: true}
}

// ExampleSection embeds a few-shot example in a system message.
func ExampleSection(example string) Section {
	return Section{Name: SectionExample, Body: example, ExcludeIfEmpty: true}
}
