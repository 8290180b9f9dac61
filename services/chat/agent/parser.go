// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package agent turns raw model output into typed agent actions. Providers
// that support forced tool use hand us clean JSON; the rest go through the
// repair pass first, so a response wrapped in prose or single quotes still
// parses.
package agent

import (
	"encoding/json"
	"fmt"

	"github.com/AleutianAI/AleutianNotebook/pkg/jsonrepair"
)

// ToolName is the forced-tool name providers use for structured agent
// replies.
const ToolName = "agent_response"

type ResponseType string

const (
	ResponseCellUpdate    ResponseType = "cell_update"
	ResponseGetCellOutput ResponseType = "get_cell_output"
	ResponseFinishedTask  ResponseType = "finished_task"
)

type CellUpdateType string

const (
	CellUpdateModification CellUpdateType = "modification"
	CellUpdateNew          CellUpdateType = "new"
)

// CellUpdate describes one notebook edit. Modifications address an
// existing cell by ID; new cells are inserted at Index.
type CellUpdate struct {
	Type     CellUpdateType `json:"type"`
	ID       string         `json:"id,omitempty"`
	Index    *int           `json:"index,omitempty"`
	Code     string         `json:"code"`
	CellType string         `json:"cell_type,omitempty"`
}

// Response is one step of the agent loop.
type Response struct {
	Type       ResponseType `json:"type"`
	Message    string       `json:"message,omitempty"`
	CellUpdate *CellUpdate  `json:"cell_update"`
	CellID     string       `json:"get_cell_output_cell_id,omitempty"`
}

// ParseResponse decodes raw model output into a Response. The raw text may
// be a clean JSON object, an object embedded in prose, or near-JSON with
// single quotes; anything the repair pass cannot recover, or any response
// outside the known action set, is an error.
func ParseResponse(raw string) (*Response, error) {
	fields, repaired, err := jsonrepair.RepairObject(raw)
	if err != nil {
		return nil, fmt.Errorf("agent response is not a JSON object: %w", err)
	}

	var resp Response
	if err := json.Unmarshal([]byte(repaired), &resp); err != nil {
		return nil, fmt.Errorf("agent response has unexpected field types: %w", err)
	}

	if err := validateResponse(&resp, fields); err != nil {
		return nil, err
	}
	return &resp, nil
}

func validateResponse(resp *Response, fields map[string]any) error {
	switch resp.Type {
	case ResponseCellUpdate:
		if resp.CellUpdate == nil {
			return fmt.Errorf("cell_update response is missing the cell_update body")
		}
		return validateCellUpdate(resp.CellUpdate)
	case ResponseGetCellOutput:
		if resp.CellID == "" {
			return fmt.Errorf("get_cell_output response is missing get_cell_output_cell_id")
		}
		return nil
	case ResponseFinishedTask:
		return nil
	case "":
		return fmt.Errorf("agent response is missing a type, got fields %v", keysOf(fields))
	default:
		return fmt.Errorf("unknown agent response type %q", resp.Type)
	}
}

func validateCellUpdate(update *CellUpdate) error {
	if update.Code == "" {
		return fmt.Errorf("%s cell_update is missing code", update.Type)
	}
	switch update.Type {
	case CellUpdateModification:
		if update.ID == "" {
			return fmt.Errorf("modification cell_update is missing the cell id")
		}
	case CellUpdateNew:
		if update.Index == nil {
			return fmt.Errorf("new cell_update is missing the insertion index")
		}
		if *update.Index < 0 {
			return fmt.Errorf("new cell_update has negative index %d", *update.Index)
		}
	default:
		return fmt.Errorf("unknown cell_update type %q", update.Type)
	}
	return nil
}

func keysOf(fields map[string]any) []string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	return keys
}

// ResponseSchema is the JSON schema advertised to tool-capable providers
// for the agent_response tool.
func ResponseSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"type": map[string]any{
				"type": "string",
				"enum": []string{
					string(ResponseCellUpdate),
					string(ResponseGetCellOutput),
					string(ResponseFinishedTask),
				},
			},
			"message": map[string]any{"type": "string"},
			"cell_update": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"type": map[string]any{
						"type": "string",
						"enum": []string{string(CellUpdateModification), string(CellUpdateNew)},
					},
					"id":        map[string]any{"type": "string"},
					"index":     map[string]any{"type": "integer"},
					"code":      map[string]any{"type": "string"},
					"cell_type": map[string]any{"type": "string"},
				},
				"required": []string{"type", "code"},
			},
			"get_cell_output_cell_id": map[string]any{"type": []string{"string", "null"}},
		},
		"required": []string{"type"},
	}
}
