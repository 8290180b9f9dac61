// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"encoding/json"

	"github.com/go-playground/validator/v10"
)

// chatValidate is the validator instance for socket frame metadata.
var chatValidate *validator.Validate

func init() {
	chatValidate = validator.New()

	// Thread IDs ride in metadata and end up in file paths. Reject
	// anything outside the UUID alphabet before dispatch.
	_ = chatValidate.RegisterValidation("threadid", validateThreadIDField)
}

func validateThreadIDField(fl validator.FieldLevel) bool {
	id := fl.Field().String()
	if id == "" {
		return true // optional fields validate empty as absent
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '-':
		default:
			return false
		}
	}
	return len(id) <= 64
}

// =============================================================================
// Message Types
// =============================================================================

// MessageType discriminates inbound socket frames.
type MessageType string

const (
	MessageTypeChat               MessageType = "chat"
	MessageTypeSmartDebug         MessageType = "smart_debug"
	MessageTypeCodeExplain        MessageType = "code_explain"
	MessageTypeAgentExecution     MessageType = "agent_execution"
	MessageTypeAgentAutoErrorFix  MessageType = "agent_auto_error_fixup"
	MessageTypeInlineCompletion   MessageType = "inline_completion"
	MessageTypeChatNameGeneration MessageType = "chat_name_generation"
	MessageTypeStartNewChat       MessageType = "start_new_chat"
	MessageTypeGetThreads         MessageType = "get_threads"
	MessageTypeDeleteThread       MessageType = "delete_thread"
	MessageTypeFetchHistory       MessageType = "fetch_history"
	MessageTypeUpdateModelConfig  MessageType = "update_model_config"
)

// Reply frame type tags.
const (
	FrameCompletion       = "completion"
	FrameCompletionChunk  = "completion_chunk"
	FrameError            = "error"
	FrameStartNewChat     = "start_new_chat_reply"
	FrameFetchThreads     = "fetch_threads_reply"
	FrameDeleteThread     = "delete_thread_reply"
	FrameFetchHistory     = "fetch_history_reply"
	FrameCapabilities     = "capabilities"
)

// =============================================================================
// Inbound Frame
// =============================================================================

// SocketRequest is the envelope for every inbound frame:
//
//	{ "type": "...", "message_id": "...", "stream": true, "metadata": {...} }
//
// Metadata is decoded per-type by the matching handler.
type SocketRequest struct {
	Type      MessageType     `json:"type" validate:"required"`
	MessageID string          `json:"message_id" validate:"required"`
	Stream    bool            `json:"stream"`
	Metadata  json.RawMessage `json:"metadata"`
}

// Validate checks the envelope fields.
func (r *SocketRequest) Validate() error {
	return chatValidate.Struct(r)
}

// =============================================================================
// Per-Type Metadata
// =============================================================================

// NotebookCell is one cell of the client's notebook snapshot.
type NotebookCell struct {
	ID       string `json:"id"`
	CellType string `json:"cell_type"`
	Code     string `json:"code"`
}

// VariableSummary is one kernel variable (name plus a short shape/type string).
type VariableSummary struct {
	Name  string `json:"variable_name"`
	Type  string `json:"type"`
	Value string `json:"value"`
}

// ContextItem is one user-pinned piece of additional context.
type ContextItem struct {
	Type  string `json:"type"` // variable, file, image, cell, line_selection
	Value string `json:"value"`
}

// ChatMetadata carries the state snapshot for chat, smart_debug and
// code_explain requests.
type ChatMetadata struct {
	ThreadID          string            `json:"thread_id" validate:"threadid"`
	Input             string            `json:"input"`
	ActiveCellID      string            `json:"active_cell_id"`
	ActiveCellCode    string            `json:"active_cell_code"`
	ActiveCellOutput  string            `json:"active_cell_output"` // base64 image data URL
	Variables         []VariableSummary `json:"variables"`
	Files             []string          `json:"files"`
	Notebook          []NotebookCell    `json:"notebook"`
	AdditionalContext []ContextItem     `json:"additional_context"`
	ErrorTraceback    string            `json:"error_traceback"`
	StreamlitExists   *bool             `json:"streamlit_app_exists"`
	Index             *int              `json:"index"` // truncate display history here before appending
}

// Validate checks metadata fields.
func (m *ChatMetadata) Validate() error {
	return chatValidate.Struct(m)
}

// AgentMetadata extends ChatMetadata for the agent loop. CellOutput is set
// when the client answers a get_cell_output tool call.
type AgentMetadata struct {
	ChatMetadata
	CellOutput string `json:"get_cell_output_response"` // base64 image data URL
}

// InlineCompletionMetadata carries fill-in-the-middle state.
type InlineCompletionMetadata struct {
	ThreadID string `json:"thread_id" validate:"threadid"`
	Prefix   string `json:"prefix"`
	Suffix   string `json:"suffix"`
}

// Validate checks metadata fields.
func (m *InlineCompletionMetadata) Validate() error {
	return chatValidate.Struct(m)
}

// ThreadRefMetadata names a thread for fetch_history and delete_thread.
type ThreadRefMetadata struct {
	ThreadID string `json:"thread_id" validate:"threadid"`
}

// Validate checks metadata fields.
func (m *ThreadRefMetadata) Validate() error {
	return chatValidate.Struct(m)
}

// ModelConfigMetadata carries the model selection for update_model_config.
type ModelConfigMetadata struct {
	Model string `json:"model" validate:"required"`
}

// Validate checks metadata fields.
func (m *ModelConfigMetadata) Validate() error {
	return chatValidate.Struct(m)
}

// =============================================================================
// Reply Frames
// =============================================================================

// CompletionItem is one element of a non-streaming reply.
type CompletionItem struct {
	Content      string `json:"content"`
	IsIncomplete bool   `json:"isIncomplete"`
	Error        string `json:"error,omitempty"`
}

// CompletionReply is the non-streaming completion frame.
type CompletionReply struct {
	Type     string           `json:"type"`
	ParentID string           `json:"parent_id"`
	Items    []CompletionItem `json:"items"`
	Error    string           `json:"error,omitempty"`
}

// ChunkPayload is the body of one streaming chunk.
type ChunkPayload struct {
	Content      string `json:"content"`
	IsIncomplete bool   `json:"isIncomplete"`
	Token        string `json:"token"`
	Error        string `json:"error,omitempty"`
}

// CompletionStreamChunk is one frame of a streamed completion. The final
// chunk has Done true; a failed stream still terminates with Done true and
// Error populated so the client can close its spinner.
type CompletionStreamChunk struct {
	Type     string       `json:"type"`
	ParentID string       `json:"parent_id"`
	Chunk    ChunkPayload `json:"chunk"`
	Done     bool         `json:"done"`
	Error    string       `json:"error,omitempty"`
}

// ErrorMessage is the typed error frame, distinct from completion frames.
type ErrorMessage struct {
	Type      string `json:"type"`
	ErrorType string `json:"error_type"`
	Title     string `json:"title"`
	Hint      string `json:"hint,omitempty"`
	Traceback string `json:"traceback,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`
	MessageID string `json:"message_id,omitempty"`
}

// StartNewChatReply acknowledges thread creation.
type StartNewChatReply struct {
	Type     string `json:"type"`
	ParentID string `json:"parent_id"`
	ThreadID string `json:"thread_id"`
}

// ThreadMetadataItem is one row of a fetch_threads reply.
type ThreadMetadataItem struct {
	ThreadID          string  `json:"thread_id"`
	Name              string  `json:"name"`
	CreationTS        float64 `json:"creation_ts"`
	LastInteractionTS float64 `json:"last_interaction_ts"`
}

// FetchThreadsReply lists thread metadata, newest interaction first.
type FetchThreadsReply struct {
	Type     string               `json:"type"`
	ParentID string               `json:"parent_id"`
	Threads  []ThreadMetadataItem `json:"threads"`
}

// DeleteThreadReply reports deletion success.
type DeleteThreadReply struct {
	Type     string `json:"type"`
	ParentID string `json:"parent_id"`
	Success  bool   `json:"success"`
}

// FetchHistoryReply carries the display history of a thread.
type FetchHistoryReply struct {
	Type     string    `json:"type"`
	ParentID string    `json:"parent_id"`
	Items    []Message `json:"items"`
}

// Capabilities is advertised unsolicited on socket open.
type Capabilities struct {
	Type          string            `json:"type"`
	Provider      string            `json:"provider"`
	Configuration map[string]string `json:"configuration"`
}
