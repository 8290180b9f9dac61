// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/AleutianNotebook/services/chat/agent"
	"github.com/AleutianAI/AleutianNotebook/services/chat/datatypes"
	"github.com/AleutianAI/AleutianNotebook/services/chat/observability"
	"github.com/AleutianAI/AleutianNotebook/services/chat/prompts"
	"github.com/AleutianAI/AleutianNotebook/services/chat/rules"
	"github.com/AleutianAI/AleutianNotebook/services/chat/store"
	"github.com/AleutianAI/AleutianNotebook/services/llm"
)

const chatSystemPrompt = `You are an expert Python data scientist embedded in a Jupyter notebook.
Answer using the notebook state provided in tagged sections. When your answer
relies on specific notebook content, cite it inline with
[MITO_CITATION:<cell_id>:<line>] markers. Keep code in fenced blocks.`

const smartDebugSystemPrompt = `You are an expert Python debugger embedded in a Jupyter notebook.
Given the failing cell and its traceback, explain the root cause in one or two
sentences, then provide the corrected cell code in a fenced block.`

const codeExplainSystemPrompt = `You are an expert Python tutor embedded in a Jupyter notebook.
Explain what the given cell does, step by step, in plain language. Do not
suggest changes unless the code is incorrect.`

const agentSystemPrompt = `You are an autonomous data science agent working in a Jupyter notebook.
Work one step at a time: reply with exactly one action as a JSON object and
nothing else. Modify existing cells by id, insert new cells by index, request
a cell's output when you need to see it, and reply with finished_task when the
user's goal is met. In the message field, cite notebook content with
[MITO_CITATION:<cell_id>:<line>] markers.`

const inlineSystemPrompt = `You complete code in a Jupyter notebook cell. Reply with only the code that
belongs between the prefix and the suffix. No prose, no fences, no repetition
of the surrounding code.`

// CompletionService owns prompt assembly and history flow for every
// completion-bearing message type. Socket bookkeeping lives in the
// websocket handler; this type is transport-agnostic.
type CompletionService struct {
	router  *llm.Router
	store   *store.ThreadStore
	rules   *rules.Store
	metrics *observability.ChatMetrics
	logger  *slog.Logger
}

func NewCompletionService(router *llm.Router, threadStore *store.ThreadStore, ruleStore *rules.Store,
	metrics *observability.ChatMetrics, logger *slog.Logger) *CompletionService {
	if logger == nil {
		logger = slog.Default()
	}
	return &CompletionService{
		router:  router,
		store:   threadStore,
		rules:   ruleStore,
		metrics: metrics,
		logger:  logger,
	}
}

func (s *CompletionService) Router() *llm.Router {
	return s.router
}

func (s *CompletionService) Store() *store.ThreadStore {
	return s.store
}

// HandleChatMessage serves chat, smart_debug and code_explain requests.
// The returned reply is nil when the response was streamed; stream chunks
// go through reply as they arrive.
func (s *CompletionService) HandleChatMessage(ctx context.Context, req datatypes.SocketRequest,
	reply llm.ReplyFunc) (*datatypes.CompletionReply, error) {

	var meta datatypes.ChatMetadata
	if err := decodeMetadata(req.Metadata, &meta); err != nil {
		return nil, err
	}

	threadID, err := s.resolveThread(meta.ThreadID)
	if err != nil {
		return nil, err
	}
	if meta.Index != nil {
		if err := s.store.TruncateHistories(threadID, *meta.Index); err != nil {
			return nil, datatypes.NewInvalidRequestError(err.Error())
		}
	}

	promptText := prompts.BuildPrompt(s.chatSections(req.Type, &meta))
	userMsg := datatypes.NewTextMessage(datatypes.RoleUser, promptText)
	if meta.ActiveCellOutput != "" {
		userMsg = datatypes.NewImageMessage(datatypes.RoleUser, promptText, meta.ActiveCellOutput)
	}
	displayMsg := datatypes.NewTextMessage(datatypes.RoleUser, meta.Input)

	messages, err := s.composeHistory(threadID, systemPromptFor(req.Type), userMsg)
	if err != nil {
		return nil, err
	}

	completionReq := llm.CompletionRequest{
		Messages:    messages,
		MessageID:   req.MessageID,
		ThreadID:    threadID,
		MessageType: req.Type,
	}

	var answer string
	start := time.Now()
	if req.Stream {
		answer, err = s.streamWithAccumulator(ctx, completionReq, reply)
	} else {
		answer, err = s.router.RequestCompletions(ctx, completionReq)
	}
	s.observe(req.Type, start, err)
	if err != nil {
		return nil, err
	}

	if err := s.commitTurn(ctx, threadID, userMsg, displayMsg, answer); err != nil {
		return nil, err
	}

	if req.Stream {
		return nil, nil
	}
	return &datatypes.CompletionReply{
		Type:     datatypes.FrameCompletion,
		ParentID: req.MessageID,
		Items:    []datatypes.CompletionItem{{Content: answer}},
	}, nil
}

// HandleAgentMessage serves agent_execution and agent_auto_error_fixup.
// The loop runs one action per request: the reply carries a single parsed
// agent action and the client comes back with a follow-up frame after
// executing it.
func (s *CompletionService) HandleAgentMessage(ctx context.Context, req datatypes.SocketRequest) (*datatypes.CompletionReply, error) {
	var meta datatypes.AgentMetadata
	if err := decodeMetadata(req.Metadata, &meta); err != nil {
		return nil, err
	}

	threadID, err := s.resolveThread(meta.ThreadID)
	if err != nil {
		return nil, err
	}

	promptText := prompts.BuildPrompt(s.agentSections(req.Type, &meta))
	userMsg := datatypes.NewTextMessage(datatypes.RoleUser, promptText)
	if meta.CellOutput != "" {
		userMsg = datatypes.NewImageMessage(datatypes.RoleUser, promptText, meta.CellOutput)
	}
	displayText := meta.Input
	if displayText == "" && meta.CellOutput != "" {
		displayText = "(cell output attached)"
	}
	displayMsg := datatypes.NewTextMessage(datatypes.RoleUser, displayText)

	messages, err := s.composeHistory(threadID, agentSystemPrompt, userMsg)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	answer, err := s.router.RequestCompletions(ctx, llm.CompletionRequest{
		Messages:    messages,
		MessageID:   req.MessageID,
		ThreadID:    threadID,
		MessageType: req.Type,
		ResponseFormat: &llm.ResponseFormatInfo{
			Name:   agent.ToolName,
			Schema: agent.ResponseSchema(),
		},
	})
	if err != nil {
		s.observe(req.Type, start, err)
		return nil, err
	}

	action, err := agent.ParseResponse(answer)
	s.observe(req.Type, start, err)
	if err != nil {
		return nil, datatypes.NewExecutionError(fmt.Errorf("parse agent response: %w", err), answer)
	}
	canonical, err := json.Marshal(action)
	if err != nil {
		return nil, datatypes.NewExecutionError(err, "")
	}

	if err := s.commitTurn(ctx, threadID, userMsg, displayMsg, string(canonical)); err != nil {
		return nil, err
	}

	return &datatypes.CompletionReply{
		Type:     datatypes.FrameCompletion,
		ParentID: req.MessageID,
		Items:    []datatypes.CompletionItem{{Content: string(canonical)}},
	}, nil
}

// HandleInlineCompletion serves fill-in-the-middle requests on the fast
// model. Inline completions never touch the thread store.
func (s *CompletionService) HandleInlineCompletion(ctx context.Context, req datatypes.SocketRequest) (*datatypes.CompletionReply, error) {
	var meta datatypes.InlineCompletionMetadata
	if err := decodeMetadata(req.Metadata, &meta); err != nil {
		return nil, err
	}

	messages := []datatypes.Message{
		datatypes.NewTextMessage(datatypes.RoleSystem, inlineSystemPrompt),
		datatypes.NewTextMessage(datatypes.RoleUser,
			fmt.Sprintf("<Prefix>%s</Prefix>\n<Suffix>%s</Suffix>", meta.Prefix, meta.Suffix)),
	}

	start := time.Now()
	answer, err := s.router.RequestCompletions(ctx, llm.CompletionRequest{
		Messages:    messages,
		Model:       s.router.SelectedProvider().FastModel(),
		MessageID:   req.MessageID,
		ThreadID:    meta.ThreadID,
		MessageType: req.Type,
	})
	s.observe(req.Type, start, err)
	if err != nil {
		return nil, err
	}

	return &datatypes.CompletionReply{
		Type:     datatypes.FrameCompletion,
		ParentID: req.MessageID,
		Items:    []datatypes.CompletionItem{{Content: llm.StripShortReply(answer)}},
	}, nil
}

// =============================================================================
// Internals
// =============================================================================

func decodeMetadata(raw json.RawMessage, target interface{ Validate() error }) error {
	if err := json.Unmarshal(raw, target); err != nil {
		return datatypes.NewInvalidRequestError(fmt.Sprintf("decode metadata: %v", err))
	}
	if err := target.Validate(); err != nil {
		return datatypes.NewInvalidRequestError(err.Error())
	}
	return nil
}

func (s *CompletionService) resolveThread(threadID string) (string, error) {
	if threadID != "" {
		return threadID, nil
	}
	id, err := s.store.CreateNewThread()
	if err != nil {
		return "", datatypes.NewExecutionError(err, "")
	}
	return id, nil
}

func (s *CompletionService) composeHistory(threadID, systemPrompt string, userMsg datatypes.Message) ([]datatypes.Message, error) {
	history, err := s.store.GetAIOptimizedHistory(threadID)
	if err != nil {
		return nil, datatypes.NewInvalidRequestError(err.Error())
	}
	messages := make([]datatypes.Message, 0, len(history)+2)
	messages = append(messages, datatypes.NewTextMessage(datatypes.RoleSystem, systemPrompt))
	messages = append(messages, history...)
	messages = append(messages, userMsg)
	return messages, nil
}

// streamWithAccumulator forwards chunks to the client while collecting the
// reply in locked memory.
func (s *CompletionService) streamWithAccumulator(ctx context.Context, req llm.CompletionRequest,
	reply llm.ReplyFunc) (string, error) {

	acc, err := NewReplyAccumulator()
	if err != nil {
		return "", datatypes.NewExecutionError(err, "")
	}
	defer acc.Destroy()

	if s.metrics != nil {
		s.metrics.StreamStarted()
		defer s.metrics.StreamEnded()
	}

	tokens := 0
	_, err = s.router.StreamCompletions(ctx, req, func(chunk datatypes.CompletionStreamChunk) error {
		if chunk.Chunk.Token != "" {
			tokens++
			if writeErr := acc.Write(chunk.Chunk.Token); writeErr != nil {
				return writeErr
			}
		}
		return reply(chunk)
	})
	if err != nil {
		return "", err
	}
	if s.metrics != nil {
		s.metrics.RecordTokensStreamed(s.router.SelectedModel(), tokens)
	}

	answer, digest, err := acc.Finalize()
	if err != nil {
		return "", datatypes.NewExecutionError(err, "")
	}
	s.logger.Debug("Stream accumulated", "length", len(answer), "sha256", digest[:16])
	return answer, nil
}

// commitTurn appends the user turn and the assistant answer to the thread.
func (s *CompletionService) commitTurn(ctx context.Context, threadID string,
	userMsg, displayMsg datatypes.Message, answer string) error {

	model := s.router.SelectedModel()
	provider := string(s.router.SelectedProvider())

	if err := s.store.AppendMessage(ctx, threadID, userMsg, displayMsg, model, provider); err != nil {
		return datatypes.NewExecutionError(err, "")
	}
	assistantMsg := datatypes.NewTextMessage(datatypes.RoleAssistant, answer)
	if err := s.store.AppendMessage(ctx, threadID, assistantMsg, assistantMsg, model, provider); err != nil {
		return datatypes.NewExecutionError(err, "")
	}
	return nil
}

func (s *CompletionService) observe(messageType datatypes.MessageType, start time.Time, err error) {
	if s.metrics == nil {
		return
	}
	success := err == nil
	s.metrics.RecordRequest(string(messageType), success)
	s.metrics.RecordCompletionDuration(string(messageType), time.Since(start).Seconds(), success)
	if err != nil {
		s.metrics.RecordError(string(messageType), string(datatypes.AsCompletionError(err).Kind))
	}
}

func systemPromptFor(messageType datatypes.MessageType) string {
	switch messageType {
	case datatypes.MessageTypeSmartDebug:
		return smartDebugSystemPrompt
	case datatypes.MessageTypeCodeExplain:
		return codeExplainSystemPrompt
	default:
		return chatSystemPrompt
	}
}

// chatSections composes the section list for chat-family prompts. Order is
// fixed per message type.
func (s *CompletionService) chatSections(messageType datatypes.MessageType, meta *datatypes.ChatMetadata) []prompts.Section {
	switch messageType {
	case datatypes.MessageTypeSmartDebug:
		return []prompts.Section{
			s.rulesSection(),
			prompts.FilesSection(meta.Files),
			prompts.VariablesSection(variableLines(meta.Variables)),
			prompts.NotebookSection(notebookLines(meta.Notebook)),
			prompts.ActiveCellIDSection(meta.ActiveCellID),
			prompts.ActiveCellCodeSection(meta.ActiveCellCode),
			prompts.ErrorTracebackSection(meta.ActiveCellID, meta.ErrorTraceback),
			prompts.TaskSection(orDefault(meta.Input, "Diagnose the error and provide corrected code.")),
		}
	case datatypes.MessageTypeCodeExplain:
		return []prompts.Section{
			s.rulesSection(),
			prompts.FilesSection(meta.Files),
			prompts.VariablesSection(variableLines(meta.Variables)),
			prompts.ActiveCellIDSection(meta.ActiveCellID),
			prompts.ActiveCellCodeSection(meta.ActiveCellCode),
			prompts.TaskSection(orDefault(meta.Input, "Explain what this code does.")),
		}
	default:
		return []prompts.Section{
			s.rulesSection(),
			prompts.SelectedContextSection(contextLines(meta.AdditionalContext)),
			prompts.FilesSection(meta.Files),
			prompts.VariablesSection(variableLines(meta.Variables)),
			prompts.NotebookSection(notebookLines(meta.Notebook)),
			prompts.ActiveCellIDSection(meta.ActiveCellID),
			prompts.ActiveCellCodeSection(meta.ActiveCellCode),
			prompts.ActiveCellOutputSection(meta.ActiveCellOutput != ""),
			prompts.TaskSection(meta.Input),
		}
	}
}

func (s *CompletionService) agentSections(messageType datatypes.MessageType, meta *datatypes.AgentMetadata) []prompts.Section {
	sections := []prompts.Section{
		s.rulesSection(),
		prompts.SelectedContextSection(contextLines(meta.AdditionalContext)),
		prompts.FilesSection(meta.Files),
		prompts.VariablesSection(variableLines(meta.Variables)),
		prompts.NotebookSection(notebookLines(meta.Notebook)),
		prompts.ActiveCellIDSection(meta.ActiveCellID),
	}
	if meta.StreamlitExists != nil {
		sections = append(sections, prompts.StreamlitAppStatusSection(*meta.StreamlitExists))
	}
	if messageType == datatypes.MessageTypeAgentAutoErrorFix {
		sections = append(sections, prompts.ErrorTracebackSection(meta.ActiveCellID, meta.ErrorTraceback))
	}
	if meta.CellOutput != "" {
		sections = append(sections, prompts.GetCellOutputToolResponseSection())
	}
	return append(sections, prompts.TaskSection(meta.Input))
}

func (s *CompletionService) rulesSection() prompts.Section {
	if s.rules == nil {
		return prompts.RulesSection("")
	}
	return prompts.RulesSection(s.rules.Combined())
}

func variableLines(variables []datatypes.VariableSummary) []string {
	lines := make([]string, 0, len(variables))
	for _, v := range variables {
		lines = append(lines, fmt.Sprintf("%s (%s): %s", v.Name, v.Type, v.Value))
	}
	return lines
}

func notebookLines(cells []datatypes.NotebookCell) []string {
	lines := make([]string, 0, len(cells))
	for _, c := range cells {
		lines = append(lines, fmt.Sprintf("[%s] (%s)\n%s", c.ID, c.CellType, c.Code))
	}
	return lines
}

func contextLines(items []datatypes.ContextItem) []string {
	lines := make([]string, 0, len(items))
	for _, item := range items {
		lines = append(lines, fmt.Sprintf("%s: %s", item.Type, item.Value))
	}
	return lines
}

func orDefault(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
