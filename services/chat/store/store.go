// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store persists chat threads, one JSON file per thread.
//
// # Description
//
// Each thread keeps two message lists: the AI-optimized history (sent to
// providers, subject to section trimming) and the display history
// (verbatim, shown to the user). Files live under <home>/.mito/ai-chats
// and are written via temp-file-then-rename so a crash mid-write leaves
// the previous file intact.
//
// # Thread Safety
//
// All mutations hold a single process-wide mutex. The thread-name
// generation call is network-bound and runs strictly outside the lock;
// the name is committed only after re-checking, under the lock, that the
// thread is still unnamed.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianNotebook/pkg/validation"
	"github.com/AleutianAI/AleutianNotebook/services/chat/datatypes"
	"github.com/AleutianAI/AleutianNotebook/services/chat/prompts"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// ChatHistoryVersion is the on-disk schema version. Files with any
	// other version are skipped at load time, never migrated or deleted.
	ChatHistoryVersion = 1

	// NewChatName is the placeholder name until the first full turn.
	NewChatName = "(New Chat)"

	// UntitledChatName is used when name generation returns nothing.
	UntitledChatName = "Untitled Chat"

	// maxThreadsListed caps GetThreads output.
	maxThreadsListed = 50
)

// DefaultChatsDir returns <home>/.mito/ai-chats.
func DefaultChatsDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".mito", "ai-chats"), nil
}

// =============================================================================
// Thread
// =============================================================================

// Thread is the on-disk and in-memory representation of one conversation.
// Timestamps are float seconds since the epoch.
type Thread struct {
	ChatHistoryVersion int                  `json:"chat_history_version"`
	ThreadID           string               `json:"thread_id"`
	CreationTS         float64              `json:"creation_ts"`
	LastInteractionTS  float64              `json:"last_interaction_ts"`
	Name               string               `json:"name"`
	AIOptimizedHistory []datatypes.Message  `json:"ai_optimized_history"`
	DisplayHistory     []datatypes.Message  `json:"display_history"`
}

// =============================================================================
// Name Generation Hook
// =============================================================================

// NameGenerator produces a short thread name from the first user and
// assistant messages. The provider router implements this with the fast
// model of the thread's provider. Implementations must be safe to call
// concurrently; the store never holds its lock across the call.
type NameGenerator interface {
	GenerateName(ctx context.Context, userMsg, assistantMsg datatypes.Message, model, provider string) (string, error)
}

// =============================================================================
// ThreadStore
// =============================================================================

// ThreadStore is the process-wide chat thread store. Safe for concurrent
// use; see the package comment for the locking discipline.
type ThreadStore struct {
	mu      sync.Mutex
	dir     string
	threads map[string]*Thread
	nameGen NameGenerator
	logger  *slog.Logger
}

// NewThreadStore opens (creating if needed) the chats directory and
// eagerly loads every *.json thread file in it. Version-mismatched or
// unparseable files are skipped with a warning and left on disk.
//
// nameGen may be nil, which disables automatic thread naming.
func NewThreadStore(dir string, nameGen NameGenerator, logger *slog.Logger) (*ThreadStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create chats directory %s: %w", dir, err)
	}

	s := &ThreadStore{
		dir:     dir,
		threads: make(map[string]*Thread),
		nameGen: nameGen,
		logger:  logger,
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read chats directory %s: %w", dir, err)
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			logger.Warn("skipping unreadable thread file", "path", path, "error", err)
			continue
		}
		var t Thread
		if err := json.Unmarshal(data, &t); err != nil {
			logger.Warn("skipping unparseable thread file", "path", path, "error", err)
			continue
		}
		if t.ChatHistoryVersion != ChatHistoryVersion {
			logger.Warn("skipping thread file with mismatched schema version",
				"path", path, "version", t.ChatHistoryVersion, "expected", ChatHistoryVersion)
			continue
		}
		s.threads[t.ThreadID] = &t
	}

	logger.Info("thread store loaded", "dir", dir, "threads", len(s.threads))
	return s, nil
}

// nowSeconds returns the current time as float seconds.
func nowSeconds() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

// =============================================================================
// Public Operations
// =============================================================================

// CreateNewThread generates a fresh thread with empty histories, persists
// it, and returns the new thread id.
func (s *ThreadStore) CreateNewThread() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := nowSeconds()
	t := &Thread{
		ChatHistoryVersion: ChatHistoryVersion,
		ThreadID:           uuid.New().String(),
		CreationTS:         now,
		LastInteractionTS:  now,
		Name:               NewChatName,
		AIOptimizedHistory: []datatypes.Message{},
		DisplayHistory:     []datatypes.Message{},
	}
	if err := s.persistLocked(t); err != nil {
		return "", err
	}
	s.threads[t.ThreadID] = t

	s.logger.Info("thread created", "thread_id", t.ThreadID)
	return t.ThreadID, nil
}

// AppendMessage appends the AI-optimized and display messages to their
// respective histories, trims the AI-optimized history, bumps the
// interaction timestamp, and persists.
//
// When the thread is still unnamed and a user+assistant pair exists, a
// name-generation request fires after the lock is released. The generated
// name is committed only if the thread is still unnamed by then; a lost
// update is acceptable.
func (s *ThreadStore) AppendMessage(ctx context.Context, threadID string, aiMsg, displayMsg datatypes.Message, model, provider string) error {
	s.mu.Lock()

	t, ok := s.threads[threadID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("thread %s not found", threadID)
	}

	t.AIOptimizedHistory = append(t.AIOptimizedHistory, aiMsg)
	t.DisplayHistory = append(t.DisplayHistory, displayMsg)
	t.AIOptimizedHistory = prompts.TrimHistory(t.AIOptimizedHistory)
	s.touchLocked(t)

	persistErr := s.persistLocked(t)

	needsName := t.Name == NewChatName && hasUserAssistantPair(t.DisplayHistory)
	var firstUser, firstAssistant datatypes.Message
	if needsName {
		firstUser, firstAssistant = firstPair(t.DisplayHistory)
	}
	s.mu.Unlock()

	if persistErr != nil {
		return persistErr
	}

	if needsName && s.nameGen != nil {
		go s.generateName(ctx, threadID, firstUser, firstAssistant, model, provider)
	}
	return nil
}

// generateName runs the provider call outside the lock, then re-checks
// the placeholder name under the lock before committing.
func (s *ThreadStore) generateName(ctx context.Context, threadID string, userMsg, assistantMsg datatypes.Message, model, provider string) {
	name, err := s.nameGen.GenerateName(ctx, userMsg, assistantMsg, model, provider)
	if err != nil {
		s.logger.Warn("thread name generation failed", "thread_id", threadID, "error", err)
		return
	}
	if name == "" {
		name = UntitledChatName
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.threads[threadID]
	if !ok || t.Name != NewChatName {
		return // deleted or named concurrently
	}
	t.Name = name
	if err := s.persistLocked(t); err != nil {
		s.logger.Warn("failed to persist generated thread name", "thread_id", threadID, "error", err)
	}
	s.logger.Info("thread named", "thread_id", threadID)
}

// GetAIOptimizedHistory returns a snapshot of the AI-optimized history
// and bumps the interaction timestamp.
func (s *ThreadStore) GetAIOptimizedHistory(threadID string) ([]datatypes.Message, error) {
	return s.history(threadID, false)
}

// GetDisplayHistory returns a snapshot of the display history and bumps
// the interaction timestamp.
func (s *ThreadStore) GetDisplayHistory(threadID string) ([]datatypes.Message, error) {
	return s.history(threadID, true)
}

func (s *ThreadStore) history(threadID string, display bool) ([]datatypes.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.threads[threadID]
	if !ok {
		return nil, fmt.Errorf("thread %s not found", threadID)
	}
	s.touchLocked(t)
	if err := s.persistLocked(t); err != nil {
		return nil, err
	}

	src := t.AIOptimizedHistory
	if display {
		src = t.DisplayHistory
	}
	snapshot := make([]datatypes.Message, len(src))
	copy(snapshot, src)
	return snapshot, nil
}

// TruncateHistories drops entries at index and beyond from both
// histories.
func (s *ThreadStore) TruncateHistories(threadID string, index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.threads[threadID]
	if !ok {
		return fmt.Errorf("thread %s not found", threadID)
	}
	if index < 0 {
		index = 0
	}
	if index < len(t.AIOptimizedHistory) {
		t.AIOptimizedHistory = t.AIOptimizedHistory[:index]
	}
	if index < len(t.DisplayHistory) {
		t.DisplayHistory = t.DisplayHistory[:index]
	}
	s.touchLocked(t)
	return s.persistLocked(t)
}

// DeleteThread removes the thread file and the in-memory entry. Every
// safety check failure (bad id, path outside the chats dir, wrong
// extension, not a regular file) returns false without raising.
func (s *ThreadStore) DeleteThread(threadID string) bool {
	if err := validation.ValidateThreadID(threadID); err != nil {
		s.logger.Warn("refusing to delete thread with invalid id", "error", err)
		return false
	}

	path := filepath.Join(s.dir, threadID+".json")
	if err := validation.ValidateChatFilePath(path, s.dir); err != nil {
		s.logger.Warn("refusing to delete thread outside chats dir", "error", err)
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	info, err := os.Lstat(path)
	if err != nil || !info.Mode().IsRegular() {
		return false
	}
	if err := os.Remove(path); err != nil {
		s.logger.Error("failed to delete thread file", "thread_id", threadID, "error", err)
		return false
	}
	delete(s.threads, threadID)

	s.logger.Info("thread deleted", "thread_id", threadID)
	return true
}

// GetThreads lists thread metadata sorted by last interaction, newest
// first, capped at 50 entries.
func (s *ThreadStore) GetThreads() []datatypes.ThreadMetadataItem {
	s.mu.Lock()
	defer s.mu.Unlock()

	items := make([]datatypes.ThreadMetadataItem, 0, len(s.threads))
	for _, t := range s.threads {
		items = append(items, datatypes.ThreadMetadataItem{
			ThreadID:          t.ThreadID,
			Name:              t.Name,
			CreationTS:        t.CreationTS,
			LastInteractionTS: t.LastInteractionTS,
		})
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].LastInteractionTS > items[j].LastInteractionTS
	})
	if len(items) > maxThreadsListed {
		items = items[:maxThreadsListed]
	}
	return items
}

// NewestThreadID returns the id of the most recently used thread, or ""
// when the store is empty.
func (s *ThreadStore) NewestThreadID() string {
	threads := s.GetThreads()
	if len(threads) == 0 {
		return ""
	}
	return threads[0].ThreadID
}

// ThreadName returns the current name of a thread.
func (s *ThreadStore) ThreadName(threadID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.threads[threadID]
	if !ok {
		return "", fmt.Errorf("thread %s not found", threadID)
	}
	return t.Name, nil
}

// =============================================================================
// Internal Helpers
// =============================================================================

// touchLocked bumps the interaction timestamp, update-only-forward.
func (s *ThreadStore) touchLocked(t *Thread) {
	now := nowSeconds()
	if now > t.LastInteractionTS {
		t.LastInteractionTS = now
	}
}

// persistLocked writes the thread file atomically via temp-then-rename.
func (s *ThreadStore) persistLocked(t *Thread) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal thread %s: %w", t.ThreadID, err)
	}

	path := filepath.Join(s.dir, t.ThreadID+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0640); err != nil {
		return fmt.Errorf("write thread temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename thread file into place: %w", err)
	}
	return nil
}

func hasUserAssistantPair(history []datatypes.Message) bool {
	var user, assistant bool
	for _, m := range history {
		switch m.Role {
		case datatypes.RoleUser:
			user = true
		case datatypes.RoleAssistant:
			assistant = true
		}
	}
	return user && assistant
}

func firstPair(history []datatypes.Message) (user, assistant datatypes.Message) {
	for _, m := range history {
		if user.Role == "" && m.Role == datatypes.RoleUser {
			user = m
		}
		if assistant.Role == "" && m.Role == datatypes.RoleAssistant {
			assistant = m
		}
		if user.Role != "" && assistant.Role != "" {
			break
		}
	}
	return user, assistant
}
