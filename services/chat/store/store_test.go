// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianNotebook/services/chat/datatypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubNameGen records calls and returns a fixed name.
type stubNameGen struct {
	name  string
	err   error
	calls chan struct{}
}

func newStubNameGen(name string) *stubNameGen {
	return &stubNameGen{name: name, calls: make(chan struct{}, 8)}
}

func (g *stubNameGen) GenerateName(ctx context.Context, userMsg, assistantMsg datatypes.Message, model, provider string) (string, error) {
	g.calls <- struct{}{}
	return g.name, g.err
}

func newTestStore(t *testing.T, gen NameGenerator) *ThreadStore {
	t.Helper()
	s, err := NewThreadStore(t.TempDir(), gen, nil)
	require.NoError(t, err)
	return s
}

func userMsg(text string) datatypes.Message {
	return datatypes.NewTextMessage(datatypes.RoleUser, text)
}

func assistantMsg(text string) datatypes.Message {
	return datatypes.NewTextMessage(datatypes.RoleAssistant, text)
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestCreateNewThread(t *testing.T) {
	dir := t.TempDir()
	s, err := NewThreadStore(dir, nil, nil)
	require.NoError(t, err)

	id, err := s.CreateNewThread()
	require.NoError(t, err)
	require.NotEmpty(t, id)

	path := filepath.Join(dir, id+".json")
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var thread Thread
	require.NoError(t, json.Unmarshal(data, &thread))
	assert.Equal(t, ChatHistoryVersion, thread.ChatHistoryVersion)
	assert.Equal(t, NewChatName, thread.Name)
	assert.Empty(t, thread.AIOptimizedHistory)
	assert.Empty(t, thread.DisplayHistory)
	assert.Equal(t, thread.CreationTS, thread.LastInteractionTS)
}

func TestAppendMessage_PersistsAndNames(t *testing.T) {
	gen := newStubNameGen("CSV analysis")
	dir := t.TempDir()
	s, err := NewThreadStore(dir, gen, nil)
	require.NoError(t, err)

	id, err := s.CreateNewThread()
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, s.AppendMessage(ctx, id, userMsg("<Task>hello</Task>"), userMsg("hello"), "gpt-4o-mini", "OpenAI"))
	select {
	case <-gen.calls:
		t.Fatal("name generation fired before a user+assistant pair existed")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, s.AppendMessage(ctx, id, assistantMsg("hi!"), assistantMsg("hi!"), "gpt-4o-mini", "OpenAI"))
	<-gen.calls

	waitFor(t, func() bool {
		name, err := s.ThreadName(id)
		return err == nil && name == "CSV analysis"
	}, "thread was never named")

	ai, err := s.GetAIOptimizedHistory(id)
	require.NoError(t, err)
	display, err := s.GetDisplayHistory(id)
	require.NoError(t, err)
	assert.Len(t, ai, 2)
	assert.Len(t, display, 2)

	// On-disk file reflects both messages and the generated name.
	data, err := os.ReadFile(filepath.Join(dir, id+".json"))
	require.NoError(t, err)
	var thread Thread
	require.NoError(t, json.Unmarshal(data, &thread))
	assert.Equal(t, "CSV analysis", thread.Name)
	assert.Len(t, thread.DisplayHistory, 2)
	assert.Greater(t, thread.LastInteractionTS, thread.CreationTS)
}

func TestAppendMessage_EmptyGeneratedNameFallsBack(t *testing.T) {
	gen := newStubNameGen("")
	s := newTestStore(t, gen)

	id, err := s.CreateNewThread()
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, s.AppendMessage(ctx, id, userMsg("q"), userMsg("q"), "m", "p"))
	require.NoError(t, s.AppendMessage(ctx, id, assistantMsg("a"), assistantMsg("a"), "m", "p"))
	<-gen.calls

	waitFor(t, func() bool {
		name, err := s.ThreadName(id)
		return err == nil && name == UntitledChatName
	}, "empty generated name should fall back to Untitled Chat")
}

func TestAppendMessage_TrimsAIOptimizedHistoryOnly(t *testing.T) {
	s := newTestStore(t, nil)
	id, err := s.CreateNewThread()
	require.NoError(t, err)

	ctx := context.Background()
	const tagged = "<Files>f1.csv</Files><Variables>v</Variables>plain"
	for i := 0; i < 7; i++ {
		require.NoError(t, s.AppendMessage(ctx, id, userMsg(tagged), userMsg(tagged), "m", "p"))
	}

	ai, err := s.GetAIOptimizedHistory(id)
	require.NoError(t, err)
	display, err := s.GetDisplayHistory(id)
	require.NoError(t, err)

	for i, msg := range ai {
		age := len(ai) - i - 1
		text := msg.Content.TextContent()
		if age >= 3 {
			assert.NotContains(t, text, "<Files>", "ai index %d", i)
		}
		if age >= 6 {
			assert.NotContains(t, text, "<Variables>", "ai index %d", i)
		}
	}
	for i, msg := range display {
		assert.Equal(t, tagged, msg.Content.TextContent(), "display index %d must stay verbatim", i)
	}
}

func TestTruncateHistories(t *testing.T) {
	s := newTestStore(t, nil)
	id, err := s.CreateNewThread()
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		msg := userMsg(fmt.Sprintf("turn %d", i))
		require.NoError(t, s.AppendMessage(ctx, id, msg, msg, "m", "p"))
	}

	require.NoError(t, s.TruncateHistories(id, 2))

	ai, _ := s.GetAIOptimizedHistory(id)
	display, _ := s.GetDisplayHistory(id)
	assert.Len(t, ai, 2)
	assert.Len(t, display, 2)
	assert.Equal(t, "turn 1", display[1].Content.TextContent())
}

func TestDeleteThread_SafetyChecks(t *testing.T) {
	dir := t.TempDir()
	s, err := NewThreadStore(dir, nil, nil)
	require.NoError(t, err)

	id, err := s.CreateNewThread()
	require.NoError(t, err)

	// Plant a file outside the chats dir that a traversal would hit.
	outside := filepath.Join(filepath.Dir(dir), "evil.json")
	require.NoError(t, os.WriteFile(outside, []byte("{}"), 0640))

	t.Run("path traversal rejected", func(t *testing.T) {
		assert.False(t, s.DeleteThread("../evil"))
		_, err := os.Stat(outside)
		assert.NoError(t, err, "file outside chats dir must be untouched")
	})

	t.Run("suffix tampering rejected", func(t *testing.T) {
		assert.False(t, s.DeleteThread(id+".bak"))
	})

	t.Run("missing thread rejected", func(t *testing.T) {
		assert.False(t, s.DeleteThread("00000000-0000-0000-0000-000000000000"))
	})

	t.Run("valid delete removes file and map entry", func(t *testing.T) {
		assert.True(t, s.DeleteThread(id))
		_, err := os.Stat(filepath.Join(dir, id+".json"))
		assert.True(t, os.IsNotExist(err))
		assert.Empty(t, s.GetThreads())
	})
}

func TestCreateThenDelete_RestoresDiskState(t *testing.T) {
	dir := t.TempDir()
	s, err := NewThreadStore(dir, nil, nil)
	require.NoError(t, err)

	before, err := os.ReadDir(dir)
	require.NoError(t, err)

	id, err := s.CreateNewThread()
	require.NoError(t, err)
	require.True(t, s.DeleteThread(id))

	after, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Equal(t, len(before), len(after))
}

func TestGetThreads_SortedAndCapped(t *testing.T) {
	s := newTestStore(t, nil)

	ctx := context.Background()
	var last string
	for i := 0; i < 55; i++ {
		id, err := s.CreateNewThread()
		require.NoError(t, err)
		msg := userMsg("x")
		require.NoError(t, s.AppendMessage(ctx, id, msg, msg, "m", "p"))
		last = id
	}

	threads := s.GetThreads()
	require.Len(t, threads, 50)

	for i := 1; i < len(threads); i++ {
		assert.GreaterOrEqual(t, threads[i-1].LastInteractionTS, threads[i].LastInteractionTS,
			"threads must be sorted newest interaction first")
	}
	assert.Equal(t, last, threads[0].ThreadID)
	assert.Equal(t, last, s.NewestThreadID())
}

func TestNewThreadStore_SkipsMismatchedVersions(t *testing.T) {
	dir := t.TempDir()

	good := Thread{
		ChatHistoryVersion: ChatHistoryVersion,
		ThreadID:           "good-thread",
		Name:               NewChatName,
		AIOptimizedHistory: []datatypes.Message{},
		DisplayHistory:     []datatypes.Message{},
	}
	goodData, _ := json.Marshal(good)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "good-thread.json"), goodData, 0640))

	old := good
	old.ChatHistoryVersion = ChatHistoryVersion + 1
	old.ThreadID = "future-thread"
	oldData, _ := json.Marshal(old)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "future-thread.json"), oldData, 0640))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "garbage.json"), []byte("not json"), 0640))

	s, err := NewThreadStore(dir, nil, nil)
	require.NoError(t, err)

	threads := s.GetThreads()
	require.Len(t, threads, 1)
	assert.Equal(t, "good-thread", threads[0].ThreadID)

	// Skipped files remain on disk for future versions.
	_, err = os.Stat(filepath.Join(dir, "future-thread.json"))
	assert.NoError(t, err)
}

func TestAppendMessage_AtomicWriteLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	s, err := NewThreadStore(dir, nil, nil)
	require.NoError(t, err)

	id, err := s.CreateNewThread()
	require.NoError(t, err)
	msg := userMsg("x")
	require.NoError(t, s.AppendMessage(context.Background(), id, msg, msg, "m", "p"))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.Equal(t, ".json", filepath.Ext(e.Name()), "no temp files may remain: %s", e.Name())
	}
}
