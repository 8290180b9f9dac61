// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package telemetry emits coarse usage events for completions. Events carry
// identifiers and model names only; prompt and completion content never
// leaves the process through this package.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
)

const (
	EventCompletionSuccess = "mito_ai_completion_success"
	EventCompletionRetry   = "mito_ai_completion_retry"
	EventCompletionError   = "mito_ai_completion_error"
)

const (
	KeyTypeUser       = "USER_KEY"
	KeyTypeMitoServer = "MITO_SERVER_KEY"
)

type Event struct {
	Name        string
	KeyType     string
	ThreadID    string
	MessageType string
	Model       string
	Provider    string
	ErrorKind   string
}

type Emitter interface {
	Emit(ctx context.Context, event Event)
}

// LogEmitter writes events to structured logs.
type LogEmitter struct {
	logger *slog.Logger
}

func NewLogEmitter(logger *slog.Logger) *LogEmitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogEmitter{logger: logger}
}

func (e *LogEmitter) Emit(ctx context.Context, event Event) {
	e.logger.InfoContext(ctx, event.Name,
		"key_type", event.KeyType,
		"thread_id", event.ThreadID,
		"message_type", event.MessageType,
		"model", event.Model,
		"provider", event.Provider,
		"error_kind", event.ErrorKind,
	)
}

// Recorder captures events for assertions in tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Emit(_ context.Context, event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *Recorder) Named(name string) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}
