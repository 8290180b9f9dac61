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
	"errors"
	"fmt"
)

// =============================================================================
// Error Kinds
// =============================================================================

// ErrorKind classifies a completion failure. The set is closed: handlers
// switch on it to choose retry behavior and client hints.
type ErrorKind string

const (
	// ErrInvalidRequest marks a malformed socket message or unknown type.
	ErrInvalidRequest ErrorKind = "InvalidRequest"

	// ErrUnauthorized marks a missing, invalid, or placeholder token.
	ErrUnauthorized ErrorKind = "Unauthorized"

	// ErrNotFound marks a referenced resource that does not exist.
	ErrNotFound ErrorKind = "NotFound"

	// ErrProvider marks an upstream LLM failure after retries.
	ErrProvider ErrorKind = "ProviderError"

	// ErrQuotaExceeded marks the free-tier cap.
	ErrQuotaExceeded ErrorKind = "QuotaExceeded"

	// ErrPermission marks the free-tier completion limit. Never retried.
	ErrPermission ErrorKind = "PermissionError"

	// ErrExecution is the catch-all for unexpected failures.
	ErrExecution ErrorKind = "ExecutionError"
)

// =============================================================================
// CompletionError
// =============================================================================

// CompletionError is the typed error surfaced to socket clients. Provider
// names feed the hint text so users know which credential or service to
// check.
type CompletionError struct {
	Kind      ErrorKind
	Title     string
	Hint      string
	Traceback string
	Provider  string
	Err       error
}

func (e *CompletionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Title, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Title)
}

func (e *CompletionError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the router may retry after this error.
// Only the free-tier permission error is terminal on first sight.
func (e *CompletionError) Retryable() bool {
	return e.Kind != ErrPermission
}

// Frame converts the error to its client representation.
func (e *CompletionError) Frame(messageID string) ErrorMessage {
	return ErrorMessage{
		Type:      FrameError,
		ErrorType: string(e.Kind),
		Title:     e.Title,
		Hint:      e.Hint,
		Traceback: e.Traceback,
		MessageID: messageID,
	}
}

// =============================================================================
// Constructors
// =============================================================================

// NewInvalidRequestError marks a client-side protocol mistake.
func NewInvalidRequestError(detail string) *CompletionError {
	return &CompletionError{
		Kind:  ErrInvalidRequest,
		Title: "Invalid request",
		Hint:  detail,
	}
}

// NewProviderError wraps an upstream failure with a provider-aware hint.
func NewProviderError(provider string, err error) *CompletionError {
	hint := fmt.Sprintf("The %s API returned an error. Check your %s account status and API key, then try again.", provider, provider)
	if provider == "" {
		hint = "The model server returned an error. Please try again in a moment."
	}
	return &CompletionError{
		Kind:     ErrProvider,
		Title:    "There was an error communicating with the AI provider",
		Hint:     hint,
		Provider: provider,
		Err:      err,
	}
}

// NewPermissionError marks the free-tier completion cap.
func NewPermissionError() *CompletionError {
	return &CompletionError{
		Kind:  ErrPermission,
		Title: "You have reached the free-tier limit",
		Hint:  "Upgrade your plan or set an API key for your own provider account to keep going.",
	}
}

// NewExecutionError wraps an unexpected failure, keeping the traceback for
// debug builds.
func NewExecutionError(err error, traceback string) *CompletionError {
	return &CompletionError{
		Kind:      ErrExecution,
		Title:     "Something went wrong while handling your request",
		Hint:      "Please try again. If the problem persists, restart the kernel.",
		Traceback: traceback,
		Err:       err,
	}
}

// AsCompletionError classifies err, wrapping unknown errors as ExecutionError.
func AsCompletionError(err error) *CompletionError {
	var ce *CompletionError
	if errors.As(err, &ce) {
		return ce
	}
	return NewExecutionError(err, "")
}
