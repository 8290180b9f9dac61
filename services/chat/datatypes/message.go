// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes defines the wire and storage types for the notebook
// chat service: messages, socket frames, thread files, and the completion
// error taxonomy.
package datatypes

import (
	"encoding/json"
	"fmt"
	"strings"
)

// =============================================================================
// Roles and Content Parts
// =============================================================================

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

const (
	ContentPartText     = "text"
	ContentPartImageURL = "image_url"
)

// ImageURL references an image attached to a user message, typically a
// data URL of the form "data:image/png;base64,<payload>".
type ImageURL struct {
	URL string `json:"url"`
}

// ContentPart is one element of a heterogeneous message content list.
type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// =============================================================================
// MessageContent
// =============================================================================

// MessageContent is either a plain string or an ordered list of typed
// parts. The JSON form mirrors the OpenAI chat schema: a bare string for
// text-only messages, an array of {type, ...} objects otherwise.
//
// Parts takes precedence when non-nil; Text is used only for the plain
// string form.
type MessageContent struct {
	Text  string
	Parts []ContentPart
}

// TextContent returns the textual portion of the content: the plain
// string, or all text parts joined in order.
func (c MessageContent) TextContent() string {
	if c.Parts == nil {
		return c.Text
	}
	var b strings.Builder
	for _, p := range c.Parts {
		if p.Type == ContentPartText {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// HasImage reports whether any part is an image.
func (c MessageContent) HasImage() bool {
	for _, p := range c.Parts {
		if p.Type == ContentPartImageURL {
			return true
		}
	}
	return false
}

// MarshalJSON emits a bare string for plain content and an array of parts
// for mixed content.
func (c MessageContent) MarshalJSON() ([]byte, error) {
	if c.Parts != nil {
		return json.Marshal(c.Parts)
	}
	return json.Marshal(c.Text)
}

// UnmarshalJSON accepts either form.
func (c *MessageContent) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		c.Text = s
		c.Parts = nil
		return nil
	}

	var parts []ContentPart
	if err := json.Unmarshal(data, &parts); err != nil {
		return fmt.Errorf("message content is neither string nor part list: %w", err)
	}
	c.Text = ""
	c.Parts = parts
	return nil
}

// =============================================================================
// Message
// =============================================================================

// Message is one {role, content} turn in a conversation.
type Message struct {
	Role    string         `json:"role"`
	Content MessageContent `json:"content"`
}

// NewTextMessage builds a plain-text message.
func NewTextMessage(role, text string) Message {
	return Message{Role: role, Content: MessageContent{Text: text}}
}

// NewImageMessage builds a user message carrying a text part describing
// the image followed by the image itself.
func NewImageMessage(role, text, imageURL string) Message {
	return Message{
		Role: role,
		Content: MessageContent{
			Parts: []ContentPart{
				{Type: ContentPartText, Text: text},
				{Type: ContentPartImageURL, ImageURL: &ImageURL{URL: imageURL}},
			},
		},
	}
}
