package llm

import (
	"context"

	"github.com/AleutianAI/AleutianNotebook/services/chat/datatypes"
)

// ReplyFunc delivers one streamed chunk to the caller. Returning an error
// aborts the stream.
type ReplyFunc func(chunk datatypes.CompletionStreamChunk) error

// ResponseFormatInfo asks the provider for structured output. Providers
// that support tool calling expose Schema as a tool named Name; the rest
// receive it inlined into the prompt.
type ResponseFormatInfo struct {
	Name   string
	Schema map[string]any
}

type CompletionRequest struct {
	Messages       []datatypes.Message
	Model          string
	MessageID      string
	ThreadID       string
	MessageType    datatypes.MessageType
	ResponseFormat *ResponseFormatInfo
}

// CompletionClient is implemented by every provider backend.
//
// RequestCompletions blocks until the full completion is available.
// StreamCompletions calls reply once per chunk and returns the accumulated
// text; providers without native streaming send a single terminal chunk.
// Both honor ctx cancellation.
type CompletionClient interface {
	RequestCompletions(ctx context.Context, req CompletionRequest) (string, error)
	StreamCompletions(ctx context.Context, req CompletionRequest, reply ReplyFunc) (string, error)
}

func tokenChunk(messageID, token string, done bool) datatypes.CompletionStreamChunk {
	return datatypes.CompletionStreamChunk{
		Type:     datatypes.FrameCompletionChunk,
		ParentID: messageID,
		Chunk: datatypes.ChunkPayload{
			Content:      token,
			IsIncomplete: !done,
			Token:        token,
		},
		Done: done,
	}
}
