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
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/AleutianNotebook/services/chat/datatypes"
	"github.com/AleutianAI/AleutianNotebook/services/chat/observability"
)

var socketTracer = otel.Tracer("aleutian.chat.socket")

// SocketHandler speaks the notebook client protocol over one websocket per
// connection. Frames are JSON; binary frames are decoded as UTF-8 text.
type SocketHandler struct {
	service  *CompletionService
	metrics  *observability.ChatMetrics
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

func NewSocketHandler(service *CompletionService, metrics *observability.ChatMetrics, logger *slog.Logger) *SocketHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &SocketHandler{
		service: service,
		metrics: metrics,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  10 * 1024 * 1024,
			WriteBufferSize: 10 * 1024 * 1024,
			// The extension serves localhost notebooks; origin checks are
			// enforced by the Jupyter server in front of us.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// socketConn serializes concurrent writers (stream chunks race with reply
// frames) onto one websocket.
type socketConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *socketConn) sendJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(v)
}

// Handle upgrades the connection and runs the frame loop until the client
// disconnects.
func (h *SocketHandler) Handle(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	if h.metrics != nil {
		h.metrics.SocketOpened()
		defer h.metrics.SocketClosed()
	}

	sock := &socketConn{conn: conn}

	// Capability advertisement is the first frame the client sees.
	if err := sock.sendJSON(h.service.Router().Capabilities()); err != nil {
		h.logger.Error("Failed to send capabilities", "error", err)
		return
	}

	ctx := c.Request.Context()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("Websocket closed unexpectedly", "error", err)
			}
			return
		}

		var req datatypes.SocketRequest
		if err := json.Unmarshal(data, &req); err != nil {
			h.sendError(sock, "", datatypes.NewInvalidRequestError("frame is not valid JSON"))
			continue
		}
		if err := req.Validate(); err != nil {
			h.sendError(sock, req.MessageID, datatypes.NewInvalidRequestError(err.Error()))
			continue
		}

		h.dispatch(ctx, sock, req)
	}
}

func (h *SocketHandler) dispatch(ctx context.Context, sock *socketConn, req datatypes.SocketRequest) {
	ctx, span := socketTracer.Start(ctx, "socket.dispatch")
	span.SetAttributes(
		attribute.String("chat.message_type", string(req.Type)),
		attribute.Bool("chat.stream", req.Stream),
	)
	defer span.End()

	router := h.service.Router()
	before := router.LastError()

	var err error
	switch req.Type {
	case datatypes.MessageTypeStartNewChat:
		err = h.handleStartNewChat(sock, req)
	case datatypes.MessageTypeGetThreads:
		err = sock.sendJSON(datatypes.FetchThreadsReply{
			Type:     datatypes.FrameFetchThreads,
			ParentID: req.MessageID,
			Threads:  h.service.Store().GetThreads(),
		})
	case datatypes.MessageTypeDeleteThread:
		err = h.handleDeleteThread(sock, req)
	case datatypes.MessageTypeFetchHistory:
		err = h.handleFetchHistory(sock, req)
	case datatypes.MessageTypeUpdateModelConfig:
		err = h.handleUpdateModelConfig(sock, req)
	case datatypes.MessageTypeChat, datatypes.MessageTypeSmartDebug, datatypes.MessageTypeCodeExplain:
		err = h.handleCompletion(ctx, sock, req)
	case datatypes.MessageTypeAgentExecution, datatypes.MessageTypeAgentAutoErrorFix:
		err = h.replyOrError(sock, req, func() (*datatypes.CompletionReply, error) {
			return h.service.HandleAgentMessage(ctx, req)
		})
	case datatypes.MessageTypeInlineCompletion:
		err = h.replyOrError(sock, req, func() (*datatypes.CompletionReply, error) {
			return h.service.HandleInlineCompletion(ctx, req)
		})
	default:
		h.sendError(sock, req.MessageID,
			datatypes.NewInvalidRequestError("unknown message type "+string(req.Type)))
		return
	}
	if err != nil {
		h.logger.Error("Frame dispatch failed", "type", req.Type, "message_id", req.MessageID, "error", err)
	}

	// Surface a router failure the moment it changes, even if the reply
	// frame already carried an error string.
	after := router.LastError()
	if after != nil && !errors.Is(after, before) {
		ce := datatypes.AsCompletionError(after)
		_ = sock.sendJSON(ce.Frame(req.MessageID))
	}
}

func (h *SocketHandler) handleStartNewChat(sock *socketConn, req datatypes.SocketRequest) error {
	threadID, err := h.service.Store().CreateNewThread()
	if err != nil {
		h.sendError(sock, req.MessageID, datatypes.NewExecutionError(err, ""))
		return err
	}
	return sock.sendJSON(datatypes.StartNewChatReply{
		Type:     datatypes.FrameStartNewChat,
		ParentID: req.MessageID,
		ThreadID: threadID,
	})
}

func (h *SocketHandler) handleDeleteThread(sock *socketConn, req datatypes.SocketRequest) error {
	var meta datatypes.ThreadRefMetadata
	if err := decodeMetadata(req.Metadata, &meta); err != nil {
		h.sendError(sock, req.MessageID, err)
		return err
	}
	return sock.sendJSON(datatypes.DeleteThreadReply{
		Type:     datatypes.FrameDeleteThread,
		ParentID: req.MessageID,
		Success:  h.service.Store().DeleteThread(meta.ThreadID),
	})
}

func (h *SocketHandler) handleFetchHistory(sock *socketConn, req datatypes.SocketRequest) error {
	var meta datatypes.ThreadRefMetadata
	if err := decodeMetadata(req.Metadata, &meta); err != nil {
		h.sendError(sock, req.MessageID, err)
		return err
	}
	threadID := meta.ThreadID
	if threadID == "" {
		threadID = h.service.Store().NewestThreadID()
	}

	items := []datatypes.Message{}
	if threadID != "" {
		history, err := h.service.Store().GetDisplayHistory(threadID)
		if err != nil {
			h.sendError(sock, req.MessageID, datatypes.NewInvalidRequestError(err.Error()))
			return err
		}
		items = history
	}
	return sock.sendJSON(datatypes.FetchHistoryReply{
		Type:     datatypes.FrameFetchHistory,
		ParentID: req.MessageID,
		Items:    items,
	})
}

func (h *SocketHandler) handleUpdateModelConfig(sock *socketConn, req datatypes.SocketRequest) error {
	var meta datatypes.ModelConfigMetadata
	if err := decodeMetadata(req.Metadata, &meta); err != nil {
		h.sendError(sock, req.MessageID, err)
		return err
	}
	if err := h.service.Router().SetSelectedModel(meta.Model); err != nil {
		h.sendCompletionError(sock, req.MessageID, err)
		return err
	}
	return sock.sendJSON(datatypes.CompletionReply{
		Type:     datatypes.FrameCompletion,
		ParentID: req.MessageID,
		Items:    []datatypes.CompletionItem{{Content: "model updated"}},
	})
}

func (h *SocketHandler) handleCompletion(ctx context.Context, sock *socketConn, req datatypes.SocketRequest) error {
	streamReply := func(chunk datatypes.CompletionStreamChunk) error {
		return sock.sendJSON(chunk)
	}
	reply, err := h.service.HandleChatMessage(ctx, req, streamReply)
	if err != nil {
		h.sendCompletionError(sock, req.MessageID, err)
		return err
	}
	if reply != nil {
		return sock.sendJSON(reply)
	}
	return nil
}

func (h *SocketHandler) replyOrError(sock *socketConn, req datatypes.SocketRequest,
	handle func() (*datatypes.CompletionReply, error)) error {

	reply, err := handle()
	if err != nil {
		h.sendCompletionError(sock, req.MessageID, err)
		return err
	}
	return sock.sendJSON(reply)
}

// sendCompletionError answers a completion request that failed: an empty
// CompletionReply with error populated, then the typed error frame.
func (h *SocketHandler) sendCompletionError(sock *socketConn, messageID string, err error) {
	ce := datatypes.AsCompletionError(err)
	_ = sock.sendJSON(datatypes.CompletionReply{
		Type:     datatypes.FrameCompletion,
		ParentID: messageID,
		Items:    []datatypes.CompletionItem{},
		Error:    ce.Title,
	})
	h.sendError(sock, messageID, err)
}

func (h *SocketHandler) sendError(sock *socketConn, messageID string, err error) {
	ce := datatypes.AsCompletionError(err)
	if sendErr := sock.sendJSON(ce.Frame(messageID)); sendErr != nil {
		h.logger.Error("Failed to send error frame", "error", sendErr)
	}
}
