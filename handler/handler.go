// Package handler adapts the chat core to a Lambda Function URL. The chat
// route streams server-sent events; everything else is plain JSON. All
// decisions live in the usecase layer — this file only translates shapes.
package handler

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/rs/zerolog"

	"advisor-agent/internal/domain"
	"advisor-agent/internal/usecase"
)

// userIDHeader carries the caller identity. Authentication happens upstream;
// by the time a request reaches this handler the user id is trusted.
const userIDHeader = "x-user-id"

// ChatStreamer is the streaming chat entry point of the core.
type ChatStreamer interface {
	StreamChat(ctx context.Context, in usecase.StreamChatInput) <-chan usecase.Fragment
}

// ConversationReader serves the conversation listing and history routes.
type ConversationReader interface {
	ConversationNames(ctx context.Context, userID string) ([]domain.ConversationName, error)
	ConversationHistory(ctx context.Context, userID, conversationID string) ([]domain.ConversationTurn, error)
}

type Handler struct {
	chat   ChatStreamer
	reader ConversationReader
	logger zerolog.Logger
}

func NewHandler(chat ChatStreamer, reader ConversationReader, logger zerolog.Logger) (*Handler, error) {
	if chat == nil {
		return nil, errors.New("handler: chat service must not be nil")
	}
	if reader == nil {
		return nil, errors.New("handler: conversation reader must not be nil")
	}
	return &Handler{chat: chat, reader: reader, logger: logger}, nil
}

type chatRequest struct {
	ConversationID string       `json:"conversationId"`
	Content        string       `json:"content"`
	Settings       chatSettings `json:"settings"`
	MaxTokens      int          `json:"maxTokens,omitempty"`
}

type chatSettings struct {
	Strategy string `json:"strategy"`
	Trader   string `json:"trader"`
}

type conversationNameResponse struct {
	ConversationID string `json:"conversationId"`
	Name           string `json:"name"`
}

type turnResponse struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	Timestamp      time.Time `json:"timestamp"`
	TokenCount     int       `json:"tokenCount"`
	IsSummary      bool      `json:"isSummary"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

// Handle routes a Function URL request.
func (h *Handler) Handle(ctx context.Context, req events.LambdaFunctionURLRequest) (*events.LambdaFunctionURLStreamingResponse, error) {
	userID := strings.TrimSpace(req.Headers[userIDHeader])
	if userID == "" {
		return jsonResponse(http.StatusUnauthorized, errorResponse{Error: "UNAUTHORIZED", Reason: "missing user identity"})
	}

	path := strings.TrimSuffix(req.RawPath, "/")
	method := req.RequestContext.HTTP.Method

	switch {
	case method == http.MethodPost && path == "/chat":
		return h.handleChat(ctx, userID, req)
	case method == http.MethodGet && path == "/conversations":
		return h.handleNames(ctx, userID)
	case method == http.MethodGet && strings.HasPrefix(path, "/conversations/"):
		return h.handleHistory(ctx, userID, strings.TrimPrefix(path, "/conversations/"))
	default:
		return jsonResponse(http.StatusNotFound, errorResponse{Error: "NOT_FOUND"})
	}
}

func (h *Handler) handleChat(ctx context.Context, userID string, req events.LambdaFunctionURLRequest) (*events.LambdaFunctionURLStreamingResponse, error) {
	raw := []byte(req.Body)
	if req.IsBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(req.Body)
		if err != nil {
			return jsonResponse(http.StatusBadRequest, errorResponse{Error: "INVALID_INPUT", Reason: "malformed request body"})
		}
		raw = decoded
	}
	var body chatRequest
	if err := json.Unmarshal(raw, &body); err != nil {
		return jsonResponse(http.StatusBadRequest, errorResponse{Error: "INVALID_INPUT", Reason: "malformed request body"})
	}

	fragments := h.chat.StreamChat(ctx, usecase.StreamChatInput{
		UserID:         userID,
		ConversationID: body.ConversationID,
		Message:        body.Content,
		Settings:       usecase.Settings{Strategy: body.Settings.Strategy, Trader: body.Settings.Trader},
		MaxTokens:      body.MaxTokens,
	})

	pr, pw := io.Pipe()
	go func() {
		defer func() { _ = pw.Close() }()
		for f := range fragments {
			if f.Err != nil {
				h.logger.Error().Err(f.Err).Str("userId", userID).Msg("chat stream failed")
				writeSSE(pw, "error", f.Err.Error())
				return
			}
			writeSSE(pw, "", f.Text)
		}
	}()

	return &events.LambdaFunctionURLStreamingResponse{
		StatusCode: http.StatusOK,
		Headers: map[string]string{
			"Content-Type":  "text/event-stream",
			"Cache-Control": "no-cache",
		},
		Body: pr,
	}, nil
}

func (h *Handler) handleNames(ctx context.Context, userID string) (*events.LambdaFunctionURLStreamingResponse, error) {
	names, err := h.reader.ConversationNames(ctx, userID)
	if err != nil {
		h.logger.Error().Err(err).Str("userId", userID).Msg("list conversation names failed")
		return jsonResponse(http.StatusInternalServerError, errorResponse{Error: "INTERNAL_ERROR"})
	}
	out := make([]conversationNameResponse, 0, len(names))
	for _, n := range names {
		out = append(out, conversationNameResponse{ConversationID: n.ConversationID, Name: n.Name})
	}
	return jsonResponse(http.StatusOK, out)
}

func (h *Handler) handleHistory(ctx context.Context, userID, conversationID string) (*events.LambdaFunctionURLStreamingResponse, error) {
	turns, err := h.reader.ConversationHistory(ctx, userID, conversationID)
	if errors.Is(err, usecase.ErrNotFound) {
		return jsonResponse(http.StatusNotFound, errorResponse{Error: "NOT_FOUND"})
	}
	if err != nil {
		h.logger.Error().Err(err).Str("userId", userID).Msg("load conversation history failed")
		return jsonResponse(http.StatusInternalServerError, errorResponse{Error: "INTERNAL_ERROR"})
	}
	out := make([]turnResponse, 0, len(turns))
	for _, t := range turns {
		out = append(out, turnResponse{
			ID:             t.ID,
			ConversationID: t.ConversationID,
			Role:           string(t.Role),
			Content:        t.Content,
			Timestamp:      t.Timestamp,
			TokenCount:     t.TokenCount,
			IsSummary:      t.IsSummary,
		})
	}
	return jsonResponse(http.StatusOK, out)
}

// writeSSE emits one server-sent event. Multi-line payloads become multiple
// data lines of the same event.
func writeSSE(w io.Writer, event, data string) {
	if event != "" {
		fmt.Fprintf(w, "event: %s\n", event)
	}
	for _, line := range strings.Split(data, "\n") {
		fmt.Fprintf(w, "data: %s\n", line)
	}
	fmt.Fprint(w, "\n")
}

func jsonResponse(status int, payload any) (*events.LambdaFunctionURLStreamingResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("handler: marshal response: %w", err)
	}
	return &events.LambdaFunctionURLStreamingResponse{
		StatusCode: status,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       bytes.NewReader(body),
	}, nil
}
