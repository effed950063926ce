// Package anthropic exposes the same rendezvous over the Anthropic Messages
// envelope. Only the codec differs from the OpenAI surface; the session
// semantics are identical.
package anthropic

import (
	"fmt"
	"time"
	"unicode/utf8"
)

// Message is one element of the request's messages array. Anthropic only
// admits user and assistant roles; a system prompt travels in its own field.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// MessagesRequest is the inbound envelope. As on the OpenAI surface, the
// model field carries the session identifier, not a model name.
type MessagesRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	System      string    `json:"system,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
}

// ContentBlock is one block of the response content.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Usage reports token counts in Unicode code points, the same unit the
// OpenAI surface uses.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// MessagesResponse is the response envelope.
type MessagesResponse struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	Role         string         `json:"role"`
	Content      []ContentBlock `json:"content"`
	Model        string         `json:"model"`
	StopReason   string         `json:"stop_reason"`
	StopSequence *string        `json:"stop_sequence"`
	Usage        Usage          `json:"usage"`
}

// NewMessagesResponse wraps the counterpart payload in the Messages response
// shape.
func NewMessagesResponse(model, prompt, completion string) MessagesResponse {
	return MessagesResponse{
		ID:         fmt.Sprintf("msg-%d-%s", time.Now().Unix(), model),
		Type:       "message",
		Role:       "assistant",
		Content:    []ContentBlock{{Type: "text", Text: completion}},
		Model:      model,
		StopReason: "end_turn",
		Usage: Usage{
			InputTokens:  utf8.RuneCountInString(prompt),
			OutputTokens: utf8.RuneCountInString(completion),
		},
	}
}

// ErrorDetail is the inner error body.
type ErrorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ErrorResponse is the Anthropic-shaped error envelope.
type ErrorResponse struct {
	Type  string      `json:"type"`
	Error ErrorDetail `json:"error"`
}

// NewErrorResponse builds an error envelope.
func NewErrorResponse(errType, message string) ErrorResponse {
	return ErrorResponse{
		Type:  "error",
		Error: ErrorDetail{Type: errType, Message: message},
	}
}
