// Package openai implements the OpenAI Chat Completions surface of the
// proxy: wire shapes, the rendezvous endpoint handler, and the SSE framing.
package openai

import (
	"fmt"
	"time"
	"unicode/utf8"
)

// Message is one element of the request's messages array.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatCompletionRequest is the inbound envelope. The model field carries the
// session identifier (optionally suffixed "|A" or "|B"), not a model name;
// temperature and max_tokens are accepted and ignored.
type ChatCompletionRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature *float64  `json:"temperature,omitempty"`
	MaxTokens   *int      `json:"max_tokens,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
}

// ChoiceMessage is the assistant message wrapping the counterpart payload.
type ChoiceMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Choice is the single choice of a completion response.
type Choice struct {
	Index        int           `json:"index"`
	Message      ChoiceMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

// Usage reports token counts. The proxy holds no tokenizer; the unit is
// Unicode code points, applied consistently to prompt and completion.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatCompletionResponse is the non-streaming response envelope.
type ChatCompletionResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
}

// NewChatCompletionResponse wraps the counterpart payload in the Chat
// Completions response shape, echoing the caller's model string.
func NewChatCompletionResponse(model, prompt, completion string) ChatCompletionResponse {
	created := time.Now().Unix()
	promptTokens := utf8.RuneCountInString(prompt)
	completionTokens := utf8.RuneCountInString(completion)
	return ChatCompletionResponse{
		ID:      fmt.Sprintf("chatcmpl-%d-%s", created, model),
		Object:  "chat.completion",
		Created: created,
		Model:   model,
		Choices: []Choice{{
			Index:        0,
			Message:      ChoiceMessage{Role: "assistant", Content: completion},
			FinishReason: "stop",
		}},
		Usage: Usage{
			PromptTokens:     promptTokens,
			CompletionTokens: completionTokens,
			TotalTokens:      promptTokens + completionTokens,
		},
	}
}

// Delta is the incremental content of one streaming chunk.
type Delta struct {
	Content string `json:"content"`
}

// ChunkChoice is the single choice of a streaming chunk; finish_reason is
// null until the final chunk.
type ChunkChoice struct {
	Index        int     `json:"index"`
	Delta        Delta   `json:"delta"`
	FinishReason *string `json:"finish_reason"`
}

// ChatCompletionChunk is one SSE data payload of a streaming response.
type ChatCompletionChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
}

// ErrorDetails is the error body used across the OpenAI-shaped surface.
type ErrorDetails struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Param   string `json:"param,omitempty"`
}

// ErrorResponse is the outer error envelope.
type ErrorResponse struct {
	Error ErrorDetails `json:"error"`
}
