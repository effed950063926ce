package openai

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
)

// streamCompletion emits the counterpart payload as chat.completion.chunk
// SSE events terminated by a [DONE] sentinel. Chunking is cosmetic: the
// payload was produced atomically by the rendezvous, the split only shapes
// the wire framing.
func streamCompletion(c echo.Context, model, completion string) error {
	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set(echo.HeaderCacheControl, "no-cache")
	resp.Header().Set(echo.HeaderConnection, "keep-alive")
	resp.WriteHeader(http.StatusOK)

	created := time.Now().Unix()
	id := fmt.Sprintf("chatcmpl-%d-%s", created, model)

	pieces := splitChunks(completion)
	for i, piece := range pieces {
		chunk := ChatCompletionChunk{
			ID:      id,
			Object:  "chat.completion.chunk",
			Created: created,
			Model:   model,
			Choices: []ChunkChoice{{Index: 0, Delta: Delta{Content: piece}}},
		}
		if i == len(pieces)-1 {
			reason := "stop"
			chunk.Choices[0].FinishReason = &reason
		}
		if err := writeEvent(resp, chunk); err != nil {
			return err
		}
	}

	if _, err := resp.Write([]byte("data: [DONE]\n\n")); err != nil {
		return err
	}
	resp.Flush()
	return nil
}

func writeEvent(resp *echo.Response, chunk ChatCompletionChunk) error {
	data, err := json.Marshal(chunk)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(resp, "data: %s\n\n", data); err != nil {
		return err
	}
	resp.Flush()
	return nil
}

// splitChunks cuts the payload after each run of spaces so the concatenation
// of all chunks reproduces it byte for byte.
func splitChunks(s string) []string {
	if s == "" {
		return []string{""}
	}
	var chunks []string
	for len(s) > 0 {
		i := strings.IndexByte(s, ' ')
		if i < 0 {
			chunks = append(chunks, s)
			break
		}
		j := i
		for j < len(s) && s[j] == ' ' {
			j++
		}
		chunks = append(chunks, s[:j])
		s = s[j:]
	}
	return chunks
}
