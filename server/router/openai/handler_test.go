package openai

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/motiveproxy/internal/metrics"
	"github.com/hrygo/motiveproxy/session"
)

func newTestEcho(reg *session.Registry) *echo.Echo {
	e := echo.New()
	NewHandler(reg, metrics.NewCollector(metrics.DefaultConfig())).Register(e.Group("/v1"))
	return e
}

func postCompletion(e *echo.Echo, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorDetails {
	t.Helper()
	var body ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Error
}

func TestChatCompletions_Validation(t *testing.T) {
	e := newTestEcho(session.NewRegistry(time.Second, time.Second, 10))

	tests := []struct {
		name string
		body string
		code string
	}{
		{"malformed json", `{"model": "s1", "messages": [`, "invalid_body"},
		{"missing model", `{"messages": [{"role": "user", "content": "hi"}]}`, "model_missing"},
		{"empty messages", `{"model": "s1", "messages": []}`, "messages_empty"},
		{"absent messages", `{"model": "s1"}`, "messages_empty"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := postCompletion(e, tt.body)
			assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
			errDetails := decodeError(t, rec)
			assert.Equal(t, "invalid_request_error", errDetails.Type)
			assert.Equal(t, tt.code, errDetails.Code)
		})
	}
}

func TestChatCompletions_Rendezvous(t *testing.T) {
	reg := session.NewRegistry(5*time.Second, 5*time.Second, 10)
	e := newTestEcho(reg)

	// Explicit sides pair up regardless of arrival order.
	var wg sync.WaitGroup
	var recA, recB *httptest.ResponseRecorder
	wg.Add(2)
	go func() {
		defer wg.Done()
		recA = postCompletion(e, `{"model": "pair|A", "messages": [{"role": "user", "content": "from A"}]}`)
	}()
	go func() {
		defer wg.Done()
		recB = postCompletion(e, `{"model": "pair|B", "messages": [{"role": "user", "content": "from B"}]}`)
	}()
	wg.Wait()

	require.Equal(t, http.StatusOK, recA.Code, recA.Body.String())
	require.Equal(t, http.StatusOK, recB.Code, recB.Body.String())

	var respA, respB ChatCompletionResponse
	require.NoError(t, json.Unmarshal(recA.Body.Bytes(), &respA))
	require.NoError(t, json.Unmarshal(recB.Body.Bytes(), &respB))

	require.Len(t, respA.Choices, 1)
	assert.Equal(t, "from B", respA.Choices[0].Message.Content)
	assert.Equal(t, "assistant", respA.Choices[0].Message.Role)
	assert.Equal(t, "stop", respA.Choices[0].FinishReason)
	assert.Equal(t, "from A", respB.Choices[0].Message.Content)

	// Both suffixed models address one session.
	assert.Equal(t, 1, reg.Count())

	assert.Equal(t, "chat.completion", respA.Object)
	assert.Equal(t, "pair|A", respA.Model)
	assert.True(t, strings.HasPrefix(respA.ID, "chatcmpl-"))

	// Usage counts code points of what this caller sent and received.
	assert.Equal(t, len("from A"), respA.Usage.PromptTokens)
	assert.Equal(t, len("from B"), respA.Usage.CompletionTokens)
	assert.Equal(t, respA.Usage.PromptTokens+respA.Usage.CompletionTokens, respA.Usage.TotalTokens)
}

func TestChatCompletions_LastMessageWins(t *testing.T) {
	reg := session.NewRegistry(5*time.Second, 5*time.Second, 10)
	e := newTestEcho(reg)

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		done <- postCompletion(e, `{"model": "multi|A", "messages": [
			{"role": "system", "content": "ignored system prompt"},
			{"role": "user", "content": "older turn"},
			{"role": "user", "content": "newest turn"}]}`)
	}()
	recB := postCompletion(e, `{"model": "multi|B", "messages": [{"role": "user", "content": "reply"}]}`)

	require.Equal(t, http.StatusOK, recB.Code)
	var respB ChatCompletionResponse
	require.NoError(t, json.Unmarshal(recB.Body.Bytes(), &respB))
	assert.Equal(t, "newest turn", respB.Choices[0].Message.Content, "only the last message is forwarded")

	select {
	case recA := <-done:
		require.Equal(t, http.StatusOK, recA.Code)
	case <-time.After(3 * time.Second):
		t.Fatal("side A request never completed")
	}
}

func TestChatCompletions_Timeout(t *testing.T) {
	reg := session.NewRegistry(60*time.Millisecond, 60*time.Millisecond, 10)
	e := newTestEcho(reg)

	rec := postCompletion(e, `{"model": "lonely", "messages": [{"role": "user", "content": "ping"}]}`)
	assert.Equal(t, http.StatusRequestTimeout, rec.Code)
	errDetails := decodeError(t, rec)
	assert.Equal(t, "timeout_error", errDetails.Type)
	assert.Equal(t, "timeout", errDetails.Code)

	// The session survives the timeout.
	assert.Equal(t, 1, reg.Count())
}

func TestChatCompletions_CapacityExhausted(t *testing.T) {
	reg := session.NewRegistry(50*time.Millisecond, 50*time.Millisecond, 1)
	e := newTestEcho(reg)

	_ = postCompletion(e, `{"model": "first", "messages": [{"role": "user", "content": "x"}]}`)
	require.Equal(t, 1, reg.Count())

	rec := postCompletion(e, `{"model": "second", "messages": [{"role": "user", "content": "x"}]}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	errDetails := decodeError(t, rec)
	assert.Equal(t, "server_error", errDetails.Type)
	assert.Equal(t, "max_sessions", errDetails.Code)
}

func TestChatCompletions_TemperatureAndMaxTokensIgnored(t *testing.T) {
	reg := session.NewRegistry(50*time.Millisecond, 50*time.Millisecond, 10)
	e := newTestEcho(reg)

	// Tuning knobs must parse cleanly and not affect behavior.
	rec := postCompletion(e, `{"model": "knobs", "temperature": 0.7, "max_tokens": 128,
		"messages": [{"role": "user", "content": "ping"}]}`)
	assert.Equal(t, http.StatusRequestTimeout, rec.Code, "knobs accepted, handshake still times out alone")
}
