package openai

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/hrygo/motiveproxy/internal/metrics"
	"github.com/hrygo/motiveproxy/session"
)

// Handler terminates Chat Completions requests and drives the session core.
type Handler struct {
	registry  *session.Registry
	collector *metrics.Collector
	logger    *slog.Logger
}

// NewHandler creates the Chat Completions handler.
func NewHandler(registry *session.Registry, collector *metrics.Collector) *Handler {
	return &Handler{
		registry:  registry,
		collector: collector,
		logger:    slog.Default().With("component", "openai"),
	}
}

// Register mounts the handler on the given group (expected to be /v1).
func (h *Handler) Register(g *echo.Group) {
	g.POST("/chat/completions", h.ChatCompletions)
}

// ChatCompletions is the rendezvous endpoint. The request's last message
// content is handed to the session; the counterpart's payload comes back as
// the assistant message.
func (h *Handler) ChatCompletions(c echo.Context) error {
	logger := h.logger.With("correlation_id", c.Response().Header().Get(echo.HeaderXRequestID))

	var req ChatCompletionRequest
	if err := c.Bind(&req); err != nil {
		return validationError(c, "request body is not a valid chat completion payload", "invalid_body")
	}
	if req.Model == "" {
		return validationError(c, "model must carry a session identifier", "model_missing")
	}
	if len(req.Messages) == 0 {
		return validationError(c, "messages array cannot be empty", "messages_empty")
	}

	sessionID, side := session.ParseID(req.Model)
	content := req.Messages[len(req.Messages)-1].Content
	logger = logger.With("session_id", sessionID)
	logger.Info("chat completion request received",
		"side", string(side),
		"message_count", len(req.Messages),
		"content_length", len(content),
		"stream", req.Stream,
	)

	sess, err := h.registry.GetOrCreate(sessionID)
	if err != nil {
		logger.Warn("session capacity exhausted", "error", err)
		return apiError(c, http.StatusServiceUnavailable, "server_error", "max_sessions",
			"session capacity exhausted, retry later")
	}

	start := time.Now()
	counterpart, err := sess.ProcessRequest(c.Request().Context(), content, side)
	latency := time.Since(start)
	if err != nil {
		h.collector.RecordRendezvous(outcomeLabel(err), latency)
		return h.mapSessionError(c, logger, err)
	}
	h.collector.RecordRendezvous("delivered", latency)
	logger.Info("chat completion response sent", "latency", latency, "response_length", len(counterpart))

	if req.Stream {
		return streamCompletion(c, req.Model, counterpart)
	}
	return c.JSON(http.StatusOK, NewChatCompletionResponse(req.Model, content, counterpart))
}

// mapSessionError converts session failures to the OpenAI error shape.
// A session closed under a suspended caller is indistinguishable from a
// timeout on the wire; cancellation gets the same status since the client is
// gone and nothing it receives matters.
func (h *Handler) mapSessionError(c echo.Context, logger *slog.Logger, err error) error {
	switch {
	case errors.Is(err, session.ErrTimeout), errors.Is(err, session.ErrSessionClosed):
		logger.Warn("request timed out waiting for counterpart")
		return apiError(c, http.StatusRequestTimeout, "timeout_error", "timeout",
			"request timed out waiting for counterpart")
	case errors.Is(err, session.ErrCancelled):
		logger.Info("client disconnected while waiting for counterpart")
		return apiError(c, http.StatusRequestTimeout, "timeout_error", "cancelled",
			"request cancelled")
	default:
		logger.Error("unexpected error processing request", "error", err)
		return apiError(c, http.StatusInternalServerError, "server_error", "internal_error",
			"unexpected error processing request")
	}
}

func outcomeLabel(err error) string {
	switch {
	case errors.Is(err, session.ErrTimeout):
		return "timeout"
	case errors.Is(err, session.ErrCancelled):
		return "cancelled"
	case errors.Is(err, session.ErrSessionClosed):
		return "closed"
	default:
		return "error"
	}
}

func validationError(c echo.Context, message, code string) error {
	return apiError(c, http.StatusUnprocessableEntity, "invalid_request_error", code, message)
}

func apiError(c echo.Context, status int, errType, code, message string) error {
	return c.JSON(status, ErrorResponse{Error: ErrorDetails{
		Message: message,
		Type:    errType,
		Code:    code,
	}})
}
