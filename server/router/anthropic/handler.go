package anthropic

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/hrygo/motiveproxy/internal/metrics"
	"github.com/hrygo/motiveproxy/session"
)

// Handler terminates Anthropic Messages requests against the session core.
type Handler struct {
	registry  *session.Registry
	collector *metrics.Collector
	logger    *slog.Logger
}

// NewHandler creates the Messages handler.
func NewHandler(registry *session.Registry, collector *metrics.Collector) *Handler {
	return &Handler{
		registry:  registry,
		collector: collector,
		logger:    slog.Default().With("component", "anthropic"),
	}
}

// Register mounts the handler on the given group (expected to be /v1).
func (h *Handler) Register(g *echo.Group) {
	g.POST("/messages", h.Messages)
}

// Messages is the rendezvous endpoint in Anthropic framing. Streaming is
// accepted and served as a plain response; the payload is produced
// atomically either way.
func (h *Handler) Messages(c echo.Context) error {
	logger := h.logger.With("correlation_id", c.Response().Header().Get(echo.HeaderXRequestID))

	var req MessagesRequest
	if err := c.Bind(&req); err != nil {
		return apiError(c, http.StatusUnprocessableEntity, "invalid_request_error",
			"request body is not a valid messages payload")
	}
	if req.Model == "" {
		return apiError(c, http.StatusUnprocessableEntity, "invalid_request_error",
			"model must carry a session identifier")
	}
	if len(req.Messages) == 0 {
		return apiError(c, http.StatusUnprocessableEntity, "invalid_request_error",
			"messages array cannot be empty")
	}

	sessionID, side := session.ParseID(req.Model)
	content := req.Messages[len(req.Messages)-1].Content
	logger = logger.With("session_id", sessionID)
	logger.Info("messages request received",
		"side", string(side),
		"message_count", len(req.Messages),
		"content_length", len(content),
	)

	sess, err := h.registry.GetOrCreate(sessionID)
	if err != nil {
		logger.Warn("session capacity exhausted", "error", err)
		return apiError(c, http.StatusServiceUnavailable, "overloaded_error",
			"session capacity exhausted, retry later")
	}

	start := time.Now()
	counterpart, err := sess.ProcessRequest(c.Request().Context(), content, side)
	latency := time.Since(start)
	if err != nil {
		h.collector.RecordRendezvous(outcomeLabel(err), latency)
		switch {
		case errors.Is(err, session.ErrTimeout),
			errors.Is(err, session.ErrSessionClosed),
			errors.Is(err, session.ErrCancelled):
			logger.Warn("request timed out waiting for counterpart")
			return apiError(c, http.StatusRequestTimeout, "timeout_error",
				"request timed out waiting for counterpart")
		default:
			logger.Error("unexpected error processing request", "error", err)
			return apiError(c, http.StatusInternalServerError, "api_error",
				"unexpected error processing request")
		}
	}
	h.collector.RecordRendezvous("delivered", latency)
	logger.Info("messages response sent", "latency", latency, "response_length", len(counterpart))

	return c.JSON(http.StatusOK, NewMessagesResponse(req.Model, content, counterpart))
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

func apiError(c echo.Context, status int, errType, message string) error {
	return c.JSON(status, NewErrorResponse(errType, message))
}
