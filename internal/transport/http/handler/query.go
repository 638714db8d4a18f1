package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"docchat/internal/app"
	"docchat/internal/stream"
	"docchat/internal/transport/http/response"
)

type QueryService interface {
	Ask(ctx context.Context, in app.AskInput, sink app.EventSink) (*app.AskResult, error)
}

type QueryHandler struct {
	conversations QueryService
	logger        *slog.Logger
}

func NewQueryHandler(conversations QueryService, logger *slog.Logger) *QueryHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &QueryHandler{conversations: conversations, logger: logger}
}

type QueryRequest struct {
	Query string `json:"query" binding:"required"`
}

// ndjsonSink commits the streaming headers on the first event so that a
// failure before any output can still be answered with a JSON error.
type ndjsonSink struct {
	c *gin.Context
	w *stream.Writer
}

func (s *ndjsonSink) Emit(e stream.Event) error {
	if s.w == nil {
		h := s.c.Writer.Header()
		h.Set("Content-Type", stream.ContentType)
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		h.Set("X-Accel-Buffering", "no")
		s.c.Status(http.StatusOK)
		s.w = stream.NewWriter(s.c.Writer)
	}
	return s.w.Emit(e)
}

func (s *ndjsonSink) started() bool {
	return s.w != nil && s.w.Started()
}

// Query streams the answer to one question as newline-delimited JSON.
func (h *QueryHandler) Query(c *gin.Context) {
	ownerID, ok := getUserIDFromContext(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token payload")
		return
	}
	var req QueryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid request payload")
		return
	}

	sink := &ndjsonSink{c: c}
	_, err := h.conversations.Ask(c.Request.Context(), app.AskInput{
		OwnerID:  ownerID,
		UploadID: c.Param("id"),
		Query:    req.Query,
	}, sink)
	if err == nil {
		return
	}

	beforeStream := !sink.started()
	var qe *app.QueryError
	if errors.As(err, &qe) {
		beforeStream = qe.BeforeStream()
	}
	if beforeStream {
		if errors.Is(err, app.ErrInvalidInput) || errors.Is(err, app.ErrUploadNotFound) || errors.Is(err, app.ErrUploadNotReady) {
			writeServiceError(c, err, "")
			return
		}
		response.Error(c, http.StatusInternalServerError, response.CodeQueryFailed, "query failed")
		return
	}
	if emitErr := sink.Emit(stream.Error("the answer could not be completed")); emitErr != nil {
		h.logger.Info("client left before error event", "error", emitErr)
	}
}
