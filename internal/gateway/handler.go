package gateway

import (
	"context"
	"encoding/base64"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/eleven-am/scene-backend/internal/session"
	"github.com/eleven-am/scene-backend/internal/shared"
	"github.com/eleven-am/scene-backend/internal/vision"
)

// EventStream is the fan-out the events endpoint reads from.
// *events.Publisher implements it.
type EventStream interface {
	Subscribe(ctx context.Context, sessionID string) (<-chan vision.Event, func(), error)
	History(ctx context.Context, sessionID string, sinceMs int64, limit int) ([]vision.Event, error)
	DeleteHistory(ctx context.Context, sessionID string) error
}

type Handler struct {
	sessions *session.Manager
	events   EventStream
	validate *validator.Validate
	logger   *slog.Logger
}

func NewHandler(sessions *session.Manager, events EventStream, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		sessions: sessions,
		events:   events,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger.With("component", "scene_gateway"),
	}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/sessions", h.CreateSession)
	g.GET("/sessions", h.ListSessions)
	g.GET("/sessions/:id", h.GetSession)
	g.DELETE("/sessions/:id", h.DeleteSession)
	g.POST("/sessions/:id/frames", h.SubmitFrame)
	g.GET("/sessions/:id/scene", h.GetScene)
	g.POST("/sessions/:id/query", h.Query)
	g.POST("/sessions/:id/reset", h.Reset)
	g.GET("/sessions/:id/events", h.StreamEvents)
	g.GET("/sessions/:id/events/history", h.EventHistory)
	g.GET("/sessions/:id/rtp", h.IngestRTP)
}

func (h *Handler) bind(c echo.Context, req any) error {
	if err := c.Bind(req); err != nil {
		return shared.BadRequest("invalid_request", "invalid request body")
	}
	if err := h.validate.Struct(req); err != nil {
		return validationError(err)
	}
	return nil
}

func (h *Handler) lookup(c echo.Context) (*session.Session, error) {
	s, ok := h.sessions.GetSession(c.Param("id"))
	if !ok {
		return nil, shared.NotFound("session_not_found", "session not found")
	}
	s.Touch()
	return s, nil
}

func (h *Handler) CreateSession(c echo.Context) error {
	var req CreateSessionRequest
	if c.Request().ContentLength > 0 {
		if err := h.bind(c, &req); err != nil {
			return err
		}
	}

	source := vision.Source(req.Source)
	if source == "" {
		source = vision.SourceCamera
	}

	s, err := h.sessions.CreateSession(source)
	if err != nil {
		h.logger.Warn("failed to create session", "error", err)
		return pipelineError(err)
	}

	return c.JSON(http.StatusCreated, CreateSessionResponse{
		SessionID: s.ID(),
		Source:    string(s.Source()),
		CreatedAt: s.CreatedAt(),
	})
}

func (h *Handler) ListSessions(c echo.Context) error {
	sessions := h.sessions.ListSessions()
	return c.JSON(http.StatusOK, SessionListResponse{
		Total:    len(sessions),
		Sessions: sessions,
	})
}

func (h *Handler) GetSession(c echo.Context) error {
	s, err := h.lookup(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, s.Info())
}

func (h *Handler) DeleteSession(c echo.Context) error {
	id := c.Param("id")
	if !h.sessions.RemoveSession(id) {
		return shared.NotFound("session_not_found", "session not found")
	}

	if h.events != nil {
		if err := h.events.DeleteHistory(c.Request().Context(), id); err != nil {
			h.logger.Warn("failed to delete event history", "error", err, "session_id", id)
		}
	}
	return c.NoContent(http.StatusNoContent)
}

// SubmitFrame offers one image to the session pipeline. With ?wait=true the
// request blocks until the analysis for this sample completes.
func (h *Handler) SubmitFrame(c echo.Context) error {
	s, err := h.lookup(c)
	if err != nil {
		return err
	}

	var req SubmitFrameRequest
	if err := h.bind(c, &req); err != nil {
		return err
	}

	payload, err := base64.StdEncoding.DecodeString(req.Data)
	if err != nil {
		return shared.BadRequest("invalid_data", "data must be base64 encoded")
	}

	source := vision.Source(req.Source)
	if source == "" {
		source = s.Source()
	}
	sample := vision.Sample{
		ID:           req.ID,
		Payload:      payload,
		CapturedAtMs: req.CapturedAtMs,
		MimeType:     req.MimeType,
		Source:       source,
	}
	if sample.ID == "" {
		sample.ID = uuid.NewString()
	}

	if wait, _ := strconv.ParseBool(c.QueryParam("wait")); wait {
		result, err := s.Pipeline().SubmitAndWait(c.Request().Context(), sample)
		if err != nil {
			return pipelineError(err)
		}
		return c.JSON(http.StatusOK, SubmitFrameResponse{
			SampleID: sample.ID,
			Accepted: true,
			Result:   &result,
		})
	}

	if !s.Pipeline().Submit(sample) {
		return c.JSON(http.StatusOK, SubmitFrameResponse{SampleID: sample.ID})
	}
	return c.JSON(http.StatusAccepted, SubmitFrameResponse{SampleID: sample.ID, Accepted: true})
}

func (h *Handler) GetScene(c echo.Context) error {
	s, err := h.lookup(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, s.Pipeline().Snapshot())
}

func (h *Handler) Query(c echo.Context) error {
	s, err := h.lookup(c)
	if err != nil {
		return err
	}

	var req QueryRequest
	if err := h.bind(c, &req); err != nil {
		return err
	}

	text, err := s.Pipeline().Respond(c.Request().Context(), req.Command)
	if err != nil {
		h.logger.Warn("query failed", "error", err, "session_id", s.ID())
		return pipelineError(err)
	}
	return c.JSON(http.StatusOK, QueryResponse{Text: text})
}

func (h *Handler) Reset(c echo.Context) error {
	s, err := h.lookup(c)
	if err != nil {
		return err
	}
	s.Pipeline().Reset()
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) EventHistory(c echo.Context) error {
	s, err := h.lookup(c)
	if err != nil {
		return err
	}
	if h.events == nil {
		return shared.ServiceUnavailable("events_unavailable", "event stream is not configured")
	}

	since, limit, err := historyParams(c)
	if err != nil {
		return err
	}

	events, err := h.events.History(c.Request().Context(), s.ID(), since, limit)
	if err != nil {
		h.logger.Error("failed to read event history", "error", err, "session_id", s.ID())
		return shared.InternalError("history_failed", "failed to read event history")
	}
	return c.JSON(http.StatusOK, EventHistoryResponse{Events: events})
}

func historyParams(c echo.Context) (int64, int, error) {
	var since int64
	if v := c.QueryParam("since"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			return 0, 0, shared.BadRequest("invalid_since", "since must be a unix millisecond timestamp")
		}
		since = n
	}

	limit := 0
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return 0, 0, shared.BadRequest("invalid_limit", "limit must be a positive integer")
		}
		limit = n
	}
	return since, limit, nil
}
