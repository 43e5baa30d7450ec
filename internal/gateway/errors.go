package gateway

import (
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"github.com/eleven-am/scene-backend/internal/session"
	"github.com/eleven-am/scene-backend/internal/shared"
	"github.com/eleven-am/scene-backend/internal/vision"
)

type fieldError struct {
	Field string `json:"field"`
	Rule  string `json:"rule"`
}

func validationError(err error) *echo.HTTPError {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return shared.BadRequest("invalid_request", err.Error())
	}

	fields := make([]fieldError, 0, len(verrs))
	names := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fieldError{Field: fe.Field(), Rule: fe.Tag()})
		names = append(names, fe.Field())
	}
	return shared.NewAPIError("validation_failed", "invalid fields: "+strings.Join(names, ", ")).
		WithDetails(fields).
		ToHTTP(400)
}

// pipelineError maps vision and session errors onto API errors.
func pipelineError(err error) *echo.HTTPError {
	switch {
	case errors.Is(err, vision.ErrEmptyCommand):
		return shared.BadRequest("empty_command", "command is required")
	case errors.Is(err, vision.ErrInference):
		return shared.BadGateway("inference_failed", "the vision model could not be reached")
	case errors.Is(err, vision.ErrSampleDropped):
		return shared.TooManyRequests("sample_dropped", "sample was dropped before analysis")
	case errors.Is(err, vision.ErrSessionReset):
		return shared.Conflict("session_reset", "session was reset before analysis completed")
	case errors.Is(err, vision.ErrPipelineClosed), errors.Is(err, session.ErrSessionNotFound):
		return shared.NotFound("session_not_found", "session not found")
	case errors.Is(err, session.ErrTooManySessions):
		return shared.TooManyRequests("too_many_sessions", "session limit reached")
	case errors.Is(err, session.ErrManagerClosed):
		return shared.ServiceUnavailable("shutting_down", "server is shutting down")
	default:
		return shared.InternalError("internal_error", "internal error")
	}
}
