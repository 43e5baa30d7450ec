package gateway

import (
	"time"

	"github.com/eleven-am/scene-backend/internal/session"
	"github.com/eleven-am/scene-backend/internal/vision"
)

type CreateSessionRequest struct {
	Source string `json:"source" validate:"omitempty,oneof=camera screen file rtp"`
}

type CreateSessionResponse struct {
	SessionID string    `json:"session_id"`
	Source    string    `json:"source"`
	CreatedAt time.Time `json:"created_at"`
}

type SessionListResponse struct {
	Total    int                   `json:"total"`
	Sessions []session.SessionInfo `json:"sessions"`
}

// SubmitFrameRequest carries one image. Data is standard base64.
type SubmitFrameRequest struct {
	ID           string `json:"id" validate:"omitempty,max=128"`
	Data         string `json:"data" validate:"required,base64"`
	CapturedAtMs int64  `json:"captured_at_ms" validate:"gte=0"`
	Source       string `json:"source" validate:"omitempty,oneof=camera screen file rtp"`
	MimeType     string `json:"mime_type" validate:"omitempty,max=64"`
}

type SubmitFrameResponse struct {
	SampleID string                 `json:"sample_id"`
	Accepted bool                   `json:"accepted"`
	Result   *vision.AnalysisResult `json:"result,omitempty"`
}

type QueryRequest struct {
	Command string `json:"command" validate:"required,max=4000"`
}

type QueryResponse struct {
	Text string `json:"text"`
}

type EventHistoryResponse struct {
	Events []vision.Event `json:"events"`
}
