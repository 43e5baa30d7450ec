package realtime

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v4"
	"github.com/pion/webrtc/v4"

	"github.com/eleven-am/scene-backend/internal/session"
	"github.com/eleven-am/scene-backend/internal/shared"
)

// Sessions resolves the scene session a peer streams into.
// *session.Manager implements it.
type Sessions interface {
	GetSession(id string) (*session.Session, bool)
}

type Handler struct {
	manager  *Manager
	sessions Sessions
	log      *slog.Logger
}

func NewHandler(mgr *Manager, sessions Sessions, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		manager:  mgr,
		sessions: sessions,
		log:      log.With("component", "webrtc_handler"),
	}
}

type OfferRequest struct {
	SDP string `json:"sdp"`
}

type OfferResponse struct {
	SessionID  string      `json:"session_id"`
	SDP        string      `json:"sdp"`
	ICEServers []ICEServer `json:"ice_servers,omitempty"`
}

type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

type ICECandidateRequest struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

type ICEServersResponse struct {
	ICEServers []ICEServer `json:"ice_servers"`
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/sessions/:id/webrtc", h.HandleOffer)
	g.POST("/sessions/:id/webrtc/candidates", h.HandleICECandidate)
	g.DELETE("/sessions/:id/webrtc", h.HandleHangup)
	g.GET("/ice-servers", h.HandleICEServers)
}

func (h *Handler) lookup(c echo.Context) (*session.Session, error) {
	s, ok := h.sessions.GetSession(c.Param("id"))
	if !ok {
		return nil, shared.NotFound("session_not_found", "session not found")
	}
	s.Touch()
	return s, nil
}

// HandleOffer answers an SDP offer. The offer is accepted either as a raw
// application/sdp body, answered in kind, or as JSON, answered as an
// OfferResponse.
func (h *Handler) HandleOffer(c echo.Context) error {
	s, err := h.lookup(c)
	if err != nil {
		return err
	}

	sdp, asJSON, err := h.extractOffer(c)
	if err != nil {
		return shared.BadRequest("invalid_offer", err.Error())
	}
	if sdp == "" {
		return shared.BadRequest("missing_sdp", "missing sdp")
	}

	answer, err := h.manager.Connect(c.Request().Context(), s.ID(), sdp, s.Capturer())
	if errors.Is(err, ErrUnsupportedCodec) {
		h.log.Info("offer rejected", "session_id", s.ID(), "error", err)
		return shared.BadRequest("unsupported_codec", "offer must include VP8 video")
	}
	if err != nil {
		h.log.Warn("offer rejected", "session_id", s.ID(), "error", err)
		return shared.BadRequest("offer_failed", "failed to process offer")
	}
	h.log.Info("webrtc peer created", "session_id", s.ID())

	if asJSON {
		return c.JSON(http.StatusOK, OfferResponse{
			SessionID:  s.ID(),
			SDP:        answer,
			ICEServers: h.iceServersResponse(),
		})
	}
	c.Response().Header().Set("X-Session-Id", s.ID())
	return c.Blob(http.StatusOK, "application/sdp", []byte(answer))
}

func (h *Handler) extractOffer(c echo.Context) (string, bool, error) {
	contentType := c.Request().Header.Get("Content-Type")
	mediaType, _, _ := mime.ParseMediaType(contentType)

	body, err := io.ReadAll(io.LimitReader(c.Request().Body, int64(h.manager.Config().MaxSDPSize)))
	if err != nil {
		return "", false, fmt.Errorf("failed to read request body: %w", err)
	}

	switch mediaType {
	case "application/sdp":
		return string(body), false, nil
	case "application/json", "":
		var req OfferRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return "", true, fmt.Errorf("invalid JSON body: %w", err)
		}
		return req.SDP, true, nil
	default:
		return "", false, fmt.Errorf("unsupported content type: %s", contentType)
	}
}

func (h *Handler) HandleICECandidate(c echo.Context) error {
	s, err := h.lookup(c)
	if err != nil {
		return err
	}

	var req ICECandidateRequest
	if err := c.Bind(&req); err != nil {
		return shared.BadRequest("invalid_request", "invalid request body")
	}
	if req.Candidate == "" {
		return shared.BadRequest("missing_candidate", "missing candidate")
	}

	err = h.manager.AddICECandidate(s.ID(), webrtc.ICECandidateInit{
		Candidate:     req.Candidate,
		SDPMid:        req.SDPMid,
		SDPMLineIndex: req.SDPMLineIndex,
	})
	if errors.Is(err, ErrPeerNotFound) {
		return shared.NotFound("peer_not_found", "no webrtc peer for session")
	}
	if err != nil {
		h.log.Debug("failed to add ICE candidate", "session_id", s.ID(), "error", err)
		return shared.BadRequest("invalid_candidate", "failed to add candidate")
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) HandleHangup(c echo.Context) error {
	s, err := h.lookup(c)
	if err != nil {
		return err
	}
	if !h.manager.RemovePeer(s.ID()) {
		return shared.NotFound("peer_not_found", "no webrtc peer for session")
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) HandleICEServers(c echo.Context) error {
	return c.JSON(http.StatusOK, ICEServersResponse{ICEServers: h.iceServersResponse()})
}

func (h *Handler) iceServersResponse() []ICEServer {
	cfgServers := h.manager.ICEServers()
	servers := make([]ICEServer, 0, len(cfgServers))
	for _, s := range cfgServers {
		servers = append(servers, ICEServer(s))
	}
	if len(servers) == 0 {
		servers = append(servers, ICEServer{URLs: []string{defaultSTUNServer}})
	}
	return servers
}
