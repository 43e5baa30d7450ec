package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/eleven-am/scene-backend/internal/metrics"
	"github.com/eleven-am/scene-backend/internal/shared"
	"github.com/eleven-am/scene-backend/internal/vision"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// rtpCodecs lists what the frame decoder can turn into samples.
var rtpCodecs = map[string]bool{
	vision.MimeTypeVP8: true,
}

// StreamEvents upgrades to a websocket and forwards the session's analysis
// events as JSON text messages. With ?since=<ms> the stored history from
// that point is replayed first.
func (h *Handler) StreamEvents(c echo.Context) error {
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

	ctx, cancel := context.WithCancel(c.Request().Context())
	defer cancel()

	events, stop, err := h.events.Subscribe(ctx, s.ID())
	if err != nil {
		h.logger.Error("failed to subscribe to events", "error", err, "session_id", s.ID())
		return shared.InternalError("subscribe_failed", "failed to subscribe to events")
	}
	defer stop()

	var backlog []vision.Event
	if c.QueryParam("since") != "" {
		backlog, err = h.events.History(ctx, s.ID(), since, limit)
		if err != nil {
			h.logger.Warn("failed to read event history", "error", err, "session_id", s.ID())
		}
	}

	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return err
	}
	defer ws.Close()

	metrics.WebSocketConnections.WithLabelValues("events").Inc()
	defer metrics.WebSocketConnections.WithLabelValues("events").Dec()

	h.logger.Info("event stream connected", "session_id", s.ID(), "backlog", len(backlog))

	go discardReads(ws, cancel)

	for _, event := range backlog {
		if err := writeEvent(ws, event); err != nil {
			return nil
		}
	}

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			h.logger.Info("event stream disconnected", "session_id", s.ID())
			return nil
		case event, ok := <-events:
			if !ok {
				return nil
			}
			if err := writeEvent(ws, event); err != nil {
				h.logger.Debug("websocket write error", "error", err, "session_id", s.ID())
				return nil
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return nil
			}
		}
	}
}

func writeEvent(ws *websocket.Conn, event vision.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	return ws.WriteMessage(websocket.TextMessage, data)
}

// discardReads services pongs and close frames for a write-only socket and
// cancels once the peer goes away.
func discardReads(ws *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()

	ws.SetReadLimit(maxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := ws.NextReader(); err != nil {
			return
		}
	}
}

// IngestRTP upgrades to a websocket whose binary messages are raw RTP video
// packets. ?codec selects the payload format and defaults to VP8.
func (h *Handler) IngestRTP(c echo.Context) error {
	s, err := h.lookup(c)
	if err != nil {
		return err
	}

	codec := c.QueryParam("codec")
	if codec == "" {
		codec = vision.MimeTypeVP8
	}
	if !rtpCodecs[codec] {
		return shared.BadRequest("unsupported_codec", "codec must be video/VP8")
	}

	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return err
	}
	defer ws.Close()

	metrics.WebSocketConnections.WithLabelValues("rtp").Inc()
	defer metrics.WebSocketConnections.WithLabelValues("rtp").Dec()

	capturer := s.Capturer()
	h.logger.Info("rtp ingest connected", "session_id", s.ID(), "codec", codec)

	ws.SetReadLimit(maxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	var packets, invalid int
	for {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("rtp websocket read error", "error", err, "session_id", s.ID())
			}
			break
		}
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		if msgType != websocket.BinaryMessage {
			continue
		}

		if err := capturer.HandleRTP(data, codec); err != nil {
			invalid++
			h.logger.Debug("invalid rtp packet", "error", err, "session_id", s.ID())
			continue
		}
		packets++
		s.Touch()
	}

	h.logger.Info("rtp ingest disconnected", "session_id", s.ID(), "packets", packets, "invalid", invalid)
	return nil
}
