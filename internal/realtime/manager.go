package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/eleven-am/scene-backend/internal/metrics"
	"github.com/pion/webrtc/v4"
)

var (
	ErrPeerNotFound     = errors.New("peer not found")
	ErrUnsupportedCodec = errors.New("offer has no VP8 video")
)

const defaultSTUNServer = "stun:stun.l.google.com:19302"

// Manager owns the WebRTC API and at most one peer per scene session.
type Manager struct {
	cfg Config
	api *webrtc.API
	log *slog.Logger

	mu    sync.RWMutex
	peers map[string]*Peer
}

func NewManager(cfg Config, log *slog.Logger) (*Manager, error) {
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.withDefaults()

	me := &webrtc.MediaEngine{}
	if err := me.RegisterCodec(vp8Codec, webrtc.RTPCodecTypeVideo); err != nil {
		return nil, err
	}

	se := &webrtc.SettingEngine{}
	if cfg.PortRange.Min > 0 && cfg.PortRange.Max > cfg.PortRange.Min {
		if err := se.SetEphemeralUDPPortRange(uint16(cfg.PortRange.Min), uint16(cfg.PortRange.Max)); err != nil {
			return nil, err
		}
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(me),
		webrtc.WithSettingEngine(*se),
	)

	return &Manager{
		cfg:   cfg,
		api:   api,
		log:   log.With("component", "webrtc_manager"),
		peers: make(map[string]*Peer),
	}, nil
}

// Connect answers a client offer for sessionID. Video received on the new
// peer goes to handler. An existing peer for the session is replaced. Offers
// without VP8 video fail with ErrUnsupportedCodec.
func (m *Manager) Connect(ctx context.Context, sessionID, offer string, handler PacketHandler) (string, error) {
	if err := checkOfferCodecs(offer); err != nil {
		return "", err
	}

	pc, err := m.api.NewPeerConnection(webrtc.Configuration{
		ICEServers: m.iceServers(),
	})
	if err != nil {
		return "", fmt.Errorf("create peer connection: %w", err)
	}

	peer, err := NewPeer(sessionID, pc, handler, m.cfg.KeyframeInterval, m.log)
	if err != nil {
		pc.Close()
		return "", fmt.Errorf("create peer: %w", err)
	}

	if err := peer.SetOffer(offer); err != nil {
		peer.Close()
		return "", fmt.Errorf("set offer: %w", err)
	}

	gatherCtx, cancel := context.WithTimeout(ctx, m.cfg.GatherTimeout)
	defer cancel()
	answer, err := peer.CreateAnswer(gatherCtx)
	if err != nil {
		peer.Close()
		return "", fmt.Errorf("create answer: %w", err)
	}

	peer.OnConnected(func() {
		m.log.Info("peer connected", "session_id", sessionID)
	})
	peer.OnFailed(func() {
		if m.detach(peer) {
			m.log.Info("peer disconnected", "session_id", sessionID, "packets", peer.Packets())
			go peer.Close()
		}
	})

	m.mu.Lock()
	previous := m.peers[sessionID]
	m.peers[sessionID] = peer
	m.mu.Unlock()

	if previous != nil {
		previous.Close()
	} else {
		metrics.WebRTCPeers.Inc()
	}
	return answer, nil
}

// detach removes peer if it is still the current one for its session.
func (m *Manager) detach(peer *Peer) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if current, ok := m.peers[peer.SessionID()]; ok && current == peer {
		delete(m.peers, peer.SessionID())
		metrics.WebRTCPeers.Dec()
		return true
	}
	return false
}

func (m *Manager) AddICECandidate(sessionID string, candidate webrtc.ICECandidateInit) error {
	peer, ok := m.GetPeer(sessionID)
	if !ok {
		return ErrPeerNotFound
	}
	return peer.AddICECandidate(candidate)
}

func (m *Manager) GetPeer(sessionID string) (*Peer, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.peers[sessionID]
	return p, ok
}

// RemovePeer closes the peer of sessionID, if any.
func (m *Manager) RemovePeer(sessionID string) bool {
	m.mu.Lock()
	peer, ok := m.peers[sessionID]
	if ok {
		delete(m.peers, sessionID)
		metrics.WebRTCPeers.Dec()
	}
	m.mu.Unlock()

	if ok {
		peer.Close()
	}
	return ok
}

func (m *Manager) PeerCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.peers)
}

func (m *Manager) Close() error {
	m.mu.Lock()
	peers := make([]*Peer, 0, len(m.peers))
	for id, p := range m.peers {
		peers = append(peers, p)
		delete(m.peers, id)
	}
	m.mu.Unlock()

	metrics.WebRTCPeers.Sub(float64(len(peers)))
	var errs []error
	for _, p := range peers {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) iceServers() []webrtc.ICEServer {
	servers := make([]webrtc.ICEServer, 0, len(m.cfg.ICEServers))
	for _, s := range m.cfg.ICEServers {
		server := webrtc.ICEServer{
			URLs: s.URLs,
		}
		if s.Username != "" {
			server.Username = s.Username
			server.Credential = s.Credential
			server.CredentialType = webrtc.ICECredentialTypePassword
		}
		servers = append(servers, server)
	}

	if len(servers) == 0 {
		servers = append(servers, webrtc.ICEServer{
			URLs: []string{defaultSTUNServer},
		})
	}
	return servers
}

func (m *Manager) ICEServers() []ICEServerConfig {
	return m.cfg.ICEServers
}

func (m *Manager) Config() Config {
	return m.cfg
}
