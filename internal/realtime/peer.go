package realtime

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// PacketHandler consumes depacketized video. *vision.FrameCapturer
// implements it.
type PacketHandler interface {
	HandlePacket(pkt *rtp.Packet, mimeType string)
}

// Peer is a receive-only WebRTC connection carrying one client's video into
// a scene session.
type Peer struct {
	sessionID string
	pc        *webrtc.PeerConnection
	handler   PacketHandler
	log       *slog.Logger
	keyframe  time.Duration

	packets atomic.Uint64
	closed  chan struct{}
	once    sync.Once

	mu          sync.RWMutex
	onConnected func()
	onFailed    func()
}

func NewPeer(sessionID string, pc *webrtc.PeerConnection, handler PacketHandler, keyframe time.Duration, log *slog.Logger) (*Peer, error) {
	if log == nil {
		log = slog.Default()
	}

	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		return nil, err
	}

	p := &Peer{
		sessionID: sessionID,
		pc:        pc,
		handler:   handler,
		log:       log.With("session_id", sessionID),
		keyframe:  keyframe,
		closed:    make(chan struct{}),
	}

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		codec := track.Codec()
		p.log.Info("track received",
			"kind", track.Kind().String(),
			"codec", codec.MimeType,
			"clock_rate", codec.ClockRate)
		if track.Kind() != webrtc.RTPCodecTypeVideo {
			return
		}
		go p.readVideo(track)
		if p.keyframe > 0 {
			go p.requestKeyframes(track)
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		p.mu.RLock()
		onConnected := p.onConnected
		onFailed := p.onFailed
		p.mu.RUnlock()

		p.log.Debug("connection state changed", "state", state.String())
		switch state {
		case webrtc.PeerConnectionStateConnected:
			if onConnected != nil {
				onConnected()
			}
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			if onFailed != nil {
				onFailed()
			}
		}
	})

	return p, nil
}

func (p *Peer) SessionID() string {
	return p.sessionID
}

func (p *Peer) Packets() uint64 {
	return p.packets.Load()
}

func (p *Peer) readVideo(track *webrtc.TrackRemote) {
	mimeType := track.Codec().MimeType
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				p.log.Debug("video track read ended", "error", err)
			}
			return
		}
		if p.packets.Add(1) == 1 {
			p.log.Info("first video packet received", "codec", mimeType)
		}
		if p.handler != nil {
			p.handler.HandlePacket(pkt, mimeType)
		}
	}
}

// requestKeyframes sends a PLI on a fixed interval. Only keyframes are
// decoded, so a sender that never emits one would starve the session.
func (p *Peer) requestKeyframes(track *webrtc.TrackRemote) {
	ticker := time.NewTicker(p.keyframe)
	defer ticker.Stop()

	for {
		select {
		case <-p.closed:
			return
		case <-ticker.C:
			err := p.pc.WriteRTCP([]rtcp.Packet{
				&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())},
			})
			if err != nil {
				if errors.Is(err, io.ErrClosedPipe) {
					return
				}
				p.log.Debug("keyframe request failed", "error", err)
			}
		}
	}
}

func (p *Peer) SetOffer(sdp string) error {
	return p.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  sdp,
	})
}

// CreateAnswer sets the local answer and waits for ICE gathering so the
// returned SDP already carries the server candidates. When ctx ends first
// the answer is returned with whatever was gathered.
func (p *Peer) CreateAnswer(ctx context.Context) (string, error) {
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return "", err
	}

	gathered := webrtc.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return "", err
	}

	select {
	case <-gathered:
	case <-ctx.Done():
		p.log.Warn("ice gathering incomplete, answering early")
	}

	if local := p.pc.LocalDescription(); local != nil {
		return local.SDP, nil
	}
	return answer.SDP, nil
}

func (p *Peer) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(candidate)
}

func (p *Peer) OnConnected(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onConnected = fn
}

func (p *Peer) OnFailed(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onFailed = fn
}

func (p *Peer) Close() error {
	var err error
	p.once.Do(func() {
		close(p.closed)
		err = p.pc.Close()
	})
	return err
}
