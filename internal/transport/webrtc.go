package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
)

const defaultAudioQueue = 256

// WebRTCConfig configures peer connections.
type WebRTCConfig struct {
	ICEServers []string
	// AudioQueue bounds buffered inbound audio. The oldest packet is dropped when full.
	AudioQueue int
}

// PeerConnection is a Connection backed by a pion peer connection with one
// Opus audio track in each direction.
type PeerConnection struct {
	id     string
	userID string
	chatID string
	cfg    WebRTCConfig
	logger *slog.Logger

	mu     sync.RWMutex
	pc     *webrtc.PeerConnection
	track  *webrtc.TrackLocalStaticSample
	answer SessionDescription
	state  State

	events    Emitter
	audio     chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

// NewFactory returns a Factory producing WebRTC connections.
func NewFactory(cfg WebRTCConfig, logger *slog.Logger) Factory {
	return func(userID, chatID string) (Connection, error) {
		return NewPeerConnection(userID, chatID, cfg, logger), nil
	}
}

// NewPeerConnection creates an unnegotiated connection.
func NewPeerConnection(userID, chatID string, cfg WebRTCConfig, logger *slog.Logger) *PeerConnection {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.AudioQueue <= 0 {
		cfg.AudioQueue = defaultAudioQueue
	}
	id := uuid.NewString()
	return &PeerConnection{
		id:     id,
		userID: userID,
		chatID: chatID,
		cfg:    cfg,
		logger: logger.With("connection_id", id, "user_id", userID, "chat_id", chatID),
		state:  StateNegotiating,
		audio:  make(chan []byte, cfg.AudioQueue),
		closed: make(chan struct{}),
	}
}

func (c *PeerConnection) ID() string     { return c.id }
func (c *PeerConnection) UserID() string { return c.userID }
func (c *PeerConnection) ChatID() string { return c.chatID }

func (c *PeerConnection) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *PeerConnection) Answer() SessionDescription {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.answer
}

func (c *PeerConnection) Subscribe(event Event, fn func(Connection)) Subscription {
	return c.events.Subscribe(event, fn)
}

// Initialize creates the peer connection, applies offer and waits for ICE
// gathering so the answer carries every candidate.
func (c *PeerConnection) Initialize(ctx context.Context, offer SessionDescription) error {
	if err := ValidateOffer(offer); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateClosed {
		return ErrClosed
	}
	if c.pc != nil {
		return errors.New("connection already initialized")
	}

	servers := make([]webrtc.ICEServer, 0, len(c.cfg.ICEServers))
	for _, url := range c.cfg.ICEServers {
		servers = append(servers, webrtc.ICEServer{URLs: []string{url}})
	}

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
	if err != nil {
		return fmt.Errorf("create peer connection: %w", err)
	}

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio",
		"interviewer",
	)
	if err != nil {
		_ = pc.Close()
		return fmt.Errorf("create audio track: %w", err)
	}
	if _, err := pc.AddTrack(track); err != nil {
		_ = pc.Close()
		return fmt.Errorf("add track: %w", err)
	}

	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if remote.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		c.logger.Info("[WEBRTC] Remote audio track", "codec", remote.Codec().MimeType)
		go c.readRemoteTrack(remote)
	})
	pc.OnConnectionStateChange(c.handleStateChange)

	c.pc = pc
	c.track = track

	answer, err := c.negotiateLocked(ctx, offer)
	if err != nil {
		_ = pc.Close()
		c.pc = nil
		return err
	}
	c.answer = answer
	return nil
}

// Renegotiate applies a new offer on the existing peer connection.
func (c *PeerConnection) Renegotiate(ctx context.Context, offer SessionDescription) error {
	if err := ValidateOffer(offer); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateClosed || c.pc == nil {
		return ErrClosed
	}
	answer, err := c.negotiateLocked(ctx, offer)
	if err != nil {
		return fmt.Errorf("renegotiate: %w", err)
	}
	c.answer = answer
	c.logger.Info("[WEBRTC] Renegotiated")
	return nil
}

func (c *PeerConnection) negotiateLocked(ctx context.Context, offer SessionDescription) (SessionDescription, error) {
	if err := c.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  offer.SDP,
	}); err != nil {
		return SessionDescription{}, fmt.Errorf("%w: set remote description: %w", ErrInvalidOffer, err)
	}

	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(c.pc)
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return SessionDescription{}, fmt.Errorf("set local description: %w", err)
	}

	select {
	case <-gatherComplete:
	case <-ctx.Done():
		return SessionDescription{}, fmt.Errorf("ice gathering: %w", ctx.Err())
	}

	local := c.pc.LocalDescription()
	if local == nil {
		return SessionDescription{}, errors.New("no local description")
	}
	return SessionDescription{SDP: local.SDP, Type: local.Type.String()}, nil
}

func (c *PeerConnection) handleStateChange(state webrtc.PeerConnectionState) {
	c.logger.Info("[WEBRTC] Connection state", "state", state.String())

	switch state {
	case webrtc.PeerConnectionStateConnected:
		c.mu.Lock()
		if c.state == StateClosed {
			c.mu.Unlock()
			return
		}
		c.state = StateOpen
		c.mu.Unlock()
		c.events.Emit(EventConnected, c)
	case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateFailed:
		if c.State() == StateClosed {
			return
		}
		c.events.Emit(EventDisconnected, c)
	}
}

// readRemoteTrack queues RTP payloads from the participant's audio track.
func (c *PeerConnection) readRemoteTrack(track *webrtc.TrackRemote) {
	for {
		packet, _, err := track.ReadRTP()
		if err != nil {
			c.logger.Info("[WEBRTC] Remote track ended", "error", err)
			return
		}
		c.enqueue(packet)
	}
}

func (c *PeerConnection) enqueue(packet *rtp.Packet) {
	if len(packet.Payload) == 0 {
		return
	}
	data := make([]byte, len(packet.Payload))
	copy(data, packet.Payload)

	select {
	case c.audio <- data:
		return
	case <-c.closed:
		return
	default:
	}

	// Full: drop the oldest packet to make room.
	select {
	case <-c.audio:
	default:
	}
	select {
	case c.audio <- data:
	default:
		c.logger.Warn("[WEBRTC] Inbound audio dropped", "queue_len", len(c.audio))
	}
}

func (c *PeerConnection) ReadAudio(ctx context.Context) ([]byte, error) {
	select {
	case data := <-c.audio:
		return data, nil
	case <-c.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *PeerConnection) WriteAudio(_ context.Context, payload []byte, duration time.Duration) error {
	c.mu.RLock()
	track := c.track
	state := c.state
	c.mu.RUnlock()

	if state == StateClosed {
		return ErrClosed
	}
	if track == nil {
		return errors.New("connection not initialized")
	}
	return track.WriteSample(media.Sample{Data: payload, Duration: duration})
}

// Close tears down the peer connection and emits EventClosed once.
func (c *PeerConnection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = StateClosed
		pc := c.pc
		c.mu.Unlock()

		close(c.closed)
		if pc != nil {
			err = pc.Close()
		}
		c.logger.Info("[WEBRTC] Connection closed")
		c.events.Emit(EventClosed, c)
	})
	return err
}

var _ Connection = (*PeerConnection)(nil)
