// Package transporttest provides an in-memory transport.Connection for tests.
package transporttest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/interview-bot/internal/transport"
)

// Write is one payload written with WriteAudio.
type Write struct {
	Payload  []byte
	Duration time.Duration
}

// Conn is a scripted connection. Tests drive lifecycle events with Connect,
// Disconnect and Close and feed inbound audio with SendAudio.
type Conn struct {
	id     string
	userID string
	chatID string

	// InitializeErr and RenegotiateErr, when set, are returned by the
	// corresponding calls.
	InitializeErr  error
	RenegotiateErr error
	CloseErr       error

	mu     sync.Mutex
	state  transport.State
	answer transport.SessionDescription
	writes []Write

	Initializes  atomic.Int32
	Renegotiates atomic.Int32
	Closes       atomic.Int32

	events    transport.Emitter
	audio     chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

// New returns a connection in the negotiating state.
func New(userID, chatID string) *Conn {
	return &Conn{
		id:     uuid.NewString(),
		userID: userID,
		chatID: chatID,
		state:  transport.StateNegotiating,
		audio:  make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

// Factory returns a transport.Factory that records every created connection.
type Factory struct {
	mu    sync.Mutex
	conns []*Conn
	// Prepare, if set, is applied to each new connection before it is returned.
	Prepare func(*Conn)
	Err     error
}

// New implements transport.Factory.
func (f *Factory) New(userID, chatID string) (transport.Connection, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	c := New(userID, chatID)
	if f.Prepare != nil {
		f.Prepare(c)
	}
	f.mu.Lock()
	f.conns = append(f.conns, c)
	f.mu.Unlock()
	return c, nil
}

// Conns returns the connections created so far.
func (f *Factory) Conns() []*Conn {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*Conn, len(f.conns))
	copy(out, f.conns)
	return out
}

func (c *Conn) ID() string     { return c.id }
func (c *Conn) UserID() string { return c.userID }
func (c *Conn) ChatID() string { return c.chatID }

func (c *Conn) State() transport.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) Initialize(_ context.Context, offer transport.SessionDescription) error {
	c.Initializes.Add(1)
	if err := transport.ValidateOffer(offer); err != nil {
		return err
	}
	if c.InitializeErr != nil {
		return c.InitializeErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == transport.StateClosed {
		return transport.ErrClosed
	}
	c.answer = transport.SessionDescription{SDP: "answer:" + offer.SDP, Type: "answer"}
	return nil
}

func (c *Conn) Renegotiate(_ context.Context, offer transport.SessionDescription) error {
	c.Renegotiates.Add(1)
	if c.RenegotiateErr != nil {
		return c.RenegotiateErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == transport.StateClosed {
		return transport.ErrClosed
	}
	c.answer = transport.SessionDescription{SDP: "answer:" + offer.SDP, Type: "answer"}
	return nil
}

func (c *Conn) Answer() transport.SessionDescription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.answer
}

func (c *Conn) ReadAudio(ctx context.Context) ([]byte, error) {
	select {
	case data := <-c.audio:
		return data, nil
	case <-c.closed:
		return nil, transport.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Conn) WriteAudio(_ context.Context, payload []byte, duration time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == transport.StateClosed {
		return transport.ErrClosed
	}
	c.writes = append(c.writes, Write{Payload: append([]byte(nil), payload...), Duration: duration})
	return nil
}

func (c *Conn) Subscribe(event transport.Event, fn func(transport.Connection)) transport.Subscription {
	return c.events.Subscribe(event, fn)
}

// Subscribers returns the number of handlers registered for event.
func (c *Conn) Subscribers(event transport.Event) int {
	return c.events.Len(event)
}

func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.Closes.Add(1)
		c.mu.Lock()
		c.state = transport.StateClosed
		c.mu.Unlock()
		close(c.closed)
		c.events.Emit(transport.EventClosed, c)
	})
	return c.CloseErr
}

// Connect moves the connection to open and emits EventConnected.
func (c *Conn) Connect() {
	c.mu.Lock()
	c.state = transport.StateOpen
	c.mu.Unlock()
	c.events.Emit(transport.EventConnected, c)
}

// Disconnect emits EventDisconnected without closing the connection.
func (c *Conn) Disconnect() {
	c.events.Emit(transport.EventDisconnected, c)
}

// MarkClosed flips the state to closed without emitting events, as a peer
// connection does when it fails underneath its owner.
func (c *Conn) MarkClosed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = transport.StateClosed
}

// SendAudio queues an inbound payload.
func (c *Conn) SendAudio(payload []byte) error {
	select {
	case c.audio <- payload:
		return nil
	case <-c.closed:
		return transport.ErrClosed
	default:
		return errors.New("audio queue full")
	}
}

// Writes returns the payloads written so far.
func (c *Conn) Writes() []Write {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Write, len(c.writes))
	copy(out, c.writes)
	return out
}

var _ transport.Connection = (*Conn)(nil)
