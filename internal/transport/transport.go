// Package transport defines the real-time media connection used by a session
// and its WebRTC implementation.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrClosed is returned by operations on a closed connection.
var ErrClosed = errors.New("connection closed")

// ErrInvalidOffer wraps every rejection of a client offer: a wrong type, a
// missing sdp or one the peer connection cannot parse.
var ErrInvalidOffer = errors.New("invalid offer")

// State is the lifecycle state of a connection.
type State int

const (
	StateNegotiating State = iota
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNegotiating:
		return "negotiating"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Event is a connection lifecycle event.
type Event string

const (
	EventConnected    Event = "connected"
	EventDisconnected Event = "disconnected"
	EventClosed       Event = "closed"
)

// SDPTypeOffer is the only session description type accepted from clients.
const SDPTypeOffer = "offer"

// SessionDescription is an SDP payload with its type.
type SessionDescription struct {
	SDP  string `json:"sdp"`
	Type string `json:"type"`
}

// Offer is a client offer for a chat.
type Offer struct {
	SessionDescription
	UserID string
	ChatID string
}

// Connection is a real-time media connection with one participant.
type Connection interface {
	ID() string
	UserID() string
	ChatID() string
	State() State

	// Initialize applies the first offer and prepares the answer.
	Initialize(ctx context.Context, offer SessionDescription) error
	// Renegotiate applies a new offer on an existing connection.
	Renegotiate(ctx context.Context, offer SessionDescription) error
	// Answer returns the most recent local description.
	Answer() SessionDescription

	// ReadAudio blocks until the next encoded audio payload arrives.
	ReadAudio(ctx context.Context) ([]byte, error)
	// WriteAudio sends an encoded audio payload covering duration.
	WriteAudio(ctx context.Context, payload []byte, duration time.Duration) error

	// Subscribe registers fn for event. Handlers run on the goroutine that
	// raised the event and must not block.
	Subscribe(event Event, fn func(Connection)) Subscription

	// Close releases the connection. Only the first call emits EventClosed.
	Close() error
}

// Factory creates a connection for a user and chat.
type Factory func(userID, chatID string) (Connection, error)

// ValidateOffer checks that desc is a usable client offer.
func ValidateOffer(desc SessionDescription) error {
	if desc.SDP == "" {
		return fmt.Errorf("%w: missing sdp", ErrInvalidOffer)
	}
	if desc.Type != SDPTypeOffer {
		return fmt.Errorf("%w: unexpected sdp type %q", ErrInvalidOffer, desc.Type)
	}
	return nil
}
