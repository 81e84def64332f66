package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/ashureev/interview-bot/internal/transport"
	"github.com/ashureev/interview-bot/internal/transport/transporttest"
)

func offer(chatID, sdp string) transport.Offer {
	return transport.Offer{
		SessionDescription: transport.SessionDescription{SDP: sdp, Type: "offer"},
		UserID:             "user-1",
		ChatID:             chatID,
	}
}

func TestResolveSameChatRenegotiates(t *testing.T) {
	t.Parallel()

	f := &transporttest.Factory{}
	r := New(f.New, nil)
	ctx := context.Background()

	first, created, err := r.Resolve(ctx, offer("chat-x", "v1"))
	if err != nil || !created {
		t.Fatalf("first Resolve: created=%v err=%v", created, err)
	}
	second, created, err := r.Resolve(ctx, offer("chat-x", "v2"))
	if err != nil {
		t.Fatalf("second Resolve failed: %v", err)
	}
	if created {
		t.Fatal("expected renegotiation, not creation")
	}
	if first.ID() != second.ID() {
		t.Fatalf("expected same identity, got %s and %s", first.ID(), second.ID())
	}
	if second.Answer().SDP != "answer:v2" {
		t.Fatalf("expected renegotiated answer, got %q", second.Answer().SDP)
	}
	if len(f.Conns()) != 1 {
		t.Fatalf("expected one connection created, got %d", len(f.Conns()))
	}
}

func TestResolveDifferentChatsAreIndependent(t *testing.T) {
	t.Parallel()

	f := &transporttest.Factory{}
	r := New(f.New, nil)
	ctx := context.Background()

	a, _, _ := r.Resolve(ctx, offer("a", "v"))
	b, _, _ := r.Resolve(ctx, offer("b", "v"))
	if a.ID() == b.ID() || r.Len() != 2 {
		t.Fatalf("expected two distinct connections, len=%d", r.Len())
	}
}

func TestResolveReplacesClosedConnection(t *testing.T) {
	t.Parallel()

	f := &transporttest.Factory{}
	r := New(f.New, nil)
	ctx := context.Background()

	first, _, _ := r.Resolve(ctx, offer("chat-x", "v1"))
	first.(*transporttest.Conn).MarkClosed()

	second, created, err := r.Resolve(ctx, offer("chat-x", "v2"))
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if !created || second.ID() == first.ID() {
		t.Fatal("expected a fresh connection for a closed entry")
	}
	if r.Get("chat-x").ID() != second.ID() || r.Len() != 1 {
		t.Fatal("expected registry to hold only the fresh connection")
	}
}

func TestResolveReplacesConnectionFailingRenegotiation(t *testing.T) {
	t.Parallel()

	f := &transporttest.Factory{}
	r := New(f.New, nil)
	ctx := context.Background()

	first, _, _ := r.Resolve(ctx, offer("chat-x", "v1"))
	first.(*transporttest.Conn).RenegotiateErr = transport.ErrClosed

	second, created, err := r.Resolve(ctx, offer("chat-x", "v2"))
	if err != nil || !created || second.ID() == first.ID() {
		t.Fatalf("expected fresh connection, created=%v err=%v", created, err)
	}
	if first.State() != transport.StateClosed {
		t.Fatal("expected the stale connection to be closed")
	}
}

func TestResolveRenegotiationErrorSurfaces(t *testing.T) {
	t.Parallel()

	f := &transporttest.Factory{}
	r := New(f.New, nil)
	ctx := context.Background()

	first, _, _ := r.Resolve(ctx, offer("chat-x", "v1"))
	first.(*transporttest.Conn).RenegotiateErr = errors.New("bad sdp")

	if _, _, err := r.Resolve(ctx, offer("chat-x", "v2")); err == nil {
		t.Fatal("expected renegotiation error")
	}
	if r.Get("chat-x").ID() != first.ID() {
		t.Fatal("expected the original connection to stay registered")
	}
}

func TestResolveInitializeFailure(t *testing.T) {
	t.Parallel()

	f := &transporttest.Factory{Prepare: func(c *transporttest.Conn) { c.InitializeErr = errors.New("ice failed") }}
	r := New(f.New, nil)

	if _, _, err := r.Resolve(context.Background(), offer("chat-x", "v1")); err == nil {
		t.Fatal("expected initialize error")
	}
	if r.Len() != 0 {
		t.Fatal("failed connection must not be registered")
	}
	if f.Conns()[0].Closes.Load() != 1 {
		t.Fatal("failed connection must be closed")
	}
}

func TestResolveRejectsBadOffer(t *testing.T) {
	t.Parallel()

	r := New((&transporttest.Factory{}).New, nil)
	bad := offer("chat-x", "v1")
	bad.Type = "answer"
	if _, _, err := r.Resolve(context.Background(), bad); !errors.Is(err, transport.ErrInvalidOffer) {
		t.Fatalf("expected ErrInvalidOffer for non-offer type, got %v", err)
	}
}

func TestResolveUnparsableOfferKeepsSentinel(t *testing.T) {
	t.Parallel()

	f := &transporttest.Factory{Prepare: func(c *transporttest.Conn) {
		c.InitializeErr = fmt.Errorf("%w: sdp: syntax error", transport.ErrInvalidOffer)
		c.CloseErr = errors.New("already closed")
	}}
	r := New(f.New, nil)

	_, _, err := r.Resolve(context.Background(), offer("chat-x", "garbage"))
	if !errors.Is(err, transport.ErrInvalidOffer) {
		t.Fatalf("expected ErrInvalidOffer, got %v", err)
	}
	if f.Conns()[0].Closes.Load() != 1 || r.Len() != 0 {
		t.Fatal("rejected connection must be closed and not registered")
	}
}

func TestResolveReplacesStaleConnectionDespiteCloseError(t *testing.T) {
	t.Parallel()

	f := &transporttest.Factory{}
	r := New(f.New, nil)
	ctx := context.Background()

	first, _, _ := r.Resolve(ctx, offer("chat-x", "v1"))
	stale := first.(*transporttest.Conn)
	stale.RenegotiateErr = transport.ErrClosed
	stale.CloseErr = errors.New("transport already gone")

	second, created, err := r.Resolve(ctx, offer("chat-x", "v2"))
	if err != nil || !created || second.ID() == first.ID() {
		t.Fatalf("expected fresh connection, created=%v err=%v", created, err)
	}
	if r.Get("chat-x").ID() != second.ID() {
		t.Fatal("expected the new connection to be registered")
	}
}

func TestClosedEventEvicts(t *testing.T) {
	t.Parallel()

	f := &transporttest.Factory{}
	r := New(f.New, nil)
	conn, _, _ := r.Resolve(context.Background(), offer("chat-x", "v1"))

	_ = conn.Close()
	if r.Len() != 0 || r.Get("chat-x") != nil {
		t.Fatal("expected closed connection to be evicted")
	}
}

func TestStaleEvictionIsNoop(t *testing.T) {
	t.Parallel()

	f := &transporttest.Factory{}
	r := New(f.New, nil)
	ctx := context.Background()

	first, _, _ := r.Resolve(ctx, offer("chat-x", "v1"))
	first.(*transporttest.Conn).MarkClosed()
	second, _, _ := r.Resolve(ctx, offer("chat-x", "v2"))

	r.Evict(first.ID())
	if got := r.Get("chat-x"); got == nil || got.ID() != second.ID() {
		t.Fatal("stale eviction removed the fresh connection")
	}
}

func TestConcurrentResolveCreatesOneConnection(t *testing.T) {
	t.Parallel()

	f := &transporttest.Factory{}
	r := New(f.New, nil)

	var wg sync.WaitGroup
	var mu sync.Mutex
	ids := make(map[string]struct{})
	created := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, c, err := r.Resolve(context.Background(), offer("chat-x", "v"))
			if err != nil {
				t.Errorf("Resolve failed: %v", err)
				return
			}
			mu.Lock()
			ids[conn.ID()] = struct{}{}
			if c {
				created++
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(ids) != 1 || created != 1 {
		t.Fatalf("expected one connection, got ids=%d created=%d", len(ids), created)
	}
}

func TestCloseAllAttemptsEveryEntry(t *testing.T) {
	t.Parallel()

	failing := errors.New("close failed")
	n := 0
	f := &transporttest.Factory{Prepare: func(c *transporttest.Conn) {
		n++
		if n%2 == 0 {
			c.CloseErr = failing
		}
	}}
	r := New(f.New, nil)
	ctx := context.Background()
	for _, chat := range []string{"a", "b", "c", "d"} {
		if _, _, err := r.Resolve(ctx, offer(chat, "v")); err != nil {
			t.Fatalf("Resolve failed: %v", err)
		}
	}

	err := r.CloseAll(ctx)
	if !errors.Is(err, failing) {
		t.Fatalf("expected joined close errors, got %v", err)
	}
	for _, c := range f.Conns() {
		if c.Closes.Load() != 1 {
			t.Fatalf("connection %s closed %d times", c.ID(), c.Closes.Load())
		}
	}
	if r.Len() != 0 {
		t.Fatal("expected registry to be cleared")
	}
	if err := r.CloseAll(ctx); err != nil {
		t.Fatalf("second CloseAll should be a no-op, got %v", err)
	}
}
