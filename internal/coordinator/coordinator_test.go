package coordinator

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"roomcoordinator/server/internal/ratelimit"
	"roomcoordinator/server/internal/store"
)

type fakeConn struct {
	closed bool
}

func (f *fakeConn) WriteMessage(int, []byte) error { return nil }
func (f *fakeConn) Close() error                   { f.closed = true; return nil }

func drainAll(s *Session) []string {
	var out []string
	for {
		select {
		case b, ok := <-s.send:
			if !ok {
				return out
			}
			out = append(out, string(b))
		default:
			return out
		}
	}
}

func newTestCoordinator(t *testing.T) *Coordinator {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "room.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	c, err := New("test-room", st, nil, ratelimit.New(nil), nil)
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func handshake(t *testing.T, c *Coordinator, s *Session, name string) {
	t.Helper()
	raw, _ := json.Marshal(map[string]string{"name": name})
	c.OnInboundFrame(s, raw)
}

func sendMessage(t *testing.T, c *Coordinator, s *Session, text, channel string) {
	t.Helper()
	raw, _ := json.Marshal(map[string]string{"message": text, "channel": channel})
	c.OnInboundFrame(s, raw)
}

func TestHandshakePromotesAndFlushesRoster(t *testing.T) {
	c := newTestCoordinator(t)

	alice := c.AcceptStream(&fakeConn{}, "1.1.1.1")
	handshake(t, c, alice, "alice")
	aliceFrames := drainAll(alice)
	if len(aliceFrames) != 1 || aliceFrames[0] != `{"ready":true}` {
		t.Fatalf("expected alice to receive only ready:true, got %v", aliceFrames)
	}

	bob := c.AcceptStream(&fakeConn{}, "2.2.2.2")
	// bob's queued roster should contain {joined:"alice"} before promotion.
	handshake(t, c, bob, "bob")
	bobFrames := drainAll(bob)
	if len(bobFrames) != 2 || bobFrames[0] != `{"joined":"alice"}` || bobFrames[1] != `{"ready":true}` {
		t.Fatalf("expected bob to see queued roster then ready, got %v", bobFrames)
	}

	aliceFrames = drainAll(alice)
	if len(aliceFrames) != 1 || aliceFrames[0] != `{"joined":"bob"}` {
		t.Fatalf("expected alice to observe bob joining, got %v", aliceFrames)
	}
}

func TestMonotonicTimestamps(t *testing.T) {
	c := newTestCoordinator(t)
	alice := c.AcceptStream(&fakeConn{}, "1.1.1.1")
	handshake(t, c, alice, "alice")
	drainAll(alice)

	var last int64
	for i := 0; i < 20; i++ {
		sendMessage(t, c, alice, "hi", "general")
		frames := drainAll(alice)
		if len(frames) != 1 {
			t.Fatalf("expected exactly one broadcast frame, got %v", frames)
		}
		var msg struct {
			Timestamp int64 `json:"timestamp"`
		}
		if err := json.Unmarshal([]byte(frames[0]), &msg); err != nil {
			t.Fatalf("unmarshal broadcast: %v", err)
		}
		if msg.Timestamp <= last {
			t.Fatalf("timestamp did not strictly increase: prev=%d cur=%d", last, msg.Timestamp)
		}
		last = msg.Timestamp
	}
}

func TestOwnershipGatedEditAndDelete(t *testing.T) {
	c := newTestCoordinator(t)
	alice := c.AcceptStream(&fakeConn{}, "1.1.1.1")
	handshake(t, c, alice, "alice")
	drainAll(alice)

	sendMessage(t, c, alice, "hello world", "general")
	frames := drainAll(alice)
	var msg struct {
		MessageID string `json:"messageId"`
	}
	_ = json.Unmarshal([]byte(frames[0]), &msg)

	ctx := context.Background()
	if err := c.EditMessage(ctx, msg.MessageID, "bob", "hacked"); err == nil {
		t.Fatal("expected forbidden error editing someone else's message")
	} else if e, ok := err.(*Error); !ok || e.Kind != KindForbidden {
		t.Fatalf("expected Forbidden, got %v", err)
	}

	if err := c.EditMessage(ctx, msg.MessageID, "alice", "edited text"); err != nil {
		t.Fatalf("expected alice's own edit to succeed: %v", err)
	}
	drainAll(alice)

	if err := c.DeleteMessage(ctx, msg.MessageID, "bob"); err == nil {
		t.Fatal("expected forbidden error deleting someone else's message")
	}
	if err := c.DeleteMessage(ctx, msg.MessageID, "alice"); err != nil {
		t.Fatalf("expected alice's own delete to succeed: %v", err)
	}

	if _, err := c.store.GetMessage(ctx, msg.MessageID); err != store.ErrNotFound {
		t.Fatalf("expected message to be gone after delete, got %v", err)
	}
}

func TestReactionAddAndRemoveBroadcast(t *testing.T) {
	c := newTestCoordinator(t)
	alice := c.AcceptStream(&fakeConn{}, "1.1.1.1")
	handshake(t, c, alice, "alice")
	drainAll(alice)

	sendMessage(t, c, alice, "hello", "general")
	frames := drainAll(alice)
	var msg struct {
		MessageID string `json:"messageId"`
	}
	_ = json.Unmarshal([]byte(frames[0]), &msg)

	ctx := context.Background()
	if err := c.AddReaction(ctx, msg.MessageID, "bob", "👍"); err != nil {
		t.Fatalf("add reaction: %v", err)
	}
	added := drainAll(alice)
	if len(added) != 1 || !strings.Contains(added[0], `"reactionAdded"`) {
		t.Fatalf("expected a reactionAdded broadcast, got %v", added)
	}

	if err := c.RemoveReaction(ctx, msg.MessageID, "bob", "👍"); err != nil {
		t.Fatalf("remove reaction: %v", err)
	}
	removed := drainAll(alice)
	if len(removed) != 1 || !strings.Contains(removed[0], `"reactionRemoved"`) {
		t.Fatalf("expected a reactionRemoved broadcast, got %v", removed)
	}
}

func TestPinAndUnpinBroadcastAndRejectMissingMessage(t *testing.T) {
	c := newTestCoordinator(t)
	alice := c.AcceptStream(&fakeConn{}, "1.1.1.1")
	handshake(t, c, alice, "alice")
	drainAll(alice)

	sendMessage(t, c, alice, "pin me", "general")
	frames := drainAll(alice)
	var msg struct {
		MessageID string `json:"messageId"`
	}
	_ = json.Unmarshal([]byte(frames[0]), &msg)

	ctx := context.Background()
	if err := c.PinMessage(ctx, msg.MessageID, "general"); err != nil {
		t.Fatalf("pin message: %v", err)
	}
	pinned := drainAll(alice)
	if len(pinned) != 1 || !strings.Contains(pinned[0], `"pinAdded"`) {
		t.Fatalf("expected a pinAdded broadcast, got %v", pinned)
	}

	if err := c.UnpinMessage(ctx, msg.MessageID, "general"); err != nil {
		t.Fatalf("unpin message: %v", err)
	}
	unpinned := drainAll(alice)
	if len(unpinned) != 1 || !strings.Contains(unpinned[0], `"pinRemoved"`) {
		t.Fatalf("expected a pinRemoved broadcast, got %v", unpinned)
	}

	if err := c.PinMessage(ctx, "does-not-exist", "general"); err == nil {
		t.Fatal("expected error pinning a nonexistent message")
	} else if e, ok := err.(*Error); !ok || e.Kind != KindNotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestPinRejectsOversizedChannel(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()
	if err := c.PinMessage(ctx, "m1", strings.Repeat("c", 101)); err == nil {
		t.Fatal("expected error pinning with a channel name over 100 chars")
	} else if e, ok := err.(*Error); !ok || e.Kind != KindInvalidArgument {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}
}

func TestMessageTextLengthBoundary(t *testing.T) {
	c := newTestCoordinator(t)
	alice := c.AcceptStream(&fakeConn{}, "1.1.1.1")
	handshake(t, c, alice, "alice")
	drainAll(alice)

	sendMessage(t, c, alice, strings.Repeat("a", maxTextLen), "general")
	if frames := drainAll(alice); len(frames) != 1 || !strings.Contains(frames[0], `"message"`) {
		t.Fatalf("expected a message exactly at the length limit to be accepted, got %v", frames)
	}

	sendMessage(t, c, alice, strings.Repeat("a", maxTextLen+1), "general")
	frames := drainAll(alice)
	if len(frames) != 1 || !strings.Contains(frames[0], `"error"`) {
		t.Fatalf("expected a message one over the length limit to be rejected, got %v", frames)
	}
}

func TestChannelNameLengthBoundary(t *testing.T) {
	c := newTestCoordinator(t)
	alice := c.AcceptStream(&fakeConn{}, "1.1.1.1")
	handshake(t, c, alice, "alice")
	drainAll(alice)

	sendMessage(t, c, alice, "hi", strings.Repeat("c", maxChannelLen))
	if frames := drainAll(alice); len(frames) != 1 || !strings.Contains(frames[0], `"message"`) {
		t.Fatalf("expected a channel name exactly at the length limit to be accepted, got %v", frames)
	}

	sendMessage(t, c, alice, "hi", strings.Repeat("c", maxChannelLen+1))
	frames := drainAll(alice)
	if len(frames) != 1 || !strings.Contains(frames[0], `"error"`) {
		t.Fatalf("expected a channel name one over the length limit to be rejected, got %v", frames)
	}
}

func TestDestructionCountdownBoundary(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()

	if err := c.StartDestruction(ctx, minCountdownSec); err != nil {
		t.Fatalf("expected minimum countdown to be accepted: %v", err)
	}
	if err := c.StartDestruction(ctx, minCountdownSec-1); err == nil {
		t.Fatal("expected a countdown below the minimum to be rejected")
	} else if e, ok := err.(*Error); !ok || e.Kind != KindInvalidArgument {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}

	if err := c.StartDestruction(ctx, maxCountdownSec); err != nil {
		t.Fatalf("expected maximum countdown to be accepted: %v", err)
	}
	if err := c.StartDestruction(ctx, maxCountdownSec+1); err == nil {
		t.Fatal("expected a countdown above the maximum to be rejected")
	} else if e, ok := err.(*Error); !ok || e.Kind != KindInvalidArgument {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}
}

func TestDestructionClearsState(t *testing.T) {
	c := newTestCoordinator(t)
	alice := c.AcceptStream(&fakeConn{}, "1.1.1.1")
	handshake(t, c, alice, "alice")
	drainAll(alice)
	sendMessage(t, c, alice, "hello", "general")
	drainAll(alice)

	ctx := context.Background()
	c.ExecuteDestruction(ctx)

	export, err := c.ExportAll(ctx)
	if err != nil {
		t.Fatalf("export after destruction: %v", err)
	}
	if len(export.Messages) != 0 {
		t.Fatalf("expected zero messages after destruction, got %d", len(export.Messages))
	}

	frames := drainAll(alice)
	found := false
	for _, f := range frames {
		if f == `{"destructionUpdate":{"roomDestroyed":true}}` {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a roomDestroyed frame, got %v", frames)
	}
}
