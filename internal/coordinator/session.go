package coordinator

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"roomcoordinator/server/internal/ratelimit"
)

// sendTimeout bounds how long a broadcast waits on one slow session before
// treating it as dead, mirroring the teacher's bounded try-send pattern.
const sendTimeout = 5 * time.Second

// Session is one client's live bidirectional stream within a room. It is
// in-memory only: there is nothing here a coordinator needs to persist to
// recover after a restart, because a fresh Session is rebuilt the moment
// the client's connection re-attaches.
type Session struct {
	id        uint64
	conn      streamConn
	username  string // empty means Unnamed
	sourceKey string
	send      chan []byte
	queued    [][]byte
	dead      bool
	gate      *rateGate
	closeOnce sync.Once
}

// streamConn is the minimal duplex-stream surface the coordinator needs;
// satisfied by *websocket.Conn in production and a fake in tests.
type streamConn interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

func newSession(id uint64, conn streamConn, sourceKey string, limiter *ratelimit.Limiter) *Session {
	s := &Session{
		id:        id,
		conn:      conn,
		sourceKey: sourceKey,
		send:      make(chan []byte, 64),
	}
	s.gate = &rateGate{limiter: limiter, sourceKey: sourceKey}
	return s
}

// sendJSON marshals v and either queues it (Unnamed) or delivers it
// (Ready) without blocking the actor goroutine longer than sendTimeout.
func (s *Session) sendJSON(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		slog.Error("marshal outbound frame failed", "session", s.id, "err", err)
		return
	}
	if s.username == "" {
		s.queued = append(s.queued, b)
		return
	}
	s.deliver(b)
}

// deliver attempts a bounded, non-blocking-forever send to the session's
// writer goroutine, marking the session dead on timeout.
func (s *Session) deliver(b []byte) bool {
	select {
	case s.send <- b:
		return true
	case <-time.After(sendTimeout):
		s.dead = true
		return false
	}
}

// Outbox exposes the session's outbound frame channel so the router's
// writer goroutine can drain it; it closes when the session does.
func (s *Session) Outbox() <-chan []byte { return s.send }

func (s *Session) close() {
	s.closeOnce.Do(func() {
		close(s.send)
		_ = s.conn.Close()
	})
}

// rateGate implements the client-side optimistic rate-limiter wrapper:
// the first action in a window passes immediately; while a limiter round
// trip is outstanding, further actions are rejected without a round trip.
type rateGate struct {
	limiter   *ratelimit.Limiter
	sourceKey string

	mu         sync.Mutex
	inCooldown bool
}

// onFatal is invoked when the limiter is unreachable twice in a row within
// one settle() call (the initial attempt and its one reconnect both fail);
// the coordinator wires this to close the owning session.
func (g *rateGate) tryAccept(onFatal func()) bool {
	g.mu.Lock()
	if g.inCooldown {
		g.mu.Unlock()
		return false
	}
	g.inCooldown = true
	g.mu.Unlock()

	go g.settle(onFatal)
	return true
}

func (g *rateGate) settle(onFatal func()) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cooldown, err := g.limiter.CheckAndIncrement(ctx, g.sourceKey)
	if err != nil {
		// Reconnect once, per the spec's client-side wrapper contract.
		cooldown, err = g.limiter.CheckAndIncrement(ctx, g.sourceKey)
	}
	if err != nil {
		if onFatal != nil {
			onFatal()
		}
		g.mu.Lock()
		g.inCooldown = false
		g.mu.Unlock()
		return
	}

	if cooldown > 0 {
		time.Sleep(time.Duration(cooldown * float64(time.Second)))
	}

	g.mu.Lock()
	g.inCooldown = false
	g.mu.Unlock()
}
