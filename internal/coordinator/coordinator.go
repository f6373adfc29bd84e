// Package coordinator implements the RoomCoordinator: the single actor
// that owns one chat room's sessions, message log, thread index, pins,
// and scheduled destruction.
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"roomcoordinator/server/internal/blob"
	"roomcoordinator/server/internal/metrics"
	"roomcoordinator/server/internal/protocol"
	"roomcoordinator/server/internal/ratelimit"
	"roomcoordinator/server/internal/store"
)

const (
	maxUsernameLen  = 32
	maxTextLen      = 6000
	maxChannelLen   = 100
	defaultChannel  = "general"
	maxThreadDepth  = 10
	minCountdownSec = 10
	maxCountdownSec = 86400
)

// Coordinator is a single-threaded cooperative actor owning one room's
// state. Every exported method submits a closure onto the actor's command
// channel and waits for it to run, so all room state is touched from
// exactly one goroutine regardless of how many callers invoke it
// concurrently — the same guarantee a mutex gives, without one.
type Coordinator struct {
	RoomID string

	store   *store.Store
	blobs   *blob.Store
	limiter *ratelimit.Limiter
	metrics *metrics.Collector

	cmds chan func()

	sessions      map[*Session]struct{}
	nextSessionID uint64
	lastTimestamp int64

	destruction *destructionState
}

// New constructs a coordinator for roomID and starts its actor goroutine.
// It resumes any scheduled destruction recorded in room_metadata and seeds
// the monotonic clock floor from the highest persisted message timestamp,
// so a coordinator recreated after a restart never re-assigns a timestamp
// earlier than what's already on disk.
func New(roomID string, st *store.Store, blobs *blob.Store, limiter *ratelimit.Limiter, mcol *metrics.Collector) (*Coordinator, error) {
	floor, err := st.MaxTimestamp(context.Background())
	if err != nil {
		return nil, fmt.Errorf("seed timestamp floor: %w", err)
	}

	c := &Coordinator{
		RoomID:        roomID,
		store:         st,
		blobs:         blobs,
		limiter:       limiter,
		metrics:       mcol,
		cmds:          make(chan func(), 256),
		sessions:      make(map[*Session]struct{}),
		lastTimestamp: floor,
	}
	go c.run()

	c.resumeDestruction()
	return c, nil
}

func (c *Coordinator) run() {
	for cmd := range c.cmds {
		cmd()
	}
}

// do submits fn to the actor and blocks until it has run.
func (c *Coordinator) do(fn func()) {
	done := make(chan struct{})
	c.cmds <- func() {
		fn()
		close(done)
	}
	<-done
}

// Close stops accepting new room traffic and closes every live session.
// It does not delete persisted state (see ExecuteDestruction for that).
func (c *Coordinator) Close() {
	c.do(func() {
		for s := range c.sessions {
			s.close()
			delete(c.sessions, s)
		}
	})
	close(c.cmds)
}

// AcceptStream promotes an accepted duplex connection into a session: it
// allocates the session, captures sourceKey for rate-limiter sharding, and
// queues a {joined: name} roster frame for every already-Ready peer.
func (c *Coordinator) AcceptStream(conn streamConn, sourceKey string) *Session {
	var s *Session
	c.do(func() {
		c.nextSessionID++
		s = newSession(c.nextSessionID, conn, sourceKey, c.limiter)
		for peer := range c.sessions {
			if peer.username != "" {
				s.sendJSON(protocol.Joined{Joined: peer.username})
			}
		}
		c.sessions[s] = struct{}{}
		c.metrics.IncSessionsOpened()
	})
	return s
}

// RemoveSession tears down a session on transport close or send error,
// per the "any -> Dead" row of the ingress state machine.
func (c *Coordinator) RemoveSession(s *Session) {
	c.do(func() { c.reapSession(s) })
}

func (c *Coordinator) reapSession(s *Session) {
	if _, ok := c.sessions[s]; !ok {
		return
	}
	delete(c.sessions, s)
	wasReady := s.username != ""
	s.close()
	c.metrics.IncSessionsClosed()
	if wasReady {
		c.broadcast(protocol.Quit{Quit: s.username})
	}
}

// broadcast fans a frame out to every Ready session, queues it for every
// Unnamed session, and reaps sessions whose send failed.
func (c *Coordinator) broadcast(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		slog.Error("marshal broadcast frame failed", "room", c.RoomID, "err", err)
		return
	}
	c.metrics.IncMessagesBroadcast()
	c.broadcastBytesExcept(nil, b)
}

func (c *Coordinator) broadcastExcept(skip *Session, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		slog.Error("marshal broadcast frame failed", "room", c.RoomID, "err", err)
		return
	}
	c.metrics.IncMessagesBroadcast()
	c.broadcastBytesExcept(skip, b)
}

func (c *Coordinator) broadcastBytesExcept(skip *Session, b []byte) {
	var deadList []*Session
	for s := range c.sessions {
		if s == skip {
			continue
		}
		if s.username == "" {
			s.queued = append(s.queued, b)
			continue
		}
		if !s.deliver(b) {
			deadList = append(deadList, s)
		}
	}
	for _, s := range deadList {
		c.reapSession(s)
	}
}

func (c *Coordinator) sendError(s *Session, msg string) {
	s.sendJSON(protocol.ErrorFrame{Error: msg})
}

// nextTimestamp assigns max(wallClock, lastTimestamp+1), preserving strict
// per-room monotonicity under rapid ingress and backward clock motion.
func (c *Coordinator) nextTimestamp() int64 {
	ts := time.Now().UnixMilli()
	if c.lastTimestamp+1 > ts {
		ts = c.lastTimestamp + 1
	}
	c.lastTimestamp = ts
	return ts
}

// OnInboundFrame runs the ingress state machine for one raw client frame.
// Callers (the per-session reader loop) invoke this synchronously and
// block until the actor has processed it, which serializes a session's own
// frames while still letting other sessions' reader goroutines queue their
// own frames concurrently onto the actor.
func (c *Coordinator) OnInboundFrame(s *Session, raw []byte) {
	c.do(func() { c.handleFrame(s, raw) })
}

func (c *Coordinator) handleFrame(s *Session, raw []byte) {
	var in protocol.Inbound
	if err := json.Unmarshal(raw, &in); err != nil {
		c.sendError(s, "invalid frame")
		return
	}

	if s.username == "" {
		name := strings.TrimSpace(in.Name)
		if name == "" {
			c.sendError(s, "first frame must set a name")
			return
		}
		c.promote(s, name)
		return
	}

	if !s.gate.tryAccept(func() { c.RemoveSession(s) }) {
		c.metrics.IncRateLimited()
		c.sendError(s, "rate-limited")
		return
	}

	if err := validateInbound(in); err != nil {
		c.sendError(s, err.Error())
		return
	}

	c.acceptMessage(s, in)
}

// promote transitions a session from Unnamed to Ready.
func (c *Coordinator) promote(s *Session, name string) {
	if len(name) > maxUsernameLen {
		name = name[:maxUsernameLen]
	}
	s.username = name

	for _, f := range s.queued {
		s.deliver(f)
	}
	s.queued = nil

	c.broadcastExcept(s, protocol.Joined{Joined: name})
	s.sendJSON(protocol.Ready{Ready: true})
}

func validateInbound(in protocol.Inbound) error {
	isFile := strings.HasPrefix(in.Message, "FILE:")
	if len(in.Message) > maxTextLen && !isFile {
		return newError(KindInvalidArgument, "Message too long")
	}
	if len(in.Channel) > maxChannelLen {
		return newError(KindInvalidArgument, "Channel name too long")
	}
	if isFile {
		if len(strings.Split(strings.TrimPrefix(in.Message, "FILE:"), "|")) < 3 {
			return newError(KindInvalidArgument, "Invalid file message format")
		}
	}
	return nil
}

// acceptMessage assigns a timestamp, broadcasts, then persists — the
// spec's documented default ordering (broadcast-before-persist); see
// SPEC_FULL.md's Open Question decisions for the rationale.
func (c *Coordinator) acceptMessage(s *Session, in protocol.Inbound) {
	messageID := strings.TrimSpace(in.MessageID)
	if messageID == "" {
		messageID = uuid.NewString()
	}
	channel := strings.TrimSpace(in.Channel)
	if channel == "" {
		channel = defaultChannel
	}
	timestamp := c.nextTimestamp()

	out := protocol.BroadcastMessage{
		Name:      s.username,
		Message:   in.Message,
		Timestamp: timestamp,
		MessageID: messageID,
		Channel:   channel,
		ReplyTo:   in.ReplyTo,
	}
	c.broadcast(out)
	c.metrics.IncMessagesAccepted()

	ctx := context.Background()
	row := store.Message{
		MessageID: messageID,
		Timestamp: timestamp,
		Username:  s.username,
		Text:      in.Message,
		Channel:   channel,
		CreatedAt: timestamp,
	}
	if in.ReplyTo != nil {
		row.ReplyToID = in.ReplyTo.MessageID
	}
	if err := c.store.InsertMessage(ctx, row); err != nil {
		slog.Error("persist message failed after broadcast", "room", c.RoomID, "message_id", messageID, "err", err)
		c.sendError(s, "message was not saved: "+err.Error())
		return
	}

	if in.ReplyTo != nil && in.ReplyTo.MessageID != "" {
		if err := c.store.AddThreadEdge(ctx, in.ReplyTo.MessageID, messageID, timestamp); err != nil {
			slog.Error("persist thread edge failed", "room", c.RoomID, "parent", in.ReplyTo.MessageID, "err", err)
		} else if count, err := c.store.ThreadReplyCount(ctx, in.ReplyTo.MessageID); err == nil {
			c.broadcast(protocol.ThreadUpdate{ThreadUpdate: protocol.ThreadUpdatePayload{
				MessageID:  in.ReplyTo.MessageID,
				ThreadInfo: protocol.ThreadInfo{ReplyCount: count},
			}})
		}
	}

	if fileKey, ok := parseFileKey(in.Message); ok {
		if err := c.store.AddFileReference(ctx, messageID, fileKey); err != nil {
			slog.Error("persist file reference failed", "room", c.RoomID, "message_id", messageID, "err", err)
		}
	}
}

// parseFileKey extracts the blob key from a "FILE:<url>|<name>|<mime>"
// sentinel, taking the URL's final path segment as the key.
func parseFileKey(text string) (string, bool) {
	if !strings.HasPrefix(text, "FILE:") {
		return "", false
	}
	parts := strings.SplitN(strings.TrimPrefix(text, "FILE:"), "|", 2)
	if len(parts) == 0 || parts[0] == "" {
		return "", false
	}
	url := parts[0]
	if idx := strings.LastIndexByte(url, '/'); idx >= 0 {
		return url[idx+1:], true
	}
	return url, true
}
