// Package protocol defines the JSON wire frames exchanged between a
// session's duplex stream and the room coordinator.
package protocol

// Handshake is the only valid first client frame for an Unnamed session.
type Handshake struct {
	Name string `json:"name"`
}

// ReplyTo is the optional thread-parent reference on an inbound message.
type ReplyTo struct {
	MessageID string `json:"messageId"`
	Username  string `json:"username"`
	Preview   string `json:"preview"`
}

// Inbound is a client-to-server frame once a session is Ready. Name is
// also accepted here so a single decode covers both handshake and
// message frames; the ingress state machine inspects which fields are
// set to decide how to route it.
type Inbound struct {
	Name      string   `json:"name,omitempty"`
	Message   string   `json:"message,omitempty"`
	MessageID string   `json:"messageId,omitempty"`
	ReplyTo   *ReplyTo `json:"replyTo,omitempty"`
	Channel   string   `json:"channel,omitempty"`
}

// ThreadInfo summarizes a message's reply count for a threadUpdate frame.
type ThreadInfo struct {
	ReplyCount int `json:"replyCount"`
}

// BroadcastMessage is the server-to-client shape of a persisted message.
type BroadcastMessage struct {
	Name       string      `json:"name"`
	Message    string      `json:"message"`
	Timestamp  int64       `json:"timestamp"`
	MessageID  string      `json:"messageId"`
	Channel    string      `json:"channel"`
	ReplyTo    *ReplyTo    `json:"replyTo,omitempty"`
	EditedAt   *int64      `json:"editedAt,omitempty"`
	ThreadInfo *ThreadInfo `json:"threadInfo,omitempty"`
}

// Ready acknowledges a successful handshake.
type Ready struct {
	Ready bool `json:"ready"`
}

// Joined announces a session's transition to Ready.
type Joined struct {
	Joined string `json:"joined"`
}

// Quit announces a session leaving (reaped or closed cleanly).
type Quit struct {
	Quit string `json:"quit"`
}

// ErrorFrame is a non-fatal, per-session error notice.
type ErrorFrame struct {
	Error string `json:"error"`
}

// MessageDeleted announces a message's removal.
type MessageDeleted struct {
	MessageDeleted string `json:"messageDeleted"`
}

// EditedPayload is the body of a messageEdited frame.
type EditedPayload struct {
	MessageID string `json:"messageId"`
	Message   string `json:"message"`
	EditedAt  int64  `json:"editedAt"`
}

// MessageEdited announces a text mutation.
type MessageEdited struct {
	MessageEdited EditedPayload `json:"messageEdited"`
}

// ThreadUpdatePayload is the body of a threadUpdate frame.
type ThreadUpdatePayload struct {
	MessageID  string     `json:"messageId"`
	ThreadInfo ThreadInfo `json:"threadInfo"`
}

// ThreadUpdate announces a reply-count change on a parent message.
type ThreadUpdate struct {
	ThreadUpdate ThreadUpdatePayload `json:"threadUpdate"`
}

// RoomInfoPayload carries the room's display name and note.
type RoomInfoPayload struct {
	Name string `json:"name"`
	Note string `json:"note"`
}

// RoomInfoUpdate announces a room metadata change.
type RoomInfoUpdate struct {
	RoomInfoUpdate RoomInfoPayload `json:"roomInfoUpdate"`
}

// DestructionUpdatePayload carries one of three destruction phases: an
// in-progress countdown, a cancellation, or the terminal event. Only the
// fields relevant to the phase are populated.
type DestructionUpdatePayload struct {
	Countdown       int64 `json:"countdown,omitempty"`
	DestructionTime int64 `json:"destructionTime,omitempty"`
	Cancelled       bool  `json:"cancelled,omitempty"`
	RoomDestroyed   bool  `json:"roomDestroyed,omitempty"`
}

// DestructionUpdate announces a destruction lifecycle event.
type DestructionUpdate struct {
	DestructionUpdate DestructionUpdatePayload `json:"destructionUpdate"`
}

// ReactionPayload identifies one reaction on one message.
type ReactionPayload struct {
	MessageID string `json:"messageId"`
	Username  string `json:"username"`
	Emoji     string `json:"emoji"`
}

// ReactionAdded announces a reaction was attached to a message.
type ReactionAdded struct {
	ReactionAdded ReactionPayload `json:"reactionAdded"`
}

// ReactionRemoved announces a reaction was removed from a message.
type ReactionRemoved struct {
	ReactionRemoved ReactionPayload `json:"reactionRemoved"`
}

// PinPayload identifies one pin on one message within a channel.
type PinPayload struct {
	MessageID string `json:"messageId"`
	Channel   string `json:"channel"`
}

// PinAdded announces a message was pinned within a channel.
type PinAdded struct {
	PinAdded PinPayload `json:"pinAdded"`
}

// PinRemoved announces a message was unpinned from a channel.
type PinRemoved struct {
	PinRemoved PinPayload `json:"pinRemoved"`
}
