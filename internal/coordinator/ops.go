package coordinator

import (
	"context"
	"errors"

	"roomcoordinator/server/internal/protocol"
	"roomcoordinator/server/internal/store"
)

// EditMessage mutates a message's text. Only the original author may edit,
// and FILE: messages may never be edited.
func (c *Coordinator) EditMessage(ctx context.Context, messageID, requestingUsername, newText string) error {
	if len(newText) > maxTextLen {
		return newError(KindInvalidArgument, "Message too long")
	}

	var opErr error
	c.do(func() {
		msg, err := c.store.GetMessage(ctx, messageID)
		if errors.Is(err, store.ErrNotFound) {
			opErr = newError(KindNotFound, "message not found")
			return
		}
		if err != nil {
			opErr = newError(KindInternal, err.Error())
			return
		}
		if msg.Username != requestingUsername {
			opErr = newError(KindForbidden, "You can only edit your own messages")
			return
		}
		if isFileMessage(msg.Text) {
			opErr = newError(KindConflict, "Cannot edit file messages")
			return
		}

		editedAt := c.nextTimestamp()
		if err := c.store.AppendEditHistory(ctx, messageID, msg.Text, editedAt); err != nil {
			opErr = newError(KindInternal, err.Error())
			return
		}
		if err := c.store.UpdateMessageText(ctx, messageID, newText, editedAt); err != nil {
			opErr = newError(KindInternal, err.Error())
			return
		}
		_ = c.store.AppendAuditLog(ctx, "edit_message", requestingUsername, messageID)

		c.broadcast(protocol.MessageEdited{MessageEdited: protocol.EditedPayload{
			MessageID: messageID,
			Message:   newText,
			EditedAt:  editedAt,
		}})
	})
	return opErr
}

// DeleteMessage removes a message and every row that references it. The
// message's replies survive with a now-dangling replyToId.
func (c *Coordinator) DeleteMessage(ctx context.Context, messageID, requestingUsername string) error {
	var opErr error
	c.do(func() {
		msg, err := c.store.GetMessage(ctx, messageID)
		if errors.Is(err, store.ErrNotFound) {
			opErr = newError(KindNotFound, "message not found")
			return
		}
		if err != nil {
			opErr = newError(KindInternal, err.Error())
			return
		}
		if msg.Username != requestingUsername {
			opErr = newError(KindForbidden, "You can only delete your own messages")
			return
		}

		if err := c.store.DeleteMessageCascade(ctx, messageID); err != nil {
			opErr = newError(KindInternal, err.Error())
			return
		}
		_ = c.store.AppendAuditLog(ctx, "delete_message", requestingUsername, messageID)

		c.broadcast(protocol.MessageDeleted{MessageDeleted: messageID})
	})
	return opErr
}

// GetThreadReplies returns direct replies (nested=false) or a bounded-depth
// transitive closure of replies (nested=true), ascending by timestamp.
func (c *Coordinator) GetThreadReplies(ctx context.Context, messageID string, nested bool) ([]store.Message, error) {
	var (
		out []store.Message
		err error
	)
	c.do(func() {
		if nested {
			out, err = c.store.NestedReplies(ctx, messageID, maxThreadDepth)
		} else {
			out, err = c.store.DirectReplies(ctx, messageID)
		}
	})
	if err != nil {
		return nil, newError(KindInternal, err.Error())
	}
	return out, nil
}

// ListChannelMessages returns the most recent `limit` messages in channel,
// in chronological order.
func (c *Coordinator) ListChannelMessages(ctx context.Context, channel string, limit int) ([]store.Message, error) {
	var (
		out []store.Message
		err error
	)
	c.do(func() { out, err = c.store.ListChannelMessages(ctx, channel, limit) })
	if err != nil {
		return nil, newError(KindInternal, err.Error())
	}
	return out, nil
}

// ListChannels groups messages by channel, descending by last-used time,
// capped at 100.
func (c *Coordinator) ListChannels(ctx context.Context) ([]store.ChannelStat, error) {
	var (
		out []store.ChannelStat
		err error
	)
	c.do(func() { out, err = c.store.ListChannels(ctx, 100) })
	if err != nil {
		return nil, newError(KindInternal, err.Error())
	}
	return out, nil
}

// SearchChannels is ListChannels filtered by a channel-name prefix, capped
// at 20.
func (c *Coordinator) SearchChannels(ctx context.Context, prefix string) ([]store.ChannelStat, error) {
	var (
		out []store.ChannelStat
		err error
	)
	c.do(func() { out, err = c.store.SearchChannels(ctx, prefix, 20) })
	if err != nil {
		return nil, newError(KindInternal, err.Error())
	}
	return out, nil
}

// UpdateRoomInfo upserts the room's display name and/or note.
func (c *Coordinator) UpdateRoomInfo(ctx context.Context, name, note *string) error {
	var opErr error
	c.do(func() {
		if name != nil {
			if err := c.store.SetMetadata(ctx, "name", *name); err != nil {
				opErr = newError(KindInternal, err.Error())
				return
			}
		}
		if note != nil {
			if err := c.store.SetMetadata(ctx, "note", *note); err != nil {
				opErr = newError(KindInternal, err.Error())
				return
			}
		}
		storedName, _, _ := c.store.GetMetadata(ctx, "name")
		storedNote, _, _ := c.store.GetMetadata(ctx, "note")
		c.broadcast(protocol.RoomInfoUpdate{RoomInfoUpdate: protocol.RoomInfoPayload{Name: storedName, Note: storedNote}})
	})
	return opErr
}

// GetRoomInfo returns the room's display name and note.
func (c *Coordinator) GetRoomInfo(ctx context.Context) (name, note string, err error) {
	c.do(func() {
		name, _, _ = c.store.GetMetadata(ctx, "name")
		note, _, _ = c.store.GetMetadata(ctx, "note")
	})
	return name, note, nil
}

// RoomExport is the administrative dump returned by ExportAll.
type RoomExport struct {
	RoomInfo map[string]string `json:"roomInfo"`
	Messages []store.Message   `json:"messages"`
}

// ExportAll returns the room's metadata and every message, ascending by
// timestamp.
func (c *Coordinator) ExportAll(ctx context.Context) (RoomExport, error) {
	var (
		out RoomExport
		err error
	)
	c.do(func() { out.RoomInfo, out.Messages, err = c.store.ExportAll(ctx) })
	if err != nil {
		return RoomExport{}, newError(KindInternal, err.Error())
	}
	return out, nil
}

// AddReaction attaches an emoji reaction to a message.
func (c *Coordinator) AddReaction(ctx context.Context, messageID, username, emoji string) error {
	var opErr error
	c.do(func() {
		if err := c.store.AddReaction(ctx, messageID, username, emoji); err != nil {
			opErr = newError(KindInternal, err.Error())
			return
		}
		c.broadcast(protocol.ReactionAdded{ReactionAdded: protocol.ReactionPayload{
			MessageID: messageID, Username: username, Emoji: emoji,
		}})
	})
	return opErr
}

// RemoveReaction detaches an emoji reaction from a message.
func (c *Coordinator) RemoveReaction(ctx context.Context, messageID, username, emoji string) error {
	var opErr error
	c.do(func() {
		if err := c.store.RemoveReaction(ctx, messageID, username, emoji); err != nil {
			opErr = newError(KindInternal, err.Error())
			return
		}
		c.broadcast(protocol.ReactionRemoved{ReactionRemoved: protocol.ReactionPayload{
			MessageID: messageID, Username: username, Emoji: emoji,
		}})
	})
	return opErr
}

// PinMessage pins a message within a channel. The message must exist;
// pinning is independent of authorship, matching the spec's Pin entity
// (separate from the message it marks).
func (c *Coordinator) PinMessage(ctx context.Context, messageID, channel string) error {
	if len(channel) > maxChannelLen {
		return newError(KindInvalidArgument, "Channel name too long")
	}

	var opErr error
	c.do(func() {
		if _, err := c.store.GetMessage(ctx, messageID); errors.Is(err, store.ErrNotFound) {
			opErr = newError(KindNotFound, "message not found")
			return
		} else if err != nil {
			opErr = newError(KindInternal, err.Error())
			return
		}

		if err := c.store.AddPin(ctx, messageID, channel, c.nextTimestamp()); err != nil {
			opErr = newError(KindInternal, err.Error())
			return
		}
		_ = c.store.AppendAuditLog(ctx, "pin_message", "", messageID)

		c.broadcast(protocol.PinAdded{PinAdded: protocol.PinPayload{
			MessageID: messageID, Channel: channel,
		}})
	})
	return opErr
}

// UnpinMessage removes a pin from a message within a channel; unpinning
// does not delete the message itself.
func (c *Coordinator) UnpinMessage(ctx context.Context, messageID, channel string) error {
	var opErr error
	c.do(func() {
		if err := c.store.RemovePin(ctx, messageID, channel); err != nil {
			opErr = newError(KindInternal, err.Error())
			return
		}
		_ = c.store.AppendAuditLog(ctx, "unpin_message", "", messageID)

		c.broadcast(protocol.PinRemoved{PinRemoved: protocol.PinPayload{
			MessageID: messageID, Channel: channel,
		}})
	})
	return opErr
}

func isFileMessage(text string) bool {
	return len(text) >= 5 && text[:5] == "FILE:"
}
