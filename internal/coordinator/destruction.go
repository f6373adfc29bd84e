package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"roomcoordinator/server/internal/protocol"
	"roomcoordinator/server/internal/store"
)

const destructionTickInterval = 1 * time.Second

// destructionState tracks the cancelable background timer for a pending
// destruction, so a second StartDestruction call can idempotently replace
// the first.
type destructionState struct {
	cancel context.CancelFunc
}

// StartDestruction schedules the room's self-destruction after
// countdownSeconds, broadcasting a countdown update once per second.
// Calling it again before the timer fires idempotently replaces the prior
// schedule.
func (c *Coordinator) StartDestruction(ctx context.Context, countdownSeconds int64) error {
	if countdownSeconds < minCountdownSec || countdownSeconds > maxCountdownSec {
		return newError(KindInvalidArgument, "countdownSeconds must be between 10 and 86400")
	}

	var opErr error
	c.do(func() {
		c.cancelDestructionLocked()
		destructionTime := time.Now().UnixMilli() + countdownSeconds*1000
		if err := c.store.SetMetadata(ctx, "destruction-time", strconv.FormatInt(destructionTime, 10)); err != nil {
			opErr = newError(KindInternal, err.Error())
			return
		}
		_ = c.store.AppendAuditLog(ctx, "start_destruction", "", strconv.FormatInt(destructionTime, 10))
		c.broadcastCountdownLocked(destructionTime)
		c.scheduleDestructionLocked(destructionTime)
	})
	return opErr
}

// CancelDestruction clears a pending destruction. Idempotent: canceling
// with nothing scheduled is a no-op beyond the broadcast.
func (c *Coordinator) CancelDestruction(ctx context.Context) error {
	var opErr error
	c.do(func() {
		c.cancelDestructionLocked()
		if err := c.store.DeleteMetadata(ctx, "destruction-time"); err != nil {
			opErr = newError(KindInternal, err.Error())
			return
		}
		_ = c.store.AppendAuditLog(ctx, "cancel_destruction", "", "")
		c.broadcast(protocol.DestructionUpdate{DestructionUpdate: protocol.DestructionUpdatePayload{Cancelled: true}})
	})
	return opErr
}

// ExecuteDestruction is the terminal operation: it closes every session,
// deletes every referenced blob, and clears all persisted room state.
func (c *Coordinator) ExecuteDestruction(ctx context.Context) {
	c.do(func() { c.executeDestructionLocked(ctx) })
}

func (c *Coordinator) cancelDestructionLocked() {
	if c.destruction != nil {
		c.destruction.cancel()
		c.destruction = nil
	}
}

func (c *Coordinator) scheduleDestructionLocked(destructionTime int64) {
	ctx, cancel := context.WithCancel(context.Background())
	c.destruction = &destructionState{cancel: cancel}
	go c.runDestructionTimer(ctx, destructionTime)
}

// runDestructionTimer ticks once per second on its own goroutine, but every
// broadcast or terminal action it takes is submitted back onto the actor
// via do, so the timer never touches room state directly.
func (c *Coordinator) runDestructionTimer(ctx context.Context, destructionTime int64) {
	ticker := time.NewTicker(destructionTickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if time.Now().UnixMilli() >= destructionTime {
				c.do(func() { c.executeDestructionLocked(context.Background()) })
				return
			}
			c.do(func() { c.broadcastCountdownLocked(destructionTime) })
		}
	}
}

func (c *Coordinator) broadcastCountdownLocked(destructionTime int64) {
	remaining := destructionTime - time.Now().UnixMilli()
	if remaining < 0 {
		remaining = 0
	}
	countdown := remaining / 1000
	if remaining%1000 != 0 {
		countdown++
	}
	c.broadcast(protocol.DestructionUpdate{DestructionUpdate: protocol.DestructionUpdatePayload{
		Countdown:       countdown,
		DestructionTime: destructionTime,
	}})
}

func (c *Coordinator) executeDestructionLocked(ctx context.Context) {
	c.cancelDestructionLocked()
	c.broadcast(protocol.DestructionUpdate{DestructionUpdate: protocol.DestructionUpdatePayload{RoomDestroyed: true}})

	for s := range c.sessions {
		s.close()
		delete(c.sessions, s)
	}

	keys, err := c.store.AllFileKeys(ctx)
	if err != nil {
		slog.Error("destruction: list file keys failed", "room", c.RoomID, "err", err)
	}
	for _, key := range keys {
		if c.blobs == nil {
			continue
		}
		if err := c.blobs.Delete(ctx, key); err != nil && !errors.Is(err, store.ErrNotFound) {
			slog.Error("destruction: blob delete failed", "room", c.RoomID, "key", key, "err", err)
		}
	}

	if err := c.store.Reset(ctx); err != nil {
		slog.Error("destruction: reset store failed", "room", c.RoomID, "err", err)
	}
	c.lastTimestamp = 0
	c.metrics.IncDestructions()
	slog.Info("room destroyed", "room", c.RoomID, "blobs_deleted", len(keys))
}

// resumeDestruction consults room_metadata on startup: if a destruction
// was already scheduled and its time has passed, it executes immediately;
// otherwise the countdown timer is reattached.
func (c *Coordinator) resumeDestruction() {
	ctx := context.Background()
	v, ok, err := c.store.GetMetadata(ctx, "destruction-time")
	if err != nil || !ok {
		return
	}
	destructionTime, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return
	}
	if destructionTime <= time.Now().UnixMilli() {
		c.do(func() { c.executeDestructionLocked(ctx) })
		return
	}
	c.do(func() { c.scheduleDestructionLocked(destructionTime) })
}
