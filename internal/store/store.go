// Package store persists one room's authoritative state in a dedicated
// SQLite database, following the design notes' "one SQLite file per room"
// option: each coordinator opens its own database rather than sharing one
// process-wide handle.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a lookup by primary key finds no row.
var ErrNotFound = errors.New("store: not found")

// Store is the SQLite-backed persistence layer for one room.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the room's SQLite database and runs migrations.
func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1) // single-writer, matches the coordinator's single-actor model.

	st := &Store{db: db}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	slog.Info("room store opened", "path", path)
	return st, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `PRAGMA foreign_keys = ON`); err != nil {
		return fmt.Errorf("enable foreign keys: %w", err)
	}

	const schema = `
CREATE TABLE IF NOT EXISTS messages (
	message_id TEXT PRIMARY KEY,
	timestamp INTEGER NOT NULL,
	username TEXT NOT NULL,
	text TEXT NOT NULL,
	channel TEXT NOT NULL,
	reply_to_id TEXT,
	edited_at INTEGER,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_timestamp ON messages(timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_messages_channel_timestamp ON messages(channel, timestamp DESC);

CREATE TABLE IF NOT EXISTS threads (
	parent_message_id TEXT NOT NULL,
	reply_message_id TEXT NOT NULL,
	reply_timestamp INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_threads_parent ON threads(parent_message_id);
CREATE INDEX IF NOT EXISTS idx_threads_reply ON threads(reply_message_id);

CREATE TABLE IF NOT EXISTS edit_history (
	message_id TEXT NOT NULL,
	old_text TEXT NOT NULL,
	edited_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_edit_history_message ON edit_history(message_id);

CREATE TABLE IF NOT EXISTS room_metadata (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS file_references (
	message_id TEXT NOT NULL,
	file_key TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_file_references_message ON file_references(message_id);

CREATE TABLE IF NOT EXISTS pins (
	message_id TEXT NOT NULL,
	channel TEXT NOT NULL,
	pinned_at INTEGER NOT NULL,
	PRIMARY KEY (message_id, channel)
);

CREATE TABLE IF NOT EXISTS reactions (
	message_id TEXT NOT NULL,
	username TEXT NOT NULL,
	emoji TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	UNIQUE(message_id, username, emoji)
);
CREATE INDEX IF NOT EXISTS idx_reactions_message ON reactions(message_id);

CREATE TABLE IF NOT EXISTS audit_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	action TEXT NOT NULL,
	actor TEXT NOT NULL,
	detail TEXT NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS blobs (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	original_name TEXT NOT NULL,
	content_type TEXT NOT NULL,
	disk_name TEXT NOT NULL UNIQUE,
	size_bytes INTEGER NOT NULL CHECK(size_bytes >= 0),
	created_at_unix_ms INTEGER NOT NULL
);
`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("run sqlite migrations: %w", err)
	}
	slog.Debug("room schema migrated")
	return nil
}

// Message is one persisted chat message row.
type Message struct {
	MessageID string `json:"messageId"`
	Timestamp int64  `json:"timestamp"`
	Username  string `json:"username"`
	Text      string `json:"text"`
	Channel   string `json:"channel"`
	ReplyToID string `json:"replyToId,omitempty"` // empty when unset
	EditedAt  int64  `json:"editedAt,omitempty"`  // zero when unset
	CreatedAt int64  `json:"createdAt"`
}

// InsertMessage persists a new message row.
func (s *Store) InsertMessage(ctx context.Context, m Message) error {
	const q = `
INSERT INTO messages (message_id, timestamp, username, text, channel, reply_to_id, edited_at, created_at)
VALUES (?, ?, ?, ?, ?, NULLIF(?, ''), NULLIF(?, 0), ?)
`
	_, err := s.db.ExecContext(ctx, q, m.MessageID, m.Timestamp, m.Username, m.Text, m.Channel, m.ReplyToID, m.EditedAt, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	slog.Debug("message persisted", "message_id", m.MessageID, "channel", m.Channel, "timestamp", m.Timestamp)
	return nil
}

func scanMessage(row interface{ Scan(...any) error }) (Message, error) {
	var (
		m         Message
		replyToID sql.NullString
		editedAt  sql.NullInt64
	)
	if err := row.Scan(&m.MessageID, &m.Timestamp, &m.Username, &m.Text, &m.Channel, &replyToID, &editedAt, &m.CreatedAt); err != nil {
		return Message{}, err
	}
	m.ReplyToID = replyToID.String
	m.EditedAt = editedAt.Int64
	return m, nil
}

const messageColumns = `message_id, timestamp, username, text, channel, reply_to_id, edited_at, created_at`

// GetMessage looks up a message by ID.
func (s *Store) GetMessage(ctx context.Context, messageID string) (Message, error) {
	q := `SELECT ` + messageColumns + ` FROM messages WHERE message_id = ?`
	m, err := scanMessage(s.db.QueryRowContext(ctx, q, messageID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Message{}, ErrNotFound
		}
		return Message{}, fmt.Errorf("query message: %w", err)
	}
	return m, nil
}

// UpdateMessageText overwrites a message's text and editedAt timestamp.
func (s *Store) UpdateMessageText(ctx context.Context, messageID, newText string, editedAt int64) error {
	const q = `UPDATE messages SET text = ?, edited_at = ? WHERE message_id = ?`
	res, err := s.db.ExecContext(ctx, q, newText, editedAt, messageID)
	if err != nil {
		return fmt.Errorf("update message text: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendEditHistory records the pre-edit text.
func (s *Store) AppendEditHistory(ctx context.Context, messageID, oldText string, editedAt int64) error {
	const q = `INSERT INTO edit_history (message_id, old_text, edited_at) VALUES (?, ?, ?)`
	_, err := s.db.ExecContext(ctx, q, messageID, oldText, editedAt)
	if err != nil {
		return fmt.Errorf("append edit history: %w", err)
	}
	return nil
}

// DeleteMessageCascade removes a message and every row that references it:
// edit history, thread edges (as either parent or reply), file references,
// and pins.
func (s *Store) DeleteMessageCascade(ctx context.Context, messageID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete tx: %w", err)
	}
	defer tx.Rollback()

	stmts := []struct {
		query string
		args  []any
	}{
		{`DELETE FROM edit_history WHERE message_id = ?`, []any{messageID}},
		{`DELETE FROM threads WHERE parent_message_id = ? OR reply_message_id = ?`, []any{messageID, messageID}},
		{`DELETE FROM file_references WHERE message_id = ?`, []any{messageID}},
		{`DELETE FROM pins WHERE message_id = ?`, []any{messageID}},
		{`DELETE FROM reactions WHERE message_id = ?`, []any{messageID}},
		{`DELETE FROM messages WHERE message_id = ?`, []any{messageID}},
	}
	for _, st := range stmts {
		if _, err := tx.ExecContext(ctx, st.query, st.args...); err != nil {
			return fmt.Errorf("cascade delete: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete tx: %w", err)
	}
	slog.Debug("message cascade-deleted", "message_id", messageID)
	return nil
}

// AddThreadEdge records a reply edge.
func (s *Store) AddThreadEdge(ctx context.Context, parentMessageID, replyMessageID string, replyTimestamp int64) error {
	const q = `INSERT INTO threads (parent_message_id, reply_message_id, reply_timestamp) VALUES (?, ?, ?)`
	_, err := s.db.ExecContext(ctx, q, parentMessageID, replyMessageID, replyTimestamp)
	if err != nil {
		return fmt.Errorf("insert thread edge: %w", err)
	}
	return nil
}

// ThreadReplyCount returns the number of direct replies to a message.
func (s *Store) ThreadReplyCount(ctx context.Context, parentMessageID string) (int, error) {
	const q = `SELECT COUNT(*) FROM threads WHERE parent_message_id = ?`
	var n int
	if err := s.db.QueryRowContext(ctx, q, parentMessageID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count thread replies: %w", err)
	}
	return n, nil
}

// DirectReplies returns direct replies to a message, ascending by timestamp.
func (s *Store) DirectReplies(ctx context.Context, parentMessageID string) ([]Message, error) {
	q := `
SELECT ` + messageColumns + `
FROM messages
WHERE message_id IN (SELECT reply_message_id FROM threads WHERE parent_message_id = ?)
ORDER BY timestamp ASC
`
	rows, err := s.db.QueryContext(ctx, q, parentMessageID)
	if err != nil {
		return nil, fmt.Errorf("query direct replies: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// NestedReplies returns the transitive closure of replies to a message, up
// to maxDepth levels, ascending by timestamp. The graph is a DAG by
// construction (a reply always references an already-existing parent), so
// a breadth-first walk bounded by maxDepth cannot cycle.
func (s *Store) NestedReplies(ctx context.Context, rootMessageID string, maxDepth int) ([]Message, error) {
	seen := map[string]bool{rootMessageID: true}
	frontier := []string{rootMessageID}
	var out []Message

	for depth := 0; depth < maxDepth && len(frontier) > 0; depth++ {
		var next []string
		for _, parent := range frontier {
			children, err := s.DirectReplies(ctx, parent)
			if err != nil {
				return nil, err
			}
			for _, c := range children {
				if seen[c.MessageID] {
					continue
				}
				seen[c.MessageID] = true
				out = append(out, c)
				next = append(next, c.MessageID)
			}
		}
		frontier = next
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out, nil
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// ListChannelMessages returns the most recent `limit` messages in a
// channel, queried newest-first then reversed into chronological order.
func (s *Store) ListChannelMessages(ctx context.Context, channel string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `
SELECT ` + messageColumns + `
FROM messages
WHERE channel = ?
ORDER BY timestamp DESC
LIMIT ?
`
	rows, err := s.db.QueryContext(ctx, q, channel, limit)
	if err != nil {
		return nil, fmt.Errorf("query channel messages: %w", err)
	}
	defer rows.Close()

	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// ChannelStat is one row of a channel listing.
type ChannelStat struct {
	Channel      string
	MessageCount int64
	LastUsed     int64
}

// ListChannels groups messages by channel, descending by last-used time.
func (s *Store) ListChannels(ctx context.Context, limit int) ([]ChannelStat, error) {
	if limit <= 0 {
		limit = 100
	}
	const q = `
SELECT channel, COUNT(*), MAX(timestamp)
FROM messages
GROUP BY channel
ORDER BY MAX(timestamp) DESC
LIMIT ?
`
	return s.queryChannelStats(ctx, q, limit)
}

// SearchChannels is ListChannels filtered by a channel-name prefix.
func (s *Store) SearchChannels(ctx context.Context, prefix string, limit int) ([]ChannelStat, error) {
	if limit <= 0 {
		limit = 20
	}
	const q = `
SELECT channel, COUNT(*), MAX(timestamp)
FROM messages
WHERE channel LIKE ? ESCAPE '\'
GROUP BY channel
ORDER BY MAX(timestamp) DESC
LIMIT ?
`
	escaped := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(prefix)
	return s.queryChannelStats(ctx, q, escaped+"%", limit)
}

func (s *Store) queryChannelStats(ctx context.Context, q string, args ...any) ([]ChannelStat, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query channel stats: %w", err)
	}
	defer rows.Close()

	var out []ChannelStat
	for rows.Next() {
		var c ChannelStat
		if err := rows.Scan(&c.Channel, &c.MessageCount, &c.LastUsed); err != nil {
			return nil, fmt.Errorf("scan channel stat: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// AddFileReference records that a message's text referenced a blob key.
func (s *Store) AddFileReference(ctx context.Context, messageID, fileKey string) error {
	const q = `INSERT INTO file_references (message_id, file_key) VALUES (?, ?)`
	_, err := s.db.ExecContext(ctx, q, messageID, fileKey)
	if err != nil {
		return fmt.Errorf("insert file reference: %w", err)
	}
	return nil
}

// AllFileKeys returns every referenced blob key, for destruction cleanup.
func (s *Store) AllFileKeys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT file_key FROM file_references`)
	if err != nil {
		return nil, fmt.Errorf("query file references: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan file key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// AddPin pins a message within a channel.
func (s *Store) AddPin(ctx context.Context, messageID, channel string, pinnedAt int64) error {
	const q = `INSERT OR REPLACE INTO pins (message_id, channel, pinned_at) VALUES (?, ?, ?)`
	_, err := s.db.ExecContext(ctx, q, messageID, channel, pinnedAt)
	if err != nil {
		return fmt.Errorf("insert pin: %w", err)
	}
	return nil
}

// RemovePin unpins a message from a channel.
func (s *Store) RemovePin(ctx context.Context, messageID, channel string) error {
	const q = `DELETE FROM pins WHERE message_id = ? AND channel = ?`
	_, err := s.db.ExecContext(ctx, q, messageID, channel)
	if err != nil {
		return fmt.Errorf("delete pin: %w", err)
	}
	return nil
}

// SetMetadata upserts a room_metadata key.
func (s *Store) SetMetadata(ctx context.Context, key, value string) error {
	const q = `INSERT INTO room_metadata (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`
	_, err := s.db.ExecContext(ctx, q, key, value)
	if err != nil {
		return fmt.Errorf("set metadata: %w", err)
	}
	return nil
}

// GetMetadata fetches one room_metadata key, returning "", false if unset.
func (s *Store) GetMetadata(ctx context.Context, key string) (string, bool, error) {
	const q = `SELECT value FROM room_metadata WHERE key = ?`
	var v string
	err := s.db.QueryRowContext(ctx, q, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get metadata: %w", err)
	}
	return v, true, nil
}

// DeleteMetadata removes a room_metadata key.
func (s *Store) DeleteMetadata(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM room_metadata WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("delete metadata: %w", err)
	}
	return nil
}

// AllMetadata returns the full room_metadata map.
func (s *Store) AllMetadata(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM room_metadata`)
	if err != nil {
		return nil, fmt.Errorf("query metadata: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan metadata: %w", err)
		}
		out[k] = v
	}
	return out, rows.Err()
}

// AddReaction attaches a reaction to a message (idempotent).
func (s *Store) AddReaction(ctx context.Context, messageID, username, emoji string) error {
	const q = `INSERT OR IGNORE INTO reactions (message_id, username, emoji, created_at) VALUES (?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, q, messageID, username, emoji, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("insert reaction: %w", err)
	}
	return nil
}

// RemoveReaction detaches a reaction from a message.
func (s *Store) RemoveReaction(ctx context.Context, messageID, username, emoji string) error {
	const q = `DELETE FROM reactions WHERE message_id = ? AND username = ? AND emoji = ?`
	_, err := s.db.ExecContext(ctx, q, messageID, username, emoji)
	if err != nil {
		return fmt.Errorf("delete reaction: %w", err)
	}
	return nil
}

// AppendAuditLog records one administrative event.
func (s *Store) AppendAuditLog(ctx context.Context, action, actor, detail string) error {
	const q = `INSERT INTO audit_log (action, actor, detail, created_at) VALUES (?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, q, action, actor, detail, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("append audit log: %w", err)
	}
	return nil
}

// MaxTimestamp returns the highest persisted message timestamp, used to
// seed the coordinator's monotonic clock floor after a cold start. Returns
// zero if no messages exist.
func (s *Store) MaxTimestamp(ctx context.Context) (int64, error) {
	var ts sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(timestamp) FROM messages`).Scan(&ts); err != nil {
		return 0, fmt.Errorf("query max timestamp: %w", err)
	}
	return ts.Int64, nil
}

// ExportRow is a full message snapshot used by ExportAll.
type ExportRow = Message

// ExportAll returns room metadata and every message, ascending by timestamp.
func (s *Store) ExportAll(ctx context.Context) (map[string]string, []ExportRow, error) {
	info, err := s.AllMetadata(ctx)
	if err != nil {
		return nil, nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+messageColumns+` FROM messages ORDER BY timestamp ASC`)
	if err != nil {
		return nil, nil, fmt.Errorf("query export messages: %w", err)
	}
	defer rows.Close()
	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, nil, err
	}
	return info, msgs, nil
}

// Reset drops every row from every room table, used on destruction.
func (s *Store) Reset(ctx context.Context) error {
	tables := []string{"messages", "threads", "edit_history", "room_metadata", "file_references", "pins", "reactions", "audit_log", "blobs"}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin reset tx: %w", err)
	}
	defer tx.Rollback()
	for _, t := range tables {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+t); err != nil {
			return fmt.Errorf("clear table %s: %w", t, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit reset tx: %w", err)
	}
	slog.Info("room state reset")
	return nil
}

// BlobMetadata stores metadata about a binary blob on disk.
type BlobMetadata struct {
	ID           string
	Kind         string
	OriginalName string
	ContentType  string
	DiskName     string
	SizeBytes    int64
	CreatedAt    time.Time
}

// CreateBlob inserts one blob metadata row.
func (s *Store) CreateBlob(ctx context.Context, meta BlobMetadata) error {
	const q = `
INSERT INTO blobs (id, kind, original_name, content_type, disk_name, size_bytes, created_at_unix_ms)
VALUES (?, ?, ?, ?, ?, ?, ?)
`
	_, err := s.db.ExecContext(ctx, q, meta.ID, meta.Kind, meta.OriginalName, meta.ContentType, meta.DiskName, meta.SizeBytes, meta.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert blob metadata: %w", err)
	}
	return nil
}

// BlobByID returns blob metadata by ID.
func (s *Store) BlobByID(ctx context.Context, id string) (BlobMetadata, error) {
	const q = `SELECT id, kind, original_name, content_type, disk_name, size_bytes, created_at_unix_ms FROM blobs WHERE id = ?`
	var (
		meta     BlobMetadata
		createMs int64
	)
	err := s.db.QueryRowContext(ctx, q, id).Scan(&meta.ID, &meta.Kind, &meta.OriginalName, &meta.ContentType, &meta.DiskName, &meta.SizeBytes, &createMs)
	if errors.Is(err, sql.ErrNoRows) {
		return BlobMetadata{}, ErrNotFound
	}
	if err != nil {
		return BlobMetadata{}, fmt.Errorf("query blob metadata: %w", err)
	}
	meta.CreatedAt = time.UnixMilli(createMs).UTC()
	return meta, nil
}

// DeleteBlob removes one blob metadata row.
func (s *Store) DeleteBlob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM blobs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete blob metadata: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
