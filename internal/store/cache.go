package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/syntex82/WordPress-Node-sub005/internal/wire"
)

// Cache is a sqlite mirror of conversations and messages so a freshly
// started client has history before the first REST round-trip completes.
// The server stays authoritative: snapshots replace cached rows wholesale.
type Cache struct {
	db *sql.DB
}

const cacheSchema = `
CREATE TABLE IF NOT EXISTS conversations (
	id            TEXT PRIMARY KEY,
	peer_id       TEXT NOT NULL,
	peer_name     TEXT NOT NULL,
	peer_avatar   TEXT NOT NULL DEFAULT '',
	unread        INTEGER NOT NULL DEFAULT 0,
	last_activity INTEGER NOT NULL DEFAULT 0,
	last_message  TEXT
);

CREATE TABLE IF NOT EXISTS messages (
	id              TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL,
	sender          TEXT NOT NULL,
	content         TEXT NOT NULL DEFAULT '',
	created_at      INTEGER NOT NULL,
	read            INTEGER NOT NULL DEFAULT 0,
	media           TEXT
);

CREATE INDEX IF NOT EXISTS idx_messages_conversation
	ON messages(conversation_id, created_at);
`

// OpenCache opens (creating if needed) the history cache at path.
func OpenCache(path string) (*Cache, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open cache %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // sqlite: single writer
	if _, err := db.Exec(cacheSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate cache: %w", err)
	}
	return &Cache{db: db}, nil
}

// Close closes the database.
func (c *Cache) Close() error { return c.db.Close() }

// ReplaceConversations mirrors a fresh snapshot.
func (c *Cache) ReplaceConversations(convs []wire.Conversation) error {
	tx, err := c.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM conversations`); err != nil {
		return err
	}
	stmt, err := tx.Prepare(`INSERT INTO conversations
		(id, peer_id, peer_name, peer_avatar, unread, last_activity, last_message)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, cv := range convs {
		var last []byte
		if cv.LastMessage != nil {
			last, _ = json.Marshal(cv.LastMessage)
		}
		if _, err := stmt.Exec(cv.ID, cv.Peer.ID, cv.Peer.Name, cv.Peer.Avatar,
			cv.Unread, cv.LastActivity, nullableText(last)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Conversations reads the cached list, most recent activity first.
func (c *Cache) Conversations() ([]wire.Conversation, error) {
	rows, err := c.db.Query(`SELECT id, peer_id, peer_name, peer_avatar,
		unread, last_activity, last_message
		FROM conversations ORDER BY last_activity DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []wire.Conversation
	for rows.Next() {
		var cv wire.Conversation
		var last sql.NullString
		if err := rows.Scan(&cv.ID, &cv.Peer.ID, &cv.Peer.Name, &cv.Peer.Avatar,
			&cv.Unread, &cv.LastActivity, &last); err != nil {
			return nil, err
		}
		if last.Valid && last.String != "" {
			var m wire.Message
			if json.Unmarshal([]byte(last.String), &m) == nil {
				cv.LastMessage = &m
			}
		}
		out = append(out, cv)
	}
	return out, rows.Err()
}

// ReplaceMessages mirrors a fresh history snapshot for one conversation.
func (c *Cache) ReplaceMessages(conversationID string, msgs []wire.Message) error {
	tx, err := c.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM messages WHERE conversation_id = ?`, conversationID); err != nil {
		return err
	}
	stmt, err := tx.Prepare(`INSERT OR REPLACE INTO messages
		(id, conversation_id, sender, content, created_at, read, media)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, m := range msgs {
		if err := execMessage(stmt, m); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// UpsertMessage mirrors one live message.
func (c *Cache) UpsertMessage(m wire.Message) error {
	stmt, err := c.db.Prepare(`INSERT OR REPLACE INTO messages
		(id, conversation_id, sender, content, created_at, read, media)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	return execMessage(stmt, m)
}

// Messages reads the cached history for one conversation, ascending.
func (c *Cache) Messages(conversationID string) ([]wire.Message, error) {
	rows, err := c.db.Query(`SELECT id, conversation_id, sender, content,
		created_at, read, media
		FROM messages WHERE conversation_id = ? ORDER BY created_at ASC`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []wire.Message
	for rows.Next() {
		var m wire.Message
		var sender string
		var media sql.NullString
		var read int
		if err := rows.Scan(&m.ID, &m.ConversationID, &sender, &m.Content,
			&m.CreatedAt, &read, &media); err != nil {
			return nil, err
		}
		m.Read = read != 0
		if json.Unmarshal([]byte(sender), &m.Sender) != nil {
			continue
		}
		if media.Valid && media.String != "" {
			_ = json.Unmarshal([]byte(media.String), &m.Media)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// DeleteMessage removes one cached message.
func (c *Cache) DeleteMessage(messageID string) error {
	_, err := c.db.Exec(`DELETE FROM messages WHERE id = ?`, messageID)
	return err
}

// DeleteConversation removes a conversation and its messages.
func (c *Cache) DeleteConversation(conversationID string) error {
	tx, err := c.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`DELETE FROM messages WHERE conversation_id = ?`, conversationID); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM conversations WHERE id = ?`, conversationID); err != nil {
		return err
	}
	return tx.Commit()
}

func execMessage(stmt *sql.Stmt, m wire.Message) error {
	sender, _ := json.Marshal(m.Sender)
	var media []byte
	if len(m.Media) > 0 {
		media, _ = json.Marshal(m.Media)
	}
	read := 0
	if m.Read {
		read = 1
	}
	_, err := stmt.Exec(m.ID, m.ConversationID, string(sender), m.Content,
		m.CreatedAt, read, nullableText(media))
	return err
}

func nullableText(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
