package database

import (
	"database/sql"
	"time"

	"github.com/aeolun/meshchat/pkg/protocol"
)

// DefaultHistoryLimit is how many messages a user receives after login
const DefaultHistoryLimit = 50

// SaveMessage persists msg and returns its ID. Audio bytes are never stored,
// only the file name. A zero timestamp is set to now.
func (db *DB) SaveMessage(msg *protocol.ChatMessage) (int64, error) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	id := db.snowflake.NextID()
	err := db.WriteBuffer.enqueue(&pendingMessage{
		id:        id,
		sender:    msg.Sender,
		recipient: msg.Recipient,
		content:   msg.Content,
		isAudio:   msg.IsAudio,
		audioFile: msg.AudioFileName,
		createdAt: msg.Timestamp.UnixMilli(),
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// RecentMessagesFor returns up to limit messages the user can see, oldest
// first: private messages to or from them and traffic in their channels
func (db *DB) RecentMessagesFor(username string, limit int) ([]protocol.ChatMessage, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	rows, err := db.conn.Query(`
		SELECT sender, recipient, content, is_audio, audio_file, created_at FROM (
			SELECT id, sender, recipient, content, is_audio, audio_file, created_at
			FROM messages
			WHERE sender = ? OR recipient = ? OR recipient IN (
				SELECT c.name FROM channel_members m
				JOIN channels c ON c.id = m.channel_id
				JOIN users u ON u.id = m.user_id
				WHERE u.username = ?
				UNION
				SELECT r.channel_name FROM remote_memberships r
				JOIN users u ON u.id = r.user_id
				WHERE u.username = ?
			)
			ORDER BY id DESC
			LIMIT ?
		) ORDER BY id ASC
	`, username, username, username, username, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := []protocol.ChatMessage{}
	for rows.Next() {
		var (
			msg       protocol.ChatMessage
			audioFile sql.NullString
			created   int64
		)
		if err := rows.Scan(&msg.Sender, &msg.Recipient, &msg.Content, &msg.IsAudio, &audioFile, &created); err != nil {
			return nil, err
		}
		msg.AudioFileName = audioFile.String
		msg.Timestamp = time.UnixMilli(created)
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}
