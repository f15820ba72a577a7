package database

import (
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Channel is a named group conversation hosted on this server
type Channel struct {
	ID        int64
	Name      string
	Creator   string
	CreatedAt int64
	Members   []Member
}

// Member is one channel participant. Remote members are placeholders for users on a peer.
type Member struct {
	Username string
	Remote   bool
}

// HasMember reports whether username belongs to the channel
func (c *Channel) HasMember(username string) bool {
	for _, m := range c.Members {
		if m.Username == username {
			return true
		}
	}
	return false
}

// Usernames lists member names in join order
func (c *Channel) Usernames() []string {
	names := make([]string, len(c.Members))
	for i, m := range c.Members {
		names[i] = m.Username
	}
	return names
}

// HasRemoteMembers reports whether any member lives on another server
func (c *Channel) HasRemoteMembers() bool {
	for _, m := range c.Members {
		if m.Remote {
			return true
		}
	}
	return false
}

// CreateChannel creates the channel with creator as its first member
func (db *DB) CreateChannel(name, creator string) (*Channel, error) {
	if len(name) < 2 || !strings.HasPrefix(name, "#") {
		return nil, fmt.Errorf("%w: %q", ErrInvalidChannel, name)
	}

	tx, err := db.writeConn.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var creatorID int64
	var remote bool
	err = tx.QueryRow(`SELECT id, is_remote FROM users WHERE username = ?`, creator).Scan(&creatorID, &remote)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}

	var exists bool
	if err := tx.QueryRow(`SELECT EXISTS(SELECT 1 FROM channels WHERE name = ?)`, name).Scan(&exists); err != nil {
		return nil, err
	}
	if exists {
		return nil, ErrChannelExists
	}

	now := nowMillis()
	result, err := tx.Exec(`INSERT INTO channels (name, creator, created_at) VALUES (?, ?, ?)`, name, creator, now)
	if err != nil {
		return nil, fmt.Errorf("failed to insert channel: %w", err)
	}
	channelID, err := result.LastInsertId()
	if err != nil {
		return nil, err
	}
	if _, err := tx.Exec(
		`INSERT INTO channel_members (channel_id, user_id, joined_at) VALUES (?, ?, ?)`,
		channelID, creatorID, now,
	); err != nil {
		return nil, fmt.Errorf("failed to add creator: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return &Channel{
		ID:        channelID,
		Name:      name,
		Creator:   creator,
		CreatedAt: now,
		Members:   []Member{{Username: creator, Remote: remote}},
	}, nil
}

// AddMember adds an existing user (local or placeholder) to a local channel
func (db *DB) AddMember(channel, username string) error {
	tx, err := db.writeConn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var channelID, userID int64
	err = tx.QueryRow(`SELECT id FROM channels WHERE name = ?`, channel).Scan(&channelID)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrChannelNotFound
	}
	if err != nil {
		return err
	}
	err = tx.QueryRow(`SELECT id FROM users WHERE username = ?`, username).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrUserNotFound
	}
	if err != nil {
		return err
	}

	result, err := tx.Exec(
		`INSERT INTO channel_members (channel_id, user_id, joined_at) VALUES (?, ?, ?) ON CONFLICT DO NOTHING`,
		channelID, userID, nowMillis(),
	)
	if err != nil {
		return fmt.Errorf("failed to add member: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrAlreadyMember
	}
	return tx.Commit()
}

// FindChannel loads a channel with its members
func (db *DB) FindChannel(name string) (*Channel, error) {
	var ch Channel
	err := db.conn.QueryRow(
		`SELECT id, name, creator, created_at FROM channels WHERE name = ?`, name,
	).Scan(&ch.ID, &ch.Name, &ch.Creator, &ch.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrChannelNotFound
	}
	if err != nil {
		return nil, err
	}

	rows, err := db.conn.Query(`
		SELECT u.username, u.is_remote
		FROM channel_members m
		JOIN users u ON u.id = m.user_id
		WHERE m.channel_id = ?
		ORDER BY m.joined_at, u.id
	`, ch.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var m Member
		if err := rows.Scan(&m.Username, &m.Remote); err != nil {
			return nil, err
		}
		ch.Members = append(ch.Members, m)
	}
	return &ch, rows.Err()
}

// ChannelsForMember returns the sorted union of local channels the user belongs
// to and remote channels they have joined
func (db *DB) ChannelsForMember(username string) ([]string, error) {
	rows, err := db.conn.Query(`
		SELECT c.name
		FROM channel_members m
		JOIN channels c ON c.id = m.channel_id
		JOIN users u ON u.id = m.user_id
		WHERE u.username = ?
		UNION
		SELECT r.channel_name
		FROM remote_memberships r
		JOIN users u ON u.id = r.user_id
		WHERE u.username = ?
		ORDER BY 1
	`, username, username)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	channels := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		channels = append(channels, name)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Strings(channels)
	return channels, nil
}

// AddRemoteMembership records that a local user joined a channel hosted on a peer.
// Recording the same membership twice is not an error.
func (db *DB) AddRemoteMembership(username, channel string) error {
	if len(channel) < 2 || !strings.HasPrefix(channel, "#") {
		return fmt.Errorf("%w: %q", ErrInvalidChannel, channel)
	}
	result, err := db.writeConn.Exec(`
		INSERT INTO remote_memberships (user_id, channel_name, joined_at)
		SELECT id, ?, ? FROM users WHERE username = ?
		ON CONFLICT DO NOTHING
	`, channel, nowMillis(), username)
	if err != nil {
		return fmt.Errorf("failed to record remote membership: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		if _, err := db.FindByUsername(username); err != nil {
			return err
		}
	}
	return nil
}
