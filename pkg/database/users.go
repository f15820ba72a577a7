package database

import (
	"database/sql"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"unicode"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// RemoteEmailDomain marks the email of placeholder users homed on a peer server
const RemoteEmailDomain = "@remote.server"

// User is an account record
type User struct {
	ID        int64
	Username  string
	Email     string
	Remote    bool
	CreatedAt int64 // Unix milliseconds
}

// ValidateUsername rejects names that would be mistaken for channels or split on whitespace
func ValidateUsername(username string) error {
	if username == "" {
		return fmt.Errorf("%w: empty", ErrInvalidUsername)
	}
	if strings.HasPrefix(username, "#") {
		return fmt.Errorf("%w: %q starts with #", ErrInvalidUsername, username)
	}
	if strings.IndexFunc(username, unicode.IsSpace) >= 0 {
		return fmt.Errorf("%w: %q contains whitespace", ErrInvalidUsername, username)
	}
	return nil
}

// ValidateEmail accepts a bare addr-spec such as alice@example.com
func ValidateEmail(email string) error {
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email || addr.Name != "" {
		return fmt.Errorf("%w: %q", ErrInvalidEmail, email)
	}
	return nil
}

// Register creates a local account. Duplicate emails are reported before duplicate usernames.
func (db *DB) Register(username, email, password string) (*User, error) {
	if err := ValidateUsername(username); err != nil {
		return nil, err
	}
	if err := ValidateEmail(email); err != nil {
		return nil, err
	}

	stored := password
	if db.opts.HashPasswords {
		hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("failed to hash password: %w", err)
		}
		stored = string(hash)
	}

	tx, err := db.writeConn.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var exists bool
	if err := tx.QueryRow(`SELECT EXISTS(SELECT 1 FROM users WHERE email = ?)`, email).Scan(&exists); err != nil {
		return nil, err
	}
	if exists {
		return nil, ErrDuplicateEmail
	}
	if err := tx.QueryRow(`SELECT EXISTS(SELECT 1 FROM users WHERE username = ?)`, username).Scan(&exists); err != nil {
		return nil, err
	}
	if exists {
		return nil, ErrDuplicateUsername
	}

	user := &User{Username: username, Email: email, CreatedAt: nowMillis()}
	result, err := tx.Exec(
		`INSERT INTO users (username, email, password, is_remote, created_at) VALUES (?, ?, ?, 0, ?)`,
		username, email, stored, user.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert user: %w", err)
	}
	if user.ID, err = result.LastInsertId(); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	db.logger.Debug("registered user", zap.String("username", username))
	return user, nil
}

// Authenticate checks credentials by email. Remote placeholders cannot log in.
func (db *DB) Authenticate(email, password string) (*User, error) {
	var (
		user   User
		stored string
	)
	err := db.conn.QueryRow(
		`SELECT id, username, email, password, is_remote, created_at FROM users WHERE email = ?`, email,
	).Scan(&user.ID, &user.Username, &user.Email, &stored, &user.Remote, &user.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	if user.Remote {
		return nil, ErrUserNotFound
	}
	if !passwordMatches(stored, password) {
		return nil, ErrBadPassword
	}
	return &user, nil
}

// passwordMatches accepts bcrypt hashes and plaintext rows so toggling hashing
// does not lock out existing accounts
func passwordMatches(stored, password string) bool {
	if strings.HasPrefix(stored, "$2a$") || strings.HasPrefix(stored, "$2b$") || strings.HasPrefix(stored, "$2y$") {
		return bcrypt.CompareHashAndPassword([]byte(stored), []byte(password)) == nil
	}
	return stored == password
}

// FindByUsername returns ErrUserNotFound when no record exists
func (db *DB) FindByUsername(username string) (*User, error) {
	var user User
	err := db.conn.QueryRow(
		`SELECT id, username, email, is_remote, created_at FROM users WHERE username = ?`, username,
	).Scan(&user.ID, &user.Username, &user.Email, &user.Remote, &user.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// EnsureRemoteUser creates a placeholder for a user homed elsewhere. An existing
// record with that username, local or remote, is returned unchanged.
func (db *DB) EnsureRemoteUser(username string) (*User, error) {
	if err := ValidateUsername(username); err != nil {
		return nil, err
	}
	user := &User{
		Username:  username,
		Email:     username + RemoteEmailDomain,
		Remote:    true,
		CreatedAt: nowMillis(),
	}
	if _, err := db.writeConn.Exec(
		`INSERT INTO users (username, email, password, is_remote, created_at) VALUES (?, ?, '', 1, ?)
		 ON CONFLICT DO NOTHING`,
		user.Username, user.Email, user.CreatedAt,
	); err != nil {
		return nil, fmt.Errorf("failed to insert remote user: %w", err)
	}
	return db.FindByUsername(username)
}
