package database

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

var (
	ErrDuplicateEmail    = errors.New("email already registered")
	ErrDuplicateUsername = errors.New("username already taken")
	ErrInvalidUsername   = errors.New("invalid username")
	ErrInvalidEmail      = errors.New("invalid email address")
	ErrUserNotFound      = errors.New("user not found")
	ErrBadPassword       = errors.New("incorrect password")
	ErrChannelExists     = errors.New("channel already exists")
	ErrChannelNotFound   = errors.New("channel not found")
	ErrInvalidChannel    = errors.New("channel names must start with #")
	ErrAlreadyMember     = errors.New("user is already a member of the channel")
)

// Options tune how the stores behave
type Options struct {
	// HashPasswords stores bcrypt hashes instead of the plaintext password
	HashPasswords bool
	// FlushInterval is how long message inserts are batched before commit
	FlushInterval time.Duration
	// WorkerID distinguishes servers sharing a message ID space (0-1023)
	WorkerID int64
}

// DefaultFlushInterval batches message inserts for at most this long
const DefaultFlushInterval = 10 * time.Millisecond

// DB wraps the SQLite database connection
type DB struct {
	conn        *sql.DB // Read connection pool
	writeConn   *sql.DB // Dedicated write connection (1 connection)
	snowflake   *Snowflake
	opts        Options
	logger      *zap.Logger
	WriteBuffer *WriteBuffer
}

var pragmas = []string{
	"PRAGMA journal_mode = WAL",
	"PRAGMA busy_timeout = 5000",
	"PRAGMA foreign_keys = ON",
	"PRAGMA synchronous = NORMAL",
}

func openConn(path string) (*sql.DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	for _, pragma := range pragmas {
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}
	return conn, nil
}

// Open opens the SQLite database at path and migrates it to the latest schema
func Open(path string, opts Options, logger *zap.Logger) (*DB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("database")
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}

	conn, err := openConn(path)
	if err != nil {
		return nil, err
	}
	// Multiple readers are fine in WAL mode
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	writeConn, err := openConn(path)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open write connection: %w", err)
	}
	writeConn.SetMaxOpenConns(1)
	writeConn.SetMaxIdleConns(1)
	writeConn.SetConnMaxLifetime(0)

	if err := runMigrations(writeConn, path, logger); err != nil {
		return nil, multierr.Append(
			fmt.Errorf("failed to run migrations: %w", err),
			multierr.Combine(conn.Close(), writeConn.Close()),
		)
	}

	// epoch: 2024-01-01
	epoch := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()

	db := &DB{
		conn:      conn,
		writeConn: writeConn,
		snowflake: NewSnowflake(epoch, opts.WorkerID),
		opts:      opts,
		logger:    logger,
	}
	db.WriteBuffer = NewWriteBuffer(db, opts.FlushInterval)

	return db, nil
}

// Close flushes pending writes and closes both connections
func (db *DB) Close() error {
	db.WriteBuffer.Close()
	return multierr.Combine(db.writeConn.Close(), db.conn.Close())
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
