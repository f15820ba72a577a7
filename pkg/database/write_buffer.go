package database

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrClosed is returned for writes queued after the buffer shut down
var ErrClosed = errors.New("write buffer closed")

// WriteBuffer batches message inserts into a single transaction per flush so
// bursts of channel traffic do not contend for the write connection
type WriteBuffer struct {
	db            *DB
	flushInterval time.Duration

	mu      sync.Mutex
	pending []*pendingMessage
	closed  bool

	flushNow chan chan struct{}
	shutdown chan struct{}
	wg       sync.WaitGroup
}

type pendingMessage struct {
	id        int64
	sender    string
	recipient string
	content   string
	isAudio   bool
	audioFile string
	createdAt int64
	result    chan error
}

// NewWriteBuffer starts the flush loop
func NewWriteBuffer(db *DB, flushInterval time.Duration) *WriteBuffer {
	wb := &WriteBuffer{
		db:            db,
		flushInterval: flushInterval,
		pending:       make([]*pendingMessage, 0, 64),
		flushNow:      make(chan chan struct{}),
		shutdown:      make(chan struct{}),
	}
	wb.wg.Add(1)
	go wb.flushLoop()
	return wb
}

// enqueue blocks until the insert has been committed or has failed
func (wb *WriteBuffer) enqueue(msg *pendingMessage) error {
	msg.result = make(chan error, 1)

	wb.mu.Lock()
	if wb.closed {
		wb.mu.Unlock()
		return ErrClosed
	}
	wb.pending = append(wb.pending, msg)
	wb.mu.Unlock()

	return <-msg.result
}

// Flush commits everything queued so far before returning
func (wb *WriteBuffer) Flush() {
	done := make(chan struct{})
	select {
	case wb.flushNow <- done:
		<-done
	case <-wb.shutdown:
	}
}

func (wb *WriteBuffer) flushLoop() {
	defer wb.wg.Done()

	ticker := time.NewTicker(wb.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			wb.flush()
		case done := <-wb.flushNow:
			wb.flush()
			close(done)
		case <-wb.shutdown:
			wb.flush()
			return
		}
	}
}

func (wb *WriteBuffer) flush() {
	wb.mu.Lock()
	batch := wb.pending
	wb.pending = make([]*pendingMessage, 0, 64)
	wb.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	start := time.Now()
	err := wb.insert(batch)
	for _, msg := range batch {
		msg.result <- err
	}

	if err != nil {
		wb.db.logger.Error("message batch failed", zap.Int("messages", len(batch)), zap.Error(err))
		return
	}
	if elapsed := time.Since(start); elapsed > wb.flushInterval {
		wb.db.logger.Warn("slow message flush", zap.Int("messages", len(batch)), zap.Duration("elapsed", elapsed))
	}
}

func (wb *WriteBuffer) insert(batch []*pendingMessage) error {
	tx, err := wb.db.writeConn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO messages (id, sender, recipient, content, is_audio, audio_file, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, msg := range batch {
		var audioFile any
		if msg.audioFile != "" {
			audioFile = msg.audioFile
		}
		if _, err := stmt.Exec(msg.id, msg.sender, msg.recipient, msg.content, msg.isAudio, audioFile, msg.createdAt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Close flushes remaining inserts and stops the loop. Later writes fail with ErrClosed.
func (wb *WriteBuffer) Close() {
	wb.mu.Lock()
	if wb.closed {
		wb.mu.Unlock()
		return
	}
	wb.closed = true
	wb.mu.Unlock()

	close(wb.shutdown)
	wb.wg.Wait()
}
