package store

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/veilchat/veil/internal/bus"
)

// DB owns the SQLite database backing the group, thread and message stores.
// All mutating operations run against the single writable connection
// (serialized by SQLite's WAL writer); readers may run concurrently.
// Observer notifications are published only after the enclosing
// transaction has committed.
type DB struct {
	*sql.DB
	logger *zap.Logger
	bus    *bus.Bus
	early  *earlyReceipts

	mu               sync.RWMutex
	self             Address
	releaseChannel   RecipientID
	defaultExpiresIn int64
	addrByID         map[RecipientID]Address
	idByAddr         map[Address]RecipientID
}

// Open creates a SQLite connection with WAL mode and recommended pragmas.
// The bus receives post-commit change notifications; pass a fresh bus if
// no observers are wanted.
func Open(path string, logger *zap.Logger, b *bus.Bus) (*DB, error) {
	sqlDB, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return &DB{
		DB:       sqlDB,
		logger:   logger,
		bus:      b,
		early:    newEarlyReceipts(defaultEarlyReceiptTTL),
		addrByID: make(map[RecipientID]Address),
		idByAddr: make(map[Address]RecipientID),
	}, nil
}

// SetSelf records the local account address, used to exclude self from
// group receipt fan-out.
func (db *DB) SetSelf(addr Address) {
	db.mu.Lock()
	db.self = addr
	db.mu.Unlock()
}

// Self returns the local account address, if set.
func (db *DB) Self() Address {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.self
}

// SetReleaseChannel marks a transient system recipient (announcement
// channel) whose messages are excluded from read-sync fan-out.
func (db *DB) SetReleaseChannel(id RecipientID) {
	db.mu.Lock()
	db.releaseChannel = id
	db.mu.Unlock()
}

func (db *DB) isReleaseChannel(id RecipientID) bool {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.releaseChannel != 0 && db.releaseChannel == id
}

// SetDefaultExpiresIn sets the expiration timer stamped on newly created
// threads, in milliseconds. Zero leaves new threads without a timer.
func (db *DB) SetDefaultExpiresIn(ms int64) {
	db.mu.Lock()
	db.defaultExpiresIn = ms
	db.mu.Unlock()
}

func (db *DB) defaultExpiry() int64 {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.defaultExpiresIn
}

// SetEarlyReceiptTTL bounds how long receipts that beat their message are
// cached before being discarded.
func (db *DB) SetEarlyReceiptTTL(ttl time.Duration) {
	db.early.setTTL(ttl)
}

// inTransaction runs fn inside a transaction, rolling back on error.
func (db *DB) inTransaction(fn func(tx *sql.Tx) error) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Post-commit notification fan-out. Callers must only invoke these after
// the mutation has committed.

func (db *DB) notifyConversationList() {
	db.bus.Publish(bus.Event{
		Kind:      bus.KindConversationListChanged,
		Timestamp: time.Now(),
	})
}

func (db *DB) notifyThread(threadID int64) {
	db.bus.Publish(bus.Event{
		Kind:      bus.KindThreadChanged,
		Timestamp: time.Now(),
		Payload:   bus.ThreadChange{ThreadID: threadID},
	})
}

func (db *DB) notifyMessage(id int64, kind MessageKind) {
	db.bus.Publish(bus.Event{
		Kind:      bus.KindMessageChanged,
		Timestamp: time.Now(),
		Payload:   bus.MessageChange{MessageID: id, Media: kind == KindMedia},
	})
}

func (db *DB) notifyAttachment(id int64) {
	db.bus.Publish(bus.Event{
		Kind:      bus.KindAttachmentChanged,
		Timestamp: time.Now(),
		Payload:   bus.AttachmentChange{AttachmentID: id},
	})
}
