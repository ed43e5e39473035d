// Package sqlitestore implements the local persisted state layout (§6):
// a single SQLite database file, optionally encrypted at rest, accessed
// through modernc.org/sqlite (pure Go, no cgo) with squirrel for dynamic
// query building.
//
// modernc.org/sqlite has no SQLCipher-style page encryption built in, so
// "encrypted at rest" is implemented at the application layer: the
// opaque payload columns (message content, identity-update action data,
// key package bytes) are sealed with AES-256-GCM under the configured
// 32-byte key before they reach the database file; structural/indexed
// columns stay in the clear so they remain queryable. The intents table's
// staged_commit column is not sealed and is stored in the clear.
package sqlitestore

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"database/sql"
	"fmt"
	"io"
	"sync"

	_ "modernc.org/sqlite" //nolint:revive // driver registration side effect

	"github.com/mlscore/core/pkg/apperr"
	"github.com/mlscore/core/pkg/mlog"
)

// schemaVersion is the version this build's embedded migrations bring
// the database to. Opening a database at a newer version than this
// binary understands is a fatal, not retryable, error.
const schemaVersion = 1

// Connection wraps a *sql.DB with the write-serialization mutex and
// query_only toggle the concurrency model (§5) requires: the handle is
// limited to one open connection, shared by reads and writes, and writes
// are additionally serialized by writeMu.
type Connection struct {
	db      *sql.DB
	writeMu sync.Mutex
	sealer  *sealer
	logger  mlog.Logger
}

// Config configures Open.
type Config struct {
	Path          string
	EncryptionKey []byte // 32 bytes, or nil to disable application-layer sealing
}

// Open opens (creating if necessary) the SQLite database at cfg.Path,
// runs embedded migrations, and verifies the resulting schema_version
// matches this build.
func Open(ctx context.Context, cfg Config, logger mlog.Logger) (*Connection, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, apperr.NewFatalStorageError("sqlitestore.open", "failed to open database", err)
	}

	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes internally; one conn avoids SQLITE_BUSY churn

	var seal *sealer

	if len(cfg.EncryptionKey) > 0 {
		seal, err = newSealer(cfg.EncryptionKey)
		if err != nil {
			return nil, apperr.NewFatalStorageError("sqlitestore.open", "invalid encryption key", err)
		}
	}

	conn := &Connection{db: db, sealer: seal, logger: logger}

	if err := conn.migrate(ctx); err != nil {
		return nil, err
	}

	return conn, nil
}

// Close closes the underlying database handle.
func (c *Connection) Close() error {
	return c.db.Close()
}

// SetQueryOnly toggles PRAGMA query_only, used by read-only tooling
// (cmd/coreutil) to guarantee it cannot mutate a live database it is
// inspecting.
func (c *Connection) SetQueryOnly(ctx context.Context, readOnly bool) error {
	val := 0
	if readOnly {
		val = 1
	}

	_, err := c.db.ExecContext(ctx, fmt.Sprintf("PRAGMA query_only = %d", val))

	return err
}

// WithWriteLock runs fn while holding the write-serialization mutex.
// Reads do not take this mutex; with a single open connection,
// database/sql queues concurrent reads on that one connection.
func (c *Connection) WithWriteLock(fn func(*sql.DB) error) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	return fn(c.db)
}

// DB returns the underlying handle for read-only callers (e.g. squirrel
// query execution that doesn't need the write lock).
func (c *Connection) DB() *sql.DB {
	return c.db
}

// sealer implements the AES-256-GCM application-layer encryption used
// for opaque payload columns when a database encryption key is
// configured.
type sealer struct {
	gcm cipher.AEAD
}

func newSealer(key []byte) (*sealer, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("sqlitestore: encryption key must be 32 bytes, got %d", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	return &sealer{gcm: gcm}, nil
}

func (s *sealer) seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, s.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	return s.gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func (s *sealer) open(ciphertext []byte) ([]byte, error) {
	nonceSize := s.gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("sqlitestore: ciphertext too short")
	}

	nonce, body := ciphertext[:nonceSize], ciphertext[nonceSize:]

	return s.gcm.Open(nil, nonce, body, nil)
}

// sealBytes seals plaintext if a sealer is configured, else returns it
// unchanged.
func (c *Connection) sealBytes(plaintext []byte) ([]byte, error) {
	if c.sealer == nil {
		return plaintext, nil
	}

	return c.sealer.seal(plaintext)
}

// openBytes reverses sealBytes.
func (c *Connection) openBytes(ciphertext []byte) ([]byte, error) {
	if c.sealer == nil {
		return ciphertext, nil
	}

	return c.sealer.open(ciphertext)
}
