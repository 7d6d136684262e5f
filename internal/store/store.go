// Package store keeps the append-only chat message log.
//
// Two drivers exist:
//   - "memory": process-lifetime only
//   - "sqlite": SQLite database file, history survives restarts
//
// Both preserve append order and reject duplicate message ids.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"chatrelay/internal/chat"
	"chatrelay/pkg/logx"
)

var (
	// ErrConflict is returned when an explicit message id is already taken.
	ErrConflict = errors.New("store: message id already exists")
	// ErrNotFound is returned when a referenced message id is unknown.
	ErrNotFound = errors.New("store: message not found")
)

// Filter narrows a Query. The zero value returns everything in append order.
type Filter struct {
	VisibleOnly bool
}

type Store interface {
	// Append adds a message to the log. The caller is responsible for having
	// stamped id/timestamp; an id collision fails with ErrConflict and leaves
	// the log untouched.
	Append(ctx context.Context, msg chat.Message) error

	// Query returns messages in append order.
	Query(ctx context.Context, f Filter) ([]chat.Message, error)

	// GetByID fetches a single message, ErrNotFound if unknown.
	GetByID(ctx context.Context, id string) (chat.Message, error)

	// SetVisibility flips the visible flag on the given ids and reports how
	// many rows changed. Unknown ids are skipped, not an error.
	SetVisibility(ctx context.Context, ids []string, visible bool) (int, error)

	// Checkpoint lets the maintenance job compact the backing file.
	// No-op for the memory driver.
	Checkpoint(ctx context.Context) error

	Close() error
}

// Config configures the message log backend.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Open initializes the configured store. An empty driver means "memory".
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "memory":
		return newMemory(), nil
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown store driver: " + driver)
	}
}
