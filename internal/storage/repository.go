// Package storage persists channels, entries and quickmarks. The
// Repository interface is the contract the rest of the program sees; the
// sqlx-backed store implements it for SQLite and PostgreSQL.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/corkboard/corkboard/internal/feed"
)

// ErrNotFound is returned when a channel, entry or quickmark position
// does not exist.
var ErrNotFound = errors.New("not found")

// ConsistencyError reports a statement that should have affected exactly
// one row but affected more. Entries are keyed by identity, so this
// indicates key corruption and is surfaced rather than swallowed.
type ConsistencyError struct {
	Op       string
	Identity string
	Rows     int64
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("%s affected %d rows for identity %s, expected 1", e.Op, e.Rows, e.Identity)
}

// Quickmark maps a small dense position to an entry identity. The
// overlay only ever covers unread entries.
type Quickmark struct {
	Position int    `db:"position"`
	Identity string `db:"identity"`
}

type Repository interface {
	// CreateChannel stores a new channel together with its entries in one
	// transaction. Fails if a channel with the same link exists.
	CreateChannel(ctx context.Context, channel *feed.Channel) error
	// GetChannelByLink loads a channel and its entries.
	GetChannelByLink(ctx context.Context, link string) (*feed.Channel, error)
	AllChannels(ctx context.Context) ([]*feed.Channel, error)
	// StoreEntries inserts entries for an existing channel. Re-inserting
	// an already known identity is a no-op, never an error.
	StoreEntries(ctx context.Context, channelLink string, entries []feed.Entry) error
	SetChannelBuildDate(ctx context.Context, link string, buildDate *time.Time) error
	// UnreadEntries returns all unread entries across channels ordered by
	// publish date ascending, undated entries last, ties by identity.
	UnreadEntries(ctx context.Context) ([]feed.Entry, error)
	// SetRead flips an entry's read flag. Unknown identity returns
	// ErrNotFound; more than one affected row returns a ConsistencyError.
	SetRead(ctx context.Context, identity string, read bool) error
	// DeleteChannel removes the channel, its entries and their
	// quickmarks.
	DeleteChannel(ctx context.Context, link string) error

	// ResetQuickmarks replaces the whole overlay, numbering the given
	// entries 1..N in the order passed.
	ResetQuickmarks(ctx context.Context, entries []feed.Entry) error
	// AppendQuickmarks numbers the given entries after the current
	// maximum position, leaving existing positions untouched. Returns the
	// assigned position per entry; 0 for entries that already held one.
	AppendQuickmarks(ctx context.Context, entries []feed.Entry) ([]int, error)
	// DeleteQuickmark removes the position for one identity, if any. No
	// other position moves.
	DeleteQuickmark(ctx context.Context, identity string) error
	DeleteQuickmarksForChannel(ctx context.Context, link string) error
	// QuickmarkByPosition resolves a user-facing position back to the
	// entry identity. Unknown positions return ErrNotFound.
	QuickmarkByPosition(ctx context.Context, position int) (string, error)
	Quickmarks(ctx context.Context) ([]Quickmark, error)

	Close() error
}
