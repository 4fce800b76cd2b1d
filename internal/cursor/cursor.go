// Package cursor persists the id of the last delivered message.
package cursor

import (
	"context"
	"fmt"
	"strings"

	"github.com/ppiankov/chanrelay/internal/source"
)

const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendBolt   = "bolt"
)

// Cursor is the id of the most recently delivered message. The zero value
// means nothing has been delivered yet.
type Cursor struct {
	LastID source.Snowflake
	Set    bool
}

// None returns the empty cursor.
func None() Cursor {
	return Cursor{}
}

// At returns a cursor positioned at id.
func At(id source.Snowflake) Cursor {
	return Cursor{LastID: id, Set: true}
}

// Admits reports whether a message with the given id is newer than the cursor.
func (c Cursor) Admits(id source.Snowflake) bool {
	return !c.Set || id > c.LastID
}

func (c Cursor) String() string {
	if !c.Set {
		return "none"
	}
	return c.LastID.String()
}

// Store is a durable single-value cursor store. Save must be atomic: the
// stored value is either the old or the new cursor, never a partial write.
type Store interface {
	// Load returns the stored cursor, or None if nothing was stored yet.
	Load(ctx context.Context) (Cursor, error)

	// Save replaces the stored cursor.
	Save(ctx context.Context, c Cursor) error

	Close() error
}

// Open opens the store for the given backend at path.
func Open(backend, path string) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case BackendFile, "":
		return OpenFile(path)
	case BackendSQLite:
		return OpenSQLite(path)
	case BackendBolt:
		return OpenBolt(path)
	default:
		return nil, fmt.Errorf("unknown cursor backend %q (want file, sqlite or bolt)", backend)
	}
}
