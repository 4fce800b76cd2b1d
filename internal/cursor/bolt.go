package cursor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/ppiankov/chanrelay/internal/logging"
	"github.com/ppiankov/chanrelay/internal/source"
)

const boltOpenTimeout = time.Second

var (
	cursorBucket = []byte("cursor")
	lastIDKey    = []byte("last_id")
)

// BoltStore keeps the cursor under a single key of a bbolt database.
type BoltStore struct {
	db *bolt.DB
}

func OpenBolt(path string) (*BoltStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: boltOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("open bolt: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(cursorBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create cursor bucket: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func (b *BoltStore) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *BoltStore) Load(_ context.Context) (Cursor, error) {
	var raw []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(cursorBucket).Get(lastIDKey); v != nil {
			raw = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return None(), fmt.Errorf("load cursor: %w", err)
	}
	if len(raw) == 0 {
		return None(), nil
	}

	id, err := source.ParseSnowflake(string(raw))
	if err != nil {
		logging.Warn().Err(err).Msg("stored cursor is invalid, starting without cursor")
		return None(), nil
	}
	return At(id), nil
}

func (b *BoltStore) Save(_ context.Context, c Cursor) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(cursorBucket)
		if !c.Set {
			return bucket.Delete(lastIDKey)
		}
		return bucket.Put(lastIDKey, []byte(c.LastID.String()))
	})
	if err != nil {
		return fmt.Errorf("save cursor: %w", err)
	}
	return nil
}
