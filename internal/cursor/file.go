package cursor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-json"

	"github.com/ppiankov/chanrelay/internal/logging"
	"github.com/ppiankov/chanrelay/internal/source"
)

// FileStore keeps the cursor in a small JSON document:
//
//	{"last_id": "1234"}
//
// A null last_id means no message was delivered yet.
type FileStore struct {
	path string
}

type fileState struct {
	LastID *string `json:"last_id"`
}

// OpenFile returns a store backed by the JSON file at path. The file is not
// created until the first Save.
func OpenFile(path string) (*FileStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("path is required")
	}
	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create state dir: %w", err)
		}
	}
	return &FileStore{path: path}, nil
}

// Load reads the cursor. A missing or unreadable document yields None; only
// I/O errors other than a missing file are returned.
func (f *FileStore) Load(_ context.Context) (Cursor, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return None(), nil
	}
	if err != nil {
		return None(), fmt.Errorf("read state: %w", err)
	}

	var st fileState
	if err := json.Unmarshal(data, &st); err != nil {
		logging.Warn().Err(err).Str("path", f.path).Msg("state file unparseable, starting without cursor")
		return None(), nil
	}
	if st.LastID == nil {
		return None(), nil
	}
	id, err := source.ParseSnowflake(*st.LastID)
	if err != nil {
		logging.Warn().Err(err).Str("path", f.path).Msg("state file has invalid last_id, starting without cursor")
		return None(), nil
	}
	return At(id), nil
}

// Save writes the cursor to a temporary file in the same directory, syncs
// it and renames it over the state file.
func (f *FileStore) Save(_ context.Context, c Cursor) error {
	var st fileState
	if c.Set {
		id := c.LastID.String()
		st.LastID = &id
	}
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.path), filepath.Base(f.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp state: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write temp state: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp state: %w", err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		cleanup()
		return fmt.Errorf("replace state: %w", err)
	}
	return nil
}

func (f *FileStore) Close() error {
	return nil
}
