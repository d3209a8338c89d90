package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/moby/sys/atomicwriter"
)

const timestampLayout = "20060102T150405.000Z"

// FileName is the deterministic file name for a snapshot of base taken at ts.
func FileName(base string, ts time.Time) string {
	return fmt.Sprintf("%s-%s.json", base, ts.UTC().Format(timestampLayout))
}

// FileStore writes one JSON file per snapshot into Dir.
type FileStore struct {
	Dir string
}

func NewFileStore(dir string) *FileStore {
	return &FileStore{Dir: dir}
}

func (s *FileStore) Save(ctx context.Context, snap *Snapshot) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", &StorageError{Err: err}
	}

	path := filepath.Join(s.Dir, FileName(snap.BaseName, snap.TakenAt))

	if err := os.MkdirAll(s.Dir, 0o750); err != nil {
		return "", &StorageError{Path: path, Err: err}
	}

	if _, err := os.Stat(path); err == nil {
		return "", &StorageError{Path: path, Err: fs.ErrExist}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", &StorageError{Path: path, Err: err}
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return "", &StorageError{Path: path, Err: err}
	}

	if err := atomicwriter.WriteFile(path, data, 0o640); err != nil {
		return "", &StorageError{Path: path, Err: err}
	}
	return path, nil
}

// Load reads a snapshot file written by FileStore.
func Load(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("snapshot: read %s: %w", path, err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("snapshot: decode %s: %w", path, err)
	}
	return &snap, nil
}
