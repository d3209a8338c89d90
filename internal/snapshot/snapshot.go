// Package snapshot persists the controller's list state before any change is
// pushed, so an operator can roll back.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"prefixsync/internal/domain"
)

// Snapshot is the full controller state for one base name at one instant.
// It is never modified after capture.
type Snapshot struct {
	BaseName string             `json:"base_name"`
	TakenAt  time.Time          `json:"taken_at"`
	Lists    []domain.ListState `json:"lists"`
}

// StorageError reports a snapshot that could not be persisted.
type StorageError struct {
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("snapshot: %v", e.Err)
	}
	return fmt.Sprintf("snapshot: write %s: %v", e.Path, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// Store persists snapshots. Save must not return before the snapshot is
// durable, and returns the location it was written to.
type Store interface {
	Save(ctx context.Context, snap *Snapshot) (string, error)
}

// Capture freezes states into a Snapshot and saves it. Any failure is
// returned as a *StorageError.
func Capture(ctx context.Context, store Store, base string, states []domain.ListState, now time.Time) (*Snapshot, string, error) {
	if store == nil {
		return nil, "", &StorageError{Err: errors.New("no snapshot store configured")}
	}

	snap := &Snapshot{
		BaseName: base,
		TakenAt:  now.UTC(),
		Lists:    cloneStates(states),
	}

	location, err := store.Save(ctx, snap)
	if err != nil {
		var serr *StorageError
		if errors.As(err, &serr) {
			return nil, "", err
		}
		return nil, "", &StorageError{Path: location, Err: err}
	}
	return snap, location, nil
}

func cloneStates(states []domain.ListState) []domain.ListState {
	out := make([]domain.ListState, 0, len(states))
	for _, s := range states {
		cp := s
		cp.Members = append(cp.Members[:0:0], s.Members...)
		out = append(out, cp)
	}
	return out
}
