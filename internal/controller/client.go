// Package controller defines what the sync engine needs from the system that
// owns the prefix lists.
package controller

import (
	"context"
	"fmt"

	"prefixsync/internal/domain"
	"prefixsync/internal/prefix"
)

// Client is an authenticated handle on the controller. Session handling,
// retries and transport live behind it.
type Client interface {
	// ListCurrentState returns every list named base_NN.
	ListCurrentState(ctx context.Context, base string) ([]domain.ListState, error)
	// CreateList creates a list and returns the controller's id for it.
	CreateList(ctx context.Context, name string, members []prefix.Record) (string, error)
	// UpdateList replaces the members of an existing list.
	UpdateList(ctx context.Context, ref domain.ListRef, members []prefix.Record) error
	DeleteList(ctx context.Context, ref domain.ListRef) error
}

// AuthError means the controller rejected the session or credentials.
type AuthError struct {
	Op     string
	Status int
	Err    error
}

func (e *AuthError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("controller: %s: authentication failed (status %d): %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("controller: %s: authentication failed: %v", e.Op, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// NotFoundError means the referenced list or endpoint does not exist.
type NotFoundError struct {
	Op   string
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("controller: %s: %q not found", e.Op, e.Name)
}
