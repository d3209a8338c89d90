// Package memory is an in-process controller for tests. It records every
// mutation in order.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"prefixsync/internal/controller"
	"prefixsync/internal/domain"
	"prefixsync/internal/prefix"
)

// Call is one recorded mutation.
type Call struct {
	Op   string
	Name string
	At   time.Time
}

type Client struct {
	mu     sync.Mutex
	lists  map[string]domain.ListState
	nextID int
	calls  []Call

	// Now stamps recorded calls; defaults to time.Now.
	Now func() time.Time
	// Fail forces an error for the named list on any mutation.
	Fail map[string]error
	// ListErr is returned by ListCurrentState when set.
	ListErr error
}

var _ controller.Client = (*Client)(nil)

func New(initial ...domain.ListState) *Client {
	c := &Client{lists: make(map[string]domain.ListState)}
	for _, s := range initial {
		c.nextID++
		if s.ListID == "" {
			s.ListID = fmt.Sprintf("list-%d", c.nextID)
		}
		c.lists[s.Name] = clone(s)
	}
	return c
}

func (c *Client) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c *Client) ListCurrentState(ctx context.Context, base string) ([]domain.ListState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ListErr != nil {
		return nil, c.ListErr
	}

	out := make([]domain.ListState, 0, len(c.lists))
	for name, s := range c.lists {
		if _, ok := domain.ParseChunkIndex(base, name); ok {
			out = append(out, clone(s))
		}
	}
	slices.SortFunc(out, func(a, b domain.ListState) int {
		ai, _ := domain.ParseChunkIndex(base, a.Name)
		bi, _ := domain.ParseChunkIndex(base, b.Name)
		return ai - bi
	})
	return out, nil
}

func (c *Client) CreateList(ctx context.Context, name string, members []prefix.Record) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return "", err
	}

	c.calls = append(c.calls, Call{Op: "create", Name: name, At: c.now()})
	if err := c.Fail[name]; err != nil {
		return "", err
	}
	if _, exists := c.lists[name]; exists {
		return "", fmt.Errorf("memory: list %q already exists", name)
	}
	c.nextID++
	id := fmt.Sprintf("list-%d", c.nextID)
	c.lists[name] = clone(domain.ListState{ListRef: domain.ListRef{Name: name, ListID: id}, Members: members})
	return id, nil
}

func (c *Client) UpdateList(ctx context.Context, ref domain.ListRef, members []prefix.Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	c.calls = append(c.calls, Call{Op: "update", Name: ref.Name, At: c.now()})
	if err := c.Fail[ref.Name]; err != nil {
		return err
	}
	cur, ok := c.lists[ref.Name]
	if !ok || cur.ListID != ref.ListID {
		return &controller.NotFoundError{Op: "update", Name: ref.Name}
	}
	cur.Members = members
	c.lists[ref.Name] = clone(cur)
	return nil
}

func (c *Client) DeleteList(ctx context.Context, ref domain.ListRef) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	c.calls = append(c.calls, Call{Op: "delete", Name: ref.Name, At: c.now()})
	if err := c.Fail[ref.Name]; err != nil {
		return err
	}
	cur, ok := c.lists[ref.Name]
	if !ok || cur.ListID != ref.ListID {
		return &controller.NotFoundError{Op: "delete", Name: ref.Name}
	}
	delete(c.lists, ref.Name)
	return nil
}

// Calls returns the recorded mutations in order.
func (c *Client) Calls() []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Call(nil), c.calls...)
}

// Lists returns the current lists keyed by name.
func (c *Client) Lists() map[string]domain.ListState {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]domain.ListState, len(c.lists))
	for k, v := range c.lists {
		out[k] = clone(v)
	}
	return out
}

func clone(s domain.ListState) domain.ListState {
	s.Members = append([]prefix.Record(nil), s.Members...)
	return s
}
