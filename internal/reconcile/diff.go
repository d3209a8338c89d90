// Package reconcile computes the minimal set of list operations that moves
// the controller from its current lists to the partitioned target.
package reconcile

import (
	"fmt"
	"slices"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"

	"prefixsync/internal/domain"
	"prefixsync/internal/prefix"
)

type Action string

const (
	ActionNone   Action = "none"
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Delta holds set differences. Ordering never matters.
type Delta struct {
	Additions        mapset.Set[prefix.Record]
	Removals         mapset.Set[prefix.Record]
	AffectedChunkIDs mapset.Set[string]
}

func newDelta() Delta {
	return Delta{
		Additions:        mapset.NewThreadUnsafeSet[prefix.Record](),
		Removals:         mapset.NewThreadUnsafeSet[prefix.Record](),
		AffectedChunkIDs: mapset.NewThreadUnsafeSet[string](),
	}
}

// Empty reports whether applying the delta would change nothing.
func (d Delta) Empty() bool {
	return d.AffectedChunkIDs.Cardinality() == 0 &&
		d.Additions.Cardinality() == 0 &&
		d.Removals.Cardinality() == 0
}

func (d Delta) AdditionCount() int { return d.Additions.Cardinality() }

func (d Delta) RemovalCount() int { return d.Removals.Cardinality() }

// SortedAdditions returns the additions in canonical order.
func (d Delta) SortedAdditions() []prefix.Record {
	out := d.Additions.ToSlice()
	prefix.Sort(out)
	return out
}

// SortedRemovals returns the removals in canonical order.
func (d Delta) SortedRemovals() []prefix.Record {
	out := d.Removals.ToSlice()
	prefix.Sort(out)
	return out
}

// ChunkDelta is the change for one list. Members is the complete desired
// member set and is empty for deletions.
type ChunkDelta struct {
	Delta
	ID      string
	ListID  string
	Action  Action
	Members []prefix.Record
}

// Plan is the full result of one diff.
type Plan struct {
	Chunks    []ChunkDelta
	Aggregate Delta

	// CurrentTotal and TargetTotal count unique prefixes across all lists.
	CurrentTotal int
	TargetTotal  int
}

// Changes returns only the chunk deltas that require a controller call.
func (p *Plan) Changes() []ChunkDelta {
	out := make([]ChunkDelta, 0, len(p.Chunks))
	for _, c := range p.Chunks {
		if c.Action != ActionNone {
			out = append(out, c)
		}
	}
	return out
}

// Diff compares target chunks against the controller's current lists.
//
// A chunk present on both sides is an update when the member sets differ. A
// chunk only in target is a create. A list only in current is a delete. The
// aggregate is the net difference across all lists, so a prefix that moves
// between chunks counts as neither an addition nor a removal, while both
// chunks still appear in AffectedChunkIDs.
func Diff(target []domain.Chunk, current []domain.ListState) (*Plan, error) {
	currentByID := make(map[string]domain.ListState, len(current))
	currentAll := mapset.NewThreadUnsafeSet[prefix.Record]()
	for _, s := range current {
		if _, dup := currentByID[s.Name]; dup {
			return nil, fmt.Errorf("reconcile: controller reports list %q twice", s.Name)
		}
		currentByID[s.Name] = s
		for _, m := range s.Members {
			currentAll.Add(m)
		}
	}

	targetIDs := make(map[string]struct{}, len(target))
	targetAll := mapset.NewThreadUnsafeSet[prefix.Record]()

	plan := &Plan{Aggregate: newDelta()}

	for _, c := range target {
		if _, dup := targetIDs[c.ID]; dup {
			return nil, fmt.Errorf("reconcile: target chunk %q appears twice", c.ID)
		}
		targetIDs[c.ID] = struct{}{}

		want := mapset.NewThreadUnsafeSet(c.Members...)
		targetAll = targetAll.Union(want)

		cd := ChunkDelta{ID: c.ID, Members: append([]prefix.Record(nil), c.Members...)}
		prefix.Sort(cd.Members)

		if cur, ok := currentByID[c.ID]; ok {
			have := mapset.NewThreadUnsafeSet(cur.Members...)
			cd.ListID = cur.ListID
			cd.Delta = Delta{
				Additions:        want.Difference(have),
				Removals:         have.Difference(want),
				AffectedChunkIDs: mapset.NewThreadUnsafeSet[string](),
			}
			cd.Action = ActionNone
			if cd.Delta.Additions.Cardinality() > 0 || cd.Delta.Removals.Cardinality() > 0 {
				cd.Action = ActionUpdate
			}
		} else {
			cd.Delta = Delta{
				Additions:        want,
				Removals:         mapset.NewThreadUnsafeSet[prefix.Record](),
				AffectedChunkIDs: mapset.NewThreadUnsafeSet[string](),
			}
			cd.Action = ActionCreate
		}
		plan.Chunks = append(plan.Chunks, cd)
	}

	for _, s := range current {
		if _, ok := targetIDs[s.Name]; ok {
			continue
		}
		plan.Chunks = append(plan.Chunks, ChunkDelta{
			ID:     s.Name,
			ListID: s.ListID,
			Action: ActionDelete,
			Delta: Delta{
				Additions:        mapset.NewThreadUnsafeSet[prefix.Record](),
				Removals:         mapset.NewThreadUnsafeSet(s.Members...),
				AffectedChunkIDs: mapset.NewThreadUnsafeSet[string](),
			},
		})
	}

	// base_9 before base_10
	slices.SortFunc(plan.Chunks, func(a, b ChunkDelta) int {
		if len(a.ID) != len(b.ID) {
			return len(a.ID) - len(b.ID)
		}
		return strings.Compare(a.ID, b.ID)
	})

	for i := range plan.Chunks {
		if plan.Chunks[i].Action == ActionNone {
			continue
		}
		plan.Chunks[i].AffectedChunkIDs.Add(plan.Chunks[i].ID)
		plan.Aggregate.AffectedChunkIDs.Add(plan.Chunks[i].ID)
	}

	plan.Aggregate.Additions = targetAll.Difference(currentAll)
	plan.Aggregate.Removals = currentAll.Difference(targetAll)
	plan.CurrentTotal = currentAll.Cardinality()
	plan.TargetTotal = targetAll.Cardinality()

	return plan, nil
}
