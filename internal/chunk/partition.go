// Package chunk splits a prefix set into capacity-bounded lists whose
// identities stay stable between cycles.
package chunk

import (
	"errors"
	"fmt"
	"slices"

	mapset "github.com/deckarep/golang-set/v2"

	"prefixsync/internal/domain"
	"prefixsync/internal/prefix"
)

var ErrInvalidCapacity = errors.New("chunk: capacity must be at least 1")

// Partition distributes target over chunks named base_NN.
//
// Members of previous chunks that are still in target stay where they are.
// New members fill spare capacity in index order and then open new chunks
// after the highest previous index. A previous chunk left with no members is
// omitted from the result, which the delta engine turns into a list deletion;
// its index is not handed out again in the same call.
// Members inside each chunk are sorted canonically.
func Partition(target *prefix.Set, previous []domain.Chunk, capacity int, base string) ([]domain.Chunk, error) {
	if capacity < 1 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidCapacity, capacity)
	}
	if base == "" {
		return nil, errors.New("chunk: base name is required")
	}

	ordered := append([]domain.Chunk(nil), previous...)
	for i := range ordered {
		if ordered[i].Index < 1 {
			idx, ok := domain.ParseChunkIndex(base, ordered[i].ID)
			if !ok {
				return nil, fmt.Errorf("chunk: previous chunk %q does not belong to %q", ordered[i].ID, base)
			}
			ordered[i].Index = idx
		}
	}
	slices.SortStableFunc(ordered, func(a, b domain.Chunk) int { return a.Index - b.Index })

	assigned := mapset.NewThreadUnsafeSetWithSize[prefix.Record](target.Len())
	result := make([]domain.Chunk, 0, len(ordered))

	for i, prev := range ordered {
		if i > 0 && ordered[i-1].Index == prev.Index {
			return nil, fmt.Errorf("chunk: duplicate previous chunk index %d", prev.Index)
		}

		kept := make([]prefix.Record, 0, len(prev.Members))
		for _, m := range prev.Members {
			if target.Contains(m) && !assigned.Contains(m) {
				kept = append(kept, m)
			}
		}
		prefix.Sort(kept)
		kept = slices.Compact(kept)

		// A list that shrank in capacity keeps its lowest members; the rest are
		// re-placed below like new members.
		if len(kept) > capacity {
			kept = kept[:capacity]
		}
		if len(kept) == 0 {
			continue
		}

		for _, m := range kept {
			assigned.Add(m)
		}
		result = append(result, domain.Chunk{
			ID:       domain.ChunkName(base, prev.Index),
			Index:    prev.Index,
			Members:  kept,
			Capacity: capacity,
		})
	}

	pending := make([]prefix.Record, 0, target.Len()-assigned.Cardinality())
	for _, r := range target.Records() {
		if !assigned.Contains(r) {
			pending = append(pending, r)
		}
	}

	for i := range result {
		if len(pending) == 0 {
			break
		}
		n := min(result[i].Spare(), len(pending))
		result[i].Members = append(result[i].Members, pending[:n]...)
		pending = pending[n:]
	}

	next := 1
	if len(ordered) > 0 {
		next = ordered[len(ordered)-1].Index + 1
	}
	for ; len(pending) > 0; next++ {
		n := min(capacity, len(pending))
		members := make([]prefix.Record, n)
		copy(members, pending[:n])
		pending = pending[n:]

		result = append(result, domain.Chunk{
			ID:       domain.ChunkName(base, next),
			Index:    next,
			Members:  members,
			Capacity: capacity,
		})
	}

	for i := range result {
		prefix.Sort(result[i].Members)
	}
	slices.SortFunc(result, func(a, b domain.Chunk) int { return a.Index - b.Index })

	return result, nil
}

// FromListStates turns the controller's lists for base into previous chunks,
// ignoring lists whose names are not base_NN.
func FromListStates(base string, states []domain.ListState, capacity int) []domain.Chunk {
	chunks := make([]domain.Chunk, 0, len(states))
	for _, s := range states {
		idx, ok := domain.ParseChunkIndex(base, s.Name)
		if !ok {
			continue
		}
		chunks = append(chunks, domain.Chunk{
			ID:       s.Name,
			Index:    idx,
			Members:  append([]prefix.Record(nil), s.Members...),
			Capacity: capacity,
		})
	}
	slices.SortFunc(chunks, func(a, b domain.Chunk) int { return a.Index - b.Index })
	return chunks
}
