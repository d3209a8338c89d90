package domain

import (
	"fmt"
	"strconv"
	"strings"

	"prefixsync/internal/prefix"
)

// ListRef identifies a prefix list on the controller. Name is the chunk id
// (e.g. ZSCALER_BYPASS_01); ListID is the controller-assigned identifier.
type ListRef struct {
	Name   string `json:"name"`
	ListID string `json:"listId,omitempty"`
}

// ListState is the controller's current view of one managed list.
type ListState struct {
	ListRef
	Members []prefix.Record `json:"members"`
}

// ChunkName renders the list name for a chunk index, zero-padded to two digits.
func ChunkName(base string, index int) string {
	return fmt.Sprintf("%s_%02d", base, index)
}

// ParseChunkIndex extracts the index from a name produced by ChunkName. It
// reports false for names that do not belong to base.
func ParseChunkIndex(base, name string) (int, bool) {
	suffix, ok := strings.CutPrefix(name, base+"_")
	if !ok || len(suffix) < 2 {
		return 0, false
	}
	for _, r := range suffix {
		if r < '0' || r > '9' {
			return 0, false
		}
	}
	idx, err := strconv.Atoi(suffix)
	if err != nil || idx < 1 {
		return 0, false
	}
	if ChunkName(base, idx) != name {
		return 0, false
	}
	return idx, true
}
