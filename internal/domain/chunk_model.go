package domain

import "prefixsync/internal/prefix"

// Chunk is a capacity-bounded slice of the target prefix set that maps 1:1 to
// a controller list.
type Chunk struct {
	ID       string          `json:"id"`
	Index    int             `json:"index"`
	Members  []prefix.Record `json:"members"`
	Capacity int             `json:"capacity"`
}

func (c Chunk) Spare() int {
	return c.Capacity - len(c.Members)
}
