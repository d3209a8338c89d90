package prefix

import (
	"fmt"
	"net/netip"
	"slices"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
)

type Family uint8

const (
	IPv4 Family = 4
	IPv6 Family = 6
)

func (f Family) String() string {
	switch f {
	case IPv4:
		return "ipv4"
	case IPv6:
		return "ipv6"
	default:
		return fmt.Sprintf("family(%d)", uint8(f))
	}
}

func (f Family) MarshalText() ([]byte, error) {
	switch f {
	case IPv4, IPv6:
		return []byte(f.String()), nil
	default:
		return nil, fmt.Errorf("prefix: unknown family %d", uint8(f))
	}
}

func (f *Family) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "ipv4":
		*f = IPv4
	case "ipv6":
		*f = IPv6
	default:
		return fmt.Errorf("prefix: unknown family %q", string(text))
	}
	return nil
}

// Filter selects which address families survive normalization.
type Filter string

const (
	FilterIPv4 Filter = "ipv4"
	FilterIPv6 Filter = "ipv6"
	FilterBoth Filter = "both"
)

func ParseFilter(raw string) (Filter, error) {
	switch f := Filter(strings.ToLower(strings.TrimSpace(raw))); f {
	case FilterIPv4, FilterIPv6, FilterBoth:
		return f, nil
	default:
		return "", fmt.Errorf("prefix: unknown family filter %q", raw)
	}
}

func (f Filter) allows(family Family) bool {
	switch f {
	case FilterBoth:
		return true
	case FilterIPv4:
		return family == IPv4
	case FilterIPv6:
		return family == IPv6
	default:
		return false
	}
}

// Record is a canonical network prefix. CIDR never carries host bits.
type Record struct {
	CIDR   string `json:"cidr"`
	Family Family `json:"family"`
}

func (r Record) String() string {
	return r.CIDR
}

// Prefix returns the parsed form. Records built by this package always parse.
func (r Record) Prefix() netip.Prefix {
	p, _ := netip.ParsePrefix(r.CIDR)
	return p
}

func recordFrom(p netip.Prefix) Record {
	family := IPv4
	if p.Addr().Is6() {
		family = IPv6
	}
	return Record{CIDR: p.String(), Family: family}
}

// Compare orders records IPv4 first, then by address, then by prefix length.
func Compare(a, b Record) int {
	if a.Family != b.Family {
		if a.Family < b.Family {
			return -1
		}
		return 1
	}
	pa, pb := a.Prefix(), b.Prefix()
	if c := pa.Addr().Compare(pb.Addr()); c != 0 {
		return c
	}
	switch {
	case pa.Bits() < pb.Bits():
		return -1
	case pa.Bits() > pb.Bits():
		return 1
	}
	return strings.Compare(a.CIDR, b.CIDR)
}

// Sort orders records in place using Compare.
func Sort(records []Record) {
	slices.SortFunc(records, Compare)
}

// Set is the unique collection of prefixes published by one source for one
// cycle. It is built once and never mutated afterwards.
type Set struct {
	source  string
	members mapset.Set[Record]
}

func newSet(source string, members mapset.Set[Record]) *Set {
	if members == nil {
		members = mapset.NewThreadUnsafeSet[Record]()
	}
	return &Set{source: source, members: members}
}

// NewSet builds a Set from already-canonical records, collapsing duplicates.
func NewSet(source string, records ...Record) *Set {
	return newSet(source, mapset.NewThreadUnsafeSet(records...))
}

func (s *Set) Source() string {
	if s == nil {
		return ""
	}
	return s.source
}

func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return s.members.Cardinality()
}

func (s *Set) Contains(r Record) bool {
	if s == nil {
		return false
	}
	return s.members.Contains(r)
}

// Records returns the members in canonical order.
func (s *Set) Records() []Record {
	if s == nil {
		return nil
	}
	out := s.members.ToSlice()
	Sort(out)
	return out
}

// Strings returns the members' CIDR strings in canonical order.
func (s *Set) Strings() []string {
	records := s.Records()
	out := make([]string, 0, len(records))
	for _, r := range records {
		out = append(out, r.CIDR)
	}
	return out
}

// Members exposes a copy of the underlying set for set algebra.
func (s *Set) Members() mapset.Set[Record] {
	if s == nil {
		return mapset.NewThreadUnsafeSet[Record]()
	}
	return s.members.Clone()
}
