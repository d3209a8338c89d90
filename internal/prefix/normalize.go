package prefix

import (
	"fmt"
	"net/netip"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
)

// ValidationError lists the raw entries that could not be parsed as an
// address or CIDR.
type ValidationError struct {
	Entries []string
}

func (e *ValidationError) Error() string {
	const maxShown = 10
	shown := e.Entries
	suffix := ""
	if len(shown) > maxShown {
		shown = shown[:maxShown]
		suffix = fmt.Sprintf(" (and %d more)", len(e.Entries)-maxShown)
	}
	return fmt.Sprintf("prefix: %d invalid entries: %s%s", len(e.Entries), strings.Join(shown, ", "), suffix)
}

// Normalize parses raw address strings into a canonical Set.
//
// Host bits set beyond the mask are cleared, so "10.0.0.7/24" becomes
// "10.0.0.0/24". A bare address becomes a /32 or /128. Blank entries are
// ignored, entries outside filter are dropped, and duplicates collapse. Any
// entry that does not parse fails the whole call with a *ValidationError.
func Normalize(source string, raw []string, filter Filter) (*Set, error) {
	if _, err := ParseFilter(string(filter)); err != nil {
		return nil, err
	}

	members := mapset.NewThreadUnsafeSetWithSize[Record](len(raw))
	var invalid []string

	for _, entry := range raw {
		value := strings.TrimSpace(entry)
		if value == "" {
			continue
		}

		p, err := ParseCIDR(value)
		if err != nil {
			invalid = append(invalid, entry)
			continue
		}

		record := recordFrom(p)
		if !filter.allows(record.Family) {
			continue
		}
		members.Add(record)
	}

	if len(invalid) > 0 {
		return nil, &ValidationError{Entries: invalid}
	}

	return newSet(source, members), nil
}

// ParseCIDR parses a CIDR or bare address and clears host bits.
func ParseCIDR(value string) (netip.Prefix, error) {
	if !strings.Contains(value, "/") {
		addr, err := netip.ParseAddr(value)
		if err != nil {
			return netip.Prefix{}, err
		}
		if addr.Zone() != "" {
			return netip.Prefix{}, fmt.Errorf("prefix: zoned address %q", value)
		}
		return netip.PrefixFrom(addr, addr.BitLen()), nil
	}

	p, err := netip.ParsePrefix(value)
	if err != nil {
		return netip.Prefix{}, err
	}
	return p.Masked(), nil
}
