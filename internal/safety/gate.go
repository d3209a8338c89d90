// Package safety decides whether a delta removes too much to apply unattended.
package safety

import (
	"fmt"

	"prefixsync/internal/reconcile"
)

// Verdict is the gate's decision for one cycle.
type Verdict struct {
	Allowed      bool    `json:"allowed"`
	RemovalRatio float64 `json:"removal_ratio"`
	Reason       string  `json:"reason"`
}

// Percent returns the removal ratio as a percentage.
func (v Verdict) Percent() float64 {
	return v.RemovalRatio * 100
}

// Evaluate compares the aggregate removals against currentTotal. The change
// is allowed when removals are at most maxRemovalPercent of the current
// prefixes. With nothing currently present the change is always allowed.
func Evaluate(aggregate reconcile.Delta, currentTotal int, maxRemovalPercent float64) Verdict {
	removals := 0
	if aggregate.Removals != nil {
		removals = aggregate.RemovalCount()
	}

	if currentTotal <= 0 {
		return Verdict{
			Allowed: true,
			Reason:  "no current prefixes",
		}
	}

	ratio := float64(removals) / float64(max(currentTotal, 1))
	v := Verdict{
		Allowed:      ratio*100 <= maxRemovalPercent,
		RemovalRatio: ratio,
	}
	if v.Allowed {
		v.Reason = fmt.Sprintf("removals %.2f%% within guard %.2f%%", v.Percent(), maxRemovalPercent)
	} else {
		v.Reason = fmt.Sprintf("refusing change: removals %.2f%% > guard %.2f%% (%d of %d)",
			v.Percent(), maxRemovalPercent, removals, currentTotal)
	}
	return v
}
