package syncer

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"prefixsync/internal/feed"
	"prefixsync/internal/prefix"
	"prefixsync/internal/reconcile"
	"prefixsync/internal/safety"
	"prefixsync/internal/snapshot"
)

// State is a stage of the per-cycle state machine.
type State string

const (
	StateFetching     State = "FETCHING"
	StateNormalizing  State = "NORMALIZING"
	StatePartitioning State = "PARTITIONING"
	StateDiffing      State = "DIFFING"
	StateGating       State = "GATING"
	StateSnapshotting State = "SNAPSHOTTING"
	StateApplying     State = "APPLYING"
	StateAborted      State = "ABORTED"
	StateDone         State = "DONE"
)

// Status is the reportable outcome of a cycle.
type Status string

const (
	// StatusSuccess: every change was applied.
	StatusSuccess Status = "success"
	// StatusNoop: the controller already matched the feed.
	StatusNoop Status = "noop"
	// StatusPlanned: dry run, the plan was computed but not applied.
	StatusPlanned Status = "planned"
	// StatusBlocked: the safety brake refused the change.
	StatusBlocked Status = "blocked"
	// StatusFailed: the cycle stopped before any mutation.
	StatusFailed Status = "failed"
	// StatusDegraded: mutation began and at least one list failed.
	StatusDegraded Status = "degraded"
	// StatusBusy: another cycle was already running.
	StatusBusy Status = "busy"
)

var ErrCycleInProgress = errors.New("syncer: a sync cycle is already running")

// SafetyBrakeError is the policy abort raised by the safety gate. It is not a
// fault but needs operator attention.
type SafetyBrakeError struct {
	Verdict safety.Verdict
}

func (e *SafetyBrakeError) Error() string {
	return "syncer: safety brake triggered: " + e.Verdict.Reason
}

// PartialApplyError lists the chunks whose apply failed after mutation began.
type PartialApplyError struct {
	Failed []string
	Err    error
}

func (e *PartialApplyError) Error() string {
	return fmt.Sprintf("syncer: %d list(s) failed to apply (%s): %v", len(e.Failed), strings.Join(e.Failed, ", "), e.Err)
}

func (e *PartialApplyError) Unwrap() error { return e.Err }

// ChunkOutcome is the result of one controller call during APPLYING.
type ChunkOutcome struct {
	ID     string           `json:"id"`
	ListID string           `json:"list_id,omitempty"`
	Action reconcile.Action `json:"action"`
	Size   int              `json:"size"`
	At     time.Time        `json:"at"`
	Err    error            `json:"-"`
}

// Result is everything a caller needs to know about one cycle.
type Result struct {
	BaseName   string
	DryRun     bool
	Status     Status
	State      State
	Trace      []State
	Err        error
	StartedAt  time.Time
	FinishedAt time.Time

	TargetTotal  int
	CurrentTotal int
	Plan         *reconcile.Plan
	Verdict      *safety.Verdict

	SnapshotPath string
	SnapshotAt   time.Time

	Applied []ChunkOutcome
	Failed  []ChunkOutcome
}

func (r *Result) enter(s State) {
	r.State = s
	r.Trace = append(r.Trace, s)
}

func (r *Result) abort(status Status, err error) *Result {
	r.enter(StateAborted)
	r.Status = status
	r.Err = err
	return r
}

// Stage returns the last working state entered, i.e. the one an aborted cycle
// stopped in.
func (r *Result) Stage() State {
	for i := len(r.Trace) - 1; i >= 0; i-- {
		if r.Trace[i] != StateAborted {
			return r.Trace[i]
		}
	}
	return r.State
}

func (r *Result) AppliedIDs() []string {
	return outcomeIDs(r.Applied)
}

func (r *Result) FailedIDs() []string {
	return outcomeIDs(r.Failed)
}

func outcomeIDs(outcomes []ChunkOutcome) []string {
	ids := make([]string, 0, len(outcomes))
	for _, o := range outcomes {
		ids = append(ids, o.ID)
	}
	return ids
}

func (r *Result) Additions() int {
	if r.Plan == nil {
		return 0
	}
	return r.Plan.Aggregate.AdditionCount()
}

func (r *Result) Removals() int {
	if r.Plan == nil {
		return 0
	}
	return r.Plan.Aggregate.RemovalCount()
}

func (r *Result) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// ExitCode maps the outcome onto the process exit codes of the CLI.
func (r *Result) ExitCode() int {
	switch r.Status {
	case StatusSuccess, StatusNoop, StatusPlanned:
		return 0
	case StatusBlocked:
		return 2
	case StatusDegraded:
		return 5
	case StatusBusy:
		return 6
	}

	var (
		fetchErr   *feed.FetchError
		validErr   *prefix.ValidationError
		storageErr *snapshot.StorageError
	)
	switch {
	case errors.As(r.Err, &fetchErr), errors.As(r.Err, &validErr):
		return 1
	case errors.As(r.Err, &storageErr):
		return 4
	default:
		// controller failures, cancellation
		return 3
	}
}

// Summary is a one-line human description of the outcome.
func (r *Result) Summary() string {
	switch r.Status {
	case StatusSuccess:
		return fmt.Sprintf("synced %d prefixes into %d list(s): +%d/-%d, %d list(s) changed",
			r.TargetTotal, r.targetLists(), r.Additions(), r.Removals(), len(r.Applied))
	case StatusNoop:
		return fmt.Sprintf("no changes, %d prefixes already in sync", r.TargetTotal)
	case StatusPlanned:
		return fmt.Sprintf("dry run: +%d/-%d across %d list(s)", r.Additions(), r.Removals(), r.changedLists())
	case StatusDegraded:
		return fmt.Sprintf("partially applied: %d list(s) ok, %d failed (%s)",
			len(r.Applied), len(r.Failed), strings.Join(r.FailedIDs(), ", "))
	default:
		if r.Err != nil {
			return r.Err.Error()
		}
		return string(r.Status)
	}
}

func (r *Result) targetLists() int {
	if r.Plan == nil {
		return 0
	}
	n := 0
	for _, c := range r.Plan.Chunks {
		if c.Action != reconcile.ActionDelete {
			n++
		}
	}
	return n
}

func (r *Result) changedLists() int {
	if r.Plan == nil {
		return 0
	}
	return len(r.Plan.Changes())
}
