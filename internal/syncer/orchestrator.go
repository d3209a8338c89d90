// Package syncer drives one reconciliation cycle from feed download to
// controller writes.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"prefixsync/internal/chunk"
	"prefixsync/internal/controller"
	"prefixsync/internal/domain"
	"prefixsync/internal/feed"
	"prefixsync/internal/prefix"
	"prefixsync/internal/reconcile"
	"prefixsync/internal/safety"
	"prefixsync/internal/snapshot"
)

type Options struct {
	BaseName          string
	Capacity          int
	MaxRemovalPercent float64
	Family            prefix.Filter
	// DryRun stops after GATING and reports the plan.
	DryRun bool
}

func (o Options) validate() error {
	var errs []error
	if o.BaseName == "" {
		errs = append(errs, errors.New("base name is required"))
	}
	if o.Capacity < 1 {
		errs = append(errs, fmt.Errorf("%w: got %d", chunk.ErrInvalidCapacity, o.Capacity))
	}
	if o.MaxRemovalPercent < 0 || o.MaxRemovalPercent > 100 {
		errs = append(errs, fmt.Errorf("max removal percent %.2f outside [0,100]", o.MaxRemovalPercent))
	}
	if _, err := prefix.ParseFilter(string(o.Family)); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("syncer: invalid options: %w", err)
	}
	return nil
}

// Reporter receives every finished cycle, e.g. for metrics or alerts.
type Reporter interface {
	Report(ctx context.Context, res *Result)
}

type ReporterFunc func(ctx context.Context, res *Result)

func (f ReporterFunc) Report(ctx context.Context, res *Result) { f(ctx, res) }

type Option func(*Orchestrator)

func WithLogger(logger *log.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

func WithReporters(reporters ...Reporter) Option {
	return func(o *Orchestrator) {
		o.reporters = append(o.reporters, reporters...)
	}
}

// Orchestrator runs at most one cycle at a time; a concurrent Run returns
// immediately with StatusBusy.
type Orchestrator struct {
	fetcher   feed.Fetcher
	client    controller.Client
	store     snapshot.Store
	opts      Options
	logger    *log.Logger
	now       func() time.Time
	reporters []Reporter

	running sync.Mutex
}

func New(fetcher feed.Fetcher, client controller.Client, store snapshot.Store, opts Options, options ...Option) (*Orchestrator, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if fetcher == nil || client == nil || store == nil {
		return nil, errors.New("syncer: fetcher, controller client and snapshot store are required")
	}

	o := &Orchestrator{
		fetcher: fetcher,
		client:  client,
		store:   store,
		opts:    opts,
		logger:  log.Default(),
		now:     time.Now,
	}
	for _, opt := range options {
		opt(o)
	}
	o.logger = o.logger.WithPrefix("sync")
	return o, nil
}

// Run executes one cycle. It never returns a bare error: every outcome,
// including collaborator failures, is described by the Result.
//
// Cancelling ctx stops the cycle up to SNAPSHOTTING without side effects.
// Once the snapshot is written the cycle ignores cancellation and runs every
// controller call to completion.
func (o *Orchestrator) Run(ctx context.Context) *Result {
	res := &Result{BaseName: o.opts.BaseName, DryRun: o.opts.DryRun, StartedAt: o.now()}
	if !o.running.TryLock() {
		res.Status, res.Err = StatusBusy, ErrCycleInProgress
		o.finish(ctx, res)
		return res
	}
	defer o.running.Unlock()

	o.cycle(ctx, res)
	o.finish(ctx, res)
	return res
}

func (o *Orchestrator) cycle(ctx context.Context, res *Result) {
	res.enter(StateFetching)
	raw, err := o.fetcher.Fetch(ctx)
	if err != nil {
		var ferr *feed.FetchError
		if !errors.As(err, &ferr) && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			err = &feed.FetchError{Err: err}
		}
		res.abort(StatusFailed, err)
		return
	}

	res.enter(StateNormalizing)
	target, err := prefix.Normalize(o.opts.BaseName, raw, o.opts.Family)
	if err != nil {
		res.abort(StatusFailed, err)
		return
	}
	res.TargetTotal = target.Len()
	o.logger.Info("Normalized feed", "raw", len(raw), "prefixes", target.Len(), "family", o.opts.Family)

	res.enter(StatePartitioning)
	current, err := o.client.ListCurrentState(ctx, o.opts.BaseName)
	if err != nil {
		res.abort(StatusFailed, fmt.Errorf("read controller state: %w", err))
		return
	}

	previous := chunk.FromListStates(o.opts.BaseName, current, o.opts.Capacity)
	chunks, err := chunk.Partition(target, previous, o.opts.Capacity, o.opts.BaseName)
	if err != nil {
		res.abort(StatusFailed, err)
		return
	}

	res.enter(StateDiffing)
	plan, err := reconcile.Diff(chunks, current)
	if err != nil {
		res.abort(StatusFailed, err)
		return
	}
	res.Plan = plan
	res.CurrentTotal = plan.CurrentTotal
	o.logger.Info("Computed delta",
		"add", plan.Aggregate.AdditionCount(),
		"remove", plan.Aggregate.RemovalCount(),
		"lists", len(chunks),
		"changed_lists", len(plan.Changes()),
	)

	res.enter(StateGating)
	verdict := safety.Evaluate(plan.Aggregate, plan.CurrentTotal, o.opts.MaxRemovalPercent)
	res.Verdict = &verdict
	if !verdict.Allowed {
		res.abort(StatusBlocked, &SafetyBrakeError{Verdict: verdict})
		return
	}
	if plan.Aggregate.Empty() {
		res.abort(StatusNoop, nil)
		return
	}
	if o.opts.DryRun {
		o.logPlan(plan)
		res.abort(StatusPlanned, nil)
		return
	}

	o.mutate(ctx, res, current, plan)
}

// mutate snapshots current and then applies every change in plan. It is the
// only path that writes to the controller.
func (o *Orchestrator) mutate(ctx context.Context, res *Result, current []domain.ListState, plan *reconcile.Plan) {
	if err := ctx.Err(); err != nil {
		res.abort(StatusFailed, err)
		return
	}

	res.enter(StateSnapshotting)
	snap, path, err := snapshot.Capture(ctx, o.store, o.opts.BaseName, current, o.now())
	if err != nil {
		res.abort(StatusFailed, err)
		return
	}
	res.SnapshotPath = path
	res.SnapshotAt = o.now()
	o.logger.Info("Snapshot written", "path", path, "lists", len(snap.Lists))

	res.enter(StateApplying)
	applyCtx := context.WithoutCancel(ctx)
	var errs []error
	for _, change := range plan.Changes() {
		outcome := o.apply(applyCtx, change)
		if outcome.Err != nil {
			o.logger.Error("Apply failed", "list", change.ID, "action", change.Action, "error", outcome.Err)
			res.Failed = append(res.Failed, outcome)
			errs = append(errs, fmt.Errorf("%s %s: %w", change.Action, change.ID, outcome.Err))
			continue
		}
		o.logger.Info("Applied list change", "list", change.ID, "action", change.Action,
			"entries", outcome.Size, "add", change.AdditionCount(), "remove", change.RemovalCount())
		res.Applied = append(res.Applied, outcome)
	}

	res.enter(StateDone)
	if len(res.Failed) > 0 {
		res.Status = StatusDegraded
		res.Err = &PartialApplyError{Failed: res.FailedIDs(), Err: errors.Join(errs...)}
		return
	}
	res.Status = StatusSuccess
}

func (o *Orchestrator) apply(ctx context.Context, change reconcile.ChunkDelta) ChunkOutcome {
	outcome := ChunkOutcome{ID: change.ID, ListID: change.ListID, Action: change.Action, Size: len(change.Members)}
	ref := domain.ListRef{Name: change.ID, ListID: change.ListID}

	switch change.Action {
	case reconcile.ActionCreate:
		id, err := o.client.CreateList(ctx, change.ID, change.Members)
		outcome.ListID, outcome.Err = id, err
	case reconcile.ActionUpdate:
		outcome.Err = o.client.UpdateList(ctx, ref, change.Members)
	case reconcile.ActionDelete:
		outcome.Err = o.client.DeleteList(ctx, ref)
	default:
		outcome.Err = fmt.Errorf("unexpected action %q", change.Action)
	}
	outcome.At = o.now()
	return outcome
}

// Restore pushes the lists recorded in snap back to the controller. The
// current state is snapshotted first; the safety gate is not consulted since
// a restore is an explicit operator action.
func (o *Orchestrator) Restore(ctx context.Context, snap *snapshot.Snapshot) *Result {
	res := &Result{BaseName: o.opts.BaseName, StartedAt: o.now()}
	defer o.finish(ctx, res)

	if !o.running.TryLock() {
		res.Status, res.Err = StatusBusy, ErrCycleInProgress
		return res
	}
	defer o.running.Unlock()

	if snap == nil || snap.BaseName != o.opts.BaseName {
		res.abort(StatusFailed, fmt.Errorf("syncer: snapshot does not belong to %q", o.opts.BaseName))
		return res
	}

	res.enter(StatePartitioning)
	current, err := o.client.ListCurrentState(ctx, o.opts.BaseName)
	if err != nil {
		res.abort(StatusFailed, fmt.Errorf("read controller state: %w", err))
		return res
	}

	target := make([]domain.Chunk, 0, len(snap.Lists))
	for _, l := range snap.Lists {
		target = append(target, domain.Chunk{ID: l.Name, Members: l.Members, Capacity: len(l.Members)})
	}

	res.enter(StateDiffing)
	plan, err := reconcile.Diff(target, current)
	if err != nil {
		res.abort(StatusFailed, err)
		return res
	}
	res.Plan = plan
	res.TargetTotal = plan.TargetTotal
	res.CurrentTotal = plan.CurrentTotal

	res.enter(StateGating)
	if plan.Aggregate.Empty() {
		res.abort(StatusNoop, nil)
		return res
	}

	o.logger.Warn("Restoring snapshot", "taken_at", snap.TakenAt, "lists", len(snap.Lists))
	o.mutate(ctx, res, current, plan)
	return res
}

func (o *Orchestrator) logPlan(plan *reconcile.Plan) {
	const sample = 20
	for _, c := range plan.Changes() {
		add, rem := c.SortedAdditions(), c.SortedRemovals()
		o.logger.Info("[DRY-RUN] planned change", "list", c.ID, "action", c.Action,
			"add", len(add), "remove", len(rem),
			"add_sample", head(add, sample), "remove_sample", head(rem, sample))
	}
}

func head(records []prefix.Record, n int) []string {
	out := make([]string, 0, min(n, len(records)))
	for _, r := range records[:min(n, len(records))] {
		out = append(out, r.CIDR)
	}
	return out
}

func (o *Orchestrator) finish(ctx context.Context, res *Result) {
	res.FinishedAt = o.now()

	kv := []any{
		"base", res.BaseName,
		"status", res.Status,
		"state", res.State,
		"duration", res.Duration(),
	}
	switch res.Status {
	case StatusSuccess, StatusNoop, StatusPlanned:
		o.logger.Info("Sync cycle finished", append(kv, "summary", res.Summary())...)
	case StatusBusy:
		o.logger.Warn("Sync cycle skipped, previous cycle still running", "base", res.BaseName)
	case StatusBlocked, StatusDegraded:
		o.logger.Warn("Sync cycle needs attention", append(kv, "error", res.Err)...)
	default:
		o.logger.Error("Sync cycle failed", append(kv, "error", res.Err)...)
	}

	reportCtx := context.WithoutCancel(ctx)
	for _, r := range o.reporters {
		r.Report(reportCtx, res)
	}
}
