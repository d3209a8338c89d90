package syncer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"prefixsync/internal/controller/memory"
	"prefixsync/internal/domain"
	"prefixsync/internal/feed"
	"prefixsync/internal/prefix"
	"prefixsync/internal/snapshot"
)

// tickingClock advances one second per call so snapshot names never collide.
type tickingClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *tickingClock {
	return &tickingClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *tickingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func prefixes(n int) []string {
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, fmt.Sprintf("10.%d.%d.0/24", i/256, i%256))
	}
	return out
}

func records(t *testing.T, raw ...string) []prefix.Record {
	t.Helper()
	set, err := prefix.Normalize("test", raw, prefix.FilterBoth)
	require.NoError(t, err)
	return set.Records()
}

func list(t *testing.T, name string, raw ...string) domain.ListState {
	return domain.ListState{ListRef: domain.ListRef{Name: name}, Members: records(t, raw...)}
}

type harness struct {
	client *memory.Client
	store  *snapshot.FileStore
	clock  *tickingClock
	opts   Options
}

func newHarness(t *testing.T, initial ...domain.ListState) *harness {
	clock := newClock()
	client := memory.New(initial...)
	client.Now = clock.Now
	return &harness{
		client: client,
		store:  snapshot.NewFileStore(t.TempDir()),
		clock:  clock,
		opts: Options{
			BaseName:          "BYPASS",
			Capacity:          500,
			MaxRemovalPercent: 25,
			Family:            prefix.FilterIPv4,
		},
	}
}

func (h *harness) orchestrator(t *testing.T, fetcher feed.Fetcher, options ...Option) *Orchestrator {
	t.Helper()
	options = append([]Option{WithLogger(log.New(io.Discard)), WithClock(h.clock.Now)}, options...)
	o, err := New(fetcher, h.client, h.store, h.opts, options...)
	require.NoError(t, err)
	return o
}

func snapshotFiles(t *testing.T, h *harness) []string {
	t.Helper()
	entries, err := os.ReadDir(h.store.Dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestFreshControllerCreatesTwoLists(t *testing.T) {
	h := newHarness(t)
	o := h.orchestrator(t, feed.Static(prefixes(700)))

	res := o.Run(context.Background())
	require.NoError(t, res.Err)
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, 0, res.ExitCode())
	assert.Equal(t, []string{"BYPASS_01", "BYPASS_02"}, res.AppliedIDs())

	lists := h.client.Lists()
	require.Len(t, lists, 2)
	assert.Len(t, lists["BYPASS_01"].Members, 500)
	assert.Len(t, lists["BYPASS_02"].Members, 200)
	assert.Equal(t, []State{
		StateFetching, StateNormalizing, StatePartitioning, StateDiffing,
		StateGating, StateSnapshotting, StateApplying, StateDone,
	}, res.Trace)
	assert.Len(t, snapshotFiles(t, h), 1)
}

func TestSecondRunIsNoop(t *testing.T) {
	h := newHarness(t)
	o := h.orchestrator(t, feed.Static(prefixes(700)))

	require.Equal(t, StatusSuccess, o.Run(context.Background()).Status)
	calls := len(h.client.Calls())

	res := o.Run(context.Background())
	assert.Equal(t, StatusNoop, res.Status)
	assert.NoError(t, res.Err)
	assert.Equal(t, calls, len(h.client.Calls()), "noop must not call the controller")
	assert.Len(t, snapshotFiles(t, h), 1, "noop must not snapshot")
}

func TestSafetyBrakeBlocksLargeRemoval(t *testing.T) {
	current := prefixes(100)
	h := newHarness(t, list(t, "BYPASS_01", current...))
	o := h.orchestrator(t, feed.Static(current[:70]))

	res := o.Run(context.Background())
	assert.Equal(t, StatusBlocked, res.Status)
	assert.Equal(t, 2, res.ExitCode())

	var brake *SafetyBrakeError
	require.True(t, errors.As(res.Err, &brake))
	assert.InDelta(t, 0.30, brake.Verdict.RemovalRatio, 1e-9)
	assert.Empty(t, h.client.Calls())
	assert.Empty(t, snapshotFiles(t, h))
}

func TestRemovalWithinThresholdApplies(t *testing.T) {
	current := prefixes(100)
	h := newHarness(t, list(t, "BYPASS_01", current...))
	o := h.orchestrator(t, feed.Static(current[:80]))

	res := o.Run(context.Background())
	require.NoError(t, res.Err)
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, 20, res.Removals())
	assert.Len(t, h.client.Lists()["BYPASS_01"].Members, 80)
}

func TestCurrentTotalCountsUniquePrefixes(t *testing.T) {
	current := prefixes(100)
	h := newHarness(t,
		list(t, "BYPASS_01", current[:50]...),
		list(t, "BYPASS_02", current[40:]...),
	)
	o := h.orchestrator(t, feed.Static(current))

	res := o.Run(context.Background())
	require.NoError(t, res.Err)
	assert.Equal(t, 100, res.CurrentTotal)
	assert.Equal(t, 0, res.Removals())
	assert.Equal(t, []string{"BYPASS_02"}, res.AppliedIDs())
	assert.Len(t, h.client.Lists()["BYPASS_02"].Members, 50)
}

func TestSnapshotPrecedesFirstMutation(t *testing.T) {
	current := prefixes(10)
	h := newHarness(t, list(t, "BYPASS_01", current...))
	o := h.orchestrator(t, feed.Static(append(current, "192.0.2.0/24")))

	res := o.Run(context.Background())
	require.NoError(t, res.Err)

	calls := h.client.Calls()
	require.NotEmpty(t, calls)
	assert.True(t, res.SnapshotAt.Before(calls[0].At), "snapshot %s, first call %s", res.SnapshotAt, calls[0].At)

	snap, err := snapshot.Load(res.SnapshotPath)
	require.NoError(t, err)
	require.Len(t, snap.Lists, 1)
	assert.Len(t, snap.Lists[0].Members, 10, "snapshot holds pre-change state")
}

func TestSnapshotFailureAbortsBeforeMutation(t *testing.T) {
	h := newHarness(t)
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o600))
	h.store = snapshot.NewFileStore(filepath.Join(blocker, "backups"))
	o := h.orchestrator(t, feed.Static(prefixes(5)))

	res := o.Run(context.Background())
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, 4, res.ExitCode())
	var serr *snapshot.StorageError
	assert.True(t, errors.As(res.Err, &serr))
	assert.Empty(t, h.client.Calls())
}

func TestPartialApplyIsDegraded(t *testing.T) {
	h := newHarness(t)
	h.client.Fail = map[string]error{"BYPASS_02": errors.New("boom")}
	o := h.orchestrator(t, feed.Static(prefixes(700)))

	res := o.Run(context.Background())
	assert.Equal(t, StatusDegraded, res.Status)
	assert.Equal(t, 5, res.ExitCode())
	assert.Equal(t, []string{"BYPASS_01"}, res.AppliedIDs())
	assert.Equal(t, []string{"BYPASS_02"}, res.FailedIDs())

	var partial *PartialApplyError
	require.True(t, errors.As(res.Err, &partial))
	assert.Equal(t, []string{"BYPASS_02"}, partial.Failed)
	assert.Contains(t, res.Summary(), "BYPASS_02")
}

func TestDryRunDoesNotMutate(t *testing.T) {
	h := newHarness(t)
	h.opts.DryRun = true
	o := h.orchestrator(t, feed.Static(prefixes(700)))

	res := o.Run(context.Background())
	assert.Equal(t, StatusPlanned, res.Status)
	assert.Equal(t, 0, res.ExitCode())
	assert.Equal(t, 700, res.Additions())
	assert.Empty(t, h.client.Calls())
	assert.Empty(t, snapshotFiles(t, h))
	assert.Contains(t, res.Summary(), "dry run")
}

func TestValidationErrorSkipsController(t *testing.T) {
	h := newHarness(t)
	h.client.ListErr = errors.New("controller must not be read")
	o := h.orchestrator(t, feed.Static{"10.0.0.0/24", "garbage"})

	res := o.Run(context.Background())
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, 1, res.ExitCode())
	var verr *prefix.ValidationError
	assert.True(t, errors.As(res.Err, &verr))
	assert.Equal(t, StateAborted, res.State)
	assert.NotContains(t, res.Trace, StatePartitioning)
}

func TestFetchFailureIsWrapped(t *testing.T) {
	h := newHarness(t)
	o := h.orchestrator(t, failingFetcher{err: errors.New("dns")})

	res := o.Run(context.Background())
	var ferr *feed.FetchError
	require.True(t, errors.As(res.Err, &ferr))
	assert.Equal(t, 1, res.ExitCode())
}

func TestControllerReadFailure(t *testing.T) {
	h := newHarness(t)
	h.client.ListErr = errors.New("unreachable")
	o := h.orchestrator(t, feed.Static(prefixes(3)))

	res := o.Run(context.Background())
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, 3, res.ExitCode())
}

func TestCancellationBeforeSnapshotHasNoSideEffects(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	o := h.orchestrator(t, feed.Static(prefixes(3)), WithReporters(ReporterFunc(func(context.Context, *Result) {})))
	o.fetcher = cancellingFetcher{inner: feed.Static(prefixes(3)), cancel: cancel}

	res := o.Run(ctx)
	assert.Equal(t, StatusFailed, res.Status)
	assert.ErrorIs(t, res.Err, context.Canceled)
	assert.Empty(t, h.client.Calls())
	assert.Empty(t, snapshotFiles(t, h))
}

func TestCancellationDuringApplyRunsToCompletion(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.client.Now = func() time.Time {
		cancel()
		return h.clock.Now()
	}
	o := h.orchestrator(t, feed.Static(prefixes(1200)))

	res := o.Run(ctx)
	require.NoError(t, res.Err)
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, []string{"BYPASS_01", "BYPASS_02", "BYPASS_03"}, res.AppliedIDs())
	assert.Empty(t, res.FailedIDs())
	assert.Len(t, h.client.Lists(), 3)
}

func TestConcurrentRunIsBusy(t *testing.T) {
	h := newHarness(t)
	release := make(chan struct{})
	started := make(chan struct{})
	o := h.orchestrator(t, blockingFetcher{started: started, release: release})

	done := make(chan *Result)
	go func() { done <- o.Run(context.Background()) }()
	<-started

	busy := o.Run(context.Background())
	assert.Equal(t, StatusBusy, busy.Status)
	assert.ErrorIs(t, busy.Err, ErrCycleInProgress)
	assert.Equal(t, 6, busy.ExitCode())

	close(release)
	first := <-done
	assert.Equal(t, StatusSuccess, first.Status)
}

func TestReportersSeeEveryCycle(t *testing.T) {
	h := newHarness(t)
	var seen []Status
	o := h.orchestrator(t, feed.Static(prefixes(3)), WithReporters(ReporterFunc(func(_ context.Context, res *Result) {
		seen = append(seen, res.Status)
	})))

	o.Run(context.Background())
	o.Run(context.Background())
	assert.Equal(t, []Status{StatusSuccess, StatusNoop}, seen)
}

func TestRestoreRollsBack(t *testing.T) {
	original := prefixes(10)
	h := newHarness(t, list(t, "BYPASS_01", original...))
	o := h.orchestrator(t, feed.Static(append(original, "192.0.2.0/24")))

	res := o.Run(context.Background())
	require.Equal(t, StatusSuccess, res.Status)
	require.Len(t, h.client.Lists()["BYPASS_01"].Members, 11)

	snap, err := snapshot.Load(res.SnapshotPath)
	require.NoError(t, err)

	restored := o.Restore(context.Background(), snap)
	require.NoError(t, restored.Err)
	assert.Equal(t, StatusSuccess, restored.Status)
	assert.Len(t, h.client.Lists()["BYPASS_01"].Members, 10)
	assert.Len(t, snapshotFiles(t, h), 2)
}

func TestRestoreRejectsForeignSnapshot(t *testing.T) {
	h := newHarness(t)
	o := h.orchestrator(t, feed.Static(nil))

	res := o.Restore(context.Background(), &snapshot.Snapshot{BaseName: "OTHER"})
	assert.Equal(t, StatusFailed, res.Status)
	assert.Empty(t, h.client.Calls())
}

func TestNewValidatesOptions(t *testing.T) {
	client := memory.New()
	store := snapshot.NewFileStore(t.TempDir())

	_, err := New(feed.Static(nil), client, store, Options{BaseName: "B", Capacity: 0, Family: prefix.FilterIPv4})
	assert.Error(t, err)
	_, err = New(feed.Static(nil), client, store, Options{BaseName: "B", Capacity: 10, MaxRemovalPercent: 120, Family: prefix.FilterIPv4})
	assert.Error(t, err)
	_, err = New(feed.Static(nil), client, store, Options{Capacity: 10, Family: prefix.FilterIPv4})
	assert.Error(t, err)
	_, err = New(nil, client, store, Options{BaseName: "B", Capacity: 10, Family: prefix.FilterIPv4})
	assert.Error(t, err)
}

type failingFetcher struct{ err error }

func (f failingFetcher) Fetch(context.Context) ([]string, error) { return nil, f.err }

type cancellingFetcher struct {
	inner  feed.Fetcher
	cancel context.CancelFunc
}

func (f cancellingFetcher) Fetch(ctx context.Context) ([]string, error) {
	raw, err := f.inner.Fetch(ctx)
	f.cancel()
	return raw, err
}

type blockingFetcher struct {
	started chan struct{}
	release chan struct{}
}

func (f blockingFetcher) Fetch(context.Context) ([]string, error) {
	close(f.started)
	<-f.release
	return prefixes(3), nil
}
