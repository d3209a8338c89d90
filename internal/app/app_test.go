package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/charmbracelet/log"
	"gorm.io/driver/sqlite"

	"prefixsync/internal/config"
	"prefixsync/internal/controller/memory"
	"prefixsync/internal/database"
	"prefixsync/internal/domain"
	"prefixsync/internal/feed"
	"prefixsync/internal/snapshot"
	"prefixsync/internal/syncer"
)

type testEnv struct {
	client  *memory.Client
	feed    feed.Static
	backups string
	history *database.History
}

func newTestEnv(t *testing.T, entries int) *testEnv {
	t.Helper()
	t.Setenv("VMANAGE_HOST", "vmanage.test")
	t.Setenv("VMANAGE_USER", "admin")
	t.Setenv("VMANAGE_PASS", "secret")
	t.Setenv("ZSCALER_JSON_URL", "https://feed.test/cenr/json")
	t.Setenv("DPL_NAME", "BYPASS")
	t.Setenv("LOG_LEVEL", "error")

	raw := make([]string, 0, entries)
	for i := 0; i < entries; i++ {
		raw = append(raw, fmt.Sprintf("10.%d.%d.0/24", i/256, i%256))
	}
	return &testEnv{client: memory.New(), feed: raw, backups: t.TempDir()}
}

func (e *testEnv) builder(context.Context, config.Config, *log.Logger) (*deps, error) {
	d := &deps{
		Controller: e.client,
		Fetcher:    e.feed,
		Store:      snapshot.NewFileStore(e.backups),
	}
	if e.history != nil {
		d.History = e.history
		d.Reporters = append(d.Reporters, e.history)
	}
	return d, nil
}

func execute(t *testing.T, e *testEnv, args ...string) (string, error) {
	t.Helper()
	root := NewRootCommand(e.builder)
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRunCommandSyncsFeed(t *testing.T) {
	e := newTestEnv(t, 700)

	out, err := execute(t, e, "run")
	if err != nil {
		t.Fatalf("run returned error: %v", err)
	}
	if !bytes.Contains([]byte(out), []byte("synced 700 prefixes into 2 list(s)")) {
		t.Fatalf("unexpected output: %s", out)
	}
	if got := len(e.client.Lists()); got != 2 {
		t.Fatalf("expected 2 lists on the controller, got %d", got)
	}

	out, err = execute(t, e, "run")
	if err != nil {
		t.Fatalf("second run returned error: %v", err)
	}
	if !bytes.Contains([]byte(out), []byte("no changes")) {
		t.Fatalf("second run was not a no-op: %s", out)
	}
}

func TestRunDryRunPrintsPlan(t *testing.T) {
	e := newTestEnv(t, 700)

	out, err := execute(t, e, "run", "--dry-run")
	if err != nil {
		t.Fatalf("dry run returned error: %v", err)
	}
	for _, want := range []string{"create BYPASS_01 (500 entries", "create BYPASS_02 (200 entries"} {
		if !bytes.Contains([]byte(out), []byte(want)) {
			t.Fatalf("dry run output missing %q:\n%s", want, out)
		}
	}
	if len(e.client.Calls()) != 0 {
		t.Fatal("dry run touched the controller")
	}
}

func TestRunSafetyBrakeExitCode(t *testing.T) {
	e := newTestEnv(t, 10)
	current := make([]string, 0, 100)
	for i := 0; i < 100; i++ {
		current = append(current, fmt.Sprintf("10.%d.%d.0/24", i/256, i%256))
	}
	if _, err := execute(t, &testEnv{client: e.client, feed: current, backups: e.backups}, "run"); err != nil {
		t.Fatalf("seed run returned error: %v", err)
	}

	_, err := execute(t, e, "run")
	if code := ExitCode(err); code != 2 {
		t.Fatalf("exit code %d, want 2 (err %v)", code, err)
	}
	var brake *syncer.SafetyBrakeError
	if !errors.As(err, &brake) {
		t.Fatalf("expected SafetyBrakeError, got %v", err)
	}
}

func TestMissingCredentialsExitOne(t *testing.T) {
	e := newTestEnv(t, 1)
	t.Setenv("VMANAGE_PASS", "")

	_, err := execute(t, e, "run")
	if code := ExitCode(err); code != 1 {
		t.Fatalf("exit code %d, want 1 (err %v)", code, err)
	}
}

func TestSnapshotAndRestoreCommands(t *testing.T) {
	e := newTestEnv(t, 0)
	e.client = memory.New(domain.ListState{
		ListRef: domain.ListRef{Name: "BYPASS_01"},
		Members: nil,
	})

	out, err := execute(t, e, "snapshot")
	if err != nil {
		t.Fatalf("snapshot returned error: %v", err)
	}
	files, _ := filepath.Glob(filepath.Join(e.backups, "BYPASS-*.json"))
	if len(files) != 1 {
		t.Fatalf("expected one snapshot file, got %v (output %s)", files, out)
	}

	if _, err := execute(t, e, "restore", files[0]); ExitCode(err) != 1 {
		t.Fatalf("restore without --yes should exit 1, got %v", err)
	}

	out, err = execute(t, e, "restore", "--yes", files[0])
	if err != nil {
		t.Fatalf("restore returned error: %v", err)
	}
	if !bytes.Contains([]byte(out), []byte("[noop]")) {
		t.Fatalf("restore of unchanged state should be a no-op: %s", out)
	}

	_, err = execute(t, e, "restore", "--yes", filepath.Join(e.backups, "missing.json"))
	if code := ExitCode(err); code != 4 {
		t.Fatalf("exit code %d, want 4", code)
	}
}

func TestHistoryCommand(t *testing.T) {
	e := newTestEnv(t, 3)
	t.Setenv("HISTORY_ENABLED", "true")

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_fk=1", t.Name())
	db, err := database.SetupDB(config.History{}, database.WithDialector(sqlite.Open(dsn)))
	if err != nil {
		t.Fatalf("setup history db: %v", err)
	}
	e.history = database.NewHistory(db, log.New(os.Stderr))

	if _, err := execute(t, e, "run"); err != nil {
		t.Fatalf("run returned error: %v", err)
	}

	out, err := execute(t, e, "history")
	if err != nil {
		t.Fatalf("history returned error: %v", err)
	}
	if !bytes.Contains([]byte(out), []byte("success")) {
		t.Fatalf("history output missing run:\n%s", out)
	}
}

func TestHistoryDisabled(t *testing.T) {
	e := newTestEnv(t, 1)
	t.Setenv("HISTORY_ENABLED", "false")

	_, err := execute(t, e, "history")
	if code := ExitCode(err); code != 1 {
		t.Fatalf("exit code %d, want 1", code)
	}
}

func TestExitCode(t *testing.T) {
	if ExitCode(nil) != 0 {
		t.Fatal("nil error should exit 0")
	}
	if ExitCode(errors.New("plain")) != 1 {
		t.Fatal("plain errors should exit 1")
	}
	if ExitCode(fmt.Errorf("wrapped: %w", &ExitError{Code: 5})) != 5 {
		t.Fatal("wrapped ExitError code not honoured")
	}
}
