package maintenance

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx"

	"github.com/midastechnical/storefront-sync/internal/config"
	"github.com/midastechnical/storefront-sync/internal/model"
	"github.com/midastechnical/storefront-sync/internal/runlog"
	"github.com/midastechnical/storefront-sync/internal/scheduler"
	"github.com/midastechnical/storefront-sync/internal/store"
	"github.com/midastechnical/storefront-sync/internal/syncer"
)

type fakePuller struct {
	run   model.SyncRun
	err   error
	calls int
}

func (f *fakePuller) Pull(ctx context.Context, trigger string) (model.SyncRun, error) {
	f.calls++
	return f.run, f.err
}

type fakeProbe struct{ err error }

func (f fakeProbe) ListInventory(ctx context.Context, page, pageSize int) ([]model.RemoteItem, error) {
	return nil, f.err
}

func goodRepairDesk() config.RepairDesk {
	return config.RepairDesk{BaseURL: "https://api.repairdesk.co/api/web/v1", APIKey: "k", VerifyTLS: true}
}

func newTasks(t *testing.T, p Puller) (*Tasks, *store.Memory, *runlog.Memory) {
	t.Helper()
	products := store.New()
	runs := runlog.NewMemory(10)
	cfg := config.Maintenance{BackupDir: t.TempDir(), BackupRetention: 7 * 24 * time.Hour, PerfLatencyBudget: time.Second}
	return New(p, products, runs, fakeProbe{}, goodRepairDesk(), cfg), products, runs
}

func TestByName(t *testing.T) {
	tasks, _, _ := newTasks(t, &fakePuller{})
	for _, name := range append(append([]string(nil), Names...), TaskAll) {
		task, err := tasks.ByName(name)
		require.NoError(t, err, name)
		assert.NotNil(t, task)
	}
	_, err := tasks.ByName("reindex")
	assert.ErrorIs(t, err, ErrUnknownTask)
}

func TestRepairDeskTask(t *testing.T) {
	ctx := context.Background()

	partial := &fakePuller{run: model.SyncRun{ID: "r", State: model.StateCompleted, ItemsFailed: 2}}
	tasks, _, _ := newTasks(t, partial)
	assert.NoError(t, tasks.RepairDesk(ctx), "partial sync is a normal outcome")

	failed := &fakePuller{run: model.SyncRun{State: model.StateFailed}, err: syncer.ErrPullFailed}
	tasks, _, _ = newTasks(t, failed)
	assert.ErrorIs(t, tasks.RepairDesk(ctx), syncer.ErrPullFailed)

	busy := &fakePuller{err: syncer.ErrRunInProgress}
	tasks, _, _ = newTasks(t, busy)
	err := tasks.RepairDesk(ctx)
	assert.ErrorIs(t, err, scheduler.ErrSkip)
}

func TestBackupWritesSnapshot(t *testing.T) {
	ctx := context.Background()
	tasks, products, runs := newTasks(t, &fakePuller{})
	tasks.now = func() time.Time { return time.Date(2026, 5, 4, 3, 2, 1, 0, time.UTC) }
	ext := "rd-1"
	_, err := products.UpsertByExternalID(ctx, model.Product{Name: "LCD", Price: decimal.RequireFromString("49.9"), StockQuantity: 3, ExternalID: &ext, Active: true})
	require.NoError(t, err)
	require.NoError(t, runs.Finish(ctx, model.SyncRun{ID: "run-1", Source: model.SourcePull, State: model.StateCompleted}))

	require.NoError(t, tasks.Backup(ctx))

	dir := filepath.Join(tasks.cfg.BackupDir, "backup-20260504-030201.000")
	raw, err := os.ReadFile(filepath.Join(dir, "products.json"))
	require.NoError(t, err)
	var saved []model.Product
	require.NoError(t, json.Unmarshal(raw, &saved))
	require.Len(t, saved, 1)
	assert.Equal(t, "LCD", saved[0].Name)

	raw, err = os.ReadFile(filepath.Join(dir, "runs.json"))
	require.NoError(t, err)
	assert.Contains(t, string(raw), "run-1")

	sheetFile, err := xlsx.OpenFile(filepath.Join(dir, "products.xlsx"))
	require.NoError(t, err)
	require.Len(t, sheetFile.Sheets, 1)
	rows := sheetFile.Sheets[0].Rows
	require.Len(t, rows, 2)
	assert.Equal(t, "Name", rows[0].Cells[3].String())
	assert.Equal(t, "rd-1", rows[1].Cells[1].String())
	assert.Equal(t, "49.90", rows[1].Cells[4].String())
}

func TestBackupsInSameInstantDoNotCollide(t *testing.T) {
	ctx := context.Background()
	tasks, _, _ := newTasks(t, &fakePuller{})
	tasks.now = func() time.Time { return time.Date(2026, 5, 4, 3, 2, 1, 500_000_000, time.UTC) }

	for range 3 {
		require.NoError(t, tasks.Backup(ctx))
	}
	entries, err := os.ReadDir(tasks.cfg.BackupDir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.ElementsMatch(t, []string{
		"backup-20260504-030201.500",
		"backup-20260504-030201.500-2",
		"backup-20260504-030201.500-3",
	}, names)
}

func TestBackupRotation(t *testing.T) {
	root := t.TempDir()
	now := time.Date(2026, 5, 10, 0, 0, 0, 0, time.UTC)
	old := filepath.Join(root, "backup-20260401-000000")
	fresh := filepath.Join(root, "backup-20260509-000000")
	foreign := filepath.Join(root, "keep-me")
	for _, d := range []string{old, fresh, foreign} {
		require.NoError(t, os.MkdirAll(d, 0o750))
	}
	require.NoError(t, os.Chtimes(old, now.Add(-40*24*time.Hour), now.Add(-40*24*time.Hour)))
	require.NoError(t, os.Chtimes(fresh, now.Add(-24*time.Hour), now.Add(-24*time.Hour)))
	require.NoError(t, os.Chtimes(foreign, now.Add(-40*24*time.Hour), now.Add(-40*24*time.Hour)))

	removed, err := cleanupOldBackups(root, 7*24*time.Hour, now)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.NoDirExists(t, old)
	assert.DirExists(t, fresh)
	assert.DirExists(t, foreign)
}

func TestSecurityPassesOnSaneConfig(t *testing.T) {
	tasks, _, _ := newTasks(t, &fakePuller{})
	require.NoError(t, os.Chmod(tasks.cfg.BackupDir, 0o750))
	assert.NoError(t, tasks.Security(context.Background()))
}

func TestSecurityReportsEveryFinding(t *testing.T) {
	tasks, _, _ := newTasks(t, &fakePuller{})
	tasks.rd = config.RepairDesk{BaseURL: "http://api.repairdesk.co", VerifyTLS: false}
	require.NoError(t, os.Chmod(tasks.cfg.BackupDir, 0o777))

	err := tasks.Security(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSecurityFinding)
	msg := err.Error()
	assert.Contains(t, msg, "REPAIRDESK_API_KEY")
	assert.Contains(t, msg, "REPAIRDESK_VERIFY_TLS")
	assert.Contains(t, msg, "https")
	assert.Contains(t, msg, "world-writable")
}

func TestPerformance(t *testing.T) {
	ctx := context.Background()
	tasks, _, _ := newTasks(t, &fakePuller{})
	assert.NoError(t, tasks.Performance(ctx))

	tasks.remote = fakeProbe{err: errors.New("connection refused")}
	err := tasks.Performance(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "repairdesk")

	// every reading of the clock advances it past the budget
	tasks.remote = fakeProbe{}
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tasks.now = func() time.Time {
		clock = clock.Add(3 * time.Second)
		return clock
	}
	assert.ErrorIs(t, tasks.Performance(ctx), ErrTooSlow)
}

func TestAllContinuesPastFailures(t *testing.T) {
	p := &fakePuller{err: syncer.ErrPullFailed}
	tasks, _, _ := newTasks(t, p)
	require.NoError(t, os.Chmod(tasks.cfg.BackupDir, 0o750))

	err := tasks.All(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, syncer.ErrPullFailed)
	assert.Equal(t, 1, p.calls)
	entries, _ := os.ReadDir(tasks.cfg.BackupDir)
	assert.Len(t, entries, 1, "backup still ran after the sync failed")
}
