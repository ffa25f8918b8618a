package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AndreySavastyuk/MES-v1.0-sub000/internal/models"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenAt(filepath.Join(t.TempDir(), "warehouse.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestTask_RoundTrip(t *testing.T) {
	s := openTestStore(t)

	deadline := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	task := models.PickTask{
		ID:        "task-1",
		Status:    "in_progress",
		Priority:  3,
		Deadline:  &deadline,
		Notes:     "check pallet labels",
		SKU:       "SKU-100",
		Quantity:  12,
		UpdatedAt: time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC),
	}
	require.NoError(t, s.PutTask(task))

	got, err := s.Task("task-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, task, *got)

	missing, err := s.Task("no-such")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestPutTask_RequiresID(t *testing.T) {
	s := openTestStore(t)
	assert.Error(t, s.PutTask(models.PickTask{Status: "pending"}))
}

func TestPutTask_StampsUpdatedAt(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.PutTask(models.PickTask{ID: "task-1"}))

	got, err := s.Task("task-1")
	require.NoError(t, err)
	assert.False(t, got.UpdatedAt.IsZero())
}

func TestTasksUpdatedSince_FiltersStrictly(t *testing.T) {
	s := openTestStore(t)

	cutoff := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.PutTask(models.PickTask{ID: "old", UpdatedAt: cutoff.Add(-time.Hour)}))
	require.NoError(t, s.PutTask(models.PickTask{ID: "exact", UpdatedAt: cutoff}))
	require.NoError(t, s.PutTask(models.PickTask{ID: "new", UpdatedAt: cutoff.Add(time.Hour)}))

	tasks, err := s.TasksUpdatedSince(cutoff)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "new", tasks[0].ID)

	all, err := s.TasksUpdatedSince(time.Time{})
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestInventory_RoundTrip(t *testing.T) {
	s := openTestStore(t)

	rec := models.InventoryRecord{
		SKU:       "SKU-100",
		Location:  "A-12-3",
		Quantity:  55,
		CountedBy: "tablet-1",
		UpdatedAt: time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC),
	}
	require.NoError(t, s.PutInventoryItem(rec))

	got, err := s.InventoryItem("SKU-100")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, rec, *got)

	assert.Error(t, s.PutInventoryItem(models.InventoryRecord{Quantity: 1}))
}

func TestSettings_RoundTrip(t *testing.T) {
	s := openTestStore(t)

	setting := models.Setting{
		Key:       "scan_mode",
		Value:     "batch",
		UpdatedAt: time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC),
	}
	require.NoError(t, s.PutSetting(setting))

	got, err := s.Setting("scan_mode")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, setting, *got)

	assert.Error(t, s.PutSetting(models.Setting{Value: "no key"}))
}

func TestSyncToken_KeyedPerDeviceAndType(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.PutSyncToken("tablet-1", "tasks", "token-a"))
	require.NoError(t, s.PutSyncToken("tablet-1", "inventory", "token-b"))
	require.NoError(t, s.PutSyncToken("tablet-2", "tasks", "token-c"))

	token, err := s.SyncToken("tablet-1", "tasks")
	require.NoError(t, err)
	assert.Equal(t, "token-a", token)

	token, err = s.SyncToken("tablet-1", "inventory")
	require.NoError(t, err)
	assert.Equal(t, "token-b", token)

	token, err = s.SyncToken("tablet-3", "tasks")
	require.NoError(t, err)
	assert.Empty(t, token)
}

func TestOpen_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "warehouse.db")

	s, err := OpenAt(path)
	require.NoError(t, err)
	require.NoError(t, s.PutTask(models.PickTask{ID: "task-1", UpdatedAt: time.Now()}))
	require.NoError(t, s.Close())

	s, err = OpenAt(path)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.Task("task-1")
	require.NoError(t, err)
	require.NotNil(t, got)
}
