package conflict

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AndreySavastyuk/MES-v1.0-sub000/internal/models"
)

func taskPair() (models.PickTask, models.PickTask) {
	server := models.PickTask{
		ID:        "task-1",
		Status:    "pending",
		Priority:  2,
		Notes:     "pick from aisle 4",
		UpdatedAt: time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC),
	}
	device := server
	return server, device
}

func TestDetectConflicts_Identical(t *testing.T) {
	server, device := taskPair()
	r := NewResolver()

	assert.Empty(t, r.DetectConflicts(server, device))
}

func TestDetectConflicts_AllFields(t *testing.T) {
	server, device := taskPair()
	deadline := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	device.Status = "in_progress"
	device.Priority = 5
	device.AssignedDevice = "tablet-1"
	device.Deadline = &deadline
	device.Notes = "pick from aisle 5"

	conflicts := NewResolver().DetectConflicts(server, device)
	require.Len(t, conflicts, 5)

	fields := make([]string, len(conflicts))
	for i, c := range conflicts {
		fields[i] = c.Field
		assert.Equal(t, "task-1", c.RecordID)
		assert.False(t, c.Resolved)
	}
	assert.ElementsMatch(t, []string{"status", "priority", "assigned_device", "deadline", "notes"}, fields)
}

func TestDetectConflicts_NotesCarriesDelta(t *testing.T) {
	server, device := taskPair()
	device.Notes = "pick from aisle 5 urgently"

	conflicts := NewResolver().DetectConflicts(server, device)
	require.Len(t, conflicts, 1)
	assert.Equal(t, "notes", conflicts[0].Field)
	assert.NotEmpty(t, conflicts[0].Delta)
}

func TestResolve_StatusFurtherAlongWins(t *testing.T) {
	tests := []struct {
		name       string
		server     string
		device     string
		want       string
		resolution string
	}{
		{"device ahead", "pending", "in_progress", "in_progress", ResolutionDevice},
		{"server ahead", "completed", "in_progress", "completed", ResolutionServer},
		{"cancelled loses", "pending", "cancelled", "pending", ResolutionServer},
		{"on_hold ties to server", "pending", "on_hold", "pending", ResolutionServer},
	}
	r := NewResolver()

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, device := taskPair()
			server.Status = tt.server
			device.Status = tt.device

			conflicts := r.DetectConflicts(server, device)
			require.Len(t, conflicts, 1)

			merged, resolved := r.Resolve(server, device, conflicts)
			assert.Equal(t, tt.want, merged.Status)
			assert.Equal(t, tt.resolution, resolved[0].Resolution)
			assert.True(t, resolved[0].Resolved)
		})
	}
}

func TestResolve_PriorityMaxWins(t *testing.T) {
	server, device := taskPair()
	server.Priority = 7
	device.Priority = 3
	r := NewResolver()

	merged, resolved := r.Resolve(server, device, r.DetectConflicts(server, device))
	assert.Equal(t, 7, merged.Priority)
	assert.Equal(t, ResolutionServer, resolved[0].Resolution)
}

func TestResolve_AssignedDeviceDeviceWins(t *testing.T) {
	server, device := taskPair()
	server.AssignedDevice = "scanner-2"
	device.AssignedDevice = "tablet-1"
	r := NewResolver()

	merged, resolved := r.Resolve(server, device, r.DetectConflicts(server, device))
	assert.Equal(t, "tablet-1", merged.AssignedDevice)
	assert.Equal(t, ResolutionDevice, resolved[0].Resolution)
}

func TestResolve_DeadlineEarlierWins(t *testing.T) {
	early := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	late := early.Add(48 * time.Hour)

	server, device := taskPair()
	server.Deadline = &late
	device.Deadline = &early
	r := NewResolver()

	merged, resolved := r.Resolve(server, device, r.DetectConflicts(server, device))
	require.NotNil(t, merged.Deadline)
	assert.True(t, merged.Deadline.Equal(early))
	assert.Equal(t, ResolutionDevice, resolved[0].Resolution)
}

func TestResolve_NilDeadlineNeverWins(t *testing.T) {
	concrete := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)

	server, device := taskPair()
	server.Deadline = &concrete
	r := NewResolver()

	merged, resolved := r.Resolve(server, device, r.DetectConflicts(server, device))
	require.NotNil(t, merged.Deadline)
	assert.True(t, merged.Deadline.Equal(concrete))
	assert.Equal(t, ResolutionServer, resolved[0].Resolution)
}

func TestResolve_NotesMergesDeviceEdits(t *testing.T) {
	server, device := taskPair()
	device.Notes = server.Notes + ", wear gloves"
	r := NewResolver()

	merged, resolved := r.Resolve(server, device, r.DetectConflicts(server, device))
	assert.Equal(t, "pick from aisle 4, wear gloves", merged.Notes)
	assert.Equal(t, ResolutionMerged, resolved[0].Resolution)
}

func TestResolve_NotesMergeIdempotent(t *testing.T) {
	server, device := taskPair()
	device.Notes = "pick from aisle 5 urgently"
	r := NewResolver()

	first, _ := r.Resolve(server, device, r.DetectConflicts(server, device))
	assert.Empty(t, r.DetectConflicts(first, device))
}

func TestResolve_Idempotent(t *testing.T) {
	server, device := taskPair()
	device.Status = "in_progress"
	device.Priority = 9
	r := NewResolver()

	first, _ := r.Resolve(server, device, r.DetectConflicts(server, device))

	// The merged record no longer diverges from the device snapshot.
	again := r.DetectConflicts(first, device)
	assert.Empty(t, again)

	second, _ := r.Resolve(first, device, again)
	assert.Equal(t, first, second)
	assert.Equal(t, "in_progress", second.Status)
	assert.Equal(t, 9, second.Priority)
}

func TestResolveQuantity_MaxWins(t *testing.T) {
	server := models.InventoryRecord{SKU: "SKU-1", Quantity: 40, CountedBy: "server"}
	device := models.InventoryRecord{SKU: "SKU-1", Quantity: 55, CountedBy: "tablet-1"}
	r := NewResolver()

	merged, resolution := r.ResolveQuantity(server, device)
	assert.Equal(t, 55, merged.Quantity)
	assert.Equal(t, "tablet-1", merged.CountedBy)
	assert.Equal(t, ResolutionDevice, resolution)
}

func TestResolveQuantity_ServerWinsTies(t *testing.T) {
	server := models.InventoryRecord{SKU: "SKU-1", Quantity: 40, CountedBy: "server"}
	device := models.InventoryRecord{SKU: "SKU-1", Quantity: 40, CountedBy: "tablet-1"}
	r := NewResolver()

	merged, resolution := r.ResolveQuantity(server, device)
	assert.Equal(t, 40, merged.Quantity)
	assert.Equal(t, "server", merged.CountedBy)
	assert.Equal(t, ResolutionServer, resolution)
}
