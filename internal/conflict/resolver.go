// Package conflict reconciles divergent field values between a server
// record and an incoming device record. Resolution is deterministic and
// idempotent: re-resolving an already-resolved conflict set yields the
// same winning values.
package conflict

import (
	"time"

	"github.com/AndreySavastyuk/MES-v1.0-sub000/internal/models"
	"github.com/sergi/go-diff/diffmatchpatch"
)

// Winning sides recorded on resolved conflicts.
const (
	ResolutionServer = "server"
	ResolutionDevice = "device"
	ResolutionMerged = "merged"
)

// statusRank orders task statuses by how "far along" they are. Ties
// default to the server value. on_hold ranks with pending: both mean
// the task has not progressed.
var statusRank = map[string]int{
	"cancelled":   0,
	"pending":     1,
	"on_hold":     1,
	"in_progress": 2,
	"completed":   3,
}

// Resolver merges server and device snapshots of the same record.
type Resolver struct {
	dmp *diffmatchpatch.DiffMatchPatch
}

// NewResolver creates a resolver.
func NewResolver() *Resolver {
	return &Resolver{dmp: diffmatchpatch.New()}
}

// DetectConflicts compares the fixed field set of two task snapshots
// and returns one unresolved conflict per divergent field.
func (r *Resolver) DetectConflicts(server, device models.PickTask) []models.SyncConflict {
	var conflicts []models.SyncConflict

	add := func(field string, sv, dv any) {
		conflicts = append(conflicts, models.SyncConflict{
			RecordID:    server.ID,
			Field:       field,
			ServerValue: sv,
			DeviceValue: dv,
		})
	}

	if server.Status != device.Status {
		add("status", server.Status, device.Status)
	}

	if server.Priority != device.Priority {
		add("priority", server.Priority, device.Priority)
	}

	if server.AssignedDevice != device.AssignedDevice {
		add("assigned_device", server.AssignedDevice, device.AssignedDevice)
	}

	if !equalDeadline(server.Deadline, device.Deadline) {
		add("deadline", server.Deadline, device.Deadline)
	}

	if server.Notes != device.Notes {
		c := models.SyncConflict{
			RecordID:    server.ID,
			Field:       "notes",
			ServerValue: server.Notes,
			DeviceValue: device.Notes,
			// Compact delta between the two texts for the audit trail.
			Delta: r.textDelta(server.Notes, device.Notes),
		}
		conflicts = append(conflicts, c)
	}

	return conflicts
}

// Resolve applies the per-field policy to every conflict and returns
// the merged record plus the conflicts marked resolved with their
// winning side.
//
// Policies: status keeps the one further along (ties to server);
// priority takes the maximum; assigned_device takes the device value,
// the one exception to the server-wins default; deadline takes the
// earlier date; notes apply the device's text edits onto the server
// text as a patch; every other field keeps the server value.
func (r *Resolver) Resolve(server, device models.PickTask, conflicts []models.SyncConflict) (models.PickTask, []models.SyncConflict) {
	merged := server
	resolved := make([]models.SyncConflict, len(conflicts))

	for i, c := range conflicts {
		c.Resolved = true

		switch c.Field {
		case "status":
			if statusRank[device.Status] > statusRank[server.Status] {
				merged.Status = device.Status
				c.Resolution = ResolutionDevice
			} else {
				merged.Status = server.Status
				c.Resolution = ResolutionServer
			}

		case "priority":
			if device.Priority > server.Priority {
				merged.Priority = device.Priority
				c.Resolution = ResolutionDevice
			} else {
				merged.Priority = server.Priority
				c.Resolution = ResolutionServer
			}

		case "assigned_device":
			merged.AssignedDevice = device.AssignedDevice
			c.Resolution = ResolutionDevice

		case "deadline":
			if earlier(device.Deadline, server.Deadline) {
				merged.Deadline = device.Deadline
				c.Resolution = ResolutionDevice
			} else {
				merged.Deadline = server.Deadline
				c.Resolution = ResolutionServer
			}

		case "notes":
			merged.Notes, c.Resolution = r.mergeNotes(server.Notes, device.Notes)

		default:
			// Server wins for any field without an explicit policy.
			c.Resolution = ResolutionServer
		}

		resolved[i] = c
	}

	if !device.UpdatedAt.IsZero() && device.UpdatedAt.After(merged.UpdatedAt) {
		merged.UpdatedAt = device.UpdatedAt
	}

	return merged, resolved
}

// ResolveQuantity reconciles an inventory count: the maximum quantity
// wins, so a divergent count never silently loses stock. Returns the
// merged record and the winning side.
func (r *Resolver) ResolveQuantity(server, device models.InventoryRecord) (models.InventoryRecord, string) {
	merged := server

	resolution := ResolutionServer
	if device.Quantity > server.Quantity {
		merged.Quantity = device.Quantity
		merged.CountedBy = device.CountedBy
		resolution = ResolutionDevice
	}

	if device.UpdatedAt.After(merged.UpdatedAt) {
		merged.UpdatedAt = device.UpdatedAt
	}

	return merged, resolution
}

// mergeNotes patches the device's edits onto the server text. When any
// hunk fails to apply the server text is kept.
func (r *Resolver) mergeNotes(server, device string) (string, string) {
	patches := r.dmp.PatchMake(server, device)
	merged, applied := r.dmp.PatchApply(patches, server)
	for _, ok := range applied {
		if !ok {
			return server, ResolutionServer
		}
	}

	return merged, ResolutionMerged
}

// textDelta encodes the difference between two strings in the compact
// diff-match-patch delta format.
func (r *Resolver) textDelta(server, device string) string {
	diffs := r.dmp.DiffMain(server, device, false)
	if len(diffs) > 2 {
		diffs = r.dmp.DiffCleanupEfficiency(diffs)
	}

	return r.dmp.DiffToDelta(diffs)
}

func equalDeadline(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}

	return a.Equal(*b)
}

// earlier reports whether a is strictly before b. A nil deadline is
// treated as "no deadline" and never wins over a concrete one.
func earlier(a, b *time.Time) bool {
	if a == nil {
		return false
	}
	if b == nil {
		return true
	}

	return a.Before(*b)
}
