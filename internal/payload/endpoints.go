package payload

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/AndreySavastyuk/MES-v1.0-sub000/internal/conflict"
	"github.com/AndreySavastyuk/MES-v1.0-sub000/internal/models"
	"github.com/AndreySavastyuk/MES-v1.0-sub000/internal/syncerrors"
)

// Payload types routed by the endpoints.
const (
	TypeTasks     = "tasks"
	TypeInventory = "inventory"
	TypeSettings  = "settings"
)

// Store is the persistence contract the endpoints are constructed
// with. The bbolt store implements it; tests inject fakes.
type Store interface {
	Task(id string) (*models.PickTask, error)
	PutTask(task models.PickTask) error
	TasksUpdatedSince(since time.Time) ([]models.PickTask, error)

	InventoryItem(sku string) (*models.InventoryRecord, error)
	PutInventoryItem(rec models.InventoryRecord) error
	InventoryUpdatedSince(since time.Time) ([]models.InventoryRecord, error)

	Setting(key string) (*models.Setting, error)
	PutSetting(setting models.Setting) error
	SettingsUpdatedSince(since time.Time) ([]models.Setting, error)

	SyncToken(deviceID, dataType string) (string, error)
	PutSyncToken(deviceID, dataType, token string) error
}

// ApplyResult summarizes one applied inbound payload.
type ApplyResult struct {
	Type      string                `json:"type"`
	Applied   int                   `json:"applied"`
	Conflicts []models.SyncConflict `json:"conflicts,omitempty"`
}

// Endpoints validates inbound payloads, reconciles them against server
// state through the conflict resolver, persists the result, and builds
// outbound payloads.
type Endpoints struct {
	store    Store
	resolver *conflict.Resolver
	logger   *slog.Logger
	version  string
}

// NewEndpoints creates the payload endpoints.
func NewEndpoints(store Store, resolver *conflict.Resolver, logger *slog.Logger, version string) *Endpoints {
	return &Endpoints{
		store:    store,
		resolver: resolver,
		logger:   logger,
		version:  version,
	}
}

// ApplyInbound verifies an envelope and routes its data to the handler
// for its entity type. The checksum is verified before anything else.
func (e *Endpoints) ApplyInbound(env Envelope) (*ApplyResult, error) {
	if env.DeviceID == "" {
		return nil, fmt.Errorf("%w: envelope missing deviceId", syncerrors.ErrValidation)
	}

	data, err := Decode(env)
	if err != nil {
		return nil, err
	}

	switch env.Type {
	case TypeTasks:
		return e.applyTasks(env.DeviceID, data)
	case TypeInventory:
		return e.applyInventory(env.DeviceID, data)
	case TypeSettings:
		return e.applySettings(data)
	default:
		return nil, fmt.Errorf("%w: unknown payload type %q", syncerrors.ErrValidation, env.Type)
	}
}

// applyTasks reconciles device task snapshots against server state.
// Unknown tasks are inserted; known tasks go through field-level
// conflict resolution.
func (e *Endpoints) applyTasks(deviceID string, data []byte) (*ApplyResult, error) {
	var tasks []models.PickTask
	if err := json.Unmarshal(data, &tasks); err != nil {
		return nil, fmt.Errorf("%w: decoding tasks: %v", syncerrors.ErrValidation, err)
	}

	result := &ApplyResult{Type: TypeTasks}
	for _, deviceTask := range tasks {
		if deviceTask.ID == "" {
			return nil, fmt.Errorf("%w: task without id", syncerrors.ErrValidation)
		}

		server, err := e.store.Task(deviceTask.ID)
		if err != nil {
			return nil, fmt.Errorf("loading task %s: %w", deviceTask.ID, err)
		}

		if server == nil {
			if err := e.store.PutTask(deviceTask); err != nil {
				return nil, fmt.Errorf("storing task %s: %w", deviceTask.ID, err)
			}
			result.Applied++
			continue
		}

		conflicts := e.resolver.DetectConflicts(*server, deviceTask)
		merged := *server
		if len(conflicts) > 0 {
			var resolved []models.SyncConflict
			merged, resolved = e.resolver.Resolve(*server, deviceTask, conflicts)
			result.Conflicts = append(result.Conflicts, resolved...)

			e.logger.Debug("resolved task conflicts",
				slog.String("task_id", deviceTask.ID),
				slog.String("device_id", deviceID),
				slog.Int("conflicts", len(resolved)),
			)
		}

		if err := e.store.PutTask(merged); err != nil {
			return nil, fmt.Errorf("storing task %s: %w", deviceTask.ID, err)
		}
		result.Applied++
	}

	return result, nil
}

// applyInventory applies count records with max-wins quantity policy.
func (e *Endpoints) applyInventory(deviceID string, data []byte) (*ApplyResult, error) {
	var records []models.InventoryRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("%w: decoding inventory: %v", syncerrors.ErrValidation, err)
	}

	result := &ApplyResult{Type: TypeInventory}
	for _, deviceRec := range records {
		if deviceRec.SKU == "" {
			return nil, fmt.Errorf("%w: inventory record without sku", syncerrors.ErrValidation)
		}

		server, err := e.store.InventoryItem(deviceRec.SKU)
		if err != nil {
			return nil, fmt.Errorf("loading inventory %s: %w", deviceRec.SKU, err)
		}

		merged := deviceRec
		if server != nil && server.Quantity != deviceRec.Quantity {
			var resolution string
			merged, resolution = e.resolver.ResolveQuantity(*server, deviceRec)
			result.Conflicts = append(result.Conflicts, models.SyncConflict{
				RecordID:    deviceRec.SKU,
				Field:       "quantity",
				ServerValue: server.Quantity,
				DeviceValue: deviceRec.Quantity,
				Resolved:    true,
				Resolution:  resolution,
			})
		} else if server != nil {
			merged, _ = e.resolver.ResolveQuantity(*server, deviceRec)
		}

		if err := e.store.PutInventoryItem(merged); err != nil {
			return nil, fmt.Errorf("storing inventory %s: %w", deviceRec.SKU, err)
		}
		result.Applied++
	}

	return result, nil
}

// applySettings applies key/value settings: the newer UpdatedAt wins.
func (e *Endpoints) applySettings(data []byte) (*ApplyResult, error) {
	var settings []models.Setting
	if err := json.Unmarshal(data, &settings); err != nil {
		return nil, fmt.Errorf("%w: decoding settings: %v", syncerrors.ErrValidation, err)
	}

	result := &ApplyResult{Type: TypeSettings}
	for _, deviceSetting := range settings {
		if deviceSetting.Key == "" {
			return nil, fmt.Errorf("%w: setting without key", syncerrors.ErrValidation)
		}

		server, err := e.store.Setting(deviceSetting.Key)
		if err != nil {
			return nil, fmt.Errorf("loading setting %s: %w", deviceSetting.Key, err)
		}

		if server != nil && !deviceSetting.UpdatedAt.After(server.UpdatedAt) {
			continue
		}

		if err := e.store.PutSetting(deviceSetting); err != nil {
			return nil, fmt.Errorf("storing setting %s: %w", deviceSetting.Key, err)
		}
		result.Applied++
	}

	return result, nil
}

// BuildOutbound assembles a full payload of the given entity type for
// a device.
func (e *Endpoints) BuildOutbound(deviceID, dataType string) (Envelope, error) {
	return e.buildSince(deviceID, dataType, time.Time{})
}

// BuildIncremental assembles a payload containing only entities
// updated after the device's sync token. The returned token is the new
// watermark; the caller persists it once the device acknowledges.
func (e *Endpoints) BuildIncremental(deviceID, dataType string) (Envelope, string, error) {
	token, err := e.store.SyncToken(deviceID, dataType)
	if err != nil {
		return Envelope{}, "", fmt.Errorf("loading sync token: %w", err)
	}

	since := TokenTime(token)
	env, err := e.buildSince(deviceID, dataType, since)
	if err != nil {
		return Envelope{}, "", err
	}

	return env, MakeToken(deviceID, dataType, env.Timestamp), nil
}

// CommitToken persists a device's watermark after it acknowledged the
// corresponding payload.
func (e *Endpoints) CommitToken(deviceID, dataType, token string) error {
	return e.store.PutSyncToken(deviceID, dataType, token)
}

func (e *Endpoints) buildSince(deviceID, dataType string, since time.Time) (Envelope, error) {
	var (
		v   any
		err error
	)

	switch dataType {
	case TypeTasks:
		v, err = e.store.TasksUpdatedSince(since)
	case TypeInventory:
		v, err = e.store.InventoryUpdatedSince(since)
	case TypeSettings:
		v, err = e.store.SettingsUpdatedSince(since)
	default:
		return Envelope{}, fmt.Errorf("%w: unknown data type %q", syncerrors.ErrValidation, dataType)
	}
	if err != nil {
		return Envelope{}, fmt.Errorf("loading %s: %w", dataType, err)
	}

	return Encode(dataType, e.version, deviceID, v)
}
