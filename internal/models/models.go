// Package models holds the domain types shared across the sync engine:
// devices, sync jobs, conflicts, retry policies, and progress state.
package models

import "time"

// DeviceType classifies a warehouse device.
type DeviceType string

const (
	DeviceTablet    DeviceType = "tablet"
	DeviceScanner   DeviceType = "scanner"
	DeviceWarehouse DeviceType = "warehouse"
	DeviceDesktop   DeviceType = "desktop"
	DeviceUnknown   DeviceType = "unknown"
)

// DeviceStatus is the connection/sync state of a registered device.
type DeviceStatus string

const (
	DeviceOnline  DeviceStatus = "online"
	DeviceSyncing DeviceStatus = "syncing"
	DeviceOffline DeviceStatus = "offline"
	DeviceError   DeviceStatus = "error"
)

// Device is a handheld or tablet registered with the server over a
// session. The caller supplies the opaque ID at registration; a new
// registration for the same ID supersedes the previous session.
type Device struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Address      string       `json:"address"`
	Port         int          `json:"port"`
	Type         DeviceType   `json:"type"`
	Status       DeviceStatus `json:"status"`
	LastSeen     time.Time    `json:"lastSeen"`
	LastSync     *time.Time   `json:"lastSync,omitempty"`
	Capabilities []string     `json:"capabilities"`
	Version      string       `json:"version,omitempty"`
}

// DiscoveredDevice is a device seen via local-network service discovery
// but not necessarily registered. Its ID is derived deterministically
// from (name, ip, port) so it is stable across restarts.
type DiscoveredDevice struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Address      string     `json:"address"`
	Port         int        `json:"port"`
	Type         DeviceType `json:"type"`
	Capabilities []string   `json:"capabilities,omitempty"`
	DiscoveredAt time.Time  `json:"discoveredAt"`
	LastSeen     time.Time  `json:"lastSeen"`
}

// SyncType selects which entities a sync job exchanges.
type SyncType string

const (
	SyncFull          SyncType = "full"
	SyncIncremental   SyncType = "incremental"
	SyncTasksOnly     SyncType = "tasks_only"
	SyncInventoryOnly SyncType = "inventory_only"
)

// JobStatus is the lifecycle state of a sync job. A job ID exists in
// exactly one of the queue's lifecycle maps at any instant.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// JobProgress is the coarse progress recorded on the job itself.
// Fine-grained rate/ETA metrics live in the progress tracker.
type JobProgress struct {
	Total            int     `json:"total"`
	Completed        int     `json:"completed"`
	Percentage       float64 `json:"percentage"`
	CurrentOperation string  `json:"currentOperation,omitempty"`
}

// SyncJob is one scheduled unit of data exchange between the server and
// a single device.
type SyncJob struct {
	ID          string      `json:"id"`
	DeviceID    string      `json:"deviceId"`
	Type        SyncType    `json:"type"`
	Priority    int         `json:"priority"`
	Attempts    int         `json:"attempts"`
	MaxAttempts int         `json:"maxAttempts"`
	Status      JobStatus   `json:"status"`
	Progress    JobProgress `json:"progress"`
	Error       string      `json:"error,omitempty"`
	CreatedAt   time.Time   `json:"createdAt"`
	StartedAt   *time.Time  `json:"startedAt,omitempty"`
	CompletedAt *time.Time  `json:"completedAt,omitempty"`
}

// SyncConflict records one field where server and device held divergent
// values, and how the divergence was settled. Ephemeral: produced and
// consumed within a single sync operation.
type SyncConflict struct {
	RecordID    string `json:"recordId"`
	Field       string `json:"field"`
	ServerValue any    `json:"serverValue"`
	DeviceValue any    `json:"deviceValue"`
	Resolved    bool   `json:"resolved"`
	// Resolution names the winning side: "server", "device", or "merged".
	Resolution string `json:"resolution,omitempty"`
	// Delta is a compact diff between the two values for string fields,
	// kept for the audit trail.
	Delta string `json:"delta,omitempty"`
}

// RetryPolicy controls backoff for one sync type.
type RetryPolicy struct {
	MaxAttempts        int           `json:"maxAttempts" yaml:"max_attempts"`
	BaseDelay          time.Duration `json:"baseDelay" yaml:"-"`
	MaxDelay           time.Duration `json:"maxDelay" yaml:"-"`
	ExponentialBackoff bool          `json:"exponentialBackoff" yaml:"exponential"`
	// JitterFactor in [0,1]: symmetric jitter of ±delay*factor/2.
	JitterFactor float64 `json:"jitterFactor" yaml:"jitter_factor"`
}

// ScheduledRetry is a read-only view of one pending retry schedule.
type ScheduledRetry struct {
	JobID         string    `json:"jobId"`
	DeviceID      string    `json:"deviceId"`
	Type          SyncType  `json:"type"`
	Attempt       int       `json:"attempt"`
	NextAttemptAt time.Time `json:"nextAttemptAt"`
}

// ProgressInfo is the live view of an in-flight job exposed to pollers.
type ProgressInfo struct {
	Total            int     `json:"total"`
	Completed        int     `json:"completed"`
	Percentage       float64 `json:"percentage"`
	CurrentOperation string  `json:"currentOperation,omitempty"`
	BytesTransferred int64   `json:"bytesTransferred"`
	ItemsPerSecond   float64 `json:"itemsPerSecond"`
	BytesPerSecond   float64 `json:"bytesPerSecond"`
	// EstimatedTimeRemaining is zero when the rate is zero or negative.
	EstimatedTimeRemaining time.Duration `json:"estimatedTimeRemaining"`
}

// PickTask is a warehouse pick assignment synchronized between the
// server and devices. The conflict resolver reconciles the fixed field
// set {status, priority, assigned_device, deadline} plus notes.
type PickTask struct {
	ID             string     `json:"id"`
	Status         string     `json:"status"`
	Priority       int        `json:"priority"`
	AssignedDevice string     `json:"assigned_device,omitempty"`
	Deadline       *time.Time `json:"deadline,omitempty"`
	Notes          string     `json:"notes,omitempty"`
	Location       string     `json:"location,omitempty"`
	SKU            string     `json:"sku,omitempty"`
	Quantity       int        `json:"quantity"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// InventoryRecord is a counted stock level at a location. Quantity
// conflicts resolve max-wins: never silently lose stock.
type InventoryRecord struct {
	SKU       string    `json:"sku"`
	Location  string    `json:"location"`
	Quantity  int       `json:"quantity"`
	CountedBy string    `json:"countedBy,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Setting is a key/value configuration entry synchronized to devices.
type Setting struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updatedAt"`
}
