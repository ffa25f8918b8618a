package wifisync

import (
	"time"

	"github.com/AndreySavastyuk/MES-v1.0-sub000/internal/models"
	"github.com/AndreySavastyuk/MES-v1.0-sub000/internal/queue"
)

// Message types sent by devices.
const (
	msgRegister     = "register"
	msgHeartbeat    = "heartbeat"
	msgSyncRequest  = "sync_request"
	msgSyncData     = "sync_data"
	msgSyncComplete = "sync_complete"
)

// Message types sent by the server.
const (
	msgRegistrationSuccess = "registration_success"
	msgRegistrationFailed  = "registration_failed"
	msgHeartbeatAck        = "heartbeat_ack"
	msgSyncQueued          = "sync_queued"
	msgSyncFailed          = "sync_failed"
	msgSyncDataAck         = "sync_data_ack"
	msgSyncDataError       = "sync_data_error"
	msgSyncResult          = "sync_result"
	msgDeviceStatusUpdate  = "device_status_update"
	msgSyncStatistics      = "sync_statistics"
)

type registerMsg struct {
	Type         string   `json:"type"`
	DeviceID     string   `json:"deviceId"`
	Name         string   `json:"name"`
	DeviceType   string   `json:"deviceType"`
	Capabilities []string `json:"capabilities"`
	Version      string   `json:"version,omitempty"`
}

type heartbeatMsg struct {
	Type     string `json:"type"`
	DeviceID string `json:"deviceId"`
}

type syncRequestMsg struct {
	Type     string `json:"type"`
	DeviceID string `json:"deviceId"`
	SyncType string `json:"syncType"`
	Priority int    `json:"priority"`
}

// syncDataMsg carries one chunk of a payload envelope in either
// direction. Data is a string segment of the serialized envelope, so
// a single chunk need not be well-formed JSON on its own. Chunk
// indexes are zero-based and must arrive in order.
type syncDataMsg struct {
	Type        string `json:"type"`
	JobID       string `json:"jobId"`
	Data        string `json:"data"`
	Chunk       int    `json:"chunk"`
	TotalChunks int    `json:"totalChunks"`
}

type syncCompleteMsg struct {
	Type    string `json:"type"`
	JobID   string `json:"jobId"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type registrationSuccessMsg struct {
	Type               string   `json:"type"`
	DeviceID           string   `json:"deviceId"`
	ServerCapabilities []string `json:"serverCapabilities"`
	SyncEndpoint       string   `json:"syncEndpoint"`
}

type registrationFailedMsg struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type heartbeatAckMsg struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

type syncQueuedMsg struct {
	Type     string `json:"type"`
	JobID    string `json:"jobId"`
	Position int    `json:"position"`
}

type syncFailedMsg struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type syncDataAckMsg struct {
	Type  string `json:"type"`
	JobID string `json:"jobId"`
	Chunk int    `json:"chunk"`
}

type syncDataErrorMsg struct {
	Type    string `json:"type"`
	JobID   string `json:"jobId"`
	Message string `json:"message"`
}

type syncResultMsg struct {
	Type    string `json:"type"`
	JobID   string `json:"jobId"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type deviceStatusUpdateMsg struct {
	Type    string          `json:"type"`
	Devices []models.Device `json:"devices"`
}

type syncStatisticsMsg struct {
	Type       string           `json:"type"`
	Statistics queue.Statistics `json:"statistics"`
}
