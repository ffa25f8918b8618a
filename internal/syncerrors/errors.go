// Package syncerrors defines the sentinel errors of the sync engine.
// Admission errors surface synchronously to the caller; execution
// errors are recorded on the job and routed through the retry manager.
package syncerrors

import "errors"

// Admission errors.
var (
	ErrValidation     = errors.New("validation failed")
	ErrDeviceNotFound = errors.New("device not found")
	ErrDeviceOffline  = errors.New("device offline")
	ErrQueueStopped   = errors.New("sync queue is not running")
)

// Payload errors.
var (
	ErrChecksum = errors.New("payload checksum mismatch")
)

// Execution errors. Timeout is retry-eligible, Cancelled is terminal.
var (
	ErrJobTimeout   = errors.New("job timed out")
	ErrJobCancelled = errors.New("job cancelled")
)

// Transport errors.
var (
	ErrNetwork           = errors.New("network error")
	ErrDeviceUnavailable = errors.New("device unavailable")
	ErrAuth              = errors.New("authentication failed")
)

// Service lifecycle errors.
var (
	ErrServiceNotRunning = errors.New("service not running")
)
