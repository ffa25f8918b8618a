package payload

import (
	"encoding/base64"
	"encoding/json"
	"time"
)

// syncToken is the decoded form of the opaque incremental-sync
// watermark a device presents on pull.
type syncToken struct {
	DeviceID  string    `json:"deviceId"`
	DataType  string    `json:"dataType"`
	Timestamp time.Time `json:"timestamp"`
}

// MakeToken encodes a watermark for a device/dataType pair.
func MakeToken(deviceID, dataType string, ts time.Time) string {
	data, err := json.Marshal(syncToken{DeviceID: deviceID, DataType: dataType, Timestamp: ts})
	if err != nil {
		// The struct contains only marshal-safe fields; unreachable.
		return ""
	}

	return base64.StdEncoding.EncodeToString(data)
}

// TokenTime extracts the watermark timestamp from a token. Unknown or
// unparseable tokens fall back to the epoch, which degrades the pull
// to a full one rather than failing it.
func TokenTime(token string) time.Time {
	if token == "" {
		return time.Time{}
	}

	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return time.Time{}
	}

	var t syncToken
	if err := json.Unmarshal(raw, &t); err != nil {
		return time.Time{}
	}

	return t.Timestamp
}
