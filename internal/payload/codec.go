// Package payload validates, decompresses, and routes inbound sync
// payloads to per-entity handlers, and assembles outbound payloads.
// Every envelope carries a sha256 checksum of the uncompressed data;
// a mismatch is rejected before any processing.
package payload

import (
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/AndreySavastyuk/MES-v1.0-sub000/internal/syncerrors"
)

// compressThreshold is the data size above which outbound payloads are
// gzip-compressed and base64-encoded.
const compressThreshold = 1024

// Envelope is the wire format for entity payloads exchanged with
// devices. Data holds raw JSON, or a base64 string of gzipped JSON
// when Compressed is set.
type Envelope struct {
	Type       string          `json:"type"`
	Version    string          `json:"version"`
	Timestamp  time.Time       `json:"timestamp"`
	DeviceID   string          `json:"deviceId"`
	Data       json.RawMessage `json:"data"`
	Checksum   string          `json:"checksum"`
	Compressed bool            `json:"compressed"`
}

// Checksum returns the sha256 hex digest of data.
func Checksum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// Encode wraps v in an envelope, compressing when the JSON encoding
// exceeds the threshold. The checksum always covers the uncompressed
// JSON so it survives a decompress round-trip.
func Encode(payloadType, version, deviceID string, v any) (Envelope, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshalling payload: %w", err)
	}

	env := Envelope{
		Type:      payloadType,
		Version:   version,
		Timestamp: time.Now(),
		DeviceID:  deviceID,
		Checksum:  Checksum(data),
	}

	if len(data) > compressThreshold {
		compressed, err := compress(data)
		if err != nil {
			return Envelope{}, fmt.Errorf("compressing payload: %w", err)
		}

		encoded, err := json.Marshal(base64.StdEncoding.EncodeToString(compressed))
		if err != nil {
			return Envelope{}, fmt.Errorf("encoding compressed payload: %w", err)
		}

		env.Data = encoded
		env.Compressed = true
	} else {
		env.Data = data
	}

	return env, nil
}

// Decode verifies the envelope and returns the uncompressed data
// bytes. A checksum mismatch returns ErrChecksum; nothing downstream
// may run on unverified data.
func Decode(env Envelope) ([]byte, error) {
	if len(env.Data) == 0 {
		return nil, fmt.Errorf("%w: empty data", syncerrors.ErrValidation)
	}

	data := []byte(env.Data)
	if env.Compressed {
		var b64 string
		if err := json.Unmarshal(env.Data, &b64); err != nil {
			return nil, fmt.Errorf("%w: compressed data is not a base64 string", syncerrors.ErrValidation)
		}

		raw, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return nil, fmt.Errorf("%w: decoding base64: %v", syncerrors.ErrValidation, err)
		}

		data, err = decompress(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: decompressing: %v", syncerrors.ErrValidation, err)
		}
	}

	if Checksum(data) != env.Checksum {
		return nil, fmt.Errorf("%w: payload for device %s", syncerrors.ErrChecksum, env.DeviceID)
	}

	return data, nil
}

func compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer

	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func decompress(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	// Cap the decompressed size to guard against a hostile payload.
	const maxDecompressed = 64 << 20
	out, err := io.ReadAll(io.LimitReader(zr, maxDecompressed+1))
	if err != nil {
		return nil, err
	}
	if len(out) > maxDecompressed {
		return nil, fmt.Errorf("decompressed payload exceeds %d bytes", maxDecompressed)
	}

	return out, nil
}
