package payload

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AndreySavastyuk/MES-v1.0-sub000/internal/syncerrors"
)

func TestEncodeDecode_SmallPayloadUncompressed(t *testing.T) {
	env, err := Encode(TypeTasks, "1.0", "tablet-1", map[string]string{"hello": "world"})
	require.NoError(t, err)

	assert.False(t, env.Compressed)
	assert.Equal(t, TypeTasks, env.Type)
	assert.Equal(t, "tablet-1", env.DeviceID)
	assert.False(t, env.Timestamp.IsZero())

	data, err := Decode(env)
	require.NoError(t, err)

	var got map[string]string
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "world", got["hello"])
}

func TestEncodeDecode_LargePayloadCompressed(t *testing.T) {
	large := strings.Repeat("warehouse inventory line ", 200)
	env, err := Encode(TypeInventory, "1.0", "tablet-1", large)
	require.NoError(t, err)

	assert.True(t, env.Compressed, "payloads over 1KB are compressed")

	// Compressed data travels as a base64 JSON string.
	var b64 string
	require.NoError(t, json.Unmarshal(env.Data, &b64))
	assert.NotEmpty(t, b64)

	data, err := Decode(env)
	require.NoError(t, err)

	var got string
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, large, got)
}

func TestDecode_ChecksumMismatch(t *testing.T) {
	env, err := Encode(TypeTasks, "1.0", "tablet-1", []string{"a", "b"})
	require.NoError(t, err)

	env.Checksum = Checksum([]byte("tampered"))

	_, err = Decode(env)
	assert.ErrorIs(t, err, syncerrors.ErrChecksum)
}

func TestDecode_EmptyData(t *testing.T) {
	_, err := Decode(Envelope{Type: TypeTasks, DeviceID: "tablet-1"})
	assert.ErrorIs(t, err, syncerrors.ErrValidation)
}

func TestDecode_MalformedCompressedData(t *testing.T) {
	env := Envelope{
		Type:       TypeTasks,
		DeviceID:   "tablet-1",
		Data:       json.RawMessage(`"not-base64!!!"`),
		Compressed: true,
	}

	_, err := Decode(env)
	assert.ErrorIs(t, err, syncerrors.ErrValidation)
}

func TestChecksum_CoversUncompressedJSON(t *testing.T) {
	large := strings.Repeat("x", 4096)
	env, err := Encode(TypeSettings, "1.0", "tablet-1", large)
	require.NoError(t, err)

	raw, err := json.Marshal(large)
	require.NoError(t, err)
	assert.Equal(t, Checksum(raw), env.Checksum)
}

func TestMakeToken_RoundTrip(t *testing.T) {
	ts := time.Date(2026, 8, 15, 12, 0, 0, 0, time.UTC)
	token := MakeToken("tablet-1", TypeTasks, ts)

	got := TokenTime(token)
	assert.True(t, got.Equal(ts))
}

func TestTokenTime_EpochFallback(t *testing.T) {
	for _, token := range []string{"", "garbage", "bm90IGpzb24="} {
		got := TokenTime(token)
		assert.True(t, got.IsZero() || got.Equal(time.Unix(0, 0)),
			"unparseable token %q falls back to epoch", token)
	}
}
