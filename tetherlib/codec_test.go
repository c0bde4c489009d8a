package tetherlib

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestJSONCodecRoundTrip(t *testing.T) {
	msg, err := JSONPack("req-1", map[string]any{"type": "ping", "n": 3})
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(msg, &m))
	require.Equal(t, "req-1", m[RequestIDField])
	require.Equal(t, "ping", m["type"])

	id, payload, err := JSONUnpack(msg)
	require.NoError(t, err)
	require.Equal(t, "req-1", id)
	require.Equal(t, "ping", payload.(map[string]any)["type"])
}

func TestJSONPackStructPayload(t *testing.T) {
	type ping struct {
		Type string `json:"type"`
	}
	msg, err := JSONPack("req-2", ping{Type: "ping"})
	require.NoError(t, err)

	id, payload, err := JSONUnpack(msg)
	require.NoError(t, err)
	require.Equal(t, "req-2", id)
	require.Equal(t, "ping", payload.(map[string]any)["type"])
}

func TestJSONPackRejectsNonObject(t *testing.T) {
	_, err := JSONPack("req-3", "just a string")
	require.Error(t, err)

	_, err = JSONPack("req-3", []int{1, 2, 3})
	require.Error(t, err)
}

func TestJSONPackEmptyIDLeavesPayloadAlone(t *testing.T) {
	msg, err := JSONPack("", map[string]any{"type": "notice"})
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(msg, &m))
	_, present := m[RequestIDField]
	require.False(t, present)
}

func TestJSONUnpackFailure(t *testing.T) {
	_, _, err := JSONUnpack([]byte("{not json"))
	require.Error(t, err)
}

func TestJSONUnpackWithoutID(t *testing.T) {
	id, payload, err := JSONUnpack([]byte(`{"type":"notice"}`))
	require.NoError(t, err)
	require.Empty(t, id)
	require.NotNil(t, payload)
}

func TestCBORCodecRoundTrip(t *testing.T) {
	msg, err := CBORPack("req-9", map[string]any{"type": "ping"})
	require.NoError(t, err)

	id, payload, err := CBORUnpack(msg)
	require.NoError(t, err)
	require.Equal(t, "req-9", id)
	require.Equal(t, "ping", payload.(map[string]any)["type"])
}

func TestCBORUnpackRejectsJSON(t *testing.T) {
	// a JSON text is not a CBOR map
	_, _, err := CBORUnpack([]byte(`{"requestId":"a"}`))
	require.Error(t, err)
}
