package tetherlib

import (
	"encoding/json"

	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"
)

// RequestIDField is the payload field the default codecs use to carry the
// correlation identifier on the wire.
const RequestIDField = "requestId"

// PackFunc merges a correlation id into a payload and encodes the result
// into a single wire message.
type PackFunc func(id string, payload any) ([]byte, error)

// UnpackFunc decodes a wire message into a correlation id and a payload.
// An empty id means the message carries no correlation. A returned error
// suppresses correlation for that message; it never reaches callers.
type UnpackFunc func(msg []byte) (id string, payload any, err error)

// JSONPack encodes payload as a JSON object with the id merged in as the
// "requestId" field. It is the default pack function.
func JSONPack(id string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, "pack")
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, errors.Wrap(err, "pack: payload is not an object")
	}
	if id != "" {
		m[RequestIDField] = id
	}
	return json.Marshal(m)
}

// JSONUnpack is the default unpack function, the inverse of JSONPack.
func JSONUnpack(msg []byte) (string, any, error) {
	var m map[string]any
	if err := json.Unmarshal(msg, &m); err != nil {
		return "", nil, errors.Wrap(err, "unpack")
	}
	id, _ := m[RequestIDField].(string)
	return id, m, nil
}

// CBORPack is the binary equivalent of JSONPack, for peers where a text
// encoding is too costly.
func CBORPack(id string, payload any) ([]byte, error) {
	raw, err := cbor.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, "pack")
	}
	var m map[string]any
	if err := cbor.Unmarshal(raw, &m); err != nil {
		return nil, errors.Wrap(err, "pack: payload is not a map")
	}
	if id != "" {
		m[RequestIDField] = id
	}
	return cbor.Marshal(m)
}

// CBORUnpack is the inverse of CBORPack.
func CBORUnpack(msg []byte) (string, any, error) {
	var m map[string]any
	if err := cbor.Unmarshal(msg, &m); err != nil {
		return "", nil, errors.Wrap(err, "unpack")
	}
	id, _ := m[RequestIDField].(string)
	return id, m, nil
}
