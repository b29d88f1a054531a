// Package codec provides value serialization for stored envelopes:
// offline stream entries, client sync state, and bus payloads.
//
// Supported formats:
//   - JSON (default, human-readable; matches the client wire format)
//   - MessagePack (binary, compact; used for KV-store values)
package codec

import "errors"

// Codec errors
var (
	ErrEncodeFailure = errors.New("failed to encode value")
	ErrDecodeFailure = errors.New("failed to decode value")
)

// Codec serializes values for storage or transport.
// Implementations must be safe for concurrent use.
type Codec interface {
	// Encode serializes a value to bytes.
	// Returns ErrEncodeFailure if serialization fails.
	Encode(v any) ([]byte, error)

	// Decode deserializes bytes into the value pointed to by v.
	// Returns ErrDecodeFailure if deserialization fails.
	Decode(data []byte, v any) error

	// ContentType returns the MIME type for this codec.
	ContentType() string

	// Name returns a short identifier ("json", "msgpack").
	Name() string
}

// Default returns the default codec (JSON).
func Default() Codec {
	return JSON{}
}
