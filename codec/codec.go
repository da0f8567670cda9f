// Package codec serializes stored records to bytes for backends that keep
// payloads outside the process (Redis, LevelDB, byte providers).
package codec

import "errors"

var (
	ErrEncode = errors.New("codec: encode failed")
	ErrDecode = errors.New("codec: decode failed")
)

// Codec encodes/decodes values V to []byte for storage.
type Codec[V any] interface {
	Encode(V) ([]byte, error)
	Decode([]byte) (V, error)
}
