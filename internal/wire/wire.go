// Package wire frames encoded records before they are handed to a backend so
// that foreign or truncated values are detected on read instead of being fed
// to a codec.
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
)

const (
	version byte = 1

	KindEntry byte = 1 // full entry (body, meta, headers, props)
	KindMeta  byte = 2 // metadata only
	KindBody  byte = 3 // entry without metadata
)

var (
	ErrCorrupt = errors.New("isrcache: corrupt record")
	magic4     = [...]byte{'I', 'S', 'R', 'C'}
)

const header = 4 + 1 + 1 + 4

func hasMagic(b []byte) bool {
	return len(b) >= 4 && bytes.Equal(b[:4], magic4[:])
}

// Encode frames payload:
//
//	magic(4) | ver(1) | kind(1) | vlen(u32 be) | payload(vlen)
func Encode(kind byte, payload []byte) []byte {
	var buf bytes.Buffer
	buf.Grow(header + len(payload))

	buf.Write(magic4[:])
	buf.WriteByte(version)
	buf.WriteByte(kind)

	var u4 [4]byte
	binary.BigEndian.PutUint32(u4[:], uint32(len(payload)))
	buf.Write(u4[:])

	buf.Write(payload)
	return buf.Bytes()
}

// Decode validates the frame and returns the payload. A frame of a different
// kind is reported as corrupt.
func Decode(kind byte, b []byte) ([]byte, error) {
	if len(b) < header || !hasMagic(b) || b[4] != version || b[5] != kind {
		return nil, ErrCorrupt
	}
	off := 6
	vlen := int(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4
	if vlen < 0 || vlen != len(b)-off { // trailing bytes are corruption too
		return nil, ErrCorrupt
	}
	return b[off : off+vlen], nil
}

// Kind returns the record kind of a well-formed frame.
func Kind(b []byte) (byte, bool) {
	if len(b) < header || !hasMagic(b) || b[4] != version {
		return 0, false
	}
	return b[5], true
}
