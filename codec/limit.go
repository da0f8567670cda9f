package codec

import "fmt"

// LimitCodec caps the encoded size of a record. Encode refuses to produce a
// payload over the cap and Decode refuses to parse one, so an oversized record
// written by another deployment to a shared backend reads as a decode error.
// MaxDecode <= 0 disables the cap.
type LimitCodec[V any] struct {
	Inner     Codec[V]
	MaxDecode int
}

// Limit wraps c when n > 0 and returns c unchanged otherwise.
func Limit[V any](c Codec[V], n int) Codec[V] {
	if n <= 0 {
		return c
	}
	return LimitCodec[V]{Inner: c, MaxDecode: n}
}

func (c LimitCodec[V]) Encode(v V) ([]byte, error) {
	b, err := c.Inner.Encode(v)
	if err != nil {
		return nil, err
	}
	if c.MaxDecode > 0 && len(b) > c.MaxDecode {
		return nil, fmt.Errorf("%w: payload too large: %d > %d", ErrEncode, len(b), c.MaxDecode)
	}
	return b, nil
}

func (c LimitCodec[V]) Decode(b []byte) (V, error) {
	if c.MaxDecode > 0 && len(b) > c.MaxDecode {
		var zero V
		return zero, fmt.Errorf("%w: payload too large: %d > %d", ErrDecode, len(b), c.MaxDecode)
	}
	return c.Inner.Decode(b)
}
