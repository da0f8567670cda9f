package codec

import "fmt"

// ByName returns the codec registered under name: "msgpack" (default when
// empty), "json" or "cbor". CBOR is built in deterministic mode.
func ByName[V any](name string) (Codec[V], error) {
	switch name {
	case "", "msgpack":
		return Msgpack[V]{}, nil
	case "json":
		return JSON[V]{}, nil
	case "cbor":
		c, err := NewCBOR[V](true)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
	return nil, fmt.Errorf("codec: unknown codec %q", name)
}
