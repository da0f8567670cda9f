package codec

import (
	"encoding/json"
	"errors"
)

// JSON is a Codec backed by encoding/json. The zero value is ready to use.
// It is the most portable choice when other tools read the backend directly.
type JSON[V any] struct{}

func (JSON[V]) Encode(v V) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Join(ErrEncode, err)
	}
	return b, nil
}

func (JSON[V]) Decode(b []byte) (V, error) {
	var v V
	if err := json.Unmarshal(b, &v); err != nil {
		return v, errors.Join(ErrDecode, err)
	}
	return v, nil
}
