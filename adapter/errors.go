package adapter

import (
	"errors"
	"fmt"
)

// ErrClosed is returned by operations on a closed backend.
var ErrClosed = errors.New("adapter: closed")

// Error is a backend I/O failure.
type Error struct {
	Backend string // "memory", "redis", "leveldb", "kv"
	Op      string // "get", "set", "delete", ...
	Key     string // empty for whole-store operations
	Err     error
}

func (e *Error) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("%s adapter: %s: %v", e.Backend, e.Op, e.Err)
	}
	return fmt.Sprintf("%s adapter: %s %q: %v", e.Backend, e.Op, e.Key, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap returns nil when err is nil, err itself when it already is an *Error,
// and a new *Error otherwise.
func Wrap(backend, op, key string, err error) error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return err
	}
	return &Error{Backend: backend, Op: op, Key: key, Err: err}
}

// IsAdapterError reports whether err carries an *Error.
func IsAdapterError(err error) bool {
	var ae *Error
	return errors.As(err, &ae)
}
