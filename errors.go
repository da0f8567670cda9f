package isrcache

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
)

var (
	// ErrAlreadyInFlight is reported (in Result.Err) when a revalidation for the
	// same key is already running. Its text is the Result.Error string.
	ErrAlreadyInFlight = errors.New("already being revalidated")

	// ErrNotFound means a key or tag has no data.
	ErrNotFound = errors.New("isrcache: not found")

	// ErrClosed is returned by scheduler operations after Close.
	ErrClosed = errors.New("isrcache: closed")

	// ErrDropped is reported to completion callbacks of queued work that was
	// discarded by ClearQueue.
	ErrDropped = errors.New("isrcache: dropped from queue")
)

// RenderError is a failure of the render function, including a recovered panic.
type RenderError struct {
	Key   string
	Err   error
	Panic any // non-nil when the render function panicked
}

func (e *RenderError) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("render %q panicked: %v", e.Key, e.Panic)
	}
	return fmt.Sprintf("render %q: %v", e.Key, e.Err)
}

func (e *RenderError) Unwrap() error { return e.Err }

// PurgeError collects per-key failures of a multi-key delete.
type PurgeError struct {
	Failed map[string]error
}

func (e *PurgeError) add(key string, err error) {
	if e.Failed == nil {
		e.Failed = make(map[string]error)
	}
	e.Failed[key] = err
}

func (e *PurgeError) orNil() error {
	if e == nil || len(e.Failed) == 0 {
		return nil
	}
	return e
}

func (e *PurgeError) Error() string {
	parts := make([]string, 0, len(e.Failed))
	for _, k := range slices.Sorted(maps.Keys(e.Failed)) {
		parts = append(parts, fmt.Sprintf("%q: %v", k, e.Failed[k]))
	}
	return fmt.Sprintf("purge failed for %d key(s): %s", len(e.Failed), strings.Join(parts, "; "))
}

func (e *PurgeError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failed))
	for _, err := range e.Failed {
		errs = append(errs, err)
	}
	return errs
}
