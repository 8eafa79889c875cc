package checkpoint

import (
	"errors"
	"fmt"
)

// ErrNotFound indicates the requested item id has no checkpoint.
var ErrNotFound = errors.New("checkpoint not found")

// ErrStoreUnavailable indicates a persistence-layer failure. Callers must not
// treat the in-memory transition as committed; the whole operation should be
// retried once the store recovers.
var ErrStoreUnavailable = errors.New("checkpoint store unavailable")

func unavailable(operation string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, operation, err)
}
