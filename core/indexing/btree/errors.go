package btree

import (
	"errors"
	"fmt"
)

// --- Error Definitions ---

var (
	ErrUniqueViolation  = errors.New("duplicate key value violates unique constraint")
	ErrIndexCorrupted   = errors.New("index corrupted")
	ErrInvalidKey       = errors.New("invalid index key")
	ErrItemTooLarge     = errors.New("index row size exceeds btree maximum")
	ErrNotInitialized   = errors.New("btree index is not initialized")
	ErrAlreadyExists    = errors.New("btree index already exists")
	ErrReadOnlyRecovery = errors.New("cannot modify index during recovery")
)

// UniqueViolationError reports an insertion that would duplicate a live key
// in a unique index.
type UniqueViolationError struct {
	Index string
	Key   string
}

func (e *UniqueViolationError) Error() string {
	return fmt.Sprintf("duplicate key value violates unique constraint %q: Key %s already exists", e.Index, e.Key)
}

func (e *UniqueViolationError) Is(target error) bool { return target == ErrUniqueViolation }

func corruptf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrIndexCorrupted}, args...)...)
}
