package types

import (
	"errors"
	"fmt"
)

// Registry errors.
var (
	ErrUnknownEntityKind   = errors.New("unknown entity kind")
	ErrDuplicateEntityKind = errors.New("entity kind already registered")
	ErrInvalidDescriptor   = errors.New("invalid entity descriptor")
	ErrUnknownFieldType    = errors.New("unknown field type")
)

// Value and converter errors.
var (
	ErrConversion         = errors.New("value conversion failed")
	ErrNotNullable        = errors.New("field is not nullable")
	ErrConverterRoundTrip = errors.New("converter round trip violation")
)

// Unit-of-work errors.
var (
	ErrNotFound        = errors.New("entity not found")
	ErrUnknownField    = errors.New("unknown field")
	ErrUnknownRelation = errors.New("unknown relation")
	ErrMissingKey      = errors.New("primary key is required")
	ErrImmutableKey    = errors.New("primary key fields cannot be reassigned")
	ErrDuplicateKey    = errors.New("entity with this key is already managed")
	ErrKeyNotAssigned  = errors.New("referenced entity has no key yet")
	ErrIndeterminate   = errors.New("unit of work is indeterminate after a failed flush; call Clear")
	ErrUnitClosed      = errors.New("unit of work is closed")
	ErrConcurrentUse   = errors.New("unit of work is already running an operation")
	ErrNotManaged      = errors.New("entity is not managed by this unit of work")
)

// Flush planning errors.
var (
	ErrCyclicDependency    = errors.New("cyclic dependency between pending changes")
	ErrForeignKeyViolation = errors.New("foreign key violation")
)

// Backend lifecycle errors.
var (
	ErrDetached        = errors.New("backend is detached")
	ErrAlreadyAttached = errors.New("backend is already attached")
)

// BackendError wraps a failure reported by a storage backend. It is passed
// through to the caller unchanged in meaning; nothing retries it.
type BackendError struct {
	Op   string // get, fetch, begin, insert, update, delete, commit, schema
	Kind string // entity kind, when the operation concerned one
	Err  error
}

func (e *BackendError) Error() string {
	if e.Kind == "" {
		return fmt.Sprintf("backend %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("backend %s %s: %v", e.Op, e.Kind, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }
