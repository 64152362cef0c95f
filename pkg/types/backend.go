package types

import "context"

// Backend is the storage collaborator a unit of work reads from and writes to.
// Reads run outside the flush transaction; writes run inside a Tx.
type Backend interface {
	// Get returns the row of kind desc with the given key.
	// Returns ErrNotFound if no row exists.
	Get(ctx context.Context, desc *EntityDescriptor, key Key) (Row, error)

	// Fetch returns all rows matching filter, a map of column name to
	// storage value combined with AND. An empty filter returns every row.
	Fetch(ctx context.Context, desc *EntityDescriptor, filter map[string]any) ([]Row, error)

	// Begin starts a write transaction.
	Begin(ctx context.Context) (Tx, error)
}

// Tx is a write transaction. Foreign-key constraints declared deferred are
// checked at Commit; all others per statement.
type Tx interface {
	// Insert writes a new row and returns its key as stored. Key columns
	// missing from row are generated by the backend.
	Insert(ctx context.Context, desc *EntityDescriptor, row Row) (Key, error)

	// Update writes the changed columns of the row with the given key.
	// Returns ErrNotFound if no row was affected.
	Update(ctx context.Context, desc *EntityDescriptor, key Key, changes Row) error

	// Delete removes the row with the given key.
	// Returns ErrNotFound if no row was affected.
	Delete(ctx context.Context, desc *EntityDescriptor, key Key) error

	Commit() error
	Rollback() error
}

// Store is a Backend with a lifecycle and schema management. Callers attach
// to a database, create tables for their descriptors, and detach when done.
type Store interface {
	Backend

	// Attach connects to the database described by config.
	// Returns ErrAlreadyAttached if called while attached.
	Attach(config Config) error

	// Detach releases backend resources. Idempotent: multiple calls succeed.
	// After Detach, operations return ErrDetached.
	Detach() error

	// EnsureSchema creates tables, foreign keys and unique indexes for the
	// given descriptors if they do not already exist.
	EnsureSchema(ctx context.Context, descs []*EntityDescriptor) error

	// DropSchema drops the tables of the given descriptors if they exist.
	DropSchema(ctx context.Context, descs []*EntityDescriptor) error
}
