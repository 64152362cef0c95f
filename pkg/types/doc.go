// Package types defines entity descriptors, storage values, the Backend and
// Store interfaces, and the standard error values for the ledger persistence
// core.
//
// Everything else in the module builds on these types: the registry stores
// descriptors, converters produce storage values, the unit of work diffs
// snapshots of storage values, and backends read and write rows.
package types
