package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/mesh-intelligence/ledger/pkg/types"
)

// tx implements types.Tx over a database/sql transaction.
type tx struct {
	store   *Store
	tx      *sql.Tx
	dialect dialect
}

// Insert writes the columns present in row and returns the stored key.
// Key columns left out of row are generated by the database.
func (t *tx) Insert(ctx context.Context, desc *types.EntityDescriptor, row types.Row) (types.Key, error) {
	var cols, marks []string
	var args []any
	for _, c := range desc.Columns() {
		v, ok := row[c]
		if !ok {
			continue
		}
		args = append(args, types.Normalize(v))
		cols = append(cols, quote(c))
		marks = append(marks, t.dialect.placeholder(len(args)))
	}
	if len(args) != len(row) {
		return nil, fmt.Errorf("%w: insert %s: row has columns outside the descriptor", types.ErrUnknownField, desc.Kind)
	}

	var q string
	if len(cols) == 0 {
		q = fmt.Sprintf("INSERT INTO %s DEFAULT VALUES", quote(desc.Table))
	} else {
		q = fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
			quote(desc.Table), strings.Join(cols, ", "), strings.Join(marks, ", "))
	}
	q += " RETURNING " + quoteList(desc.KeyColumns())

	rows, err := t.store.query(ctx, t.tx, q, args)
	if err != nil {
		return nil, t.store.backendError("insert", desc, err)
	}
	out, err := scanRows(rows)
	if err != nil {
		return nil, t.store.backendError("insert", desc, err)
	}
	if len(out) != 1 {
		return nil, t.store.backendError("insert", desc, fmt.Errorf("returned %d rows", len(out)))
	}
	key := make(types.Key, 0, len(desc.PrimaryKey))
	for _, c := range desc.KeyColumns() {
		key = append(key, out[0][c])
	}
	return key, nil
}

// Update writes the given columns of the row with key.
// Returns ErrNotFound if no row was affected.
func (t *tx) Update(ctx context.Context, desc *types.EntityDescriptor, key types.Key, changes types.Row) error {
	if len(changes) == 0 {
		return nil
	}
	var sets []string
	var args []any
	for _, c := range desc.Columns() {
		v, ok := changes[c]
		if !ok {
			continue
		}
		args = append(args, types.Normalize(v))
		sets = append(sets, quote(c)+" = "+t.dialect.placeholder(len(args)))
	}
	if len(args) != len(changes) {
		return fmt.Errorf("%w: update %s: changes have columns outside the descriptor", types.ErrUnknownField, desc.Kind)
	}
	where, keyArgs, err := t.store.keyPredicate(desc, key, len(args)+1)
	if err != nil {
		return err
	}
	q := fmt.Sprintf("UPDATE %s SET %s WHERE %s", quote(desc.Table), strings.Join(sets, ", "), where)
	return t.execOne(ctx, "update", desc, key, q, append(args, keyArgs...))
}

// Delete removes the row with key.
// Returns ErrNotFound if no row was affected.
func (t *tx) Delete(ctx context.Context, desc *types.EntityDescriptor, key types.Key) error {
	where, args, err := t.store.keyPredicate(desc, key, 1)
	if err != nil {
		return err
	}
	q := fmt.Sprintf("DELETE FROM %s WHERE %s", quote(desc.Table), where)
	return t.execOne(ctx, "delete", desc, key, q, args)
}

func (t *tx) execOne(ctx context.Context, op string, desc *types.EntityDescriptor, key types.Key, q string, args []any) error {
	res, err := t.store.exec(ctx, t.tx, q, args)
	if err != nil {
		return t.store.backendError(op, desc, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return t.store.backendError(op, desc, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s#%s", types.ErrNotFound, desc.Kind, key)
	}
	return nil
}

// Commit commits the transaction. Deferred foreign keys are checked here.
func (t *tx) Commit() error {
	if err := t.dialect.beforeCommit(context.Background(), t.tx); err != nil {
		_ = t.tx.Rollback()
		return &types.BackendError{Op: "commit", Err: err}
	}
	t.store.logStatement("COMMIT", nil)
	if err := t.tx.Commit(); err != nil {
		return &types.BackendError{Op: "commit", Err: t.dialect.classify(err)}
	}
	return nil
}

// Rollback aborts the transaction. Rolling back a finished transaction is a
// no-op.
func (t *tx) Rollback() error {
	t.store.logStatement("ROLLBACK", nil)
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return &types.BackendError{Op: "rollback", Err: err}
	}
	return nil
}
