// Package sqlstore implements types.Store on database/sql. Two dialects are
// supported: SQLite through modernc.org/sqlite and Postgres through the pgx
// stdlib driver.
//
// Every table is derived from an EntityDescriptor: one column per field, one
// foreign-key column per owning relation. Rows cross the package boundary as
// types.Row with normalized storage values.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/mesh-intelligence/ledger/pkg/types"
)

// Store is a types.Store backed by a SQL database.
type Store struct {
	mu       sync.RWMutex
	attached bool
	config   types.Config
	db       *sql.DB
	dialect  dialect
	logger   zerolog.Logger
}

// New returns a detached store. Statements are logged to logger at debug
// level, or at info level when the attached Config has Debug set.
func New(logger zerolog.Logger) *Store {
	return &Store{logger: logger}
}

// Attach opens the database described by config.
// Returns ErrAlreadyAttached if the store is attached.
func (s *Store) Attach(config types.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.attached {
		return types.ErrAlreadyAttached
	}
	if err := config.Validate(); err != nil {
		return err
	}
	d, err := dialectFor(config.Backend)
	if err != nil {
		return err
	}
	db, err := d.open(config)
	if err != nil {
		return &types.BackendError{Op: "attach", Err: err}
	}

	s.db = db
	s.dialect = d
	s.config = config
	s.attached = true
	s.logger.Info().
		Str("backend", config.Backend).
		Str("data_dir", config.DataDir).
		Msg("store attached")
	return nil
}

// Detach closes the database. Detach is idempotent.
func (s *Store) Detach() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.attached {
		return nil
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			return &types.BackendError{Op: "detach", Err: err}
		}
		s.db = nil
	}
	s.attached = false
	return nil
}

// Backend returns the name of the attached dialect, or "" when detached.
func (s *Store) Backend() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.attached {
		return ""
	}
	return s.dialect.name()
}

// Get returns the row with the given key.
// Returns ErrNotFound if no row exists.
func (s *Store) Get(ctx context.Context, desc *types.EntityDescriptor, key types.Key) (types.Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.attached {
		return nil, types.ErrDetached
	}
	where, args, err := s.keyPredicate(desc, key, 1)
	if err != nil {
		return nil, err
	}
	q := fmt.Sprintf("SELECT %s FROM %s WHERE %s",
		quoteList(desc.Columns()), quote(desc.Table), where)
	rows, err := s.query(ctx, s.db, q, args)
	if err != nil {
		return nil, s.backendError("get", desc, err)
	}
	out, err := scanRows(rows)
	if err != nil {
		return nil, s.backendError("get", desc, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %s#%s", types.ErrNotFound, desc.Kind, key)
	}
	return out[0], nil
}

// Fetch returns every row whose columns equal the filter values, ordered by
// primary key. A nil filter value matches NULL.
func (s *Store) Fetch(ctx context.Context, desc *types.EntityDescriptor, filter map[string]any) ([]types.Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.attached {
		return nil, types.ErrDetached
	}
	known := make(map[string]bool)
	for _, c := range desc.Columns() {
		known[c] = true
	}
	cols := make([]string, 0, len(filter))
	for c := range filter {
		if !known[c] {
			return nil, fmt.Errorf("%w: %s has no column %q", types.ErrUnknownField, desc.Kind, c)
		}
		cols = append(cols, c)
	}
	sort.Strings(cols)

	var conds []string
	var args []any
	for _, c := range cols {
		v := types.Normalize(filter[c])
		if v == nil {
			conds = append(conds, quote(c)+" IS NULL")
			continue
		}
		args = append(args, v)
		conds = append(conds, quote(c)+" = "+s.dialect.placeholder(len(args)))
	}
	q := fmt.Sprintf("SELECT %s FROM %s", quoteList(desc.Columns()), quote(desc.Table))
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY " + quoteList(desc.KeyColumns())

	rows, err := s.query(ctx, s.db, q, args)
	if err != nil {
		return nil, s.backendError("fetch", desc, err)
	}
	out, err := scanRows(rows)
	if err != nil {
		return nil, s.backendError("fetch", desc, err)
	}
	return out, nil
}

// Begin starts a write transaction.
func (s *Store) Begin(ctx context.Context) (types.Tx, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.attached {
		return nil, types.ErrDetached
	}
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, &types.BackendError{Op: "begin", Err: s.dialect.classify(err)}
	}
	s.logStatement("BEGIN", nil)
	return &tx{store: s, tx: sqlTx, dialect: s.dialect}, nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) query(ctx context.Context, q queryer, stmt string, args []any) (*sql.Rows, error) {
	s.logStatement(stmt, args)
	return q.QueryContext(ctx, stmt, args...)
}

func (s *Store) exec(ctx context.Context, q queryer, stmt string, args []any) (sql.Result, error) {
	s.logStatement(stmt, args)
	return q.ExecContext(ctx, stmt, args...)
}

func (s *Store) logStatement(stmt string, args []any) {
	level := zerolog.DebugLevel
	if s.config.Debug {
		level = zerolog.InfoLevel
	}
	ev := s.logger.WithLevel(level)
	if ev == nil {
		return
	}
	ev.Str("backend", s.config.Backend).
		Str("sql", stmt).
		Interface("args", args).
		Msg("statement")
}

func (s *Store) backendError(op string, desc *types.EntityDescriptor, err error) error {
	var kind string
	if desc != nil {
		kind = desc.Kind
	}
	return &types.BackendError{Op: op, Kind: kind, Err: s.dialect.classify(err)}
}

// keyPredicate renders "k1 = $n AND k2 = $n+1" for the key columns.
func (s *Store) keyPredicate(desc *types.EntityDescriptor, key types.Key, first int) (string, []any, error) {
	cols := desc.KeyColumns()
	if len(key) != len(cols) || key.IsZero() {
		return "", nil, fmt.Errorf("%w: %s needs %d key values, got %v", types.ErrMissingKey, desc.Kind, len(cols), key)
	}
	conds := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, c := range cols {
		conds[i] = quote(c) + " = " + s.dialect.placeholder(first+i)
		args[i] = types.Normalize(key[i])
	}
	return strings.Join(conds, " AND "), args, nil
}

func scanRows(rows *sql.Rows) ([]types.Row, error) {
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []types.Row
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(types.Row, len(cols))
		for i, c := range cols {
			row[c] = types.Normalize(vals[i])
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func quote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

func quoteList(idents []string) string {
	out := make([]string, len(idents))
	for i, id := range idents {
		out[i] = quote(id)
	}
	return strings.Join(out, ", ")
}
