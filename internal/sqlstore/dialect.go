package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // driver: pgx
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/mesh-intelligence/ledger/pkg/types"
)

// DatabaseFile is the SQLite file created inside Config.DataDir.
const DatabaseFile = "ledger.db"

// Postgres SQLSTATE codes.
const (
	pgForeignKeyViolation = "23503"
	pgDuplicateObject     = "42710"
)

// dialect isolates the SQL differences between backends.
type dialect interface {
	name() string
	open(config types.Config) (*sql.DB, error)
	placeholder(n int) string
	columnType(c types.ColumnType) string
	autoIncrementColumn(col string) string

	// beforeCommit runs inside the transaction just before COMMIT.
	beforeCommit(ctx context.Context, q queryer) error

	// classify wraps driver errors that have a core meaning with the
	// matching sentinel.
	classify(err error) error
}

func dialectFor(backend string) (dialect, error) {
	switch backend {
	case types.BackendSQLite:
		return sqliteDialect{}, nil
	case types.BackendPostgres:
		return postgresDialect{}, nil
	}
	return nil, fmt.Errorf("%w: %q", types.ErrBackendUnknown, backend)
}

type sqliteDialect struct{}

func (sqliteDialect) name() string { return types.BackendSQLite }

// open creates DataDir and opens DataDir/ledger.db, or a private in-memory
// database when DataDir is ":memory:". Foreign keys are enabled through the
// DSN so that every pooled connection enforces them.
func (sqliteDialect) open(config types.Config) (*sql.DB, error) {
	path := types.InMemory
	if config.DataDir != types.InMemory {
		dataDir := config.DataDir
		if dataDir == "" {
			dataDir = "."
		}
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			return nil, err
		}
		path = filepath.Join(dataDir, DatabaseFile)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)")
	if err != nil {
		return nil, err
	}
	// An in-memory database lives only as long as its connection.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func (sqliteDialect) placeholder(int) string { return "?" }

func (sqliteDialect) columnType(c types.ColumnType) string {
	switch c {
	case types.ColumnInteger:
		return "INTEGER"
	case types.ColumnReal:
		return "REAL"
	case types.ColumnBlob:
		return "BLOB"
	default:
		return "TEXT"
	}
}

func (sqliteDialect) autoIncrementColumn(col string) string {
	return quote(col) + " INTEGER PRIMARY KEY"
}

// beforeCommit checks deferred foreign keys. A COMMIT that SQLite rejects for
// a deferred violation leaves the transaction open on the connection, so the
// violation is detected here and the caller rolls back instead.
func (d sqliteDialect) beforeCommit(ctx context.Context, q queryer) error {
	rows, err := q.QueryContext(ctx, "PRAGMA foreign_key_check")
	if err != nil {
		return d.classify(err)
	}
	defer rows.Close()

	if !rows.Next() {
		return rows.Err()
	}
	var (
		table  string
		rowid  sql.NullInt64
		parent string
		fkid   int64
	)
	if err := rows.Scan(&table, &rowid, &parent, &fkid); err != nil {
		return err
	}
	return fmt.Errorf("%w: %s row %d references a missing %s row",
		types.ErrForeignKeyViolation, table, rowid.Int64, parent)
}

func (sqliteDialect) classify(err error) error {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return err
	}
	code := se.Code()
	if code == sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY ||
		(code&0xff == sqlite3.SQLITE_CONSTRAINT && strings.Contains(se.Error(), "FOREIGN KEY")) {
		return fmt.Errorf("%w: %w", types.ErrForeignKeyViolation, err)
	}
	return err
}

type postgresDialect struct{}

func (postgresDialect) name() string { return types.BackendPostgres }

func (postgresDialect) open(config types.Config) (*sql.DB, error) {
	db, err := sql.Open("pgx", config.DSN)
	if err != nil {
		return nil, err
	}
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func (postgresDialect) placeholder(n int) string { return "$" + strconv.Itoa(n) }

func (postgresDialect) columnType(c types.ColumnType) string {
	switch c {
	case types.ColumnInteger:
		return "BIGINT"
	case types.ColumnReal:
		return "DOUBLE PRECISION"
	case types.ColumnBlob:
		return "BYTEA"
	default:
		return "TEXT"
	}
}

func (postgresDialect) autoIncrementColumn(col string) string {
	return quote(col) + " BIGINT GENERATED BY DEFAULT AS IDENTITY PRIMARY KEY"
}

// Postgres checks deferred constraints at COMMIT and aborts the transaction
// cleanly on failure.
func (postgresDialect) beforeCommit(context.Context, queryer) error { return nil }

func (postgresDialect) classify(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation {
		return fmt.Errorf("%w: %w", types.ErrForeignKeyViolation, err)
	}
	return err
}

func isDuplicateObject(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgDuplicateObject
}
