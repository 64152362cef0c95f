package sqlstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/mesh-intelligence/ledger/pkg/types"
)

// EnsureSchema creates a table per descriptor, a unique index per unique
// field and one-to-one relation, and the foreign keys between them. Every
// statement is idempotent. Relation targets must be among descs.
func (s *Store) EnsureSchema(ctx context.Context, descs []*types.EntityDescriptor) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.attached {
		return types.ErrDetached
	}
	stmts, err := schemaStatements(s.dialect, descs)
	if err != nil {
		return err
	}
	for _, stmt := range stmts {
		if _, err := s.exec(ctx, s.db, stmt, nil); err != nil {
			if isDuplicateObject(err) {
				s.logger.Debug().Str("sql", stmt).Msg("schema object exists")
				continue
			}
			return &types.BackendError{Op: "schema", Err: err}
		}
	}
	s.logger.Info().Int("kinds", len(descs)).Msg("schema ensured")
	return nil
}

// DropSchema drops the tables of descs, dependents first.
func (s *Store) DropSchema(ctx context.Context, descs []*types.EntityDescriptor) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.attached {
		return types.ErrDetached
	}
	var stmts []string
	switch s.dialect.name() {
	case types.BackendSQLite:
		stmts = append(stmts, "PRAGMA foreign_keys = OFF")
		for i := len(descs) - 1; i >= 0; i-- {
			stmts = append(stmts, "DROP TABLE IF EXISTS "+quote(descs[i].Table))
		}
		stmts = append(stmts, "PRAGMA foreign_keys = ON")
	default:
		for i := len(descs) - 1; i >= 0; i-- {
			stmts = append(stmts, "DROP TABLE IF EXISTS "+quote(descs[i].Table)+" CASCADE")
		}
	}
	for _, stmt := range stmts {
		if _, err := s.exec(ctx, s.db, stmt, nil); err != nil {
			return &types.BackendError{Op: "drop", Err: err}
		}
	}
	return nil
}

// schemaStatements renders the DDL for descs. SQLite declares foreign keys
// inside CREATE TABLE, since it cannot add them later and resolves targets
// lazily. Postgres creates every table first and adds the constraints after,
// so mutually referencing tables can be created.
func schemaStatements(d dialect, descs []*types.EntityDescriptor) ([]string, error) {
	byKind := make(map[string]*types.EntityDescriptor, len(descs))
	for _, desc := range descs {
		byKind[desc.Kind] = desc
	}
	inline := d.name() == types.BackendSQLite

	var tables, indexes, constraints []string
	for _, desc := range descs {
		var defs []string
		var fks []string

		autoKey := desc.KeyStrategy == types.KeyAutoIncrement && len(desc.PrimaryKey) == 1
		for _, f := range desc.Fields {
			if autoKey && desc.IsKeyField(f.Name) {
				defs = append(defs, d.autoIncrementColumn(f.Column))
				continue
			}
			def := quote(f.Column) + " " + d.columnType(f.Converter.ColumnType())
			if !f.Nullable || desc.IsKeyField(f.Name) {
				def += " NOT NULL"
			}
			defs = append(defs, def)
			if f.Unique {
				indexes = append(indexes, uniqueIndex(desc, f.Column))
			}
		}

		for _, r := range desc.OwningRelations() {
			target, ok := byKind[r.Target]
			if !ok {
				return nil, fmt.Errorf("%w: %s.%s targets %s, which is not in the schema",
					types.ErrInvalidDescriptor, desc.Kind, r.Name, r.Target)
			}
			keys := target.KeyFields()
			if len(keys) != 1 {
				return nil, fmt.Errorf("%w: %s.%s targets %s, which has a composite key",
					types.ErrInvalidDescriptor, desc.Kind, r.Name, r.Target)
			}
			def := quote(r.Column) + " " + d.columnType(keys[0].Converter.ColumnType())
			if !r.Nullable {
				def += " NOT NULL"
			}
			defs = append(defs, def)
			if r.Cardinality == types.OneToOne {
				indexes = append(indexes, uniqueIndex(desc, r.Column))
			}
			fks = append(fks, foreignKey(r, target, keys[0].Column))
		}

		if !autoKey {
			defs = append(defs, "PRIMARY KEY ("+quoteList(desc.KeyColumns())+")")
		}
		if inline {
			defs = append(defs, fks...)
		} else {
			for i, r := range desc.OwningRelations() {
				constraints = append(constraints, fmt.Sprintf("ALTER TABLE %s ADD CONSTRAINT %s %s",
					quote(desc.Table), quote("fk_"+desc.Table+"_"+r.Column), fks[i]))
			}
		}
		tables = append(tables, fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n  %s\n)",
			quote(desc.Table), strings.Join(defs, ",\n  ")))
	}

	out := append(tables, indexes...)
	return append(out, constraints...), nil
}

func foreignKey(r types.RelationDescriptor, target *types.EntityDescriptor, targetColumn string) string {
	fk := fmt.Sprintf("FOREIGN KEY (%s) REFERENCES %s (%s) ON DELETE %s",
		quote(r.Column), quote(target.Table), quote(targetColumn), onDelete(r.OnDelete))
	if r.Deferred {
		fk += " DEFERRABLE INITIALLY DEFERRED"
	}
	return fk
}

func onDelete(p types.DeletePolicy) string {
	switch p {
	case types.DeleteCascade:
		return "CASCADE"
	case types.DeleteSetNull:
		return "SET NULL"
	default:
		return "NO ACTION"
	}
}

func uniqueIndex(desc *types.EntityDescriptor, column string) string {
	return fmt.Sprintf("CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s (%s)",
		quote("ux_"+desc.Table+"_"+column), quote(desc.Table), quote(column))
}
