package schemafile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/ledger/pkg/types"
)

func TestDemo(t *testing.T) {
	reg := Demo()
	assert.Equal(t, []string{"User", "House", "Car", "Author", "Book", "Note"}, reg.Kinds())

	house, err := reg.Describe("House")
	require.NoError(t, err)
	assert.Equal(t, "houses", house.Table)
	assert.Equal(t, types.KeyAutoIncrement, house.KeyStrategy)
	owner, ok := house.Relation("owner")
	require.True(t, ok)
	assert.Equal(t, types.DeleteCascade, owner.OnDelete)
	assert.Equal(t, "owner_id", owner.Column)
	assert.False(t, owner.Nullable)

	book, err := reg.Describe("Book")
	require.NoError(t, err)
	author, ok := book.Relation("author")
	require.True(t, ok)
	assert.True(t, author.Deferred)

	note, err := reg.Describe("Note")
	require.NoError(t, err)
	assert.Equal(t, types.KeyULID, note.KeyStrategy)
	id, ok := note.Field("id")
	require.True(t, ok)
	assert.Equal(t, types.ColumnText, id.Converter.ColumnType())
}

func TestParse(t *testing.T) {
	doc := `
entities:
  - kind: Account
    table: accounts_v2
    key: {fields: [code]}
    fields:
      - {name: code, type: text}
      - {name: balance, type: real}
      - {name: openedAt, type: timestamp, column: opened, nullable: true}
      - {name: ref, type: uuid, unique: true}
  - kind: Entry
    key: {fields: [account, line]}
    fields:
      - {name: account, type: text}
      - {name: line, type: integer}
    relations:
      - {name: parent, target: Account, cardinality: one_to_one, column: parent_code, optional: true, on_delete: set_null}
`
	reg, err := Parse([]byte(doc))
	require.NoError(t, err)

	account, err := reg.Describe("Account")
	require.NoError(t, err)
	assert.Equal(t, "accounts_v2", account.Table)
	assert.Equal(t, types.KeyManual, account.KeyStrategy)
	assert.Equal(t, []string{"code", "balance", "opened", "ref"}, account.Columns())
	opened, ok := account.Field("openedAt")
	require.True(t, ok)
	assert.True(t, opened.Nullable)
	ref, ok := account.Field("ref")
	require.True(t, ok)
	assert.True(t, ref.Unique)

	entry, err := reg.Describe("Entry")
	require.NoError(t, err)
	assert.Equal(t, []string{"account", "line"}, entry.PrimaryKey)
	parent, ok := entry.Relation("parent")
	require.True(t, ok)
	assert.Equal(t, types.OneToOne, parent.Cardinality)
	assert.Equal(t, "parent_code", parent.Column)
	assert.Equal(t, types.DeleteSetNull, parent.OnDelete)
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want error
	}{
		{"empty document", ``, types.ErrInvalidDescriptor},
		{"no entities", `entities: []`, types.ErrInvalidDescriptor},
		{"unknown key", "entities:\n  - kind: A\n    colour: red\n", types.ErrInvalidDescriptor},
		{"unknown field type", "entities:\n  - kind: A\n    key: {fields: [id]}\n    fields:\n      - {name: id, type: decimal}\n", types.ErrUnknownFieldType},
		{"no key", "entities:\n  - kind: A\n    fields:\n      - {name: id, type: text}\n", types.ErrInvalidDescriptor},
		{"undeclared manual key", "entities:\n  - kind: A\n    key: {fields: [id]}\n", types.ErrInvalidDescriptor},
		{"composite autoincrement", "entities:\n  - kind: A\n    key: {fields: [a, b], strategy: autoincrement}\n", types.ErrInvalidDescriptor},
		{"unknown strategy", "entities:\n  - kind: A\n    key: {fields: [id], strategy: random}\n    fields:\n      - {name: id, type: text}\n", types.ErrInvalidDescriptor},
		{"unknown cardinality", "entities:\n  - kind: A\n    key: {fields: [id], strategy: uuid}\n    relations:\n      - {name: b, target: A, cardinality: many_to_many}\n", types.ErrInvalidDescriptor},
		{"unregistered target", "entities:\n  - kind: A\n    key: {fields: [id], strategy: uuid}\n    relations:\n      - {name: b, target: B}\n", types.ErrUnknownEntityKind},
		{"duplicate kind", "entities:\n  - kind: A\n    key: {fields: [id], strategy: uuid}\n  - kind: A\n    key: {fields: [id], strategy: uuid}\n", types.ErrDuplicateEntityKind},
		{"options on inverse side", "entities:\n  - kind: A\n    key: {fields: [id], strategy: uuid}\n    relations:\n      - {name: bs, target: A, cardinality: one_to_many, mapped_by: a, deferred: true}\n", types.ErrInvalidDescriptor},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.doc))
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schema.yaml")
	require.NoError(t, os.WriteFile(path, demoYAML, 0o644))

	reg, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, reg.Kinds(), 6)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestConverter(t *testing.T) {
	for typ, want := range map[string]types.ColumnType{
		"integer":   types.ColumnInteger,
		"real":      types.ColumnReal,
		"text":      types.ColumnText,
		"boolean":   types.ColumnInteger,
		"timestamp": types.ColumnText,
		"json":      types.ColumnText,
		"uuid":      types.ColumnText,
	} {
		c, err := Converter(typ)
		require.NoError(t, err, typ)
		assert.Equal(t, want, c.ColumnType(), typ)
	}
	_, err := Converter("money")
	assert.ErrorIs(t, err, types.ErrUnknownFieldType)
}
