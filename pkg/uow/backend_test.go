package uow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/ledger/pkg/convert"
	"github.com/mesh-intelligence/ledger/pkg/registry"
	"github.com/mesh-intelligence/ledger/pkg/types"
)

// memBackend is an in-memory Backend that records every read and write.
// It does not enforce foreign keys.
type memBackend struct {
	tables  map[string]map[string]types.Row // kind -> key string -> row
	nextID  map[string]int64
	gets    int
	fetches int
	writes  []string
	failOn  string // "<action> <kind>" to fail inside the transaction
}

func newMemBackend() *memBackend {
	return &memBackend{
		tables: make(map[string]map[string]types.Row),
		nextID: make(map[string]int64),
	}
}

func (b *memBackend) put(desc *types.EntityDescriptor, row types.Row) {
	if b.tables[desc.Kind] == nil {
		b.tables[desc.Kind] = make(map[string]types.Row)
	}
	key := rowKey(desc, row)
	b.tables[desc.Kind][key.String()] = row.Clone()
	if id, ok := key[0].(int64); ok && id > b.nextID[desc.Kind] {
		b.nextID[desc.Kind] = id
	}
}

func (b *memBackend) Get(_ context.Context, desc *types.EntityDescriptor, key types.Key) (types.Row, error) {
	b.gets++
	row, ok := b.tables[desc.Kind][key.String()]
	if !ok {
		return nil, fmt.Errorf("%w: %s#%s", types.ErrNotFound, desc.Kind, key)
	}
	return row.Clone(), nil
}

func (b *memBackend) Fetch(_ context.Context, desc *types.EntityDescriptor, filter map[string]any) ([]types.Row, error) {
	b.fetches++
	keys := make([]string, 0, len(b.tables[desc.Kind]))
	for k := range b.tables[desc.Kind] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var out []types.Row
	for _, k := range keys {
		row := b.tables[desc.Kind][k]
		match := true
		for col, want := range filter {
			if !types.StorageEqual(row[col], want) {
				match = false
				break
			}
		}
		if match {
			out = append(out, row.Clone())
		}
	}
	return out, nil
}

func (b *memBackend) Begin(context.Context) (types.Tx, error) {
	staged := make(map[string]map[string]types.Row, len(b.tables))
	for kind, rows := range b.tables {
		staged[kind] = make(map[string]types.Row, len(rows))
		for k, r := range rows {
			staged[kind][k] = r.Clone()
		}
	}
	return &memTx{b: b, tables: staged}, nil
}

type memTx struct {
	b      *memBackend
	tables map[string]map[string]types.Row
}

func (tx *memTx) record(action string, desc *types.EntityDescriptor) error {
	op := action + " " + desc.Kind
	tx.b.writes = append(tx.b.writes, op)
	if tx.b.failOn == op {
		return &types.BackendError{Op: action, Kind: desc.Kind, Err: errors.New("injected failure")}
	}
	return nil
}

func (tx *memTx) Insert(_ context.Context, desc *types.EntityDescriptor, row types.Row) (types.Key, error) {
	if err := tx.record("insert", desc); err != nil {
		return nil, err
	}
	row = row.Clone()
	if desc.KeyStrategy == types.KeyAutoIncrement {
		col := desc.KeyColumns()[0]
		if row[col] == nil {
			tx.b.nextID[desc.Kind]++
			row[col] = tx.b.nextID[desc.Kind]
		}
	}
	key := rowKey(desc, row)
	if tx.tables[desc.Kind] == nil {
		tx.tables[desc.Kind] = make(map[string]types.Row)
	}
	if _, dup := tx.tables[desc.Kind][key.String()]; dup {
		return nil, &types.BackendError{Op: "insert", Kind: desc.Kind, Err: errors.New("duplicate key")}
	}
	tx.tables[desc.Kind][key.String()] = row
	return key, nil
}

func (tx *memTx) Update(_ context.Context, desc *types.EntityDescriptor, key types.Key, changes types.Row) error {
	if err := tx.record("update", desc); err != nil {
		return err
	}
	row, ok := tx.tables[desc.Kind][key.String()]
	if !ok {
		return types.ErrNotFound
	}
	for col, v := range changes {
		row[col] = types.Normalize(v)
	}
	return nil
}

func (tx *memTx) Delete(_ context.Context, desc *types.EntityDescriptor, key types.Key) error {
	if err := tx.record("delete", desc); err != nil {
		return err
	}
	if _, ok := tx.tables[desc.Kind][key.String()]; !ok {
		return types.ErrNotFound
	}
	delete(tx.tables[desc.Kind], key.String())
	return nil
}

func (tx *memTx) Commit() error {
	tx.b.tables = tx.tables
	return nil
}

func (tx *memTx) Rollback() error { return nil }

// testRegistry describes users owning houses (cascade), cars (no_action) and
// bikes (set_null), plus kinds with mutual references.
func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	r := registry.New()
	for _, b := range []*registry.Builder{
		registry.Entity("User").
			AutoIncrementKey("id").
			Field("name", convert.Text()).
			Field("rank", convert.Integer(), registry.Nullable()).
			OneToMany("houses", "House", "owner"),
		registry.Entity("House").
			AutoIncrementKey("id").
			Field("address", convert.Text()).
			ManyToOne("owner", "User", registry.OnDelete(types.DeleteCascade)),
		registry.Entity("Car").
			AutoIncrementKey("id").
			Field("model", convert.Text()).
			ManyToOne("driver", "User"),
		registry.Entity("Bike").
			AutoIncrementKey("id").
			ManyToOne("rider", "User", registry.Optional(), registry.OnDelete(types.DeleteSetNull)),
		registry.Entity("Hen").
			Key("id", convert.Integer(), types.KeyManual).
			ManyToOne("egg", "Egg", registry.Optional()),
		registry.Entity("Egg").
			Key("id", convert.Integer(), types.KeyManual).
			ManyToOne("hen", "Hen", registry.Optional()),
		registry.Entity("Left").
			UUIDKey("id").
			ManyToOne("right", "Right", registry.Optional(), registry.Deferred()),
		registry.Entity("Right").
			UUIDKey("id").
			ManyToOne("left", "Left", registry.Optional(), registry.Deferred()),
		registry.Entity("Ping").
			AutoIncrementKey("id").
			ManyToOne("pong", "Pong", registry.Optional(), registry.Deferred()),
		registry.Entity("Pong").
			AutoIncrementKey("id").
			ManyToOne("ping", "Ping", registry.Optional(), registry.Deferred()),
		registry.Entity("Note").
			ULIDKey("id").
			Field("body", convert.Text()),
	} {
		d, err := b.Build()
		require.NoError(t, err)
		require.NoError(t, r.Register(d))
	}
	return r
}

func openTest(t *testing.T, opts ...Option) (*UnitOfWork, *memBackend) {
	t.Helper()
	b := newMemBackend()
	u, err := Open(b, testRegistry(t), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = u.Close() })
	return u, b
}

func describe(t *testing.T, u *UnitOfWork, kind string) *types.EntityDescriptor {
	t.Helper()
	d, err := u.registry.Describe(kind)
	require.NoError(t, err)
	return d
}
