// Package uow implements the unit of work: an identity map of managed
// entities, storage-typed snapshots for change detection, and a flush that
// writes the minimal set of inserts, updates and deletes in an order the
// backend's foreign keys accept.
//
// A UnitOfWork has a single owner. Operations that may read or write storage
// take a context; running two of them at once returns ErrConcurrentUse.
//
//	u, err := uow.Open(store, reg)
//	user, _ := u.Create("User", map[string]any{"name": "Ada"})
//	house, _ := u.Create("House", map[string]any{"address": "1 Loop Rd", "owner": user})
//	res, err := u.Flush(ctx)
package uow

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/metric"

	"github.com/mesh-intelligence/ledger/pkg/registry"
	"github.com/mesh-intelligence/ledger/pkg/types"
)

// UnitOfWork tracks the entities created or loaded within one logical
// transaction.
type UnitOfWork struct {
	backend  types.Backend
	registry *registry.Registry
	logger   zerolog.Logger
	meter    metric.Meter
	metrics  *flushMetrics
	now      func() time.Time

	entropyMu sync.Mutex
	entropy   io.Reader

	busy          atomic.Bool
	closed        bool
	indeterminate bool

	seq      int
	identity map[string]*Entity // identityKey(kind, key) -> entity
	tracked  map[int]*Entity    // seq -> every new, managed or removed entity
}

// Open returns an empty unit of work over backend. The registry is validated
// once here.
func Open(backend types.Backend, reg *registry.Registry, opts ...Option) (*UnitOfWork, error) {
	if backend == nil {
		return nil, fmt.Errorf("open unit of work: nil backend")
	}
	if reg == nil {
		return nil, fmt.Errorf("open unit of work: nil registry")
	}
	if err := reg.Validate(); err != nil {
		return nil, fmt.Errorf("open unit of work: %w", err)
	}
	u := &UnitOfWork{
		backend:  backend,
		registry: reg,
		logger:   zerolog.Nop(),
		now:      time.Now,
		entropy:  ulid.Monotonic(rand.Reader, 0),
		identity: make(map[string]*Entity),
		tracked:  make(map[int]*Entity),
	}
	for _, opt := range opts {
		opt(u)
	}
	u.metrics = newFlushMetrics(u.meter)
	return u, nil
}

// enter claims the unit for one operation. The returned func releases it.
func (u *UnitOfWork) enter() (func(), error) {
	if !u.busy.CompareAndSwap(false, true) {
		return nil, types.ErrConcurrentUse
	}
	release := func() { u.busy.Store(false) }
	switch {
	case u.closed:
		release()
		return nil, types.ErrUnitClosed
	case u.indeterminate:
		release()
		return nil, types.ErrIndeterminate
	}
	return release, nil
}

// Create registers a new entity pending insert. fields holds application
// values by field name; owning relations accept an *Entity, a *Reference, a
// raw key value or nil. Keys are allocated for uuid and ulid kinds, required
// for manual kinds, and left to the backend for autoincrement kinds.
func (u *UnitOfWork) Create(kind string, fields map[string]any) (*Entity, error) {
	release, err := u.enter()
	if err != nil {
		return nil, err
	}
	defer release()

	desc, err := u.registry.Describe(kind)
	if err != nil {
		return nil, err
	}
	e := newEntity(u, desc, u.nextSeq())
	e.state = StateNew
	for name, value := range fields {
		if f, ok := desc.Field(name); ok {
			if value != nil {
				if _, err := fieldToStorage(desc, f, value); err != nil {
					return nil, err
				}
			}
			e.values[name] = value
			continue
		}
		rel, ok := desc.Relation(name)
		if !ok || !rel.Owning() {
			return nil, fmt.Errorf("%w: %s.%s", types.ErrUnknownField, kind, name)
		}
		ref, err := u.toReference(rel, value)
		if err != nil {
			return nil, err
		}
		e.refs[name] = ref
	}

	if err := u.assignKey(e); err != nil {
		return nil, err
	}
	if !e.key.IsZero() {
		id := identityKey(kind, e.key)
		if existing, ok := u.identity[id]; ok && existing.state != StateDetached {
			return nil, fmt.Errorf("%w: %s", types.ErrDuplicateKey, e)
		}
		u.identity[id] = e
	}
	// Missing required values are reported by Flush, so the snapshot is
	// best effort here.
	if row, err := e.storageRow(); err == nil {
		e.snapshot = row
	}
	u.tracked[e.seq] = e
	return e, nil
}

func (u *UnitOfWork) assignKey(e *Entity) error {
	desc := e.desc
	switch desc.KeyStrategy {
	case types.KeyUUID, types.KeyULID:
		name := desc.PrimaryKey[0]
		if e.values[name] == nil {
			if desc.KeyStrategy == types.KeyUUID {
				e.values[name] = uuid.Must(uuid.NewV7()).String()
			} else {
				e.values[name] = u.newULID()
			}
		}
	case types.KeyAutoIncrement:
		if e.values[desc.PrimaryKey[0]] == nil {
			return nil
		}
	}
	key := make(types.Key, len(desc.PrimaryKey))
	for i, f := range desc.KeyFields() {
		v := e.values[f.Name]
		if v == nil {
			return fmt.Errorf("%w: %s.%s", types.ErrMissingKey, desc.Kind, f.Name)
		}
		stored, err := fieldToStorage(desc, f, v)
		if err != nil {
			return err
		}
		key[i] = stored
	}
	e.key = key
	return nil
}

func (u *UnitOfWork) newULID() string {
	u.entropyMu.Lock()
	defer u.entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(u.now()), u.entropy).String()
}

// Load returns the managed instance for a storage row. If an entity with
// the same key is already managed it is returned unchanged; otherwise a new
// instance is built through each field's converter and the row becomes its
// snapshot. A nil key is read from the row's key columns.
func (u *UnitOfWork) Load(kind string, key types.Key, row types.Row) (*Entity, error) {
	release, err := u.enter()
	if err != nil {
		return nil, err
	}
	defer release()

	desc, err := u.registry.Describe(kind)
	if err != nil {
		return nil, err
	}
	return u.load(desc, key, row)
}

func (u *UnitOfWork) load(desc *types.EntityDescriptor, key types.Key, row types.Row) (*Entity, error) {
	if key.IsZero() {
		key = rowKey(desc, row)
		if key.IsZero() {
			return nil, fmt.Errorf("%w: %s row has no key", types.ErrMissingKey, desc.Kind)
		}
	}
	if len(key) != len(desc.PrimaryKey) {
		return nil, fmt.Errorf("%w: %s takes %d key values, got %d", types.ErrMissingKey, desc.Kind, len(desc.PrimaryKey), len(key))
	}
	if e := u.lookup(desc, key); e != nil {
		return e, nil
	}

	e := newEntity(u, desc, u.nextSeq())
	e.key = normalizeKey(key)
	e.snapshot = make(types.Row, len(desc.Fields)+len(desc.Relations))
	for _, f := range desc.Fields {
		stored := types.Normalize(row[f.Column])
		if i := keyIndex(desc, f.Name); i >= 0 {
			// The key given by the caller wins over the row, which may omit it.
			stored = e.key[i]
		}
		e.snapshot[f.Column] = stored
		if stored == nil {
			e.values[f.Name] = nil
			continue
		}
		app, err := f.Converter.ToApplication(stored)
		if err != nil {
			return nil, fmt.Errorf("load %s.%s: %w", desc.Kind, f.Name, err)
		}
		e.values[f.Name] = app
	}
	for _, rel := range desc.OwningRelations() {
		fk := types.Normalize(row[rel.Column])
		e.snapshot[rel.Column] = fk
		if fk == nil {
			e.refs[rel.Name] = nil
			continue
		}
		e.refs[rel.Name] = u.reference(rel.Target, types.Key{fk})
	}
	e.state = StateManaged
	u.identity[identityKey(desc.Kind, e.key)] = e
	u.tracked[e.seq] = e
	return e, nil
}

// Find returns the entity with the given key, given as application values.
// A managed instance is returned without reading storage.
func (u *UnitOfWork) Find(ctx context.Context, kind string, key ...any) (*Entity, error) {
	release, err := u.enter()
	if err != nil {
		return nil, err
	}
	defer release()

	desc, err := u.registry.Describe(kind)
	if err != nil {
		return nil, err
	}
	k, err := appKey(desc, key)
	if err != nil {
		return nil, err
	}
	return u.find(ctx, desc, k)
}

func (u *UnitOfWork) find(ctx context.Context, desc *types.EntityDescriptor, key types.Key) (*Entity, error) {
	if e, ok := u.identity[identityKey(desc.Kind, key)]; ok {
		if e.state == StateRemoved {
			return nil, fmt.Errorf("%w: %s is pending delete", types.ErrNotFound, e)
		}
		return e, nil
	}
	row, err := u.backend.Get(ctx, desc, key)
	if err != nil {
		return nil, err
	}
	return u.load(desc, key, row)
}

// FindAll loads every row matching filter, a map of field or owning
// relation name to application value combined with AND. Entities pending
// delete are left out.
func (u *UnitOfWork) FindAll(ctx context.Context, kind string, filter map[string]any) ([]*Entity, error) {
	release, err := u.enter()
	if err != nil {
		return nil, err
	}
	defer release()

	desc, err := u.registry.Describe(kind)
	if err != nil {
		return nil, err
	}
	where := make(map[string]any, len(filter))
	for name, value := range filter {
		col, stored, err := u.filterValue(desc, name, value)
		if err != nil {
			return nil, err
		}
		where[col] = stored
	}
	rows, err := u.backend.Fetch(ctx, desc, where)
	if err != nil {
		return nil, err
	}
	return u.loadRows(desc, rows)
}

func (u *UnitOfWork) filterValue(desc *types.EntityDescriptor, name string, value any) (string, any, error) {
	if f, ok := desc.Field(name); ok {
		if value == nil {
			return f.Column, nil, nil
		}
		stored, err := f.Converter.ToStorage(value)
		if err != nil {
			return "", nil, fmt.Errorf("%s.%s: %w", desc.Kind, name, err)
		}
		return f.Column, types.Normalize(stored), nil
	}
	rel, ok := desc.Relation(name)
	if !ok || !rel.Owning() {
		return "", nil, fmt.Errorf("%w: %s.%s", types.ErrUnknownField, desc.Kind, name)
	}
	ref, err := u.toReference(rel, value)
	if err != nil {
		return "", nil, err
	}
	if ref == nil {
		return rel.Column, nil, nil
	}
	key := ref.Key()
	if key.IsZero() {
		return "", nil, fmt.Errorf("%w: %s", types.ErrKeyNotAssigned, ref)
	}
	return rel.Column, key[0], nil
}

func (u *UnitOfWork) loadRows(desc *types.EntityDescriptor, rows []types.Row) ([]*Entity, error) {
	out := make([]*Entity, 0, len(rows))
	for _, row := range rows {
		e, err := u.load(desc, nil, row)
		if err != nil {
			return nil, err
		}
		if e.state == StateRemoved {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// Reference returns an unresolved reference to kind with the given key,
// given as application values. If the entity is already managed the
// reference holds it.
func (u *UnitOfWork) Reference(kind string, key ...any) (*Reference, error) {
	release, err := u.enter()
	if err != nil {
		return nil, err
	}
	defer release()

	desc, err := u.registry.Describe(kind)
	if err != nil {
		return nil, err
	}
	k, err := appKey(desc, key)
	if err != nil {
		return nil, err
	}
	return u.reference(kind, k), nil
}

func (u *UnitOfWork) reference(kind string, key types.Key) *Reference {
	ref := &Reference{kind: kind, key: normalizeKey(key)}
	if e, ok := u.identity[identityKey(kind, key)]; ok && e.state != StateDetached {
		ref.entity = e
	}
	return ref
}

// toReference converts anything a caller may assign to an owning relation.
func (u *UnitOfWork) toReference(rel types.RelationDescriptor, target any) (*Reference, error) {
	switch t := target.(type) {
	case nil:
		return nil, nil
	case *Entity:
		if t == nil {
			return nil, nil
		}
		if t.desc.Kind != rel.Target {
			return nil, fmt.Errorf("%w: relation %s expects %s, got %s", types.ErrConversion, rel.Name, rel.Target, t)
		}
		if t.unit != u || t.state == StateDetached {
			return nil, fmt.Errorf("%w: %s", types.ErrNotManaged, t)
		}
		return &Reference{kind: t.desc.Kind, key: t.Key(), entity: t}, nil
	case *Reference:
		if t == nil {
			return nil, nil
		}
		if t.kind != rel.Target {
			return nil, fmt.Errorf("%w: relation %s expects %s, got %s", types.ErrConversion, rel.Name, rel.Target, t)
		}
		if t.entity == nil && !t.key.IsZero() {
			return u.reference(t.kind, t.key), nil
		}
		return t, nil
	default:
		desc, err := u.registry.Describe(rel.Target)
		if err != nil {
			return nil, err
		}
		key, err := appKey(desc, []any{target})
		if err != nil {
			return nil, fmt.Errorf("relation %s: %w", rel.Name, err)
		}
		return u.reference(rel.Target, key), nil
	}
}

// Related loads the one_to_many relation of a managed owner, merged with
// pending changes: new and managed entities currently pointing at owner are
// included, removed ones are not.
func (u *UnitOfWork) Related(ctx context.Context, owner *Entity, relation string) ([]*Entity, error) {
	release, err := u.enter()
	if err != nil {
		return nil, err
	}
	defer release()

	if owner == nil || owner.unit != u || owner.state == StateDetached {
		return nil, fmt.Errorf("%w: %v", types.ErrNotManaged, owner)
	}
	return u.collection(ctx, owner.desc, owner.Key(), owner, relation)
}

func (u *UnitOfWork) collection(ctx context.Context, desc *types.EntityDescriptor, key types.Key, owner *Entity, relation string) ([]*Entity, error) {
	rel, ok := desc.Relation(relation)
	if !ok || rel.Cardinality != types.OneToMany {
		return nil, fmt.Errorf("%w: %s.%s is not a one_to_many relation", types.ErrUnknownRelation, desc.Kind, relation)
	}
	target, err := u.registry.Describe(rel.Target)
	if err != nil {
		return nil, err
	}
	back, ok := target.Relation(rel.MappedBy)
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", types.ErrUnknownRelation, target.Kind, rel.MappedBy)
	}

	points := func(e *Entity) bool {
		if owner != nil {
			return e.pointsAt(back.Name, owner)
		}
		ref := e.refs[back.Name]
		return ref != nil && ref.kind == desc.Kind && ref.Key().Equal(key)
	}

	var out []*Entity
	seen := make(map[*Entity]bool)
	if !key.IsZero() {
		rows, err := u.backend.Fetch(ctx, target, map[string]any{back.Column: key[0]})
		if err != nil {
			return nil, err
		}
		loaded, err := u.loadRows(target, rows)
		if err != nil {
			return nil, err
		}
		for _, e := range loaded {
			// a managed instance may have been moved to another owner
			if points(e) {
				out = append(out, e)
				seen[e] = true
			}
		}
	}
	for _, e := range u.trackedInOrder() {
		if e.desc.Kind != target.Kind || seen[e] || e.state == StateRemoved {
			continue
		}
		if points(e) {
			out = append(out, e)
		}
	}
	return out, nil
}

// Remove marks a managed entity for deletion at the next flush. A new entity
// is simply forgotten.
func (u *UnitOfWork) Remove(e *Entity) error {
	release, err := u.enter()
	if err != nil {
		return err
	}
	defer release()

	if e == nil || e.unit != u || e.state == StateDetached {
		return fmt.Errorf("%w: %v", types.ErrNotManaged, e)
	}
	switch e.state {
	case StateNew:
		u.detach(e)
	case StateManaged:
		e.state = StateRemoved
	}
	return nil
}

// Clear detaches every entity and discards all pending changes. It is the
// only way out of the indeterminate state left by a failed flush.
func (u *UnitOfWork) Clear() error {
	if !u.busy.CompareAndSwap(false, true) {
		return types.ErrConcurrentUse
	}
	defer u.busy.Store(false)
	if u.closed {
		return types.ErrUnitClosed
	}
	u.reset()
	return nil
}

// Close clears the unit and rejects any further use. Closing twice is a
// no-op.
func (u *UnitOfWork) Close() error {
	if !u.busy.CompareAndSwap(false, true) {
		return types.ErrConcurrentUse
	}
	defer u.busy.Store(false)
	if !u.closed {
		u.reset()
		u.closed = true
	}
	return nil
}

func (u *UnitOfWork) reset() {
	for _, e := range u.tracked {
		e.state = StateDetached
	}
	u.identity = make(map[string]*Entity)
	u.tracked = make(map[int]*Entity)
	u.indeterminate = false
}

// Managed returns every tracked entity in creation order.
func (u *UnitOfWork) Managed() []*Entity {
	return u.trackedInOrder()
}

func (u *UnitOfWork) trackedInOrder() []*Entity {
	out := make([]*Entity, 0, len(u.tracked))
	for _, e := range u.tracked {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

func (u *UnitOfWork) detach(e *Entity) {
	if !e.key.IsZero() {
		id := identityKey(e.desc.Kind, e.key)
		if u.identity[id] == e {
			delete(u.identity, id)
		}
	}
	delete(u.tracked, e.seq)
	e.state = StateDetached
}

func (u *UnitOfWork) lookup(desc *types.EntityDescriptor, key types.Key) *Entity {
	if key.IsZero() {
		return nil
	}
	return u.identity[identityKey(desc.Kind, key)]
}

func (u *UnitOfWork) nextSeq() int {
	u.seq++
	return u.seq
}

func identityKey(kind string, key types.Key) string {
	return kind + "\x00" + key.String()
}

// appKey converts key values given as application values.
func appKey(desc *types.EntityDescriptor, values []any) (types.Key, error) {
	fields := desc.KeyFields()
	if len(values) != len(fields) {
		return nil, fmt.Errorf("%w: %s takes %d key values, got %d", types.ErrMissingKey, desc.Kind, len(fields), len(values))
	}
	key := make(types.Key, len(fields))
	for i, f := range fields {
		if values[i] == nil {
			return nil, fmt.Errorf("%w: %s.%s", types.ErrMissingKey, desc.Kind, f.Name)
		}
		stored, err := fieldToStorage(desc, f, values[i])
		if err != nil {
			return nil, err
		}
		key[i] = stored
	}
	return key, nil
}

func rowKey(desc *types.EntityDescriptor, row types.Row) types.Key {
	cols := desc.KeyColumns()
	key := make(types.Key, len(cols))
	for i, c := range cols {
		key[i] = types.Normalize(row[c])
	}
	return key
}

func normalizeKey(key types.Key) types.Key {
	if key == nil {
		return nil
	}
	out := make(types.Key, len(key))
	for i, v := range key {
		out[i] = types.Normalize(v)
	}
	return out
}
