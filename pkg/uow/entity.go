package uow

import (
	"fmt"

	"github.com/mesh-intelligence/ledger/pkg/types"
)

// State is the lifecycle state of an entity within its unit of work.
type State int

// Entity states.
const (
	StateNew      State = iota // created, pending insert
	StateManaged               // loaded or flushed, clean or dirty
	StateRemoved               // pending delete
	StateDetached              // no longer tracked
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateManaged:
		return "managed"
	case StateRemoved:
		return "removed"
	case StateDetached:
		return "detached"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Entity is a managed instance: application values for every field, owning
// references by relation name, and the storage-typed snapshot taken at the
// last load or successful flush.
//
// Field assignment is synchronous and never touches storage; changes are
// detected at flush time by comparing against the snapshot.
type Entity struct {
	unit     *UnitOfWork
	desc     *types.EntityDescriptor
	seq      int
	state    State
	key      types.Key
	values   map[string]any
	refs     map[string]*Reference
	snapshot types.Row
}

func newEntity(u *UnitOfWork, desc *types.EntityDescriptor, seq int) *Entity {
	return &Entity{
		unit:   u,
		desc:   desc,
		seq:    seq,
		values: make(map[string]any, len(desc.Fields)),
		refs:   make(map[string]*Reference),
	}
}

// Kind returns the entity kind.
func (e *Entity) Kind() string { return e.desc.Kind }

// Descriptor returns the entity's schema.
func (e *Entity) Descriptor() *types.EntityDescriptor { return e.desc }

// State returns the lifecycle state.
func (e *Entity) State() State { return e.state }

// Key returns the primary key as storage values, or nil while an
// autoincrement key has not been assigned.
func (e *Entity) Key() types.Key {
	if e.key == nil {
		return nil
	}
	return append(types.Key(nil), e.key...)
}

// Snapshot returns a copy of the storage row recorded at the last load or
// successful flush.
func (e *Entity) Snapshot() types.Row {
	return e.snapshot.Clone()
}

// Get returns the application value of a field, or the *Reference held by an
// owning relation. Unknown names return nil.
func (e *Entity) Get(name string) any {
	if _, ok := e.desc.Field(name); ok {
		return e.values[name]
	}
	if ref, ok := e.refs[name]; ok && ref != nil {
		return ref
	}
	return nil
}

// Fields returns a copy of the scalar field values.
func (e *Entity) Fields() map[string]any {
	out := make(map[string]any, len(e.values))
	for k, v := range e.values {
		out[k] = v
	}
	return out
}

// Set assigns a field. Owning relation names are accepted and behave like
// SetRef. The value is converted once to catch conversion errors early; the
// application value is stored as given.
func (e *Entity) Set(name string, value any) error {
	if err := e.checkWritable(); err != nil {
		return err
	}
	if _, ok := e.desc.Relation(name); ok {
		return e.SetRef(name, value)
	}
	f, ok := e.desc.Field(name)
	if !ok {
		return fmt.Errorf("%w: %s.%s", types.ErrUnknownField, e.desc.Kind, name)
	}
	stored, err := fieldToStorage(e.desc, f, value)
	if err != nil {
		return err
	}
	if e.desc.IsKeyField(name) {
		current := e.keyComponent(name)
		if current == nil || !types.StorageEqual(current, stored) {
			return fmt.Errorf("%w: %s.%s", types.ErrImmutableKey, e.desc.Kind, name)
		}
	}
	e.values[name] = value
	return nil
}

// SetRef points an owning relation at target, which may be an *Entity, a
// *Reference, a raw key value of the target kind, or nil.
func (e *Entity) SetRef(relation string, target any) error {
	if err := e.checkWritable(); err != nil {
		return err
	}
	rel, ok := e.desc.Relation(relation)
	if !ok || !rel.Owning() {
		return fmt.Errorf("%w: %s.%s", types.ErrUnknownRelation, e.desc.Kind, relation)
	}
	ref, err := e.unit.toReference(rel, target)
	if err != nil {
		return err
	}
	if ref == nil && !rel.Nullable {
		return fmt.Errorf("%w: %s.%s", types.ErrNotNullable, e.desc.Kind, relation)
	}
	e.refs[relation] = ref
	return nil
}

// Ref returns the reference held by an owning relation, or nil.
func (e *Entity) Ref(relation string) *Reference {
	return e.refs[relation]
}

// String identifies the entity in logs and errors.
func (e *Entity) String() string {
	if e.key.IsZero() {
		return fmt.Sprintf("%s#new(%d)", e.desc.Kind, e.seq)
	}
	return e.desc.Kind + "#" + e.key.String()
}

func (e *Entity) checkWritable() error {
	if e.state == StateDetached || e.state == StateRemoved {
		return fmt.Errorf("%w: %s is %s", types.ErrNotManaged, e, e.state)
	}
	return nil
}

func (e *Entity) keyComponent(field string) any {
	if e.key.IsZero() {
		return nil
	}
	for i, k := range e.desc.PrimaryKey {
		if k == field {
			return e.key[i]
		}
	}
	return nil
}

// pointsAt reports whether the owning relation currently references target.
func (e *Entity) pointsAt(relation string, target *Entity) bool {
	ref := e.refs[relation]
	if ref == nil {
		return false
	}
	if ref.entity == target {
		return true
	}
	if ref.kind != target.desc.Kind || target.key.IsZero() {
		return false
	}
	return ref.Key().Equal(target.key)
}

// storageRow converts the current state to a full storage row. Foreign keys
// of targets that have no key yet are left as their *Reference.
func (e *Entity) storageRow() (types.Row, error) {
	row := make(types.Row, len(e.desc.Fields)+len(e.refs))
	for _, f := range e.desc.Fields {
		if i := keyIndex(e.desc, f.Name); i >= 0 {
			if e.key.IsZero() {
				// autoincrement, assigned on insert
				row[f.Column] = nil
			} else {
				row[f.Column] = e.key[i]
			}
			continue
		}
		stored, err := fieldToStorage(e.desc, f, e.values[f.Name])
		if err != nil {
			return nil, err
		}
		row[f.Column] = stored
	}
	for _, rel := range e.desc.OwningRelations() {
		ref := e.refs[rel.Name]
		switch {
		case ref == nil:
			if !rel.Nullable {
				return nil, fmt.Errorf("%w: %s.%s", types.ErrNotNullable, e.desc.Kind, rel.Name)
			}
			row[rel.Column] = nil
		case ref.Key().IsZero():
			row[rel.Column] = ref
		default:
			row[rel.Column] = ref.Key()[0]
		}
	}
	return row, nil
}

func fieldToStorage(desc *types.EntityDescriptor, f types.FieldDescriptor, value any) (any, error) {
	if value == nil {
		if f.Nullable {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %s.%s", types.ErrNotNullable, desc.Kind, f.Name)
	}
	stored, err := f.Converter.ToStorage(value)
	if err != nil {
		return nil, fmt.Errorf("%s.%s: %w", desc.Kind, f.Name, err)
	}
	return types.Normalize(stored), nil
}

func keyIndex(desc *types.EntityDescriptor, field string) int {
	for i, k := range desc.PrimaryKey {
		if k == field {
			return i
		}
	}
	return -1
}
