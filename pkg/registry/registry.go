// Package registry holds entity schema metadata: one EntityDescriptor per
// entity kind, registered once and looked up by kind.
//
// Descriptors are usually produced by the builder in this package:
//
//	house, err := registry.Entity("House").
//	    AutoIncrementKey("id").
//	    Field("address", convert.Text()).
//	    ManyToOne("owner", "User", registry.OnDelete(types.DeleteCascade)).
//	    Build()
//
// The registry does not check converters for round-trip stability; that is an
// obligation of each converter.
package registry

import (
	"fmt"
	"sync"

	"github.com/mesh-intelligence/ledger/pkg/types"
)

// Registry stores descriptors by entity kind. It is safe for concurrent
// readers once registration is complete.
type Registry struct {
	mu    sync.RWMutex
	kinds map[string]*types.EntityDescriptor
	order []string
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{kinds: make(map[string]*types.EntityDescriptor)}
}

// Register stores desc under its kind. It returns ErrDuplicateEntityKind if
// the kind is already registered and ErrInvalidDescriptor if desc is not
// internally consistent.
func (r *Registry) Register(desc *types.EntityDescriptor) error {
	if err := checkDescriptor(desc); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.kinds[desc.Kind]; exists {
		return fmt.Errorf("%w: %s", types.ErrDuplicateEntityKind, desc.Kind)
	}
	r.kinds[desc.Kind] = desc
	r.order = append(r.order, desc.Kind)
	return nil
}

// MustRegister is like Register but panics on error. Intended for package
// level schema setup.
func (r *Registry) MustRegister(descs ...*types.EntityDescriptor) *Registry {
	for _, d := range descs {
		if err := r.Register(d); err != nil {
			panic(err)
		}
	}
	return r
}

// Describe returns the descriptor for kind, or ErrUnknownEntityKind.
func (r *Registry) Describe(kind string) (*types.EntityDescriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.kinds[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", types.ErrUnknownEntityKind, kind)
	}
	return d, nil
}

// Kinds returns the registered kinds in registration order.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Descriptors returns every registered descriptor in registration order.
func (r *Registry) Descriptors() []*types.EntityDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*types.EntityDescriptor, len(r.order))
	for i, k := range r.order {
		out[i] = r.kinds[k]
	}
	return out
}

// Incoming describes an owning relation on Owner that targets some kind.
type Incoming struct {
	Owner    *types.EntityDescriptor
	Relation types.RelationDescriptor
}

// Incoming returns every owning relation, on any registered kind, whose
// target is kind. Results follow registration order.
func (r *Registry) Incoming(kind string) []Incoming {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Incoming
	for _, k := range r.order {
		owner := r.kinds[k]
		for _, rel := range owner.OwningRelations() {
			if rel.Target == kind {
				out = append(out, Incoming{Owner: owner, Relation: rel})
			}
		}
	}
	return out
}

// Validate performs the cross-descriptor checks that cannot run at Register
// time: relation targets must be registered, owning relations must target a
// single-column key, and inverse relations must name an owning relation on
// the target that points back.
func (r *Registry) Validate() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, k := range r.order {
		d := r.kinds[k]
		for _, rel := range d.Relations {
			target, ok := r.kinds[rel.Target]
			if !ok {
				return fmt.Errorf("%w: %s.%s targets unregistered kind %q",
					types.ErrUnknownEntityKind, d.Kind, rel.Name, rel.Target)
			}
			if rel.Owning() {
				if len(target.PrimaryKey) != 1 {
					return fmt.Errorf("%w: %s.%s targets %s which has a composite key",
						types.ErrInvalidDescriptor, d.Kind, rel.Name, target.Kind)
				}
				continue
			}
			back, ok := target.Relation(rel.MappedBy)
			if !ok || !back.Owning() || back.Target != d.Kind {
				return fmt.Errorf("%w: %s.%s is mapped by %s.%s which is not an owning relation to %s",
					types.ErrInvalidDescriptor, d.Kind, rel.Name, target.Kind, rel.MappedBy, d.Kind)
			}
		}
	}
	return nil
}

// checkDescriptor validates a single descriptor in isolation.
func checkDescriptor(d *types.EntityDescriptor) error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: "+format, append([]any{types.ErrInvalidDescriptor}, args...)...)
	}
	if d == nil {
		return invalid("nil descriptor")
	}
	if d.Kind == "" {
		return invalid("empty kind")
	}
	if d.Table == "" {
		return invalid("%s: empty table name", d.Kind)
	}
	if len(d.PrimaryKey) == 0 {
		return invalid("%s: no primary key", d.Kind)
	}

	names := make(map[string]bool)
	columns := make(map[string]bool)
	for _, f := range d.Fields {
		if f.Name == "" || f.Column == "" {
			return invalid("%s: field with empty name or column", d.Kind)
		}
		if f.Converter == nil {
			return invalid("%s.%s: no converter", d.Kind, f.Name)
		}
		if names[f.Name] {
			return invalid("%s: duplicate field %q", d.Kind, f.Name)
		}
		if columns[f.Column] {
			return invalid("%s: duplicate column %q", d.Kind, f.Column)
		}
		names[f.Name] = true
		columns[f.Column] = true
	}
	for _, rel := range d.Relations {
		if rel.Name == "" || rel.Target == "" {
			return invalid("%s: relation with empty name or target", d.Kind)
		}
		if names[rel.Name] {
			return invalid("%s: duplicate field %q", d.Kind, rel.Name)
		}
		names[rel.Name] = true
		switch rel.Cardinality {
		case types.ManyToOne, types.OneToOne:
			if rel.Column == "" {
				return invalid("%s.%s: owning relation without column", d.Kind, rel.Name)
			}
			if columns[rel.Column] {
				return invalid("%s: duplicate column %q", d.Kind, rel.Column)
			}
			columns[rel.Column] = true
		case types.OneToMany:
			if rel.MappedBy == "" {
				return invalid("%s.%s: one_to_many without mapped_by", d.Kind, rel.Name)
			}
		default:
			return invalid("%s.%s: unknown cardinality %q", d.Kind, rel.Name, rel.Cardinality)
		}
		switch rel.OnDelete {
		case types.DeleteNoAction, types.DeleteCascade:
		case types.DeleteSetNull:
			if !rel.Nullable {
				return invalid("%s.%s: set_null requires an optional relation", d.Kind, rel.Name)
			}
		default:
			return invalid("%s.%s: unknown delete policy %q", d.Kind, rel.Name, rel.OnDelete)
		}
	}

	for _, k := range d.PrimaryKey {
		f, ok := d.Field(k)
		if !ok {
			return invalid("%s: key field %q is not a field", d.Kind, k)
		}
		if f.Nullable {
			return invalid("%s: key field %q is nullable", d.Kind, k)
		}
	}
	switch d.KeyStrategy {
	case types.KeyManual:
	case types.KeyAutoIncrement:
		if len(d.PrimaryKey) != 1 {
			return invalid("%s: autoincrement requires a single key field", d.Kind)
		}
		f, _ := d.Field(d.PrimaryKey[0])
		if f.Converter.ColumnType() != types.ColumnInteger {
			return invalid("%s: autoincrement key %q is not an integer", d.Kind, f.Name)
		}
	case types.KeyUUID, types.KeyULID:
		if len(d.PrimaryKey) != 1 {
			return invalid("%s: %s keys require a single key field", d.Kind, d.KeyStrategy)
		}
		f, _ := d.Field(d.PrimaryKey[0])
		if f.Converter.ColumnType() != types.ColumnText {
			return invalid("%s: %s key %q is not text", d.Kind, d.KeyStrategy, f.Name)
		}
	default:
		return invalid("%s: unknown key strategy %q", d.Kind, d.KeyStrategy)
	}
	return nil
}
