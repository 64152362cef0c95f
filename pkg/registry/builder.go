package registry

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/mesh-intelligence/ledger/pkg/convert"
	"github.com/mesh-intelligence/ledger/pkg/types"
)

// Builder assembles an EntityDescriptor. Methods record the first error they
// hit; Build returns it.
type Builder struct {
	desc types.EntityDescriptor
	errs []error
}

// Entity starts a descriptor for kind. The table name defaults to the
// snake_case plural of kind ("HouseOwner" -> "house_owners").
func Entity(kind string) *Builder {
	return &Builder{desc: types.EntityDescriptor{
		Kind:        kind,
		Table:       defaultTable(kind),
		KeyStrategy: types.KeyManual,
	}}
}

// Table overrides the storage table name.
func (b *Builder) Table(name string) *Builder {
	b.desc.Table = name
	return b
}

// FieldOption adjusts a field descriptor.
type FieldOption func(*types.FieldDescriptor)

// Column overrides the storage column name (default: snake_case of the field).
func Column(name string) FieldOption {
	return func(f *types.FieldDescriptor) { f.Column = name }
}

// Nullable allows NULL storage values.
func Nullable() FieldOption {
	return func(f *types.FieldDescriptor) { f.Nullable = true }
}

// Unique adds a unique constraint on the column.
func Unique() FieldOption {
	return func(f *types.FieldDescriptor) { f.Unique = true }
}

// Field adds a scalar field.
func (b *Builder) Field(name string, c types.Converter, opts ...FieldOption) *Builder {
	f := types.FieldDescriptor{Name: name, Column: snakeCase(name), Converter: c}
	for _, opt := range opts {
		opt(&f)
	}
	b.desc.Fields = append(b.desc.Fields, f)
	return b
}

// Key adds a single key field with the given allocation strategy.
func (b *Builder) Key(name string, c types.Converter, strategy types.KeyStrategy, opts ...FieldOption) *Builder {
	if len(b.desc.PrimaryKey) > 0 {
		b.errs = append(b.errs, fmt.Errorf("%s: key declared twice", b.desc.Kind))
		return b
	}
	b.Field(name, c, opts...)
	b.desc.PrimaryKey = []string{name}
	b.desc.KeyStrategy = strategy
	return b
}

// AutoIncrementKey adds an integer key assigned by the backend on insert.
func (b *Builder) AutoIncrementKey(name string) *Builder {
	return b.Key(name, convert.Integer(), types.KeyAutoIncrement)
}

// UUIDKey adds a text key holding a UUID v7 allocated at create.
func (b *Builder) UUIDKey(name string) *Builder {
	return b.Key(name, convert.Text(), types.KeyUUID)
}

// ULIDKey adds a text key holding a monotonic ULID allocated at create.
func (b *Builder) ULIDKey(name string) *Builder {
	return b.Key(name, convert.Text(), types.KeyULID)
}

// CompositeKey marks already declared fields as a manual composite key.
func (b *Builder) CompositeKey(fields ...string) *Builder {
	if len(b.desc.PrimaryKey) > 0 {
		b.errs = append(b.errs, fmt.Errorf("%s: key declared twice", b.desc.Kind))
		return b
	}
	b.desc.PrimaryKey = append([]string(nil), fields...)
	b.desc.KeyStrategy = types.KeyManual
	return b
}

// RelationOption adjusts a relation descriptor.
type RelationOption func(*types.RelationDescriptor)

// OnDelete sets the foreign-key delete policy (default no_action).
func OnDelete(p types.DeletePolicy) RelationOption {
	return func(r *types.RelationDescriptor) { r.OnDelete = p }
}

// Deferred makes the foreign-key constraint deferred to commit.
func Deferred() RelationOption {
	return func(r *types.RelationDescriptor) { r.Deferred = true }
}

// Optional allows the foreign key to be NULL.
func Optional() RelationOption {
	return func(r *types.RelationDescriptor) { r.Nullable = true }
}

// JoinColumn overrides the foreign-key column (default: snake_case(name)_id).
func JoinColumn(name string) RelationOption {
	return func(r *types.RelationDescriptor) { r.Column = name }
}

// ManyToOne adds an owning relation to target.
func (b *Builder) ManyToOne(name, target string, opts ...RelationOption) *Builder {
	return b.relation(types.RelationDescriptor{
		Name:        name,
		Target:      target,
		Cardinality: types.ManyToOne,
		Column:      snakeCase(name) + "_id",
		OnDelete:    types.DeleteNoAction,
	}, opts)
}

// OneToOne adds an owning one-to-one relation to target. The foreign-key
// column is unique.
func (b *Builder) OneToOne(name, target string, opts ...RelationOption) *Builder {
	return b.relation(types.RelationDescriptor{
		Name:        name,
		Target:      target,
		Cardinality: types.OneToOne,
		Column:      snakeCase(name) + "_id",
		OnDelete:    types.DeleteNoAction,
	}, opts)
}

// OneToMany adds the inverse side of the ManyToOne relation mappedBy on
// target. It holds no column; collections are loaded by query.
func (b *Builder) OneToMany(name, target, mappedBy string) *Builder {
	return b.relation(types.RelationDescriptor{
		Name:        name,
		Target:      target,
		Cardinality: types.OneToMany,
		MappedBy:    mappedBy,
		OnDelete:    types.DeleteNoAction,
	}, nil)
}

func (b *Builder) relation(r types.RelationDescriptor, opts []RelationOption) *Builder {
	for _, opt := range opts {
		opt(&r)
	}
	b.desc.Relations = append(b.desc.Relations, r)
	return b
}

// Build validates and returns the descriptor.
func (b *Builder) Build() (*types.EntityDescriptor, error) {
	if len(b.errs) > 0 {
		return nil, fmt.Errorf("%w: %w", types.ErrInvalidDescriptor, errors.Join(b.errs...))
	}
	d := b.desc
	if err := checkDescriptor(&d); err != nil {
		return nil, err
	}
	return &d, nil
}

// MustBuild is like Build but panics on error.
func (b *Builder) MustBuild() *types.EntityDescriptor {
	d, err := b.Build()
	if err != nil {
		panic(err)
	}
	return d
}

func defaultTable(kind string) string {
	t := snakeCase(kind)
	if strings.HasSuffix(t, "s") {
		return t
	}
	return t + "s"
}

// snakeCase converts "ownerID" or "HouseOwner" to "owner_id" / "house_owner".
func snakeCase(s string) string {
	var sb strings.Builder
	runes := []rune(s)
	for i, r := range runes {
		if unicode.IsUpper(r) {
			if i > 0 && (unicode.IsLower(runes[i-1]) || (i+1 < len(runes) && unicode.IsLower(runes[i+1]))) {
				sb.WriteByte('_')
			}
			sb.WriteRune(unicode.ToLower(r))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}
