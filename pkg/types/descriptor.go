package types

// ColumnType is the storage class of a column. Converters declare one so that
// backends can generate DDL without knowing the application type.
type ColumnType string

// Storage classes understood by every backend.
const (
	ColumnInteger ColumnType = "integer"
	ColumnReal    ColumnType = "real"
	ColumnText    ColumnType = "text"
	ColumnBlob    ColumnType = "blob"
)

// Converter maps a field's application value to its storage value and back.
// Implementations must be pure and round-trip stable:
// ToApplication(ToStorage(x)) must equal x for every legal x. The core does
// not check this at runtime.
type Converter interface {
	ToStorage(app any) (any, error)
	ToApplication(stored any) (any, error)
	ColumnType() ColumnType
}

// KeyStrategy selects how primary keys are allocated.
type KeyStrategy string

// Key strategies.
const (
	KeyManual        KeyStrategy = "manual"        // caller supplies the key
	KeyAutoIncrement KeyStrategy = "autoincrement" // backend assigns the key on insert
	KeyUUID          KeyStrategy = "uuid"          // UUID v7 assigned at create
	KeyULID          KeyStrategy = "ulid"          // monotonic ULID assigned at create
)

// Cardinality describes one side of a relation.
type Cardinality string

// Relation cardinalities. ManyToOne and OneToOne are owning sides and hold a
// foreign-key column; OneToMany is the inverse side of a ManyToOne.
const (
	ManyToOne Cardinality = "many_to_one"
	OneToOne  Cardinality = "one_to_one"
	OneToMany Cardinality = "one_to_many"
)

// DeletePolicy is the foreign-key action taken when a referenced row is deleted.
type DeletePolicy string

// Delete policies.
const (
	DeleteNoAction DeletePolicy = "no_action"
	DeleteCascade  DeletePolicy = "cascade"
	DeleteSetNull  DeletePolicy = "set_null"
)

// FieldDescriptor describes a single scalar field of an entity kind.
type FieldDescriptor struct {
	Name      string    // Application-facing field name.
	Column    string    // Storage column name.
	Converter Converter // Application <-> storage value converter.
	Nullable  bool
	Unique    bool
}

// RelationDescriptor describes a relation from one entity kind to another.
type RelationDescriptor struct {
	Name        string
	Target      string // Target entity kind.
	Cardinality Cardinality
	Column      string // Foreign-key column; owning sides only.
	MappedBy    string // Owning relation on Target; OneToMany only.
	OnDelete    DeletePolicy
	Deferred    bool // Constraint checked at commit rather than per statement.
	Nullable    bool
}

// Owning reports whether the relation holds the foreign-key column.
func (r RelationDescriptor) Owning() bool {
	return r.Cardinality == ManyToOne || r.Cardinality == OneToOne
}

// EntityDescriptor is the materialized schema of one entity kind.
type EntityDescriptor struct {
	Kind        string
	Table       string
	Fields      []FieldDescriptor
	PrimaryKey  []string // Field names, in key order.
	KeyStrategy KeyStrategy
	Relations   []RelationDescriptor
}

// Field returns the field with the given name.
func (d *EntityDescriptor) Field(name string) (FieldDescriptor, bool) {
	for _, f := range d.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldDescriptor{}, false
}

// Relation returns the relation with the given name.
func (d *EntityDescriptor) Relation(name string) (RelationDescriptor, bool) {
	for _, r := range d.Relations {
		if r.Name == name {
			return r, true
		}
	}
	return RelationDescriptor{}, false
}

// KeyFields returns the primary-key field descriptors in key order.
func (d *EntityDescriptor) KeyFields() []FieldDescriptor {
	out := make([]FieldDescriptor, 0, len(d.PrimaryKey))
	for _, name := range d.PrimaryKey {
		if f, ok := d.Field(name); ok {
			out = append(out, f)
		}
	}
	return out
}

// KeyColumns returns the primary-key column names in key order.
func (d *EntityDescriptor) KeyColumns() []string {
	fields := d.KeyFields()
	cols := make([]string, len(fields))
	for i, f := range fields {
		cols[i] = f.Column
	}
	return cols
}

// IsKeyField reports whether name is part of the primary key.
func (d *EntityDescriptor) IsKeyField(name string) bool {
	for _, k := range d.PrimaryKey {
		if k == name {
			return true
		}
	}
	return false
}

// OwningRelations returns the relations that hold a foreign-key column.
func (d *EntityDescriptor) OwningRelations() []RelationDescriptor {
	var out []RelationDescriptor
	for _, r := range d.Relations {
		if r.Owning() {
			out = append(out, r)
		}
	}
	return out
}

// Columns returns every storage column: scalar fields first, then owning
// foreign-key columns, in declaration order.
func (d *EntityDescriptor) Columns() []string {
	cols := make([]string, 0, len(d.Fields)+len(d.Relations))
	for _, f := range d.Fields {
		cols = append(cols, f.Column)
	}
	for _, r := range d.OwningRelations() {
		cols = append(cols, r.Column)
	}
	return cols
}
