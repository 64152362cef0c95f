// Package schemafile loads entity descriptors from YAML documents.
//
//	entities:
//	  - kind: House
//	    key: {fields: [id], strategy: autoincrement}
//	    fields:
//	      - {name: address, type: text}
//	    relations:
//	      - {name: owner, target: User, on_delete: cascade}
package schemafile

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/mesh-intelligence/ledger/pkg/convert"
	"github.com/mesh-intelligence/ledger/pkg/registry"
	"github.com/mesh-intelligence/ledger/pkg/types"
)

//go:embed demo.yaml
var demoYAML []byte

// File is the top-level schema document.
type File struct {
	Entities []Entity `yaml:"entities"`
}

// Entity declares one entity kind.
type Entity struct {
	Kind      string     `yaml:"kind"`
	Table     string     `yaml:"table,omitempty"`
	Key       Key        `yaml:"key"`
	Fields    []Field    `yaml:"fields,omitempty"`
	Relations []Relation `yaml:"relations,omitempty"`
}

// Key names the primary-key fields and how they are allocated.
type Key struct {
	Fields   []string `yaml:"fields"`
	Strategy string   `yaml:"strategy,omitempty"`
}

// Field declares a scalar field.
type Field struct {
	Name     string `yaml:"name"`
	Type     string `yaml:"type"`
	Column   string `yaml:"column,omitempty"`
	Nullable bool   `yaml:"nullable,omitempty"`
	Unique   bool   `yaml:"unique,omitempty"`
}

// Relation declares a relation to another kind. Cardinality defaults to
// many_to_one.
type Relation struct {
	Name        string `yaml:"name"`
	Target      string `yaml:"target"`
	Cardinality string `yaml:"cardinality,omitempty"`
	Column      string `yaml:"column,omitempty"`
	MappedBy    string `yaml:"mapped_by,omitempty"`
	OnDelete    string `yaml:"on_delete,omitempty"`
	Deferred    bool   `yaml:"deferred,omitempty"`
	Optional    bool   `yaml:"optional,omitempty"`
}

// Converter returns the built-in converter for a field type name.
// Returns ErrUnknownFieldType for any other name.
func Converter(typ string) (types.Converter, error) {
	switch typ {
	case "integer":
		return convert.Integer(), nil
	case "real":
		return convert.Real(), nil
	case "text":
		return convert.Text(), nil
	case "boolean":
		return convert.Boolean(), nil
	case "timestamp":
		return convert.Timestamp(), nil
	case "json":
		return convert.JSON(), nil
	case "uuid":
		return convert.UUID(), nil
	}
	return nil, fmt.Errorf("%w: %q", types.ErrUnknownFieldType, typ)
}

// Load reads and parses the schema file at path.
func Load(path string) (*registry.Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema: %w", err)
	}
	reg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return reg, nil
}

// Demo returns a registry for the built-in schema.
func Demo() *registry.Registry {
	reg, err := Parse(demoYAML)
	if err != nil {
		panic(fmt.Sprintf("built-in schema: %v", err))
	}
	return reg
}

// Parse builds and validates a registry from a YAML document. Unknown keys
// are rejected.
func Parse(data []byte) (*registry.Registry, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var f File
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: decode schema: %w", types.ErrInvalidDescriptor, err)
	}
	if len(f.Entities) == 0 {
		return nil, fmt.Errorf("%w: schema declares no entities", types.ErrInvalidDescriptor)
	}

	reg := registry.New()
	for _, e := range f.Entities {
		desc, err := e.build()
		if err != nil {
			return nil, err
		}
		if err := reg.Register(desc); err != nil {
			return nil, err
		}
	}
	if err := reg.Validate(); err != nil {
		return nil, err
	}
	return reg, nil
}

func (e Entity) build() (*types.EntityDescriptor, error) {
	b := registry.Entity(e.Kind)
	if e.Table != "" {
		b.Table(e.Table)
	}

	strategy := types.KeyStrategy(e.Key.Strategy)
	if strategy == "" {
		strategy = types.KeyManual
	}
	if len(e.Key.Fields) == 0 {
		return nil, fmt.Errorf("%w: %s: no key fields", types.ErrInvalidDescriptor, e.Kind)
	}
	if len(e.Key.Fields) > 1 && strategy != types.KeyManual {
		return nil, fmt.Errorf("%w: %s: composite keys must use the manual strategy", types.ErrInvalidDescriptor, e.Kind)
	}

	declared := make(map[string]Field, len(e.Fields))
	for _, f := range e.Fields {
		declared[f.Name] = f
	}

	single := len(e.Key.Fields) == 1
	if single {
		name := e.Key.Fields[0]
		f, ok := declared[name]
		if !ok {
			f = Field{Name: name, Type: defaultKeyType(strategy)}
			if f.Type == "" {
				return nil, fmt.Errorf("%w: %s: key field %q is not declared", types.ErrInvalidDescriptor, e.Kind, name)
			}
		}
		c, err := Converter(f.Type)
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", e.Kind, f.Name, err)
		}
		b.Key(f.Name, c, strategy, f.options()...)
	}

	for _, f := range e.Fields {
		if single && f.Name == e.Key.Fields[0] {
			continue
		}
		c, err := Converter(f.Type)
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", e.Kind, f.Name, err)
		}
		b.Field(f.Name, c, f.options()...)
	}
	if !single {
		b.CompositeKey(e.Key.Fields...)
	}

	for _, r := range e.Relations {
		if err := r.add(b, e.Kind); err != nil {
			return nil, err
		}
	}
	return b.Build()
}

func defaultKeyType(s types.KeyStrategy) string {
	switch s {
	case types.KeyAutoIncrement:
		return "integer"
	case types.KeyUUID, types.KeyULID:
		return "text"
	}
	return ""
}

func (f Field) options() []registry.FieldOption {
	var opts []registry.FieldOption
	if f.Column != "" {
		opts = append(opts, registry.Column(f.Column))
	}
	if f.Nullable {
		opts = append(opts, registry.Nullable())
	}
	if f.Unique {
		opts = append(opts, registry.Unique())
	}
	return opts
}

func (r Relation) add(b *registry.Builder, kind string) error {
	var opts []registry.RelationOption
	if r.Column != "" {
		opts = append(opts, registry.JoinColumn(r.Column))
	}
	if r.OnDelete != "" {
		opts = append(opts, registry.OnDelete(types.DeletePolicy(r.OnDelete)))
	}
	if r.Deferred {
		opts = append(opts, registry.Deferred())
	}
	if r.Optional {
		opts = append(opts, registry.Optional())
	}

	switch types.Cardinality(r.Cardinality) {
	case "", types.ManyToOne:
		b.ManyToOne(r.Name, r.Target, opts...)
	case types.OneToOne:
		b.OneToOne(r.Name, r.Target, opts...)
	case types.OneToMany:
		if len(opts) > 0 {
			return fmt.Errorf("%w: %s.%s: one_to_many takes only target and mapped_by", types.ErrInvalidDescriptor, kind, r.Name)
		}
		b.OneToMany(r.Name, r.Target, r.MappedBy)
	default:
		return fmt.Errorf("%w: %s.%s: unknown cardinality %q", types.ErrInvalidDescriptor, kind, r.Name, r.Cardinality)
	}
	return nil
}
