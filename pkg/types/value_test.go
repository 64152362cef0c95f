package types

import (
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 5, time.FixedZone("x", 3600))

	tests := []struct {
		name string
		in   any
		want any
	}{
		{name: "nil", in: nil, want: nil},
		{name: "int", in: 5, want: int64(5)},
		{name: "int32", in: int32(-7), want: int64(-7)},
		{name: "uint16", in: uint16(9), want: int64(9)},
		{name: "float32", in: float32(1.5), want: float64(1.5)},
		{name: "true", in: true, want: int64(1)},
		{name: "false", in: false, want: int64(0)},
		{name: "string", in: "abc", want: "abc"},
		{name: "time in UTC text", in: ts, want: "2026-03-01T11:00:00.000000005Z"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Normalize(tt.in))
		})
	}
}

func TestStorageEqual(t *testing.T) {
	tests := []struct {
		name string
		a, b any
		want bool
	}{
		{name: "int widths", a: int32(5), b: int64(5), want: true},
		{name: "int and integral float", a: int64(5), b: float64(5), want: true},
		{name: "int and fractional float", a: int64(5), b: 5.5, want: false},
		{name: "int above 2^53 and rounded float", a: int64(1<<53 + 1), b: float64(1 << 53), want: false},
		{name: "int at 2^53 and float", a: int64(1 << 53), b: float64(1 << 53), want: true},
		{name: "max int and float 2^63", a: int64(math.MaxInt64), b: float64(math.MaxInt64), want: false},
		{name: "min int and float", a: int64(math.MinInt64), b: float64(math.MinInt64), want: true},
		{name: "int and NaN", a: int64(0), b: math.NaN(), want: false},
		{name: "bytes and string", a: []byte("x"), b: "x", want: true},
		{name: "bytes and bytes", a: []byte{1, 2}, b: []byte{1, 2}, want: true},
		{name: "string and int", a: "5", b: int64(5), want: false},
		{name: "nil and nil", a: nil, b: nil, want: true},
		{name: "nil and zero", a: nil, b: int64(0), want: false},
		{name: "bool and int", a: true, b: int64(1), want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StorageEqual(tt.a, tt.b))
			assert.Equal(t, tt.want, StorageEqual(tt.b, tt.a), "must be symmetric")
		})
	}
}

func TestKeyString(t *testing.T) {
	assert.Equal(t, Key{int64(5)}.String(), Key{5}.String(), "integer widths share an encoding")
	assert.NotEqual(t, Key{"5"}.String(), Key{5}.String(), "text and integer keys differ")
	assert.NotEqual(t, Key{"a|b"}.String(), Key{"a", "b"}.String(), "separator inside text is quoted")
	assert.True(t, Key{}.IsZero())
	assert.True(t, Key{nil}.IsZero())
	assert.False(t, Key{int64(1)}.IsZero())
	assert.True(t, Key{int32(3), "x"}.Equal(Key{int64(3), []byte("x")}))
}

func TestRowClone(t *testing.T) {
	r := Row{"id": 1, "ok": true}
	c := r.Clone()
	assert.Equal(t, Row{"id": int64(1), "ok": int64(1)}, c)
	c["id"] = int64(2)
	assert.Equal(t, 1, r["id"], "clone must not alias the original")
}

func TestBackendError(t *testing.T) {
	cause := errors.New("disk full")
	err := fmt.Errorf("flush: %w", &BackendError{Op: "insert", Kind: "House", Err: cause})

	var be *BackendError
	assert.ErrorAs(t, err, &be)
	assert.Equal(t, "insert", be.Op)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "backend insert House: disk full", be.Error())
	assert.Equal(t, "backend begin: disk full", (&BackendError{Op: "begin", Err: cause}).Error())
}

func TestEntityDescriptorLookups(t *testing.T) {
	d := &EntityDescriptor{
		Kind:       "House",
		Table:      "houses",
		PrimaryKey: []string{"id"},
		Fields: []FieldDescriptor{
			{Name: "id", Column: "id"},
			{Name: "address", Column: "street_address"},
		},
		Relations: []RelationDescriptor{
			{Name: "owner", Target: "User", Cardinality: ManyToOne, Column: "owner_id"},
			{Name: "rooms", Target: "Room", Cardinality: OneToMany, MappedBy: "house"},
		},
	}

	f, ok := d.Field("address")
	assert.True(t, ok)
	assert.Equal(t, "street_address", f.Column)
	_, ok = d.Field("missing")
	assert.False(t, ok)

	assert.Equal(t, []string{"id"}, d.KeyColumns())
	assert.True(t, d.IsKeyField("id"))
	assert.False(t, d.IsKeyField("address"))
	assert.Equal(t, []string{"id", "street_address", "owner_id"}, d.Columns())

	owning := d.OwningRelations()
	assert.Len(t, owning, 1)
	assert.Equal(t, "owner", owning[0].Name)

	r, ok := d.Relation("rooms")
	assert.True(t, ok)
	assert.False(t, r.Owning())
}
