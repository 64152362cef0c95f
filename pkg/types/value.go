package types

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Row maps storage column names to storage values.
type Row map[string]any

// Clone returns a shallow copy of the row with every value normalized.
func (r Row) Clone() Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = Normalize(v)
	}
	return out
}

// Key is a primary key as ordered storage values.
type Key []any

// String encodes the key for use as an identity-map index. Two keys encode
// identically exactly when their normalized storage values are equal.
func (k Key) String() string {
	parts := make([]string, len(k))
	for i, v := range k {
		parts[i] = encodeValue(Normalize(v))
	}
	return strings.Join(parts, "|")
}

// IsZero reports whether the key is empty or contains a NULL component.
func (k Key) IsZero() bool {
	if len(k) == 0 {
		return true
	}
	for _, v := range k {
		if v == nil {
			return true
		}
	}
	return false
}

// Equal reports whether two keys hold equal storage values.
func (k Key) Equal(other Key) bool {
	if len(k) != len(other) {
		return false
	}
	for i := range k {
		if !StorageEqual(k[i], other[i]) {
			return false
		}
	}
	return true
}

func encodeValue(v any) string {
	switch x := v.(type) {
	case nil:
		return "null"
	case int64:
		return "i:" + strconv.FormatInt(x, 10)
	case float64:
		return "f:" + strconv.FormatFloat(x, 'g', -1, 64)
	case string:
		return "s:" + strconv.Quote(x)
	case []byte:
		return "b:" + hex.EncodeToString(x)
	default:
		return fmt.Sprintf("%T:%v", x, x)
	}
}

// Normalize folds the many Go representations a driver or converter may
// produce into the canonical storage set: int64, float64, string, []byte and
// nil. Booleans become 0/1 and times become RFC3339Nano text in UTC.
func Normalize(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case int:
		return int64(x)
	case int8:
		return int64(x)
	case int16:
		return int64(x)
	case int32:
		return int64(x)
	case int64:
		return x
	case uint:
		return uintToStorage(uint64(x))
	case uint8:
		return int64(x)
	case uint16:
		return int64(x)
	case uint32:
		return int64(x)
	case uint64:
		return uintToStorage(x)
	case float32:
		return float64(x)
	case float64:
		return x
	case bool:
		if x {
			return int64(1)
		}
		return int64(0)
	case string:
		return x
	case []byte:
		return x
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	default:
		return x
	}
}

func uintToStorage(u uint64) any {
	if u > math.MaxInt64 {
		return float64(u)
	}
	return int64(u)
}

// StorageEqual compares two storage values after normalization. This is the
// equality used for change detection: values that share a storage
// representation are equal even when their Go types differ.
func StorageEqual(a, b any) bool {
	a, b = Normalize(a), Normalize(b)
	switch x := a.(type) {
	case nil:
		return b == nil
	case []byte:
		switch y := b.(type) {
		case []byte:
			return bytes.Equal(x, y)
		case string:
			return string(x) == y
		}
		return false
	case string:
		if y, ok := b.([]byte); ok {
			return x == string(y)
		}
		y, ok := b.(string)
		return ok && x == y
	case int64:
		switch y := b.(type) {
		case int64:
			return x == y
		case float64:
			return intHoldsFloat(x, y)
		}
		return false
	case float64:
		switch y := b.(type) {
		case float64:
			return x == y
		case int64:
			return intHoldsFloat(y, x)
		}
		return false
	default:
		return a == b
	}
}

// intHoldsFloat reports whether f is exactly the integer i. Converting i to
// float64 would round above 2^53, so f is converted instead when it is
// integral and within int64 range.
func intHoldsFloat(i int64, f float64) bool {
	if f != math.Trunc(f) || f >= 0x1p63 || f < -0x1p63 {
		return false
	}
	return int64(f) == i
}
