// Package convert provides the built-in value converters used by field
// descriptors. Each converter maps an application value to a normalized
// storage value and back, and is round-trip stable for every legal value.
package convert

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"

	gojson "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/mesh-intelligence/ledger/pkg/types"
)

func conversionError(conv string, v any) error {
	return fmt.Errorf("%w: %s cannot convert %T(%v)", types.ErrConversion, conv, v, v)
}

type integer struct{}

// Integer converts between int64 application values and INTEGER storage.
// ToStorage accepts any Go integer, integral floats and numeric strings, so
// "5", 5 and int32(5) all store as int64(5).
func Integer() types.Converter { return integer{} }

func (integer) ColumnType() types.ColumnType { return types.ColumnInteger }

func (integer) ToStorage(app any) (any, error) { return toInt64("integer", app) }

func (integer) ToApplication(stored any) (any, error) { return toInt64("integer", stored) }

func toInt64(conv string, v any) (int64, error) {
	switch x := types.Normalize(v).(type) {
	case int64:
		return x, nil
	case float64:
		// float64(math.MaxInt64) rounds up to 2^63, which does not fit.
		if x != math.Trunc(x) || x >= 0x1p63 || x < -0x1p63 {
			return 0, conversionError(conv, v)
		}
		return int64(x), nil
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64)
		if err != nil {
			return 0, conversionError(conv, v)
		}
		return n, nil
	case []byte:
		return toInt64(conv, string(x))
	case json.Number:
		return toInt64(conv, string(x))
	default:
		return 0, conversionError(conv, v)
	}
}

type realNumber struct{}

// Real converts between float64 application values and REAL storage.
func Real() types.Converter { return realNumber{} }

func (realNumber) ColumnType() types.ColumnType { return types.ColumnReal }

func (realNumber) ToStorage(app any) (any, error) { return toFloat64(app) }

func (realNumber) ToApplication(stored any) (any, error) { return toFloat64(stored) }

func toFloat64(v any) (float64, error) {
	switch x := types.Normalize(v).(type) {
	case float64:
		return x, nil
	case int64:
		return float64(x), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, conversionError("real", v)
		}
		return f, nil
	case []byte:
		return toFloat64(string(x))
	case json.Number:
		return toFloat64(string(x))
	default:
		return 0, conversionError("real", v)
	}
}

type text struct{}

// Text converts between string application values and TEXT storage.
func Text() types.Converter { return text{} }

func (text) ColumnType() types.ColumnType { return types.ColumnText }

func (text) ToStorage(app any) (any, error) { return toString(app) }

func (text) ToApplication(stored any) (any, error) { return toString(stored) }

func toString(v any) (string, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case []byte:
		return string(x), nil
	case fmt.Stringer:
		return x.String(), nil
	default:
		return "", conversionError("text", v)
	}
}

type boolean struct{}

// Boolean converts between bool application values and 0/1 INTEGER storage.
func Boolean() types.Converter { return boolean{} }

func (boolean) ColumnType() types.ColumnType { return types.ColumnInteger }

func (boolean) ToStorage(app any) (any, error) {
	b, err := toBool(app)
	if err != nil {
		return nil, err
	}
	if b {
		return int64(1), nil
	}
	return int64(0), nil
}

func (boolean) ToApplication(stored any) (any, error) { return toBool(stored) }

func toBool(v any) (bool, error) {
	switch x := types.Normalize(v).(type) {
	case int64:
		switch x {
		case 0:
			return false, nil
		case 1:
			return true, nil
		}
	case string:
		b, err := strconv.ParseBool(x)
		if err == nil {
			return b, nil
		}
	}
	return false, conversionError("boolean", v)
}

type timestamp struct{}

// Timestamp converts between time.Time application values and RFC3339Nano
// TEXT storage in UTC. Application values come back in UTC.
func Timestamp() types.Converter { return timestamp{} }

func (timestamp) ColumnType() types.ColumnType { return types.ColumnText }

func (timestamp) ToStorage(app any) (any, error) {
	t, err := toTime(app)
	if err != nil {
		return nil, err
	}
	return t.Format(time.RFC3339Nano), nil
}

func (timestamp) ToApplication(stored any) (any, error) { return toTime(stored) }

func toTime(v any) (time.Time, error) {
	switch x := v.(type) {
	case time.Time:
		return x.UTC(), nil
	case string:
		t, err := time.Parse(time.RFC3339Nano, x)
		if err != nil {
			return time.Time{}, conversionError("timestamp", v)
		}
		return t.UTC(), nil
	case []byte:
		return toTime(string(x))
	default:
		return time.Time{}, conversionError("timestamp", v)
	}
}

type jsonValue struct{}

// JSON converts between generic JSON values (map[string]any, []any, float64,
// string, bool, nil) and canonical JSON TEXT storage. Map keys are sorted on
// encode, so equal documents always store identically.
func JSON() types.Converter { return jsonValue{} }

func (jsonValue) ColumnType() types.ColumnType { return types.ColumnText }

func (jsonValue) ToStorage(app any) (any, error) {
	// Decode-then-encode canonicalizes typed inputs (structs, int slices)
	// into the generic form ToApplication produces.
	raw, err := gojson.Marshal(app)
	if err != nil {
		return nil, fmt.Errorf("%w: json: %v", types.ErrConversion, err)
	}
	var generic any
	if err := gojson.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("%w: json: %v", types.ErrConversion, err)
	}
	canonical, err := gojson.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("%w: json: %v", types.ErrConversion, err)
	}
	return string(canonical), nil
}

func (jsonValue) ToApplication(stored any) (any, error) {
	s, err := toString(stored)
	if err != nil {
		return nil, err
	}
	var out any
	if err := gojson.Unmarshal([]byte(s), &out); err != nil {
		return nil, fmt.Errorf("%w: json: %v", types.ErrConversion, err)
	}
	return out, nil
}

type uuidValue struct{}

// UUID converts between uuid.UUID application values and canonical
// lower-case TEXT storage.
func UUID() types.Converter { return uuidValue{} }

func (uuidValue) ColumnType() types.ColumnType { return types.ColumnText }

func (uuidValue) ToStorage(app any) (any, error) {
	id, err := toUUID(app)
	if err != nil {
		return nil, err
	}
	return id.String(), nil
}

func (uuidValue) ToApplication(stored any) (any, error) { return toUUID(stored) }

func toUUID(v any) (uuid.UUID, error) {
	switch x := v.(type) {
	case uuid.UUID:
		return x, nil
	case string:
		id, err := uuid.Parse(x)
		if err != nil {
			return uuid.Nil, conversionError("uuid", v)
		}
		return id, nil
	case []byte:
		if len(x) == 16 {
			return uuid.FromBytes(x)
		}
		return toUUID(string(x))
	default:
		return uuid.Nil, conversionError("uuid", v)
	}
}

// Func builds a converter from a pair of functions. Use it for custom key or
// value types whose storage form is one of the standard column types.
func Func(column types.ColumnType, toStorage, toApplication func(any) (any, error)) types.Converter {
	return funcConverter{column: column, to: toStorage, from: toApplication}
}

type funcConverter struct {
	column types.ColumnType
	to     func(any) (any, error)
	from   func(any) (any, error)
}

func (f funcConverter) ColumnType() types.ColumnType { return f.column }

func (f funcConverter) ToStorage(app any) (any, error) {
	v, err := f.to(app)
	if err != nil {
		return nil, err
	}
	return types.Normalize(v), nil
}

func (f funcConverter) ToApplication(stored any) (any, error) { return f.from(stored) }

// CheckRoundTrip reports a ErrConverterRoundTrip violation when x does not
// survive ToStorage followed by ToApplication. Values are compared with
// reflect.DeepEqual, except time.Time which uses Equal.
func CheckRoundTrip(c types.Converter, x any) error {
	stored, err := c.ToStorage(x)
	if err != nil {
		return err
	}
	back, err := c.ToApplication(stored)
	if err != nil {
		return err
	}
	if !appEqual(x, back) {
		return fmt.Errorf("%w: %T(%v) came back as %T(%v)", types.ErrConverterRoundTrip, x, x, back, back)
	}
	return nil
}

func appEqual(a, b any) bool {
	if ta, ok := a.(time.Time); ok {
		tb, ok := b.(time.Time)
		return ok && ta.Equal(tb)
	}
	return reflect.DeepEqual(a, b)
}
