package message

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"time"

	mperrors "github.com/randalmurphal/mixpanel/pkg/mixpanel/errors"
)

// DateLayout is the date format the ingestion API accepts for date properties.
const DateLayout = "2006-01-02T15:04:05"

// maxDepth bounds container nesting. Self-referencing values hit it.
const maxDepth = 64

var (
	errNonFinite   = errors.New("non-finite number")
	errUnsupported = errors.New("unsupported type")
	errMapKey      = errors.New("map keys must be strings")
	errTooDeep     = fmt.Errorf("%w: nested deeper than %d levels", errUnsupported, maxDepth)
)

// FormatDate formats t in the ingestion API's date format, in t's own location.
func FormatDate(t time.Time) string {
	return t.Format(DateLayout)
}

// CoerceProperties coerces every value of props. Errors name the offending key.
func CoerceProperties(props map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(props))
	for k, v := range props {
		c, err := coerceValue(v)
		if err != nil {
			return nil, serializationError(k, v, err)
		}
		out[k] = c
	}
	return out, nil
}

// Coerce converts v into a value encoding/json can represent the way the
// ingestion API expects. time.Time becomes a UTC date string; maps and
// slices are converted recursively; NaN, infinities, functions, channels and
// complex numbers are rejected with a *errors.SerializationError.
func Coerce(v any) (any, error) {
	c, err := coerceValue(v)
	if err != nil {
		return nil, serializationError("", v, err)
	}
	return c, nil
}

// coerceValue coerces v, turning a panic in caller-supplied String or
// MarshalJSON methods into an error.
func coerceValue(v any) (c any, err error) {
	defer func() {
		if r := recover(); r != nil {
			c, err = nil, fmt.Errorf("%w: panic while encoding: %v", errUnsupported, r)
		}
	}()
	return coerce(v, 0)
}

func coerce(v any, depth int) (any, error) {
	if depth > maxDepth {
		return nil, errTooDeep
	}
	if rv := reflect.ValueOf(v); rv.Kind() == reflect.Pointer && rv.IsNil() {
		return nil, nil
	}

	switch val := v.(type) {
	case nil:
		return nil, nil
	case string, bool,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64:
		return val, nil
	case float32:
		return checkFloat(float64(val))
	case float64:
		return checkFloat(val)
	case time.Time:
		return FormatDate(val.UTC()), nil
	case *time.Time:
		return FormatDate(val.UTC()), nil
	case time.Duration:
		return val.Seconds(), nil
	case []byte:
		return string(val), nil
	case json.RawMessage:
		if !json.Valid(val) {
			return nil, fmt.Errorf("invalid raw JSON")
		}
		return val, nil
	case json.Number:
		return val, nil
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			c, err := coerce(item, depth+1)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			out[k] = c
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			c, err := coerce(item, depth+1)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = c
		}
		return out, nil
	case json.Marshaler:
		if _, err := json.Marshal(val); err != nil {
			return nil, err
		}
		return val, nil
	case fmt.Stringer:
		return val.String(), nil
	}

	return coerceReflect(reflect.ValueOf(v), depth)
}

func checkFloat(f float64) (any, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, errNonFinite
	}
	return f, nil
}

// coerceReflect handles named types and typed containers.
func coerceReflect(rv reflect.Value, depth int) (any, error) {
	switch rv.Kind() {
	case reflect.String:
		return rv.String(), nil
	case reflect.Bool:
		return rv.Bool(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return rv.Uint(), nil
	case reflect.Float32, reflect.Float64:
		return checkFloat(rv.Float())
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return nil, nil
		}
		return coerce(rv.Elem().Interface(), depth+1)
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return []any{}, nil
		}
		out := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			c, err := coerce(rv.Index(i).Interface(), depth+1)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = c
		}
		return out, nil
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, errMapKey
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			k := iter.Key().String()
			c, err := coerce(iter.Value().Interface(), depth+1)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			out[k] = c
		}
		return out, nil
	case reflect.Struct:
		// Structs go through their JSON encoding.
		data, err := json.Marshal(rv.Interface())
		if err != nil {
			return nil, err
		}
		var decoded any
		if err := json.Unmarshal(data, &decoded); err != nil {
			return nil, err
		}
		return decoded, nil
	case reflect.Func, reflect.Chan, reflect.Complex64, reflect.Complex128, reflect.UnsafePointer:
		return nil, fmt.Errorf("%w %s", errUnsupported, rv.Type())
	}
	return nil, fmt.Errorf("%w %s", errUnsupported, rv.Type())
}

func serializationError(field string, value any, err error) error {
	return &mperrors.SerializationError{Field: field, Value: value, Err: err}
}
