package marketdata

import (
	"reflect"
	"time"
)

// rawField performs a safe, duck-typed field read off an arbitrary push
// payload. raw may be a struct, a pointer to one, or a map[string]any —
// the upstream library this adapts exposes different shapes across
// versions, and the provider adapter is not expected to normalise that
// before handing it to the handler. Any mismatch (wrong kind, missing
// field, nil pointer, panic during access) yields ok=false rather than
// propagating an error, mirroring a safe getattr.
func rawField(raw any, name string) (val any, ok bool) {
	defer func() {
		if recover() != nil {
			val, ok = nil, false
		}
	}()

	if raw == nil {
		return nil, false
	}

	v := reflect.ValueOf(raw)
	for v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return nil, false
		}
		v = v.Elem()
	}

	switch v.Kind() {
	case reflect.Map:
		mv := v.MapIndex(reflect.ValueOf(name))
		if !mv.IsValid() {
			return nil, false
		}
		return mv.Interface(), true
	case reflect.Struct:
		fv := v.FieldByName(name)
		if !fv.IsValid() {
			return nil, false
		}
		return fv.Interface(), true
	default:
		return nil, false
	}
}

func rawString(raw any, name string) string {
	v, ok := rawField(raw, name)
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return s
}

func rawTime(raw any, name string) time.Time {
	v, ok := rawField(raw, name)
	if !ok {
		return time.Time{}
	}
	t, ok := v.(time.Time)
	if !ok {
		return time.Time{}
	}
	return t
}

// rawFloatPtr coerces common numeric representations (float64, float32,
// int, int64, *float64) into an optional float64. Returns nil on any
// type mismatch or absent field — never panics.
func rawFloatPtr(raw any, name string) *float64 {
	v, ok := rawField(raw, name)
	if !ok || v == nil {
		return nil
	}
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case *float64:
		if n == nil {
			return nil
		}
		f = *n
	default:
		return nil
	}
	return &f
}

func rawInt64Ptr(raw any, name string) *int64 {
	v, ok := rawField(raw, name)
	if !ok || v == nil {
		return nil
	}
	var n int64
	switch x := v.(type) {
	case int64:
		n = x
	case int:
		n = int64(x)
	case float64:
		n = int64(x)
	case *int64:
		if x == nil {
			return nil
		}
		n = *x
	default:
		return nil
	}
	return &n
}

func rawFloat64Slice(raw any, name string) []float64 {
	v, ok := rawField(raw, name)
	if !ok || v == nil {
		return nil
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice {
		return nil
	}
	out := make([]float64, 0, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		switch n := rv.Index(i).Interface().(type) {
		case float64:
			out = append(out, n)
		case int:
			out = append(out, float64(n))
		}
	}
	return out
}

func rawInt64Slice(raw any, name string) []int64 {
	v, ok := rawField(raw, name)
	if !ok || v == nil {
		return nil
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice {
		return nil
	}
	out := make([]int64, 0, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		switch n := rv.Index(i).Interface().(type) {
		case int64:
			out = append(out, n)
		case int:
			out = append(out, int64(n))
		case float64:
			out = append(out, int64(n))
		}
	}
	return out
}
