package chain

import (
	"encoding/json"
	"reflect"
)

// maxCloneDepth bounds recursion so self-referencing values terminate. Values
// nested deeper are shared.
const maxCloneDepth = 64

// CloneValue returns a deep copy of v. Maps, slices, arrays, pointers and
// exported struct fields are copied recursively; scalars and unexported
// struct fields are copied by value.
func CloneValue(v any) any {
	return cloneAny(v, 0)
}

func cloneAny(v any, depth int) any {
	switch x := v.(type) {
	case nil, string, bool, float64, float32, int, int64, int32, uint64, uint32, json.Number:
		return v
	case map[string]any:
		if x == nil || depth >= maxCloneDepth {
			return x
		}
		cp := make(map[string]any, len(x))
		for k, e := range x {
			cp[k] = cloneAny(e, depth+1)
		}
		return cp
	case []any:
		if x == nil || depth >= maxCloneDepth {
			return x
		}
		cp := make([]any, len(x))
		for i, e := range x {
			cp[i] = cloneAny(e, depth+1)
		}
		return cp
	}
	return cloneReflect(reflect.ValueOf(v), depth).Interface()
}

func cloneReflect(v reflect.Value, depth int) reflect.Value {
	if depth >= maxCloneDepth {
		return v
	}
	switch v.Kind() {
	case reflect.Map:
		if v.IsNil() {
			return v
		}
		cp := reflect.MakeMapWithSize(v.Type(), v.Len())
		iter := v.MapRange()
		for iter.Next() {
			cp.SetMapIndex(iter.Key(), cloneReflect(iter.Value(), depth+1))
		}
		return cp
	case reflect.Slice:
		if v.IsNil() {
			return v
		}
		cp := reflect.MakeSlice(v.Type(), v.Len(), v.Len())
		for i := range v.Len() {
			cp.Index(i).Set(cloneReflect(v.Index(i), depth+1))
		}
		return cp
	case reflect.Array:
		cp := reflect.New(v.Type()).Elem()
		for i := range v.Len() {
			cp.Index(i).Set(cloneReflect(v.Index(i), depth+1))
		}
		return cp
	case reflect.Pointer:
		if v.IsNil() {
			return v
		}
		cp := reflect.New(v.Type().Elem())
		cp.Elem().Set(cloneReflect(v.Elem(), depth+1))
		return cp
	case reflect.Interface:
		if v.IsNil() {
			return v
		}
		cp := reflect.New(v.Type()).Elem()
		cp.Set(cloneReflect(v.Elem(), depth+1))
		return cp
	case reflect.Struct:
		cp := reflect.New(v.Type()).Elem()
		cp.Set(v)
		for i := range v.NumField() {
			if f := cp.Field(i); f.CanSet() {
				f.Set(cloneReflect(v.Field(i), depth+1))
			}
		}
		return cp
	default:
		return v
	}
}

func cloneArgs(args []any) []any {
	if args == nil {
		return nil
	}
	cp := make([]any, len(args))
	for i, a := range args {
		cp[i] = CloneValue(a)
	}
	return cp
}

func cloneMeta(meta map[string]any) map[string]any {
	if meta == nil {
		return nil
	}
	cp := make(map[string]any, len(meta))
	for k, v := range meta {
		cp[k] = CloneValue(v)
	}
	return cp
}
