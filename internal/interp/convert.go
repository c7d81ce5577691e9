package interp

import (
	"fmt"
	"math"

	"go.starlark.net/starlark"
)

// FromGo converts a JSON-shaped Go value (the decode of an RPC result or a
// provider return) into a Starlark value.
func FromGo(v any) (starlark.Value, error) {
	switch x := v.(type) {
	case nil:
		return starlark.None, nil
	case bool:
		return starlark.Bool(x), nil
	case int:
		return starlark.MakeInt(x), nil
	case int64:
		return starlark.MakeInt64(x), nil
	case float64:
		// JSON numbers decode as float64; surface integral values as ints
		// so agent code can index and range over them.
		if x == math.Trunc(x) && math.Abs(x) < 1e15 {
			return starlark.MakeInt64(int64(x)), nil
		}
		return starlark.Float(x), nil
	case string:
		return starlark.String(x), nil
	case []any:
		elems := make([]starlark.Value, len(x))
		for i, e := range x {
			sv, err := FromGo(e)
			if err != nil {
				return nil, err
			}
			elems[i] = sv
		}
		return starlark.NewList(elems), nil
	case []string:
		elems := make([]starlark.Value, len(x))
		for i, s := range x {
			elems[i] = starlark.String(s)
		}
		return starlark.NewList(elems), nil
	case map[string]any:
		d := starlark.NewDict(len(x))
		for key, val := range x {
			sv, err := FromGo(val)
			if err != nil {
				return nil, err
			}
			if err := d.SetKey(starlark.String(key), sv); err != nil {
				return nil, err
			}
		}
		return d, nil
	default:
		return nil, fmt.Errorf("cannot convert %T to a namespace value", v)
	}
}

// ToGo converts a Starlark value to its JSON-shaped Go equivalent so it can
// cross the RPC bridge or land in an ExecutionResult.
func ToGo(v starlark.Value) (any, error) {
	switch x := v.(type) {
	case nil, starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(x), nil
	case starlark.Int:
		if i, ok := x.Int64(); ok {
			return i, nil
		}
		return nil, fmt.Errorf("integer %s does not fit in 64 bits", x)
	case starlark.Float:
		return float64(x), nil
	case starlark.String:
		return string(x), nil
	case *starlark.List:
		out := make([]any, x.Len())
		for i := 0; i < x.Len(); i++ {
			gv, err := ToGo(x.Index(i))
			if err != nil {
				return nil, err
			}
			out[i] = gv
		}
		return out, nil
	case starlark.Tuple:
		out := make([]any, len(x))
		for i, e := range x {
			gv, err := ToGo(e)
			if err != nil {
				return nil, err
			}
			out[i] = gv
		}
		return out, nil
	case *starlark.Dict:
		out := make(map[string]any, x.Len())
		for _, item := range x.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key %s is not a string", item[0].String())
			}
			gv, err := ToGo(item[1])
			if err != nil {
				return nil, err
			}
			out[string(key)] = gv
		}
		return out, nil
	case *starlark.Set:
		out := make([]any, 0, x.Len())
		it := x.Iterate()
		defer it.Done()
		var elem starlark.Value
		for it.Next(&elem) {
			gv, err := ToGo(elem)
			if err != nil {
				return nil, err
			}
			out = append(out, gv)
		}
		return out, nil
	default:
		// Functions, builtins, and opaque host objects have no wire shape;
		// fall back to their display form.
		return v.String(), nil
	}
}

// KwargsToMap converts Starlark call kwargs into a plain Go map.
func KwargsToMap(kwargs []starlark.Tuple) (map[string]any, error) {
	out := make(map[string]any, len(kwargs))
	for _, kv := range kwargs {
		name, ok := kv[0].(starlark.String)
		if !ok {
			return nil, fmt.Errorf("keyword name %s is not a string", kv[0].String())
		}
		gv, err := ToGo(kv[1])
		if err != nil {
			return nil, err
		}
		out[string(name)] = gv
	}
	return out, nil
}
