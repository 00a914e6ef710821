package script

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	lua "github.com/yuin/gopher-lua"
)

// NewSandbox creates an interpreter with only the safe standard libraries
// open. Everything capability-granting that the base library would provide
// is removed explicitly.
func NewSandbox() *lua.LState {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})

	lua.OpenBase(L)
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)
	// The open functions leave their module tables behind; a script must
	// start on an empty stack or its own return value cannot be told apart
	// from the leftovers.
	L.SetTop(0)

	for _, name := range []string{
		"dofile", "loadfile", "load", "loadstring",
		"getfenv", "setfenv", "collectgarbage", "newproxy", "module",
	} {
		L.SetGlobal(name, lua.LNil)
	}

	// print goes to the host log instead of the process stdout.
	L.SetGlobal("print", L.NewFunction(func(L *lua.LState) int {
		top := L.GetTop()
		parts := make([]string, 0, top)
		for i := 1; i <= top; i++ {
			parts = append(parts, L.ToStringMeta(L.Get(i)).String())
		}
		log.Debug().Str("source", "script").Msg(strings.Join(parts, "\t"))
		return 0
	}))

	return L
}

// goToLua converts a Go value into its Lua representation. Maps become
// tables, slices become arrays, numbers widen to lua numbers.
func goToLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case string:
		return lua.LString(val)
	case []byte:
		return lua.LString(val)
	case int:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case uint64:
		return lua.LNumber(val)
	case float32:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case []float32:
		tbl := L.NewTable()
		for i, f := range val {
			tbl.RawSetInt(i+1, lua.LNumber(f))
		}
		return tbl
	case []string:
		tbl := L.NewTable()
		for i, s := range val {
			tbl.RawSetInt(i+1, lua.LString(s))
		}
		return tbl
	case []any:
		tbl := L.NewTable()
		for i, item := range val {
			tbl.RawSetInt(i+1, goToLua(L, item))
		}
		return tbl
	case map[string]any:
		tbl := L.NewTable()
		for k, item := range val {
			tbl.RawSetString(k, goToLua(L, item))
		}
		return tbl
	default:
		return lua.LString(fmt.Sprintf("%v", val))
	}
}

// luaToGo converts a Lua value into plain Go data. Tables with contiguous
// integer keys from 1 become slices, everything else becomes a map.
func luaToGo(v lua.LValue) any {
	switch val := v.(type) {
	case lua.LBool:
		return bool(val)
	case lua.LNumber:
		return float64(val)
	case lua.LString:
		return string(val)
	case *lua.LTable:
		return luaTableToGo(val)
	default:
		return nil
	}
}

func luaTableToGo(tbl *lua.LTable) any {
	n := tbl.Len()
	isArray := n > 0
	tbl.ForEach(func(k, _ lua.LValue) {
		if num, ok := k.(lua.LNumber); ok {
			idx := int(num)
			if float64(idx) == float64(num) && idx >= 1 && idx <= n {
				return
			}
		}
		isArray = false
	})

	if isArray {
		arr := make([]any, 0, n)
		for i := 1; i <= n; i++ {
			arr = append(arr, luaToGo(tbl.RawGetInt(i)))
		}
		return arr
	}

	m := make(map[string]any)
	tbl.ForEach(func(k, v lua.LValue) {
		m[k.String()] = luaToGo(v)
	})
	return m
}

// luaToVector reads a Lua array of numbers as a float32 vector.
func luaToVector(tbl *lua.LTable) ([]float32, error) {
	n := tbl.Len()
	vec := make([]float32, n)
	for i := 1; i <= n; i++ {
		num, ok := tbl.RawGetInt(i).(lua.LNumber)
		if !ok {
			return nil, fmt.Errorf("vector element %d is not a number", i)
		}
		vec[i-1] = float32(num)
	}
	return vec, nil
}

// lvalueToBytes renders a storable Lua value. Tables are rejected so callers
// reach for put_json deliberately.
func lvalueToBytes(v lua.LValue) ([]byte, error) {
	switch val := v.(type) {
	case lua.LString:
		return []byte(val), nil
	case lua.LNumber:
		return []byte(val.String()), nil
	case lua.LBool:
		return []byte(val.String()), nil
	default:
		return nil, fmt.Errorf("cannot store a %s value; use put_json for tables", v.Type())
	}
}

// EncodeLuaJSON renders a Lua value as JSON text.
func EncodeLuaJSON(v lua.LValue) (string, error) {
	data, err := json.Marshal(luaToGo(v))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// decodeJSON parses JSON text into a Lua value.
func decodeJSON(L *lua.LState, text string) (lua.LValue, error) {
	var v any
	if err := json.Unmarshal([]byte(text), &v); err != nil {
		return lua.LNil, err
	}
	return goToLua(L, v), nil
}
