package script

import (
	"fmt"

	"github.com/aarzilli/golua/lua"
)

// Call invokes the named global script function with params pushed as a
// single Lua table argument (string keys to string values, matching the
// RPC/binary play_script input map), and reads its first return value
// back as a table of the same shape. This backs the play_script method
// on both ingress paths.
func (e *Engine) Call(funcName string, params map[string]string) (map[string]string, error) {
	var result map[string]string
	var callErr error

	e.doWithState(func(L *lua.State) interface{} {
		L.GetGlobal(funcName)
		if !L.IsFunction(-1) {
			L.Pop(1)
			callErr = &Error{Type: "api", Message: fmt.Sprintf("function %s not found", funcName), Source: funcName}
			return nil
		}

		L.NewTable()
		for k, v := range params {
			L.PushString(k)
			L.PushString(v)
			L.SetTable(-3)
		}

		if err := L.Call(1, 1); err != nil {
			callErr = &Error{Type: "runtime", Message: err.Error(), Source: funcName, Underlying: err}
			return nil
		}

		if L.IsTable(-1) {
			result = readStringTable(L, -1)
		} else if L.IsString(-1) {
			result = map[string]string{"result": L.ToString(-1)}
		}
		L.Pop(1)
		return nil
	})

	return result, callErr
}

// readStringTable walks a Lua table of string/string pairs at idx into a
// Go map, mirroring GetTableValue's single-key lookup generalized to a
// full iteration via lua_next.
func readStringTable(L *lua.State, idx int) map[string]string {
	out := make(map[string]string)
	abs := idx
	if abs < 0 {
		abs = L.GetTop() + abs + 1
	}

	L.PushNil() // first key
	for L.Next(abs) != 0 {
		// stack: ... key value
		key := luaToString(L, -2)
		val := luaToString(L, -1)
		out[key] = val
		L.Pop(1) // pop value, keep key for next iteration
	}
	return out
}

func luaToString(L *lua.State, idx int) string {
	switch {
	case L.IsString(idx):
		return L.ToString(idx)
	case L.IsNumber(idx):
		return fmt.Sprintf("%v", L.ToNumber(idx))
	case L.IsBoolean(idx):
		if L.ToBoolean(idx) {
			return "true"
		}
		return "false"
	default:
		return ""
	}
}
