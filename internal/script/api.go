package script

import (
	"github.com/aarzilli/golua/lua"

	"github.com/srg/ktd/internal/timeddb"
)

// registerKTTable builds the global `kt` table scripts use to reach the
// bound TimedDB: a single table with one Go closure per verb.
func (e *Engine) registerKTTable() {
	L := e.state

	L.NewTable()

	e.bind(L, "set", e.ktSet)
	e.bind(L, "add", e.ktAdd)
	e.bind(L, "replace", e.ktReplace)
	e.bind(L, "append", e.ktAppend)
	e.bind(L, "remove", e.ktRemove)
	e.bind(L, "get", e.ktGet)
	e.bind(L, "check", e.ktCheck)
	e.bind(L, "seize", e.ktSeize)
	e.bind(L, "cas", e.ktCAS)
	e.bind(L, "increment", e.ktIncrement)
	e.bind(L, "increment_double", e.ktIncrementDouble)
	e.bind(L, "match_prefix", e.ktMatchPrefix)
	e.bind(L, "match_regex", e.ktMatchRegex)
	e.bind(L, "count", e.ktCount)
	e.bind(L, "clear", e.ktClear)

	L.SetGlobal("kt")
}

func (e *Engine) bind(L *lua.State, name string, fn func(L *lua.State) int) {
	L.PushString(name)
	L.PushGoFunction(e.SafeWrapGoFunction("kt."+name, fn))
	L.SetTable(-3)
}

func argString(L *lua.State, idx int) []byte {
	return []byte(L.ToString(idx))
}

func argInt(L *lua.State, idx int, def int64) int64 {
	if L.GetTop() < idx || L.IsNil(idx) {
		return def
	}
	return int64(L.ToInteger(idx))
}

func pushErr(L *lua.State, err error) int {
	if err == nil {
		L.PushNil()
		return 1
	}
	L.PushString(err.Error())
	return 1
}

func (e *Engine) ktSet(L *lua.State) int {
	err := e.db.Set(argString(L, 1), argString(L, 2), argInt(L, 3, int64(timeddb.XTMax)))
	return pushErr(L, err)
}

func (e *Engine) ktAdd(L *lua.State) int {
	err := e.db.Add(argString(L, 1), argString(L, 2), argInt(L, 3, int64(timeddb.XTMax)))
	return pushErr(L, err)
}

func (e *Engine) ktReplace(L *lua.State) int {
	err := e.db.Replace(argString(L, 1), argString(L, 2), argInt(L, 3, int64(timeddb.XTMax)))
	return pushErr(L, err)
}

func (e *Engine) ktAppend(L *lua.State) int {
	err := e.db.Append(argString(L, 1), argString(L, 2), argInt(L, 3, int64(timeddb.XTMax)))
	return pushErr(L, err)
}

func (e *Engine) ktRemove(L *lua.State) int {
	err := e.db.Remove(argString(L, 1))
	return pushErr(L, err)
}

func (e *Engine) ktGet(L *lua.State) int {
	value, xt, err := e.db.Get(argString(L, 1))
	if err != nil {
		L.PushNil()
		L.PushNil()
		L.PushString(err.Error())
		return 3
	}
	L.PushString(string(value))
	L.PushInteger(int64(xt))
	L.PushNil()
	return 3
}

func (e *Engine) ktCheck(L *lua.State) int {
	size, xt, err := e.db.Check(argString(L, 1))
	if err != nil {
		L.PushInteger(-1)
		L.PushNil()
		L.PushString(err.Error())
		return 3
	}
	L.PushInteger(int64(size))
	L.PushInteger(int64(xt))
	L.PushNil()
	return 3
}

func (e *Engine) ktSeize(L *lua.State) int {
	value, xt, err := e.db.Seize(argString(L, 1))
	if err != nil {
		L.PushNil()
		L.PushNil()
		L.PushString(err.Error())
		return 3
	}
	L.PushString(string(value))
	L.PushInteger(int64(xt))
	L.PushNil()
	return 3
}

func (e *Engine) ktCAS(L *lua.State) int {
	var oldValue, newValue []byte
	if !L.IsNil(2) {
		oldValue = argString(L, 2)
	}
	if !L.IsNil(3) {
		newValue = argString(L, 3)
	}
	err := e.db.CAS(argString(L, 1), oldValue, newValue, argInt(L, 4, int64(timeddb.XTMax)))
	return pushErr(L, err)
}

func (e *Engine) ktIncrement(L *lua.State) int {
	n, err := e.db.Increment(argString(L, 1), argInt(L, 2, 0), argInt(L, 3, 0), argInt(L, 4, int64(timeddb.XTMax)))
	if err != nil {
		L.PushNil()
		L.PushString(err.Error())
		return 2
	}
	L.PushInteger(n)
	L.PushNil()
	return 2
}

func (e *Engine) ktIncrementDouble(L *lua.State) int {
	n, err := e.db.IncrementDouble(argString(L, 1), L.ToNumber(2), L.ToNumber(3), argInt(L, 4, int64(timeddb.XTMax)))
	if err != nil {
		L.PushNil()
		L.PushString(err.Error())
		return 2
	}
	L.PushNumber(n)
	L.PushNil()
	return 2
}

func (e *Engine) ktMatchPrefix(L *lua.State) int {
	keys, err := e.db.MatchPrefix(argString(L, 1), int(argInt(L, 2, -1)))
	return pushKeyTable(L, keys, err)
}

func (e *Engine) ktMatchRegex(L *lua.State) int {
	keys, err := e.db.MatchRegex(L.ToString(1), int(argInt(L, 2, -1)))
	return pushKeyTable(L, keys, err)
}

func pushKeyTable(L *lua.State, keys [][]byte, err error) int {
	if err != nil {
		L.PushNil()
		L.PushString(err.Error())
		return 2
	}
	L.NewTable()
	for i, k := range keys {
		L.PushInteger(int64(i + 1))
		L.PushString(string(k))
		L.SetTable(-3)
	}
	L.PushNil()
	return 2
}

func (e *Engine) ktCount(L *lua.State) int {
	n, err := e.db.Count()
	if err != nil {
		L.PushInteger(-1)
		L.PushString(err.Error())
		return 2
	}
	L.PushInteger(n)
	L.PushNil()
	return 2
}

func (e *Engine) ktClear(L *lua.State) int {
	return pushErr(L, e.db.Clear())
}
