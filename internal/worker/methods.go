package worker

import (
	"strconv"

	"github.com/srg/ktd/internal/timeddb"
)

func xtParam(in map[string]string, key string) int64 {
	if v, ok := in[key]; ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return int64(timeddb.XTMax)
}

func voidMethod(srv *Server, sess *Session, db *timeddb.TimedDB, cur *timeddb.Cursor, in map[string]string) (map[string]string, Status) {
	sess.Counters.addMisc()
	return nil, Success
}

func echoMethod(srv *Server, sess *Session, db *timeddb.TimedDB, cur *timeddb.Cursor, in map[string]string) (map[string]string, Status) {
	sess.Counters.addMisc()
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out, Success
}

func reportMethod(srv *Server, sess *Session, db *timeddb.TimedDB, cur *timeddb.Cursor, in map[string]string) (map[string]string, Status) {
	sess.Counters.addMisc()
	c := sess.Counters.Snapshot()
	return map[string]string{
		"set": strconv.FormatInt(c.Set, 10), "set_miss": strconv.FormatInt(c.SetMiss, 10),
		"remove": strconv.FormatInt(c.Remove, 10), "remove_miss": strconv.FormatInt(c.RemoveMiss, 10),
		"get": strconv.FormatInt(c.Get, 10), "get_miss": strconv.FormatInt(c.GetMiss, 10),
		"script": strconv.FormatInt(c.Script, 10), "misc": strconv.FormatInt(c.Misc, 10),
	}, Success
}

func statusMethod(srv *Server, sess *Session, db *timeddb.TimedDB, cur *timeddb.Cursor, in map[string]string) (map[string]string, Status) {
	sess.Counters.addMisc()
	st, err := db.GetStatus()
	if err != nil {
		return map[string]string{"ERROR": err.Error()}, statusFor(err)
	}
	return map[string]string{
		"count": strconv.FormatInt(st.Count, 10),
		"size":  strconv.FormatInt(st.Size, 10),
		"dbid":  strconv.Itoa(int(st.DBID)),
	}, Success
}

func clearMethod(srv *Server, sess *Session, db *timeddb.TimedDB, cur *timeddb.Cursor, in map[string]string) (map[string]string, Status) {
	sess.Counters.addMisc()
	if err := db.Clear(); err != nil {
		return map[string]string{"ERROR": err.Error()}, statusFor(err)
	}
	return nil, Success
}

func synchronizeMethod(srv *Server, sess *Session, db *timeddb.TimedDB, cur *timeddb.Cursor, in map[string]string) (map[string]string, Status) {
	sess.Counters.addMisc()
	hard := in["hard"] == "true" || in["hard"] == "1"
	if err := db.Synchronize(hard); err != nil {
		return map[string]string{"ERROR": err.Error()}, statusFor(err)
	}
	return nil, Success
}

func vacuumMethod(srv *Server, sess *Session, db *timeddb.TimedDB, cur *timeddb.Cursor, in map[string]string) (map[string]string, Status) {
	sess.Counters.addMisc()
	steps := 2
	if v, ok := in["steps"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			steps = n
		}
	}
	if err := db.Vacuum(steps); err != nil {
		return map[string]string{"ERROR": err.Error()}, statusFor(err)
	}
	return nil, Success
}

func setMethod(srv *Server, sess *Session, db *timeddb.TimedDB, cur *timeddb.Cursor, in map[string]string) (map[string]string, Status) {
	err := db.Set([]byte(in["key"]), []byte(in["value"]), xtParam(in, "xt"))
	sess.Counters.addSet(err == nil)
	if err != nil {
		return map[string]string{"ERROR": err.Error()}, statusFor(err)
	}
	return nil, Success
}

func addMethod(srv *Server, sess *Session, db *timeddb.TimedDB, cur *timeddb.Cursor, in map[string]string) (map[string]string, Status) {
	err := db.Add([]byte(in["key"]), []byte(in["value"]), xtParam(in, "xt"))
	sess.Counters.addSet(err == nil)
	if err != nil {
		return map[string]string{"ERROR": err.Error()}, statusFor(err)
	}
	return nil, Success
}

func replaceMethod(srv *Server, sess *Session, db *timeddb.TimedDB, cur *timeddb.Cursor, in map[string]string) (map[string]string, Status) {
	err := db.Replace([]byte(in["key"]), []byte(in["value"]), xtParam(in, "xt"))
	sess.Counters.addSet(err == nil)
	if err != nil {
		return map[string]string{"ERROR": err.Error()}, statusFor(err)
	}
	return nil, Success
}

func appendMethod(srv *Server, sess *Session, db *timeddb.TimedDB, cur *timeddb.Cursor, in map[string]string) (map[string]string, Status) {
	err := db.Append([]byte(in["key"]), []byte(in["value"]), xtParam(in, "xt"))
	sess.Counters.addSet(err == nil)
	if err != nil {
		return map[string]string{"ERROR": err.Error()}, statusFor(err)
	}
	return nil, Success
}

func incrementMethod(srv *Server, sess *Session, db *timeddb.TimedDB, cur *timeddb.Cursor, in map[string]string) (map[string]string, Status) {
	n, _ := strconv.ParseInt(in["num"], 10, 64)
	origin, _ := strconv.ParseInt(in["orig"], 10, 64)
	result, err := db.Increment([]byte(in["key"]), n, origin, xtParam(in, "xt"))
	sess.Counters.addSet(err == nil)
	if err != nil {
		return map[string]string{"ERROR": err.Error()}, statusFor(err)
	}
	return map[string]string{"num": strconv.FormatInt(result, 10)}, Success
}

func incrementDoubleMethod(srv *Server, sess *Session, db *timeddb.TimedDB, cur *timeddb.Cursor, in map[string]string) (map[string]string, Status) {
	n, _ := strconv.ParseFloat(in["num"], 64)
	origin, _ := strconv.ParseFloat(in["orig"], 64)
	result, err := db.IncrementDouble([]byte(in["key"]), n, origin, xtParam(in, "xt"))
	sess.Counters.addSet(err == nil)
	if err != nil {
		return map[string]string{"ERROR": err.Error()}, statusFor(err)
	}
	return map[string]string{"num": strconv.FormatFloat(result, 'f', -1, 64)}, Success
}

func casMethod(srv *Server, sess *Session, db *timeddb.TimedDB, cur *timeddb.Cursor, in map[string]string) (map[string]string, Status) {
	var oldValue, newValue []byte
	if v, ok := in["oval"]; ok {
		oldValue = []byte(v)
	}
	if v, ok := in["nval"]; ok {
		newValue = []byte(v)
	}
	err := db.CAS([]byte(in["key"]), oldValue, newValue, xtParam(in, "xt"))
	sess.Counters.addSet(err == nil)
	if err != nil {
		return map[string]string{"ERROR": err.Error()}, statusFor(err)
	}
	return nil, Success
}

func removeMethod(srv *Server, sess *Session, db *timeddb.TimedDB, cur *timeddb.Cursor, in map[string]string) (map[string]string, Status) {
	err := db.Remove([]byte(in["key"]))
	sess.Counters.addRemove(err == nil)
	if err != nil {
		return map[string]string{"ERROR": err.Error()}, statusFor(err)
	}
	return nil, Success
}

func getMethod(srv *Server, sess *Session, db *timeddb.TimedDB, cur *timeddb.Cursor, in map[string]string) (map[string]string, Status) {
	value, xt, err := db.Get([]byte(in["key"]))
	sess.Counters.addGet(err == nil)
	if err != nil {
		return map[string]string{"ERROR": err.Error()}, statusFor(err)
	}
	return map[string]string{"value": string(value), "xt": strconv.FormatUint(xt, 10)}, Success
}

func checkMethod(srv *Server, sess *Session, db *timeddb.TimedDB, cur *timeddb.Cursor, in map[string]string) (map[string]string, Status) {
	size, xt, err := db.Check([]byte(in["key"]))
	sess.Counters.addGet(err == nil)
	if err != nil {
		return map[string]string{"ERROR": err.Error()}, statusFor(err)
	}
	return map[string]string{"size": strconv.Itoa(size), "xt": strconv.FormatUint(xt, 10)}, Success
}

func seizeMethod(srv *Server, sess *Session, db *timeddb.TimedDB, cur *timeddb.Cursor, in map[string]string) (map[string]string, Status) {
	value, xt, err := db.Seize([]byte(in["key"]))
	sess.Counters.addGet(err == nil)
	sess.Counters.addRemove(err == nil)
	if err != nil {
		return map[string]string{"ERROR": err.Error()}, statusFor(err)
	}
	return map[string]string{"value": string(value), "xt": strconv.FormatUint(xt, 10)}, Success
}

func matchArgs(in map[string]string) int {
	max := -1
	if v, ok := in["max"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			max = n
		}
	}
	return max
}

func matchPrefixMethod(srv *Server, sess *Session, db *timeddb.TimedDB, cur *timeddb.Cursor, in map[string]string) (map[string]string, Status) {
	sess.Counters.addMisc()
	keys, err := db.MatchPrefix([]byte(in["prefix"]), matchArgs(in))
	if err != nil {
		return map[string]string{"ERROR": err.Error()}, statusFor(err)
	}
	return joinKeys(keys), Success
}

func matchRegexMethod(srv *Server, sess *Session, db *timeddb.TimedDB, cur *timeddb.Cursor, in map[string]string) (map[string]string, Status) {
	sess.Counters.addMisc()
	keys, err := db.MatchRegex(in["regex"], matchArgs(in))
	if err != nil {
		return map[string]string{"ERROR": err.Error()}, statusFor(err)
	}
	return joinKeys(keys), Success
}

func matchSimilarMethod(srv *Server, sess *Session, db *timeddb.TimedDB, cur *timeddb.Cursor, in map[string]string) (map[string]string, Status) {
	sess.Counters.addMisc()
	rng, _ := strconv.Atoi(in["range"])
	utf := in["utf"] == "true" || in["utf"] == "1"
	keys, err := db.MatchSimilar([]byte(in["origin"]), rng, utf, matchArgs(in))
	if err != nil {
		return map[string]string{"ERROR": err.Error()}, statusFor(err)
	}
	return joinKeys(keys), Success
}

func joinKeys(keys [][]byte) map[string]string {
	out := make(map[string]string, len(keys)+1)
	out["count"] = strconv.Itoa(len(keys))
	for i, k := range keys {
		out["_"+strconv.Itoa(i)] = string(k)
	}
	return out
}

func cursorFor(cur *timeddb.Cursor) (*timeddb.Cursor, Status, map[string]string) {
	if cur == nil {
		return nil, EInvalid, map[string]string{"ERROR": "no such cursor"}
	}
	return cur, Success, nil
}

func curJumpMethod(srv *Server, sess *Session, db *timeddb.TimedDB, cur *timeddb.Cursor, in map[string]string) (map[string]string, Status) {
	sess.Counters.addMisc()
	if c, st, out := cursorFor(cur); out != nil {
		return out, st
	} else if err := c.Jump([]byte(in["key"])); err != nil {
		return map[string]string{"ERROR": err.Error()}, statusFor(err)
	}
	return nil, Success
}

func curJumpBackMethod(srv *Server, sess *Session, db *timeddb.TimedDB, cur *timeddb.Cursor, in map[string]string) (map[string]string, Status) {
	sess.Counters.addMisc()
	if c, st, out := cursorFor(cur); out != nil {
		return out, st
	} else if err := c.JumpBack([]byte(in["key"])); err != nil {
		return map[string]string{"ERROR": err.Error()}, statusFor(err)
	}
	return nil, Success
}

func curStepMethod(srv *Server, sess *Session, db *timeddb.TimedDB, cur *timeddb.Cursor, in map[string]string) (map[string]string, Status) {
	sess.Counters.addMisc()
	if c, st, out := cursorFor(cur); out != nil {
		return out, st
	} else if err := c.Step(); err != nil {
		return map[string]string{"ERROR": err.Error()}, statusFor(err)
	}
	return nil, Success
}

func curStepBackMethod(srv *Server, sess *Session, db *timeddb.TimedDB, cur *timeddb.Cursor, in map[string]string) (map[string]string, Status) {
	sess.Counters.addMisc()
	if c, st, out := cursorFor(cur); out != nil {
		return out, st
	} else if err := c.StepBack(); err != nil {
		return map[string]string{"ERROR": err.Error()}, statusFor(err)
	}
	return nil, Success
}

func curSetValueMethod(srv *Server, sess *Session, db *timeddb.TimedDB, cur *timeddb.Cursor, in map[string]string) (map[string]string, Status) {
	c, st, out := cursorFor(cur)
	if out != nil {
		return out, st
	}
	err := c.SetValue([]byte(in["value"]), xtParam(in, "xt"))
	sess.Counters.addSet(err == nil)
	if err != nil {
		return map[string]string{"ERROR": err.Error()}, statusFor(err)
	}
	return nil, Success
}

func curRemoveMethod(srv *Server, sess *Session, db *timeddb.TimedDB, cur *timeddb.Cursor, in map[string]string) (map[string]string, Status) {
	c, st, out := cursorFor(cur)
	if out != nil {
		return out, st
	}
	err := c.Remove()
	sess.Counters.addRemove(err == nil)
	if err != nil {
		return map[string]string{"ERROR": err.Error()}, statusFor(err)
	}
	return nil, Success
}

func curGetKeyMethod(srv *Server, sess *Session, db *timeddb.TimedDB, cur *timeddb.Cursor, in map[string]string) (map[string]string, Status) {
	c, st, out := cursorFor(cur)
	if out != nil {
		return out, st
	}
	key, err := c.GetKey()
	sess.Counters.addGet(err == nil)
	if err != nil {
		return map[string]string{"ERROR": err.Error()}, statusFor(err)
	}
	return map[string]string{"key": string(key)}, Success
}

func curGetValueMethod(srv *Server, sess *Session, db *timeddb.TimedDB, cur *timeddb.Cursor, in map[string]string) (map[string]string, Status) {
	c, st, out := cursorFor(cur)
	if out != nil {
		return out, st
	}
	value, err := c.GetValue()
	sess.Counters.addGet(err == nil)
	if err != nil {
		return map[string]string{"ERROR": err.Error()}, statusFor(err)
	}
	return map[string]string{"value": string(value)}, Success
}

func curGetMethod(srv *Server, sess *Session, db *timeddb.TimedDB, cur *timeddb.Cursor, in map[string]string) (map[string]string, Status) {
	c, st, out := cursorFor(cur)
	if out != nil {
		return out, st
	}
	key, value, err := c.GetPair()
	sess.Counters.addGet(err == nil)
	if err != nil {
		return map[string]string{"ERROR": err.Error()}, statusFor(err)
	}
	return map[string]string{"key": string(key), "value": string(value)}, Success
}

func curSeizeMethod(srv *Server, sess *Session, db *timeddb.TimedDB, cur *timeddb.Cursor, in map[string]string) (map[string]string, Status) {
	c, st, out := cursorFor(cur)
	if out != nil {
		return out, st
	}
	value, err := c.Seize()
	sess.Counters.addGet(err == nil)
	sess.Counters.addRemove(err == nil)
	if err != nil {
		return map[string]string{"ERROR": err.Error()}, statusFor(err)
	}
	return map[string]string{"value": string(value)}, Success
}

func curDeleteMethod(srv *Server, sess *Session, db *timeddb.TimedDB, cur *timeddb.Cursor, in map[string]string) (map[string]string, Status) {
	sess.Counters.addMisc()
	idStr := in["CUR"]
	id, err := strconv.ParseUint(idStr, 10, 64)
	if err != nil {
		return map[string]string{"ERROR": "bad cursor id"}, EInvalid
	}
	if err := sess.CloseCursor(id); err != nil {
		return map[string]string{"ERROR": err.Error()}, EInvalid
	}
	return nil, Success
}
