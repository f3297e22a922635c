package worker

import (
	"strconv"
	"strings"

	"github.com/srg/ktd/internal/timeddb"
)

// bulkRecords pulls every "_<key>" parameter out of in; the underscore
// prefix separates bulk records from ordinary request parameters.
func bulkRecords(in map[string]string) map[string]string {
	out := make(map[string]string)
	for k, v := range in {
		if strings.HasPrefix(k, "_") {
			out[k[1:]] = v
		}
	}
	return out
}

func isAtomic(in map[string]string) bool {
	return in["atomic"] == "true" || in["atomic"] == "1"
}

// setBulkMethod sets every "_<key>"=value pair in one request, under a
// single transaction when atomic=true.
func setBulkMethod(srv *Server, sess *Session, db *timeddb.TimedDB, cur *timeddb.Cursor, in map[string]string) (map[string]string, Status) {
	records := bulkRecords(in)
	xt := xtParam(in, "xt")
	atomic := isAtomic(in)
	if atomic {
		if err := db.BeginTransaction(); err != nil {
			return map[string]string{"ERROR": err.Error()}, statusFor(err)
		}
	}
	var n int
	var firstErr error
	for key, value := range records {
		if err := db.Set([]byte(key), []byte(value), xt); err != nil {
			sess.Counters.addSet(false)
			if firstErr == nil {
				firstErr = err
			}
			if atomic {
				break
			}
			continue
		}
		sess.Counters.addSet(true)
		n++
	}
	if atomic {
		if firstErr != nil {
			db.EndTransaction(false)
			return map[string]string{"ERROR": firstErr.Error()}, statusFor(firstErr)
		}
		if err := db.EndTransaction(true); err != nil {
			return map[string]string{"ERROR": err.Error()}, statusFor(err)
		}
	}
	return map[string]string{"num": strconv.Itoa(n)}, Success
}

// removeBulkMethod removes every "_<key>" named key in one request,
// under a single transaction when atomic=true.
func removeBulkMethod(srv *Server, sess *Session, db *timeddb.TimedDB, cur *timeddb.Cursor, in map[string]string) (map[string]string, Status) {
	records := bulkRecords(in)
	atomic := isAtomic(in)
	if atomic {
		if err := db.BeginTransaction(); err != nil {
			return map[string]string{"ERROR": err.Error()}, statusFor(err)
		}
	}
	var n int
	var firstErr error
	for key := range records {
		if err := db.Remove([]byte(key)); err != nil {
			sess.Counters.addRemove(false)
			if firstErr == nil {
				firstErr = err
			}
			if atomic {
				break
			}
			continue
		}
		sess.Counters.addRemove(true)
		n++
	}
	if atomic {
		if firstErr != nil {
			db.EndTransaction(false)
			return map[string]string{"ERROR": firstErr.Error()}, statusFor(firstErr)
		}
		if err := db.EndTransaction(true); err != nil {
			return map[string]string{"ERROR": err.Error()}, statusFor(err)
		}
	}
	return map[string]string{"num": strconv.Itoa(n)}, Success
}

// getBulkMethod reads every "_<key>" named key in one request, omitting
// misses from the response.
func getBulkMethod(srv *Server, sess *Session, db *timeddb.TimedDB, cur *timeddb.Cursor, in map[string]string) (map[string]string, Status) {
	records := bulkRecords(in)
	out := make(map[string]string, len(records))
	var n int
	for key := range records {
		value, _, err := db.Get([]byte(key))
		if err != nil {
			sess.Counters.addGet(false)
			continue
		}
		sess.Counters.addGet(true)
		out["_"+key] = string(value)
		n++
	}
	out["num"] = strconv.Itoa(n)
	return out, Success
}
