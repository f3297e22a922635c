package worker

import (
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/ktd/internal/cond"
	"github.com/srg/ktd/internal/replication"
	"github.com/srg/ktd/internal/script"
	"github.com/srg/ktd/internal/timeddb"
	"github.com/srg/ktd/internal/ulog"
)

// Server holds everything a dispatched request needs: the DB registry,
// the condition-variable map, the script engine backing play_script,
// and the update log the replication binary method streams from.
type Server struct {
	Registry *Registry
	Conds    *cond.Map
	Script   *script.Engine
	Log      *ulog.Logger
	Logger   *logrus.Logger
	ServerID uint16
	Slave    *replication.Slave

	housekeeping *housekeeper
}

// handler is one RPC method's implementation; db and cur are nil for
// methods that do not need a resolved DB=/CUR= parameter.
type handler func(srv *Server, sess *Session, db *timeddb.TimedDB, cur *timeddb.Cursor, in map[string]string) (map[string]string, Status)

// methodTable is the full RPC/binary method set.
var methodTable = map[string]handler{
	"void":             voidMethod,
	"echo":             echoMethod,
	"report":           reportMethod,
	"status":           statusMethod,
	"clear":            clearMethod,
	"synchronize":      synchronizeMethod,
	"vacuum":           vacuumMethod,
	"set":              setMethod,
	"add":              addMethod,
	"replace":          replaceMethod,
	"append":           appendMethod,
	"increment":        incrementMethod,
	"increment_double": incrementDoubleMethod,
	"cas":              casMethod,
	"remove":           removeMethod,
	"get":              getMethod,
	"check":            checkMethod,
	"seize":            seizeMethod,
	"match_prefix":     matchPrefixMethod,
	"match_regex":      matchRegexMethod,
	"match_similar":    matchSimilarMethod,
	"cur_jump":         curJumpMethod,
	"cur_jump_back":    curJumpBackMethod,
	"cur_step":         curStepMethod,
	"cur_step_back":    curStepBackMethod,
	"cur_set_value":    curSetValueMethod,
	"cur_remove":       curRemoveMethod,
	"cur_get_key":      curGetKeyMethod,
	"cur_get_value":    curGetValueMethod,
	"cur_get":          curGetMethod,
	"cur_seize":        curSeizeMethod,
	"cur_delete":       curDeleteMethod,
	"play_script":      playScriptMethod,
	"tune_replication": tuneReplicationMethod,
	"ulog_list":        ulogListMethod,
	"ulog_remove":      ulogRemoveMethod,
	"set_bulk":         setBulkMethod,
	"remove_bulk":      removeBulkMethod,
	"get_bulk":         getBulkMethod,
}

// methodsWithoutDB lists methods that never resolve a DB=<nameOrIndex>
// parameter.
var methodsWithoutDB = map[string]bool{
	"void": true, "echo": true, "report": true, "play_script": true,
	"tune_replication": true, "ulog_list": true, "ulog_remove": true,
}

// Dispatch runs one request end to end: WAIT pre-check, DB/CUR
// resolution, the method body, counters, and SIGNAL post-processing.
func (srv *Server) Dispatch(sess *Session, method string, in map[string]string) map[string]string {
	if waitName, ok := in["WAIT"]; ok {
		var timeout <-chan struct{}
		if wt, ok := in["WAITTIME"]; ok {
			if secs, err := strconv.ParseFloat(wt, 64); err == nil {
				expired := make(chan struct{})
				timer := time.AfterFunc(time.Duration(secs*float64(time.Second)), func() { close(expired) })
				defer timer.Stop()
				timeout = expired
			}
		}
		if !srv.Conds.Wait(waitName, timeout) {
			return map[string]string{"STATUS": ETimeout.String(), "ERROR": "wait timed out"}
		}
	}

	fn, ok := methodTable[method]
	if !ok {
		return map[string]string{"STATUS": ENoImpl.String(), "ERROR": "unknown method " + method}
	}

	var db *timeddb.TimedDB
	if !methodsWithoutDB[method] {
		var dbOK bool
		db, dbOK = srv.Registry.Resolve(in["DB"])
		if !dbOK {
			return map[string]string{"STATUS": EInvalid.String(), "ERROR": "no such DB"}
		}
	}

	var cur *timeddb.Cursor
	if curIDStr, ok := in["CUR"]; ok && db != nil {
		if id, err := strconv.ParseUint(curIDStr, 10, 64); err == nil {
			cur = sess.Cursor(id, db)
		}
	}

	out, status := fn(srv, sess, db, cur, in)
	if out == nil {
		out = map[string]string{}
	}
	out["STATUS"] = status.String()

	if sigName, ok := in["SIGNAL"]; ok {
		var woken int
		if _, broad := in["SIGNALBROAD"]; broad {
			woken = srv.Conds.Broadcast(sigName)
		} else {
			woken = srv.Conds.Signal(sigName)
		}
		out["SIGNALED"] = strconv.Itoa(woken)
	}
	return out
}
