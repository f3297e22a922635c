package worker

import (
	"context"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/srg/ktd/internal/timeddb"
)

// playScriptMethod is the `play_script` RPC/binary entry point: it
// hands every non-reserved request parameter to the named Lua function
// and returns whatever string map the script produces.
func playScriptMethod(srv *Server, sess *Session, db *timeddb.TimedDB, cur *timeddb.Cursor, in map[string]string) (map[string]string, Status) {
	sess.Counters.addScript()
	if srv.Script == nil {
		return map[string]string{"ERROR": "scripting not enabled"}, ENoImpl
	}
	funcName := in["_func"]
	params := make(map[string]string, len(in))
	for k, v := range in {
		if k == "_func" || k == "DB" || k == "CUR" || k == "WAIT" || k == "WAITTIME" || k == "SIGNAL" || k == "SIGNALBROAD" {
			continue
		}
		params[k] = v
	}
	out, err := srv.Script.Call(funcName, params)
	if err != nil {
		return map[string]string{"ERROR": err.Error()}, ELogic
	}
	return out, Success
}

// tuneReplicationMethod reconnects the server's replication Slave to a
// new master host/port from a given replication timestamp.
func tuneReplicationMethod(srv *Server, sess *Session, db *timeddb.TimedDB, cur *timeddb.Cursor, in map[string]string) (map[string]string, Status) {
	sess.Counters.addMisc()
	if srv.Slave == nil {
		return map[string]string{"ERROR": "replication not enabled"}, ENoImpl
	}
	host := in["host"]
	port := in["port"]
	if host == "" || port == "" {
		return map[string]string{"ERROR": "host and port required"}, EInvalid
	}
	ts, _ := strconv.ParseUint(in["ts"], 10, 64)
	addr := net.JoinHostPort(host, port)
	dial := func(ctx context.Context) (io.ReadWriteCloser, error) {
		d := net.Dialer{Timeout: 10 * time.Second}
		return d.DialContext(ctx, "tcp", addr)
	}
	srv.Slave.TuneReplication(dial, ts)
	return nil, Success
}

// ulogListMethod backs the `ulog_list` RPC, returning the rolling
// update-log file set the replication master streams from.
func ulogListMethod(srv *Server, sess *Session, db *timeddb.TimedDB, cur *timeddb.Cursor, in map[string]string) (map[string]string, Status) {
	sess.Counters.addMisc()
	if srv.Log == nil {
		return map[string]string{"ERROR": "update log not enabled"}, ENoImpl
	}
	files := srv.Log.List()
	out := make(map[string]string, len(files)*3+1)
	out["count"] = strconv.Itoa(len(files))
	for i, f := range files {
		prefix := "_" + strconv.Itoa(i) + "_"
		out[prefix+"path"] = f.Path
		out[prefix+"size"] = strconv.FormatInt(f.Size, 10)
		out[prefix+"ts"] = strconv.FormatUint(f.FirstTs, 10)
	}
	return out, Success
}

// ulogRemoveMethod backs the `ulog_remove` RPC, pruning a rolled-over
// log file once every slave has consumed past it.
func ulogRemoveMethod(srv *Server, sess *Session, db *timeddb.TimedDB, cur *timeddb.Cursor, in map[string]string) (map[string]string, Status) {
	sess.Counters.addMisc()
	if srv.Log == nil {
		return map[string]string{"ERROR": "update log not enabled"}, ENoImpl
	}
	ts, err := strconv.ParseUint(in["ts"], 10, 64)
	if err != nil {
		return map[string]string{"ERROR": "bad ts"}, EInvalid
	}
	if err := srv.Log.Remove(ts); err != nil {
		return map[string]string{"ERROR": err.Error()}, ELogic
	}
	return nil, Success
}
