// REST surface: GET/HEAD/PUT/DELETE against /<dbName>/<urlencodedKey>,
// with X-Kt-Mode/X-Kt-Xt headers selecting the write mode and
// expiration. Speaks net/http directly; the route shape is simple
// enough that ServeMux would be overkill.
package worker

import (
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/srg/ktd/internal/timeddb"
)

// Handler returns an http.Handler serving the REST surface over srv's
// database registry.
func (srv *Server) Handler() http.Handler {
	return http.HandlerFunc(srv.serveHTTP)
}

func (srv *Server) serveHTTP(w http.ResponseWriter, r *http.Request) {
	dbName, key, err := splitRESTPath(r.URL.Path)
	if err != nil {
		w.Header().Set("x-kt-error", "invalid path")
		w.WriteHeader(http.StatusNotFound)
		return
	}
	db, ok := srv.Registry.Resolve(dbName)
	if !ok {
		w.Header().Set("x-kt-error", "no such db")
		w.WriteHeader(http.StatusNotFound)
		return
	}

	sess := NewSession(0)
	defer sess.Close()

	switch r.Method {
	case http.MethodGet, http.MethodHead:
		srv.restGet(w, r, sess, db, key)
	case http.MethodPut:
		srv.restPut(w, r, sess, db, key)
	case http.MethodDelete:
		srv.restDelete(w, sess, db, key)
	default:
		w.Header().Set("x-kt-error", "method not allowed")
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// splitRESTPath splits "/<db>/<urlencKey>" into its two components,
// url-decoding the key.
func splitRESTPath(path string) (dbName, key string, err error) {
	trimmed := strings.TrimPrefix(path, "/")
	parts := strings.SplitN(trimmed, "/", 2)
	if len(parts) != 2 || parts[1] == "" {
		return "", "", errors.New("worker: malformed REST path")
	}
	k, err := url.QueryUnescape(parts[1])
	if err != nil {
		return "", "", err
	}
	return parts[0], k, nil
}

func (srv *Server) restGet(w http.ResponseWriter, r *http.Request, sess *Session, db *timeddb.TimedDB, key string) {
	value, xt, err := db.Get([]byte(key))
	sess.Counters.addGet(err == nil)
	if err != nil {
		writeRESTError(w, err)
		return
	}
	w.Header().Set("X-Kt-Xt", strconv.FormatUint(xt, 10))
	w.Header().Set("Content-Length", strconv.Itoa(len(value)))
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodGet {
		w.Write(value)
	}
}

// restPut implements the X-Kt-Mode header's three write modes.
func (srv *Server) restPut(w http.ResponseWriter, r *http.Request, sess *Session, db *timeddb.TimedDB, key string) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		w.Header().Set("x-kt-error", "read body")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	xt := int64(timeddb.XTMax)
	if xh := r.Header.Get("X-Kt-Xt"); xh != "" {
		if parsed, parseErr := strconv.ParseInt(xh, 10, 64); parseErr == nil {
			xt = parsed
		}
	}

	mode := r.Header.Get("X-Kt-Mode")
	switch mode {
	case "add":
		err = db.Add([]byte(key), body, xt)
	case "replace":
		err = db.Replace([]byte(key), body, xt)
	default:
		err = db.Set([]byte(key), body, xt)
	}
	sess.Counters.addSet(err == nil)
	if err != nil {
		writeRESTError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (srv *Server) restDelete(w http.ResponseWriter, sess *Session, db *timeddb.TimedDB, key string) {
	err := db.Remove([]byte(key))
	sess.Counters.addRemove(err == nil)
	if err != nil {
		writeRESTError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeRESTError maps a *timeddb.DBError onto HTTP status codes: 404
// for a missing record, 450 for logic-level client errors (add
// duplicate, replace missing, cas mismatch), 500 otherwise.
func writeRESTError(w http.ResponseWriter, err error) {
	var dbErr *timeddb.DBError
	if !errors.As(err, &dbErr) {
		w.Header().Set("x-kt-error", err.Error())
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("x-kt-error", dbErr.Error())
	switch dbErr.Kind {
	case timeddb.NoRec:
		w.WriteHeader(http.StatusNotFound)
	case timeddb.DupRec, timeddb.Logic:
		w.WriteHeader(450)
	default:
		w.WriteHeader(http.StatusInternalServerError)
	}
}
