// Package timeddb implements the expiration-augmented wrapper over an
// ordered KV store: value framing, the visitor protocol, all KV verbs,
// the opportunistic expiration reaper, capacity eviction, and the
// snapshot codec.
package timeddb

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/ktd/internal/kv"
)

// UpdateOp names the three replicated operation kinds.
type UpdateOp int

const (
	OpSet UpdateOp = iota
	OpRemove
	OpClear
)

func (o UpdateOp) String() string {
	switch o {
	case OpSet:
		return "SET"
	case OpRemove:
		return "REMOVE"
	case OpClear:
		return "CLEAR"
	default:
		return "UNKNOWN"
	}
}

// Update is one operation as it is handed to a Trigger, e.g. the
// UpdateLogger. Value is the fully packed (xt-prefixed, when
// persistence is off) stored form for OpSet.
type Update struct {
	Op    UpdateOp
	Key   []byte
	Value []byte
}

// Trigger is the append hook a TimedDB fires on every successful
// mutation, tagged with the database index and the server id that
// originated it — the hook UpdateLogger.Write implements.
type Trigger interface {
	Write(dbID uint16, originSID uint16, u Update) error
}

// Options configures an open TimedDB.
type Options struct {
	DBID       uint16
	ServerID   uint16 // tagged on locally-originated writes
	Persistent bool   // when true, values are stored verbatim, no expiration
	// CapacityCount, if > 0, bounds Count() via eviction.
	CapacityCount int64
	// CapacitySize, if > 0, bounds SizeBytes() via eviction + Defrag.
	CapacitySize int64
	Trigger      Trigger
	Logger       *logrus.Logger
}

// keyMuShards is the size of the sharded per-key mutex table. Power of
// two so lockKey can mask instead of mod.
const keyMuShards = 64

// TimedDB is one open expiration-wrapped database handle.
type TimedDB struct {
	gate sync.RWMutex // closed-wait: Close takes Lock(), every op takes RLock()
	opts Options
	log  *logrus.Logger

	// keyMu serializes read-modify-write sequences on one key: the gate
	// RLock only excludes Close, and the store's own mutex is released
	// between its Get and Set calls, so without this two concurrent
	// CAS/Add/Increment calls on the same key could both pass their
	// precondition check.
	keyMu [keyMuShards]sync.Mutex

	store  kv.Store
	closed bool

	score      int64 // atomic, reaper accumulator
	reaperBusy int32 // atomic try-lock
	cursorKey  []byte
	cursorSet  bool // false means "rewind to first on next step"
	cursorMu   sync.Mutex

	cursors   map[*Cursor]struct{}
	cursorsMu sync.Mutex

	txMu  sync.Mutex
	txLog []func() // undo closures, executed in reverse on rollback
	inTx  bool

	lastErr   *DBError
	lastErrMu sync.Mutex
}

// Open creates a TimedDB over store (normally a fresh kv.MemStore, or in
// a real deployment a file-backed engine implementing kv.Store).
func Open(store kv.Store, opts Options) *TimedDB {
	if opts.Logger == nil {
		opts.Logger = noopLogger()
	}
	return &TimedDB{
		opts:    opts,
		log:     opts.Logger,
		store:   store,
		cursors: make(map[*Cursor]struct{}),
	}
}

func noopLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(logrusDiscard{})
	return l
}

type logrusDiscard struct{}

func (logrusDiscard) Write(p []byte) (int, error) { return len(p), nil }

// Close waits for in-flight operations to finish, invalidates every
// outstanding cursor, and marks the DB unusable.
func (db *TimedDB) Close() error {
	db.gate.Lock()
	defer db.gate.Unlock()
	if db.closed {
		return newErr(Invalid, "already closed")
	}
	db.closed = true

	db.cursorsMu.Lock()
	for c := range db.cursors {
		c.invalidate()
	}
	db.cursors = nil
	db.cursorsMu.Unlock()
	return nil
}

func (db *TimedDB) enter() (func(), error) {
	db.gate.RLock()
	if db.closed {
		db.gate.RUnlock()
		return nil, newErr(Invalid, "database is closed")
	}
	return db.gate.RUnlock, nil
}

// lockKey takes the per-key mutex shard for key and returns its
// unlock. Every mutating verb holds it across its whole
// check-then-act sequence; visitors run under it too. Callbacks
// holding it must not call back into mutating verbs on the same key.
func (db *TimedDB) lockKey(key []byte) func() {
	h := uint32(2166136261)
	for _, b := range key {
		h = (h ^ uint32(b)) * 16777619
	}
	mu := &db.keyMu[h&(keyMuShards-1)]
	mu.Lock()
	return mu.Unlock
}

func (db *TimedDB) setLastErr(e *DBError) *DBError {
	db.lastErrMu.Lock()
	db.lastErr = e
	db.lastErrMu.Unlock()
	return e
}

// LastError returns the last error captured on the handle; database
// errors are recorded here as well as returned, never panicked.
func (db *TimedDB) LastError() *DBError {
	db.lastErrMu.Lock()
	defer db.lastErrMu.Unlock()
	return db.lastErr
}

// Count returns the number of stored records. Because expiration is
// lazy, this is the raw store count; expired-but-not-yet-reaped records
// are excluded from all
// read paths but may transiently inflate Count until the reaper visits
// them.
func (db *TimedDB) Count() (int64, error) {
	done, err := db.enter()
	if err != nil {
		return 0, db.setLastErr(err.(*DBError))
	}
	defer done()
	return int64(db.store.Len()), nil
}

// SizeBytes returns the approximate total stored size.
func (db *TimedDB) SizeBytes() (int64, error) {
	done, err := db.enter()
	if err != nil {
		return 0, db.setLastErr(err.(*DBError))
	}
	defer done()
	return db.store.SizeBytes(), nil
}

// Clear removes every record and fires a CLEAR update.
func (db *TimedDB) Clear() error {
	done, err := db.enter()
	if err != nil {
		return db.setLastErr(err.(*DBError))
	}
	defer done()

	db.store.Clear()
	db.fireLocal(Update{Op: OpClear})
	return nil
}

// Status returns a snapshot of DB-level counters for the `status` verb.
type Status struct {
	Count   int64
	Size    int64
	DBID    uint16
	Persist bool
}

func (db *TimedDB) GetStatus() (Status, error) {
	done, err := db.enter()
	if err != nil {
		return Status{}, db.setLastErr(err.(*DBError))
	}
	defer done()
	return Status{
		Count:   int64(db.store.Len()),
		Size:    db.store.SizeBytes(),
		DBID:    db.opts.DBID,
		Persist: db.opts.Persistent,
	}, nil
}

func (db *TimedDB) now() time.Time { return time.Now() }

// fireLocal appends a locally-originated update, i.e. tagged with this
// DB's own ServerID.
func (db *TimedDB) fireLocal(u Update) {
	db.fire(db.opts.ServerID, u)
}

// fire appends an update tagged with an explicit origin server id — used
// directly by Recover (replication apply) so foreign-origin writes are
// never re-tagged as local.
func (db *TimedDB) fire(originSID uint16, u Update) {
	if db.opts.Trigger == nil {
		return
	}
	if err := db.opts.Trigger.Write(db.opts.DBID, originSID, u); err != nil {
		db.log.WithError(err).Warn("timeddb: trigger write failed")
	}
}

// rawGet fetches the stored bytes for key and, unless persistence is
// on, strips the xt prefix and evaluates expiration. Expired records
// are reported as absent and removed from the store.
func (db *TimedDB) rawGet(key []byte) (value []byte, xt uint64, ok bool) {
	stored, present := db.store.Get(key)
	if !present {
		return nil, 0, false
	}
	if db.opts.Persistent {
		return stored, XTMax, true
	}
	xt, payload, valid := unpackValue(stored)
	if !valid {
		return nil, 0, false
	}
	if isExpired(xt, db.now()) {
		db.store.Remove(key)
		return nil, 0, false
	}
	return payload, xt, true
}

// rawSet stores payload with an absolute expiration (XTMax when
// persistence is on or the caller wants "never").
func (db *TimedDB) rawSet(key, payload []byte, xt uint64) {
	var stored []byte
	if db.opts.Persistent {
		stored = append([]byte(nil), payload...)
	} else {
		stored = packValue(xt, payload)
	}
	db.store.Set(key, stored)
}

func (db *TimedDB) addScore(delta int64) {
	atomic.AddInt64(&db.score, delta)
	db.maybeReap()
}
