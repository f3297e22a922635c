package timeddb

import "sync/atomic"

// Reaper tuning constants: each mutating op adds scoreUnit to an
// accumulator, read-only ops a 1/readFreq fraction, iteration a
// 1/iterFreq fraction per scanned record. Once the accumulator crosses
// stepUnit*scoreUnit the reaper drains score/scoreUnit cursor steps
// under a try-lock.
const (
	scoreUnit = 256
	stepUnit  = 8
	readFreq  = 32
	iterFreq  = 4
)

// maybeReap opportunistically sweeps records for expiration and
// capacity eviction. It never blocks: if another goroutine is already
// reaping, it returns immediately (CAS try-lock; there is no dedicated
// reaper goroutine). The sweep length scales with the accumulated
// score, so a DB that waited long for the try-lock catches up in one
// pass.
func (db *TimedDB) maybeReap() {
	if atomic.LoadInt64(&db.score) < stepUnit*scoreUnit {
		return
	}
	if !atomic.CompareAndSwapInt32(&db.reaperBusy, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&db.reaperBusy, 0)

	steps := int(atomic.LoadInt64(&db.score) / scoreUnit)
	if steps <= 0 {
		return
	}
	atomic.AddInt64(&db.score, -int64(steps)*scoreUnit)
	db.sweepExpired(steps)
	db.enforceCapacity(steps)
}

// nextCursorKey advances the reaper cursor one record, wrapping to the
// first key past the end, and returns the key it now points at. Caller
// holds cursorMu. Returns false only on an empty store.
func (db *TimedDB) nextCursorKey() ([]byte, bool) {
	var key []byte
	var ok bool
	if db.cursorSet {
		key, ok = db.store.Next(db.cursorKey)
	} else {
		key, ok = db.store.First()
	}
	if !ok {
		key, ok = db.store.First()
		if !ok {
			db.cursorSet = false
			return nil, false
		}
	}
	db.cursorKey = append(db.cursorKey[:0], key...)
	db.cursorSet = true
	return key, true
}

// sweepExpired advances the reaper cursor by up to n records, removing
// any that have expired.
func (db *TimedDB) sweepExpired(n int) {
	db.cursorMu.Lock()
	defer db.cursorMu.Unlock()

	for i := 0; i < n; i++ {
		key, ok := db.nextCursorKey()
		if !ok {
			return
		}
		db.rawGet(key) // removes the record if expired
	}
}

// enforceCapacity evicts records at the reaper cursor (the same
// rotating position the expiration sweep uses, so eviction spreads
// across the keyspace): for a count bound, until within bound; for a
// size bound, steps records followed by a Defrag request.
func (db *TimedDB) enforceCapacity(steps int) {
	if db.opts.CapacityCount <= 0 && db.opts.CapacitySize <= 0 {
		return
	}
	db.cursorMu.Lock()
	defer db.cursorMu.Unlock()

	for db.opts.CapacityCount > 0 && int64(db.store.Len()) > db.opts.CapacityCount {
		key, ok := db.nextCursorKey()
		if !ok {
			break
		}
		db.store.Remove(key)
		db.fireLocal(Update{Op: OpRemove, Key: key})
	}

	if db.opts.CapacitySize > 0 && db.store.SizeBytes() > db.opts.CapacitySize {
		for i := 0; i < steps; i++ {
			key, ok := db.nextCursorKey()
			if !ok {
				break
			}
			db.store.Remove(key)
			db.fireLocal(Update{Op: OpRemove, Key: key})
		}
		if err := db.store.Defrag(); err != nil {
			db.log.WithError(err).Warn("capacity-triggered defrag failed")
		}
	}
}
