package timeddb

import "sync"

// Cursor walks a TimedDB in ascending or descending key order. A Cursor left open across a Close()
// is invalidated rather than leaked — the "cursor burrow" sweep.
type Cursor struct {
	db         *TimedDB
	mu         sync.Mutex
	key        []byte
	positioned bool
	invalid    bool
}

// Cursor opens a new cursor, unpositioned until Jump/JumpBack/Step.
func (db *TimedDB) Cursor() *Cursor {
	c := &Cursor{db: db}
	db.cursorsMu.Lock()
	if db.cursors != nil {
		db.cursors[c] = struct{}{}
	}
	db.cursorsMu.Unlock()
	return c
}

// Close releases the cursor. Safe to call multiple times.
func (c *Cursor) Close() error {
	c.db.cursorsMu.Lock()
	delete(c.db.cursors, c)
	c.db.cursorsMu.Unlock()
	c.mu.Lock()
	c.invalid = true
	c.mu.Unlock()
	return nil
}

// invalidate marks the cursor dead without touching the owning DB's
// cursor set (Close already holds cursorsMu when it calls this via
// TimedDB.Close's sweep).
func (c *Cursor) invalidate() {
	c.mu.Lock()
	c.invalid = true
	c.mu.Unlock()
}

func (c *Cursor) checkLive() error {
	if c.invalid {
		return newErr(Invalid, "cursor invalidated: database closed")
	}
	return nil
}

// Jump positions the cursor at key, or the next live key at or after it
// in ascending order. A nil key jumps to the first record.
func (c *Cursor) Jump(key []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkLive(); err != nil {
		return err
	}
	done, err := c.db.enter()
	if err != nil {
		return c.db.setLastErr(err.(*DBError))
	}
	defer done()

	var k []byte
	var ok bool
	if key == nil {
		k, ok = c.db.store.First()
	} else if _, _, live := c.db.rawGet(key); live {
		k, ok = append([]byte(nil), key...), true
	} else {
		k, ok = c.db.store.Next(key)
	}
	for ok {
		if _, _, live := c.db.rawGet(k); live {
			break
		}
		k, ok = c.db.store.Next(k)
	}
	if !ok {
		c.positioned = false
		return c.db.setLastErr(newErr(NoRec, "no record to jump to"))
	}
	c.key = k
	c.positioned = true
	return nil
}

// JumpBack positions the cursor at key, or the nearest live key at or
// before it in descending order. A nil key jumps to the last record.
func (c *Cursor) JumpBack(key []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkLive(); err != nil {
		return err
	}
	done, err := c.db.enter()
	if err != nil {
		return c.db.setLastErr(err.(*DBError))
	}
	defer done()

	var k []byte
	var ok bool
	if key == nil {
		k, ok = c.db.store.Last()
	} else if _, _, live := c.db.rawGet(key); live {
		k, ok = append([]byte(nil), key...), true
	} else {
		k, ok = c.db.store.Prev(key)
	}
	for ok {
		if _, _, live := c.db.rawGet(k); live {
			break
		}
		k, ok = c.db.store.Prev(k)
	}
	if !ok {
		c.positioned = false
		return c.db.setLastErr(newErr(NoRec, "no record to jump to"))
	}
	c.key = k
	c.positioned = true
	return nil
}

// Step advances the cursor to the next live key in ascending order.
func (c *Cursor) Step() error { return c.move(true) }

// StepBack moves the cursor to the previous live key in descending order.
func (c *Cursor) StepBack() error { return c.move(false) }

func (c *Cursor) move(forward bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkLive(); err != nil {
		return err
	}
	if !c.positioned {
		return c.db.setLastErr(newErr(Invalid, "cursor not positioned"))
	}
	done, err := c.db.enter()
	if err != nil {
		return c.db.setLastErr(err.(*DBError))
	}
	defer done()

	var k []byte
	var ok bool
	if forward {
		k, ok = c.db.store.Next(c.key)
	} else {
		k, ok = c.db.store.Prev(c.key)
	}
	for ok {
		if _, _, live := c.db.rawGet(k); live {
			break
		}
		if forward {
			k, ok = c.db.store.Next(k)
		} else {
			k, ok = c.db.store.Prev(k)
		}
	}
	if !ok {
		c.positioned = false
		return c.db.setLastErr(newErr(NoRec, "no more records"))
	}
	c.key = k
	return nil
}

// GetKey returns the cursor's current key.
func (c *Cursor) GetKey() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkLive(); err != nil {
		return nil, err
	}
	if !c.positioned {
		return nil, c.db.setLastErr(newErr(Invalid, "cursor not positioned"))
	}
	return append([]byte(nil), c.key...), nil
}

// GetValue returns the value of the cursor's current record.
func (c *Cursor) GetValue() ([]byte, error) {
	_, v, err := c.GetPair()
	return v, err
}

// GetPair returns the key and value of the cursor's current record. If
// that record has expired since the cursor reached it, GetPair fails
// NoRec and leaves the cursor where it is.
func (c *Cursor) GetPair() ([]byte, []byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkLive(); err != nil {
		return nil, nil, err
	}
	if !c.positioned {
		return nil, nil, c.db.setLastErr(newErr(Invalid, "cursor not positioned"))
	}
	done, err := c.db.enter()
	if err != nil {
		return nil, nil, c.db.setLastErr(err.(*DBError))
	}
	defer done()

	v, _, ok := c.db.rawGet(c.key)
	if !ok {
		return nil, nil, c.db.setLastErr(newErr(NoRec, "current record expired"))
	}
	return append([]byte(nil), c.key...), append([]byte(nil), v...), nil
}

// SetValue replaces the value of the cursor's current record.
func (c *Cursor) SetValue(value []byte, xt int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkLive(); err != nil {
		return err
	}
	if !c.positioned {
		return c.db.setLastErr(newErr(Invalid, "cursor not positioned"))
	}
	done, err := c.db.enter()
	if err != nil {
		return c.db.setLastErr(err.(*DBError))
	}
	defer done()
	unlock := c.db.lockKey(c.key)
	defer unlock()

	if _, _, ok := c.db.rawGet(c.key); !ok {
		return c.db.setLastErr(newErr(NoRec, "current record expired"))
	}
	c.db.snapshotUndo(c.key)
	abs := modifyExpTime(xt, c.db.now())
	c.db.rawSet(c.key, value, abs)
	c.db.fireLocal(Update{Op: OpSet, Key: c.key, Value: packed(c.db.opts.Persistent, abs, value)})
	c.db.addScore(scoreUnit)
	return nil
}

// Remove deletes the cursor's current record and advances to the next
// live key.
func (c *Cursor) Remove() error {
	_, _, err := c.seizeOrRemove(false)
	return err
}

// Seize deletes the cursor's current record, returning its value, and
// advances to the next live key.
func (c *Cursor) Seize() ([]byte, error) {
	_, v, err := c.seizeOrRemove(true)
	return v, err
}

func (c *Cursor) seizeOrRemove(wantValue bool) ([]byte, []byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkLive(); err != nil {
		return nil, nil, err
	}
	if !c.positioned {
		return nil, nil, c.db.setLastErr(newErr(Invalid, "cursor not positioned"))
	}
	done, err := c.db.enter()
	if err != nil {
		return nil, nil, c.db.setLastErr(err.(*DBError))
	}
	defer done()
	unlock := c.db.lockKey(c.key)
	defer unlock()

	v, _, ok := c.db.rawGet(c.key)
	if !ok {
		return nil, nil, c.db.setLastErr(newErr(NoRec, "current record expired"))
	}
	var ret []byte
	if wantValue {
		ret = append([]byte(nil), v...)
	}

	c.db.snapshotUndo(c.key)
	doomed := c.key
	next, hasNext := c.db.store.Next(doomed)
	c.db.store.Remove(doomed)
	for hasNext {
		if _, _, live := c.db.rawGet(next); live {
			break
		}
		next, hasNext = c.db.store.Next(next)
	}
	c.db.fireLocal(Update{Op: OpRemove, Key: doomed})
	c.db.addScore(scoreUnit)

	if hasNext {
		c.key = next
		c.positioned = true
	} else {
		c.positioned = false
	}
	return append([]byte(nil), doomed...), ret, nil
}

// Iterate walks every live record in ascending key order, applying
// visitor to each. VisitBefore/VisitAfter bracket the whole pass.
func (db *TimedDB) Iterate(visitor Visitor) error {
	done, err := db.enter()
	if err != nil {
		return db.setLastErr(err.(*DBError))
	}
	defer done()

	bv := asBatchVisitor(visitor)
	bv.VisitBefore()
	defer bv.VisitAfter()

	k, ok := db.store.First()
	for ok {
		next, hasNext := db.store.Next(k)
		db.visitOne(k, bv)
		k, ok = next, hasNext
	}
	return nil
}

// visitOne runs the visitor callback and applies its result under the
// record's key lock, so the read-decide-write is atomic against
// concurrent verbs on the same key. The callback must not call back
// into mutating verbs; it mutates through the returned VisitResult.
func (db *TimedDB) visitOne(key []byte, bv BatchVisitor) {
	unlock := db.lockKey(key)
	defer unlock()
	if v, xt, live := db.rawGet(key); live {
		db.applyVisit(key, bv.VisitFull(key, v, xt))
	}
}

// ScanParallel is Iterate's concurrent sibling for read-mostly
// visitors: the key space is split into n contiguous shards, each
// walked by its own goroutine. Each record is visited under its key
// lock; mutate through the returned VisitResult, never by calling
// back into the database. Shards give no cross-record ordering
// guarantee.
func (db *TimedDB) ScanParallel(n int, visitor Visitor) error {
	if n <= 1 {
		return db.Iterate(visitor)
	}
	done, err := db.enter()
	if err != nil {
		return db.setLastErr(err.(*DBError))
	}
	defer done()

	var keys [][]byte
	k, ok := db.store.First()
	for ok {
		keys = append(keys, k)
		k, ok = db.store.Next(k)
	}
	if len(keys) == 0 {
		return nil
	}
	if n > len(keys) {
		n = len(keys)
	}

	bv := asBatchVisitor(visitor)
	bv.VisitBefore()
	defer bv.VisitAfter()

	chunk := (len(keys) + n - 1) / n
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		lo := i * chunk
		if lo >= len(keys) {
			break
		}
		hi := lo + chunk
		if hi > len(keys) {
			hi = len(keys)
		}
		wg.Add(1)
		shard := keys[lo:hi]
		go func(ks [][]byte) {
			defer wg.Done()
			for _, key := range ks {
				db.visitOne(key, bv)
			}
		}(shard)
	}
	wg.Wait()
	return nil
}

func (db *TimedDB) applyVisit(key []byte, r VisitResult) {
	switch r.action {
	case actionRemove:
		db.snapshotUndo(key)
		db.store.Remove(key)
		db.fireLocal(Update{Op: OpRemove, Key: key})
		db.addScore(scoreUnit)
	case actionReplace:
		db.snapshotUndo(key)
		abs := modifyExpTime(r.newXt, db.now())
		db.rawSet(key, r.value, abs)
		db.fireLocal(Update{Op: OpSet, Key: key, Value: packed(db.opts.Persistent, abs, r.value)})
		db.addScore(scoreUnit)
	}
}
