package timeddb

// BeginTransaction starts a best-effort transaction: subsequent
// mutations record an undo closure so EndTransaction(false) can roll
// them back. There is no isolation from concurrent non-transactional
// callers: no lock is held between BeginTransaction and EndTransaction.
func (db *TimedDB) BeginTransaction() error {
	done, err := db.enter()
	if err != nil {
		return db.setLastErr(err.(*DBError))
	}
	defer done()

	db.txMu.Lock()
	defer db.txMu.Unlock()
	if db.inTx {
		return db.setLastErr(newErr(Invalid, "transaction already open"))
	}
	db.inTx = true
	db.txLog = db.txLog[:0]
	return nil
}

// EndTransaction closes the open transaction, committing its effects if
// commit is true or replaying undo closures in reverse otherwise.
func (db *TimedDB) EndTransaction(commit bool) error {
	done, err := db.enter()
	if err != nil {
		return db.setLastErr(err.(*DBError))
	}
	defer done()

	db.txMu.Lock()
	defer db.txMu.Unlock()
	if !db.inTx {
		return db.setLastErr(newErr(Invalid, "no transaction open"))
	}
	if !commit {
		for i := len(db.txLog) - 1; i >= 0; i-- {
			db.txLog[i]()
		}
	}
	db.inTx = false
	db.txLog = nil
	return nil
}

// recordUndo registers f to run (in LIFO order with its siblings) if the
// current transaction rolls back. No-op outside a transaction.
func (db *TimedDB) recordUndo(f func()) {
	if !db.inTx {
		return
	}
	db.txLog = append(db.txLog, f)
}

// snapshotUndo captures the pre-mutation state of key so it can be
// restored on rollback; call before mutating.
func (db *TimedDB) snapshotUndo(key []byte) {
	if !db.inTx {
		return
	}
	k := append([]byte(nil), key...)
	payload, xt, ok := db.rawGet(key)
	if !ok {
		db.recordUndo(func() { db.store.Remove(k) })
		return
	}
	p := append([]byte(nil), payload...)
	db.recordUndo(func() { db.rawSet(k, p, xt) })
}
