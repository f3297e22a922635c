package timeddb

// Vacuum runs an explicit, bounded expiration sweep of up to steps
// records, independent of the opportunistic
// score-driven reaper in reaper.go.
func (db *TimedDB) Vacuum(steps int) error {
	done, err := db.enter()
	if err != nil {
		return db.setLastErr(err.(*DBError))
	}
	defer done()

	db.sweepExpired(steps)
	db.enforceCapacity(steps)
	return nil
}

// Synchronize flushes the underlying store. hard requests the stronger
// guarantee; for the in-memory
// engine this maps onto Defrag, the store's own durability/compaction
// hook, a real file-backed engine would fsync here.
func (db *TimedDB) Synchronize(hard bool) error {
	done, err := db.enter()
	if err != nil {
		return db.setLastErr(err.(*DBError))
	}
	defer done()

	if !hard {
		return nil
	}
	if err := db.store.Defrag(); err != nil {
		return db.setLastErr(wrapErr(System, err, "synchronize"))
	}
	return nil
}
