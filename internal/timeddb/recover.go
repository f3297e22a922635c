package timeddb

// Recover applies a decoded replication record to this database,
// tagging the resulting Trigger write with originSID rather than the
// local ServerID so downstream loggers (and any further replication
// fan-out) can still tell it apart from a locally-originated write.
func (db *TimedDB) Recover(originSID uint16, u Update) error {
	done, err := db.enter()
	if err != nil {
		return db.setLastErr(err.(*DBError))
	}
	defer done()

	switch u.Op {
	case OpSet:
		xt, payload, ok := unpackValue(u.Value)
		if !ok {
			if db.opts.Persistent {
				xt, payload = XTMax, u.Value
			} else {
				return db.setLastErr(newErr(Broken, "recover: malformed SET payload"))
			}
		}
		unlock := db.lockKey(u.Key)
		db.rawSet(u.Key, payload, xt)
		unlock()
	case OpRemove:
		unlock := db.lockKey(u.Key)
		db.store.Remove(u.Key)
		unlock()
	case OpClear:
		db.store.Clear()
	default:
		return db.setLastErr(newErr(Invalid, "recover: unknown op"))
	}

	db.fire(originSID, u)
	return nil
}
