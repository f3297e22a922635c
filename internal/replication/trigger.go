package replication

import (
	"github.com/srg/ktd/internal/timeddb"
	"github.com/srg/ktd/internal/ulog"
)

// UlogTrigger adapts an *ulog.Logger into a timeddb.Trigger: every
// TimedDB mutation becomes one framed update-log record carrying its
// origin sid and database index, ready to be streamed to slaves.
type UlogTrigger struct {
	Log *ulog.Logger
}

func (t *UlogTrigger) Write(dbID uint16, originSID uint16, u timeddb.Update) error {
	_, err := t.Log.Write(encodePayload(originSID, dbID, u))
	return err
}

// ApplyRecord decodes a replication payload and, if it targets dbid,
// applies it to db via Recover. Records for any other database index
// are silently ignored — the caller is expected to dispatch by dbid
// across a small array of open databases.
func ApplyRecord(db *timeddb.TimedDB, dbid uint16, payload []byte) error {
	if len(payload) == 0 {
		return nil // dummy frame, nothing to apply
	}
	dec, err := decodePayload(payload)
	if err != nil {
		return err
	}
	if dec.DBID != dbid {
		return nil
	}
	return db.Recover(dec.SID, dec.Update)
}

// ShouldApply implements the origin filtering rule: in
// default mode skip records whose origin sid equals the slave's own
// sid; in WHITESID mode keep only records whose origin sid equals it.
func ShouldApply(originSID, localSID uint16, whiteSID bool) bool {
	if whiteSID {
		return originSID == localSID
	}
	return originSID != localSID
}
