// Package replication implements the master→slave update stream: the
// wire framing, the UpdateLogger-backed
// Trigger adapter, the server-side stream handler, and the slave state
// machine that applies received records back into a TimedDB.
package replication

import (
	"encoding/binary"
	"fmt"

	"github.com/srg/ktd/internal/timeddb"
)

// Wire magics.
const (
	MagicReplication byte = 0xB1
	MagicNop         byte = 0xB0
	MagicError       byte = 0xBF
)

// OpenFlags bits on the client's C→S open frame.
const (
	FlagWhiteSID uint32 = 0x01
)

// DummyFreq is the filtered-record interval at which the server injects
// a zero-length data frame so a heavily-filtered slave still advances
// its rts.
const DummyFreq = 256

// payload is the format UpdateLogger records carry: it tags every
// replicated operation with its origin server id and database index so
// a slave (or a second-level master) can filter and apply it.
//
// Wire layout: sid(u16) dbid(u16) op(u8) keylen(uvarint) key
// [vallen(uvarint) value]  — value is present only for OpSet.
func encodePayload(sid, dbid uint16, u timeddb.Update) []byte {
	buf := make([]byte, 0, 2+2+1+binary.MaxVarintLen64+len(u.Key)+binary.MaxVarintLen64+len(u.Value))
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], sid)
	buf = append(buf, tmp[:]...)
	binary.BigEndian.PutUint16(tmp[:], dbid)
	buf = append(buf, tmp[:]...)
	buf = append(buf, byte(u.Op))

	var vbuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(vbuf[:], uint64(len(u.Key)))
	buf = append(buf, vbuf[:n]...)
	buf = append(buf, u.Key...)

	if u.Op == timeddb.OpSet {
		n := binary.PutUvarint(vbuf[:], uint64(len(u.Value)))
		buf = append(buf, vbuf[:n]...)
		buf = append(buf, u.Value...)
	}
	return buf
}

// DecodedUpdate is a payload decoded back into its replication
// metadata plus the underlying Update.
type DecodedUpdate struct {
	SID  uint16
	DBID uint16
	timeddb.Update
}

func decodePayload(payload []byte) (DecodedUpdate, error) {
	if len(payload) < 5 {
		return DecodedUpdate{}, fmt.Errorf("replication: payload too short")
	}
	sid := binary.BigEndian.Uint16(payload[0:2])
	dbid := binary.BigEndian.Uint16(payload[2:4])
	op := timeddb.UpdateOp(payload[4])
	rest := payload[5:]

	if op == timeddb.OpClear {
		return DecodedUpdate{SID: sid, DBID: dbid, Update: timeddb.Update{Op: op}}, nil
	}

	klen, n := binary.Uvarint(rest)
	if n <= 0 || uint64(len(rest)-n) < klen {
		return DecodedUpdate{}, fmt.Errorf("replication: bad key length")
	}
	rest = rest[n:]
	key := rest[:klen]
	rest = rest[klen:]

	u := timeddb.Update{Op: op, Key: append([]byte(nil), key...)}
	if op == timeddb.OpSet {
		vlen, n := binary.Uvarint(rest)
		if n <= 0 || uint64(len(rest)-n) < vlen {
			return DecodedUpdate{}, fmt.Errorf("replication: bad value length")
		}
		rest = rest[n:]
		u.Value = append([]byte(nil), rest[:vlen]...)
	}
	return DecodedUpdate{SID: sid, DBID: dbid, Update: u}, nil
}
