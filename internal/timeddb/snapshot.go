package timeddb

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"io"
)

// Snapshot framing constants.
var snapshotMagic = [4]byte{'K', 'T', 'S', 'S'}

// ssioUnit is the buffered-writer chunk size used for dump/load.
const ssioUnit = 1 << 20

const recordTag = 0xCC

// DumpSnapshot writes every live record to w in ascending key order,
// under a header carrying a CRC32 checksum of the record stream plus a
// timestamp, count and size so LoadSnapshot can validate before
// touching the target database.
func (db *TimedDB) DumpSnapshot(w io.Writer) error {
	db.gate.Lock() // full write-gate, not enter(): needs a globally consistent walk
	defer db.gate.Unlock()
	if db.closed {
		return newErr(Invalid, "database is closed")
	}

	var body writeCounter
	crc := crc32.NewIEEE()
	mw := io.MultiWriter(&body, crc)
	bw := bufio.NewWriterSize(mw, ssioUnit)

	var count int64
	k, ok := db.store.First()
	for ok {
		v, xt, live := db.rawGet(k)
		next, hasNext := db.store.Next(k)
		if live {
			if err := writeRecord(bw, k, v, xt); err != nil {
				return wrapErr(System, err, "writing snapshot record")
			}
			count++
		}
		k, ok = next, hasNext
	}
	if err := bw.Flush(); err != nil {
		return wrapErr(System, err, "flushing snapshot body")
	}

	header := make([]byte, 4+4+8+8+8)
	copy(header[0:4], snapshotMagic[:])
	binary.BigEndian.PutUint32(header[4:8], crc.Sum32())
	binary.BigEndian.PutUint64(header[8:16], uint64(db.now().Unix()))
	binary.BigEndian.PutUint64(header[16:24], uint64(count))
	binary.BigEndian.PutUint64(header[24:32], uint64(body.n))

	out := bufio.NewWriterSize(w, ssioUnit)
	if _, err := out.Write(header); err != nil {
		return wrapErr(System, err, "writing snapshot header")
	}
	if _, err := out.Write(body.buf); err != nil {
		return wrapErr(System, err, "writing snapshot body")
	}
	if err := out.Flush(); err != nil {
		return wrapErr(System, err, "flushing snapshot")
	}
	return nil
}

// writeCounter buffers the record stream so its length and checksum are
// known before the header (which carries both) is emitted.
type writeCounter struct {
	buf []byte
	n   int64
}

func (c *writeCounter) Write(p []byte) (int, error) {
	c.buf = append(c.buf, p...)
	c.n += int64(len(p))
	return len(p), nil
}

func writeRecord(w io.Writer, key, value []byte, xt uint64) error {
	var hdr [1 + binary.MaxVarintLen64*2]byte
	hdr[0] = recordTag
	n := 1
	n += binary.PutUvarint(hdr[n:], uint64(len(key)))
	n += binary.PutUvarint(hdr[n:], uint64(len(value)))
	if _, err := w.Write(hdr[:n]); err != nil {
		return err
	}
	if _, err := w.Write(key); err != nil {
		return err
	}
	if _, err := w.Write(value); err != nil {
		return err
	}
	var xtBuf [8]byte
	binary.BigEndian.PutUint64(xtBuf[:], xt)
	_, err := w.Write(xtBuf[:])
	return err
}

// LoadSnapshot replaces the database's contents with the records read
// from r, validating the header checksum before applying anything so a
// truncated or corrupt snapshot never partially clobbers a live
// database.
func (db *TimedDB) LoadSnapshot(r io.Reader) error {
	br := bufio.NewReaderSize(r, ssioUnit)

	header := make([]byte, 4+4+8+8+8)
	if _, err := io.ReadFull(br, header); err != nil {
		return wrapErr(Broken, err, "reading snapshot header")
	}
	if string(header[0:4]) != string(snapshotMagic[:]) {
		return newErr(Broken, "bad snapshot magic")
	}
	wantCRC := binary.BigEndian.Uint32(header[4:8])
	wantCount := binary.BigEndian.Uint64(header[16:24])
	wantSize := binary.BigEndian.Uint64(header[24:32])

	body := make([]byte, wantSize)
	if _, err := io.ReadFull(br, body); err != nil {
		return wrapErr(Broken, err, "reading snapshot body")
	}
	if crc32.ChecksumIEEE(body) != wantCRC {
		return newErr(Broken, "snapshot checksum mismatch")
	}

	records := make([]snapshotRecord, 0, wantCount)
	rdr := bytes.NewReader(body)
	for rdr.Len() > 0 {
		rec, err := readRecord(rdr)
		if err != nil {
			return wrapErr(Broken, err, "parsing snapshot record")
		}
		records = append(records, rec)
	}
	if uint64(len(records)) != wantCount {
		return newErr(Broken, "snapshot record count mismatch")
	}

	// Replay through the real verbs so the update trigger sees a CLEAR
	// followed by one SET per restored record; a slave tailing the log
	// converges on the loaded snapshot.
	if err := db.Clear(); err != nil {
		return err
	}
	for _, rec := range records {
		if err := db.Set(rec.key, rec.value, negAbs(rec.xt)); err != nil {
			return err
		}
	}
	return nil
}

type snapshotRecord struct {
	key, value []byte
	xt         uint64
}

func readRecord(r *bytes.Reader) (snapshotRecord, error) {
	tag, err := r.ReadByte()
	if err != nil {
		return snapshotRecord{}, err
	}
	if tag != recordTag {
		return snapshotRecord{}, newErr(Broken, "unexpected record tag")
	}
	ksiz, err := binary.ReadUvarint(r)
	if err != nil {
		return snapshotRecord{}, err
	}
	vsiz, err := binary.ReadUvarint(r)
	if err != nil {
		return snapshotRecord{}, err
	}
	key := make([]byte, ksiz)
	if _, err := io.ReadFull(r, key); err != nil {
		return snapshotRecord{}, err
	}
	value := make([]byte, vsiz)
	if _, err := io.ReadFull(r, value); err != nil {
		return snapshotRecord{}, err
	}
	var xtBuf [8]byte
	if _, err := io.ReadFull(r, xtBuf[:]); err != nil {
		return snapshotRecord{}, err
	}
	return snapshotRecord{key: key, value: value, xt: binary.BigEndian.Uint64(xtBuf[:])}, nil
}
