package worker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"github.com/smallnest/ringbuffer"

	"github.com/srg/ktd/internal/replication"
	"github.com/srg/ktd/internal/timeddb"
)

// Binary wire magics, the first byte of every binary-mode request.
const (
	MagicNop         byte = 0xB0
	MagicReplication byte = 0xB1
	MagicPlayScript  byte = 0xB2
	MagicSetBulk     byte = 0xB8
	MagicRemoveBulk  byte = 0xB9
	MagicGetBulk     byte = 0xBA
	MagicError       byte = 0xBF
)

// FlagNoReply suppresses the response frame for set_bulk, remove_bulk
// and play_script requests.
const FlagNoReply uint32 = 0x01

const binaryRingCap = 64 * 1024

// responseRing assembles one binary response out of many small writes
// before a single drain to the socket.
type responseRing struct {
	ring *ringbuffer.RingBuffer
	err  error
}

func newResponseRing() *responseRing {
	return &responseRing{ring: ringbuffer.New(binaryRingCap)}
}

func (r *responseRing) Write(p []byte) (int, error) {
	if r.err != nil {
		return 0, r.err
	}
	n, err := r.ring.Write(p)
	if err != nil {
		r.err = err
	}
	return n, err
}

// drain flushes the assembled response to w.
func (r *responseRing) drain(w io.Writer) error {
	if r.err != nil {
		return r.err
	}
	buf := make([]byte, 4096)
	for !r.ring.IsEmpty() {
		n, err := r.ring.TryRead(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if err != nil {
			break
		}
	}
	return nil
}

// ServeBinary handles one binary-protocol connection: the first byte of each request selects replication
// hand-off, play_script, or one of the bulk operations. A replication
// magic surrenders the whole connection to the streaming handler.
func (srv *Server) ServeBinary(ctx context.Context, conn net.Conn, id uint64) {
	defer conn.Close()
	sess := NewSession(id)
	defer sess.Close()

	br := bufio.NewReader(conn)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		magic, err := br.ReadByte()
		if err != nil {
			return
		}
		switch magic {
		case MagicNop:
			continue
		case MagicReplication:
			// ServeStream reads the full open frame itself; hand it the
			// magic back along with the rest of the buffered stream.
			rw := struct {
				io.Reader
				io.Writer
			}{io.MultiReader(bytes.NewReader([]byte{magic}), br), conn}
			if err := replication.ServeStream(rw, srv.Log, srv.Logger); err != nil {
				srv.Logger.WithError(err).Warn("replication stream ended")
			}
			return
		case MagicPlayScript:
			err = srv.binaryPlayScript(br, conn, sess)
		case MagicSetBulk:
			err = srv.binarySetBulk(br, conn, sess)
		case MagicRemoveBulk:
			err = srv.binaryRemoveBulk(br, conn, sess)
		case MagicGetBulk:
			err = srv.binaryGetBulk(br, conn, sess)
		default:
			conn.Write([]byte{MagicError})
			return
		}
		if err != nil {
			srv.Logger.WithError(err).Debug("binary request failed")
			conn.Write([]byte{MagicError})
			return
		}
	}
}

func readU16(r io.Reader) (uint16, error) {
	var b [2]byte
	_, err := io.ReadFull(r, b[:])
	return binary.BigEndian.Uint16(b[:]), err
}

func readU32(r io.Reader) (uint32, error) {
	var b [4]byte
	_, err := io.ReadFull(r, b[:])
	return binary.BigEndian.Uint32(b[:]), err
}

func readU64(r io.Reader) (uint64, error) {
	var b [8]byte
	_, err := io.ReadFull(r, b[:])
	return binary.BigEndian.Uint64(b[:]), err
}

func readBytes(r io.Reader, n uint32) ([]byte, error) {
	buf := make([]byte, n)
	_, err := io.ReadFull(r, buf)
	return buf, err
}

func writeU16(w io.Writer, v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	w.Write(b[:])
}

func writeU32(w io.Writer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	w.Write(b[:])
}

func writeU64(w io.Writer, v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	w.Write(b[:])
}

func (srv *Server) dbAt(idx uint16) (*timeddb.TimedDB, error) {
	dbs := srv.Registry.All()
	if int(idx) >= len(dbs) {
		return nil, fmt.Errorf("worker: no database at index %d", idx)
	}
	return dbs[idx], nil
}

// binarySetBulk: flags(u32) rnum(u32) then rnum records of
// dbidx(u16) ksiz(u32) vsiz(u32) xt(u64) key value. Reply (unless
// NOREPLY): magic + stored-count(u32).
func (srv *Server) binarySetBulk(r io.Reader, conn net.Conn, sess *Session) error {
	flags, err := readU32(r)
	if err != nil {
		return err
	}
	rnum, err := readU32(r)
	if err != nil {
		return err
	}
	var hits uint32
	for i := uint32(0); i < rnum; i++ {
		dbidx, err := readU16(r)
		if err != nil {
			return err
		}
		ksiz, err := readU32(r)
		if err != nil {
			return err
		}
		vsiz, err := readU32(r)
		if err != nil {
			return err
		}
		xt, err := readU64(r)
		if err != nil {
			return err
		}
		key, err := readBytes(r, ksiz)
		if err != nil {
			return err
		}
		value, err := readBytes(r, vsiz)
		if err != nil {
			return err
		}
		db, err := srv.dbAt(dbidx)
		if err != nil {
			sess.Counters.addSet(false)
			continue
		}
		serr := db.Set(key, value, int64(xt))
		sess.Counters.addSet(serr == nil)
		if serr == nil {
			hits++
		}
	}
	if flags&FlagNoReply != 0 {
		return nil
	}
	out := newResponseRing()
	out.Write([]byte{MagicSetBulk})
	writeU32(out, hits)
	return out.drain(conn)
}

// binaryRemoveBulk: flags(u32) rnum(u32) then rnum records of
// dbidx(u16) ksiz(u32) key. Reply: magic + removed-count(u32).
func (srv *Server) binaryRemoveBulk(r io.Reader, conn net.Conn, sess *Session) error {
	flags, err := readU32(r)
	if err != nil {
		return err
	}
	rnum, err := readU32(r)
	if err != nil {
		return err
	}
	var hits uint32
	for i := uint32(0); i < rnum; i++ {
		dbidx, err := readU16(r)
		if err != nil {
			return err
		}
		ksiz, err := readU32(r)
		if err != nil {
			return err
		}
		key, err := readBytes(r, ksiz)
		if err != nil {
			return err
		}
		db, err := srv.dbAt(dbidx)
		if err != nil {
			sess.Counters.addRemove(false)
			continue
		}
		rerr := db.Remove(key)
		sess.Counters.addRemove(rerr == nil)
		if rerr == nil {
			hits++
		}
	}
	if flags&FlagNoReply != 0 {
		return nil
	}
	out := newResponseRing()
	out.Write([]byte{MagicRemoveBulk})
	writeU32(out, hits)
	return out.drain(conn)
}

// binaryGetBulk: flags(u32) rnum(u32) then rnum records of dbidx(u16)
// ksiz(u32) key. Reply: magic + hit-count(u32) + per hit dbidx(u16)
// ksiz(u32) vsiz(u32) xt(u64) key value.
func (srv *Server) binaryGetBulk(r io.Reader, conn net.Conn, sess *Session) error {
	if _, err := readU32(r); err != nil { // flags, unused for get
		return err
	}
	rnum, err := readU32(r)
	if err != nil {
		return err
	}
	type hit struct {
		dbidx uint16
		key   []byte
		value []byte
		xt    uint64
	}
	var hitList []hit
	for i := uint32(0); i < rnum; i++ {
		dbidx, err := readU16(r)
		if err != nil {
			return err
		}
		ksiz, err := readU32(r)
		if err != nil {
			return err
		}
		key, err := readBytes(r, ksiz)
		if err != nil {
			return err
		}
		db, err := srv.dbAt(dbidx)
		if err != nil {
			sess.Counters.addGet(false)
			continue
		}
		value, xt, gerr := db.Get(key)
		sess.Counters.addGet(gerr == nil)
		if gerr != nil {
			continue
		}
		hitList = append(hitList, hit{dbidx: dbidx, key: key, value: value, xt: xt})
	}
	out := newResponseRing()
	out.Write([]byte{MagicGetBulk})
	writeU32(out, uint32(len(hitList)))
	for _, h := range hitList {
		writeU16(out, h.dbidx)
		writeU32(out, uint32(len(h.key)))
		writeU32(out, uint32(len(h.value)))
		writeU64(out, h.xt)
		out.Write(h.key)
		out.Write(h.value)
	}
	return out.drain(conn)
}

// binaryPlayScript: flags(u32) nsiz(u32) rnum(u32) name then rnum
// records of ksiz(u32) vsiz(u32) key value. Reply (unless NOREPLY):
// magic + rnum(u32) + records in the same shape.
func (srv *Server) binaryPlayScript(r io.Reader, conn net.Conn, sess *Session) error {
	flags, err := readU32(r)
	if err != nil {
		return err
	}
	nsiz, err := readU32(r)
	if err != nil {
		return err
	}
	rnum, err := readU32(r)
	if err != nil {
		return err
	}
	name, err := readBytes(r, nsiz)
	if err != nil {
		return err
	}
	params := make(map[string]string, rnum)
	for i := uint32(0); i < rnum; i++ {
		ksiz, err := readU32(r)
		if err != nil {
			return err
		}
		vsiz, err := readU32(r)
		if err != nil {
			return err
		}
		key, err := readBytes(r, ksiz)
		if err != nil {
			return err
		}
		value, err := readBytes(r, vsiz)
		if err != nil {
			return err
		}
		params[string(key)] = string(value)
	}

	sess.Counters.addScript()
	if srv.Script == nil {
		return fmt.Errorf("worker: scripting not enabled")
	}
	result, err := srv.Script.Call(string(name), params)
	if err != nil {
		return err
	}
	if flags&FlagNoReply != 0 {
		return nil
	}
	out := newResponseRing()
	out.Write([]byte{MagicPlayScript})
	writeU32(out, uint32(len(result)))
	for k, v := range result {
		writeU32(out, uint32(len(k)))
		writeU32(out, uint32(len(v)))
		out.Write([]byte(k))
		out.Write([]byte(v))
	}
	return out.drain(conn)
}
