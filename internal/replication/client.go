package replication

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Frame is one message read off a replication stream by the client
// side: either a data record (Payload set, possibly empty for a dummy
// frame) or a nop heartbeat (IsNop set).
type Frame struct {
	IsNop     bool
	Ts        uint64
	CurrentTs uint64 // valid only when IsNop
	Payload   []byte
}

// Session is the client (slave) side of one replication connection.
type Session struct {
	conn io.ReadWriter
}

// OpenSession sends the C→S open frame and waits for the server's ack.
func OpenSession(conn io.ReadWriter, fromTs uint64, sid uint16, whiteSID bool) (*Session, error) {
	var flags uint32
	if whiteSID {
		flags |= FlagWhiteSID
	}
	var buf [1 + 4 + 8 + 2]byte
	buf[0] = MagicReplication
	binary.BigEndian.PutUint32(buf[1:5], flags)
	binary.BigEndian.PutUint64(buf[5:13], fromTs)
	binary.BigEndian.PutUint16(buf[13:15], sid)
	if _, err := conn.Write(buf[:]); err != nil {
		return nil, fmt.Errorf("replication: sending open frame: %w", err)
	}

	var ack [1]byte
	if _, err := io.ReadFull(conn, ack[:]); err != nil {
		return nil, fmt.Errorf("replication: reading ack: %w", err)
	}
	switch ack[0] {
	case MagicReplication:
		return &Session{conn: conn}, nil
	case MagicError:
		return nil, fmt.Errorf("replication: server rejected session")
	default:
		return nil, fmt.Errorf("replication: unexpected ack byte 0x%02x", ack[0])
	}
}

// Next reads one frame, either a nop heartbeat or a data record. Data
// and dummy records stream without acknowledgement; for a nop the
// caller must call Resume before calling Next again.
func (s *Session) Next() (Frame, error) {
	var magic [1]byte
	if _, err := io.ReadFull(s.conn, magic[:]); err != nil {
		return Frame{}, fmt.Errorf("replication: reading frame magic: %w", err)
	}
	switch magic[0] {
	case MagicNop:
		var tsBuf [8]byte
		if _, err := io.ReadFull(s.conn, tsBuf[:]); err != nil {
			return Frame{}, fmt.Errorf("replication: reading nop body: %w", err)
		}
		return Frame{IsNop: true, CurrentTs: binary.BigEndian.Uint64(tsBuf[:])}, nil
	case MagicReplication:
		var hdr [8 + 4]byte
		if _, err := io.ReadFull(s.conn, hdr[:]); err != nil {
			return Frame{}, fmt.Errorf("replication: reading data header: %w", err)
		}
		ts := binary.BigEndian.Uint64(hdr[0:8])
		size := binary.BigEndian.Uint32(hdr[8:12])
		payload := make([]byte, size)
		if size > 0 {
			if _, err := io.ReadFull(s.conn, payload); err != nil {
				return Frame{}, fmt.Errorf("replication: reading payload: %w", err)
			}
		}
		return Frame{Ts: ts, Payload: payload}, nil
	case MagicError:
		return Frame{}, fmt.Errorf("replication: server sent fatal error frame")
	default:
		return Frame{}, fmt.Errorf("replication: unexpected frame magic 0x%02x", magic[0])
	}
}

// Resume tells the server to continue after a nop heartbeat.
func (s *Session) Resume() error {
	_, err := s.conn.Write([]byte{MagicReplication})
	return err
}
