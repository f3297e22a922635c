package replication

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/ktd/internal/ulog"
)

// heartbeatInterval bounds how long the server waits for a fresh
// record before sending a nop, keeping the 60s soft read timeout on
// the client side comfortably fed.
const heartbeatInterval = 5 * time.Second

// Rate control: every emitted data record accumulates
// rateInterval units; once rateChunk units have accumulated the server
// sleeps rateSleep and subtracts them. A nop contributes
// rateInterval * DummyFreq / 4 so idle streams stay bounded too.
const (
	rateInterval = 1
	rateChunk    = 100
	rateSleep    = 100 * time.Millisecond
)

// ServeStream runs the server side of one replication session: read
// the client's open frame, ack, then loop sending filtered records
// until the client disconnects or log is closed. log is the master's
// own update log, read starting from the client's requested ts.
func ServeStream(conn io.ReadWriter, log *ulog.Logger, logger *logrus.Logger) error {
	if logger == nil {
		logger = logrus.New()
	}

	var openHdr [1 + 4 + 8 + 2]byte
	if _, err := io.ReadFull(conn, openHdr[:]); err != nil {
		return fmt.Errorf("replication: reading open frame: %w", err)
	}
	if openHdr[0] != MagicReplication {
		return fmt.Errorf("replication: bad open magic 0x%02x", openHdr[0])
	}
	flags := binary.BigEndian.Uint32(openHdr[1:5])
	fromTs := binary.BigEndian.Uint64(openHdr[5:13])
	sid := binary.BigEndian.Uint16(openHdr[13:15])
	whiteSID := flags&FlagWhiteSID != 0

	if _, err := conn.Write([]byte{MagicReplication}); err != nil {
		return fmt.Errorf("replication: writing ack: %w", err)
	}

	reader, err := ulog.OpenReader(log, fromTs)
	if err != nil {
		conn.Write([]byte{MagicError})
		return fmt.Errorf("replication: opening reader at %d: %w", fromTs, err)
	}
	defer reader.Close()

	var accum int64
	var filteredSinceDummy int

	for {
		ts, payload, timedOut, err := reader.ReadTimeout(heartbeatInterval)
		if err != nil {
			return err
		}
		if timedOut {
			if err := sendNop(conn, log.ClockPure()); err != nil {
				return err
			}
			accum += int64(rateInterval * DummyFreq / 4)
			throttle(&accum)
			var resume [1]byte
			if _, err := io.ReadFull(conn, resume[:]); err != nil {
				return fmt.Errorf("replication: waiting for resume byte: %w", err)
			}
			if resume[0] != MagicReplication {
				return fmt.Errorf("replication: bad resume byte 0x%02x", resume[0])
			}
			continue
		}

		dec, derr := decodePayload(payload)
		var keep bool
		if derr == nil {
			keep = ShouldApply(dec.SID, sid, whiteSID)
		}
		if !keep {
			filteredSinceDummy++
			if filteredSinceDummy < DummyFreq {
				continue
			}
			filteredSinceDummy = 0
			if err := sendData(conn, ts, nil); err != nil {
				return err
			}
		} else {
			filteredSinceDummy = 0
			if err := sendData(conn, ts, payload); err != nil {
				return err
			}
		}

		accum += rateInterval
		throttle(&accum)
	}
}

func throttle(accum *int64) {
	for *accum >= rateChunk {
		time.Sleep(rateSleep)
		*accum -= rateChunk
	}
}

func sendNop(w io.Writer, currentTs uint64) error {
	var buf [1 + 8]byte
	buf[0] = MagicNop
	binary.BigEndian.PutUint64(buf[1:], currentTs)
	_, err := w.Write(buf[:])
	return err
}

func sendData(w io.Writer, ts uint64, payload []byte) error {
	var hdr [1 + 8 + 4]byte
	hdr[0] = MagicReplication
	binary.BigEndian.PutUint64(hdr[1:9], ts)
	binary.BigEndian.PutUint32(hdr[9:13], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	_, err := w.Write(payload)
	return err
}
