package replication

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/ktd/internal/timeddb"
)

// State is a slave thread's position in its connection state machine:
//
//	INIT → CONNECT → STREAMING ⇄ DEFERRED
//	            │
//	            └→ RECONFIGURED → CONNECT
type State int

const (
	StateInit State = iota
	StateConnect
	StateStreaming
	StateDeferred
	StateReconfigured
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateConnect:
		return "CONNECT"
	case StateStreaming:
		return "STREAMING"
	case StateDeferred:
		return "DEFERRED"
	case StateReconfigured:
		return "RECONFIGURED"
	default:
		return "UNKNOWN"
	}
}

// rtsFileWidth is the fixed size of a persisted rts file.
const rtsFileWidth = 21

// Dialer opens a fresh connection to the master. Socket-level framing
// below the Poller abstraction is out of scope; callers supply whatever transport they
// use (net.Dial, a test pipe, ...).
type Dialer func(ctx context.Context) (io.ReadWriteCloser, error)

// reconfigRequest is queued by TuneReplication and consumed by the
// stream loop on its next opportunity.
type reconfigRequest struct {
	dial Dialer
	ts   uint64
}

// Slave drives one replication consumer: it connects to a master,
// streams records into db, and persists its read timestamp so it can
// resume after a restart.
type Slave struct {
	DB       *timeddb.TimedDB
	DBID     uint16
	SID      uint16
	WhiteSID bool
	RTSPath  string
	Dial     Dialer
	Log      *logrus.Logger

	state    State
	rts      uint64
	reconfig chan reconfigRequest
}

// NewSlave constructs a Slave ready for Run.
func NewSlave(db *timeddb.TimedDB, dbid, sid uint16, rtsPath string, dial Dialer, logger *logrus.Logger) *Slave {
	if logger == nil {
		logger = logrus.New()
	}
	return &Slave{
		DB: db, DBID: dbid, SID: sid, RTSPath: rtsPath, Dial: dial, Log: logger,
		state:    StateInit,
		reconfig: make(chan reconfigRequest, 1),
	}
}

// State returns the slave's current state machine position.
func (s *Slave) State() State { return s.state }

// TuneReplication requests the slave reconnect to a new master at ts,
// implementing the `tune_replication` RPC method.
func (s *Slave) TuneReplication(dial Dialer, ts uint64) {
	select {
	case s.reconfig <- reconfigRequest{dial: dial, ts: ts}:
	default:
		// replace the pending request
		select {
		case <-s.reconfig:
		default:
		}
		s.reconfig <- reconfigRequest{dial: dial, ts: ts}
	}
}

// Run drives the state machine until ctx is cancelled.
func (s *Slave) Run(ctx context.Context) error {
	s.rts = loadRTS(s.RTSPath)
	s.state = StateConnect
	dial := s.Dial

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		switch s.state {
		case StateConnect:
			conn, err := dial(ctx)
			if err != nil {
				s.Log.WithError(err).Warn("replication: connect failed")
				s.state = StateDeferred
				continue
			}
			fromTs := s.rts
			if fromTs > 0 {
				fromTs++ // resume after the last consumed record
			}
			sess, err := OpenSession(conn, fromTs, s.SID, s.WhiteSID)
			if err != nil {
				conn.Close()
				s.Log.WithError(err).Warn("replication: open session failed")
				s.state = StateDeferred
				continue
			}
			s.state = StateStreaming
			stop := context.AfterFunc(ctx, func() { conn.Close() })
			reconfigured, err := s.stream(ctx, sess, &dial)
			stop()
			conn.Close()
			if err != nil {
				s.Log.WithError(err).Warn("replication: stream ended")
			}
			if reconfigured {
				s.state = StateReconfigured
			} else {
				s.state = StateDeferred
			}

		case StateDeferred:
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(1 * time.Second):
			}
			s.state = StateConnect

		case StateReconfigured:
			s.state = StateConnect

		default:
			s.state = StateConnect
		}
	}
}

// stream consumes frames until the session ends, an error occurs, or a
// reconfiguration is requested (in which case dial is updated in
// place and reconfigured=true is returned).
func (s *Slave) stream(ctx context.Context, sess *Session, dial *Dialer) (reconfigured bool, err error) {
	for {
		select {
		case <-ctx.Done():
			return false, nil
		case req := <-s.reconfig:
			*dial = req.dial
			s.rts = req.ts
			s.persistRTS()
			return true, nil
		default:
		}

		frame, err := sess.Next()
		if err != nil {
			return false, err
		}
		if frame.IsNop {
			s.rts = frame.CurrentTs
			s.persistRTS()
			if err := sess.Resume(); err != nil {
				return false, err
			}
			continue
		}

		if len(frame.Payload) > 0 {
			if err := ApplyRecord(s.DB, s.DBID, frame.Payload); err != nil {
				s.Log.WithError(err).Warn("replication: applying record")
			}
		}
		s.rts = frame.Ts
		s.persistRTS()
	}
}

// persistRTS flushes the current read timestamp to RTSPath via
// write-temp-then-rename so a crash mid-write never leaves a garbled
// file in place.
func (s *Slave) persistRTS() {
	if s.RTSPath == "" {
		return
	}
	tmp := s.RTSPath + ".tmp"
	body := fmt.Sprintf("%020d\n", s.rts)
	if len(body) != rtsFileWidth {
		body = body[:rtsFileWidth]
	}
	if err := os.WriteFile(tmp, []byte(body), 0o644); err != nil {
		s.Log.WithError(err).Warn("replication: writing rts tmp file")
		return
	}
	if err := os.Rename(tmp, s.RTSPath); err != nil {
		s.Log.WithError(err).Warn("replication: renaming rts file")
	}
}

// loadRTS reads a previously persisted rts file, treating any
// unparsable (garbled) content as rts=0 rather than failing startup.
func loadRTS(path string) uint64 {
	if path == "" {
		return 0
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	ts, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0
	}
	return ts
}
