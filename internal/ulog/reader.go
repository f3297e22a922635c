package ulog

import (
	"errors"
	"io"
	"os"
	"sync"
	"time"
)

// ErrClosed is returned by Read once the Reader has been closed.
var ErrClosed = errors.New("ulog: reader closed")

// Reader tails the update log from a starting timestamp, following
// rotations transparently and blocking at the tip until new data
// arrives or it is closed.
type Reader struct {
	logger  *Logger
	f       *os.File
	firstTs uint64

	closeOnce sync.Once
	closeCh   chan struct{}
}

// OpenReader locates the oldest file that could contain a record with
// ts >= fromTs and seeks to the first such record.
func OpenReader(l *Logger, fromTs uint64) (*Reader, error) {
	lf := l.findStartFile(fromTs)
	if lf == nil {
		return nil, errors.New("ulog: no log files")
	}
	f, err := os.Open(lf.path)
	if err != nil {
		return nil, err
	}
	if err := seekToTs(f, fromTs); err != nil && err != io.EOF {
		f.Close()
		return nil, err
	}
	return &Reader{logger: l, f: f, firstTs: lf.firstTs, closeCh: make(chan struct{})}, nil
}

// seekToTs advances past every record with ts < fromTs, leaving the
// file positioned at the first record with ts >= fromTs (or at EOF).
func seekToTs(f *os.File, fromTs uint64) error {
	for {
		pos, err := f.Seek(0, io.SeekCurrent)
		if err != nil {
			return err
		}
		ts, _, err := readRecordAt(f)
		if err != nil {
			_, serr := f.Seek(pos, io.SeekStart)
			if serr != nil {
				return serr
			}
			return err
		}
		if ts >= fromTs {
			_, err := f.Seek(pos, io.SeekStart)
			return err
		}
	}
}

func (l *Logger) findStartFile(fromTs uint64) *logFile {
	l.mu.Lock()
	defer l.mu.Unlock()
	var chosen *logFile
	for pair := l.files.Oldest(); pair != nil; pair = pair.Next() {
		if pair.Value.firstTs <= fromTs {
			chosen = pair.Value
			continue
		}
		break
	}
	if chosen == nil {
		if pair := l.files.Oldest(); pair != nil {
			chosen = pair.Value
		}
	}
	return chosen
}

func (l *Logger) nextFileAfter(firstTs uint64) (*logFile, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for pair := l.files.Oldest(); pair != nil; pair = pair.Next() {
		if pair.Value.firstTs > firstTs {
			return pair.Value, true
		}
	}
	return nil, false
}

func (l *Logger) isCurrent(firstTs uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cur != nil && l.cur.firstTs == firstTs
}

// Read returns the next record, blocking when the reader has caught up
// to the tip of the newest file until either a new record is written
// or the reader is closed.
func (r *Reader) Read() (ts uint64, payload []byte, err error) {
	ts, payload, _, err = r.ReadTimeout(0)
	return ts, payload, err
}

// ReadTimeout is Read with a bounded wait: if no record is available
// within d (d <= 0 means wait forever), it returns timedOut=true and a
// nil error instead of blocking indefinitely. The binary replication
// handler uses this to emit heartbeat nop frames.
func (r *Reader) ReadTimeout(d time.Duration) (ts uint64, payload []byte, timedOut bool, err error) {
	for {
		pos, serr := r.f.Seek(0, io.SeekCurrent)
		if serr != nil {
			return 0, nil, false, serr
		}
		ts, payload, err = readRecordAt(r.f)
		if err == nil {
			return ts, payload, false, nil
		}
		if err != io.EOF && err != io.ErrUnexpectedEOF {
			return 0, nil, false, err
		}
		if _, serr := r.f.Seek(pos, io.SeekStart); serr != nil {
			return 0, nil, false, serr
		}

		if nf, ok := r.logger.nextFileAfter(r.firstTs); ok {
			r.f.Close()
			nextF, oerr := os.Open(nf.path)
			if oerr != nil {
				return 0, nil, false, oerr
			}
			r.f = nextF
			r.firstTs = nf.firstTs
			continue
		}

		wake := r.logger.wakeChan()
		r.logger.mu.Lock()
		closed := r.logger.closed
		r.logger.mu.Unlock()
		if closed {
			return 0, nil, false, ErrClosed
		}
		if d <= 0 {
			select {
			case <-r.closeCh:
				return 0, nil, false, ErrClosed
			case <-wake:
				continue
			}
		}
		timer := time.NewTimer(d)
		select {
		case <-r.closeCh:
			timer.Stop()
			return 0, nil, false, ErrClosed
		case <-wake:
			timer.Stop()
			continue
		case <-timer.C:
			return 0, nil, true, nil
		}
	}
}

// Close releases the reader's open file handle and unblocks any
// in-flight Read.
func (r *Reader) Close() error {
	r.closeOnce.Do(func() { close(r.closeCh) })
	return r.f.Close()
}
