// Package ulog implements the update log: an append-only, rolling set
// of timestamped operation records. A single Logger owns the write
// side; any number of Readers may tail it concurrently without
// blocking the writer.
package ulog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/sirupsen/logrus"
	"github.com/srg/ktd/internal/groutine"
)

// FileInfo describes one rolling log file, as returned by List and the
// `ulog_list` RPC method.
type FileInfo struct {
	Path    string
	Size    int64
	FirstTs uint64
}

type logFile struct {
	path    string
	firstTs uint64
	f       *os.File
	size    int64
}

// Logger is the write side of the update log. Every exported method is
// safe for concurrent use; one writer lock and any number of Reader
// handles may run concurrently, and readers never block the writer.
type Logger struct {
	mu   sync.Mutex
	dir  string
	log  *logrus.Logger
	done chan struct{}
	wg   sync.WaitGroup

	fileLimit int64
	files     *orderedmap.OrderedMap[uint64, *logFile]
	cur       *logFile
	lastTs    uint64
	closed    bool

	// wake is closed and replaced every time new data is durable or a
	// rotation happens, so blocked Readers can select on it without a
	// dedicated condition-variable type.
	wakeMu sync.Mutex
	wake   chan struct{}

	metrics *Metrics
}

const filenameDigits = 20

func fileName(firstTs uint64) string {
	return fmt.Sprintf("%0*d.ulog", filenameDigits, firstTs)
}

// Open creates dir if needed, enumerates any existing *.ulog files
// ordered by their numeric (timestamp) name, and opens (or creates)
// the newest for append. If asyncSyncInterval > 0, a background
// goroutine calls File.Sync() on that cadence.
func Open(dir string, fileLimit int64, asyncSyncInterval time.Duration, logger *logrus.Logger) (*Logger, error) {
	if logger == nil {
		logger = noopLogger()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("ulog: mkdir %s: %w", dir, err)
	}

	l := &Logger{
		dir:       dir,
		log:       logger,
		fileLimit: fileLimit,
		files:     orderedmap.New[uint64, *logFile](),
		done:      make(chan struct{}),
		wake:      make(chan struct{}),
		metrics:   newMetrics(),
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("ulog: readdir %s: %w", dir, err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".ulog" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		var ts uint64
		if _, err := fmt.Sscanf(name, "%020d.ulog", &ts); err != nil {
			continue
		}
		path := filepath.Join(dir, name)
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		l.files.Set(ts, &logFile{path: path, firstTs: ts, size: info.Size()})
	}

	if pair := l.files.Newest(); pair != nil {
		f, err := os.OpenFile(pair.Value.path, os.O_RDWR|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("ulog: reopen %s: %w", pair.Value.path, err)
		}
		pair.Value.f = f
		l.cur = pair.Value
		l.lastTs = scanLastTs(f, pair.Value.size)
	} else if err := l.rotate(0); err != nil {
		return nil, err
	}

	if asyncSyncInterval > 0 {
		l.wg.Add(1)
		groutine.Go(nil, "ulog-flusher", func(_ context.Context) {
			l.flushLoop(asyncSyncInterval)
		})
	}

	return l, nil
}

func (l *Logger) flushLoop(interval time.Duration) {
	defer l.wg.Done()
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-l.done:
			return
		case <-t.C:
			l.mu.Lock()
			if l.cur != nil && l.cur.f != nil {
				_ = l.cur.f.Sync()
			}
			l.mu.Unlock()
		}
	}
}

func noopLogger() *logrus.Logger {
	lg := logrus.New()
	lg.SetOutput(discard{})
	return lg
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

// rotate creates a new log file named for the given first timestamp
// and makes it current, closing the previous file if any.
func (l *Logger) rotate(firstTs uint64) error {
	if l.cur != nil && l.cur.f != nil {
		_ = l.cur.f.Close()
	}
	path := filepath.Join(l.dir, fileName(firstTs))
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("ulog: create %s: %w", path, err)
	}
	nf := &logFile{path: path, firstTs: firstTs, f: f}
	l.files.Set(firstTs, nf)
	l.cur = nf
	return nil
}

// clock returns a strictly non-decreasing opaque timestamp: wall-clock
// nanoseconds, except when the wall clock regresses, in which case the
// previous value plus one is reused.
func (l *Logger) clock() uint64 {
	now := uint64(time.Now().UnixNano())
	if now <= l.lastTs {
		now = l.lastTs + 1
	}
	l.lastTs = now
	return now
}

// ClockPure returns the logger's current clock value without writing a
// record, so callers (the replication slave) can compute lag.
func (l *Logger) ClockPure() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastTs
}

// Write appends payload as a new framed record, rotating to a new file
// first if the current one has reached fileLimit.
func (l *Logger) Write(payload []byte) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return 0, fmt.Errorf("ulog: logger closed")
	}

	ts := l.clock()
	if l.fileLimit > 0 && l.cur.size >= l.fileLimit {
		if err := l.rotate(ts); err != nil {
			return 0, err
		}
		l.metrics.recordRotation()
	}

	n, err := writeRecord(l.cur.f, ts, payload)
	if err != nil {
		return 0, fmt.Errorf("ulog: write: %w", err)
	}
	l.cur.size += int64(n)
	l.metrics.recordWrite(ts, len(payload))
	l.broadcast()
	return ts, nil
}

// broadcast wakes every Reader blocked waiting for new data, mirroring
// the classic "close and replace a channel" fan-out broadcast.
func (l *Logger) broadcast() {
	l.wakeMu.Lock()
	close(l.wake)
	l.wake = make(chan struct{})
	l.wakeMu.Unlock()
}

func (l *Logger) wakeChan() chan struct{} {
	l.wakeMu.Lock()
	defer l.wakeMu.Unlock()
	return l.wake
}

// List returns a snapshot of every rolling file, oldest first.
func (l *Logger) List() []FileInfo {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []FileInfo
	for pair := l.files.Oldest(); pair != nil; pair = pair.Next() {
		size := pair.Value.size
		if pair.Value == l.cur {
			if st, err := pair.Value.f.Stat(); err == nil {
				size = st.Size()
			}
		}
		out = append(out, FileInfo{Path: pair.Value.path, Size: size, FirstTs: pair.Value.firstTs})
	}
	return out
}

// Remove deletes a non-current rolling file from disk and the
// registry (`ulog_remove`). Removing the current (actively-written)
// file is refused.
func (l *Logger) Remove(firstTs uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	lf, ok := l.files.Get(firstTs)
	if !ok {
		return fmt.Errorf("ulog: no such file: %d", firstTs)
	}
	if lf == l.cur {
		return fmt.Errorf("ulog: cannot remove the active file")
	}
	if err := os.Remove(lf.path); err != nil {
		return err
	}
	l.files.Delete(firstTs)
	return nil
}

// Close flushes and closes the active file and wakes any blocked
// Readers, which then observe ErrClosed.
func (l *Logger) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	var err error
	if l.cur != nil && l.cur.f != nil {
		err = l.cur.f.Close()
	}
	l.mu.Unlock()

	close(l.done)
	l.wg.Wait()
	l.broadcast()
	return err
}
