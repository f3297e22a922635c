package worker

import (
	"fmt"
	"sync"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/srg/ktd/internal/timeddb"
)

// Session is one client connection's state: its cursor registry and
// operation counters. A Session is thread-confined per request, so
// cursors is guarded only against the rare case of a housekeeping
// goroutine inspecting it concurrently (e.g. connection-close cleanup).
type Session struct {
	ID       uint64
	mu       sync.Mutex
	cursors  *orderedmap.OrderedMap[uint64, *timeddb.Cursor]
	nextID   uint64
	Counters Counters
}

// NewSession creates an empty session with the given connection id.
func NewSession(id uint64) *Session {
	return &Session{ID: id, cursors: orderedmap.New[uint64, *timeddb.Cursor]()}
}

// NewCursor opens a cursor on db and registers it under a fresh id.
func (s *Session) NewCursor(db *timeddb.TimedDB) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	s.cursors.Set(id, db.Cursor())
	return id
}

// Cursor resolves a CUR=<id> parameter, creating one lazily against db
// if it does not exist yet.
func (s *Session) Cursor(id uint64, db *timeddb.TimedDB) *timeddb.Cursor {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.cursors.Get(id); ok {
		return cur
	}
	cur := db.Cursor()
	s.cursors.Set(id, cur)
	if id > s.nextID {
		s.nextID = id
	}
	return cur
}

// CloseCursor releases and forgets a session-local cursor.
func (s *Session) CloseCursor(id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.cursors.Get(id)
	if !ok {
		return fmt.Errorf("worker: no such cursor %d", id)
	}
	cur.Close()
	s.cursors.Delete(id)
	return nil
}

// Close releases every cursor the session still owns, called when its
// connection disconnects.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for pair := s.cursors.Oldest(); pair != nil; pair = pair.Next() {
		pair.Value.Close()
	}
	s.cursors = orderedmap.New[uint64, *timeddb.Cursor]()
}
