package worker

import (
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/srg/ktd/internal/kv"
	"github.com/srg/ktd/internal/timeddb"
)

type SessionTestSuite struct {
	suite.Suite
	db *timeddb.TimedDB
}

func (s *SessionTestSuite) SetupTest() {
	s.db = timeddb.Open(kv.NewMemStore(), timeddb.Options{Logger: testLogger()})
}

func (s *SessionTestSuite) TearDownTest() {
	s.db.Close()
}

func TestSessionSuite(t *testing.T) {
	suite.Run(t, new(SessionTestSuite))
}

func (s *SessionTestSuite) TestCursorCreatesLazilyAndReusesSameID() {
	sess := NewSession(1)
	defer sess.Close()

	c1 := sess.Cursor(7, s.db)
	c2 := sess.Cursor(7, s.db)
	s.Same(c1, c2)
}

func (s *SessionTestSuite) TestCursorDifferentIDsAreIndependent() {
	sess := NewSession(1)
	defer sess.Close()

	c1 := sess.Cursor(1, s.db)
	c2 := sess.Cursor(2, s.db)
	s.NotSame(c1, c2)
}

func (s *SessionTestSuite) TestCloseCursorRemovesIt() {
	sess := NewSession(1)
	defer sess.Close()

	sess.Cursor(1, s.db)
	s.Require().NoError(sess.CloseCursor(1))
	s.Require().Error(sess.CloseCursor(1))
}

func (s *SessionTestSuite) TestNewCursorAssignsIncrementingIDs() {
	sess := NewSession(1)
	defer sess.Close()

	id1 := sess.NewCursor(s.db)
	id2 := sess.NewCursor(s.db)
	s.NotEqual(id1, id2)
}

func (s *SessionTestSuite) TestCloseReleasesEveryCursor() {
	sess := NewSession(1)
	sess.Cursor(1, s.db)
	sess.Cursor(2, s.db)
	sess.Close()
	s.Require().Error(sess.CloseCursor(1))
}

func (s *SessionTestSuite) TestCountersSnapshotStartsAtZero() {
	sess := NewSession(1)
	defer sess.Close()
	snap := sess.Counters.Snapshot()
	s.Zero(snap.Set)
	s.Zero(snap.Get)
}

func (s *SessionTestSuite) TestCountersTrackHitsAndMisses() {
	sess := NewSession(1)
	defer sess.Close()
	sess.Counters.addSet(true)
	sess.Counters.addSet(false)
	sess.Counters.addGet(true)
	sess.Counters.addRemove(false)
	sess.Counters.addScript()
	sess.Counters.addMisc()

	snap := sess.Counters.Snapshot()
	s.EqualValues(1, snap.Set)
	s.EqualValues(1, snap.SetMiss)
	s.EqualValues(1, snap.Get)
	s.EqualValues(1, snap.RemoveMiss)
	s.EqualValues(1, snap.Script)
	s.EqualValues(1, snap.Misc)
}
