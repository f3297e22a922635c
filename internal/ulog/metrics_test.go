package ulog

import (
	"testing"

	"github.com/stretchr/testify/suite"
)

type MetricsTestSuite struct {
	suite.Suite
	l *Logger
}

func (s *MetricsTestSuite) SetupTest() {
	l, err := Open(s.T().TempDir(), 0, 0, nil)
	s.Require().NoError(err)
	s.l = l
}

func (s *MetricsTestSuite) TearDownTest() {
	s.l.Close()
}

func TestMetricsSuite(t *testing.T) {
	suite.Run(t, new(MetricsTestSuite))
}

func (s *MetricsTestSuite) TestSnapshotTracksWrittenTotal() {
	_, err := s.l.Write([]byte("aaa"))
	s.Require().NoError(err)
	_, err = s.l.Write([]byte("bb"))
	s.Require().NoError(err)

	snap := s.l.Snapshot()
	s.EqualValues(2, snap.WrittenTotal)
	s.EqualValues(2, snap.RecentMin)
	s.EqualValues(3, snap.RecentMax)
}

func (s *MetricsTestSuite) TestSnapshotTracksRotations() {
	dir := s.T().TempDir()
	l, err := Open(dir, 1, 0, nil)
	s.Require().NoError(err)
	defer l.Close()

	_, err = l.Write([]byte("a"))
	s.Require().NoError(err)
	_, err = l.Write([]byte("b"))
	s.Require().NoError(err)

	snap := l.Snapshot()
	s.GreaterOrEqual(snap.Rotations, int64(1))
}
