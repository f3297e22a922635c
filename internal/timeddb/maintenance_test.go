package timeddb

import (
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/srg/ktd/internal/kv"
)

type MaintenanceTestSuite struct {
	suite.Suite
	db *TimedDB
}

func (s *MaintenanceTestSuite) SetupTest() {
	s.db = Open(kv.NewMemStore(), Options{Logger: testLogger()})
}

func (s *MaintenanceTestSuite) TearDownTest() {
	s.db.Close()
}

func TestMaintenanceSuite(t *testing.T) {
	suite.Run(t, new(MaintenanceTestSuite))
}

func (s *MaintenanceTestSuite) TestVacuumSweepsExpiredRecords() {
	past := -(time.Now().Unix() - 1)
	s.Require().NoError(s.db.Set([]byte("a"), []byte("1"), past))
	s.Require().NoError(s.db.Set([]byte("b"), []byte("2"), 60))

	s.Require().NoError(s.db.Vacuum(10))

	_, _, err := s.db.Get([]byte("b"))
	s.Require().NoError(err)
}

func (s *MaintenanceTestSuite) TestVacuumEnforcesCapacity() {
	db := Open(kv.NewMemStore(), Options{Logger: testLogger(), CapacityCount: 1})
	defer db.Close()

	s.Require().NoError(db.Set([]byte("a"), []byte("1"), 60))
	s.Require().NoError(db.Set([]byte("b"), []byte("2"), 60))
	s.Require().NoError(db.Vacuum(10))

	count, _ := db.Count()
	s.LessOrEqual(count, int64(1))
}

func (s *MaintenanceTestSuite) TestSynchronizeSoftIsNoop() {
	s.Require().NoError(s.db.Set([]byte("a"), []byte("1"), 60))
	s.Require().NoError(s.db.Synchronize(false))
}

func (s *MaintenanceTestSuite) TestSynchronizeHardCallsDefrag() {
	s.Require().NoError(s.db.Set([]byte("a"), []byte("1"), 60))
	s.Require().NoError(s.db.Synchronize(true))
}
