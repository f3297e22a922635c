package timeddb

import (
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/srg/ktd/internal/kv"
)

type RecoverTestSuite struct {
	suite.Suite
	db *TimedDB
}

func (s *RecoverTestSuite) SetupTest() {
	s.db = Open(kv.NewMemStore(), Options{Logger: testLogger(), ServerID: 1})
}

func (s *RecoverTestSuite) TearDownTest() {
	s.db.Close()
}

func TestRecoverSuite(t *testing.T) {
	suite.Run(t, new(RecoverTestSuite))
}

func (s *RecoverTestSuite) TestRecoverAppliesSet() {
	abs := modifyExpTime(60, s.db.now())
	packedVal := packValue(abs, []byte("v1"))

	s.Require().NoError(s.db.Recover(2, Update{Op: OpSet, Key: []byte("a"), Value: packedVal}))
	v, _, err := s.db.Get([]byte("a"))
	s.Require().NoError(err)
	s.Equal([]byte("v1"), v)
}

func (s *RecoverTestSuite) TestRecoverAppliesRemove() {
	s.Require().NoError(s.db.Set([]byte("a"), []byte("v1"), 60))
	s.Require().NoError(s.db.Recover(2, Update{Op: OpRemove, Key: []byte("a")}))

	_, _, err := s.db.Get([]byte("a"))
	s.Equal(NoRec, kindOf(err))
}

func (s *RecoverTestSuite) TestRecoverAppliesClear() {
	s.Require().NoError(s.db.Set([]byte("a"), []byte("v1"), 60))
	s.Require().NoError(s.db.Recover(2, Update{Op: OpClear}))

	count, _ := s.db.Count()
	s.EqualValues(0, count)
}

func (s *RecoverTestSuite) TestRecoverTagsTriggerWithForeignOrigin() {
	trig := &recordingTrigger{}
	db := Open(kv.NewMemStore(), Options{Logger: testLogger(), ServerID: 1, Trigger: trig})
	defer db.Close()

	abs := modifyExpTime(60, db.now())
	packedVal := packValue(abs, []byte("v1"))
	s.Require().NoError(db.Recover(7, Update{Op: OpSet, Key: []byte("a"), Value: packedVal}))

	s.Require().Len(trig.updates, 1)
	s.Equal(uint16(7), trig.sids[0])
}

func (s *RecoverTestSuite) TestRecoverRejectsMalformedSetWhenNotPersistent() {
	err := s.db.Recover(2, Update{Op: OpSet, Key: []byte("a"), Value: []byte("x")})
	s.Require().Error(err)
	s.Equal(Broken, kindOf(err))
}

func (s *RecoverTestSuite) TestRecoverUnknownOpIsInvalid() {
	err := s.db.Recover(2, Update{Op: UpdateOp(99), Key: []byte("a")})
	s.Require().Error(err)
	s.Equal(Invalid, kindOf(err))
}
