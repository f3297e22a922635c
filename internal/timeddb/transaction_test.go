package timeddb

import (
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/srg/ktd/internal/kv"
)

type TransactionTestSuite struct {
	suite.Suite
	db *TimedDB
}

func (s *TransactionTestSuite) SetupTest() {
	s.db = Open(kv.NewMemStore(), Options{Logger: testLogger()})
}

func (s *TransactionTestSuite) TearDownTest() {
	s.db.Close()
}

func TestTransactionSuite(t *testing.T) {
	suite.Run(t, new(TransactionTestSuite))
}

func (s *TransactionTestSuite) TestCommitKeepsChanges() {
	s.Require().NoError(s.db.Set([]byte("a"), []byte("orig"), 60))
	s.Require().NoError(s.db.BeginTransaction())
	s.Require().NoError(s.db.Set([]byte("a"), []byte("new"), 60))
	s.Require().NoError(s.db.EndTransaction(true))

	v, _, _ := s.db.Get([]byte("a"))
	s.Equal([]byte("new"), v)
}

func (s *TransactionTestSuite) TestRollbackRestoresPriorValue() {
	s.Require().NoError(s.db.Set([]byte("a"), []byte("orig"), 60))
	s.Require().NoError(s.db.BeginTransaction())
	s.Require().NoError(s.db.Set([]byte("a"), []byte("new"), 60))
	s.Require().NoError(s.db.EndTransaction(false))

	v, _, _ := s.db.Get([]byte("a"))
	s.Equal([]byte("orig"), v)
}

func (s *TransactionTestSuite) TestRollbackRemovesKeyThatDidNotExistBefore() {
	s.Require().NoError(s.db.BeginTransaction())
	s.Require().NoError(s.db.Set([]byte("fresh"), []byte("v"), 60))
	s.Require().NoError(s.db.EndTransaction(false))

	_, _, err := s.db.Get([]byte("fresh"))
	s.Equal(NoRec, kindOf(err))
}

func (s *TransactionTestSuite) TestRollbackUndoesMultipleKeysInReverseOrder() {
	s.Require().NoError(s.db.Set([]byte("a"), []byte("1"), 60))
	s.Require().NoError(s.db.BeginTransaction())
	s.Require().NoError(s.db.Set([]byte("a"), []byte("2"), 60))
	s.Require().NoError(s.db.Remove([]byte("a")))
	s.Require().NoError(s.db.Set([]byte("b"), []byte("new"), 60))
	s.Require().NoError(s.db.EndTransaction(false))

	v, _, err := s.db.Get([]byte("a"))
	s.Require().NoError(err)
	s.Equal([]byte("1"), v)
	_, _, err = s.db.Get([]byte("b"))
	s.Equal(NoRec, kindOf(err))
}

func (s *TransactionTestSuite) TestNestedBeginFails() {
	s.Require().NoError(s.db.BeginTransaction())
	defer s.db.EndTransaction(true)
	err := s.db.BeginTransaction()
	s.Require().Error(err)
	s.Equal(Invalid, kindOf(err))
}

func (s *TransactionTestSuite) TestEndWithoutBeginFails() {
	err := s.db.EndTransaction(true)
	s.Require().Error(err)
	s.Equal(Invalid, kindOf(err))
}
