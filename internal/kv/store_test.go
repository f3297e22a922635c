package kv

import (
	"testing"

	"github.com/stretchr/testify/suite"
)

type MemStoreTestSuite struct {
	suite.Suite
	store *MemStore
}

func (s *MemStoreTestSuite) SetupTest() {
	s.store = NewMemStore()
}

func TestMemStoreSuite(t *testing.T) {
	suite.Run(t, new(MemStoreTestSuite))
}

func (s *MemStoreTestSuite) TestSetGet() {
	s.store.Set([]byte("a"), []byte("1"))
	v, ok := s.store.Get([]byte("a"))
	s.True(ok)
	s.Equal([]byte("1"), v)
}

func (s *MemStoreTestSuite) TestGetMissing() {
	_, ok := s.store.Get([]byte("missing"))
	s.False(ok)
}

func (s *MemStoreTestSuite) TestOverwritePreservesOrder() {
	s.store.Set([]byte("a"), []byte("1"))
	s.store.Set([]byte("a"), []byte("2"))
	s.Equal(1, s.store.Len())
	v, _ := s.store.Get([]byte("a"))
	s.Equal([]byte("2"), v)
}

func (s *MemStoreTestSuite) TestAscendingKeyOrder() {
	s.store.Set([]byte("c"), []byte("3"))
	s.store.Set([]byte("a"), []byte("1"))
	s.store.Set([]byte("b"), []byte("2"))

	k, ok := s.store.First()
	s.True(ok)
	s.Equal([]byte("a"), k)

	k, ok = s.store.Next(k)
	s.True(ok)
	s.Equal([]byte("b"), k)

	k, ok = s.store.Next(k)
	s.True(ok)
	s.Equal([]byte("c"), k)

	_, ok = s.store.Next(k)
	s.False(ok)
}

func (s *MemStoreTestSuite) TestLastAndPrev() {
	s.store.Set([]byte("a"), []byte("1"))
	s.store.Set([]byte("b"), []byte("2"))

	k, ok := s.store.Last()
	s.True(ok)
	s.Equal([]byte("b"), k)

	k, ok = s.store.Prev(k)
	s.True(ok)
	s.Equal([]byte("a"), k)

	_, ok = s.store.Prev(k)
	s.False(ok)
}

func (s *MemStoreTestSuite) TestNextFromAbsentKeyFindsSuccessor() {
	s.store.Set([]byte("a"), []byte("1"))
	s.store.Set([]byte("c"), []byte("3"))

	k, ok := s.store.Next([]byte("b"))
	s.True(ok)
	s.Equal([]byte("c"), k)
}

func (s *MemStoreTestSuite) TestRemove() {
	s.store.Set([]byte("a"), []byte("1"))
	s.True(s.store.Remove([]byte("a")))
	s.False(s.store.Remove([]byte("a")))
	s.Equal(0, s.store.Len())
}

func (s *MemStoreTestSuite) TestSizeBytesTracksSetAndRemove() {
	s.store.Set([]byte("ab"), []byte("cd"))
	s.Equal(int64(4), s.store.SizeBytes())
	s.store.Set([]byte("ab"), []byte("x"))
	s.Equal(int64(3), s.store.SizeBytes())
	s.store.Remove([]byte("ab"))
	s.Equal(int64(0), s.store.SizeBytes())
}

func (s *MemStoreTestSuite) TestClear() {
	s.store.Set([]byte("a"), []byte("1"))
	s.store.Set([]byte("b"), []byte("2"))
	s.store.Clear()
	s.Equal(0, s.store.Len())
	s.Equal(int64(0), s.store.SizeBytes())
	_, ok := s.store.First()
	s.False(ok)
}
