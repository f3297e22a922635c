package worker

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/srg/ktd/internal/cond"
	"github.com/srg/ktd/internal/kv"
	"github.com/srg/ktd/internal/timeddb"
)

type BinaryTestSuite struct {
	suite.Suite
	srv    *Server
	db     *timeddb.TimedDB
	client net.Conn
	cancel context.CancelFunc
}

func TestBinarySuite(t *testing.T) {
	suite.Run(t, new(BinaryTestSuite))
}

func (s *BinaryTestSuite) SetupTest() {
	s.db = timeddb.Open(kv.NewMemStore(), timeddb.Options{Logger: testLogger()})
	s.srv = &Server{
		Registry: NewRegistry([]*timeddb.TimedDB{s.db}, []string{"main"}),
		Conds:    cond.NewMap(),
		Logger:   testLogger(),
	}

	client, server := net.Pipe()
	s.client = client
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.srv.ServeBinary(ctx, server, 1)
}

func (s *BinaryTestSuite) TearDownTest() {
	s.client.Close()
	s.cancel()
}

func (s *BinaryTestSuite) writeRequest(req []byte) {
	go func() {
		s.client.SetWriteDeadline(time.Now().Add(2 * time.Second))
		s.client.Write(req)
	}()
}

func appendU16(b []byte, v uint16) []byte {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], v)
	return append(b, tmp[:]...)
}

func appendU32(b []byte, v uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return append(b, tmp[:]...)
}

func appendU64(b []byte, v uint64) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	return append(b, tmp[:]...)
}

func setBulkRequest(records map[string]string) []byte {
	req := []byte{MagicSetBulk}
	req = appendU32(req, 0)
	req = appendU32(req, uint32(len(records)))
	for k, v := range records {
		req = appendU16(req, 0)
		req = appendU32(req, uint32(len(k)))
		req = appendU32(req, uint32(len(v)))
		req = appendU64(req, uint64(timeddb.XTMax))
		req = append(req, k...)
		req = append(req, v...)
	}
	return req
}

func (s *BinaryTestSuite) readFull(n int) []byte {
	buf := make([]byte, n)
	s.client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := io.ReadFull(s.client, buf)
	s.Require().NoError(err)
	return buf
}

func (s *BinaryTestSuite) TestSetBulkStoresRecordsAndReportsCount() {
	s.writeRequest(setBulkRequest(map[string]string{"a": "1", "b": "2", "c": "3"}))

	reply := s.readFull(1 + 4)
	s.Equal(MagicSetBulk, reply[0])
	s.Equal(uint32(3), binary.BigEndian.Uint32(reply[1:5]))

	for key, want := range map[string]string{"a": "1", "b": "2", "c": "3"} {
		got, _, err := s.db.Get([]byte(key))
		s.Require().NoError(err)
		s.Equal(want, string(got))
	}
}

func (s *BinaryTestSuite) TestGetBulkReturnsOnlyHits() {
	s.Require().NoError(s.db.Set([]byte("hit"), []byte("v"), int64(timeddb.XTMax)))

	req := []byte{MagicGetBulk}
	req = appendU32(req, 0)
	req = appendU32(req, 2)
	for _, k := range []string{"hit", "miss"} {
		req = appendU16(req, 0)
		req = appendU32(req, uint32(len(k)))
		req = append(req, k...)
	}
	s.writeRequest(req)

	reply := s.readFull(1 + 4)
	s.Equal(MagicGetBulk, reply[0])
	s.Equal(uint32(1), binary.BigEndian.Uint32(reply[1:5]))

	rec := s.readFull(2 + 4 + 4 + 8 + 3 + 1)
	ksiz := binary.BigEndian.Uint32(rec[2:6])
	vsiz := binary.BigEndian.Uint32(rec[6:10])
	s.Equal(uint32(3), ksiz)
	s.Equal(uint32(1), vsiz)
	s.Equal("hit", string(rec[18:21]))
	s.Equal("v", string(rec[21:22]))
}

func (s *BinaryTestSuite) TestRemoveBulkCountsOnlyLiveRecords() {
	s.Require().NoError(s.db.Set([]byte("a"), []byte("1"), int64(timeddb.XTMax)))

	req := []byte{MagicRemoveBulk}
	req = appendU32(req, 0)
	req = appendU32(req, 2)
	for _, k := range []string{"a", "nope"} {
		req = appendU16(req, 0)
		req = appendU32(req, uint32(len(k)))
		req = append(req, k...)
	}
	s.writeRequest(req)

	reply := s.readFull(1 + 4)
	s.Equal(MagicRemoveBulk, reply[0])
	s.Equal(uint32(1), binary.BigEndian.Uint32(reply[1:5]))

	_, _, err := s.db.Get([]byte("a"))
	s.Error(err)
}

func (s *BinaryTestSuite) TestNoReplySuppressesResponse() {
	req := setBulkRequest(map[string]string{"quiet": "1"})
	// flip the flags field to NOREPLY
	binary.BigEndian.PutUint32(req[1:5], FlagNoReply)
	// chase it with a replying request; its response arriving first
	// proves the NOREPLY one produced none
	req = append(req, setBulkRequest(map[string]string{"loud": "2"})...)
	s.writeRequest(req)

	reply := s.readFull(1 + 4)
	s.Equal(MagicSetBulk, reply[0])
	s.Equal(uint32(1), binary.BigEndian.Uint32(reply[1:5]))

	got, _, err := s.db.Get([]byte("quiet"))
	s.Require().NoError(err)
	s.Equal("1", string(got))
}

func (s *BinaryTestSuite) TestUnknownMagicAnswersErrorFrame() {
	s.writeRequest([]byte{0x42})
	reply := s.readFull(1)
	s.Equal(MagicError, reply[0])
}
