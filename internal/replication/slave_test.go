package replication

import (
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/srg/ktd/internal/kv"
	"github.com/srg/ktd/internal/timeddb"
	"github.com/srg/ktd/internal/ulog"
)

type SlaveTestSuite struct {
	suite.Suite
}

func TestSlaveSuite(t *testing.T) {
	suite.Run(t, new(SlaveTestSuite))
}

func (s *SlaveTestSuite) TestNewSlaveStartsInInit() {
	db := timeddb.Open(kv.NewMemStore(), timeddb.Options{})
	defer db.Close()
	sl := NewSlave(db, 1, 1, "", nil, nil)
	s.Equal(StateInit, sl.State())
}

func (s *SlaveTestSuite) TestPersistAndLoadRTSRoundTrip() {
	db := timeddb.Open(kv.NewMemStore(), timeddb.Options{})
	defer db.Close()
	path := filepath.Join(s.T().TempDir(), "rts")
	sl := NewSlave(db, 1, 1, path, nil, nil)
	sl.rts = 123456789
	sl.persistRTS()

	s.Equal(uint64(123456789), loadRTS(path))
}

func (s *SlaveTestSuite) TestLoadRTSMissingFileReturnsZero() {
	s.Equal(uint64(0), loadRTS(filepath.Join(s.T().TempDir(), "nope")))
}

func (s *SlaveTestSuite) TestLoadRTSGarbledFileReturnsZero() {
	path := filepath.Join(s.T().TempDir(), "rts")
	s.Require().NoError(os.WriteFile(path, []byte("not-a-number"), 0o644))
	s.Equal(uint64(0), loadRTS(path))
}

func (s *SlaveTestSuite) TestLoadRTSEmptyPathReturnsZero() {
	s.Equal(uint64(0), loadRTS(""))
}

func (s *SlaveTestSuite) TestRunAppliesForeignRecordAndPersistsRTS() {
	logger, err := ulog.Open(s.T().TempDir(), 0, 0, nil)
	s.Require().NoError(err)
	defer logger.Close()

	foreignUpdate := timeddb.Update{
		Op: timeddb.OpSet, Key: []byte("a"),
		Value: append([]byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF}, []byte("v1")...),
	}
	_, err = logger.Write(encodePayload(99, 1, foreignUpdate))
	s.Require().NoError(err)

	db := timeddb.Open(kv.NewMemStore(), timeddb.Options{DBID: 1})
	defer db.Close()

	rtsPath := filepath.Join(s.T().TempDir(), "rts")

	dial := func(ctx context.Context) (io.ReadWriteCloser, error) {
		serverConn, clientConn := net.Pipe()
		go ServeStream(serverConn, logger, nil)
		return clientConn, nil
	}

	sl := NewSlave(db, 1, 1, rtsPath, dial, nil)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- sl.Run(ctx) }()

	s.Eventually(func() bool {
		v, _, err := db.Get([]byte("a"))
		return err == nil && string(v) == "v1"
	}, 3*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case <-runDone:
	case <-time.After(3 * time.Second):
		s.Fail("Run did not return after context cancellation")
	}

	s.NotZero(loadRTS(rtsPath))
}
