package worker

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/srg/ktd/internal/cond"
	"github.com/srg/ktd/internal/kv"
	"github.com/srg/ktd/internal/replication"
	"github.com/srg/ktd/internal/script"
	"github.com/srg/ktd/internal/timeddb"
	"github.com/srg/ktd/internal/ulog"
)

type AdminTestSuite struct {
	suite.Suite
	db   *timeddb.TimedDB
	srv  *Server
	sess *Session
}

func (s *AdminTestSuite) SetupTest() {
	s.db = timeddb.Open(kv.NewMemStore(), timeddb.Options{Logger: testLogger()})
	s.srv = &Server{
		Registry: NewRegistry([]*timeddb.TimedDB{s.db}, []string{""}),
		Conds:    cond.NewMap(),
		Logger:   testLogger(),
	}
	s.sess = NewSession(1)
}

func (s *AdminTestSuite) TearDownTest() {
	s.sess.Close()
	s.db.Close()
}

func TestAdminSuite(t *testing.T) {
	suite.Run(t, new(AdminTestSuite))
}

func (s *AdminTestSuite) TestPlayScriptWithoutEngineIsENoImpl() {
	out := s.srv.Dispatch(s.sess, "play_script", map[string]string{"_func": "run"})
	s.Equal("ENOIMPL", out["STATUS"])
}

func (s *AdminTestSuite) TestPlayScriptRunsNamedFunction() {
	engine := script.NewEngine(s.db, testLogger())
	defer engine.Close()

	scriptPath := filepath.Join(s.T().TempDir(), "run.lua")
	s.Require().NoError(os.WriteFile(scriptPath, []byte(`
		function run(params)
			kt.set(params.key, params.value)
			return {ok = "true"}
		end
	`), 0o644))
	s.Require().NoError(engine.LoadFile(scriptPath))
	s.srv.Script = engine

	out := s.srv.Dispatch(s.sess, "play_script", map[string]string{"_func": "run", "key": "a", "value": "1"})
	s.Equal("SUCCESS", out["STATUS"])
	s.Equal("true", out["ok"])

	v, _, err := s.db.Get([]byte("a"))
	s.Require().NoError(err)
	s.Equal([]byte("1"), v)
}

func (s *AdminTestSuite) TestTuneReplicationWithoutSlaveIsENoImpl() {
	out := s.srv.Dispatch(s.sess, "tune_replication", map[string]string{"host": "h", "port": "1"})
	s.Equal("ENOIMPL", out["STATUS"])
}

func (s *AdminTestSuite) TestTuneReplicationRequiresHostAndPort() {
	s.srv.Slave = replication.NewSlave(s.db, 1, 1, "", nil, nil)
	out := s.srv.Dispatch(s.sess, "tune_replication", map[string]string{"host": "h"})
	s.Equal("EINVALID", out["STATUS"])
}

func (s *AdminTestSuite) TestTuneReplicationReconfiguresSlave() {
	s.srv.Slave = replication.NewSlave(s.db, 1, 1, "", nil, nil)
	out := s.srv.Dispatch(s.sess, "tune_replication", map[string]string{"host": "127.0.0.1", "port": "9"})
	s.Equal("SUCCESS", out["STATUS"])
}

func (s *AdminTestSuite) TestUlogListWithoutLogIsENoImpl() {
	out := s.srv.Dispatch(s.sess, "ulog_list", map[string]string{})
	s.Equal("ENOIMPL", out["STATUS"])
}

func (s *AdminTestSuite) TestUlogListReportsOpenFile() {
	logger, err := ulog.Open(s.T().TempDir(), 0, 0, nil)
	s.Require().NoError(err)
	defer logger.Close()
	s.srv.Log = logger

	_, err = logger.Write([]byte("hello"))
	s.Require().NoError(err)

	out := s.srv.Dispatch(s.sess, "ulog_list", map[string]string{})
	s.Equal("SUCCESS", out["STATUS"])
	s.Equal("1", out["count"])
}

func (s *AdminTestSuite) TestUlogRemoveRefusesBadTimestamp() {
	logger, err := ulog.Open(s.T().TempDir(), 0, 0, nil)
	s.Require().NoError(err)
	defer logger.Close()
	s.srv.Log = logger

	out := s.srv.Dispatch(s.sess, "ulog_remove", map[string]string{"ts": "not-a-number"})
	s.Equal("EINVALID", out["STATUS"])
}
