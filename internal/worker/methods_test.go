package worker

import (
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/srg/ktd/internal/cond"
	"github.com/srg/ktd/internal/kv"
	"github.com/srg/ktd/internal/testutil"
	"github.com/srg/ktd/internal/timeddb"
)

type MethodsTestSuite struct {
	suite.Suite
	db   *timeddb.TimedDB
	srv  *Server
	sess *Session
}

func (s *MethodsTestSuite) SetupTest() {
	s.db = timeddb.Open(kv.NewMemStore(), timeddb.Options{Logger: testLogger()})
	s.srv = &Server{
		Registry: NewRegistry([]*timeddb.TimedDB{s.db}, []string{""}),
		Conds:    cond.NewMap(),
		Logger:   testLogger(),
	}
	s.sess = NewSession(1)
}

func (s *MethodsTestSuite) TearDownTest() {
	s.sess.Close()
	s.db.Close()
}

func TestMethodsSuite(t *testing.T) {
	suite.Run(t, new(MethodsTestSuite))
}

func (s *MethodsTestSuite) call(method string, in map[string]string) map[string]string {
	return s.srv.Dispatch(s.sess, method, in)
}

func (s *MethodsTestSuite) TestAddFailsOnDuplicate() {
	s.Equal("SUCCESS", s.call("add", map[string]string{"key": "a", "value": "1"})["STATUS"])
	s.Equal("ELOGIC", s.call("add", map[string]string{"key": "a", "value": "2"})["STATUS"])
}

func (s *MethodsTestSuite) TestReplaceFailsWhenMissing() {
	s.Equal("ELOGIC", s.call("replace", map[string]string{"key": "a", "value": "1"})["STATUS"])
	s.Equal("SUCCESS", s.call("set", map[string]string{"key": "a", "value": "1"})["STATUS"])
	s.Equal("SUCCESS", s.call("replace", map[string]string{"key": "a", "value": "2"})["STATUS"])
}

func (s *MethodsTestSuite) TestAppendConcatenates() {
	s.call("set", map[string]string{"key": "a", "value": "x"})
	s.call("append", map[string]string{"key": "a", "value": "y"})
	out := s.call("get", map[string]string{"key": "a"})
	s.Equal("xy", out["value"])
}

func (s *MethodsTestSuite) TestIncrementAccumulates() {
	out := s.call("increment", map[string]string{"key": "n", "num": "5", "orig": "0"})
	s.Equal("SUCCESS", out["STATUS"])
	s.Equal("5", out["num"])

	out = s.call("increment", map[string]string{"key": "n", "num": "3", "orig": "0"})
	s.Equal("8", out["num"])
}

func (s *MethodsTestSuite) TestIncrementDoubleAccumulates() {
	out := s.call("increment_double", map[string]string{"key": "f", "num": "1.5", "orig": "0"})
	s.Equal("SUCCESS", out["STATUS"])
	s.Equal("1.5", out["num"])
}

func (s *MethodsTestSuite) TestCASSuccessAndMismatch() {
	s.call("set", map[string]string{"key": "a", "value": "1"})
	out := s.call("cas", map[string]string{"key": "a", "oval": "1", "nval": "2"})
	s.Equal("SUCCESS", out["STATUS"])

	out = s.call("cas", map[string]string{"key": "a", "oval": "not-current", "nval": "3"})
	s.Equal("ELOGIC", out["STATUS"])
}

func (s *MethodsTestSuite) TestCheckDoesNotConsume() {
	s.call("set", map[string]string{"key": "a", "value": "hello"})
	out := s.call("check", map[string]string{"key": "a"})
	s.Equal("SUCCESS", out["STATUS"])
	s.Equal("5", out["size"])

	out = s.call("get", map[string]string{"key": "a"})
	s.Equal("hello", out["value"])
}

func (s *MethodsTestSuite) TestSeizeRemovesAndReturnsValue() {
	s.call("set", map[string]string{"key": "a", "value": "hello"})
	out := s.call("seize", map[string]string{"key": "a"})
	s.Equal("SUCCESS", out["STATUS"])
	s.Equal("hello", out["value"])

	out = s.call("get", map[string]string{"key": "a"})
	s.Equal("ELOGIC", out["STATUS"])
}

func (s *MethodsTestSuite) TestMatchPrefixReturnsMatchingKeys() {
	s.call("set", map[string]string{"key": "pre:a", "value": "1"})
	s.call("set", map[string]string{"key": "pre:b", "value": "1"})
	s.call("set", map[string]string{"key": "other", "value": "1"})

	out := s.call("match_prefix", map[string]string{"prefix": "pre:"})
	s.Equal("SUCCESS", out["STATUS"])
	s.Equal("2", out["count"])
}

func (s *MethodsTestSuite) TestMatchRegexReturnsMatchingKeys() {
	s.call("set", map[string]string{"key": "a1", "value": "1"})
	s.call("set", map[string]string{"key": "a2", "value": "1"})
	s.call("set", map[string]string{"key": "zz", "value": "1"})

	out := s.call("match_regex", map[string]string{"regex": "^a[0-9]$"})
	s.Equal("2", out["count"])
}

func (s *MethodsTestSuite) TestClearRemovesEverything() {
	s.call("set", map[string]string{"key": "a", "value": "1"})
	s.Equal("SUCCESS", s.call("clear", map[string]string{})["STATUS"])
	s.Equal("ELOGIC", s.call("get", map[string]string{"key": "a"})["STATUS"])
}

func (s *MethodsTestSuite) TestStatusReportsCount() {
	s.call("set", map[string]string{"key": "a", "value": "1"})
	out := s.call("status", map[string]string{})
	s.Equal("SUCCESS", out["STATUS"])
	s.Equal("1", out["count"])
}

func (s *MethodsTestSuite) TestReportTracksSetAndGetCounters() {
	s.call("set", map[string]string{"key": "a", "value": "1"})
	s.call("get", map[string]string{"key": "a"})
	out := s.call("report", map[string]string{})
	testutil.NewJSONAsserter(s.T()).AssertMap(out, `{
		"STATUS": "SUCCESS",
		"set": "1", "set_miss": "0",
		"get": "1", "get_miss": "0",
		"remove": "0", "remove_miss": "0",
		"script": "0"
	}`)
}

func (s *MethodsTestSuite) TestVacuumAndSynchronizeSucceed() {
	s.Equal("SUCCESS", s.call("vacuum", map[string]string{"steps": "1"})["STATUS"])
	s.Equal("SUCCESS", s.call("synchronize", map[string]string{"hard": "true"})["STATUS"])
}

func (s *MethodsTestSuite) TestCursorFamilyWalksInsertedKeys() {
	s.call("set", map[string]string{"key": "a", "value": "1"})
	s.call("set", map[string]string{"key": "b", "value": "2"})

	s.Equal("SUCCESS", s.call("cur_jump", map[string]string{"CUR": "5", "key": "a"})["STATUS"])
	out := s.call("cur_get", map[string]string{"CUR": "5"})
	s.Equal("a", out["key"])
	s.Equal("1", out["value"])

	s.Equal("SUCCESS", s.call("cur_step", map[string]string{"CUR": "5"})["STATUS"])
	out = s.call("cur_get_key", map[string]string{"CUR": "5"})
	s.Equal("b", out["key"])

	s.Equal("SUCCESS", s.call("cur_set_value", map[string]string{"CUR": "5", "value": "3"})["STATUS"])
	out = s.call("cur_get_value", map[string]string{"CUR": "5"})
	s.Equal("3", out["value"])

	s.Equal("SUCCESS", s.call("cur_remove", map[string]string{"CUR": "5"})["STATUS"])
	s.Equal("ELOGIC", s.call("get", map[string]string{"key": "b"})["STATUS"])
}

func (s *MethodsTestSuite) TestCurSeizeAndCurDelete() {
	s.call("set", map[string]string{"key": "a", "value": "1"})
	s.call("cur_jump", map[string]string{"CUR": "1", "key": "a"})

	out := s.call("cur_seize", map[string]string{"CUR": "1"})
	s.Equal("SUCCESS", out["STATUS"])
	s.Equal("1", out["value"])

	s.Equal("SUCCESS", s.call("cur_delete", map[string]string{"CUR": "1"})["STATUS"])
	s.Equal("EINVALID", s.call("cur_delete", map[string]string{"CUR": "1"})["STATUS"])
}

func (s *MethodsTestSuite) TestCursorVerbWithoutCURParamIsEInvalid() {
	out := s.call("cur_step", map[string]string{})
	s.Equal("EINVALID", out["STATUS"])
}
