package worker

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/srg/ktd/internal/kv"
	"github.com/srg/ktd/internal/timeddb"
)

type RESTTestSuite struct {
	suite.Suite
	db  *timeddb.TimedDB
	srv *Server
}

func (s *RESTTestSuite) SetupTest() {
	s.db = timeddb.Open(kv.NewMemStore(), timeddb.Options{Logger: testLogger()})
	s.srv = &Server{
		Registry: NewRegistry([]*timeddb.TimedDB{s.db}, []string{"main"}),
		Logger:   testLogger(),
	}
}

func (s *RESTTestSuite) TearDownTest() {
	s.db.Close()
}

func TestRESTSuite(t *testing.T) {
	suite.Run(t, new(RESTTestSuite))
}

func (s *RESTTestSuite) TestPutThenGetRoundTrip() {
	h := s.srv.Handler()

	putReq := httptest.NewRequest(http.MethodPut, "/main/k1", strings.NewReader("hello"))
	putW := httptest.NewRecorder()
	h.ServeHTTP(putW, putReq)
	s.Equal(http.StatusCreated, putW.Code)

	getReq := httptest.NewRequest(http.MethodGet, "/main/k1", nil)
	getW := httptest.NewRecorder()
	h.ServeHTTP(getW, getReq)
	s.Equal(http.StatusOK, getW.Code)
	s.Equal("hello", getW.Body.String())
}

func (s *RESTTestSuite) TestHeadReturnsNoBody() {
	h := s.srv.Handler()
	s.Require().NoError(s.db.Set([]byte("k1"), []byte("hello"), int64(timeddb.XTMax)))

	req := httptest.NewRequest(http.MethodHead, "/main/k1", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	s.Equal(http.StatusOK, w.Code)
	s.Empty(w.Body.String())
	s.Equal("5", w.Header().Get("Content-Length"))
}

func (s *RESTTestSuite) TestGetMissingIs404() {
	h := s.srv.Handler()
	req := httptest.NewRequest(http.MethodGet, "/main/missing", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	s.Equal(http.StatusNotFound, w.Code)
}

func (s *RESTTestSuite) TestPutModeAddFailsOnDuplicate() {
	h := s.srv.Handler()
	s.Require().NoError(s.db.Set([]byte("k1"), []byte("v"), int64(timeddb.XTMax)))

	req := httptest.NewRequest(http.MethodPut, "/main/k1", strings.NewReader("v2"))
	req.Header.Set("X-Kt-Mode", "add")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	s.Equal(450, w.Code)
}

func (s *RESTTestSuite) TestDeleteRemovesKey() {
	h := s.srv.Handler()
	s.Require().NoError(s.db.Set([]byte("k1"), []byte("v"), int64(timeddb.XTMax)))

	req := httptest.NewRequest(http.MethodDelete, "/main/k1", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	s.Equal(http.StatusNoContent, w.Code)

	_, _, err := s.db.Get([]byte("k1"))
	s.Require().Error(err)
}

func (s *RESTTestSuite) TestUnknownDBIs404() {
	h := s.srv.Handler()
	req := httptest.NewRequest(http.MethodGet, "/nope/k1", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	s.Equal(http.StatusNotFound, w.Code)
}

func (s *RESTTestSuite) TestMalformedPathIs404() {
	h := s.srv.Handler()
	req := httptest.NewRequest(http.MethodGet, "/justdb", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	s.Equal(http.StatusNotFound, w.Code)
}

func (s *RESTTestSuite) TestKeyIsURLDecoded() {
	h := s.srv.Handler()
	req := httptest.NewRequest(http.MethodPut, "/main/a%2Fb", strings.NewReader("v"))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	s.Equal(http.StatusCreated, w.Code)

	v, _, err := s.db.Get([]byte("a/b"))
	s.Require().NoError(err)
	s.Equal([]byte("v"), v)
}
