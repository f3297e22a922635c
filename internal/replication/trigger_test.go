package replication

import (
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/srg/ktd/internal/kv"
	"github.com/srg/ktd/internal/timeddb"
	"github.com/srg/ktd/internal/ulog"
)

type TriggerTestSuite struct {
	suite.Suite
}

func TestTriggerSuite(t *testing.T) {
	suite.Run(t, new(TriggerTestSuite))
}

func (s *TriggerTestSuite) TestShouldApplyDefaultModeSkipsOwnOrigin() {
	s.False(ShouldApply(5, 5, false))
	s.True(ShouldApply(7, 5, false))
}

func (s *TriggerTestSuite) TestShouldApplyWhiteSIDOnlyKeepsMatchingOrigin() {
	s.True(ShouldApply(5, 5, true))
	s.False(ShouldApply(7, 5, true))
}

func (s *TriggerTestSuite) TestUlogTriggerWritesEncodedPayload() {
	logger, err := ulog.Open(s.T().TempDir(), 0, 0, nil)
	s.Require().NoError(err)
	defer logger.Close()

	trig := &UlogTrigger{Log: logger}
	db := timeddb.Open(kv.NewMemStore(), timeddb.Options{DBID: 3, ServerID: 9, Trigger: trig})
	defer db.Close()

	s.Require().NoError(db.Set([]byte("a"), []byte("1"), 60))

	reader, err := ulog.OpenReader(logger, 0)
	s.Require().NoError(err)
	defer reader.Close()

	_, payload, err := reader.Read()
	s.Require().NoError(err)

	dec, err := decodePayload(payload)
	s.Require().NoError(err)
	s.EqualValues(9, dec.SID)
	s.EqualValues(3, dec.DBID)
	s.Equal([]byte("a"), dec.Key)
}

func (s *TriggerTestSuite) TestApplyRecordIgnoresDummyFrame() {
	db := timeddb.Open(kv.NewMemStore(), timeddb.Options{DBID: 1})
	defer db.Close()
	s.Require().NoError(ApplyRecord(db, 1, nil))
}

func (s *TriggerTestSuite) TestApplyRecordIgnoresMismatchedDBID() {
	db := timeddb.Open(kv.NewMemStore(), timeddb.Options{DBID: 1})
	defer db.Close()

	u := timeddb.Update{Op: timeddb.OpSet, Key: []byte("a"), Value: []byte("1")}
	payload := encodePayload(2, 99, u)
	s.Require().NoError(ApplyRecord(db, 1, payload))

	_, _, err := db.Get([]byte("a"))
	s.Require().Error(err)
}

func (s *TriggerTestSuite) TestApplyRecordAppliesMatchingDBID() {
	db := timeddb.Open(kv.NewMemStore(), timeddb.Options{DBID: 1})
	defer db.Close()

	// 5 bytes of 0xFF encodes XTMax ("never expires").
	packedVal := append([]byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF}, []byte("v1")...)
	u := timeddb.Update{Op: timeddb.OpSet, Key: []byte("a"), Value: packedVal}
	payload := encodePayload(2, 1, u)
	s.Require().NoError(ApplyRecord(db, 1, payload))

	v, _, err := db.Get([]byte("a"))
	s.Require().NoError(err)
	s.Equal([]byte("v1"), v)
}
