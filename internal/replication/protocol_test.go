package replication

import (
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/srg/ktd/internal/timeddb"
)

type ProtocolTestSuite struct {
	suite.Suite
}

func TestProtocolSuite(t *testing.T) {
	suite.Run(t, new(ProtocolTestSuite))
}

func (s *ProtocolTestSuite) TestEncodeDecodeSetRoundTrip() {
	u := timeddb.Update{Op: timeddb.OpSet, Key: []byte("k"), Value: []byte("v")}
	payload := encodePayload(7, 3, u)

	dec, err := decodePayload(payload)
	s.Require().NoError(err)
	s.EqualValues(7, dec.SID)
	s.EqualValues(3, dec.DBID)
	s.Equal(timeddb.OpSet, dec.Op)
	s.Equal([]byte("k"), dec.Key)
	s.Equal([]byte("v"), dec.Value)
}

func (s *ProtocolTestSuite) TestEncodeDecodeRemoveRoundTrip() {
	u := timeddb.Update{Op: timeddb.OpRemove, Key: []byte("gone")}
	payload := encodePayload(1, 1, u)

	dec, err := decodePayload(payload)
	s.Require().NoError(err)
	s.Equal(timeddb.OpRemove, dec.Op)
	s.Equal([]byte("gone"), dec.Key)
	s.Empty(dec.Value)
}

func (s *ProtocolTestSuite) TestEncodeDecodeClearRoundTrip() {
	u := timeddb.Update{Op: timeddb.OpClear}
	payload := encodePayload(1, 1, u)

	dec, err := decodePayload(payload)
	s.Require().NoError(err)
	s.Equal(timeddb.OpClear, dec.Op)
}

func (s *ProtocolTestSuite) TestDecodeTooShortPayloadFails() {
	_, err := decodePayload([]byte{1, 2})
	s.Require().Error(err)
}

func (s *ProtocolTestSuite) TestDecodeTruncatedKeyFails() {
	payload := []byte{0, 1, 0, 1, byte(timeddb.OpSet), 10}
	_, err := decodePayload(payload)
	s.Require().Error(err)
}
