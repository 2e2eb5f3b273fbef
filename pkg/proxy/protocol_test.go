package proxy

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func buildQueryMessage(sql string) []byte {
	body := append([]byte(sql), 0)
	length := uint32(len(body) + 4)
	msg := make([]byte, 0, 5+len(body))
	msg = append(msg, tagQuery)
	lenBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBuf, length)
	msg = append(msg, lenBuf...)
	msg = append(msg, body...)
	return msg
}

func TestExtractQueryParsesCompleteMessage(t *testing.T) {
	msg := buildQueryMessage("SELECT 1")
	sql, ok := ExtractQuery(msg)
	require.True(t, ok)
	require.Equal(t, "SELECT 1", sql)
}

func TestExtractQueryRejectsNonQueryTag(t *testing.T) {
	msg := []byte{'X', 0, 0, 0, 4}
	_, ok := ExtractQuery(msg)
	require.False(t, ok)
}

func TestExtractQueryRejectsIncompleteMessage(t *testing.T) {
	msg := buildQueryMessage("SELECT 1")
	_, ok := ExtractQuery(msg[:len(msg)-2])
	require.False(t, ok)
}

func TestCreateErrorResponseFramesFields(t *testing.T) {
	out := CreateErrorResponse("ERROR", "42501", "blocked by policy")
	require.Equal(t, tagError, out[0])

	length := binary.BigEndian.Uint32(out[1:5])
	require.Equal(t, uint32(len(out)-1), length)
	require.Contains(t, string(out), "blocked by policy")
	require.Contains(t, string(out), "42501")
}

func TestCreateReadyForQueryIsFiveBytes(t *testing.T) {
	out := CreateReadyForQuery('I')
	require.Equal(t, tagReadyForQuery, out[0])
	length := binary.BigEndian.Uint32(out[1:5])
	require.Equal(t, uint32(5), length)
	require.Equal(t, byte('I'), out[5])
}

func TestCreateBlockedResponseEndsWithReadyForQuery(t *testing.T) {
	out := CreateBlockedResponse("no deletes without where")
	require.Equal(t, tagError, out[0])
	require.Equal(t, tagReadyForQuery, out[len(out)-6])
}

func TestCreateBlockedResponsePrefixesReason(t *testing.T) {
	out := CreateBlockedResponse("no deletes without where")
	require.Contains(t, string(out), "Query blocked: no deletes without where")
}

func TestMessageLengthZeroOnShortBuffer(t *testing.T) {
	require.Equal(t, 0, MessageLength([]byte{'Q', 0, 0}))
}
