// Package proxy bridges a sandboxed agent's PostgreSQL client connection to
// the real database, observing every simple-query statement through the
// analyzer/risk/policy pipeline before forwarding or blocking it.
package proxy

import (
	"encoding/binary"
)

const (
	tagQuery        byte = 'Q'
	tagError        byte = 'E'
	tagReadyForQuery byte = 'Z'
)

// messageHeaderLen is the tag byte plus the 4-byte big-endian length that
// precedes every non-startup PostgreSQL protocol message.
const messageHeaderLen = 5

// ExtractQuery inspects a single protocol message and, if it is a simple
// "Q" query message with a complete body already buffered, returns the SQL
// text. ok is false for any other message shape, including a recognized "Q"
// tag whose declared length exceeds the bytes available so far — the caller
// is expected to wait for more bytes in that case.
func ExtractQuery(data []byte) (sql string, ok bool) {
	if len(data) < messageHeaderLen || data[0] != tagQuery {
		return "", false
	}
	length := int(binary.BigEndian.Uint32(data[1:5]))
	if length < 4 {
		return "", false
	}
	total := 1 + length // tag byte + length-prefixed body
	if len(data) < total {
		return "", false
	}
	body := data[messageHeaderLen:total]
	// Trim the trailing null terminator the simple-query string carries.
	for len(body) > 0 && body[len(body)-1] == 0 {
		body = body[:len(body)-1]
	}
	return string(body), true
}

// MessageLength returns the total byte length of the message starting at
// data[0] (tag + length-prefixed body), or 0 if data does not yet contain a
// complete length field. A message whose first byte is zero is an untagged
// startup-phase packet (StartupMessage, SSLRequest, CancelRequest): no
// message tag is zero, and such a packet's 4-byte length counts itself, so
// that length is returned as is.
func MessageLength(data []byte) int {
	if len(data) >= 4 && data[0] == 0 {
		return int(binary.BigEndian.Uint32(data[0:4]))
	}
	if len(data) < messageHeaderLen {
		return 0
	}
	length := int(binary.BigEndian.Uint32(data[1:5]))
	return 1 + length
}

// CreateErrorResponse synthesizes an ErrorResponse ("E") message carrying a
// severity, SQLSTATE code, and human-readable message.
func CreateErrorResponse(severity, sqlstate, message string) []byte {
	if sqlstate == "" {
		sqlstate = "42000"
	}
	var body []byte
	body = appendField(body, 'S', severity)
	body = appendField(body, 'C', sqlstate)
	body = appendField(body, 'M', message)
	body = append(body, 0) // terminating null

	return frame(tagError, body)
}

// CreateReadyForQuery synthesizes a ReadyForQuery ("Z") message. status is
// typically 'I' (idle, no transaction).
func CreateReadyForQuery(status byte) []byte {
	return frame(tagReadyForQuery, []byte{status})
}

func appendField(body []byte, id byte, value string) []byte {
	body = append(body, id)
	body = append(body, []byte(value)...)
	body = append(body, 0)
	return body
}

func frame(tag byte, body []byte) []byte {
	length := uint32(len(body) + 4)
	msg := make([]byte, 0, 1+len(body)+4)
	msg = append(msg, tag)
	lenBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBuf, length)
	msg = append(msg, lenBuf...)
	msg = append(msg, body...)
	return msg
}

// CreateBlockedResponse builds the full byte sequence the client needs to
// see after a blocked query: an ErrorResponse immediately followed by
// ReadyForQuery, so the driver both surfaces the error and knows the
// connection is ready for the next command. reason is the raw policy
// violation reason; the client-visible message is always prefixed
// "Query blocked: " so the agent's driver can recognize the rejection class.
func CreateBlockedResponse(reason string) []byte {
	out := CreateErrorResponse("ERROR", "42501", "Query blocked: "+reason)
	out = append(out, CreateReadyForQuery('I')...)
	return out
}
