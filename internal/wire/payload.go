package wire

import (
	"bytes"
	"fmt"
)

// PutLV appends a 1-byte-length-prefixed string to buf, as used for every
// node and field name embedded in a frame payload.
func PutLV(buf *bytes.Buffer, s string) error {
	if len(s) > 0xFF {
		return fmt.Errorf("wire: value %q exceeds 1-byte length prefix", s)
	}
	buf.WriteByte(byte(len(s)))
	buf.WriteString(s)
	return nil
}

// TakeLV reads a 1-byte-length-prefixed string from the front of data and
// returns it along with the remaining bytes.
func TakeLV(data []byte) (value string, rest []byte, err error) {
	if len(data) < 1 {
		return "", nil, fmt.Errorf("%w: missing length byte", ErrMalformed)
	}
	n := int(data[0])
	if len(data) < 1+n {
		return "", nil, fmt.Errorf("%w: length %d exceeds remaining %d bytes", ErrMalformed, n, len(data)-1)
	}
	return string(data[1 : 1+n]), data[1+n:], nil
}

// ErrMalformed marks a frame payload that was shorter than its opcode
// requires, or otherwise failed to parse. On an authenticated connection
// the server replies ErrMethodNotFound and continues its read loop on this
// condition; a malformed SEND_AUTH gets ErrInvalidCredentials instead. It
// never tears down the connection for it.
var ErrMalformed = fmt.Errorf("wire: malformed payload")
