package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"
)

// ErrFraming is returned when fewer than the advertised length arrives
// before EOF on a stream frame.
var ErrFraming = errors.New("wire: framing error")

// ErrDecode is returned when a compressed frame block cannot be inflated.
var ErrDecode = errors.New("wire: decode error")

// MaxFrameLen bounds the 4-byte length prefix; frames above it are rejected
// as framing errors rather than risking a multi-gigabyte allocation.
const MaxFrameLen = 1 << 28

// EncodeFrame compresses opcode+body and prepends the 4-byte big-endian
// length of the compressed block. The result is what goes on the stream
// transport for a single logical message.
func EncodeFrame(op Opcode, body []byte) ([]byte, error) {
	var plain bytes.Buffer
	plain.WriteByte(byte(op))
	plain.Write(body)

	var compressed bytes.Buffer
	fw, err := flate.NewWriter(&compressed, flate.DefaultCompression)
	if err != nil {
		return nil, fmt.Errorf("wire: new flate writer: %w", err)
	}
	if _, err := fw.Write(plain.Bytes()); err != nil {
		return nil, fmt.Errorf("wire: flate write: %w", err)
	}
	if err := fw.Close(); err != nil {
		return nil, fmt.Errorf("wire: flate close: %w", err)
	}

	if compressed.Len() > MaxFrameLen {
		return nil, fmt.Errorf("%w: frame of %d bytes exceeds max %d", ErrFraming, compressed.Len(), MaxFrameLen)
	}

	out := make([]byte, 4+compressed.Len())
	binary.BigEndian.PutUint32(out[:4], uint32(compressed.Len()))
	copy(out[4:], compressed.Bytes())
	return out, nil
}

// ReadFrame reads one length-prefixed compressed frame from r and returns
// its opcode and remaining payload. It returns ErrFraming if the stream
// ends before the advertised length is satisfied, and ErrDecode if the
// compressed block is malformed.
func ReadFrame(r io.Reader) (Opcode, []byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return 0, nil, fmt.Errorf("%w: reading length prefix: %v", ErrFraming, err)
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length > MaxFrameLen {
		return 0, nil, fmt.Errorf("%w: advertised length %d exceeds max %d", ErrFraming, length, MaxFrameLen)
	}

	compressed := make([]byte, length)
	if _, err := io.ReadFull(r, compressed); err != nil {
		return 0, nil, fmt.Errorf("%w: reading %d byte payload: %v", ErrFraming, length, err)
	}

	fr := flate.NewReader(bytes.NewReader(compressed))
	defer fr.Close()
	plain, err := io.ReadAll(fr)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if len(plain) == 0 {
		return 0, nil, fmt.Errorf("%w: empty decompressed frame", ErrDecode)
	}

	return Opcode(plain[0]), plain[1:], nil
}

// EncodeRecord frames a single datagram record: a 4-byte big-endian length
// prefix followed by the uncompressed opcode+data. Multiple records may be
// concatenated into one UDP payload by the caller.
func EncodeRecord(op DatagramOp, body []byte) []byte {
	out := make([]byte, 4+1+len(body))
	binary.BigEndian.PutUint32(out[:4], uint32(1+len(body)))
	out[4] = byte(op)
	copy(out[5:], body)
	return out
}

// RecordBuffer accumulates raw bytes received from a single datagram peer
// and lets the datagram loop pull out one complete {length, payload} record
// at a time, even when several records were coalesced into one receive
// buffer or arrived across several reads.
type RecordBuffer struct {
	buf []byte
}

// Append adds newly received bytes to the back of the buffer.
func (b *RecordBuffer) Append(data []byte) {
	b.buf = append(b.buf, data...)
}

// TakeRecord removes and returns the first complete record from the front
// of the buffer. ok is false if the buffer does not yet hold a full record.
func (b *RecordBuffer) TakeRecord() (op DatagramOp, payload []byte, ok bool) {
	if len(b.buf) < 4 {
		return 0, nil, false
	}
	length := binary.BigEndian.Uint32(b.buf[:4])
	if uint32(len(b.buf)-4) < length || length == 0 {
		return 0, nil, false
	}

	record := b.buf[4 : 4+length]
	op = DatagramOp(record[0])
	payload = append([]byte(nil), record[1:]...)
	b.buf = b.buf[4+length:]
	return op, payload, true
}

// Empty reports whether the buffer holds no pending bytes at all.
func (b *RecordBuffer) Empty() bool {
	return len(b.buf) == 0
}
