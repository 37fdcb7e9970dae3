package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/playhive/playhive/internal/buffer"
)

// Wire protocol constants.
const (
	// LengthPrefixSize is the outer big-endian length prefix.
	LengthPrefixSize = 4

	// MaxBodySize caps a single frame payload.
	MaxBodySize = 2 << 20 // 2 MiB

	// DefaultMaxMessageSize caps a whole frame including header.
	DefaultMaxMessageSize = 10 << 20 // 10 MiB

	// HeartbeatMsgID is the reserved msgId for heartbeat frames.
	// Heartbeats carry msgSeq=0 and a zero-length payload.
	HeartbeatMsgID = "@Heart@Beat@"
)

// Direction selects the frame layout: server→client frames carry an errorCode
// field between stageId and payload, client→server frames do not.
type Direction int

const (
	ClientToServer Direction = iota
	ServerToClient
)

// Frame is one client↔server message unit.
//
// On the wire (after the 4-byte big-endian length prefix):
//
//	msgIdLen  u8      1..255
//	msgId     bytes   UTF-8, no NUL
//	msgSeq    u16 LE  0 = one-way, >0 correlates request/reply
//	stageId   i64 LE
//	errorCode u16 LE  server→client only
//	payload   bytes
type Frame struct {
	MsgID     string
	MsgSeq    uint16
	StageID   int64
	ErrorCode uint16
	Payload   []byte
}

// IsHeartbeat reports whether the frame is the reserved heartbeat message.
func (f *Frame) IsHeartbeat() bool { return f.MsgID == HeartbeatMsgID }

// headerSize returns the fixed header size after the length prefix,
// excluding the payload, for the given msgId length.
func headerSize(msgIDLen int, dir Direction) int {
	n := 1 + msgIDLen + 2 + 8
	if dir == ServerToClient {
		n += 2
	}
	return n
}

// EncodedSize returns the total encoded size of the frame including the
// length prefix.
func (f *Frame) EncodedSize(dir Direction) int {
	return LengthPrefixSize + headerSize(len(f.MsgID), dir) + len(f.Payload)
}

// AppendEncode appends the encoded frame to dst and returns the extended
// slice. The payload is copied; dst may be a pooled buffer.
func (f *Frame) AppendEncode(dst []byte, dir Direction) ([]byte, error) {
	idLen := len(f.MsgID)
	if idLen == 0 || idLen > 255 {
		return dst, fmt.Errorf("%w: msgId length %d", ErrFrameFormat, idLen)
	}
	if len(f.Payload) > MaxBodySize {
		return dst, fmt.Errorf("%w: payload %d exceeds %d", ErrFrameFormat, len(f.Payload), MaxBodySize)
	}

	body := headerSize(idLen, dir) + len(f.Payload)
	dst = binary.BigEndian.AppendUint32(dst, uint32(body))
	dst = append(dst, byte(idLen))
	dst = append(dst, f.MsgID...)
	dst = binary.LittleEndian.AppendUint16(dst, f.MsgSeq)
	dst = binary.LittleEndian.AppendUint64(dst, uint64(f.StageID))
	if dir == ServerToClient {
		dst = binary.LittleEndian.AppendUint16(dst, f.ErrorCode)
	}
	dst = append(dst, f.Payload...)
	return dst, nil
}

// Encode allocates and returns the encoded frame.
func (f *Frame) Encode(dir Direction) ([]byte, error) {
	return f.AppendEncode(make([]byte, 0, f.EncodedSize(dir)), dir)
}

// decodeBody parses one frame body (everything after the length prefix).
// The payload is copied out of body so the caller may reuse its buffer; a
// non-nil pool supplies the payload buffer.
func decodeBody(body []byte, dir Direction, pool *buffer.BytePool) (*Frame, error) {
	if len(body) < 1 {
		return nil, fmt.Errorf("%w: empty body", ErrFrameFormat)
	}
	idLen := int(body[0])
	if idLen == 0 {
		return nil, fmt.Errorf("%w: zero msgId length", ErrFrameFormat)
	}
	fixed := headerSize(idLen, dir)
	if len(body) < fixed {
		return nil, fmt.Errorf("%w: body %d shorter than header %d", ErrFrameFormat, len(body), fixed)
	}

	f := &Frame{MsgID: string(body[1 : 1+idLen])}
	off := 1 + idLen
	f.MsgSeq = binary.LittleEndian.Uint16(body[off:])
	off += 2
	f.StageID = int64(binary.LittleEndian.Uint64(body[off:]))
	off += 8
	if dir == ServerToClient {
		f.ErrorCode = binary.LittleEndian.Uint16(body[off:])
		off += 2
	}

	payload := body[off:]
	if len(payload) > MaxBodySize {
		return nil, fmt.Errorf("%w: payload %d exceeds %d", ErrFrameFormat, len(payload), MaxBodySize)
	}
	if len(payload) > 0 {
		if pool != nil {
			f.Payload = pool.Get(len(payload))
		} else {
			f.Payload = make([]byte, len(payload))
		}
		copy(f.Payload, payload)
	}
	return f, nil
}
