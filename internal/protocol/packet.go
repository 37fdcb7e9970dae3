package protocol

import "github.com/playhive/playhive/internal/buffer"

// Packet is the internal message value handed to user code: the msgId, an
// opaque payload, and the error code for replies. Ownership of the payload
// buffer is exclusive: exactly one handler consumes the packet and calls
// Release when done.
type Packet struct {
	MsgID     string
	Payload   []byte
	ErrorCode uint16

	pool     *buffer.BytePool
	released bool
}

// NewPacket wraps a caller-owned payload. Release is a no-op.
func NewPacket(msgID string, payload []byte) *Packet {
	return &Packet{MsgID: msgID, Payload: payload}
}

// NewPooledPacket wraps a pool-backed payload. Release returns the buffer.
func NewPooledPacket(msgID string, payload []byte, pool *buffer.BytePool) *Packet {
	return &Packet{MsgID: msgID, Payload: payload, pool: pool}
}

// WithError returns the packet with errorCode set. Convenient for replies.
func (p *Packet) WithError(code uint16) *Packet {
	p.ErrorCode = code
	return p
}

// Release returns the payload buffer to its pool. Calling it twice is a
// programming error and panics so misuse shows up in tests.
func (p *Packet) Release() {
	if p.pool == nil {
		return
	}
	if p.released {
		panic("protocol: packet released twice")
	}
	p.released = true
	p.pool.Put(p.Payload)
	p.Payload = nil
}
