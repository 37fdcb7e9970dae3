package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/playhive/playhive/internal/buffer"
)

const defaultDecoderBuf = 64 << 10 // 64 KiB

// Decoder turns a continuous byte stream into frames. It buffers partial
// input in a ring buffer and runs a two-state machine: awaiting-length
// (4-byte big-endian prefix) then awaiting-body. Single-consumer: callers
// must not feed or drain concurrently.
type Decoder struct {
	ring       *buffer.Ring
	dir        Direction
	maxMessage int
	pool       *buffer.BytePool

	bodyLen int // 0 while awaiting the length prefix
	scratch [LengthPrefixSize]byte
}

// NewDecoder creates a decoder for the given direction. maxMessage caps the
// whole frame; 0 selects DefaultMaxMessageSize.
func NewDecoder(dir Direction, maxMessage int) *Decoder {
	if maxMessage <= 0 {
		maxMessage = DefaultMaxMessageSize
	}
	return &Decoder{
		ring:       buffer.NewRing(defaultDecoderBuf, maxMessage+LengthPrefixSize),
		dir:        dir,
		maxMessage: maxMessage,
	}
}

// SetPool makes the decoder allocate frame payloads from p, so a packet
// built over the payload can return the buffer after dispatch. nil keeps
// plain allocation.
func (d *Decoder) SetPool(p *buffer.BytePool) { d.pool = p }

// Feed appends raw bytes from the transport. A buffering failure means the
// peer exceeded the frame size limit; the caller must close the session.
func (d *Decoder) Feed(p []byte) error {
	if err := d.ring.Write(p); err != nil {
		return fmt.Errorf("%w: %v", ErrFrameFormat, err)
	}
	return nil
}

// Next returns the next complete frame, or nil when more bytes are needed.
// A non-nil error is fatal for the connection.
func (d *Decoder) Next() (*Frame, error) {
	if d.bodyLen == 0 {
		if d.ring.Len() < LengthPrefixSize {
			return nil, nil
		}
		if err := d.ring.Consume(LengthPrefixSize, d.scratch[:]); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrFrameFormat, err)
		}
		n := int(binary.BigEndian.Uint32(d.scratch[:]))
		if n <= 0 || n > d.maxMessage {
			return nil, fmt.Errorf("%w: declared length %d (max %d)", ErrFrameFormat, n, d.maxMessage)
		}
		d.bodyLen = n
	}

	if d.ring.Len() < d.bodyLen {
		return nil, nil
	}

	body := make([]byte, d.bodyLen)
	if err := d.ring.Consume(d.bodyLen, body); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFrameFormat, err)
	}
	d.bodyLen = 0

	f, err := decodeBody(body, d.dir, d.pool)
	if err != nil {
		return nil, err
	}
	return f, nil
}
