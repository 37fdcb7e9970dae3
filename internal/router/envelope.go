// Package router carries route envelopes between servers identified by
// "serviceType:serverId" NID strings. Every server listens and dials in a
// symmetric router-to-router pattern; transport is one TCP connection per
// peer pair multiplexed with yamux, envelopes length-prefixed on a stream.
package router

import (
	"encoding/binary"
	"fmt"
)

// Service identifies the role of a destination server.
const (
	ServicePlay uint16 = 1
	ServiceAPI  uint16 = 2
)

// RouteHeader addresses one inter-server envelope.
type RouteHeader struct {
	MsgSeq      uint16
	ServiceType uint16
	MsgID       string
	FromNid     string
	StageID     int64
	AccountID   string
	IsReply     bool
	ErrorCode   uint16
}

// Envelope is a route header plus an opaque payload.
type Envelope struct {
	Header  RouteHeader
	Payload []byte
}

const (
	maxEnvelopeSize = 16 << 20
	flagIsReply     = 1 << 0
)

// appendString writes a u16 length prefix plus bytes.
func appendString(dst []byte, s string) ([]byte, error) {
	if len(s) > 0xFFFF {
		return dst, fmt.Errorf("route string too long: %d", len(s))
	}
	dst = binary.LittleEndian.AppendUint16(dst, uint16(len(s)))
	return append(dst, s...), nil
}

func readString(b []byte) (string, []byte, error) {
	if len(b) < 2 {
		return "", nil, fmt.Errorf("route string: truncated length")
	}
	n := int(binary.LittleEndian.Uint16(b))
	b = b[2:]
	if len(b) < n {
		return "", nil, fmt.Errorf("route string: truncated body (%d < %d)", len(b), n)
	}
	return string(b[:n]), b[n:], nil
}

// Marshal encodes the envelope body (no outer length prefix).
func (e *Envelope) Marshal() ([]byte, error) {
	dst := make([]byte, 0, 32+len(e.Header.MsgID)+len(e.Header.FromNid)+len(e.Header.AccountID)+len(e.Payload))
	h := &e.Header

	dst = binary.LittleEndian.AppendUint16(dst, h.MsgSeq)
	dst = binary.LittleEndian.AppendUint16(dst, h.ServiceType)
	var flags byte
	if h.IsReply {
		flags |= flagIsReply
	}
	dst = append(dst, flags)
	dst = binary.LittleEndian.AppendUint16(dst, h.ErrorCode)
	dst = binary.LittleEndian.AppendUint64(dst, uint64(h.StageID))

	var err error
	if dst, err = appendString(dst, h.MsgID); err != nil {
		return nil, err
	}
	if dst, err = appendString(dst, h.FromNid); err != nil {
		return nil, err
	}
	if dst, err = appendString(dst, h.AccountID); err != nil {
		return nil, err
	}
	return append(dst, e.Payload...), nil
}

// UnmarshalEnvelope decodes one envelope body.
func UnmarshalEnvelope(b []byte) (*Envelope, error) {
	if len(b) < 15 {
		return nil, fmt.Errorf("envelope truncated: %d bytes", len(b))
	}
	e := &Envelope{}
	h := &e.Header

	h.MsgSeq = binary.LittleEndian.Uint16(b)
	h.ServiceType = binary.LittleEndian.Uint16(b[2:])
	flags := b[4]
	h.IsReply = flags&flagIsReply != 0
	h.ErrorCode = binary.LittleEndian.Uint16(b[5:])
	h.StageID = int64(binary.LittleEndian.Uint64(b[7:]))
	b = b[15:]

	var err error
	if h.MsgID, b, err = readString(b); err != nil {
		return nil, fmt.Errorf("msgId: %w", err)
	}
	if h.FromNid, b, err = readString(b); err != nil {
		return nil, fmt.Errorf("fromNid: %w", err)
	}
	if h.AccountID, b, err = readString(b); err != nil {
		return nil, fmt.Errorf("accountId: %w", err)
	}
	if len(b) > 0 {
		e.Payload = make([]byte, len(b))
		copy(e.Payload, b)
	}
	return e, nil
}
