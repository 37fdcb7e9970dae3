package protocol

import (
	"bytes"
	"strings"
	"testing"
)

func TestFrame_RoundTrip(t *testing.T) {
	cases := []struct {
		name string
		dir  Direction
		f    Frame
	}{
		{"simple c2s", ClientToServer, Frame{MsgID: "Echo", MsgSeq: 1, StageID: 42, Payload: []byte("hello")}},
		{"simple s2c", ServerToClient, Frame{MsgID: "EchoReply", MsgSeq: 1, StageID: 42, ErrorCode: 7, Payload: []byte("hello")}},
		{"oneway", ClientToServer, Frame{MsgID: "Push", MsgSeq: 0, StageID: -1}},
		{"heartbeat", ClientToServer, Frame{MsgID: HeartbeatMsgID}},
		{"max msgId", ServerToClient, Frame{MsgID: strings.Repeat("x", 255), MsgSeq: 65535, StageID: -1 << 62}},
		{"utf8 msgId", ClientToServer, Frame{MsgID: "Привет", MsgSeq: 9, StageID: 5, Payload: []byte{0, 1, 2}}},
		{"empty payload", ServerToClient, Frame{MsgID: "a", MsgSeq: 3, StageID: 0}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			enc, err := tc.f.Encode(tc.dir)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			if len(enc) != tc.f.EncodedSize(tc.dir) {
				t.Errorf("encoded %d bytes, EncodedSize says %d", len(enc), tc.f.EncodedSize(tc.dir))
			}

			d := NewDecoder(tc.dir, 0)
			if err := d.Feed(enc); err != nil {
				t.Fatalf("Feed: %v", err)
			}
			got, err := d.Next()
			if err != nil {
				t.Fatalf("Next: %v", err)
			}
			if got == nil {
				t.Fatal("Next returned nil for a complete frame")
			}
			assertFrameEqual(t, got, &tc.f)

			// Nothing left over.
			if extra, err := d.Next(); err != nil || extra != nil {
				t.Errorf("trailing Next = (%v, %v), want (nil, nil)", extra, err)
			}
		})
	}
}

// Splitting the encoded bytes at any boundary and feeding the pieces
// successively must yield the same frame.
func TestDecoder_PartialFeed(t *testing.T) {
	f := Frame{MsgID: "Move", MsgSeq: 77, StageID: 1234567890, ErrorCode: 3, Payload: []byte("payload-bytes")}
	enc, err := f.Encode(ServerToClient)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	for split := 1; split < len(enc); split++ {
		d := NewDecoder(ServerToClient, 0)
		if err := d.Feed(enc[:split]); err != nil {
			t.Fatalf("split %d: Feed: %v", split, err)
		}

		got, err := d.Next()
		if err != nil {
			t.Fatalf("split %d: Next: %v", split, err)
		}
		if got != nil && split < len(enc) {
			t.Fatalf("split %d: frame decoded before all bytes fed", split)
		}

		if err := d.Feed(enc[split:]); err != nil {
			t.Fatalf("split %d: Feed rest: %v", split, err)
		}
		got, err = d.Next()
		if err != nil {
			t.Fatalf("split %d: Next: %v", split, err)
		}
		if got == nil {
			t.Fatalf("split %d: frame not decoded after all bytes fed", split)
		}
		assertFrameEqual(t, got, &f)
	}
}

func TestDecoder_ByteAtATime(t *testing.T) {
	f := Frame{MsgID: "Tick", MsgSeq: 0, StageID: 9, Payload: bytes.Repeat([]byte{0xCD}, 300)}
	enc, err := f.Encode(ClientToServer)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	d := NewDecoder(ClientToServer, 0)
	for i, b := range enc {
		if err := d.Feed([]byte{b}); err != nil {
			t.Fatalf("Feed byte %d: %v", i, err)
		}
		got, err := d.Next()
		if err != nil {
			t.Fatalf("Next at byte %d: %v", i, err)
		}
		if i < len(enc)-1 {
			if got != nil {
				t.Fatalf("frame complete at byte %d of %d", i, len(enc))
			}
		} else if got == nil {
			t.Fatal("frame not decoded after final byte")
		} else {
			assertFrameEqual(t, got, &f)
		}
	}
}

func TestDecoder_MultipleFramesOneFeed(t *testing.T) {
	frames := []Frame{
		{MsgID: "A", MsgSeq: 1, StageID: 1, Payload: []byte("one")},
		{MsgID: "B", MsgSeq: 2, StageID: 2, Payload: []byte("two")},
		{MsgID: "C", MsgSeq: 0, StageID: 3},
	}
	var stream []byte
	for i := range frames {
		var err error
		stream, err = frames[i].AppendEncode(stream, ClientToServer)
		if err != nil {
			t.Fatalf("AppendEncode: %v", err)
		}
	}

	d := NewDecoder(ClientToServer, 0)
	if err := d.Feed(stream); err != nil {
		t.Fatalf("Feed: %v", err)
	}
	for i := range frames {
		got, err := d.Next()
		if err != nil {
			t.Fatalf("Next %d: %v", i, err)
		}
		if got == nil {
			t.Fatalf("Next %d returned nil", i)
		}
		assertFrameEqual(t, got, &frames[i])
	}
}

func TestDecoder_RejectsOversizedLength(t *testing.T) {
	d := NewDecoder(ClientToServer, 1024)
	// Declared length far beyond the limit.
	if err := d.Feed([]byte{0x7F, 0xFF, 0xFF, 0xFF}); err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if _, err := d.Next(); err == nil {
		t.Error("Next should reject an oversized declared length")
	}
}

func TestDecoder_RejectsZeroMsgIDLen(t *testing.T) {
	// length=12, msgIdLen=0, then 11 filler bytes.
	body := append([]byte{0, 0, 0, 12, 0}, make([]byte, 11)...)
	d := NewDecoder(ClientToServer, 0)
	if err := d.Feed(body); err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if _, err := d.Next(); err == nil {
		t.Error("Next should reject msgIdLen=0")
	}
}

func TestDecoder_RejectsTruncatedHeader(t *testing.T) {
	// Declared body of 3 bytes cannot hold the fixed header.
	d := NewDecoder(ClientToServer, 0)
	if err := d.Feed([]byte{0, 0, 0, 3, 2, 'a', 'b'}); err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if _, err := d.Next(); err == nil {
		t.Error("Next should reject a body shorter than the fixed header")
	}
}

func TestFrame_EncodeRejectsBadMsgID(t *testing.T) {
	f := Frame{MsgID: ""}
	if _, err := f.Encode(ClientToServer); err == nil {
		t.Error("Encode should reject an empty msgId")
	}
	f.MsgID = strings.Repeat("x", 256)
	if _, err := f.Encode(ClientToServer); err == nil {
		t.Error("Encode should reject msgId longer than 255 bytes")
	}
}

func assertFrameEqual(t *testing.T, got, want *Frame) {
	t.Helper()
	if got.MsgID != want.MsgID {
		t.Errorf("MsgID = %q, want %q", got.MsgID, want.MsgID)
	}
	if got.MsgSeq != want.MsgSeq {
		t.Errorf("MsgSeq = %d, want %d", got.MsgSeq, want.MsgSeq)
	}
	if got.StageID != want.StageID {
		t.Errorf("StageID = %d, want %d", got.StageID, want.StageID)
	}
	if got.ErrorCode != want.ErrorCode {
		t.Errorf("ErrorCode = %d, want %d", got.ErrorCode, want.ErrorCode)
	}
	if !bytes.Equal(got.Payload, want.Payload) {
		t.Errorf("Payload = %v, want %v", got.Payload, want.Payload)
	}
}
