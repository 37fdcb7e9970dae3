package testutil

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/playhive/playhive/internal/protocol"
)

// WriteFrame encodes f in the given direction and writes it to w.
func WriteFrame(t testing.TB, w io.Writer, f *protocol.Frame, dir protocol.Direction) {
	t.Helper()
	enc, err := f.Encode(dir)
	if err != nil {
		t.Fatalf("encode frame: %v", err)
	}
	if _, err := w.Write(enc); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

// ReadFrame blocks until one full frame is decoded from conn or the timeout
// elapses.
func ReadFrame(t testing.TB, conn net.Conn, dir protocol.Direction, timeout time.Duration) *protocol.Frame {
	t.Helper()
	dec := protocol.NewDecoder(dir, 0)
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	defer conn.SetReadDeadline(time.Time{})

	chunk := make([]byte, 4096)
	for {
		f, err := dec.Next()
		if err != nil {
			t.Fatalf("decode frame: %v", err)
		}
		if f != nil {
			return f
		}
		n, err := conn.Read(chunk)
		if err != nil {
			t.Fatalf("read frame bytes: %v", err)
		}
		if err := dec.Feed(chunk[:n]); err != nil {
			t.Fatalf("feed decoder: %v", err)
		}
	}
}
