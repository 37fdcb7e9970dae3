// Package testutil provides shared helpers for the framework's test suites:
// in-memory connections and frame builders.
package testutil

import (
	"net"
	"testing"
)

// PipeConn creates a connected net.Conn pair via net.Pipe and closes both
// ends when the test finishes.
func PipeConn(t testing.TB) (client, server net.Conn) {
	t.Helper()

	server, client = net.Pipe()

	t.Cleanup(func() {
		_ = server.Close()
		_ = client.Close()
	})

	return client, server
}

// TCPPair dials a real loopback TCP connection pair, for tests that need
// deadlines and writev semantics that net.Pipe does not provide.
func TCPPair(t testing.TB) (client, server net.Conn) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		server, err = ln.Accept()
	}()

	client, err = net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	<-done
	if server == nil {
		t.Fatal("accept failed")
	}

	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})
	return client, server
}

// FakeAddr implements net.Addr for tests.
type FakeAddr struct {
	NetworkName string
	AddrString  string
}

func (f FakeAddr) Network() string { return f.NetworkName }
func (f FakeAddr) String() string  { return f.AddrString }
