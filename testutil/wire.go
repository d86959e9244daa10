package testutil

import (
	"bufio"
	"net"
	"testing"
	"time"

	"github.com/ozanturksever/go-centralmutex/protocol"
)

// FreeAddr returns a loopback address whose port was free when checked.
func FreeAddr(t *testing.T) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to find a free port: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	return addr
}

// Requester is a raw client holding one request connection open.
type Requester struct {
	ID     protocol.ProcessID
	conn   net.Conn
	reader *bufio.Reader
}

// Request dials addr and sends Request(id). The connection is closed on cleanup.
func Request(t *testing.T, addr string, id protocol.ProcessID) *Requester {
	t.Helper()

	conn := dial(t, addr)
	if err := protocol.WriteMessage(conn, protocol.Request(id)); err != nil {
		t.Fatalf("failed to send request for %d: %v", id, err)
	}
	return &Requester{ID: id, conn: conn, reader: bufio.NewReader(conn)}
}

// Next reads the next message, waiting at most timeout.
func (r *Requester) Next(timeout time.Duration) (protocol.Message, error) {
	_ = r.conn.SetReadDeadline(time.Now().Add(timeout))
	return protocol.ReadMessage(r.reader)
}

// Close closes the connection.
func (r *Requester) Close() {
	_ = r.conn.Close()
}

// Release sends Release(id) on a fresh connection.
func Release(t *testing.T, addr string, id protocol.ProcessID) {
	t.Helper()
	SendLine(t, addr, mustEncode(t, protocol.Release(id)))
}

// SendLine writes raw bytes on a fresh connection and closes it.
func SendLine(t *testing.T, addr string, line []byte) {
	t.Helper()

	conn := dial(t, addr)
	defer conn.Close()
	if _, err := conn.Write(line); err != nil {
		t.Fatalf("failed to write to %s: %v", addr, err)
	}
}

func dial(t *testing.T, addr string) net.Conn {
	t.Helper()

	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatalf("failed to dial %s: %v", addr, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func mustEncode(t *testing.T, msg protocol.Message) []byte {
	t.Helper()

	line, err := protocol.Encode(msg)
	if err != nil {
		t.Fatalf("failed to encode %s: %v", msg, err)
	}
	return line
}
