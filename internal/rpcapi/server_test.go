package rpcapi

import (
	"bufio"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	dir := t.TempDir()
	s := NewServer(filepath.Join(dir, "wg_netmanager.sock"))
	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { s.Stop() })
	return s
}

func TestServerRoundTripsOneQuery(t *testing.T) {
	s := newTestServer(t)

	go func() {
		q := <-s.Queries()
		q.Resp <- &Response{Result: DaemonPingResult{Pong: true, Version: "test"}}
	}()

	conn, err := net.Dial("unix", s.socketPath)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	req := Request{JSONRPC: "2.0", Method: "daemon.ping", ID: float64(1)}
	body, _ := json.Marshal(req)
	if _, err := conn.Write(append(body, '\n')); err != nil {
		t.Fatalf("write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	scanner := bufio.NewScanner(conn)
	if !scanner.Scan() {
		t.Fatalf("no response read: %v", scanner.Err())
	}
	var resp Response
	if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
	if resp.ID.(float64) != 1 {
		t.Fatalf("ID = %v, want 1", resp.ID)
	}
}

func TestServerRejectsBadJSON(t *testing.T) {
	s := newTestServer(t)

	conn, err := net.Dial("unix", s.socketPath)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("not json\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	scanner := bufio.NewScanner(conn)
	if !scanner.Scan() {
		t.Fatalf("no response read: %v", scanner.Err())
	}
	var resp Response
	if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.Error == nil || resp.Error.Code != ErrCodeParseError {
		t.Fatalf("expected parse error, got %+v", resp.Error)
	}
}

func TestServerStopRemovesSocket(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wg_netmanager.sock")
	s := NewServer(path)
	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if _, err := net.Dial("unix", path); err == nil {
		t.Fatal("expected dial to fail after Stop removed the socket")
	}
}
