package daemon

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/wg-netmanager/netmanager/internal/config"
	"github.com/wg-netmanager/netmanager/internal/netdrv"
	"github.com/wg-netmanager/netmanager/internal/rpcapi"
)

func freePort(t *testing.T) uint16 {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	defer conn.Close()
	return uint16(conn.LocalAddr().(*net.UDPAddr).Port)
}

func testConfig(t *testing.T, selfPort uint16) *config.Config {
	t.Helper()
	_, subnet, err := net.ParseCIDR("10.1.1.0/24")
	if err != nil {
		t.Fatalf("parse subnet: %v", err)
	}
	return &config.Config{
		SharedKey: make([]byte, 32),
		Subnet:    subnet,
		Peers: []config.ResolvedPeer{
			{Host: "127.0.0.1", Port: selfPort, AdminPort: selfPort, WgIP: net.IPv4(10, 1, 1, 1).To4(), IsStatic: true},
		},
	}
}

func TestRunBootstrapsDeviceAndShutsDownCleanly(t *testing.T) {
	port := freePort(t)
	cfg := testConfig(t, port)
	driver := netdrv.NewFakeDriver()

	d, err := New(cfg, driver, Options{
		InterfaceName: "wgtest0",
		SelfWgIP:      net.IPv4(10, 1, 1, 1).To4(),
		SelfName:      "node-a",
		StaticListener: true,
		RPCSocketPath: filepath.Join(t.TempDir(), "wg_netmanager.sock"),
		Version:       "test",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- d.Run(ctx) }()

	// Give the loop a moment to reach its bootstrap reconcile.
	time.Sleep(100 * time.Millisecond)
	if !driver.Created {
		t.Fatal("expected CreateDevice to have been called")
	}

	cancel()
	select {
	case err := <-runErr:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}

	if !driver.Destroyed {
		t.Fatal("expected DestroyDevice to have been called on shutdown")
	}
	if driver.Peers != nil || driver.Routes != nil {
		t.Fatal("expected peers and routes cleared on shutdown")
	}
}

func TestRunServesRPCQueries(t *testing.T) {
	port := freePort(t)
	cfg := testConfig(t, port)
	driver := netdrv.NewFakeDriver()
	socketPath := filepath.Join(t.TempDir(), "wg_netmanager.sock")

	d, err := New(cfg, driver, Options{
		InterfaceName: "wgtest1",
		SelfWgIP:      net.IPv4(10, 1, 1, 1).To4(),
		SelfName:      "node-a",
		RPCSocketPath: socketPath,
		Version:       "test",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	var conn net.Conn
	for i := 0; i < 50; i++ {
		conn, err = net.Dial("unix", socketPath)
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("dial rpc socket: %v", err)
	}
	defer conn.Close()

	req := rpcapi.Request{JSONRPC: "2.0", Method: "daemon.ping", ID: float64(7)}
	body, _ := json.Marshal(req)
	if _, err := conn.Write(append(body, '\n')); err != nil {
		t.Fatalf("write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	scanner := bufio.NewScanner(conn)
	if !scanner.Scan() {
		t.Fatalf("no response: %v", scanner.Err())
	}
	var resp rpcapi.Response
	if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
}

func TestNewRejectsUnlistedSelfWgIP(t *testing.T) {
	cfg := testConfig(t, freePort(t))
	driver := netdrv.NewFakeDriver()
	_, err := New(cfg, driver, Options{
		InterfaceName: "wgtest2",
		SelfWgIP:      net.IPv4(10, 1, 1, 9).To4(),
		SelfName:      "ghost",
	})
	if err == nil {
		t.Fatal("expected error for a self wg_ip absent from peers:")
	}
}
