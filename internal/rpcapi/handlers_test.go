package rpcapi

import (
	"net"
	"testing"
	"time"

	"github.com/wg-netmanager/netmanager/internal/meshdb"
)

func TestHandlePeersListIncludesEndpoint(t *testing.T) {
	store := meshdb.New(net.IPv4(10, 1, 1, 1).To4())
	store.AddStaticPeer(net.IPv4(10, 1, 1, 2).To4(), "node-b", 51821, &meshdb.CandidateEndpoint{
		Host: "198.51.100.1", Port: 51821, Class: meshdb.ClassStatic,
	})

	resp := Handle(Query{Method: "peers.list"}, store, StatusSource{})
	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error)
	}
	list, ok := resp.Result.(PeersListResult)
	if !ok {
		t.Fatalf("result type = %T, want PeersListResult", resp.Result)
	}
	if len(list.Peers) != 1 {
		t.Fatalf("len(Peers) = %d, want 1", len(list.Peers))
	}
	if list.Peers[0].Endpoint != "198.51.100.1:51821" {
		t.Fatalf("Endpoint = %q", list.Peers[0].Endpoint)
	}
	if list.Peers[0].IsStatic != true {
		t.Fatal("expected IsStatic true for configured peer")
	}
}

func TestHandlePeersCountBucketsByReachability(t *testing.T) {
	store := meshdb.New(net.IPv4(10, 1, 1, 1).To4())
	store.AddStaticPeer(net.IPv4(10, 1, 1, 2).To4(), "node-b", 51821, nil)

	resp := Handle(Query{Method: "peers.count"}, store, StatusSource{})
	count, ok := resp.Result.(PeersCountResult)
	if !ok {
		t.Fatalf("result type = %T, want PeersCountResult", resp.Result)
	}
	if count.Total != 1 {
		t.Fatalf("Total = %d, want 1", count.Total)
	}
}

func TestHandleDaemonStatusReportsUptimeAndPeerCount(t *testing.T) {
	store := meshdb.New(net.IPv4(10, 1, 1, 1).To4())
	store.AddStaticPeer(net.IPv4(10, 1, 1, 2).To4(), "node-b", 51821, nil)

	status := StatusSource{Interface: "wg0", Version: "test", StartedAt: time.Now().Add(-time.Minute)}
	resp := Handle(Query{Method: "daemon.status"}, store, status)
	s, ok := resp.Result.(DaemonStatusResult)
	if !ok {
		t.Fatalf("result type = %T, want DaemonStatusResult", resp.Result)
	}
	if s.PeerCount != 1 {
		t.Fatalf("PeerCount = %d, want 1", s.PeerCount)
	}
	if s.Uptime < time.Second {
		t.Fatalf("Uptime = %v, want >= 1s", s.Uptime)
	}
}

func TestHandleUnknownMethod(t *testing.T) {
	store := meshdb.New(net.IPv4(10, 1, 1, 1).To4())
	resp := Handle(Query{Method: "nope"}, store, StatusSource{})
	if resp.Error == nil || resp.Error.Code != ErrCodeMethodNotFound {
		t.Fatalf("expected method-not-found error, got %+v", resp.Error)
	}
}
