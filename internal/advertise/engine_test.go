package advertise

import (
	"net"
	"testing"
	"time"

	"github.com/wg-netmanager/netmanager/internal/envelope"
	"github.com/wg-netmanager/netmanager/internal/meshdb"
	"github.com/wg-netmanager/netmanager/internal/timerwheel"
	"github.com/wg-netmanager/netmanager/internal/wire"
)

func selfIP() net.IP { return net.IPv4(10, 1, 1, 1).To4() }
func peerIP() net.IP { return net.IPv4(10, 1, 1, 2).To4() }

func newTestEngine(t *testing.T) (*Engine, *meshdb.Store) {
	t.Helper()
	store := meshdb.New(selfIP())
	wheel := timerwheel.New()
	cfg := Config{
		SelfWgIP:         selfIP(),
		SelfName:         "node-a",
		SelfKeyTimestamp: 1,
		AdminPort:        51821,
		EnvelopeKey:      [32]byte{1, 2, 3},
	}
	return New(store, wheel, cfg), store
}

func TestStartSchedulesAdvertFullTimer(t *testing.T) {
	e, store := newTestEngine(t)
	store.AddStaticPeer(peerIP(), "node-b", 51821, &meshdb.CandidateEndpoint{Host: "198.51.100.1", Port: 51821, Class: meshdb.ClassStatic})

	now := time.Unix(1_700_000_000, 0)
	out := e.Start(now)

	if len(out) != 1 {
		t.Fatalf("expected bootstrap burst of 1 static peer, got %d", len(out))
	}
	if _, ok := e.wheel.Pending(e.advertFullKey()); !ok {
		t.Fatal("expected T_advert_full timer to be scheduled")
	}
}

func TestBroadcastFullIncludesNonStaticControlOnly(t *testing.T) {
	e, store := newTestEngine(t)
	// Ingest a peer via advertisement so it's ControlOnly but not static.
	now := time.Unix(1_700_000_000, 0)
	_, err := store.IngestAdvertisement(nil, meshdb.AdvertisementInput{
		SenderWgIP:   peerIP(),
		SenderName:   "node-b",
		HasKey:       true,
		KeyTimestamp: 1,
		AdminPort:    51821,
		Endpoints:    []meshdb.EndpointReport{{Host: "198.51.100.2", Port: 51821, Class: meshdb.ClassDynamic}},
	}, now)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}

	out := e.broadcastFull(now)
	if len(out) != 1 {
		t.Fatalf("expected 1 outbound datagram to the now-ControlOnly peer, got %d", len(out))
	}
}

func TestHandleInboundRejectsBadEnvelope(t *testing.T) {
	e, _ := newTestEngine(t)
	out, reason := e.HandleInbound([]byte("garbage"), &net.UDPAddr{IP: net.IPv4(198, 51, 100, 5), Port: 51821}, time.Now())
	if out != nil {
		t.Fatal("expected no outbound datagrams for a malformed envelope")
	}
	if reason == "" {
		t.Fatal("expected a non-empty reject reason")
	}
}

func TestHandleInboundAdvertisementRepliesWhenSenderUnknown(t *testing.T) {
	e, _ := newTestEngine(t)
	now := time.Unix(1_700_000_000, 0)

	adv := &wire.Advertisement{
		SenderWgIP:   peerIP(),
		SenderName:   "node-b",
		KeyTimestamp: 1,
		AdminPort:    51821,
	}
	payload, err := wire.Encode(adv)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	sealed, err := envelope.Seal(e.cfg.EnvelopeKey, peerIP(), now, payload)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	from := &net.UDPAddr{IP: net.IPv4(198, 51, 100, 2), Port: 51821}
	out, reason := e.HandleInbound(sealed, from, now)
	if reason != "" {
		t.Fatalf("unexpected reject reason %q", reason)
	}
	if len(out) != 1 {
		t.Fatalf("expected exactly one AdvertisementReply, got %d", len(out))
	}
	if out[0].Addr.String() != from.String() {
		t.Fatalf("reply addressed to %v, want %v", out[0].Addr, from)
	}
}

func TestHandleInboundSelfEchoDropped(t *testing.T) {
	e, _ := newTestEngine(t)
	now := time.Unix(1_700_000_000, 0)

	adv := &wire.Advertisement{SenderWgIP: e.cfg.SelfWgIP, KeyTimestamp: 1}
	payload, _ := wire.Encode(adv)
	sealed, err := envelope.Seal(e.cfg.EnvelopeKey, e.cfg.SelfWgIP, now, payload)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	out, reason := e.HandleInbound(sealed, &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 1}, now)
	if out != nil {
		t.Fatal("expected no outbound datagrams for a self-echo")
	}
	if reason != "self_echo" {
		t.Fatalf("reason = %q, want self_echo", reason)
	}
}

func TestTickAgingTriggersBurstOnRouteChange(t *testing.T) {
	e, store := newTestEngine(t)
	now := time.Unix(1_700_000_000, 0)

	store.AddStaticPeer(peerIP(), "node-b", 51821, &meshdb.CandidateEndpoint{Host: "198.51.100.1", Port: 51821, Class: meshdb.ClassStatic})
	// An accepted advertisement makes the peer ControlOnly, so the handshake can promote it to Direct.
	if _, err := store.IngestAdvertisement(nil, meshdb.AdvertisementInput{SenderWgIP: peerIP(), SenderName: "node-b", HasKey: true, KeyTimestamp: 1, AdminPort: 51821}, now); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	store.ObserveHandshake(peerIP(), meshdb.CandidateEndpoint{Host: "198.51.100.1", Port: 51821}, now)

	later := now.Add(300 * time.Second)
	out := e.TickAging(later)
	if len(out) == 0 {
		t.Fatal("expected a burst after the direct peer was demoted to Lost")
	}
}

func TestPopDueTimersFiresLocalProbeForDirectCandidate(t *testing.T) {
	e, store := newTestEngine(t)
	now := time.Unix(1_700_000_000, 0)

	_, err := store.IngestAdvertisement(nil, meshdb.AdvertisementInput{
		SenderWgIP:   peerIP(),
		SenderName:   "node-b",
		HasKey:       true,
		KeyTimestamp: 1,
		AdminPort:    51821,
		Endpoints:    []meshdb.EndpointReport{{Host: "192.168.1.5", Port: 51821, Class: meshdb.ClassLocal}},
	}, now)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	store.ObserveLocalContactReply(peerIP(), now)
	e.scheduleLocalProbe(peerIP(), now)

	out := e.PopDueTimers(now.Add(DefaultTLocalProbe + time.Second))
	if len(out) != 1 {
		t.Fatalf("expected 1 LocalContactRequest, got %d", len(out))
	}
}
