package meshdb

import (
	"errors"
	"net"
	"sort"
	"time"
)

// DefaultMaxPeers bounds memory under a flood of spoofed advertisements; a
// legitimate mesh built around one pre-shared key is unlikely to ever
// approach four-digit node counts.
const DefaultMaxPeers = 1000

var (
	// ErrSelfEcho is returned by IngestAdvertisement when sender_wg_ip equals
	// this node's own wg_ip (spec.md §4.5 step 2).
	ErrSelfEcho = errors.New("meshdb: advertisement from self wg_ip")

	// ErrPeerCapReached is returned when a brand-new peer would exceed
	// DefaultMaxPeers; existing-peer updates are never rejected this way.
	ErrPeerCapReached = errors.New("meshdb: peer table at capacity")

	// ErrStaleKeyTimestamp is a ProtocolReject (spec.md §7): a different
	// public key arrived for a known wg_ip with key_timestamp <= the one on
	// file (invariant 5).
	ErrStaleKeyTimestamp = errors.New("meshdb: key_timestamp does not supersede known key")
)

// EndpointReport is one endpoint as carried inside a received advertisement,
// decoupled from the wire codec's type so this package has no dependency on
// internal/wire.
type EndpointReport struct {
	Host  string
	Port  uint16
	Class EndpointClass
}

// AdvertisementInput is the codec-independent shape IngestAdvertisement
// consumes; internal/advertise is responsible for translating a decoded
// wire.Advertisement into this.
type AdvertisementInput struct {
	SenderWgIP   net.IP
	SenderName   string
	HasKey       bool
	PublicKey    [32]byte
	KeyTimestamp uint64
	AdminPort    uint16
	Endpoints    []EndpointReport
	// Routes is dest_wg_ip (string form) -> hop_count, excluding the sender
	// itself, as reported in the advertisement's RouteDigest list.
	Routes         map[string]uint8
	RouteDBVersion uint32
}

// ChangeSet summarizes what a mutation actually changed, per spec.md §4.4.
// A zero-value ChangeSet means nothing observable changed.
type ChangeSet struct {
	NewPeer       bool
	KeyRotated    bool
	RoutesChanged bool
	Demoted       []net.IP
	Removed       []net.IP
}

// Empty reports whether the ChangeSet carries no observable change.
func (c ChangeSet) Empty() bool {
	return !c.NewPeer && !c.KeyRotated && !c.RoutesChanged && len(c.Demoted) == 0 && len(c.Removed) == 0
}

// Store is the single-writer peer/route database. Every exported mutator is
// meant to be invoked only from the event loop goroutine (spec.md §5); Store
// takes no internal lock.
type Store struct {
	selfWgIP net.IP
	maxPeers int
	peers    map[string]*Peer // keyed by wg_ip.String()
	routes   map[string]RouteEntry
}

// New returns an empty Store for a node whose own overlay address is
// selfWgIP.
func New(selfWgIP net.IP) *Store {
	return &Store{
		selfWgIP: selfWgIP,
		maxPeers: DefaultMaxPeers,
		peers:    make(map[string]*Peer),
		routes:   make(map[string]RouteEntry),
	}
}

// AddStaticPeer registers a peer known from configuration. Static peers are
// never removed by Tick, only demoted to Lost (spec.md §3 "Lifecycle").
func (s *Store) AddStaticPeer(wgIP net.IP, name string, adminPort uint16, staticEndpoint *CandidateEndpoint) {
	key := wgIP.String()
	p, exists := s.peers[key]
	if !exists {
		p = newPeer(wgIP, name)
		s.peers[key] = p
	}
	p.IsStatic = true
	if adminPort != 0 {
		p.AdminPort = adminPort
	}
	if staticEndpoint != nil {
		ep := *staticEndpoint
		ep.Class = ClassStatic
		p.upsertEndpoint(ep)
	}
}

// IngestAdvertisement applies a validated Advertisement or AdvertisementReply
// to the database (spec.md §4.4 ingest_advertisement). observedEndpoint, when
// non-nil, is the UDP source address the datagram actually arrived from and
// is recorded as a Dynamic candidate endpoint.
func (s *Store) IngestAdvertisement(observedEndpoint *CandidateEndpoint, in AdvertisementInput, now time.Time) (ChangeSet, error) {
	if in.SenderWgIP.Equal(s.selfWgIP) {
		return ChangeSet{}, ErrSelfEcho
	}

	key := in.SenderWgIP.String()
	existing, exists := s.peers[key]

	if exists && in.HasKey && existing.HasKey && existing.PublicKey != in.PublicKey && in.KeyTimestamp <= existing.KeyTimestamp {
		return ChangeSet{}, ErrStaleKeyTimestamp
	}
	if !exists && len(s.peers) >= s.maxPeers {
		return ChangeSet{}, ErrPeerCapReached
	}

	var cs ChangeSet
	peer := existing
	if !exists {
		peer = newPeer(in.SenderWgIP, in.SenderName)
		s.peers[key] = peer
		cs.NewPeer = true
	}

	if in.SenderName != "" {
		peer.Name = in.SenderName
	}
	if in.AdminPort != 0 {
		peer.AdminPort = in.AdminPort
	}

	if in.HasKey && (!peer.HasKey || in.KeyTimestamp > peer.KeyTimestamp || peer.PublicKey == in.PublicKey) {
		if !peer.HasKey || peer.PublicKey != in.PublicKey {
			cs.KeyRotated = true
		}
		peer.PublicKey = in.PublicKey
		peer.KeyTimestamp = in.KeyTimestamp
		peer.HasKey = true
	}

	for _, ep := range in.Endpoints {
		peer.upsertEndpoint(CandidateEndpoint{Host: ep.Host, Port: ep.Port, Class: ep.Class, LastSeen: now})
	}
	if observedEndpoint != nil {
		o := *observedEndpoint
		o.Class = ClassDynamic
		o.LastSeen = now
		peer.upsertEndpoint(o)
	}

	if !exists || in.RouteDBVersion >= peer.RouteDBVersion {
		peer.RouteDBVersion = in.RouteDBVersion
		newRoutes := make(map[string]uint8, len(in.Routes))
		for d, h := range in.Routes {
			newRoutes[d] = h
		}
		peer.AdvertisedRoutes = newRoutes
	}

	peer.LastSeenViaAny = now
	if peer.Reachability == NeverSeen || peer.Reachability == Lost {
		peer.Reachability = ControlOnly
	}

	s.recomputeRoutes(&cs)
	return cs, nil
}

// ObserveHandshake records that C3's query_observed_endpoint reported a
// recent WireGuard handshake for peerWgIP, advancing it to Direct from
// ControlOnly or DirectCandidate (spec.md §4.5).
func (s *Store) ObserveHandshake(peerWgIP net.IP, observed CandidateEndpoint, now time.Time) ChangeSet {
	var cs ChangeSet
	p, ok := s.peers[peerWgIP.String()]
	if !ok {
		return cs
	}
	if p.Reachability == ControlOnly || p.Reachability == DirectCandidate {
		p.Reachability = Direct
	}
	observed.Class = ClassDynamic
	observed.LastSeen = now
	p.upsertEndpoint(observed)
	p.LastSeenViaAny = now
	s.recomputeRoutes(&cs)
	return cs
}

// ObserveLocalContactReply advances a ControlOnly peer to DirectCandidate
// after a successful LocalContactRequest/Reply exchange (spec.md §4.5).
func (s *Store) ObserveLocalContactReply(peerWgIP net.IP, now time.Time) ChangeSet {
	var cs ChangeSet
	p, ok := s.peers[peerWgIP.String()]
	if !ok {
		return cs
	}
	if p.Reachability == ControlOnly {
		p.Reachability = DirectCandidate
	}
	p.LastSeenViaAny = now
	s.recomputeRoutes(&cs)
	return cs
}

// Tick ages the database (spec.md §4.4 tick): Direct peers silent for
// longer than tLost move to Lost; non-static peers Lost for longer than
// tForget are removed outright. Both durations are measured from
// LastSeenViaAny, so they do not compose additively (a peer is forgotten tForget
// after it was last heard from at all, not tForget after going Lost).
func (s *Store) Tick(now time.Time, tLost, tForget time.Duration) ChangeSet {
	var cs ChangeSet
	for key, p := range s.peers {
		silence := now.Sub(p.LastSeenViaAny)
		if p.Reachability == Direct && silence > tLost {
			p.Reachability = Lost
			cs.Demoted = append(cs.Demoted, p.WgIP)
		}
		if p.Reachability == Lost && !p.IsStatic && silence > tForget {
			delete(s.peers, key)
			cs.Removed = append(cs.Removed, p.WgIP)
		}
	}
	sortIPs(cs.Demoted)
	sortIPs(cs.Removed)
	s.recomputeRoutes(&cs)
	return cs
}

func (s *Store) recomputeRoutes(cs *ChangeSet) {
	newRoutes := selectRoutes(s.selfWgIP, s.peers)
	if !routesEqual(s.routes, newRoutes) {
		cs.RoutesChanged = true
		s.routes = newRoutes
	}
}

func routesEqual(a, b map[string]RouteEntry) bool {
	if len(a) != len(b) {
		return false
	}
	for k, av := range a {
		bv, ok := b[k]
		if !ok || av.HopCount != bv.HopCount || !av.NextHopWgIP.Equal(bv.NextHopWgIP) || av.ViaKeyTimestamp != bv.ViaKeyTimestamp {
			return false
		}
	}
	return true
}

func sortIPs(ips []net.IP) {
	sort.Slice(ips, func(i, j int) bool { return ips[i].String() < ips[j].String() })
}

// Peer returns a copy of the peer record for wgIP, if known.
func (s *Store) Peer(wgIP net.IP) (Peer, bool) {
	p, ok := s.peers[wgIP.String()]
	if !ok {
		return Peer{}, false
	}
	return *p, true
}

// Peers returns a copy of every known peer, sorted by wg_ip for
// deterministic iteration (used by internal/rpcapi and tests).
func (s *Store) Peers() []Peer {
	out := make([]Peer, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WgIP.String() < out[j].WgIP.String() })
	return out
}

// RouteDigestFor builds the dest->hop_count digest this node advertises to
// peerWgIP (excluding a route back to that peer itself, since it already
// knows the shortest path to itself is zero hops).
func (s *Store) RouteDigestFor(peerWgIP net.IP) map[string]uint8 {
	return routeDigest(s.routes, peerWgIP.String())
}

// Routes returns a copy of the current route table, sorted by destination.
func (s *Store) Routes() []RouteEntry {
	out := make([]RouteEntry, 0, len(s.routes))
	for _, r := range s.routes {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DestWgIP.String() < out[j].DestWgIP.String() })
	return out
}

// PeerCount returns the number of known peers.
func (s *Store) PeerCount() int {
	return len(s.peers)
}
