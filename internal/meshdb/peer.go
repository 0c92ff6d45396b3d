// Package meshdb is the authoritative in-process peer/route database (spec
// component C4): the set of known nodes, their current keys, endpoints, and
// the distance-vector route table. It is single-writer by design — every
// exported mutator is meant to be called from the one event-loop goroutine
// (spec.md §5) and takes no lock itself.
package meshdb

import (
	"net"
	"sort"
	"time"
)

// Reachability is a peer's position in the liveness state machine (spec.md
// §4.5).
type Reachability int

const (
	NeverSeen Reachability = iota
	ControlOnly
	DirectCandidate
	Direct
	Lost
)

func (r Reachability) String() string {
	switch r {
	case NeverSeen:
		return "never_seen"
	case ControlOnly:
		return "control_only"
	case DirectCandidate:
		return "direct_candidate"
	case Direct:
		return "direct"
	case Lost:
		return "lost"
	default:
		return "unknown"
	}
}

// EndpointClass mirrors wire.EndpointClass; meshdb does not import the wire
// package to avoid a layering dependency from the database up into the
// codec, so the classification is re-declared here and mapped at the
// ingestion boundary (internal/advertise).
type EndpointClass int

const (
	ClassStatic EndpointClass = iota
	ClassDynamic
	ClassLocal
)

func (c EndpointClass) String() string {
	switch c {
	case ClassStatic:
		return "static"
	case ClassDynamic:
		return "dynamic"
	case ClassLocal:
		return "local"
	default:
		return "unknown"
	}
}

// CandidateEndpoint is one (host, port) a peer might be reachable at.
type CandidateEndpoint struct {
	Host     string
	Port     uint16
	Class    EndpointClass
	LastSeen time.Time
}

func (e CandidateEndpoint) key() string {
	return e.Host + ":" + portString(e.Port)
}

// Peer is one non-self node's full record (spec.md §3 "Peer record").
type Peer struct {
	WgIP    net.IP
	Name    string
	IsStatic bool // configured in YAML with an EndPoint; never removed, only demoted

	PublicKey    [32]byte
	HasKey       bool
	KeyTimestamp uint64

	Endpoints map[string]CandidateEndpoint // keyed by CandidateEndpoint.key()

	LastSeenViaAny time.Time
	Reachability   Reachability
	AdminPort      uint16

	// RouteDBVersion is the highest routedb_version this peer has ever
	// advertised; an advertisement carrying an older version does not
	// replace AdvertisedRoutes (the rest of it is still ingested).
	RouteDBVersion uint32

	// AdvertisedRoutes is the peer's own last-reported route digest
	// (dest_wg_ip -> hop_count), used by the route selector in routes.go.
	AdvertisedRoutes map[string]uint8
}

func portString(p uint16) string {
	const digits = "0123456789"
	if p == 0 {
		return "0"
	}
	var b [5]byte
	i := len(b)
	for p > 0 {
		i--
		b[i] = digits[p%10]
		p /= 10
	}
	return string(b[i:])
}

func newPeer(wgIP net.IP, name string) *Peer {
	return &Peer{
		WgIP:             wgIP,
		Name:             name,
		Endpoints:        make(map[string]CandidateEndpoint),
		Reachability:     NeverSeen,
		AdvertisedRoutes: make(map[string]uint8),
	}
}

// upsertEndpoint records or refreshes a candidate endpoint, keeping the
// freshest LastSeen for a given (host, port).
func (p *Peer) upsertEndpoint(ep CandidateEndpoint) {
	p.Endpoints[ep.key()] = ep
}

// sortedEndpoints returns candidate endpoints ordered for deterministic
// iteration (host then port), used by tests and by best_endpoint tie-break.
func (p *Peer) sortedEndpoints() []CandidateEndpoint {
	out := make([]CandidateEndpoint, 0, len(p.Endpoints))
	for _, ep := range p.Endpoints {
		out = append(out, ep)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Host != out[j].Host {
			return out[i].Host < out[j].Host
		}
		return out[i].Port < out[j].Port
	})
	return out
}

// BestEndpoint exposes the bestEndpoint tie-break with no live observed
// endpoint, for callers (e.g. internal/rpcapi) that only need a
// best-effort display value rather than a true wg peer projection.
func (p *Peer) BestEndpoint() (CandidateEndpoint, bool) {
	return p.bestEndpoint(nil)
}

// bestEndpoint implements the priority from spec.md §4.6: Dynamic (observed
// by handshake) > Static > Local > last reported, tie-broken by freshest
// LastSeen. observedDynamic, when non-nil, is the endpoint C3 read back via
// query_observed_endpoint and always wins when present.
func (p *Peer) bestEndpoint(observedDynamic *CandidateEndpoint) (CandidateEndpoint, bool) {
	if observedDynamic != nil {
		return *observedDynamic, true
	}
	if len(p.Endpoints) == 0 {
		return CandidateEndpoint{}, false
	}

	rank := func(c EndpointClass) int {
		switch c {
		case ClassDynamic:
			return 3
		case ClassStatic:
			return 2
		case ClassLocal:
			return 1
		default:
			return 0
		}
	}

	candidates := p.sortedEndpoints()
	best := candidates[0]
	for _, ep := range candidates[1:] {
		if rank(ep.Class) > rank(best.Class) {
			best = ep
			continue
		}
		if rank(ep.Class) == rank(best.Class) && ep.LastSeen.After(best.LastSeen) {
			best = ep
		}
	}
	return best, true
}
