package meshdb

import (
	"net"
	"sort"
)

// WgPeerSpec is one entry of the desired WireGuard peer set (spec.md §4.3,
// §4.6).
type WgPeerSpec struct {
	WgIP                net.IP
	PublicKey           [32]byte
	HasEndpoint         bool
	EndpointHost        string
	EndpointPort        uint16
	AllowedIPs          []net.IPNet
	PersistentKeepalive bool
}

// RouteSpec is one entry of the desired kernel route set (spec.md §4.3).
type RouteSpec struct {
	DestWgIP net.IP
}

func hostCIDR(ip net.IP) net.IPNet {
	v4 := ip.To4()
	if v4 == nil {
		return net.IPNet{IP: ip, Mask: net.CIDRMask(128, 128)}
	}
	return net.IPNet{IP: v4, Mask: net.CIDRMask(32, 32)}
}

// DesiredWgPeers projects the database to the WireGuard peer set C3 should
// converge to (spec.md §4.6). observed supplies, per peer wg_ip string, the
// endpoint C3's query_observed_endpoint most recently reported for that
// peer's public key; it takes priority over any other candidate endpoint.
//
// Keepalive policy (open question in spec.md §9, resolved in SPEC_FULL.md
// §1.1): persistent-keepalive is requested on every peer entry, including
// ControlOnly static peers, to help the initial handshake cross NAT.
func (s *Store) DesiredWgPeers(observed map[string]CandidateEndpoint) []WgPeerSpec {
	var out []WgPeerSpec
	for key, p := range s.peers {
		if !p.HasKey {
			continue
		}
		switch {
		case p.Reachability == Direct || p.Reachability == DirectCandidate:
			var obsPtr *CandidateEndpoint
			if o, ok := observed[key]; ok {
				obsPtr = &o
			}
			allowed := []net.IPNet{hostCIDR(p.WgIP)}
			for _, r := range s.routes {
				if r.NextHopWgIP.Equal(p.WgIP) {
					allowed = append(allowed, hostCIDR(r.DestWgIP))
				}
			}
			sort.Slice(allowed, func(i, j int) bool { return allowed[i].IP.String() < allowed[j].IP.String() })

			spec := WgPeerSpec{
				WgIP:                p.WgIP,
				PublicKey:           p.PublicKey,
				AllowedIPs:          allowed,
				PersistentKeepalive: true,
			}
			if ep, ok := p.bestEndpoint(obsPtr); ok {
				spec.HasEndpoint = true
				spec.EndpointHost = ep.Host
				spec.EndpointPort = ep.Port
			}
			out = append(out, spec)

		case p.Reachability == ControlOnly && p.IsStatic:
			out = append(out, WgPeerSpec{
				WgIP:                p.WgIP,
				PublicKey:           p.PublicKey,
				AllowedIPs:          []net.IPNet{hostCIDR(p.WgIP)},
				PersistentKeepalive: true,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WgIP.String() < out[j].WgIP.String() })
	return out
}

// DesiredRoutes projects the route table to the kernel host routes C3
// should converge to (spec.md §4.6). Every entry here already satisfies
// "next_hop is Direct" because selectRoutes only ever emits such entries.
// Every routed destination is emitted, including ones already covered by a
// peer's allowed_ips; internal/netdrv installs each as a /32 device route
// without further deduplication.
func (s *Store) DesiredRoutes() []RouteSpec {
	out := make([]RouteSpec, 0, len(s.routes))
	for _, r := range s.routes {
		out = append(out, RouteSpec{DestWgIP: r.DestWgIP})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DestWgIP.String() < out[j].DestWgIP.String() })
	return out
}
