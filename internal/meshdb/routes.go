package meshdb

import (
	"net"
	"sort"
)

// MaxHopCount is the loop safeguard from spec.md §4.4 step 5: a route whose
// hop count would reach this value is treated as unreachable instead.
const MaxHopCount = 16

// RouteEntry is one destination's selected path (spec.md §3 "Route entry").
type RouteEntry struct {
	DestWgIP         net.IP
	NextHopWgIP      net.IP
	HopCount         uint8
	ViaKeyTimestamp  uint64
}

type routeCandidate struct {
	nextHop      net.IP
	nextHopStr   string
	hops         int
	keyTimestamp uint64
}

// selectRoutes implements the route selection algorithm of spec.md §4.4:
//  1. every Direct peer is a 1-hop route to itself;
//  2. every Direct peer's advertised route digest is relayed at +1 hop;
//  3. per destination, keep the candidate with fewest hops, tie-broken by
//     (next_hop wg_ip ascending, key_timestamp ascending);
//  4. a route whose next hop is not Direct is dropped;
//  5. hop counts at or beyond MaxHopCount are treated as unreachable.
//
// peers must not contain selfWgIP.
func selectRoutes(selfWgIP net.IP, peers map[string]*Peer) map[string]RouteEntry {
	candidates := make(map[string][]routeCandidate)

	for _, p := range peers {
		if p.Reachability != Direct {
			continue
		}
		destStr := p.WgIP.String()
		candidates[destStr] = append(candidates[destStr], routeCandidate{
			nextHop:      p.WgIP,
			nextHopStr:   p.WgIP.String(),
			hops:         1,
			keyTimestamp: p.KeyTimestamp,
		})

		for destStr, hops := range p.AdvertisedRoutes {
			if destStr == selfWgIP.String() {
				continue
			}
			h := int(hops) + 1
			if h >= MaxHopCount {
				continue
			}
			candidates[destStr] = append(candidates[destStr], routeCandidate{
				nextHop:      p.WgIP,
				nextHopStr:   p.WgIP.String(),
				hops:         h,
				keyTimestamp: p.KeyTimestamp,
			})
		}
	}

	result := make(map[string]RouteEntry, len(candidates))
	for destStr, cs := range candidates {
		if destStr == selfWgIP.String() {
			continue
		}
		sort.Slice(cs, func(i, j int) bool {
			if cs[i].hops != cs[j].hops {
				return cs[i].hops < cs[j].hops
			}
			if cs[i].nextHopStr != cs[j].nextHopStr {
				return cs[i].nextHopStr < cs[j].nextHopStr
			}
			return cs[i].keyTimestamp < cs[j].keyTimestamp
		})
		best := cs[0]

		nextHopPeer, ok := peers[best.nextHopStr]
		if !ok || nextHopPeer.Reachability != Direct {
			continue
		}

		result[destStr] = RouteEntry{
			DestWgIP:        net.ParseIP(destStr),
			NextHopWgIP:     best.nextHop,
			HopCount:        uint8(best.hops),
			ViaKeyTimestamp: best.keyTimestamp,
		}
	}
	return result
}

// routeDigest converts the store's own route table into the
// dest->hop_count digest a node advertises to its peers (the RouteDigest
// list of spec.md §4.2), excluding routes whose destination is the
// recipient itself.
func routeDigest(routes map[string]RouteEntry, excludeDestStr string) map[string]uint8 {
	out := make(map[string]uint8, len(routes))
	for destStr, entry := range routes {
		if destStr == excludeDestStr {
			continue
		}
		out[destStr] = entry.HopCount
	}
	return out
}
