package rpcapi

import (
	"strconv"
	"time"

	"github.com/wg-netmanager/netmanager/internal/meshdb"
)

// StatusSource supplies the process-level facts (not owned by meshdb) that
// daemon.status reports.
type StatusSource struct {
	WgIP      string
	Interface string
	Version   string
	StartedAt time.Time
}

// Handle answers q against store and status, on the caller's own goroutine.
// The event loop is expected to call this synchronously from its select
// loop so every read sees a consistent snapshot (spec.md §5).
func Handle(q Query, store *meshdb.Store, status StatusSource) *Response {
	switch q.Method {
	case "peers.list":
		return &Response{Result: peersList(store)}
	case "peers.count":
		return &Response{Result: peersCount(store)}
	case "routes.list":
		return &Response{Result: routesList(store)}
	case "daemon.status":
		return &Response{Result: daemonStatus(store, status)}
	case "daemon.ping":
		return &Response{Result: DaemonPingResult{Pong: true, Version: status.Version}}
	default:
		return MethodNotFound(q.Method)
	}
}

func peersList(store *meshdb.Store) PeersListResult {
	peers := store.Peers()
	out := make([]PeerInfo, 0, len(peers))
	for _, p := range peers {
		info := PeerInfo{
			WgIP:         p.WgIP.String(),
			Name:         p.Name,
			Reachability: p.Reachability.String(),
			IsStatic:     p.IsStatic,
		}
		if ep, ok := p.BestEndpoint(); ok {
			info.Endpoint = ep.Host + ":" + strconv.FormatUint(uint64(ep.Port), 10)
		}
		if !p.LastSeenViaAny.IsZero() {
			info.LastSeen = p.LastSeenViaAny.Format(time.RFC3339)
		}
		out = append(out, info)
	}
	return PeersListResult{Peers: out}
}

func peersCount(store *meshdb.Store) PeersCountResult {
	var r PeersCountResult
	for _, p := range store.Peers() {
		r.Total++
		switch p.Reachability {
		case meshdb.Direct, meshdb.DirectCandidate:
			r.Direct++
		case meshdb.ControlOnly:
			r.ControlOnly++
		case meshdb.Lost:
			r.Lost++
		}
	}
	return r
}

func routesList(store *meshdb.Store) RoutesListResult {
	routes := store.Routes()
	out := make([]RouteInfo, 0, len(routes))
	for _, r := range routes {
		out = append(out, RouteInfo{
			DestWgIP:    r.DestWgIP.String(),
			NextHopWgIP: r.NextHopWgIP.String(),
			HopCount:    r.HopCount,
		})
	}
	return RoutesListResult{Routes: out}
}

func daemonStatus(store *meshdb.Store, status StatusSource) DaemonStatusResult {
	return DaemonStatusResult{
		WgIP:      status.WgIP,
		Interface: status.Interface,
		Uptime:    time.Since(status.StartedAt),
		Version:   status.Version,
		PeerCount: store.PeerCount(),
	}
}
