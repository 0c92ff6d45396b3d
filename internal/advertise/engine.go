// Package advertise implements the advertisement protocol engine (spec
// component C5): the timers and message flow that turn a freshly-booted
// peer table into a converged mesh. It owns no socket and no goroutine of
// its own — every entry point takes the current time and returns the
// datagrams the caller (internal/daemon's event loop) should send, keeping
// every mutation to internal/meshdb on the single event-loop thread.
package advertise

import (
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/wg-netmanager/netmanager/internal/envelope"
	"github.com/wg-netmanager/netmanager/internal/meshdb"
	"github.com/wg-netmanager/netmanager/internal/obs"
	"github.com/wg-netmanager/netmanager/internal/timerwheel"
	"github.com/wg-netmanager/netmanager/internal/wire"
)

// Default timer values (spec.md §4.5).
const (
	DefaultTAdvertFull = 60 * time.Second
	DefaultTLost       = 180 * time.Second
	DefaultTForget     = 600 * time.Second
	DefaultTLocalProbe = 15 * time.Second
)

// Config carries this node's own identity and the timer durations in
// effect.
type Config struct {
	SelfWgIP         net.IP
	SelfName         string
	SelfPublicKey    [32]byte
	SelfKeyTimestamp uint64
	AdminPort        uint16

	EnvelopeKey [32]byte

	TAdvertFull time.Duration
	TLost       time.Duration
	TForget     time.Duration
	TLocalProbe time.Duration
}

func (c *Config) setDefaults() {
	if c.TAdvertFull <= 0 {
		c.TAdvertFull = DefaultTAdvertFull
	}
	if c.TLost <= 0 {
		c.TLost = DefaultTLost
	}
	if c.TForget <= 0 {
		c.TForget = DefaultTForget
	}
	if c.TLocalProbe <= 0 {
		c.TLocalProbe = DefaultTLocalProbe
	}
}

// Outbound is one sealed datagram the caller must write to the UDP socket.
type Outbound struct {
	Addr    *net.UDPAddr
	Payload []byte
}

// Engine drives C5's timers and message flow over a meshdb.Store.
type Engine struct {
	cfg   Config
	store *meshdb.Store
	wheel *timerwheel.Wheel

	routeVersion  uint32
	selfEndpoints []wire.Endpoint
}

// New builds an Engine. cfg's zero-valued timer fields are replaced with
// spec defaults.
func New(store *meshdb.Store, wheel *timerwheel.Wheel, cfg Config) *Engine {
	cfg.setDefaults()
	return &Engine{cfg: cfg, store: store, wheel: wheel}
}

// SetSelfEndpoints updates the endpoint list this node reports about itself
// in outgoing Advertisements (the daemon passes its configured static
// listener endpoint, if any).
func (e *Engine) SetSelfEndpoints(eps []wire.Endpoint) {
	e.selfEndpoints = eps
}

// Start schedules the first T_advert_full timer and sends the initial
// bootstrap Advertisement to every statically-configured peer, regardless
// of current reachability (SPEC_FULL.md §1.1): a static peer's address is
// known from config, so there is no reason to wait for evidence before
// reaching out.
func (e *Engine) Start(now time.Time) []Outbound {
	e.wheel.Schedule(e.advertFullKey(), now.Add(e.cfg.TAdvertFull))
	return e.broadcastFull(now)
}

// PopDueTimers pops every timer due at now and returns the datagrams their
// firing produces.
func (e *Engine) PopDueTimers(now time.Time) []Outbound {
	var out []Outbound
	for _, key := range e.wheel.PopReady(now) {
		switch key.Kind {
		case timerwheel.KindAdvertFull:
			out = append(out, e.broadcastFull(now)...)
			e.wheel.Schedule(e.advertFullKey(), now.Add(e.cfg.TAdvertFull))
		case timerwheel.KindLocalProbe:
			out = append(out, e.fireLocalProbe(key, now)...)
		}
	}
	return out
}

// TickAging runs C4's tick(now) (Direct->Lost->forgotten aging) and, if it
// changed the route table, triggers the event-driven convergence burst
// (spec.md §4.5 "Event-driven emission"). Call at least once per second.
func (e *Engine) TickAging(now time.Time) []Outbound {
	cs := e.store.Tick(now, e.cfg.TLost, e.cfg.TForget)
	return e.afterChange(cs, now)
}

// HandleInbound opens, decodes, and dispatches one received datagram.
// reason is non-empty when the datagram was rejected at the envelope or
// protocol layer, for the caller to feed into its reject counters; a
// rejection never returns outbound datagrams.
func (e *Engine) HandleInbound(data []byte, from *net.UDPAddr, now time.Time) (out []Outbound, reason string) {
	senderWgIP, _, payload, err := envelope.Open(e.cfg.EnvelopeKey, data, now, 0)
	if err != nil {
		if rej, ok := err.(*envelope.RejectError); ok {
			return nil, rej.Reason.String()
		}
		return nil, "envelope_reject"
	}

	msg, err := wire.Decode(payload)
	if err != nil {
		slog.Debug("advertise: dropping undecodable payload", "from", from, "err", err)
		return nil, "undecodable"
	}

	if senderWgIP.Equal(e.cfg.SelfWgIP) {
		return nil, "self_echo"
	}

	observed := &meshdb.CandidateEndpoint{Host: from.IP.String(), Port: uint16(from.Port), Class: meshdb.ClassDynamic, LastSeen: now}

	switch m := msg.(type) {
	case *wire.Advertisement:
		return e.handleAdvertisement(m, observed, from, now, true), ""
	case *wire.AdvertisementReply:
		return e.handleAdvertisement((*wire.Advertisement)(m), observed, from, now, false), ""
	case *wire.LocalContactRequest:
		return e.handleLocalContactRequest(m, from, now), ""
	case *wire.LocalContactReply:
		cs := e.store.ObserveLocalContactReply(m.SenderWgIP, now)
		return e.afterChange(cs, now), ""
	default:
		return nil, "unknown_variant"
	}
}

// ObserveHandshake feeds back a C3 query_observed_endpoint result.
func (e *Engine) ObserveHandshake(peerWgIP net.IP, observed meshdb.CandidateEndpoint, now time.Time) []Outbound {
	cs := e.store.ObserveHandshake(peerWgIP, observed, now)
	return e.afterChange(cs, now)
}

func (e *Engine) handleAdvertisement(adv *wire.Advertisement, observed *meshdb.CandidateEndpoint, from *net.UDPAddr, now time.Time, replyIfNew bool) []Outbound {
	_, wasKnown := e.store.Peer(adv.SenderWgIP)

	in := meshdb.AdvertisementInput{
		SenderWgIP:     adv.SenderWgIP,
		SenderName:     adv.SenderName,
		HasKey:         true,
		PublicKey:      adv.PublicKey,
		KeyTimestamp:   adv.KeyTimestamp,
		AdminPort:      adv.AdminPort,
		Routes:         make(map[string]uint8, len(adv.Routes)),
		RouteDBVersion: adv.RouteDBVersion,
	}
	for _, ep := range adv.Endpoints {
		in.Endpoints = append(in.Endpoints, meshdb.EndpointReport{Host: ep.Host, Port: ep.Port, Class: meshdb.EndpointClass(ep.Class)})
	}
	for _, rd := range adv.Routes {
		in.Routes[rd.DestWgIP.String()] = rd.HopCount
	}

	cs, err := e.store.IngestAdvertisement(observed, in, now)
	if err != nil {
		slog.Debug("advertise: ingest rejected", "sender", adv.SenderWgIP, "err", err)
		return nil
	}

	var out []Outbound
	if replyIfNew && !wasKnown {
		if payload, err := e.seal(e.buildReply(adv.SenderWgIP, now), now); err == nil {
			out = append(out, Outbound{Addr: from, Payload: payload})
		}
	}

	for _, ep := range adv.Endpoints {
		if ep.Class == wire.ClassLocal {
			e.scheduleLocalProbe(adv.SenderWgIP, now)
			if o, ok := e.buildLocalContactRequest(ep, now); ok {
				out = append(out, o)
			}
		}
	}

	out = append(out, e.afterChange(cs, now)...)
	return out
}

func (e *Engine) handleLocalContactRequest(req *wire.LocalContactRequest, from *net.UDPAddr, now time.Time) []Outbound {
	payload, err := e.seal(&wire.LocalContactReply{SenderWgIP: e.cfg.SelfWgIP}, now)
	if err != nil {
		return nil
	}
	return []Outbound{{Addr: from, Payload: payload}}
}

// afterChange triggers the event-driven Advertisement burst (spec.md §4.5)
// whenever a mutation changed the route table.
func (e *Engine) afterChange(cs meshdb.ChangeSet, now time.Time) []Outbound {
	if cs.Empty() {
		return nil
	}
	if cs.RoutesChanged {
		obs.IncRouteChange()
		e.routeVersion++
		return e.broadcastFull(now)
	}
	return nil
}

// broadcastFull sends a full Advertisement to every qualifying peer
// (SPEC_FULL.md §1.1): static peers unconditionally, everyone else once
// reachability >= ControlOnly. Used identically for the initial bootstrap
// burst and every subsequent T_advert_full firing.
func (e *Engine) broadcastFull(now time.Time) []Outbound {
	var out []Outbound
	for _, p := range e.store.Peers() {
		if !p.IsStatic && p.Reachability < meshdb.ControlOnly {
			continue
		}
		addr, ok := e.targetAddr(p)
		if !ok {
			continue
		}
		payload, err := e.seal(e.buildAdvertisement(p.WgIP, now), now)
		if err != nil {
			continue
		}
		out = append(out, Outbound{Addr: addr, Payload: payload})
	}
	return out
}

func (e *Engine) buildAdvertisement(targetWgIP net.IP, now time.Time) *wire.Advertisement {
	digest := e.store.RouteDigestFor(targetWgIP)
	routes := make([]wire.RouteDigest, 0, len(digest))
	for destStr, hops := range digest {
		if ip := net.ParseIP(destStr); ip != nil {
			routes = append(routes, wire.RouteDigest{DestWgIP: ip, HopCount: hops})
		}
	}
	return &wire.Advertisement{
		SenderWgIP:     e.cfg.SelfWgIP,
		SenderName:     e.cfg.SelfName,
		PublicKey:      e.cfg.SelfPublicKey,
		KeyTimestamp:   e.cfg.SelfKeyTimestamp,
		AdminPort:      e.cfg.AdminPort,
		Endpoints:      e.selfEndpoints,
		Routes:         routes,
		RouteDBVersion: e.routeVersion,
	}
}

func (e *Engine) buildReply(targetWgIP net.IP, now time.Time) *wire.AdvertisementReply {
	adv := e.buildAdvertisement(targetWgIP, now)
	reply := wire.AdvertisementReply(*adv)
	return &reply
}

func (e *Engine) buildLocalContactRequest(candidate wire.Endpoint, now time.Time) (Outbound, bool) {
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(candidate.Host, portStr(candidate.Port)))
	if err != nil {
		return Outbound{}, false
	}
	payload, err := e.seal(&wire.LocalContactRequest{SenderWgIP: e.cfg.SelfWgIP, Candidate: candidate}, now)
	if err != nil {
		return Outbound{}, false
	}
	return Outbound{Addr: addr, Payload: payload}, true
}

func (e *Engine) scheduleLocalProbe(peerWgIP net.IP, now time.Time) {
	e.wheel.Schedule(timerwheel.KeyFor(peerWgIP, timerwheel.KindLocalProbe), now.Add(e.cfg.TLocalProbe))
}

func (e *Engine) fireLocalProbe(key timerwheel.Key, now time.Time) []Outbound {
	wgIP := net.ParseIP(key.PeerWgIP)
	p, ok := e.store.Peer(wgIP)
	if !ok || (p.Reachability != meshdb.ControlOnly && p.Reachability != meshdb.DirectCandidate) {
		return nil
	}
	var out []Outbound
	for _, ep := range p.Endpoints {
		if ep.Class != meshdb.ClassLocal {
			continue
		}
		wireEp := wire.Endpoint{Host: ep.Host, Port: ep.Port, Class: wire.ClassLocal}
		if o, ok := e.buildLocalContactRequest(wireEp, now); ok {
			out = append(out, o)
		}
	}
	e.scheduleLocalProbe(wgIP, now)
	return out
}

func (e *Engine) targetAddr(p meshdb.Peer) (*net.UDPAddr, bool) {
	if len(p.Endpoints) == 0 || p.AdminPort == 0 {
		return nil, false
	}
	var best meshdb.CandidateEndpoint
	found := false
	rank := func(c meshdb.EndpointClass) int {
		switch c {
		case meshdb.ClassStatic:
			return 3
		case meshdb.ClassDynamic:
			return 2
		case meshdb.ClassLocal:
			return 1
		default:
			return 0
		}
	}
	for _, ep := range p.Endpoints {
		if !found || rank(ep.Class) > rank(best.Class) {
			best = ep
			found = true
		}
	}
	if !found {
		return nil, false
	}
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(best.Host, portStr(p.AdminPort)))
	if err != nil {
		return nil, false
	}
	return addr, true
}

func (e *Engine) seal(msg interface{}, now time.Time) ([]byte, error) {
	payload, err := wire.Encode(msg)
	if err != nil {
		return nil, fmt.Errorf("advertise: encode: %w", err)
	}
	sealed, err := envelope.Seal(e.cfg.EnvelopeKey, e.cfg.SelfWgIP, now, payload)
	if err != nil {
		return nil, fmt.Errorf("advertise: seal: %w", err)
	}
	return sealed, nil
}

func (e *Engine) advertFullKey() timerwheel.Key {
	return timerwheel.KeyFor(e.cfg.SelfWgIP, timerwheel.KindAdvertFull)
}

func portStr(p uint16) string {
	return fmt.Sprintf("%d", p)
}
