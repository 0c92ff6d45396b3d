// Package daemon implements the supervisor/event loop (spec component C7):
// the single-threaded cooperative loop spec.md §5 describes, multiplexing
// the UDP control socket, the timer wheel, the RPC query channel, and an
// OS-signal shutdown channel. It is the only goroutine that mutates
// internal/meshdb.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/wg-netmanager/netmanager/internal/advertise"
	"github.com/wg-netmanager/netmanager/internal/config"
	"github.com/wg-netmanager/netmanager/internal/envelope"
	"github.com/wg-netmanager/netmanager/internal/meshdb"
	"github.com/wg-netmanager/netmanager/internal/netdrv"
	"github.com/wg-netmanager/netmanager/internal/obs"
	"github.com/wg-netmanager/netmanager/internal/ratelimit"
	"github.com/wg-netmanager/netmanager/internal/reconcile"
	"github.com/wg-netmanager/netmanager/internal/rpcapi"
	"github.com/wg-netmanager/netmanager/internal/timerwheel"
	"github.com/wg-netmanager/netmanager/internal/wire"
)

// ReconcileInterval is the minimum cadence spec.md §4.6 requires ("at
// least once per second") for aging and reconciliation even when nothing
// else wakes the loop.
const ReconcileInterval = 1 * time.Second

// inboundQueueDepth bounds the channel the socket-reader goroutine (the one
// ancillary blocking thread Go's channel-select idiom requires in place of
// a native recv-as-select-case, since net.UDPConn offers no way to make a
// pending ReadFromUDP itself a select case) hands datagrams to the loop
// through.
const inboundQueueDepth = 256

// Options are this run's identity and CLI flags (spec.md §6).
type Options struct {
	InterfaceName  string
	SelfWgIP       net.IP
	SelfName       string
	UseExisting    bool // -e
	StaticListener bool // -l
	RPCSocketPath  string
	Version        string
}

// Daemon wires together C1-C6 behind the single event loop.
type Daemon struct {
	cfg  *config.Config
	opts Options

	store      *meshdb.Store
	wheel      *timerwheel.Wheel
	engine     *advertise.Engine
	reconciler *reconcile.Reconciler
	driver     netdrv.Driver
	limiter    *ratelimit.Limiter
	rpc        *rpcapi.Server

	conn      *net.UDPConn
	startedAt time.Time

	selfAdminPort int
	wgListenPort  int
	privateKey    wgtypes.Key
}

type inboundDatagram struct {
	data []byte
	addr *net.UDPAddr
}

// New builds a Daemon. driver is the already-selected C3 backend (kernel
// WireGuard+netlink in production, netdrv.NewFakeDriver in tests).
func New(cfg *config.Config, driver netdrv.Driver, opts Options) (*Daemon, error) {
	self, ok := findSelf(cfg, opts.SelfWgIP)
	if !ok {
		return nil, &config.Error{Reason: fmt.Sprintf("wg_ip %s is not listed in peers:", opts.SelfWgIP)}
	}
	if self.AdminPort == 0 {
		return nil, &config.Error{Reason: fmt.Sprintf("peers entry for %s has no adminPort", opts.SelfWgIP)}
	}

	var sharedKey [32]byte
	copy(sharedKey[:], cfg.SharedKey)
	envKey, err := envelope.DeriveKey(sharedKey)
	if err != nil {
		return nil, fmt.Errorf("daemon: derive envelope key: %w", err)
	}

	priv, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("daemon: generate wireguard key: %w", err)
	}

	store := meshdb.New(opts.SelfWgIP)
	for _, p := range cfg.Peers {
		if p.WgIP.Equal(opts.SelfWgIP) {
			continue
		}
		if !p.IsStatic {
			continue // learned later via its own first advertisement
		}
		store.AddStaticPeer(p.WgIP, "", p.AdminPort, &meshdb.CandidateEndpoint{Host: p.Host, Port: p.Port, Class: meshdb.ClassStatic})
	}

	wheel := timerwheel.New()
	engine := advertise.New(store, wheel, advertise.Config{
		SelfWgIP:         opts.SelfWgIP,
		SelfName:         opts.SelfName,
		SelfPublicKey:    [32]byte(priv.PublicKey()),
		SelfKeyTimestamp: uint64(time.Now().Unix()),
		AdminPort:        self.AdminPort,
		EnvelopeKey:      envKey,
	})
	if opts.StaticListener && self.Host != "" {
		engine.SetSelfEndpoints([]wire.Endpoint{{Host: self.Host, Port: self.Port, Class: wire.ClassStatic}})
	}

	d := &Daemon{
		cfg:           cfg,
		opts:          opts,
		store:         store,
		wheel:         wheel,
		engine:        engine,
		reconciler:    reconcile.New(store, driver),
		driver:        driver,
		limiter:       ratelimit.NewDefault(),
		rpc:           rpcapi.NewServer(opts.RPCSocketPath),
		selfAdminPort: int(self.AdminPort),
		wgListenPort:  int(self.AdminPort) + 1, // distinct socket from the control channel (DESIGN.md Open Question decisions)
		privateKey:    priv,
	}
	return d, nil
}

func findSelf(cfg *config.Config, wgIP net.IP) (config.ResolvedPeer, bool) {
	for _, p := range cfg.Peers {
		if p.WgIP.Equal(wgIP) {
			return p, true
		}
	}
	return config.ResolvedPeer{}, false
}

// Run executes the event loop until ctx is cancelled or a shutdown signal
// arrives. It returns nil on a clean cooperative shutdown.
func (d *Daemon) Run(ctx context.Context) error {
	d.startedAt = time.Now()

	if err := d.driver.CreateDevice(ctx, netdrv.DeviceConfig{
		Name:        d.opts.InterfaceName,
		WgIP:        d.opts.SelfWgIP,
		Subnet:      d.cfg.Subnet,
		ListenPort:  d.wgListenPort,
		PrivateKey:  d.privateKey,
		UseExisting: d.opts.UseExisting,
	}); err != nil {
		return fmt.Errorf("daemon: create_device: %w", err)
	}

	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: d.selfAdminPort})
	if err != nil {
		return fmt.Errorf("daemon: listen control socket :%d: %w", d.selfAdminPort, err)
	}
	d.conn = conn
	defer conn.Close()

	if err := d.rpc.Start(); err != nil {
		slog.Warn("daemon: rpc server failed to start", "error", err)
	}
	defer d.rpc.Stop()

	inbound := make(chan inboundDatagram, inboundQueueDepth)
	go d.readLoop(conn, inbound)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	now := time.Now()
	d.send(d.engine.Start(now))
	if err := d.reconciler.Run(ctx, nil); err != nil {
		slog.Warn("daemon: initial reconcile failed", "error", err)
	}
	notifyReady()

	nextReconcileAt := now.Add(ReconcileInterval)

	for {
		now = time.Now()
		deadline := nextReconcileAt
		if wd, ok := d.wheel.NextDeadline(); ok && wd.Before(deadline) {
			deadline = wd
		}
		wait := deadline.Sub(now)
		if wait < 0 {
			wait = 0
		}
		timer := time.NewTimer(wait)

		select {
		case sig := <-sigCh:
			timer.Stop()
			slog.Info("daemon: received signal, shutting down", "signal", sig)
			return d.shutdown()

		case <-ctx.Done():
			timer.Stop()
			slog.Info("daemon: context cancelled, shutting down")
			return d.shutdown()

		case dg := <-inbound:
			timer.Stop()
			d.handleInbound(dg, time.Now())

		case q := <-d.rpc.Queries():
			timer.Stop()
			q.Resp <- rpcapi.Handle(q, d.store, rpcapi.StatusSource{
				WgIP:      d.opts.SelfWgIP.String(),
				Interface: d.opts.InterfaceName,
				Version:   d.opts.Version,
				StartedAt: d.startedAt,
			})

		case <-timer.C:
			now = time.Now()
			d.send(d.engine.PopDueTimers(now))
			if !now.Before(nextReconcileAt) {
				d.send(d.engine.TickAging(now))
				if err := d.reconciler.Run(ctx, nil); err != nil {
					slog.Warn("daemon: reconcile failed", "error", err)
				}
				hs, err := d.reconciler.PollHandshakes(ctx, now)
				if err != nil {
					slog.Warn("daemon: poll handshakes failed", "error", err)
				}
				for _, h := range hs {
					d.send(d.engine.ObserveHandshake(h.PeerWgIP, h.Endpoint, now))
				}
				notifyWatchdog()
				nextReconcileAt = now.Add(ReconcileInterval)
			}
		}
	}
}

func (d *Daemon) handleInbound(dg inboundDatagram, now time.Time) {
	if !d.limiter.Allow(dg.addr.IP.String()) {
		obs.IncEnvelopeReject("rate_limited")
		return
	}
	out, reason := d.engine.HandleInbound(dg.data, dg.addr, now)
	switch reason {
	case "":
		obs.IncAdvertisementReceived()
	case "undecodable", "self_echo", "unknown_variant":
		obs.IncProtocolReject(reason)
	default:
		obs.IncEnvelopeReject(reason)
	}
	d.send(out)
}

func (d *Daemon) readLoop(conn *net.UDPConn, out chan<- inboundDatagram) {
	buf := make([]byte, 2048)
	for {
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		select {
		case out <- inboundDatagram{data: data, addr: addr}:
		default:
			slog.Warn("daemon: inbound queue full, dropping datagram", "from", addr)
		}
	}
}

func (d *Daemon) send(outs []advertise.Outbound) {
	for _, o := range outs {
		if _, err := d.conn.WriteToUDP(o.Payload, o.Addr); err != nil {
			slog.Debug("daemon: send failed", "to", o.Addr, "error", err)
			continue
		}
		obs.IncAdvertisementSent()
	}
}

// shutdown implements spec.md §5's cooperative teardown: best-effort
// set_peers(∅)/set_routes(∅), destroy_device, then release local
// resources. Always returns nil so a clean shutdown never maps to the
// fatal-runtime-error exit code.
func (d *Daemon) shutdown() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.reconciler.Shutdown(shutdownCtx); err != nil {
		slog.Warn("daemon: shutdown teardown incomplete", "error", err)
	}
	return nil
}
