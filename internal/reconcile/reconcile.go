// Package reconcile implements the reconciliation loop (spec component C6):
// it projects internal/meshdb's peer/route database to the desired
// WireGuard peer and kernel route sets (spec.md §4.6) and applies them
// through internal/netdrv, and polls the driver for observed handshakes so
// internal/advertise can drive the Direct reachability transition.
package reconcile

import (
	"context"
	"fmt"
	"net"
	"time"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/wg-netmanager/netmanager/internal/meshdb"
	"github.com/wg-netmanager/netmanager/internal/netdrv"
	"github.com/wg-netmanager/netmanager/internal/obs"
)

// MaxHandshakeAge bounds how stale a kernel-reported handshake may be and
// still count as "direct" evidence (spec.md §4.5).
const MaxHandshakeAge = 2 * time.Minute

// HandshakeObservation is one peer for which the driver reported a recent
// WireGuard handshake, i.e. evidence of a direct path.
type HandshakeObservation struct {
	PeerWgIP net.IP
	Endpoint meshdb.CandidateEndpoint
}

// Reconciler applies C4's desired state to C3 and reports handshake
// evidence back out.
type Reconciler struct {
	store  *meshdb.Store
	driver netdrv.Driver
}

// New builds a Reconciler over store and driver.
func New(store *meshdb.Store, driver netdrv.Driver) *Reconciler {
	return &Reconciler{store: store, driver: driver}
}

// Run computes the desired peer and route sets and applies them. observed
// carries any handshake-derived endpoints the caller wants folded into
// best_endpoint selection before the WgPeerSpec projection runs; it may be
// nil. The loop never performs partial updates: both sets are always
// complete snapshots (spec.md §4.6).
func (r *Reconciler) Run(ctx context.Context, observed map[string]meshdb.CandidateEndpoint) error {
	start := time.Now()

	desiredPeers := r.store.DesiredWgPeers(observed)
	desiredRoutes := r.store.DesiredRoutes()

	if err := r.driver.SetPeers(ctx, desiredPeers); err != nil {
		return fmt.Errorf("reconcile: set_peers: %w", err)
	}
	if err := r.driver.SetRoutes(ctx, desiredRoutes); err != nil {
		return fmt.Errorf("reconcile: set_routes: %w", err)
	}

	obs.RecordReconcileDuration(float64(time.Since(start).Microseconds()) / 1000)
	obs.SetPeersActive(countActive(r.store.Peers()))
	return nil
}

func countActive(peers []meshdb.Peer) int64 {
	var n int64
	for _, p := range peers {
		if p.Reachability == meshdb.Direct || p.Reachability == meshdb.DirectCandidate {
			n++
		}
	}
	return n
}

// PollHandshakes asks the driver for the last observed handshake of every
// peer with a known public key and reports which ones are recent enough to
// count as direct evidence.
func (r *Reconciler) PollHandshakes(ctx context.Context, now time.Time) ([]HandshakeObservation, error) {
	var out []HandshakeObservation
	for _, p := range r.store.Peers() {
		if !p.HasKey {
			continue
		}
		ep, ok, err := r.driver.QueryObservedEndpoint(ctx, wgtypes.Key(p.PublicKey), MaxHandshakeAge)
		if err != nil {
			return out, fmt.Errorf("reconcile: query_observed_endpoint %s: %w", p.WgIP, err)
		}
		if !ok {
			continue
		}
		out = append(out, HandshakeObservation{PeerWgIP: p.WgIP, Endpoint: ep})
	}
	return out, nil
}

// Shutdown implements spec.md §5's cooperative teardown: best-effort
// set_peers(∅)/set_routes(∅), then destroy_device. Errors are returned but
// every step is still attempted so a failure partway through doesn't skip
// device teardown.
func (r *Reconciler) Shutdown(ctx context.Context) error {
	errPeers := r.driver.SetPeers(ctx, nil)
	errRoutes := r.driver.SetRoutes(ctx, nil)
	errDestroy := r.driver.DestroyDevice(ctx)
	if errPeers != nil {
		return fmt.Errorf("reconcile: shutdown set_peers: %w", errPeers)
	}
	if errRoutes != nil {
		return fmt.Errorf("reconcile: shutdown set_routes: %w", errRoutes)
	}
	if errDestroy != nil {
		return fmt.Errorf("reconcile: shutdown destroy_device: %w", errDestroy)
	}
	return nil
}
