// Package netdrv implements the network interface driver (spec component
// C3): the declarative capability interface spec.md §4.3 describes, backed
// by the Linux kernel WireGuard module and the kernel routing table rather
// than shelling out to `wg`/`ip` (an explicit invitation in spec.md §9).
package netdrv

import (
	"context"
	"net"
	"time"

	"github.com/wg-netmanager/netmanager/internal/meshdb"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// PersistentKeepalive is the interval requested on every peer entry that
// asks for one (spec.md §4.5 T_keepalive default).
const PersistentKeepalive = 25 * time.Second

// Driver is the capability interface the reconciliation loop (C6) drives.
// Multiple backends can satisfy it (kernel WG+netlink today; wireguard-go
// or boringtun are plausible others per spec.md §9) — callers select an
// implementation at startup by probing, never by type-switching on a
// concrete struct.
type Driver interface {
	// CreateDevice idempotently creates (or adopts, if useExisting) the
	// named WireGuard device, assigns wg_ip inside subnet, and sets the
	// private key and listen port.
	CreateDevice(ctx context.Context, cfg DeviceConfig) error

	// SetPeers replaces the device's peer list to match desired exactly.
	SetPeers(ctx context.Context, desired []meshdb.WgPeerSpec) error

	// SetRoutes replaces the subset of kernel routes this daemon owns
	// (routes on its device with destinations inside the overlay subnet)
	// to match desired exactly.
	SetRoutes(ctx context.Context, desired []meshdb.RouteSpec) error

	// DestroyDevice tears the device down. Safe to call if it was never
	// created, or already gone.
	DestroyDevice(ctx context.Context) error

	// QueryObservedEndpoint reads back the endpoint the kernel learned
	// from the most recent handshake for publicKey, if any within
	// maxHandshakeAge.
	QueryObservedEndpoint(ctx context.Context, publicKey wgtypes.Key, maxHandshakeAge time.Duration) (meshdb.CandidateEndpoint, bool, error)
}

// DeviceConfig describes the WireGuard device to create or adopt.
type DeviceConfig struct {
	Name          string
	WgIP          net.IP
	Subnet        *net.IPNet
	ListenPort    int
	PrivateKey    wgtypes.Key
	UseExisting   bool
	MTU           int
}

// defaultMTU matches WireGuard's own recommendation when the operator
// hasn't overridden it via configuration.
const defaultMTU = 1420
