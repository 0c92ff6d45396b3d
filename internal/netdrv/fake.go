package netdrv

import (
	"context"
	"time"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/wg-netmanager/netmanager/internal/meshdb"
)

// FakeDriver is an in-memory Driver used by reconcile/daemon tests so they
// can assert on exactly what the reconciler would have pushed to the OS,
// including call counts for the idempotency property (spec.md §8 prop. 5).
type FakeDriver struct {
	Created   bool
	Destroyed bool
	Device    DeviceConfig

	Peers  []meshdb.WgPeerSpec
	Routes []meshdb.RouteSpec

	SetPeersCalls  int
	SetRoutesCalls int

	Observed map[string]meshdb.CandidateEndpoint // keyed by wgtypes.Key.String()
}

// NewFakeDriver returns an empty FakeDriver.
func NewFakeDriver() *FakeDriver {
	return &FakeDriver{Observed: make(map[string]meshdb.CandidateEndpoint)}
}

func (f *FakeDriver) CreateDevice(ctx context.Context, cfg DeviceConfig) error {
	f.Created = true
	f.Device = cfg
	return nil
}

func (f *FakeDriver) SetPeers(ctx context.Context, desired []meshdb.WgPeerSpec) error {
	if peerSpecsEqual(f.Peers, desired) {
		return nil
	}
	f.SetPeersCalls++
	f.Peers = append([]meshdb.WgPeerSpec(nil), desired...)
	return nil
}

func (f *FakeDriver) SetRoutes(ctx context.Context, desired []meshdb.RouteSpec) error {
	if routeSpecsEqual(f.Routes, desired) {
		return nil
	}
	f.SetRoutesCalls++
	f.Routes = append([]meshdb.RouteSpec(nil), desired...)
	return nil
}

func (f *FakeDriver) DestroyDevice(ctx context.Context) error {
	f.Destroyed = true
	f.Peers = nil
	f.Routes = nil
	return nil
}

func (f *FakeDriver) QueryObservedEndpoint(ctx context.Context, publicKey wgtypes.Key, maxHandshakeAge time.Duration) (meshdb.CandidateEndpoint, bool, error) {
	ep, ok := f.Observed[publicKey.String()]
	return ep, ok, nil
}

func peerSpecsEqual(a, b []meshdb.WgPeerSpec) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].PublicKey != b[i].PublicKey || a[i].HasEndpoint != b[i].HasEndpoint ||
			a[i].EndpointHost != b[i].EndpointHost || a[i].EndpointPort != b[i].EndpointPort ||
			!allowedIPsEqual(a[i].AllowedIPs, b[i].AllowedIPs) {
			return false
		}
	}
	return true
}

func routeSpecsEqual(a, b []meshdb.RouteSpec) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].DestWgIP.Equal(b[i].DestWgIP) {
			return false
		}
	}
	return true
}
