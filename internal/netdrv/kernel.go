package netdrv

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"time"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
	"golang.zx2c4.com/wireguard/wgctrl"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/wg-netmanager/netmanager/internal/meshdb"
)

// KernelDriver drives the in-kernel WireGuard module via wgctrl and the
// routing table via netlink, the native-kernel-interface alternative to
// shelling out to `wg`/`ip` that spec.md §9 invites.
type KernelDriver struct {
	client *wgctrl.Client
	name   string
	subnet *net.IPNet
}

// NewKernelDriver opens a wgctrl client. The returned driver is not bound to
// a device until CreateDevice is called.
func NewKernelDriver() (*KernelDriver, error) {
	client, err := wgctrl.New()
	if err != nil {
		return nil, fmt.Errorf("netdrv: open wgctrl client: %w", err)
	}
	return &KernelDriver{client: client}, nil
}

// Close releases the underlying wgctrl client.
func (d *KernelDriver) Close() error {
	return d.client.Close()
}

func (d *KernelDriver) CreateDevice(ctx context.Context, cfg DeviceConfig) error {
	mtu := cfg.MTU
	if mtu == 0 {
		mtu = defaultMTU
	}

	var link netlink.Link
	var err error
	if cfg.UseExisting {
		link, err = netlink.LinkByName(cfg.Name)
		if err != nil {
			return fmt.Errorf("netdrv: -e given but interface %q does not exist: %w", cfg.Name, err)
		}
	} else {
		link, err = ensureLink(cfg.Name, mtu)
		if err != nil {
			return err
		}
	}

	wgCfg := wgtypes.Config{
		PrivateKey:   &cfg.PrivateKey,
		ListenPort:   &cfg.ListenPort,
		ReplacePeers: false,
	}
	if err := d.client.ConfigureDevice(cfg.Name, wgCfg); err != nil {
		return fmt.Errorf("netdrv: configure wireguard device %q: %w", cfg.Name, err)
	}

	if err := syncDeviceAddress(link, cfg.WgIP, cfg.Subnet); err != nil {
		return err
	}

	if link.Attrs().Flags&unix.IFF_UP == 0 {
		if err := netlink.LinkSetUp(link); err != nil {
			return fmt.Errorf("netdrv: set %q up: %w", cfg.Name, err)
		}
	}

	d.name = cfg.Name
	d.subnet = cfg.Subnet
	return nil
}

func ensureLink(name string, mtu int) (netlink.Link, error) {
	link, err := netlink.LinkByName(name)
	if err != nil {
		var notFound netlink.LinkNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("netdrv: find interface %q: %w", name, err)
		}
		newLink := &netlink.GenericLink{LinkAttrs: netlink.LinkAttrs{Name: name, MTU: mtu}, LinkType: "wireguard"}
		if err := netlink.LinkAdd(newLink); err != nil {
			return nil, fmt.Errorf("netdrv: create wireguard interface %q: %w", name, err)
		}
		link, err = netlink.LinkByName(name)
		if err != nil {
			return nil, fmt.Errorf("netdrv: refetch interface %q: %w", name, err)
		}
	}
	if link.Attrs().MTU != mtu {
		if err := netlink.LinkSetMTU(link, mtu); err != nil {
			return nil, fmt.Errorf("netdrv: set mtu on %q: %w", name, err)
		}
	}
	return link, nil
}

func syncDeviceAddress(link netlink.Link, wgIP net.IP, subnet *net.IPNet) error {
	if wgIP == nil || subnet == nil {
		return nil
	}
	want := &net.IPNet{IP: wgIP, Mask: subnet.Mask}

	addrs, err := netlink.AddrList(link, netlink.FAMILY_V4)
	if err != nil {
		return fmt.Errorf("netdrv: list addresses on %q: %w", link.Attrs().Name, err)
	}
	for _, a := range addrs {
		if a.IPNet != nil && a.IPNet.IP.Equal(want.IP) {
			return nil // already assigned, nothing to do
		}
	}
	if err := netlink.AddrAdd(link, &netlink.Addr{IPNet: want}); err != nil && !errors.Is(err, unix.EEXIST) {
		return fmt.Errorf("netdrv: assign address %s on %q: %w", want, link.Attrs().Name, err)
	}
	return nil
}

func (d *KernelDriver) SetPeers(ctx context.Context, desired []meshdb.WgPeerSpec) error {
	dev, err := d.client.Device(d.name)
	if err != nil {
		return fmt.Errorf("netdrv: inspect device %q: %w", d.name, err)
	}

	peerCfgs := diffPeers(dev.Peers, desired)
	if len(peerCfgs) == 0 {
		return nil // idempotent: nothing changed, issue no OS call
	}

	if err := d.client.ConfigureDevice(d.name, wgtypes.Config{Peers: peerCfgs}); err != nil {
		return fmt.Errorf("netdrv: configure peers on %q: %w", d.name, err)
	}
	return nil
}

// diffPeers returns only the PeerConfig entries that actually need to
// change: additions/updates for desired peers whose kernel state differs,
// and Remove entries for kernel peers no longer desired. A peer present in
// both sets with identical AllowedIPs and endpoint produces no entry at
// all, satisfying the idempotent-reconcile property (spec.md §8 prop. 5).
func diffPeers(current []wgtypes.Peer, desired []meshdb.WgPeerSpec) []wgtypes.PeerConfig {
	currentByKey := make(map[wgtypes.Key]wgtypes.Peer, len(current))
	for _, p := range current {
		currentByKey[p.PublicKey] = p
	}

	var out []wgtypes.PeerConfig
	wantKeys := make(map[wgtypes.Key]struct{}, len(desired))

	for _, spec := range desired {
		wantKeys[spec.PublicKey] = struct{}{}
		cur, exists := currentByKey[spec.PublicKey]
		if exists && peerUnchanged(cur, spec) {
			continue
		}

		pc := wgtypes.PeerConfig{
			PublicKey:         spec.PublicKey,
			ReplaceAllowedIPs: true,
			AllowedIPs:        spec.AllowedIPs,
		}
		if spec.HasEndpoint {
			pc.Endpoint = &net.UDPAddr{IP: net.ParseIP(spec.EndpointHost), Port: int(spec.EndpointPort)}
		}
		if spec.PersistentKeepalive {
			ka := PersistentKeepalive
			pc.PersistentKeepaliveInterval = &ka
		}
		out = append(out, pc)
	}

	for key := range currentByKey {
		if _, ok := wantKeys[key]; !ok {
			out = append(out, wgtypes.PeerConfig{PublicKey: key, Remove: true})
		}
	}

	return out
}

func peerUnchanged(cur wgtypes.Peer, spec meshdb.WgPeerSpec) bool {
	if !allowedIPsEqual(cur.AllowedIPs, spec.AllowedIPs) {
		return false
	}
	if spec.HasEndpoint {
		if cur.Endpoint == nil || cur.Endpoint.IP.String() != spec.EndpointHost || cur.Endpoint.Port != int(spec.EndpointPort) {
			return false
		}
	}
	return true
}

func allowedIPsEqual(a, b []net.IPNet) bool {
	if len(a) != len(b) {
		return false
	}
	as := cidrStrings(a)
	bs := cidrStrings(b)
	sort.Strings(as)
	sort.Strings(bs)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}

func cidrStrings(nets []net.IPNet) []string {
	out := make([]string, len(nets))
	for i, n := range nets {
		out[i] = n.String()
	}
	return out
}

func (d *KernelDriver) SetRoutes(ctx context.Context, desired []meshdb.RouteSpec) error {
	link, err := netlink.LinkByName(d.name)
	if err != nil {
		return fmt.Errorf("netdrv: find interface %q: %w", d.name, err)
	}

	current, err := netlink.RouteList(link, netlink.FAMILY_V4)
	if err != nil {
		return fmt.Errorf("netdrv: list routes on %q: %w", d.name, err)
	}

	wantByDest := make(map[string]meshdb.RouteSpec, len(desired))
	for _, r := range desired {
		wantByDest[r.DestWgIP.String()] = r
	}

	ownedByDest := make(map[string]netlink.Route)
	for _, r := range current {
		if r.Dst == nil || !d.ownsRoute(r) {
			continue
		}
		ones, _ := r.Dst.Mask.Size()
		if ones != 32 {
			continue
		}
		ownedByDest[r.Dst.IP.String()] = r
	}

	for destStr, spec := range wantByDest {
		if _, exists := ownedByDest[destStr]; exists {
			continue // already present, no-op
		}
		route := &netlink.Route{
			LinkIndex: link.Attrs().Index,
			Dst:       &net.IPNet{IP: spec.DestWgIP, Mask: net.CIDRMask(32, 32)},
			Scope:     netlink.SCOPE_LINK,
		}
		if err := netlink.RouteReplace(route); err != nil {
			return fmt.Errorf("netdrv: add route to %s via %s: %w", destStr, d.name, err)
		}
	}

	for destStr, route := range ownedByDest {
		if _, stillWanted := wantByDest[destStr]; stillWanted {
			continue
		}
		r := route
		if err := netlink.RouteDel(&r); err != nil && !errors.Is(err, unix.ESRCH) {
			return fmt.Errorf("netdrv: remove route to %s via %s: %w", destStr, d.name, err)
		}
	}

	return nil
}

func (d *KernelDriver) ownsRoute(r netlink.Route) bool {
	if d.subnet == nil || r.Dst == nil {
		return true
	}
	return d.subnet.Contains(r.Dst.IP)
}

func (d *KernelDriver) DestroyDevice(ctx context.Context) error {
	if d.name == "" {
		return nil
	}
	link, err := netlink.LinkByName(d.name)
	if err != nil {
		var notFound netlink.LinkNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("netdrv: find interface %q: %w", d.name, err)
	}
	if err := netlink.LinkDel(link); err != nil {
		return fmt.Errorf("netdrv: delete interface %q: %w", d.name, err)
	}
	return nil
}

func (d *KernelDriver) QueryObservedEndpoint(ctx context.Context, publicKey wgtypes.Key, maxHandshakeAge time.Duration) (meshdb.CandidateEndpoint, bool, error) {
	dev, err := d.client.Device(d.name)
	if err != nil {
		return meshdb.CandidateEndpoint{}, false, fmt.Errorf("netdrv: inspect device %q: %w", d.name, err)
	}
	for _, p := range dev.Peers {
		if p.PublicKey != publicKey {
			continue
		}
		if p.LastHandshakeTime.IsZero() || time.Since(p.LastHandshakeTime) > maxHandshakeAge {
			return meshdb.CandidateEndpoint{}, false, nil
		}
		if p.Endpoint == nil {
			return meshdb.CandidateEndpoint{}, false, nil
		}
		return meshdb.CandidateEndpoint{
			Host:     p.Endpoint.IP.String(),
			Port:     uint16(p.Endpoint.Port),
			Class:    meshdb.ClassDynamic,
			LastSeen: p.LastHandshakeTime,
		}, true, nil
	}
	return meshdb.CandidateEndpoint{}, false, nil
}
