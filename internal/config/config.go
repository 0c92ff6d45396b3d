// Package config loads and validates the network YAML configuration file
// (spec.md §6): the pre-shared symmetric key, the overlay subnet, and the
// static bootstrap peer list. Node identity itself (interface, wg_ip, name)
// arrives separately as CLI positional arguments, not from this file.
package config

import (
	"encoding/base64"
	"fmt"
	"net"
	"os"

	"gopkg.in/yaml.v3"
)

// SharedKeyLen is the required decoded length of network.sharedKey.
const SharedKeyLen = 32

// PeerConfig is one entry under peers: in the YAML file.
type PeerConfig struct {
	EndPoint  string `yaml:"endPoint"`
	AdminPort uint16 `yaml:"adminPort"`
	WgIP      string `yaml:"wgIp"`
}

// NetworkConfig mirrors the network: block of the YAML file.
type NetworkConfig struct {
	SharedKey string `yaml:"sharedKey"`
	Subnet    string `yaml:"subnet"`
}

// File is the parsed YAML document.
type File struct {
	Network NetworkConfig `yaml:"network"`
	Peers   []PeerConfig  `yaml:"peers"`
}

// Config is the validated, decoded configuration ready for daemon use.
type Config struct {
	SharedKey []byte
	Subnet    *net.IPNet
	Peers     []ResolvedPeer
}

// ResolvedPeer is a validated peers: entry with parsed fields.
type ResolvedPeer struct {
	Host      string // empty if not a static listener
	Port      uint16
	AdminPort uint16
	WgIP      net.IP
	IsStatic  bool
}

// Error is a ConfigError in spec.md's error taxonomy (§7): invalid YAML,
// missing shared key, wg_ip outside subnet, no static listener. Always
// fatal with exit code 1.
type Error struct {
	Reason string
}

func (e *Error) Error() string { return "config: " + e.Reason }

func configErrorf(format string, args ...interface{}) error {
	return &Error{Reason: fmt.Sprintf(format, args...)}
}

// Load reads and validates the network YAML config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, configErrorf("read %s: %v", path, err)
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, configErrorf("parse %s: %v", path, err)
	}

	return validate(&f)
}

func validate(f *File) (*Config, error) {
	key, err := base64.StdEncoding.DecodeString(f.Network.SharedKey)
	if err != nil {
		return nil, configErrorf("network.sharedKey: invalid base64: %v", err)
	}
	if len(key) != SharedKeyLen {
		return nil, configErrorf("network.sharedKey: decoded length %d, want %d", len(key), SharedKeyLen)
	}

	if f.Network.Subnet == "" {
		return nil, configErrorf("network.subnet: required")
	}
	_, subnet, err := net.ParseCIDR(f.Network.Subnet)
	if err != nil {
		return nil, configErrorf("network.subnet: %v", err)
	}

	if len(f.Peers) == 0 {
		return nil, configErrorf("peers: at least one peer is required")
	}

	seen := make(map[string]bool, len(f.Peers))
	hasStatic := false
	peers := make([]ResolvedPeer, 0, len(f.Peers))

	for i, p := range f.Peers {
		if p.WgIP == "" {
			return nil, configErrorf("peers[%d].wgIp: required", i)
		}
		wgIP := net.ParseIP(p.WgIP).To4()
		if wgIP == nil {
			return nil, configErrorf("peers[%d].wgIp: %q is not a valid IPv4 address", i, p.WgIP)
		}
		if !subnet.Contains(wgIP) {
			return nil, configErrorf("peers[%d].wgIp: %s is outside subnet %s", i, wgIP, subnet)
		}
		if seen[wgIP.String()] {
			return nil, configErrorf("peers[%d].wgIp: duplicate %s", i, wgIP)
		}
		seen[wgIP.String()] = true

		rp := ResolvedPeer{WgIP: wgIP, AdminPort: p.AdminPort}

		if p.EndPoint != "" {
			host, port, err := net.SplitHostPort(p.EndPoint)
			if err != nil {
				return nil, configErrorf("peers[%d].endPoint: %v", i, err)
			}
			portNum, err := parsePort(port)
			if err != nil {
				return nil, configErrorf("peers[%d].endPoint: %v", i, err)
			}
			rp.Host = host
			rp.Port = portNum
			rp.IsStatic = true
			hasStatic = true
		}

		peers = append(peers, rp)
	}

	if !hasStatic {
		return nil, configErrorf("peers: at least one static listener (endPoint) is required to bootstrap the overlay")
	}

	return &Config{SharedKey: key, Subnet: subnet, Peers: peers}, nil
}

func parsePort(s string) (uint16, error) {
	var n int
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	if n <= 0 || n > 65535 {
		return 0, fmt.Errorf("port %d out of range", n)
	}
	return uint16(n), nil
}
