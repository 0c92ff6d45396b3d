package config

import (
	"testing"

	"gopkg.in/yaml.v3"
)

const validYAML = `
network:
  sharedKey: AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=
  subnet:    10.1.1.0/24
peers:
  - endPoint: bootstrap.example.com:51821
    adminPort: 51821
    wgIp: 10.1.1.1
  - adminPort: 51821
    wgIp: 10.1.1.2
`

func mustParse(t *testing.T, data string) *File {
	t.Helper()
	var f File
	if err := yaml.Unmarshal([]byte(data), &f); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return &f
}

func TestValidateAcceptsWellFormedConfig(t *testing.T) {
	f := mustParse(t, validYAML)
	cfg, err := validate(f)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if len(cfg.SharedKey) != SharedKeyLen {
		t.Fatalf("SharedKey len = %d, want %d", len(cfg.SharedKey), SharedKeyLen)
	}
	if len(cfg.Peers) != 2 {
		t.Fatalf("Peers len = %d, want 2", len(cfg.Peers))
	}
	if !cfg.Peers[0].IsStatic || cfg.Peers[1].IsStatic {
		t.Fatal("expected peer 0 static, peer 1 not static")
	}
}

func TestValidateRejectsMissingSharedKey(t *testing.T) {
	f := &File{
		Network: NetworkConfig{Subnet: "10.1.1.0/24"},
		Peers:   []PeerConfig{{EndPoint: "a:1", WgIP: "10.1.1.1"}},
	}
	if _, err := validate(f); err == nil {
		t.Fatal("expected error for missing sharedKey")
	}
}

func TestValidateRejectsWgIPOutsideSubnet(t *testing.T) {
	f := mustParse(t, validYAML)
	f.Peers[0].WgIP = "10.2.2.2"
	if _, err := validate(f); err == nil {
		t.Fatal("expected error for wg_ip outside subnet")
	}
}

func TestValidateRejectsNoStaticListener(t *testing.T) {
	f := mustParse(t, validYAML)
	f.Peers[0].EndPoint = ""
	if _, err := validate(f); err == nil {
		t.Fatal("expected error when no peer has endPoint")
	}
}

func TestValidateRejectsDuplicateWgIP(t *testing.T) {
	f := mustParse(t, validYAML)
	f.Peers[1].WgIP = f.Peers[0].WgIP
	if _, err := validate(f); err == nil {
		t.Fatal("expected error for duplicate wg_ip")
	}
}

func TestValidateRejectsEmptySubnet(t *testing.T) {
	f := mustParse(t, validYAML)
	f.Network.Subnet = ""
	if _, err := validate(f); err == nil {
		t.Fatal("expected error for empty subnet")
	}
}

func TestConfigErrorMessage(t *testing.T) {
	err := configErrorf("wg_ip %s outside subnet", "10.2.2.2")
	if err.Error() == "" {
		t.Fatal("expected non-empty error message")
	}
}
