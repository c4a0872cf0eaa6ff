package probe

import (
	"net"
	"strings"
	"testing"
)

const sampleConfig = `
# comment line
probe nf5-a netflow-v5 listen 0.0.0.0:9995
  accept-from 10.0.0.1 10.0.0.2
  quirk zero-packets-valid

probe ipfix-a ipfix polldir /var/spool/ipfix

sensor S0 0
  probe nf5-a
  decider if 3 eth3
  decider ipblock 10.0.0.0/8 internal
`

func TestParseConfig(t *testing.T) {
	reg, err := ParseConfig(strings.NewReader(sampleConfig))
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}

	p, ok := reg.FindProbeByName("nf5-a")
	if !ok {
		t.Fatal("probe nf5-a not found")
	}
	if p.Kind != KindNetflowV5 {
		t.Fatalf("kind = %v, want netflow-v5", p.Kind)
	}
	if p.Binding != BindingListenAddr || p.ListenAddr != "0.0.0.0:9995" {
		t.Fatalf("binding = %v %v", p.Binding, p.ListenAddr)
	}
	if len(p.AcceptFrom) != 2 {
		t.Fatalf("accept-from = %v, want 2 entries", p.AcceptFrom)
	}
	if !p.HasQuirk(QuirkZeroPacketsValid) {
		t.Fatal("expected QuirkZeroPacketsValid")
	}

	p2, ok := reg.FindProbeByName("ipfix-a")
	if !ok {
		t.Fatal("probe ipfix-a not found")
	}
	if dir, ok := reg.PollDirForProbe("ipfix-a"); !ok || dir != "/var/spool/ipfix" {
		t.Fatalf("poll dir = %v %v", dir, ok)
	}
	_ = p2

	s, ok := reg.FindSensorByID(0)
	if !ok || s.Name != "S0" {
		t.Fatalf("sensor lookup failed: %v %v", s, ok)
	}
	if len(s.Deciders) != 2 {
		t.Fatalf("deciders = %v, want 2", s.Deciders)
	}
	probes := reg.ProbesForSensor("S0")
	if len(probes) != 1 || probes[0] != "nf5-a" {
		t.Fatalf("ProbesForSensor(S0) = %v", probes)
	}
	sensors := reg.SensorsForProbe("nf5-a")
	if len(sensors) != 1 || sensors[0] != "S0" {
		t.Fatalf("SensorsForProbe(nf5-a) = %v", sensors)
	}
}

func TestParseConfigFTPPollBinding(t *testing.T) {
	const cfg = `
probe ftp-a silk-native ftp ftp.example.com:21
  ftp-remote-dir /spool/out
  ftp-auth alice secret
`
	reg, err := ParseConfig(strings.NewReader(cfg))
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	p, ok := reg.FindProbeByName("ftp-a")
	if !ok {
		t.Fatal("probe ftp-a not found")
	}
	if p.Binding != BindingFTPPoll || p.FTPAddr != "ftp.example.com:21" {
		t.Fatalf("binding = %v %v", p.Binding, p.FTPAddr)
	}
	if p.FTPRemoteDir != "/spool/out" {
		t.Fatalf("FTPRemoteDir = %q, want /spool/out", p.FTPRemoteDir)
	}
	if p.FTPUser != "alice" || p.FTPPass != "secret" {
		t.Fatalf("FTPUser/FTPPass = %q/%q, want alice/secret", p.FTPUser, p.FTPPass)
	}
}

func TestParseConfigUnknownProbeReference(t *testing.T) {
	bad := "sensor S0 0\n  probe nonexistent\n"
	if _, err := ParseConfig(strings.NewReader(bad)); err == nil {
		t.Fatal("expected error for sensor referencing unknown probe")
	}
}

func TestResolverAllowedWithLiteralsAndCIDR(t *testing.T) {
	r := NewResolver("")
	accept := []string{"10.0.0.1", "192.168.0.0/16"}

	if !r.Allowed(accept, net.ParseIP("10.0.0.1")) {
		t.Fatal("expected literal IP match to be allowed")
	}
	if !r.Allowed(accept, net.ParseIP("192.168.5.5")) {
		t.Fatal("expected CIDR match to be allowed")
	}
	if r.Allowed(accept, net.ParseIP("8.8.8.8")) {
		t.Fatal("expected unrelated IP to be rejected")
	}
}

func TestResolverAllowedEmptyListAllowsAnything(t *testing.T) {
	r := NewResolver("")
	if !r.Allowed(nil, net.ParseIP("1.2.3.4")) {
		t.Fatal("empty accept-from list should allow any peer")
	}
}
