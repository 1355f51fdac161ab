package discovery

import (
	"net"
	"testing"

	"github.com/hlandau/portmap2/mux"
	"github.com/hlandau/portmap2/upnp"
)

func TestLastOctetGatewayIPv4(t *testing.T) {
	gw := lastOctetGateway(net.ParseIP("192.168.1.42"))
	if gw == nil || gw.String() != "192.168.1.1" {
		t.Fatalf("got %v want 192.168.1.1", gw)
	}
}

func TestLastOctetGatewayIPv6ReturnsNil(t *testing.T) {
	if gw := lastOctetGateway(net.ParseIP("2001:db8::1")); gw != nil {
		t.Fatalf("expected nil for IPv6 source, got %v", gw)
	}
}

func TestClassifyUPnPService(t *testing.T) {
	cases := []struct {
		st       string
		wantKind Kind
		wantOK   bool
	}{
		{upnp.WANIPConnection1, UPnPConnection, true},
		{upnp.WANIPConnection2, UPnPConnection, true},
		{upnp.WANPPPConnection1, UPnPConnection, true},
		{upnp.WANIPv6FirewallControl1, UPnPFirewall, true},
		{"urn:schemas-upnp-org:service:Layer3Forwarding:1", 0, false},
	}
	for _, c := range cases {
		kind, ok := classifyUPnPService(c.st)
		if ok != c.wantOK || (ok && kind != c.wantKind) {
			t.Errorf("classifyUPnPService(%q) = (%v, %v), want (%v, %v)", c.st, kind, ok, c.wantKind, c.wantOK)
		}
	}
}

func TestStableIDDeterministicAndDistinct(t *testing.T) {
	a := stableID("pcp", "192.0.2.1")
	b := stableID("pcp", "192.0.2.1")
	c := stableID("natpmp", "192.0.2.1")
	if a != b {
		t.Fatalf("stableID not deterministic: %s != %s", a, b)
	}
	if a == c {
		t.Fatal("stableID collided across distinct inputs")
	}
}

func TestGatewayCandidatesAppliesHeuristicAndDedupes(t *testing.T) {
	opts := Options{
		SourceAddrs: []net.IP{
			net.ParseIP("10.0.0.5"),
			net.ParseIP("10.0.0.6"), // same /24, same .1 heuristic result
		},
	}
	gws, err := gatewayCandidates(opts)
	if err != nil {
		t.Fatalf("gatewayCandidates: %v", err)
	}

	found := false
	count := 0
	for _, gw := range gws {
		if gw.String() == "10.0.0.1" {
			found = true
			count++
		}
	}
	if !found {
		t.Fatalf("expected 10.0.0.1 among candidates, got %v", gws)
	}
	if count != 1 {
		t.Fatalf("expected the .1 heuristic to dedupe across sources sharing a subnet, got %d copies", count)
	}
}

func TestGatewayCandidatesEmptyWithoutSourcesOrPlatformGateway(t *testing.T) {
	// With no SourceAddrs and Mux nil, gatewayCandidates falls back only to
	// the platform enumeration; on a CI sandbox with no default route this
	// legitimately returns NoGatewayFound, which the caller (Discover)
	// already tolerates by proceeding with an empty candidate list.
	opts := Options{}
	_, err := gatewayCandidates(opts)
	if err == nil {
		t.Skip("platform default-gateway enumeration found a real gateway in this environment")
	}
}

// fakeGateway is a loopback UDP endpoint used to exercise classifyGateway
// without touching the well-known port 5351.
type fakeGateway struct {
	conn *net.UDPConn
}

func newFakeGateway(t *testing.T) *fakeGateway {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	return &fakeGateway{conn: conn}
}

func (g *fakeGateway) port() int { return g.conn.LocalAddr().(*net.UDPAddr).Port }
func (g *fakeGateway) close()    { g.conn.Close() }

func withGatewayPort(port int, fn func()) {
	orig := gatewayPort
	gatewayPort = port
	defer func() { gatewayPort = orig }()
	fn()
}

func TestClassifyGatewayDetectsPCPCapableGateway(t *testing.T) {
	gw := newFakeGateway(t)
	defer gw.close()

	go func() {
		buf := make([]byte, 2048)
		n, addr, err := gw.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		_ = n
		// A minimal well-formed PCP MAP response: version 2, response
		// bit set, success, zero lifetime/epoch, 36-byte echoed data
		// block.
		resp := make([]byte, 24+36)
		resp[0] = 2
		resp[1] = 1 | 0x80
		gw.conn.WriteToUDP(resp, addr)
	}()

	m := mux.New()
	defer m.Kill()

	var kind Kind
	var ok bool
	withGatewayPort(gw.port(), func() {
		kind, ok = classifyGateway(m, net.IPv4(127, 0, 0, 1))
	})
	if !ok || kind != PCP {
		t.Fatalf("got (%v, %v), want (PCP, true)", kind, ok)
	}
}

func TestClassifyGatewayDetectsNATPMPOnlyGateway(t *testing.T) {
	gw := newFakeGateway(t)
	defer gw.close()

	go func() {
		buf := make([]byte, 2048)
		_, addr, err := gw.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		// A NAT-PMP version-0 reply with result code 1 (unsupported
		// version), as a NAT-PMP-only gateway answers a PCP request.
		resp := []byte{0, 0x80 | 0, 0, 1, 0, 0, 0, 0}
		gw.conn.WriteToUDP(resp, addr)
	}()

	m := mux.New()
	defer m.Kill()

	var kind Kind
	var ok bool
	withGatewayPort(gw.port(), func() {
		kind, ok = classifyGateway(m, net.IPv4(127, 0, 0, 1))
	})
	if !ok || kind != NATPMP {
		t.Fatalf("got (%v, %v), want (NATPMP, true)", kind, ok)
	}
}
