// Package discovery composes NAT-PMP/PCP gateway probing with SSDP
// M-SEARCH into a single discovery round (spec.md §4.3) and returns the
// union of every candidate mapper found, ready for the root package to
// drive through its protocol-specific operations.
package discovery

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hlandau/portmap2/gateway"
	"github.com/hlandau/portmap2/mux"
	"github.com/hlandau/portmap2/natpmp"
	"github.com/hlandau/portmap2/pcp"
	"github.com/hlandau/portmap2/pmerr"
	"github.com/hlandau/portmap2/ssdp"
	"github.com/hlandau/portmap2/ssdp/ssdpbase"
	"github.com/hlandau/portmap2/upnp"
	"github.com/hlandau/xlog"
)

var log, Log = xlog.NewQuiet("portmap2/discovery")

// gatewayPort is the well-known NAT-PMP/PCP port, RFC 6886 §1 / RFC 6887 §8.
// A var, not a const, solely so discovery_test.go can redirect it at a
// loopback test gateway.
var gatewayPort = 5351

// Kind identifies which protocol a Candidate speaks.
type Kind int

const (
	NATPMP Kind = iota
	PCP
	UPnPConnection
	UPnPFirewall
)

func (k Kind) String() string {
	switch k {
	case NATPMP:
		return "NAT-PMP"
	case PCP:
		return "PCP"
	case UPnPConnection:
		return "UPnP-IGD connection"
	case UPnPFirewall:
		return "UPnP-IGD firewall"
	default:
		return "unknown"
	}
}

// Candidate is one discovered mapper.
type Candidate struct {
	// ID is a stable, comparable identity for this candidate (spec.md §3
	// protocolTag), derived from whatever identifies the candidate
	// uniquely on the wire (gateway IP, or control URL + service type).
	ID   string
	Kind Kind

	// Gateway is set for NATPMP/PCP candidates.
	Gateway net.IP

	// Endpoint/ServiceType are set for UPnP candidates.
	Endpoint    *upnp.Endpoint
	ServiceType string
}

// Options controls a discovery round.
type Options struct {
	// Mux is the multiplexer all I/O is issued through (spec.md §3
	// Ownership invariant). Required.
	Mux *mux.Mux

	// SourceAddrs seeds the ".1" fallback heuristic (spec.md §4.3 step
	// 1(ii)). Defaults to Mux.GetLocalIPs().
	SourceAddrs []net.IP

	// MX is the SSDP MX value, 1-5 (clamped). Defaults to ssdpbase.DefaultMX.
	MX int

	// EnableIPv6 additionally probes the IPv6 SSDP multicast group.
	EnableIPv6 bool
}

func (o *Options) normalize() {
	if o.MX <= 0 {
		o.MX = ssdpbase.DefaultMX
	}
	if o.MX > 5 {
		o.MX = 5
	}
}

var namespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("portmap2/discovery"))

func stableID(parts ...string) string {
	joined := ""
	for i, p := range parts {
		if i > 0 {
			joined += "|"
		}
		joined += p
	}
	return uuid.NewSHA1(namespace, []byte(joined)).String()
}

// Discover runs one discovery round (spec.md §4.3): a NAT-PMP/PCP
// gateway probe and an SSDP M-SEARCH, fanned out concurrently, and
// returns the union of every candidate mapper found. Blocking; bounded
// by ctx's deadline if it has one, and otherwise by the protocols' own
// retry schedules (RFC 6887 §8.1.1 for the PCP/NAT-PMP probe, MX+1
// seconds for the SSDP collection window).
func Discover(ctx context.Context, opts Options) ([]Candidate, error) {
	opts.normalize()
	if opts.Mux == nil {
		return nil, pmerr.New(pmerr.InvalidArgument, "discovery requires a Mux")
	}

	gws, err := gatewayCandidates(opts)
	if err != nil {
		log.Debugf("no gateway candidates: %v", err)
	}

	var wg sync.WaitGroup
	var gwCandidates, upnpCandidates []Candidate

	wg.Add(2)
	go func() {
		defer wg.Done()
		gwCandidates = probeGateways(ctx, opts.Mux, gws)
	}()
	go func() {
		defer wg.Done()
		upnpCandidates = discoverUPnP(ctx, opts.Mux, opts)
	}()
	wg.Wait()

	all := append(gwCandidates, upnpCandidates...)
	if len(all) == 0 {
		return nil, pmerr.New(pmerr.NoGatewayFound, "discovery found no NAT-PMP, PCP, or UPnP-IGD gateway")
	}
	return all, nil
}

// gatewayCandidates derives the set of gateway IPs to probe, spec.md
// §4.3 step 1: the platform-reported default gateway(s), plus the ".1"
// fallback heuristic applied to each local source address.
func gatewayCandidates(opts Options) ([]net.IP, error) {
	var out []net.IP
	seen := map[string]bool{}
	add := func(ip net.IP) {
		if ip == nil {
			return
		}
		k := ip.String()
		if seen[k] {
			return
		}
		seen[k] = true
		out = append(out, ip)
	}

	gwa, err := gateway.GetIPs()
	if err != nil {
		log.Debugf("platform default-gateway enumeration unavailable: %v", err)
	}
	for _, gw := range gwa {
		add(gw)
	}

	srcs := opts.SourceAddrs
	if len(srcs) == 0 && opts.Mux != nil {
		srcs, _ = opts.Mux.GetLocalIPs()
	}
	for _, src := range srcs {
		add(lastOctetGateway(src))
	}

	if len(out) == 0 {
		return nil, pmerr.New(pmerr.NoGatewayFound, "no gateway candidates from platform enumeration or .1 heuristic")
	}
	return out, nil
}

// lastOctetGateway implements spec.md §4.3 step 1(ii)'s fallback: the
// host's own address with the last octet replaced by 1. IPv6 has no
// equivalent convention, so only IPv4 sources yield a candidate.
func lastOctetGateway(src net.IP) net.IP {
	v4 := src.To4()
	if v4 == nil {
		return nil
	}
	gw := make(net.IP, 4)
	copy(gw, v4)
	gw[3] = 1
	return gw
}

// probeGateways classifies every candidate gateway concurrently and
// returns a Candidate for each one that answered. A caller-cancelled ctx
// stops collection early; the multiplexer still owns and eventually
// reaps any goroutines still waiting on their own retry schedule
// (spec.md §5 Cancellation: abandoning a reply is tolerated).
func probeGateways(ctx context.Context, m *mux.Mux, gws []net.IP) []Candidate {
	if len(gws) == 0 {
		return nil
	}

	results := make(chan Candidate, len(gws))
	var wg sync.WaitGroup
	for _, gw := range gws {
		wg.Add(1)
		go func(gw net.IP) {
			defer wg.Done()
			if c, ok := probeGateway(m, gw); ok {
				results <- c
			}
		}(gw)
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	var out []Candidate
	for {
		select {
		case c, ok := <-results:
			if !ok {
				return out
			}
			out = append(out, c)
		case <-ctx.Done():
			log.Debugf("NAT-PMP/PCP probe round cut short by context: %v", ctx.Err())
			return out
		}
	}
}

// probeGateway sends both a PCP MAP probe and a NAT-PMP external-address
// request to gw, per spec.md §4.3 step 1, and classifies it by whichever
// answers. PCP is preferred when both respond, since it is a strict
// superset of NAT-PMP's capabilities.
func probeGateway(m *mux.Mux, gw net.IP) (Candidate, bool) {
	var wg sync.WaitGroup
	var pcpKind Kind
	var pcpOK bool
	var natpmpErr error

	wg.Add(2)
	go func() {
		defer wg.Done()
		pcpKind, pcpOK = classifyGateway(m, gw)
	}()
	go func() {
		defer wg.Done()
		_, natpmpErr = natpmp.GetExternalAddr(m, gw)
	}()
	wg.Wait()

	switch {
	case pcpOK && pcpKind == PCP:
		return Candidate{ID: stableID("pcp", gw.String()), Kind: PCP, Gateway: gw}, true
	case natpmpErr == nil:
		return Candidate{ID: stableID("natpmp", gw.String()), Kind: NATPMP, Gateway: gw}, true
	case pcpOK && pcpKind == NATPMP:
		// The PCP probe itself recognized a NAT-PMP-shaped reply even
		// though the confirming NAT-PMP request above didn't land; still
		// enough to call this a NAT-PMP gateway.
		return Candidate{ID: stableID("natpmp", gw.String()), Kind: NATPMP, Gateway: gw}, true
	default:
		log.Debugf("gateway %v did not answer the NAT-PMP/PCP probe: %v", gw, natpmpErr)
		return Candidate{}, false
	}
}

// classifyGateway sends a single PCP MAP probe (protocol ALL, lifetime
// 0 — RFC 6887's own convention for a no-op/classification request) and
// reports what kind of gateway answered.
//
// The reply's version byte alone settles the classification: a
// NAT-PMP-only gateway answers an unrecognized PCP version byte with
// its own version-0 wire format (RFC 6887 Appendix A), which is
// typically far shorter than PCP's 60-byte minimum response, so it is
// checked before attempting a full pcp.DecodeMapResponse rather than
// relying on that decode's own (length-checked-first) error kind.
func classifyGateway(m *mux.Mux, gw net.IP) (Kind, bool) {
	nonce, err := pcp.NewNonce()
	if err != nil {
		return 0, false
	}
	data := pcp.MapData{Nonce: nonce, Protocol: uint8(pcp.All)}
	req, err := pcp.EncodeMapRequest(nil, 0, data, nil)
	if err != nil {
		return 0, false
	}

	h, err := m.CreateUDP(&net.UDPAddr{})
	if err != nil {
		return 0, false
	}
	defer m.Close(h)

	gwAddr := &net.UDPAddr{IP: gw, Port: gatewayPort}

	rconf := pcp.DefaultBackoff
	rconf.Reset()

	for {
		maxtime := rconf.NextDelay()
		if maxtime == 0 {
			return 0, false
		}

		deadline := time.Now().Add(maxtime)
		if err := m.WriteTo(h, req, gwAddr, deadline); err != nil {
			return 0, false
		}

		for {
			b, addr, err := m.Read(h, pcp.MaxMessageSize, deadline)
			if err != nil {
				if kind, ok := pmerr.KindOf(err); ok && kind == pmerr.Timeout {
					break // next outer retry
				}
				return 0, false
			}

			uaddr, ok := addr.(*net.UDPAddr)
			if !ok || !uaddr.IP.Equal(gw) {
				continue
			}

			if len(b) > 0 && b[0] == 0 {
				return NATPMP, true
			}
			if _, derr := pcp.DecodeMapResponse(b); derr == nil {
				return PCP, true
			}
			// Some other malformed datagram from this address; keep
			// waiting within the current deadline.
		}
	}
}

// discoverUPnP runs the SSDP M-SEARCH half of discovery, spec.md §4.3
// step 2: three search targets, MX seconds, collected for MX+1 seconds,
// then each distinct LOCATION's descriptor is fetched and parsed.
func discoverUPnP(ctx context.Context, m *mux.Mux, opts Options) []Candidate {
	ssdp.StartWithConfig(ssdpbase.Config{MX: opts.MX, EnableIPv6: opts.EnableIPv6})

	wait := time.Duration(opts.MX+1) * time.Second
	select {
	case <-time.After(wait):
	case <-ctx.Done():
		log.Debugf("SSDP collection window cut short by context: %v", ctx.Err())
	}

	locations := map[string]bool{}
	for _, st := range ssdpbase.DefaultSearchTargets {
		for _, svc := range ssdp.GetServicesByType(st) {
			if svc.Location != nil {
				locations[svc.Location.String()] = true
			}
		}
	}

	var out []Candidate
	for loc := range locations {
		svcs, err := upnp.DiscoverServices(ctx, m, loc)
		if err != nil {
			log.Debugf("descriptor fetch failed for %s: %v", loc, err)
			continue
		}
		for _, svc := range svcs {
			kind, ok := classifyUPnPService(svc.ServiceType)
			if !ok {
				continue
			}
			out = append(out, Candidate{
				ID:          stableID("upnp", svc.ControlURL.String(), svc.ServiceType),
				Kind:        kind,
				Endpoint:    upnp.NewEndpoint(m, svc),
				ServiceType: svc.ServiceType,
			})
		}
	}
	return out
}

func classifyUPnPService(st string) (Kind, bool) {
	switch st {
	case upnp.WANIPConnection1, upnp.WANIPConnection2, upnp.WANPPPConnection1:
		return UPnPConnection, true
	case upnp.WANIPv6FirewallControl1:
		return UPnPFirewall, true
	default:
		return 0, false
	}
}
