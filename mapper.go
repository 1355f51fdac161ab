package portmap2

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/hlandau/portmap2/discovery"
	"github.com/hlandau/portmap2/mux"
	"github.com/hlandau/portmap2/natpmp"
	"github.com/hlandau/portmap2/pcp"
	"github.com/hlandau/portmap2/pmerr"
	"github.com/hlandau/portmap2/upnp"
)

// MappedPort is the outcome of a successful map/refresh against one
// discovered mapper.
type MappedPort struct {
	ExternalPort    uint16
	ExternalAddress net.IP
	ExpireTime      time.Time
}

// mapper is the tagged-variant contract a discovered NAT-PMP, PCP, or
// UPnP-IGD service must satisfy to be driven by the mapping loop. Each
// discovery.Candidate is wrapped into exactly one concrete implementation
// below, chosen by its Kind.
type mapper interface {
	fmt.Stringer
	mapPort(cfg Config) (MappedPort, error)
	refreshPort(prev MappedPort, cfg Config) (MappedPort, error)
	unmapPort(prev MappedPort, cfg Config) error
}

// epochAware is implemented by mappers whose protocol can report that the
// gateway lost all prior state (PCP's epoch time, RFC 6887 §8.5). The
// mapping loop consults this after every successful map or refresh to
// decide whether to schedule an immediate re-map rather than waiting out the normal
// half-lifetime renewal interval.
type epochAware interface {
	consumeEpochReset() bool
}

// newMapper wraps a discovered candidate into its mapper implementation.
func newMapper(m *mux.Mux, selfIP net.IP, c discovery.Candidate) mapper {
	switch c.Kind {
	case discovery.NATPMP:
		return &natPmpMapper{mux: m, gw: c.Gateway}
	case discovery.PCP:
		return &pcpMapper{mux: m, gw: c.Gateway, driver: pcp.NewDriver(), clientIP: selfIP}
	case discovery.UPnPConnection:
		return &upnpPortMapper{ep: c.Endpoint}
	case discovery.UPnPFirewall:
		return &upnpFirewallMapper{ep: c.Endpoint}
	default:
		return nil
	}
}

func mappingName(cfg Config) string {
	if cfg.Name != "" {
		return cfg.Name
	}
	return fmt.Sprintf("portmap2 %s:%d", protoLabel(cfg.Protocol), cfg.InternalPort)
}

func protoLabel(p Protocol) string {
	if p == UDP {
		return "udp"
	}
	return "tcp"
}

// localAddrFor determines which local address the kernel would route
// through to reach hostport, the same trick determineSelfIP uses against a
// fixed global target, here aimed at the gateway itself so UPnP actions
// that need to name our own LAN address (NewInternalClient) get the right
// one on multi-homed hosts.
func localAddrFor(hostport string) (net.IP, error) {
	c, err := net.Dial("udp", hostport)
	if err != nil {
		return nil, pmerr.Wrap(pmerr.Unreachable, err)
	}
	defer c.Close()
	return c.LocalAddr().(*net.UDPAddr).IP, nil
}

// --- NAT-PMP -----------------------------------------------------------

type natPmpMapper struct {
	mux *mux.Mux
	gw  net.IP
}

func (n *natPmpMapper) String() string { return fmt.Sprintf("NAT-PMP(%s)", n.gw) }

func (n *natPmpMapper) mapPort(cfg Config) (MappedPort, error) {
	return n.doMap(cfg, cfg.ExternalPort, cfg.Lifetime)
}

func (n *natPmpMapper) refreshPort(prev MappedPort, cfg Config) (MappedPort, error) {
	return n.doMap(cfg, prev.ExternalPort, cfg.Lifetime)
}

func (n *natPmpMapper) doMap(cfg Config, suggestedPort uint16, lifetime time.Duration) (MappedPort, error) {
	extPort, actualLifetime, err := natpmp.Map(n.mux, n.gw, natpmp.Protocol(cfg.Protocol), cfg.InternalPort, suggestedPort, lifetime)
	if err != nil {
		return MappedPort{}, err
	}

	var addr net.IP
	if a, err := natpmp.GetExternalAddr(n.mux, n.gw); err == nil {
		addr = a
	}

	return MappedPort{ExternalPort: extPort, ExternalAddress: addr, ExpireTime: time.Now().Add(actualLifetime)}, nil
}

func (n *natPmpMapper) unmapPort(prev MappedPort, cfg Config) error {
	return natpmp.Unmap(n.mux, n.gw, natpmp.Protocol(cfg.Protocol), cfg.InternalPort)
}

// --- PCP -----------------------------------------------------------------

type pcpMapper struct {
	mux      *mux.Mux
	gw       net.IP
	driver   *pcp.Driver
	clientIP net.IP

	resetMu    sync.Mutex
	epochReset bool
}

func (p *pcpMapper) String() string { return fmt.Sprintf("PCP(%s)", p.gw) }

func (p *pcpMapper) consumeEpochReset() bool {
	p.resetMu.Lock()
	defer p.resetMu.Unlock()
	r := p.epochReset
	p.epochReset = false
	return r
}

func (p *pcpMapper) note(res pcp.MapResult) MappedPort {
	if res.EpochReset {
		p.resetMu.Lock()
		p.epochReset = true
		p.resetMu.Unlock()
	}
	return MappedPort{
		ExternalPort:    res.ExternalPort,
		ExternalAddress: res.ExternalAddress,
		ExpireTime:      time.Now().Add(res.Lifetime),
	}
}

func (p *pcpMapper) mapPort(cfg Config) (MappedPort, error) {
	res, err := p.driver.Map(p.mux, p.gw, pcp.Protocol(cfg.Protocol), cfg.InternalPort, cfg.ExternalPort, nil, p.clientIP, cfg.Lifetime)
	if err != nil {
		return MappedPort{}, err
	}
	return p.note(res), nil
}

func (p *pcpMapper) refreshPort(prev MappedPort, cfg Config) (MappedPort, error) {
	prevResult := pcp.MapResult{ExternalPort: prev.ExternalPort, ExternalAddress: prev.ExternalAddress}
	res, err := p.driver.Refresh(p.mux, p.gw, pcp.Protocol(cfg.Protocol), cfg.InternalPort, prevResult, p.clientIP, cfg.Lifetime)
	if err != nil {
		return MappedPort{}, err
	}
	return p.note(res), nil
}

func (p *pcpMapper) unmapPort(prev MappedPort, cfg Config) error {
	err := p.driver.Unmap(p.mux, p.gw, pcp.Protocol(cfg.Protocol), cfg.InternalPort, 0, nil, p.clientIP)
	p.driver.ForgetGateway(p.gw)
	return err
}

// --- UPnP-IGD port mapping -------------------------------------------------

type upnpPortMapper struct {
	ep *upnp.Endpoint
}

func (u *upnpPortMapper) String() string { return fmt.Sprintf("UPnP(%s %s)", u.ep.Service, u.ep.Host) }

func (u *upnpPortMapper) mapPort(cfg Config) (MappedPort, error) {
	ctx, cancel := context.WithTimeout(context.Background(), upnp.DefaultControlTimeout)
	defer cancel()

	internalClient, err := localAddrFor(u.ep.Host)
	if err != nil {
		return MappedPort{}, err
	}

	lease := int64(cfg.Lifetime.Seconds())
	extPort := cfg.ExternalPort

	if extPort == 0 && u.ep.Service == upnp.WANIPConnection2 {
		extPort, err = u.ep.AddAnyPortMapping(ctx, nil, 0, upnp.Protocol(cfg.Protocol), cfg.InternalPort, internalClient, mappingName(cfg), lease)
		if err != nil {
			return MappedPort{}, err
		}
	} else {
		if extPort == 0 {
			extPort = cfg.InternalPort // v1 services have no "any port" action; offer the internal port as a suggestion
		}
		if err := u.ep.AddPortMapping(ctx, nil, extPort, upnp.Protocol(cfg.Protocol), cfg.InternalPort, internalClient, mappingName(cfg), lease); err != nil {
			return MappedPort{}, err
		}
	}

	var extAddr net.IP
	if a, err := u.ep.GetExternalIPAddress(ctx); err == nil {
		extAddr = a
	}

	return MappedPort{ExternalPort: extPort, ExternalAddress: extAddr, ExpireTime: time.Now().Add(cfg.Lifetime)}, nil
}

func (u *upnpPortMapper) refreshPort(prev MappedPort, cfg Config) (MappedPort, error) {
	ctx, cancel := context.WithTimeout(context.Background(), upnp.DefaultControlTimeout)
	defer cancel()

	internalClient, err := localAddrFor(u.ep.Host)
	if err != nil {
		return MappedPort{}, err
	}

	lease := int64(cfg.Lifetime.Seconds())
	if err := u.ep.AddPortMapping(ctx, nil, prev.ExternalPort, upnp.Protocol(cfg.Protocol), cfg.InternalPort, internalClient, mappingName(cfg), lease); err != nil {
		return MappedPort{}, err
	}
	return MappedPort{ExternalPort: prev.ExternalPort, ExternalAddress: prev.ExternalAddress, ExpireTime: time.Now().Add(cfg.Lifetime)}, nil
}

func (u *upnpPortMapper) unmapPort(prev MappedPort, cfg Config) error {
	ctx, cancel := context.WithTimeout(context.Background(), upnp.DefaultControlTimeout)
	defer cancel()
	return u.ep.DeletePortMapping(ctx, nil, prev.ExternalPort, upnp.Protocol(cfg.Protocol))
}

// --- UPnP-IGD IPv6 firewall pinholes ---------------------------------------

type upnpFirewallMapper struct {
	ep *upnp.Endpoint

	pinholeMu sync.Mutex
	uniqueID  int
	haveID    bool
}

func (u *upnpFirewallMapper) String() string { return fmt.Sprintf("UPnP-Firewall(%s)", u.ep.Host) }

func (u *upnpFirewallMapper) mapPort(cfg Config) (MappedPort, error) {
	ctx, cancel := context.WithTimeout(context.Background(), upnp.DefaultControlTimeout)
	defer cancel()

	clientIP, err := localAddrFor(u.ep.Host)
	if err != nil {
		return MappedPort{}, err
	}

	lease := int64(cfg.Lifetime.Seconds())
	port := cfg.InternalPort
	id, err := u.ep.AddPinhole(ctx, nil, port, clientIP, port, upnp.Protocol(cfg.Protocol), lease)
	if err != nil {
		return MappedPort{}, err
	}

	u.pinholeMu.Lock()
	u.uniqueID, u.haveID = id, true
	u.pinholeMu.Unlock()

	// IPv6 firewall control opens a hole for our own address/port; there
	// is no NAT translation, so the "external" port is the same port.
	return MappedPort{ExternalPort: port, ExternalAddress: clientIP, ExpireTime: time.Now().Add(cfg.Lifetime)}, nil
}

func (u *upnpFirewallMapper) refreshPort(prev MappedPort, cfg Config) (MappedPort, error) {
	return u.mapPort(cfg)
}

func (u *upnpFirewallMapper) unmapPort(prev MappedPort, cfg Config) error {
	u.pinholeMu.Lock()
	id, have := u.uniqueID, u.haveID
	u.pinholeMu.Unlock()
	if !have {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), upnp.DefaultControlTimeout)
	defer cancel()
	return u.ep.DeletePinhole(ctx, id)
}
