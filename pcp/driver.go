package pcp

import (
	"crypto/rand"
	gnet "net"
	"sync"
	"time"

	"github.com/hlandau/degoutils/net"
	"github.com/hlandau/portmap2/mux"
	"github.com/hlandau/portmap2/pmerr"
	"github.com/hlandau/xlog"
)

var log, Log = xlog.NewQuiet("portmap2/pcp")

// Protocol identifies which kind of port is being mapped. All maps to a
// MAP request with Protocol==0, which RFC 6887 restricts to
// InternalPort==0 requests (address-family probes, not real mappings).
type Protocol uint8

const (
	All Protocol = 0
	TCP Protocol = 6
	UDP Protocol = 17
)

// gatewayPort is the well-known PCP/NAT-PMP port (RFC 6887 §8). It is a
// var, not a const, solely so driver_test.go can redirect it at a
// loopback test gateway.
var gatewayPort = 5351

// DefaultBackoff is the PCP retransmission schedule of RFC 6887 §8.1.1
// (spec.md §4.3 step 1 names the same numbers for the discovery probe):
// initial timeout 3s, exponential up to 1024s, abandon after 9 tries.
var DefaultBackoff = net.Backoff{
	MaxTries:           9,
	InitialDelay:       3 * time.Second,
	MaxDelay:           1024 * time.Second,
	MaxDelayAfterTries: 9,
}

// MapResult is the outcome of a successful MAP request.
type MapResult struct {
	ExternalPort    uint16
	ExternalAddress gnet.IP
	Lifetime        time.Duration
	EpochReset      bool // true if this response revealed a server epoch discontinuity
}

type epochState struct {
	serverEpoch uint32
	observedAt  time.Time
}

// Driver issues PCP MAP requests against gateways over a mux.Mux and
// tracks each gateway's epoch time to detect state loss (RFC 6887 §8.5).
// The zero value is ready to use.
type Driver struct {
	epochs sync.Map // map[string]epochState, keyed by gateway IP string
}

// NewDriver returns a ready-to-use Driver.
func NewDriver() *Driver {
	return &Driver{}
}

// NewNonce generates a fresh, cryptographically random 12-byte PCP nonce
// (spec.md §4.4.2: "send MAP opcode with a fresh 12-byte nonce
// (cryptographically random)"). This is deliberately crypto/rand rather
// than github.com/google/uuid: a PCP nonce is a raw 96-bit value with no
// version/variant bits to reserve, unlike a UUID's 128 bits, so a UUID
// would either waste 4 bytes or corrupt its own framing if truncated.
func NewNonce() ([12]byte, error) {
	var n [12]byte
	if _, err := rand.Read(n[:]); err != nil {
		return n, pmerr.Wrap(pmerr.Unreachable, err)
	}
	return n, nil
}

// checkEpoch implements the RFC 6887 §8.5 client-side epoch validation
// algorithm: a server epoch that does not advance roughly in step with
// the client's own clock indicates the server lost state (reboot, NAT
// reset) and every existing mapping through it should be treated as
// gone.
func (d *Driver) checkEpoch(gw gnet.IP, serverEpoch uint32, now time.Time) bool {
	key := gw.String()
	v, loaded := d.epochs.LoadOrStore(key, epochState{serverEpoch: serverEpoch, observedAt: now})
	if !loaded {
		return false
	}
	prev := v.(epochState)
	reset := evaluateEpochReset(prev.serverEpoch, serverEpoch, prev.observedAt, now)
	d.epochs.Store(key, epochState{serverEpoch: serverEpoch, observedAt: now})
	return reset
}

func evaluateEpochReset(prevEpoch, currEpoch uint32, prevAt, currAt time.Time) bool {
	deltaServer := int64(currEpoch) - int64(prevEpoch)
	deltaClient := currAt.Sub(prevAt).Seconds()

	if deltaServer < 0 {
		return true
	}
	if float64(deltaServer) < deltaClient-deltaClient/16-2 {
		return true
	}
	if deltaClient < float64(deltaServer)-float64(deltaServer)/16-2 {
		return true
	}
	return false
}

// ForgetGateway drops any epoch state tracked for gw, e.g. after the
// driver abandons it (spec.md §7 "a gateway that permanently rejects is
// dropped from future attempts").
func (d *Driver) ForgetGateway(gw gnet.IP) {
	d.epochs.Delete(gw.String())
}

// Map performs a single PCP MAP request/response round trip. suggestedPort
// and suggestedAddr of zero value let the server choose. A nonzero
// lifetime with internalPort == 0 is rejected by the codec's own invariant
// (spec.md §3). A lifetime of 0 is a deletion; Unmap sends one.
func (d *Driver) Map(m *mux.Mux, gw gnet.IP, proto Protocol, internalPort, suggestedPort uint16,
	suggestedAddr gnet.IP, clientIP gnet.IP, lifetime time.Duration) (MapResult, error) {

	nonce, err := NewNonce()
	if err != nil {
		return MapResult{}, err
	}

	data := MapData{
		Nonce:                    nonce,
		Protocol:                 uint8(proto),
		InternalPort:             internalPort,
		SuggestedExternalPort:    suggestedPort,
		SuggestedExternalAddress: normalizeSuggested(suggestedAddr, clientIP),
	}

	resp, err := d.roundTrip(m, gw, clientIP, uint32(lifetime.Seconds()), data)
	if err != nil {
		return MapResult{}, err
	}

	return MapResult{
		ExternalPort:    resp.Data.SuggestedExternalPort,
		ExternalAddress: resp.Data.SuggestedExternalAddress,
		Lifetime:        time.Duration(resp.Header.Lifetime) * time.Second,
		EpochReset:      d.checkEpoch(gw, resp.Header.EpochTime, time.Now()),
	}, nil
}

func normalizeSuggested(addr, clientIP gnet.IP) gnet.IP {
	if addr != nil {
		return addr
	}
	if clientIP != nil && clientIP.To4() != nil {
		return AllZerosV4()
	}
	return AllZerosV6()
}

// Refresh re-issues a Map with the previously granted port/address as the
// suggestion, due at lifetime/2 per spec.md §4.4.2.
func (d *Driver) Refresh(m *mux.Mux, gw gnet.IP, proto Protocol, internalPort uint16,
	prev MapResult, clientIP gnet.IP, lifetime time.Duration) (MapResult, error) {
	return d.Map(m, gw, proto, internalPort, prev.ExternalPort, prev.ExternalAddress, clientIP, lifetime)
}

// Unmap sends a MAP request with lifetime 0, the PCP delete convention.
func (d *Driver) Unmap(m *mux.Mux, gw gnet.IP, proto Protocol, internalPort uint16,
	externalPort uint16, externalAddr gnet.IP, clientIP gnet.IP) error {

	nonce, err := NewNonce()
	if err != nil {
		return err
	}
	data := MapData{
		Nonce:                    nonce,
		Protocol:                 uint8(proto),
		InternalPort:             internalPort,
		SuggestedExternalPort:    externalPort,
		SuggestedExternalAddress: normalizeSuggested(externalAddr, clientIP),
	}
	_, err = d.roundTrip(m, gw, clientIP, 0, data)
	return err
}

// roundTrip sends one MAP request to gw over m, retrying per
// DefaultBackoff, and returns the first reply correlated by the nonce we
// sent (PCP's correlation model, unlike NAT-PMP, needs no per-gateway
// serialization: replies are matched by nonce rather than position, so
// concurrent in-flight requests to the same gateway are unambiguous).
func (d *Driver) roundTrip(m *mux.Mux, gw gnet.IP, clientIP gnet.IP, lifetime uint32, data MapData) (*MapResponse, error) {
	req, err := EncodeMapRequest(clientIP, lifetime, data, nil)
	if err != nil {
		return nil, err
	}

	h, err := m.CreateUDP(&gnet.UDPAddr{})
	if err != nil {
		return nil, pmerr.Wrap(pmerr.Unreachable, err)
	}
	defer m.Close(h)

	gwAddr := &gnet.UDPAddr{IP: gw, Port: gatewayPort}

	rconf := DefaultBackoff
	rconf.Reset()

	for {
		maxtime := rconf.NextDelay()
		if maxtime == 0 {
			break
		}

		deadline := time.Now().Add(maxtime)
		if err := m.WriteTo(h, req, gwAddr, deadline); err != nil {
			return nil, err
		}

		for {
			b, addr, err := m.Read(h, MaxMessageSize, deadline)
			if err != nil {
				if kind, ok := pmerr.KindOf(err); ok && kind == pmerr.Timeout {
					break // next outer retry
				}
				return nil, err
			}

			uaddr, ok := addr.(*gnet.UDPAddr)
			if !ok || !uaddr.IP.Equal(gw) || uaddr.Port != gatewayPort {
				continue
			}

			resp, err := DecodeMapResponse(b)
			if err != nil {
				log.Debugf("discarding malformed PCP datagram from %v: %v", gw, err)
				continue
			}
			if resp.Data.Nonce != data.Nonce {
				continue // not our request
			}

			if resp.Header.ResultCode != Success {
				retryAfter := resp.Header.Lifetime
				return nil, &pmerr.Error{Kind: pmerr.ServerFailure, Code: uint32(resp.Header.ResultCode), RetryAfter: retryAfter,
					Msg: "PCP gateway rejected MAP request"}
			}
			return resp, nil
		}
	}

	return nil, pmerr.New(pmerr.Timeout, "PCP request timed out")
}
