// Package natpmp implements the NAT-PMP (RFC 6886) wire codec and a driver
// that performs map/refresh/unmap transactions against a gateway.
//
// NAT-PMP carries no transaction ID: correlation is positional (the most
// recent outstanding request of a given opcode is matched against the
// first valid reply from the gateway address). Because of that, two
// concurrent operations to the same gateway would be ambiguous, so all
// requests to a given gateway IP are serialized (spec.md §9 Open
// Question).
package natpmp

import (
	"bytes"
	"encoding/binary"
	gnet "net"
	"sync"
	"time"

	"github.com/hlandau/degoutils/net"
	"github.com/hlandau/portmap2/mux"
	"github.com/hlandau/portmap2/pmerr"
)

// Protocol identifies which kind of port is being mapped.
type Protocol int

const (
	TCP Protocol = 6  // Map TCP port.
	UDP Protocol = 17 // Map UDP port.
)

func (p Protocol) opcode() (opcodeNo, bool) {
	switch p {
	case TCP:
		return opcMapTCP, true
	case UDP:
		return opcMapUDP, true
	default:
		return 0, false
	}
}

// Opcodes
type opcodeNo byte

const (
	opcGetExternalAddr opcodeNo = iota
	opcMapUDP          opcodeNo = 1
	opcMapTCP          opcodeNo = 2
)

// Port which listens on the gateway.
const hostToGatewayPort = 5351
const version0 byte = 0

// ResultCode is a NAT-PMP response result code, spec.md §4.1.2.
type ResultCode uint16

const (
	Success            ResultCode = 0
	UnsupportedVersion ResultCode = 1
	NotAuthorized      ResultCode = 2
	NetworkFailure     ResultCode = 3
	OutOfResources     ResultCode = 4
	UnsupportedOpcode  ResultCode = 5
)

// DefaultBackoff is the retry schedule: an initial 250ms timeout doubling
// up to 64s, giving up after 9 tries.
var DefaultBackoff = net.Backoff{
	MaxTries:           9,
	InitialDelay:       250 * time.Millisecond,
	MaxDelay:           64000 * time.Millisecond, // InitialDelay*2^8
	MaxDelayAfterTries: 8,
}

// --- wire codec ---------------------------------------------------------

// EncodeMapRequest encodes the 12-byte map request for the given protocol:
// the 2-byte {version,opcode} header plus the 10-byte map request body.
func EncodeMapRequest(proto Protocol, internalPort, suggestedExternalPort uint16, lifetime uint32) ([]byte, error) {
	opc, ok := proto.opcode()
	if !ok {
		return nil, pmerr.Field(pmerr.InvalidArgument, "protocol", "unsupported protocol")
	}

	b := bytes.NewBuffer(make([]byte, 0, 12))
	b.WriteByte(version0)
	b.WriteByte(byte(opc))
	binary.Write(b, binary.BigEndian, struct {
		Reserved                            uint16
		InternalPort, SuggestedExternalPort uint16
		Lifetime                            uint32
	}{0, internalPort, suggestedExternalPort, lifetime})
	return b.Bytes(), nil
}

// MapResponse is a decoded NAT-PMP map response.
type MapResponse struct {
	ResultCode         ResultCode
	SecondsSinceEpoch  uint32
	InternalPort       uint16
	MappedExternalPort uint16
	Lifetime           uint32
}

// decodeResponseHeader validates the shared {version, opcode, resultCode}
// prefix of any NAT-PMP response and returns the remaining bytes.
func decodeResponseHeader(b []byte, wantOpcode opcodeNo) ([]byte, ResultCode, error) {
	if len(b) < 4 {
		return nil, 0, pmerr.New(pmerr.Truncated, "NAT-PMP response shorter than 4 bytes")
	}
	if b[0] != 0 {
		return nil, 0, pmerr.New(pmerr.UnsupportedVersion, "NAT-PMP response version must be 0")
	}
	if b[1] != byte(wantOpcode)|0x80 {
		return nil, 0, pmerr.New(pmerr.UnknownOpcode, "NAT-PMP response opcode mismatch")
	}
	rc := ResultCode(binary.BigEndian.Uint16(b[2:4]))
	return b[4:], rc, nil
}

// DecodeMapResponse decodes the 12-byte NAT-PMP map response body (the
// bytes following the shared 4-byte header).
func DecodeMapResponse(b []byte) (*MapResponse, error) {
	if len(b) < 12 {
		return nil, pmerr.New(pmerr.Truncated, "short NAT-PMP map response")
	}
	return &MapResponse{
		SecondsSinceEpoch:  binary.BigEndian.Uint32(b[0:4]),
		InternalPort:       binary.BigEndian.Uint16(b[4:6]),
		MappedExternalPort: binary.BigEndian.Uint16(b[6:8]),
		Lifetime:           binary.BigEndian.Uint32(b[8:12]),
	}, nil
}

// --- transport / driver ---------------------------------------------------

var gwMutexes sync.Map // map[string]*sync.Mutex, one per gateway IP

// gatewayLock serializes all NAT-PMP requests to a given gateway, since
// correlation is positional and ambiguous otherwise.
func gatewayLock(gw gnet.IP) func() {
	v, _ := gwMutexes.LoadOrStore(gw.String(), &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// makeRequest sends opcode+data to the gateway through m, retrying per
// DefaultBackoff, and returns the response body following the shared
// header once a reply correlated by source address and opcode is
// received. The socket is owned entirely by m (spec.md §3 Ownership):
// this package never opens a UDP handle of its own.
func makeRequest(m *mux.Mux, dst gnet.IP, opcode opcodeNo, data []byte) ([]byte, error) {
	unlock := gatewayLock(dst)
	defer unlock()

	h, err := m.CreateUDP(&gnet.UDPAddr{})
	if err != nil {
		return nil, pmerr.Wrap(pmerr.Unreachable, err)
	}
	defer m.Close(h)

	gwAddr := &gnet.UDPAddr{IP: dst, Port: hostToGatewayPort}

	msg := make([]byte, 2)
	msg[0] = version0
	msg[1] = byte(opcode)
	msg = append(msg, data...)

	rconf := DefaultBackoff
	rconf.Reset()

	for {
		// here we use the 'delay' as the timeout
		maxtime := rconf.NextDelay()
		if maxtime == 0 {
			// max tries reached
			break
		}

		deadline := time.Now().Add(maxtime)
		if err := m.WriteTo(h, msg, gwAddr, deadline); err != nil {
			return nil, err
		}

		res, addr, err := m.Read(h, 1024, deadline)
		if err != nil {
			if kind, ok := pmerr.KindOf(err); ok && kind == pmerr.Timeout {
				continue
			}
			return nil, err
		}

		uaddr, ok := addr.(*gnet.UDPAddr)
		if !ok || !uaddr.IP.Equal(dst) || uaddr.Port != hostToGatewayPort {
			continue
		}

		body, rc, err := decodeResponseHeader(res, opcode)
		if err != nil {
			// Stray or malformed datagram; resend and wait again with the
			// next backoff delay.
			continue
		}

		if rc != Success {
			return nil, pmerr.Server(uint32(rc), 0, "NAT-PMP gateway responded with nonzero result code")
		}

		return body, nil
	}

	return nil, pmerr.New(pmerr.Timeout, "NAT-PMP request timed out")
}

// GetExternalAddr performs a NAT-PMP transaction to get the external
// address as reported by the gateway.
func GetExternalAddr(m *mux.Mux, gwaddr gnet.IP) (gnet.IP, error) {
	r, err := makeRequest(m, gwaddr, opcGetExternalAddr, []byte{})
	if err != nil {
		return nil, err
	}
	if len(r) < 8 {
		return nil, pmerr.New(pmerr.Truncated, "short NAT-PMP external address response")
	}

	return gnet.IP(append([]byte(nil), r[4:8]...)), nil
}

// Map performs a single Map Port NAT-PMP transaction. This is a low-level
// function: it does not manage renewal when the mapping expires.
//
// If suggestedExternalPort is 0, any available port will be chosen.
func Map(m *mux.Mux, gwaddr gnet.IP, proto Protocol,
	internalPort, suggestedExternalPort uint16,
	lifetime time.Duration) (externalPort uint16, actualLifetime time.Duration, err error) {

	req, err := EncodeMapRequest(proto, internalPort, suggestedExternalPort, uint32(lifetime.Seconds()))
	if err != nil {
		return
	}

	opc, _ := proto.opcode()
	r, err := makeRequest(m, gwaddr, opc, req[2:])
	if err != nil {
		return
	}

	resp, err := DecodeMapResponse(r)
	if err != nil {
		return
	}

	externalPort = resp.MappedExternalPort
	actualLifetime = time.Duration(resp.Lifetime) * time.Second
	return
}

// Unmap sends the NAT-PMP delete convention: a map request with
// suggestedExternalPort=0 and lifetime=0.
func Unmap(m *mux.Mux, gwaddr gnet.IP, proto Protocol, internalPort uint16) error {
	_, _, err := Map(m, gwaddr, proto, internalPort, 0, 0)
	return err
}
