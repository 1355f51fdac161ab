// Package pcp implements the PCP (RFC 6887) wire codec: the common header,
// the MAP opcode's request/response data block, and the options list.
//
// Encoding and decoding are pure functions that never touch a socket. The
// Driver in driver.go uses this codec to issue MAP requests over a mux.Mux.
// See package natpmp for the sibling NAT-PMP codec and driver.
package pcp

import (
	"bytes"
	"encoding/binary"
	"net"

	"github.com/hlandau/portmap2/pmerr"
)

// Version is the only PCP version this package speaks.
const Version = 2

// Opcodes.
type Opcode uint8

const (
	OpAnnounce Opcode = 0
	OpMap      Opcode = 1
	OpPeer     Opcode = 2
)

const responseBit = 0x80

// Result codes, RFC 6887 §7.4.
type ResultCode uint8

const (
	Success               ResultCode = 0
	UnsuppVersion         ResultCode = 1
	NotAuthorized         ResultCode = 2
	MalformedRequest      ResultCode = 3
	UnsuppOpcode          ResultCode = 4
	UnsuppOption          ResultCode = 5
	MalformedOption       ResultCode = 6
	NetworkFailure        ResultCode = 7
	NoResources           ResultCode = 8
	UnsuppProtocol        ResultCode = 9
	UserExQuota           ResultCode = 10
	CannotProvideExternal ResultCode = 11
	AddressMismatch       ResultCode = 12
	ExcessiveRemotePeers  ResultCode = 13
)

// MaxMessageSize is the RFC 6887 hard limit on PCP message size.
const MaxMessageSize = 1100

const headerSize = 24
const mapDataSize = 36
const nonceSize = 12

// Header is the 24-byte common PCP header. The request and response
// forms share byte 0 (version) and byte 1 (opcode|response bit) but
// diverge after that (RFC 6887 §7.1/§7.2): a request carries a 16-byte
// ClientIP where a response instead carries ResultCode/EpochTime
// followed by 12 reserved bytes.
type Header struct {
	Version        uint8
	OpcodeOrMarker uint8 // opcode on request; opcode|0x80 on response

	// Request-only field (zero/absent on response).
	ClientIP net.IP // always rendered as 16 bytes

	// Request field, and response field with a dual meaning: requested
	// lifetime on a request, granted lifetime (success) or retry-after
	// interval (error) on a response.
	Lifetime uint32

	// Response-only fields (zero on request).
	ResultCode ResultCode
	EpochTime  uint32
}

// IsResponse reports whether OpcodeOrMarker has the response bit set.
func (h Header) IsResponse() bool { return h.OpcodeOrMarker&responseBit != 0 }

// Opcode extracts the opcode, stripping the response bit if present.
func (h Header) Opcode() Opcode { return Opcode(h.OpcodeOrMarker &^ responseBit) }

// Option is a PCP option TLV, padded to a 4-byte boundary on the wire.
type Option struct {
	Code     uint8
	Reserved uint8
	Payload  []byte
}

func paddedLen(n int) int {
	return (n + 3) &^ 3
}

// MapData is the MAP opcode's request/response data block (36 bytes).
type MapData struct {
	Nonce                     [nonceSize]byte
	Protocol                  uint8
	InternalPort              uint16
	SuggestedExternalPort     uint16
	SuggestedExternalAddress  net.IP // always rendered as 16 bytes
}

// Validate enforces the invariants of spec.md §4.1.1/§3:
//   - if Protocol == 0 then InternalPort must be 0
//   - if InternalPort == 0 then lifetime must be 0 (a delete)
func (d MapData) Validate(lifetime uint32) error {
	if d.Protocol == 0 && d.InternalPort != 0 {
		return pmerr.Field(pmerr.ConstraintViolation, "internalPort",
			"internalPort must be 0 when protocol is 0")
	}
	if d.InternalPort == 0 && lifetime != 0 {
		return pmerr.Field(pmerr.ConstraintViolation, "lifetime",
			"lifetime must be 0 when internalPort is 0 (delete)")
	}
	return nil
}

// to16 renders an IP as its 16-byte form, IPv4-mapped for v4 addresses.
// A nil/unspecified IP renders as the all-zero or ::ffff:0:0 form per caller
// intent; to16 itself just maps whatever net.IP it is given.
func to16(ip net.IP) []byte {
	if ip == nil {
		return make([]byte, 16)
	}
	if v4 := ip.To4(); v4 != nil {
		return v4.To16()
	}
	b := ip.To16()
	if b == nil {
		return make([]byte, 16)
	}
	return b
}

// AllZerosV4 is ::ffff:0:0, the "suggest any IPv4 external address" value.
func AllZerosV4() net.IP { return net.ParseIP("::ffff:0:0") }

// AllZerosV6 is ::, the "suggest any IPv6 external address" value.
func AllZerosV6() net.IP { return net.IPv6zero }

// EncodeMapRequest encodes a MAP request: 24-byte header + 36-byte data +
// zero or more 4-byte-aligned options.
func EncodeMapRequest(clientIP net.IP, lifetime uint32, data MapData, opts []Option) ([]byte, error) {
	if err := data.Validate(lifetime); err != nil {
		return nil, err
	}

	buf := new(bytes.Buffer)
	buf.WriteByte(Version)
	buf.WriteByte(uint8(OpMap))
	binary.Write(buf, binary.BigEndian, uint16(0)) // reserved
	binary.Write(buf, binary.BigEndian, lifetime)
	buf.Write(to16(clientIP))

	buf.Write(data.Nonce[:])
	buf.WriteByte(data.Protocol)
	buf.Write(make([]byte, 3)) // reserved
	binary.Write(buf, binary.BigEndian, data.InternalPort)
	binary.Write(buf, binary.BigEndian, data.SuggestedExternalPort)
	buf.Write(to16(data.SuggestedExternalAddress))

	for _, o := range opts {
		encodeOption(buf, o)
	}

	out := buf.Bytes()
	if len(out) > MaxMessageSize {
		return nil, pmerr.New(pmerr.OversizedMessage, "PCP message exceeds 1100 bytes")
	}
	return out, nil
}

func encodeOption(buf *bytes.Buffer, o Option) {
	buf.WriteByte(o.Code)
	buf.WriteByte(0) // reserved
	plen := len(o.Payload)
	binary.Write(buf, binary.BigEndian, uint16(plen))
	buf.Write(o.Payload)
	if pad := paddedLen(plen) - plen; pad > 0 {
		buf.Write(make([]byte, pad))
	}
}

// MapResponse is the decoded result of a MAP response.
type MapResponse struct {
	Header  Header
	Data    MapData
	Options []Option
}

// DecodeMapResponse decodes a PCP MAP response per spec.md §4.1.1.
//
// Rejects messages shorter than the fixed header+data, not 4-byte aligned,
// or larger than MaxMessageSize. Requires version 2 and the response bit
// set. A malformed option terminates decoding with Malformed.
func DecodeMapResponse(b []byte) (*MapResponse, error) {
	if len(b) > MaxMessageSize {
		return nil, pmerr.New(pmerr.OversizedMessage, "PCP message exceeds 1100 bytes")
	}
	if len(b)%4 != 0 {
		return nil, pmerr.New(pmerr.Malformed, "PCP message not 4-byte aligned")
	}
	if len(b) < headerSize+mapDataSize {
		return nil, pmerr.New(pmerr.Truncated, "PCP message shorter than header+MAP data")
	}

	hdr := Header{
		Version:        b[0],
		OpcodeOrMarker: b[1],
		// b[2] reserved
	}
	if hdr.Version != Version {
		return nil, pmerr.New(pmerr.UnsupportedVersion, "PCP version mismatch")
	}
	if !hdr.IsResponse() {
		return nil, pmerr.New(pmerr.Malformed, "PCP message is not a response")
	}
	if hdr.Opcode() != OpMap {
		return nil, pmerr.New(pmerr.UnknownOpcode, "expected MAP opcode in response")
	}

	// Response header layout (RFC 6887 §7.2): version, opcode|R, reserved,
	// result code, lifetime(4), epoch time(4), reserved(12) — no client IP.
	hdr.ResultCode = ResultCode(b[3])
	hdr.Lifetime = binary.BigEndian.Uint32(b[4:8])
	hdr.EpochTime = binary.BigEndian.Uint32(b[8:12])
	// b[12:24] reserved

	data := MapData{}
	off := headerSize
	copy(data.Nonce[:], b[off:off+nonceSize])
	off += nonceSize
	data.Protocol = b[off]
	off += 1 + 3 // protocol + reserved
	data.InternalPort = binary.BigEndian.Uint16(b[off : off+2])
	off += 2
	data.SuggestedExternalPort = binary.BigEndian.Uint16(b[off : off+2])
	off += 2
	data.SuggestedExternalAddress = net.IP(append([]byte(nil), b[off:off+16]...))
	off += 16

	opts, err := decodeOptions(b[off:])
	if err != nil {
		return nil, err
	}

	return &MapResponse{Header: hdr, Data: data, Options: opts}, nil
}

func decodeOptions(b []byte) ([]Option, error) {
	var opts []Option
	for len(b) > 0 {
		if len(b) < 4 {
			return nil, pmerr.New(pmerr.Malformed, "truncated PCP option header")
		}
		code := b[0]
		plen := int(binary.BigEndian.Uint16(b[2:4]))
		padded := paddedLen(plen)
		if len(b) < 4+padded {
			return nil, pmerr.New(pmerr.Malformed, "truncated PCP option payload")
		}
		payload := append([]byte(nil), b[4:4+plen]...)
		opts = append(opts, Option{Code: code, Payload: payload})
		b = b[4+padded:]
	}
	return opts, nil
}

// ResultMeaning reports whether Lifetime on a decoded response should be
// read as a granted lifetime (success) or a retry-after interval (error),
// per spec.md §4.1.1.
func ResultMeaning(rc ResultCode) (grantedLifetime bool) {
	return rc == Success
}
