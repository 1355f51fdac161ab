package pcp

import (
	"bytes"
	"net"
	"testing"
)

func TestMapDeleteEncodesTo60Bytes(t *testing.T) {
	var nonce [12]byte
	copy(nonce[:], []byte("abcdefghijkl"))

	data := MapData{
		Nonce:                    nonce,
		Protocol:                 0,
		InternalPort:             0,
		SuggestedExternalPort:    0,
		SuggestedExternalAddress: AllZerosV6(),
	}

	b, err := EncodeMapRequest(net.ParseIP("192.0.2.1"), 0, data, nil)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(b) != 60 {
		t.Fatalf("expected 60 bytes (24 header + 36 data), got %d", len(b))
	}

	gotNonce := b[24:36]
	if !bytes.Equal(gotNonce, nonce[:]) {
		t.Fatalf("nonce not preserved: got %x want %x", gotNonce, nonce)
	}
}

func TestEncodeConstraintProtocolZeroInternalPortNonzero(t *testing.T) {
	data := MapData{Protocol: 0, InternalPort: 5000}
	_, err := EncodeMapRequest(net.ParseIP("192.0.2.1"), 0, data, nil)
	if err == nil {
		t.Fatal("expected ConstraintViolation, got nil")
	}
}

func TestEncodeConstraintInternalPortZeroLifetimeNonzero(t *testing.T) {
	data := MapData{Protocol: 6, InternalPort: 0}
	_, err := EncodeMapRequest(net.ParseIP("192.0.2.1"), 100, data, nil)
	if err == nil {
		t.Fatal("expected ConstraintViolation, got nil")
	}
}

func TestDecodeRejectsOversized(t *testing.T) {
	b := make([]byte, MaxMessageSize+4)
	_, err := DecodeMapResponse(b)
	if err == nil {
		t.Fatal("expected OversizedMessage error")
	}
}

func TestDecodeRejectsTruncated(t *testing.T) {
	b := make([]byte, 8)
	_, err := DecodeMapResponse(b)
	if err == nil {
		t.Fatal("expected Truncated error")
	}
}

func TestDecodeRejectsUnaligned(t *testing.T) {
	b := make([]byte, 61) // not a multiple of 4
	_, err := DecodeMapResponse(b)
	if err == nil {
		t.Fatal("expected Malformed alignment error")
	}
}

func buildResponse(t *testing.T, rc ResultCode, opts []Option) []byte {
	t.Helper()
	var nonce [12]byte
	copy(nonce[:], []byte("responsenonc"))

	data := MapData{
		Nonce:                    nonce,
		Protocol:                 6,
		InternalPort:             80,
		SuggestedExternalPort:    8080,
		SuggestedExternalAddress: net.ParseIP("203.0.113.5"),
	}

	out := make([]byte, 24)
	out[0] = Version
	out[1] = uint8(OpMap) | 0x80
	// out[2] reserved
	out[3] = uint8(rc)
	out[4], out[5], out[6], out[7] = 0, 0, 0, 60 // lifetime
	out[8], out[9], out[10], out[11] = 0, 0, 1, 0 // epoch time
	// out[12:24] reserved

	md := make([]byte, 0, 36)
	md = append(md, nonce[:]...)
	md = append(md, data.Protocol, 0, 0, 0)
	md = append(md, byte(data.InternalPort>>8), byte(data.InternalPort))
	md = append(md, byte(data.SuggestedExternalPort>>8), byte(data.SuggestedExternalPort))
	md = append(md, to16(data.SuggestedExternalAddress)...)

	out = append(out, md...)

	for _, o := range opts {
		buf := new(bytes.Buffer)
		encodeOption(buf, o)
		out = append(out, buf.Bytes()...)
	}

	return out
}

func TestDecodeMapResponseRoundtripsOptions(t *testing.T) {
	opt := Option{Code: 1, Payload: []byte{1, 2, 3}}
	b := buildResponse(t, Success, []Option{opt})

	resp, err := DecodeMapResponse(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Header.ResultCode != Success {
		t.Fatalf("result code: got %v", resp.Header.ResultCode)
	}
	if resp.Header.Lifetime != 60 {
		t.Fatalf("lifetime: got %d want 60", resp.Header.Lifetime)
	}
	if resp.Header.EpochTime != 256 {
		t.Fatalf("epoch time: got %d want 256", resp.Header.EpochTime)
	}
	if len(resp.Options) != 1 {
		t.Fatalf("expected 1 option, got %d", len(resp.Options))
	}
	if !bytes.Equal(resp.Options[0].Payload, opt.Payload) {
		t.Fatalf("option payload mismatch: got %x want %x", resp.Options[0].Payload, opt.Payload)
	}
}

func TestDecodeMapResponseUnknownOptionRoundtrips(t *testing.T) {
	// Unknown option code, preserved with payload intact.
	opt := Option{Code: 99, Payload: []byte{0xde, 0xad}}
	b := buildResponse(t, Success, []Option{opt})

	resp, err := DecodeMapResponse(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Options[0].Code != 99 || !bytes.Equal(resp.Options[0].Payload, []byte{0xde, 0xad}) {
		t.Fatalf("unknown option not preserved: %+v", resp.Options[0])
	}
}

func TestDecodeMapResponseMalformedOptionHeader(t *testing.T) {
	b := buildResponse(t, Success, nil)
	// A 4-byte option header claiming a payload longer than what follows.
	b = append(b, 1, 0, 0, 200)
	_, err := DecodeMapResponse(b)
	if err == nil {
		t.Fatal("expected malformed option error")
	}
}
