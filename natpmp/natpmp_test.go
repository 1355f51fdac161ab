package natpmp

import (
	"encoding/binary"
	"testing"
)

func TestEncodeMapRequestUDP(t *testing.T) {
	b, err := EncodeMapRequest(UDP, 5000, 5000, 7200)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(b) != 12 {
		t.Fatalf("expected 12-byte request, got %d", len(b))
	}
	if b[0] != 0 || b[1] != byte(opcMapUDP) {
		t.Fatalf("unexpected header bytes: %x", b[:2])
	}
	if got := binary.BigEndian.Uint16(b[4:6]); got != 5000 {
		t.Fatalf("internalPort: got %d want 5000", got)
	}
	if got := binary.BigEndian.Uint16(b[6:8]); got != 5000 {
		t.Fatalf("suggestedExternalPort: got %d want 5000", got)
	}
	if got := binary.BigEndian.Uint32(b[8:12]); got != 7200 {
		t.Fatalf("lifetime: got %d want 7200", got)
	}
}

func TestDecodeMapResponseAcceptsCorrelatedReply(t *testing.T) {
	body := make([]byte, 12)
	binary.BigEndian.PutUint32(body[0:4], 123456) // epoch
	binary.BigEndian.PutUint16(body[4:6], 5000)
	binary.BigEndian.PutUint16(body[6:8], 5000)
	binary.BigEndian.PutUint32(body[8:12], 7200)

	resp, err := DecodeMapResponse(body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.MappedExternalPort != 5000 || resp.Lifetime != 7200 {
		t.Fatalf("unexpected decode: %+v", resp)
	}
}

func TestDecodeResponseHeaderRejectsWrongOpcode(t *testing.T) {
	hdr := []byte{0, 0x82, 0, 0} // a TCP-map reply while a UDP-map request is outstanding
	_, _, err := decodeResponseHeader(hdr, opcMapUDP)
	if err == nil {
		t.Fatal("expected opcode mismatch error")
	}
}

func TestDecodeResponseHeaderRejectsBadVersion(t *testing.T) {
	hdr := []byte{1, 0x81, 0, 0}
	_, _, err := decodeResponseHeader(hdr, opcMapUDP)
	if err == nil {
		t.Fatal("expected unsupported version error")
	}
}

func TestEncodeMapRequestUnsupportedProtocol(t *testing.T) {
	_, err := EncodeMapRequest(Protocol(0), 1, 1, 1)
	if err == nil {
		t.Fatal("expected InvalidArgument error for unsupported protocol")
	}
}
