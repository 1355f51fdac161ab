package upnp

import (
	"bytes"
	"net"
	"strconv"
	"strings"
	"testing"

	"github.com/hlandau/portmap2/pmerr"
)

func TestBuildHTTPRequestContentLengthMatchesBody(t *testing.T) {
	body, err := AddPortMappingBody(WANIPConnection1, nil, 6881, TCP, 6881, net.IPv4(192, 168, 1, 50), "test", 3600)
	if err != nil {
		t.Fatalf("build body: %v", err)
	}
	req := BuildHTTPRequest("192.168.1.1:5000", "/ctl/WANIPConn", WANIPConnection1, "AddPortMapping", body)

	idx := bytes.Index(req, []byte("\r\n\r\n"))
	if idx < 0 {
		t.Fatal("no header/body separator found")
	}
	header := string(req[:idx])
	gotBody := req[idx+4:]

	if len(gotBody) != len(body) {
		t.Fatalf("body length mismatch: header region captured %d bytes, body is %d", len(gotBody), len(body))
	}

	wantCL := "Content-Length: " + strconv.Itoa(len(body))
	if !strings.Contains(header, wantCL) {
		t.Fatalf("header missing %q:\n%s", wantCL, header)
	}
}

func TestAddPortMappingBodyContainsOrderedArgs(t *testing.T) {
	body, err := AddPortMappingBody(WANIPConnection1, net.IPv4(1, 2, 3, 4), 15, TCP, 15, net.IPv4(10, 0, 0, 5), "", 0)
	if err != nil {
		t.Fatalf("build body: %v", err)
	}
	want := "<NewRemoteHost>1.2.3.4</NewRemoteHost><NewExternalPort>15</NewExternalPort><NewProtocol>TCP</NewProtocol>"
	if !strings.Contains(body, want) {
		t.Fatalf("body missing %q:\n%s", want, body)
	}
}

func TestAddPortMappingBodyRejectsWildcardInternalPort(t *testing.T) {
	_, err := AddPortMappingBody(WANIPConnection1, nil, 15, TCP, 0, net.IPv4(10, 0, 0, 5), "", 3600)
	if err == nil {
		t.Fatal("expected error for internalPort == 0")
	}
	kind, ok := pmerr.KindOf(err)
	if !ok || kind != pmerr.InvalidArgument {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}
}

func TestAddPortMappingBodyRejectsNegativeLease(t *testing.T) {
	_, err := AddPortMappingBody(WANIPConnection1, nil, 15, TCP, 15, net.IPv4(10, 0, 0, 5), "", -1)
	if err == nil {
		t.Fatal("expected error for negative lease")
	}
	kind, ok := pmerr.KindOf(err)
	if !ok || kind != pmerr.InvalidArgument {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}
}

func TestRenderAddressIPv4(t *testing.T) {
	got := RenderAddress(net.IPv4(1, 2, 3, 4))
	if got != "1.2.3.4" {
		t.Fatalf("got %q, want %q", got, "1.2.3.4")
	}
}

func TestRenderAddressIPv6StripsLeadingZerosNoCompression(t *testing.T) {
	ip := net.ParseIP("0102:0304:0506:0708:090a:0b0c:0d0e:0f10")
	got := RenderAddress(ip)
	want := "102:304:506:708:90a:b0c:d0e:f10"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestRenderAddressEmpty(t *testing.T) {
	if got := RenderAddress(nil); got != "" {
		t.Fatalf("got %q, want empty string", got)
	}
}

func TestDeletePortMappingBody(t *testing.T) {
	body := DeletePortMappingBody(WANIPConnection1, nil, 6881, UDP)
	want := "<NewExternalPort>6881</NewExternalPort><NewProtocol>UDP</NewProtocol>"
	if !strings.Contains(body, want) {
		t.Fatalf("body missing %q:\n%s", want, body)
	}
}

func TestAddPinholeBody(t *testing.T) {
	body := AddPinholeBody(WANIPv6FirewallControl1, net.ParseIP("2001:db8::1"), 80,
		net.ParseIP("2001:db8::2"), 8080, TCP, 3600)
	if !strings.Contains(body, "<NewRemotePort>80</NewRemotePort>") {
		t.Fatalf("body missing remote port:\n%s", body)
	}
	if !strings.Contains(body, "<NewProtocol>6</NewProtocol>") {
		t.Fatalf("AddPinhole must render protocol as a number, got:\n%s", body)
	}
}

func TestSOAPEnvelopeNamespacePreservedVerbatim(t *testing.T) {
	body := GetExternalIPAddressBody(WANIPConnection1)
	if !strings.Contains(body, `xmlns:s="http://www.w3.org/2003/05/soap-envelope/"`) {
		t.Fatalf("envelope namespace was altered:\n%s", body)
	}
}
