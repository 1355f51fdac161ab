package upnp

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/hlandau/portmap2/mux"
	"github.com/hlandau/portmap2/pmerr"
)

const testDescriptor = `<?xml version="1.0"?>
<root xmlns="urn:schemas-upnp-org:device-1-0">
  <device>
    <deviceType>urn:schemas-upnp-org:device:InternetGatewayDevice:1</deviceType>
    <deviceList>
      <device>
        <deviceType>urn:schemas-upnp-org:device:WANConnectionDevice:1</deviceType>
        <serviceList>
          <service>
            <serviceType>urn:schemas-upnp-org:service:WANIPConnection:1</serviceType>
            <serviceId>urn:upnp-org:serviceId:WANIPConn1</serviceId>
            <controlURL>/ctl/WANIPConn1</controlURL>
            <SCPDURL>/scpd/WANIPConn1.xml</SCPDURL>
            <eventSubURL>/evt/WANIPConn1</eventSubURL>
          </service>
        </serviceList>
      </device>
    </deviceList>
  </device>
</root>`

// serveOnce accepts a single connection on l, writes resp, and closes.
func serveOnce(t *testing.T, l net.Listener, resp string) {
	t.Helper()
	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 4096)
		conn.Read(buf) // drain the request
		conn.Write([]byte(resp))
	}()
}

func TestDiscoverServicesOverMux(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()

	httpResp := fmt.Sprintf("HTTP/1.1 200 OK\r\nContent-Type: text/xml\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s",
		len(testDescriptor), testDescriptor)
	serveOnce(t, l, httpResp)

	m := mux.New()
	defer m.Kill()

	descURL := "http://" + l.Addr().String() + "/desc.xml"
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	svcs, err := DiscoverServices(ctx, m, descURL)
	if err != nil {
		t.Fatalf("DiscoverServices: %v", err)
	}
	if len(svcs) != 1 {
		t.Fatalf("expected 1 service, got %d", len(svcs))
	}
	if svcs[0].ServiceType != WANIPConnection1 {
		t.Fatalf("unexpected service type %q", svcs[0].ServiceType)
	}
	if svcs[0].ControlURL.Path != "/ctl/WANIPConn1" {
		t.Fatalf("unexpected control path %q", svcs[0].ControlURL.Path)
	}
}

func TestGetExternalIPAddressOverMux(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()

	soapBody := `<?xml version="1.0"?><s:Envelope xmlns:s="http://www.w3.org/2003/05/soap-envelope/" s:encodingStyle="http://schemas.xmlsoap.org/soap/encoding/"><s:Body><u:GetExternalIPAddressResponse xmlns:u="urn:schemas-upnp-org:service:WANIPConnection:1"><NewExternalIPAddress>203.0.113.7</NewExternalIPAddress></u:GetExternalIPAddressResponse></s:Body></s:Envelope>`
	httpResp := fmt.Sprintf("HTTP/1.1 200 OK\r\nContent-Type: text/xml\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s",
		len(soapBody), soapBody)
	serveOnce(t, l, httpResp)

	m := mux.New()
	defer m.Kill()

	ep := &Endpoint{Mux: m, Host: l.Addr().String(), Path: "/ctl/WANIPConn1", Service: WANIPConnection1}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ip, err := ep.GetExternalIPAddress(ctx)
	if err != nil {
		t.Fatalf("GetExternalIPAddress: %v", err)
	}
	if ip.String() != "203.0.113.7" {
		t.Fatalf("got %v, want 203.0.113.7", ip)
	}
}

func TestCallReturnsServerFailureOnFault(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()

	soapBody := `<?xml version="1.0"?><s:Envelope xmlns:s="http://www.w3.org/2003/05/soap-envelope/" s:encodingStyle="http://schemas.xmlsoap.org/soap/encoding/"><s:Body><s:Fault><faultcode>s:Client</faultcode><faultstring>UPnPError</faultstring><detail><UPnPError xmlns="urn:schemas-upnp-org:control-1-0"><errorCode>718</errorCode><errorDescription>ConflictInMappingEntry</errorDescription></UPnPError></detail></s:Fault></s:Body></s:Envelope>`
	httpResp := fmt.Sprintf("HTTP/1.1 500 Internal Server Error\r\nContent-Type: text/xml\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s",
		len(soapBody), soapBody)
	serveOnce(t, l, httpResp)

	m := mux.New()
	defer m.Kill()

	ep := &Endpoint{Mux: m, Host: l.Addr().String(), Path: "/ctl/WANIPConn1", Service: WANIPConnection1}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err = ep.AddPortMapping(ctx, nil, 6881, TCP, 6881, net.IPv4(192, 168, 1, 5), "test", 3600)
	if err == nil {
		t.Fatal("expected ServerFailure error")
	}
	if kind, ok := pmerr.KindOf(err); !ok || kind != pmerr.ServerFailure {
		t.Fatalf("expected ServerFailure kind, got %v", err)
	}
}
