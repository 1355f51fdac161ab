package upnp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/hlandau/portmap2/mux"
	"github.com/hlandau/portmap2/pmerr"
	"github.com/hlandau/xlog"
)

var log, Log = xlog.NewQuiet("portmap2/upnp")

// DefaultControlTimeout bounds a single HTTP/SOAP round trip, spec.md
// §4.1.3 (routers that never answer should not hang a mapper forever).
const DefaultControlTimeout = 5 * time.Second

// xSoapEnvelope/xSoapBody/xSoapFault mirror the teacher's response
// decoding shape, generalized to recognize a SOAP fault so a server-side
// rejection becomes a pmerr.ServerFailure instead of an XML decode error.
type xSoapEnvelope struct {
	XMLName xml.Name  `xml:"Envelope"`
	Body    xSoapBody `xml:"Body"`
}

type xSoapBody struct {
	XMLName xml.Name    `xml:"Body"`
	Fault   *xSoapFault `xml:"Fault"`
	Data    []byte      `xml:",innerxml"`
}

type xSoapFault struct {
	FaultString string `xml:"faultstring"`
	Detail      struct {
		UPnPError struct {
			ErrorCode        int    `xml:"errorCode"`
			ErrorDescription string `xml:"errorDescription"`
		} `xml:"UPnPError"`
	} `xml:"detail"`
}

type xGetExternalAddrResponse struct {
	ExternalIPAddress string `xml:"NewExternalIPAddress"`
}

type xAddAnyPortMappingResponse struct {
	ReservedPort uint16 `xml:"NewReservedPort"`
}

type xGetOutboundPinholeTimeoutResponse struct {
	OutboundPinholeTimeout int `xml:"NewOutboundPinholeTimeout"`
}

type xAddPinholeResponse struct {
	UniqueID int `xml:"NewUniqueID"`
}

// Endpoint is a located WAN control service, ready to issue SOAP actions
// through a mux.Mux rather than net/http, honoring spec.md §3's "mapper
// drivers never touch OS handles directly" invariant.
type Endpoint struct {
	Mux     *mux.Mux
	Host    string // host or host:port, as in the control URL
	Path    string // control URL path
	Service string // serviceType urn
}

// DiscoverServices retrieves a UPnP device descriptor over descriptorURL
// and returns every recognized WAN service it advertises (spec.md §4.1.3
// step 2). The HTTP GET is issued through m so the caller's single Mux
// remains the sole owner of the socket.
func DiscoverServices(ctx context.Context, m *mux.Mux, descriptorURL string) ([]Service, error) {
	u, err := url.Parse(descriptorURL)
	if err != nil {
		return nil, pmerr.Wrap(pmerr.InvalidArgument, err)
	}

	body, err := httpGet(ctx, m, u)
	if err != nil {
		return nil, err
	}

	svcs, err := ParseDescriptor(body, u)
	if err != nil {
		log.Debugf("descriptor at %s carried no recognized WAN service: %v", descriptorURL, err)
		return nil, pmerr.Wrap(pmerr.Malformed, err)
	}
	return svcs, nil
}

// NewEndpoint resolves a Service into an Endpoint bound to m.
func NewEndpoint(m *mux.Mux, svc Service) *Endpoint {
	return &Endpoint{Mux: m, Host: svc.ControlURL.Host, Path: requestPath(svc.ControlURL), Service: svc.ServiceType}
}

func requestPath(u *url.URL) string {
	if u.RawQuery != "" {
		return u.Path + "?" + u.RawQuery
	}
	return u.Path
}

// GetExternalIPAddress issues the GetExternalIPAddress action.
func (e *Endpoint) GetExternalIPAddress(ctx context.Context) (net.IP, error) {
	body := GetExternalIPAddressBody(e.Service)
	resp, err := e.call(ctx, "GetExternalIPAddress", body)
	if err != nil {
		return nil, err
	}
	var r xGetExternalAddrResponse
	if err := unmarshalAction(resp, &r); err != nil {
		return nil, err
	}
	ip := net.ParseIP(r.ExternalIPAddress)
	if ip == nil {
		return nil, pmerr.Newf(pmerr.Malformed, "GetExternalIPAddress returned unparseable address %q", r.ExternalIPAddress)
	}
	return ip, nil
}

// AddPortMapping maps externalPort (0 to let the caller's suggestion
// stand as-is, never a server-assigned wildcard on a v1 service) to
// internalPort on internalClient. leaseSeconds of 0 means an
// unsupervised (permanent) lease, spec.md §4.4.3.
func (e *Endpoint) AddPortMapping(ctx context.Context, remoteHost net.IP, externalPort uint16,
	proto Protocol, internalPort uint16, internalClient net.IP, description string, leaseSeconds int64) error {

	body, err := AddPortMappingBody(e.Service, remoteHost, externalPort, proto, internalPort, internalClient, description, leaseSeconds)
	if err != nil {
		return err
	}
	resp, err := e.call(ctx, "AddPortMapping", body)
	if err != nil {
		return err
	}
	return drainAction(resp)
}

// AddAnyPortMapping is the IGDv2 action that lets the gateway choose the
// external port when the caller has no preference (spec.md §4.4.3); it
// is only advertised by WANIPConnection:2.
func (e *Endpoint) AddAnyPortMapping(ctx context.Context, remoteHost net.IP, externalPortHint uint16,
	proto Protocol, internalPort uint16, internalClient net.IP, description string, leaseSeconds int64) (uint16, error) {

	if e.Service != WANIPConnection2 {
		return 0, pmerr.New(pmerr.InvalidArgument, "AddAnyPortMapping requires WANIPConnection:2")
	}
	body, err := AddAnyPortMappingBody(e.Service, remoteHost, externalPortHint, proto, internalPort, internalClient, description, leaseSeconds)
	if err != nil {
		return 0, err
	}
	resp, err := e.call(ctx, "AddAnyPortMapping", body)
	if err != nil {
		return 0, err
	}
	var r xAddAnyPortMappingResponse
	if err := unmarshalAction(resp, &r); err != nil {
		return 0, err
	}
	return r.ReservedPort, nil
}

// DeletePortMapping removes a previously created mapping.
func (e *Endpoint) DeletePortMapping(ctx context.Context, remoteHost net.IP, externalPort uint16, proto Protocol) error {
	body := DeletePortMappingBody(e.Service, remoteHost, externalPort, proto)
	resp, err := e.call(ctx, "DeletePortMapping", body)
	if err != nil {
		return err
	}
	return drainAction(resp)
}

// AddPinhole opens an IPv6 firewall pinhole on a WANIPv6FirewallControl:1
// service (spec.md §4.4.4) and returns the unique ID needed to delete it.
func (e *Endpoint) AddPinhole(ctx context.Context, remoteHost net.IP, remotePort uint16,
	internalClient net.IP, internalPort uint16, proto Protocol, leaseSeconds int64) (int, error) {

	body := AddPinholeBody(e.Service, remoteHost, remotePort, internalClient, internalPort, proto, leaseSeconds)
	resp, err := e.call(ctx, "AddPinhole", body)
	if err != nil {
		return 0, err
	}
	var r xAddPinholeResponse
	if err := unmarshalAction(resp, &r); err != nil {
		return 0, err
	}
	return r.UniqueID, nil
}

// DeletePinhole removes a previously opened pinhole by its unique ID.
func (e *Endpoint) DeletePinhole(ctx context.Context, uniqueID int) error {
	body := DeletePinholeBody(e.Service, uniqueID)
	resp, err := e.call(ctx, "DeletePinhole", body)
	if err != nil {
		return err
	}
	return drainAction(resp)
}

// GetOutboundPinholeTimeout queries the remaining lifetime of a pinhole.
func (e *Endpoint) GetOutboundPinholeTimeout(ctx context.Context, remoteHost net.IP, remotePort uint16,
	internalClient net.IP, internalPort uint16, proto Protocol) (int, error) {

	body := GetOutboundPinholeTimeoutBody(e.Service, remoteHost, remotePort, internalClient, internalPort, proto)
	resp, err := e.call(ctx, "GetOutboundPinholeTimeout", body)
	if err != nil {
		return 0, err
	}
	var r xGetOutboundPinholeTimeoutResponse
	if err := unmarshalAction(resp, &r); err != nil {
		return 0, err
	}
	return r.OutboundPinholeTimeout, nil
}

// call performs one HTTP/SOAP round trip over e.Mux and returns the
// response's SOAP body (already fault-checked).
func (e *Endpoint) call(ctx context.Context, action, body string) (*xSoapEnvelope, error) {
	req := BuildHTTPRequest(e.Host, e.Path, e.Service, action, body)

	h, err := dialHost(ctx, e.Mux, e.Host)
	if err != nil {
		return nil, err
	}
	defer e.Mux.Close(h)

	deadline := deadlineFromContext(ctx)
	if err := e.Mux.Write(h, req, deadline); err != nil {
		log.Debugf("%s to %s failed writing request: %v", action, e.Host, err)
		return nil, err
	}

	httpResp, err := readHTTPResponse(e.Mux, h, deadline)
	if err != nil {
		log.Debugf("%s to %s failed reading response: %v", action, e.Host, err)
		return nil, err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK && httpResp.StatusCode != http.StatusInternalServerError {
		return nil, pmerr.Newf(pmerr.ServerFailure, "%s: unexpected HTTP status %s", action, httpResp.Status)
	}

	var env xSoapEnvelope
	if err := xml.NewDecoder(httpResp.Body).Decode(&env); err != nil {
		return nil, pmerr.Wrap(pmerr.Malformed, err)
	}
	if env.Body.Fault != nil {
		f := env.Body.Fault
		return nil, pmerr.Server(uint32(f.Detail.UPnPError.ErrorCode), 0,
			fmt.Sprintf("%s: %s (%s)", action, f.FaultString, f.Detail.UPnPError.ErrorDescription))
	}
	return &env, nil
}

func unmarshalAction(env *xSoapEnvelope, v interface{}) error {
	if err := xml.Unmarshal(env.Body.Data, v); err != nil {
		return pmerr.Wrap(pmerr.Malformed, err)
	}
	return nil
}

func drainAction(env *xSoapEnvelope) error {
	return nil
}

func deadlineFromContext(ctx context.Context) time.Time {
	if dl, ok := ctx.Deadline(); ok {
		return dl
	}
	return time.Now().Add(DefaultControlTimeout)
}

func dialHost(ctx context.Context, m *mux.Mux, hostport string) (mux.Handle, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		host = hostport
		portStr = "80"
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 0, pmerr.Field(pmerr.InvalidArgument, "host", "control URL host has a non-numeric port")
	}
	ip := net.ParseIP(host)
	if ip == nil {
		ips, err := net.DefaultResolver.LookupIP(ctx, "ip", host)
		if err != nil || len(ips) == 0 {
			return 0, pmerr.Wrap(pmerr.Unreachable, err)
		}
		ip = ips[0]
	}
	return m.CreateTCP(ctx, nil, &net.TCPAddr{IP: ip, Port: port}, deadlineFromContext(ctx))
}

// httpGet issues a plain HTTP GET for a device descriptor document over m.
func httpGet(ctx context.Context, m *mux.Mux, u *url.URL) (*bufio.Reader, error) {
	port := u.Port()
	if port == "" {
		port = "80"
	}
	h, err := dialHost(ctx, m, u.Hostname()+":"+port)
	if err != nil {
		return nil, err
	}
	deadline := deadlineFromContext(ctx)

	reqPath := requestPath(u)
	req := []byte("GET " + reqPath + " HTTP/1.1\r\nHost: " + u.Host + "\r\nConnection: Close\r\n\r\n")
	if err := m.Write(h, req, deadline); err != nil {
		m.Close(h)
		return nil, err
	}

	resp, err := readHTTPResponse(m, h, deadline)
	if err != nil {
		m.Close(h)
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		m.Close(h)
		return nil, pmerr.Newf(pmerr.ServerFailure, "descriptor fetch: unexpected HTTP status %s", resp.Status)
	}
	// The connection is "Close" so there is nothing further to read once
	// the body is drained; hand back a reader over the fully-buffered body.
	defer m.Close(h)
	defer resp.Body.Close()
	buf, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, pmerr.Wrap(pmerr.ConnectionReset, err)
	}
	return bufio.NewReader(bytes.NewReader(buf)), nil
}

// readHTTPResponse accumulates bytes from h through m until a full HTTP
// response (headers + Content-Length or close-delimited body) can be
// parsed. http.ReadResponse is used purely as a byte-format parser here,
// not to open or own any connection of its own.
func readHTTPResponse(m *mux.Mux, h mux.Handle, deadline time.Time) (*http.Response, error) {
	var buf []byte
	for {
		chunk, _, err := m.Read(h, 4096, deadline)
		if len(chunk) > 0 {
			buf = append(buf, chunk...)
			// A response without Content-Length is close-delimited: keep
			// reading until the peer closes, then parse the whole buffer.
			if resp, perr := tryParseResponse(buf); perr == nil && resp.ContentLength >= 0 {
				return resp, nil
			}
		}
		if err != nil {
			if kind, ok := pmerr.KindOf(err); ok && kind == pmerr.ConnectionReset && len(buf) > 0 {
				return tryParseResponse(buf)
			}
			return nil, err
		}
	}
}

// tryParseResponse parses buf as a complete HTTP response, requiring that
// the full Content-Length body (when present) has already arrived;
// otherwise it reports io.ErrUnexpectedEOF so the caller keeps
// accumulating bytes rather than handing back a response whose Body
// reads short.
func tryParseResponse(buf []byte) (*http.Response, error) {
	r := bufio.NewReader(bytes.NewReader(buf))
	resp, err := http.ReadResponse(r, nil)
	if err != nil {
		return nil, err
	}
	if resp.ContentLength >= 0 {
		body, err := io.ReadAll(resp.Body)
		if err != nil || int64(len(body)) < resp.ContentLength {
			return nil, io.ErrUnexpectedEOF
		}
		resp.Body = io.NopCloser(bytes.NewReader(body))
	}
	return resp, nil
}
