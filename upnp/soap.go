// Package upnp implements the UPnP-IGD text codecs (HTTP/SOAP requests for
// the WANIPConnection/WANPPPConnection/WANIPv6FirewallControl services and
// the device descriptor XML parser) and an Endpoint that issues those
// actions over a mux.Mux. SSDP M-SEARCH datagrams are built by package
// ssdp/ssdpbase, not here.
//
// The wire form of the HTTP/SOAP request is fixed and byte-exact (spec.md
// §4.1.3): routers in the wild match on literal substrings, so this
// package builds the request by direct string concatenation rather than
// through net/http's request writer, which would reorder or canonicalize
// headers.
package upnp

import (
	"fmt"
	"html"
	"net"
	"strconv"
	"strings"

	"github.com/hlandau/portmap2/pmerr"
)

// Protocol identifies which kind of port is being mapped.
type Protocol int

const (
	TCP Protocol = 6
	UDP Protocol = 17
)

func (p Protocol) String() string {
	switch p {
	case TCP:
		return "TCP"
	case UDP:
		return "UDP"
	default:
		panic("unknown protocol value")
	}
}

// soapEnvelopeNS is kept exactly as the source renders it, even though it
// names the 2003/05 (SOAP 1.2) namespace while the body still carries a
// soap:encodingStyle attribute in 1.1 style. This is intentional and must
// not be "fixed": several IGD vendors parse either, and byte-equality is
// required for interoperability with existing golden tests (spec.md §9).
const soapEnvelopeNS = "http://www.w3.org/2003/05/soap-envelope/"
const soapEncodingStyle = "http://schemas.xmlsoap.org/soap/encoding/"

// Arg is one ordered SOAP argument element.
type Arg struct {
	Name  string
	Value string
}

// BuildSOAPBody renders the SOAP envelope for an action with its ordered
// arguments, exactly as spec.md §4.1.3 describes.
func BuildSOAPBody(serviceType, action string, args []Arg) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0"?>`)
	b.WriteString(`<s:Envelope xmlns:s="` + soapEnvelopeNS + `" s:encodingStyle="` + soapEncodingStyle + `">`)
	b.WriteString(`<s:Body>`)
	b.WriteString(`<u:` + action + ` xmlns:u="` + serviceType + `">`)
	for _, a := range args {
		b.WriteString(`<` + a.Name + `>` + a.Value + `</` + a.Name + `>`)
	}
	b.WriteString(`</u:` + action + `>`)
	b.WriteString(`</s:Body>`)
	b.WriteString(`</s:Envelope>`)
	return b.String()
}

// BuildHTTPRequest renders the byte-exact HTTP/SOAP wire form of spec.md
// §4.1.3 for an action on a service at host/controlPath.
func BuildHTTPRequest(host, controlPath, serviceType, action, body string) []byte {
	var b strings.Builder
	b.WriteString("POST " + controlPath + " HTTP/1.1\r\n")
	b.WriteString("Host: " + host + "\r\n")
	b.WriteString("Content-Type: text/xml\r\n")
	b.WriteString("SOAPAction: " + serviceType + "#" + action + "\r\n")
	b.WriteString("Connection: Close\r\n")
	b.WriteString("Cache-Control: no-cache\r\n")
	b.WriteString("Pragma: no-cache\r\n")
	b.WriteString("Content-Length: " + strconv.Itoa(len(body)) + "\r\n")
	b.WriteString("\r\n")
	b.WriteString(body)
	return []byte(b.String())
}

// RenderAddress renders an address per spec.md §4.1.3: IPv4 as dotted-quad,
// IPv6 as lowercase colon-separated groups with leading zeros stripped per
// group and no "::" compression. An empty IP renders as the empty string
// (callers use that for NewRemoteHost).
func RenderAddress(ip net.IP) string {
	if ip == nil {
		return ""
	}
	if v4 := ip.To4(); v4 != nil {
		return v4.String()
	}
	v6 := ip.To16()
	if v6 == nil {
		return ""
	}
	groups := make([]string, 8)
	for i := 0; i < 8; i++ {
		word := uint16(v6[i*2])<<8 | uint16(v6[i*2+1])
		groups[i] = strconv.FormatUint(uint64(word), 16)
	}
	return strings.Join(groups, ":")
}

// escapeText HTML-escapes free text fields (e.g. port mapping
// descriptions) embedded in the SOAP body, matching the teacher's use of
// html.EscapeString for the same purpose.
func escapeText(s string) string {
	return html.EscapeString(s)
}

// GetExternalIPAddressBody builds the GetExternalIPAddress action body.
func GetExternalIPAddressBody(serviceType string) string {
	return BuildSOAPBody(serviceType, "GetExternalIPAddress", nil)
}

// AddPortMappingBody builds the AddPortMapping action body. internalPort
// must be nonzero (the wildcard is not permitted for AddPortMapping,
// spec.md §4.4.3) and lease must be nonnegative.
func AddPortMappingBody(serviceType string, remoteHost net.IP, externalPort uint16,
	proto Protocol, internalPort uint16, internalClient net.IP, description string,
	leaseSeconds int64) (string, error) {

	if internalPort == 0 {
		return "", pmerr.Field(pmerr.InvalidArgument, "internalPort", "AddPortMapping does not permit a wildcard internal port")
	}
	if leaseSeconds < 0 {
		return "", pmerr.Field(pmerr.InvalidArgument, "lifetime", "lease duration must not be negative")
	}

	args := []Arg{
		{"NewRemoteHost", RenderAddress(remoteHost)},
		{"NewExternalPort", strconv.FormatUint(uint64(externalPort), 10)},
		{"NewProtocol", proto.String()},
		{"NewInternalPort", strconv.FormatUint(uint64(internalPort), 10)},
		{"NewInternalClient", RenderAddress(internalClient)},
		{"NewEnabled", "1"},
		{"NewPortMappingDescription", escapeText(description)},
		{"NewLeaseDuration", strconv.FormatInt(leaseSeconds, 10)},
	}
	return BuildSOAPBody(serviceType, "AddPortMapping", args), nil
}

// AddAnyPortMappingBody builds the AddAnyPortMapping action body, used on
// IGDv2 services when the caller did not suggest an external port
// (spec.md §4.4.3).
func AddAnyPortMappingBody(serviceType string, remoteHost net.IP, externalPortHint uint16,
	proto Protocol, internalPort uint16, internalClient net.IP, description string,
	leaseSeconds int64) (string, error) {

	if internalPort == 0 {
		return "", pmerr.Field(pmerr.InvalidArgument, "internalPort", "AddAnyPortMapping does not permit a wildcard internal port")
	}
	if leaseSeconds < 0 {
		return "", pmerr.Field(pmerr.InvalidArgument, "lifetime", "lease duration must not be negative")
	}

	args := []Arg{
		{"NewRemoteHost", RenderAddress(remoteHost)},
		{"NewExternalPort", strconv.FormatUint(uint64(externalPortHint), 10)},
		{"NewProtocol", proto.String()},
		{"NewInternalPort", strconv.FormatUint(uint64(internalPort), 10)},
		{"NewInternalClient", RenderAddress(internalClient)},
		{"NewEnabled", "1"},
		{"NewPortMappingDescription", escapeText(description)},
		{"NewLeaseDuration", strconv.FormatInt(leaseSeconds, 10)},
	}
	return BuildSOAPBody(serviceType, "AddAnyPortMapping", args), nil
}

// DeletePortMappingBody builds the DeletePortMapping action body.
func DeletePortMappingBody(serviceType string, remoteHost net.IP, externalPort uint16, proto Protocol) string {
	args := []Arg{
		{"NewRemoteHost", RenderAddress(remoteHost)},
		{"NewExternalPort", strconv.FormatUint(uint64(externalPort), 10)},
		{"NewProtocol", proto.String()},
	}
	return BuildSOAPBody(serviceType, "DeletePortMapping", args)
}

// AddPinholeBody builds the AddPinhole action body for
// WANIPv6FirewallControl:1.
func AddPinholeBody(serviceType string, remoteHost net.IP, remotePort uint16,
	internalClient net.IP, internalPort uint16, proto Protocol, leaseSeconds int64) string {

	args := []Arg{
		{"NewRemoteHost", RenderAddress(remoteHost)},
		{"NewRemotePort", strconv.FormatUint(uint64(remotePort), 10)},
		{"NewProtocol", strconv.Itoa(int(proto))},
		{"NewInternalPort", strconv.FormatUint(uint64(internalPort), 10)},
		{"NewInternalClient", RenderAddress(internalClient)},
		{"NewLeaseTime", strconv.FormatInt(leaseSeconds, 10)},
	}
	return BuildSOAPBody(serviceType, "AddPinhole", args)
}

// DeletePinholeBody builds the DeletePinhole action body.
func DeletePinholeBody(serviceType string, uniqueID int) string {
	args := []Arg{
		{"UniqueID", strconv.Itoa(uniqueID)},
	}
	return BuildSOAPBody(serviceType, "DeletePinhole", args)
}

// GetOutboundPinholeTimeoutBody builds the GetOutboundPinholeTimeout
// action body.
func GetOutboundPinholeTimeoutBody(serviceType string, remoteHost net.IP, remotePort uint16,
	internalClient net.IP, internalPort uint16, proto Protocol) string {

	args := []Arg{
		{"NewRemoteHost", RenderAddress(remoteHost)},
		{"NewRemotePort", strconv.FormatUint(uint64(remotePort), 10)},
		{"NewProtocol", strconv.Itoa(int(proto))},
		{"NewInternalClient", RenderAddress(internalClient)},
		{"NewInternalPort", strconv.FormatUint(uint64(internalPort), 10)},
	}
	return BuildSOAPBody(serviceType, "GetOutboundPinholeTimeout", args)
}

// soapAction renders the exact SOAPAction header value for logging/tests.
func soapAction(serviceType, action string) string {
	return fmt.Sprintf("%s#%s", serviceType, action)
}
