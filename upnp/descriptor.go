package upnp

import (
	"encoding/xml"
	"errors"
	"io"
	"net/url"
)

const deviceNS = "urn:schemas-upnp-org:device-1-0"

// Recognized WAN connection / firewall service types, spec.md §4.3 step 2.
const (
	WANIPConnection1        = "urn:schemas-upnp-org:service:WANIPConnection:1"
	WANIPConnection2        = "urn:schemas-upnp-org:service:WANIPConnection:2"
	WANPPPConnection1       = "urn:schemas-upnp-org:service:WANPPPConnection:1"
	WANIPv6FirewallControl1 = "urn:schemas-upnp-org:service:WANIPv6FirewallControl:1"
)

var recognizedServiceTypes = map[string]bool{
	WANIPConnection1:        true,
	WANIPConnection2:        true,
	WANPPPConnection1:       true,
	WANIPv6FirewallControl1: true,
}

// xRootDevice/xDevice/xService/xURLField mirror the descriptor tree the
// teacher's upnp.go parses, generalized to also carry SCPDURL/eventSubURL
// (spec.md §3 UPnP endpoint identity) and to be tolerant of unknown
// elements and ancestor-declared namespaces, which encoding/xml already
// gives us as long as we don't set a restrictive Namespace tag on fields.
type xRootDevice struct {
	XMLName xml.Name `xml:"root"`
	Device  xDevice  `xml:"device"`
}

type xDevice struct {
	DeviceType string     `xml:"deviceType"`
	Services   []xService `xml:"serviceList>service,omitempty"`
	Devices    []xDevice  `xml:"deviceList>device,omitempty"`
}

type xService struct {
	ServiceType string    `xml:"serviceType"`
	ServiceID   string    `xml:"serviceId"`
	ControlURL  xURLField `xml:"controlURL"`
	SCPDURL     xURLField `xml:"SCPDURL"`
	EventSubURL xURLField `xml:"eventSubURL"`
}

func (s *xService) initURLFields(base *url.URL) {
	s.ControlURL.init(base)
	s.SCPDURL.init(base)
	s.EventSubURL.init(base)
}

type xURLField struct {
	URL url.URL `xml:"-"`
	OK  bool    `xml:"-"`
	Str string  `xml:",chardata"`
}

func (f *xURLField) init(base *url.URL) {
	u, err := url.Parse(f.Str)
	if err != nil || f.Str == "" {
		f.URL = url.URL{}
		f.OK = false
		return
	}
	f.URL = *base.ResolveReference(u)
	f.OK = true
}

func (d *xDevice) initURLFields(base *url.URL) {
	for i := range d.Services {
		d.Services[i].initURLFields(base)
	}
	for i := range d.Devices {
		d.Devices[i].initURLFields(base)
	}
}

// EndpointIdentity is the {host, controlPath, serviceType} triple of
// spec.md §3.
type EndpointIdentity struct {
	Host        string
	ControlPath string
	ServiceType string
}

// Service is a recognized WAN service discovered within a device
// descriptor, carrying the control/SCPD/eventSub URLs of spec.md §3.
type Service struct {
	ServiceType string
	ControlURL  *url.URL
	SCPDURL     *url.URL
	EventSubURL *url.URL
}

// ParseDescriptor parses a UPnP device descriptor document rooted at
// base, recursively walking device/deviceList/.../serviceList/service,
// and returns every service of a recognized type (spec.md §4.1.3). The
// parser is tolerant of unknown elements and namespaces declared on
// ancestor elements; unknown children are simply ignored by
// encoding/xml's tag-matching.
func ParseDescriptor(r io.Reader, base *url.URL) ([]Service, error) {
	d := xml.NewDecoder(r)
	d.DefaultSpace = deviceNS

	var root xRootDevice
	if err := d.Decode(&root); err != nil {
		return nil, err
	}

	root.Device.initURLFields(base)

	var out []Service
	var visit func(dev *xDevice)
	visit = func(dev *xDevice) {
		for i := range dev.Services {
			s := &dev.Services[i]
			if !recognizedServiceTypes[s.ServiceType] {
				continue
			}
			if !s.ControlURL.OK {
				continue
			}
			svc := Service{ServiceType: s.ServiceType}
			cu := s.ControlURL.URL
			svc.ControlURL = &cu
			if s.SCPDURL.OK {
				su := s.SCPDURL.URL
				svc.SCPDURL = &su
			}
			if s.EventSubURL.OK {
				eu := s.EventSubURL.URL
				svc.EventSubURL = &eu
			}
			out = append(out, svc)
		}
		for i := range dev.Devices {
			visit(&dev.Devices[i])
		}
	}
	visit(&root.Device)

	if len(out) == 0 {
		return nil, errors.New("upnp: no recognized WAN service found in device descriptor")
	}
	return out, nil
}
