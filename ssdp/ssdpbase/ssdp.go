// Low-level SSDP package which provides a channel streaming SSDP events.
//
// Use package ssdp instead of this package.
package ssdpbase

import (
	"bufio"
	"bytes"
	gnet "net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/hlandau/degoutils/net"
)

// BroadcastInterval is the interval at which discovery beacons are
// resent while a client is running (spec.md §4.3.1: the discovery
// engine itself only waits MX+1 seconds for one round, but a long-lived
// client keeps refreshing its view of the network).
const BroadcastInterval = 60 * time.Second

// DefaultSearchTargets are the three search targets spec.md §4.3.1
// requires a discovery round to send.
var DefaultSearchTargets = []string{
	"upnp:rootdevice",
	"urn:schemas-upnp-org:service:WANIPConnection:1",
	"urn:schemas-upnp-org:service:WANIPConnection:2",
}

const (
	mcastAddr4 = "239.255.255.250:1900"
	mcastAddr6 = "[ff02::c]:1900"
)

// DefaultMX is the MX value sent on every M-SEARCH, in the 1-5 range
// spec.md §4.1.2 requires.
const DefaultMX = 3

// Event represents a received SSDP beacon.
type Event struct {
	Location *url.URL
	ST       string
	USN      string
	Server   string
}

// Client is an SSDP event receiver.
type Client interface {
	// Chan returns a channel used to receive events.
	Chan() <-chan Event

	// Stop stops the receiver.
	Stop()
}

// Config controls a Client's search behavior.
type Config struct {
	// SearchTargets are the ST values to M-SEARCH for, one datagram per
	// target per broadcast round. Defaults to DefaultSearchTargets.
	SearchTargets []string

	// MX is the MX value advertised in the M-SEARCH request (1-5,
	// clamped). Defaults to DefaultMX.
	MX int

	// EnableIPv6 additionally sends to the IPv6 SSDP multicast group
	// (spec.md §4.1.2, [ff02::c]:1900) from a single unbound udp6 socket.
	// No interface zone is set, so the datagram is not sent once per
	// interface.
	EnableIPv6 bool
}

func (cfg *Config) normalize() {
	if len(cfg.SearchTargets) == 0 {
		cfg.SearchTargets = DefaultSearchTargets
	}
	if cfg.MX <= 0 {
		cfg.MX = DefaultMX
	}
	if cfg.MX > 5 {
		cfg.MX = 5
	}
}

type client struct {
	cfg Config

	conn4 *gnet.UDPConn
	conn6 *gnet.UDPConn

	eventChan chan Event
	stopChan  chan struct{}
}

func (c *client) Stop() {
	close(c.stopChan)
	close(c.eventChan)
	c.conn4.Close()
	if c.conn6 != nil {
		c.conn6.Close()
	}
}

func (c *client) Chan() <-chan Event {
	return c.eventChan
}

// searchBuf renders the M-SEARCH datagram of spec.md §4.1.2 for one
// (host, st) pair. MAN must carry literal quotes around "ssdp:discover".
func searchBuf(host, st string, mx int) []byte {
	return []byte("M-SEARCH * HTTP/1.1\r\n" +
		"HOST: " + host + "\r\n" +
		"MAN: \"ssdp:discover\"\r\n" +
		"MX: " + strconv.Itoa(mx) + "\r\n" +
		"ST: " + st + "\r\n\r\n")
}

func (c *client) broadcastLoop() {
	defer c.conn4.Close()

	addr4, err := gnet.ResolveUDPAddr("udp4", mcastAddr4)
	if err != nil {
		return
	}
	var addr6 *gnet.UDPAddr
	if c.conn6 != nil {
		addr6, _ = gnet.ResolveUDPAddr("udp6", mcastAddr6)
	}

	ticker := time.NewTicker(BroadcastInterval)
	defer ticker.Stop()

	send := func() {
		for _, st := range c.cfg.SearchTargets {
			c.conn4.WriteToUDP(searchBuf(mcastAddr4, st, c.cfg.MX), addr4)
			if c.conn6 != nil && addr6 != nil {
				c.conn6.WriteToUDP(searchBuf(mcastAddr6, st, c.cfg.MX), addr6)
			}
		}
	}

	send()
	for {
		select {
		case <-ticker.C:
			send()
		case <-c.stopChan:
			return
		}
	}
}

func (c *client) handleResponse(res *http.Response) {
	if res.StatusCode != 200 {
		return
	}

	st := res.Header.Get("ST")
	if st == "" {
		return
	}

	loc, err := res.Location()
	if err != nil {
		return
	}

	usn := res.Header.Get("USN")
	if usn == "" {
		usn = loc.String()
	}

	ev := Event{
		Location: loc,
		ST:       st,
		USN:      usn,
		Server:   res.Header.Get("SERVER"),
	}

	select {
	// events not being waited for are simply dropped
	case c.eventChan <- ev:
	default:
	}
}

func (c *client) recvLoop(conn *gnet.UDPConn) {
	for {
		buf, _, err := net.ReadDatagramFromUDP(conn)
		if err != nil {
			return
		}

		rbio := bufio.NewReader(bytes.NewReader(buf))
		res, err := http.ReadResponse(rbio, nil)
		if err == nil {
			c.handleResponse(res)
		}
	}
}

// NewClient starts an SSDP client using the default search targets and MX.
func NewClient() (Client, error) {
	return NewClientWithConfig(Config{})
}

// NewClientWithConfig starts an SSDP client with an explicit Config,
// spec.md §4.3.1's "three search targets, configurable MX" discovery
// round.
func NewClientWithConfig(cfg Config) (Client, error) {
	cfg.normalize()

	conng, err := gnet.ListenPacket("udp4", ":0")
	if err != nil {
		return nil, err
	}
	conn4 := conng.(*gnet.UDPConn)

	var conn6 *gnet.UDPConn
	if cfg.EnableIPv6 {
		if c6, err := gnet.ListenPacket("udp6", ":0"); err == nil {
			conn6 = c6.(*gnet.UDPConn)
		}
	}

	c := &client{
		cfg:       cfg,
		stopChan:  make(chan struct{}),
		eventChan: make(chan Event, 32),
		conn4:     conn4,
		conn6:     conn6,
	}

	go c.broadcastLoop()
	go c.recvLoop(conn4)
	if conn6 != nil {
		go c.recvLoop(conn6)
	}

	return c, nil
}
