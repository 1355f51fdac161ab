// Package ssdp is an SSDP registry. It receives SSDP events from package
// ssdpbase and stores them for retrieval, so the discovery engine (and
// ad hoc callers) can query for known WAN services by search target.
package ssdp

import (
	"net/url"
	"sync"
	"time"

	"github.com/hlandau/portmap2/ssdp/ssdpbase"
	"github.com/hlandau/xlog"
)

var log, Log = xlog.NewQuiet("portmap2/ssdp")

// Service describes a service discovered by SSDP.
type Service struct {
	// Location is the URL of the device descriptor advertising this
	// service.
	Location *url.URL

	// ST is the service type string.
	ST string

	// USN is a unique serial number for the service.
	USN string

	// Server is the advertising device's SERVER header, if any.
	Server string

	// LastSeen is the time at which a notice for this service was last
	// seen.
	LastSeen time.Time
}

var (
	once   sync.Once
	client ssdpbase.Client

	mu    sync.Mutex
	byUSN = map[string]*Service{}
)

func loop() {
	for ev := range client.Chan() {
		mu.Lock()
		svc, already := byUSN[ev.USN]
		if !already {
			svc = &Service{USN: ev.USN}
			byUSN[ev.USN] = svc
		}
		svc.ST = ev.ST
		svc.Location = ev.Location
		svc.Server = ev.Server
		svc.LastSeen = time.Now()
		mu.Unlock()

		log.Debugf("registered SSDP service %s (%s)", ev.USN, ev.ST)
	}
}

// Start starts the SSDP discovery broadcast and notice reception
// process, if it has not already started, using the default search
// targets (spec.md §4.3.1). You may call this function multiple times
// without consequence.
func Start() {
	StartWithConfig(ssdpbase.Config{})
}

// StartWithConfig is like Start but lets the caller override the search
// targets, MX, and IPv6 participation.
func StartWithConfig(cfg ssdpbase.Config) {
	once.Do(func() {
		var err error
		client, err = ssdpbase.NewClientWithConfig(cfg)
		if err != nil {
			log.Errorf("failed to start SSDP client: %v", err)
			return
		}

		go loop()
	})
}

// GetServicesByType obtains a list of Services matching the provided
// Service Type string.
//
// Note that if you call Start() for the first time immediately prior to
// calling this, this may return an empty list even if services are
// available, as it may take a moment for devices to respond to the
// initial discovery broadcast.
//
// Services which were last seen more than three SSDP broadcast intervals
// ago are not yielded by this function.
func GetServicesByType(st string) (svcs []Service) {
	limit := time.Now().Add(ssdpbase.BroadcastInterval * -3)
	mu.Lock()
	defer mu.Unlock()
	for _, v := range byUSN {
		if v.ST == st && v.LastSeen.After(limit) {
			svcs = append(svcs, *v)
		}
	}
	return
}
