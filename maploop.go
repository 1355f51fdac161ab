package portmap2

import (
	"sync"
	"time"

	"github.com/hlandau/portmap2/discovery"
	"github.com/hlandau/xlog"
)

var log, Log = xlog.NewQuiet("portmap2")

// run drives every discovered candidate through its own mapperLoop in
// parallel (spec.md §4.5), rather than the single sequential NAT-PMP-then-
// UPnP state machine a one-gateway, one-protocol world allowed. Whichever
// mapper succeeds first becomes the reporter for ExternalAddr(); if it
// later fails, another currently-succeeding mapper takes over.
func (m *mapping) run(cands []discovery.Candidate) {
	selfIP, _ := determineSelfIP()

	var wg sync.WaitGroup
	for _, c := range cands {
		mp := newMapper(m.mux, selfIP, c)
		if mp == nil {
			continue
		}
		wg.Add(1)
		go func(mp mapper) {
			defer wg.Done()
			m.mapperLoop(mp)
		}(mp)
	}
	wg.Wait()

	m.mux.Kill()
}

// mapperLoop maps, and then periodically refreshes, a port through a
// single discovered mapper until the mapping is deleted or the mapper's
// own backoff schedule gives up on it.
func (m *mapping) mapperLoop(mp mapper) {
	backoff := m.currentConfig().Backoff
	backoff.Reset()

	var prev MappedPort
	haveMapping := false
	aborting := false

	for {
		if aborting {
			if haveMapping {
				if err := mp.unmapPort(prev, m.currentConfig()); err != nil {
					log.Infof("%s: unmap failed: %v", mp, err)
				}
			}
			m.clearIfActive(mp)
			return
		}

		cfg := m.currentConfig()

		var result MappedPort
		var err error
		if !haveMapping {
			result, err = mp.mapPort(cfg)
		} else {
			result, err = mp.refreshPort(prev, cfg)
		}

		if err != nil {
			log.Infof("%s: map failed: %v", mp, err)
			haveMapping = false
			m.clearIfActive(mp)

			d := backoff.NextDelay()
			if d == 0 {
				log.Infof("%s: giving up after exhausting retries", mp)
				return
			}

			select {
			case <-m.abortChan:
				aborting = true
			case <-time.After(d):
			}
			continue
		}

		backoff.Reset()
		haveMapping = true
		prev = result
		m.publish(mp, result)

		wait := cfg.Lifetime / 2
		if ea, ok := mp.(epochAware); ok && ea.consumeEpochReset() {
			// The gateway just told us it lost all prior mapping state
			// (RFC 6887 §8.5); re-map now instead of waiting out the
			// normal renewal interval.
			wait = 0
		}

		select {
		case <-m.abortChan:
			aborting = true
		case <-time.After(wait):
		}
	}
}

// currentConfig returns a snapshot of the mapping's config, safe to read
// without holding m.mutex afterward.
func (m *mapping) currentConfig() Config {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.cfg
}

// publish records result as the mapping's externally-visible state,
// provided no other mapper is already the active, live reporter.
func (m *mapping) publish(mp mapper, result MappedPort) {
	m.mutex.Lock()
	if m.activeMapper != nil && m.activeMapper != mp && m.isActive() {
		m.mutex.Unlock()
		return
	}
	m.activeMapper = mp
	m.cfg.ExternalPort = result.ExternalPort
	m.expireTime = result.ExpireTime
	if result.ExternalAddress != nil {
		m.externalAddr = result.ExternalAddress.String()
	}
	m.mutex.Unlock()

	m.notify()
}

// clearIfActive marks the mapping inactive if mp was the reporter,
// letting another currently-succeeding mapper claim the role.
func (m *mapping) clearIfActive(mp mapper) {
	m.mutex.Lock()
	cleared := false
	if m.activeMapper == mp {
		m.activeMapper = nil
		m.expireTime = time.Time{}
		cleared = true
	}
	m.mutex.Unlock()

	if cleared {
		m.notify()
	}
}

func (m *mapping) notify() {
	ea := m.ExternalAddr()

	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.prevValue == ea {
		// no change
		return
	}

	m.prevValue = ea

	select {
	case m.notifyChan <- struct{}{}:
	default:
	}
}
