package mux

import (
	"net"
	"testing"
	"time"

	"github.com/hlandau/portmap2/pmerr"
)

func TestUDPWriteToAndRead(t *testing.T) {
	m := New()
	defer m.Kill()

	hA, err := m.CreateUDP(&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("create A: %v", err)
	}
	hB, err := m.CreateUDP(&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("create B: %v", err)
	}

	bAddr, err := m.LocalAddr(hB)
	if err != nil {
		t.Fatalf("local addr: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	go func() {
		time.Sleep(20 * time.Millisecond)
		m.WriteTo(hA, []byte("hello"), bAddr, deadline)
	}()

	data, _, err := m.Read(hB, 1500, deadline)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "hello" {
		t.Fatalf("got %q, want %q", data, "hello")
	}
}

func TestUDPReadDeadlineTimesOut(t *testing.T) {
	m := New()
	defer m.Kill()

	h, err := m.CreateUDP(&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	_, _, err = m.Read(h, 1500, time.Now().Add(50*time.Millisecond))
	if err == nil {
		t.Fatal("expected timeout error")
	}
	kind, ok := pmerr.KindOf(err)
	if !ok || kind != pmerr.Timeout {
		t.Fatalf("expected Timeout kind, got %v", err)
	}
}

func TestKillFailsOutstandingReadsWithShutdown(t *testing.T) {
	m := New()

	h, err := m.CreateUDP(&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	readErr := make(chan error, 1)
	go func() {
		_, _, err := m.Read(h, 1500, time.Now().Add(5*time.Second))
		readErr <- err
	}()

	time.Sleep(20 * time.Millisecond)
	m.Kill()

	select {
	case err := <-readErr:
		kind, ok := pmerr.KindOf(err)
		if !ok || kind != pmerr.Shutdown {
			t.Fatalf("expected Shutdown kind, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Read did not return after Kill")
	}
}

func TestGetLocalIPsIncludesLoopback(t *testing.T) {
	m := New()
	defer m.Kill()

	ips, err := m.GetLocalIPs()
	if err != nil {
		t.Fatalf("GetLocalIPs: %v", err)
	}
	found := false
	for _, ip := range ips {
		if ip.IsLoopback() {
			found = true
		}
	}
	if !found {
		t.Fatal("expected loopback address among local IPs")
	}
}

func TestWriteBackpressure(t *testing.T) {
	m := New()
	defer m.Kill()

	h, err := m.CreateUDP(&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	big := make([]byte, sendBufferCap+1)
	err = m.WriteTo(h, big, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1}, time.Now().Add(time.Second))
	if err == nil {
		t.Fatal("expected WouldBlock for oversized write")
	}
	kind, ok := pmerr.KindOf(err)
	if !ok || kind != pmerr.WouldBlock {
		t.Fatalf("expected WouldBlock kind, got %v", err)
	}
}
