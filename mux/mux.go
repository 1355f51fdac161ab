// Package mux implements the gateway I/O multiplexer of spec.md §4.2: a
// single-owner component that owns a set of UDP and TCP sockets, exposes a
// message-bus interface to the rest of the system, and routes inbound
// bytes back to whichever caller issued the corresponding outbound
// operation.
//
// Mapper drivers never touch OS handles directly (spec.md §3 Ownership);
// every socket operation in this module goes through a Mux.
//
// The "readiness-driven single loop" spec.md describes is realized the
// idiomatic Go way: one dispatcher goroutine owns all bookkeeping
// (pending commands, the deadline heap, send buffers) and a small
// goroutine per open socket performs the actual blocking
// net.Conn/net.PacketConn call, which is how Go's runtime netpoller turns
// a blocking syscall into something that doesn't block anyone but that
// one goroutine. Results flow back to the dispatcher over a single
// channel, so all the shared bookkeeping stays single-threaded even
// though many sockets are active concurrently.
package mux

import (
	"container/heap"
	"context"
	"net"
	"time"

	"github.com/hlandau/portmap2/pmerr"
	"github.com/hlandau/xlog"
)

var log, Log = xlog.NewQuiet("portmap2/mux")

// SocketKind distinguishes UDP from TCP handles.
type SocketKind int

const (
	KindUDP SocketKind = iota
	KindTCP
)

// Handle is an opaque reference to a socket owned by a Mux.
type Handle uint64

// sendBufferCap is the per-socket backpressure cap of spec.md §4.2.
const sendBufferCap = 64 * 1024

type socket struct {
	handle     Handle
	kind       SocketKind
	conn       net.Conn       // TCP, or UDP after being "connected" to one peer
	packetConn net.PacketConn // UDP, when used for unconnected unicast/multicast
	localAddr  net.Addr
	remoteAddr net.Addr

	sendBuffered int
	closed       bool
}

// Mux is the gateway I/O multiplexer. The zero value is not usable; call
// New.
type Mux struct {
	cmds   chan interface{}
	result chan ioResult
	done   chan struct{}

	nextID uint64
}

// New starts a Mux's dispatcher loop and returns it.
func New() *Mux {
	m := &Mux{
		cmds:   make(chan interface{}, 64),
		result: make(chan ioResult, 64),
		done:   make(chan struct{}),
	}
	go m.run()
	return m
}

// --- commands (spec.md §4.2) --------------------------------------------

type cmdCreateUDP struct {
	localAddr *net.UDPAddr
	reply     chan<- createReply
}

type cmdCreateTCP struct {
	ctx        context.Context
	localAddr  *net.TCPAddr
	remoteAddr *net.TCPAddr
	deadline   time.Time
	reply      chan<- createReply
}

type cmdWrite struct {
	handle   Handle
	bytes    []byte
	addr     net.Addr // destination for an unconnected UDP socket; nil for TCP
	deadline time.Time
	reply    chan<- error
}

type cmdRead struct {
	handle   Handle
	maxBytes int
	deadline time.Time
	reply    chan<- readReply
}

type cmdClose struct {
	handle Handle
}

type cmdKill struct{}

type cmdGetLocalIPs struct {
	reply chan<- localIPsReply
}

type createReply struct {
	handle Handle
	err    error
}

type readReply struct {
	data       []byte
	remoteAddr net.Addr
	err        error
}

type localIPsReply struct {
	ips []net.IP
	err error
}

type cmdLocalAddr struct {
	handle Handle
	reply  chan<- localAddrReply
}

type localAddrReply struct {
	addr net.Addr
	err  error
}

// ioResult is how a per-socket I/O goroutine reports back to the
// dispatcher.
type ioResult struct {
	handle Handle
	kind   string // "read" or "write"
	data   []byte
	addr   net.Addr
	nBytes int
	err    error
}

// --- public API -----------------------------------------------------------

// CreateUDP creates and binds a UDP socket.
func (m *Mux) CreateUDP(localAddr *net.UDPAddr) (Handle, error) {
	reply := make(chan createReply, 1)
	select {
	case m.cmds <- cmdCreateUDP{localAddr: localAddr, reply: reply}:
	case <-m.done:
		return 0, pmerr.New(pmerr.Shutdown, "mux is shut down")
	}
	r := <-reply
	return r.handle, r.err
}

// CreateTCP connects a TCP socket and returns once connected (or the
// deadline elapses). The dial runs on the dispatcher goroutine itself, so
// the connect is not non-blocking: other commands wait until it completes.
func (m *Mux) CreateTCP(ctx context.Context, localAddr, remoteAddr *net.TCPAddr, deadline time.Time) (Handle, error) {
	reply := make(chan createReply, 1)
	select {
	case m.cmds <- cmdCreateTCP{ctx: ctx, localAddr: localAddr, remoteAddr: remoteAddr, deadline: deadline, reply: reply}:
	case <-m.done:
		return 0, pmerr.New(pmerr.Shutdown, "mux is shut down")
	}
	r := <-reply
	return r.handle, r.err
}

// Write appends bytes to the socket's send buffer, replying once fully
// flushed, or with WouldBlock if the per-socket buffer cap would be
// exceeded. For TCP sockets this writes to the connected peer; for UDP
// sockets not connected to a single peer, use WriteTo instead.
func (m *Mux) Write(h Handle, b []byte, deadline time.Time) error {
	reply := make(chan error, 1)
	select {
	case m.cmds <- cmdWrite{handle: h, bytes: b, deadline: deadline, reply: reply}:
	case <-m.done:
		return pmerr.New(pmerr.Shutdown, "mux is shut down")
	}
	return <-reply
}

// WriteTo sends a single UDP datagram to addr (unicast or multicast),
// used by the discovery engine's SSDP M-SEARCH sends.
func (m *Mux) WriteTo(h Handle, b []byte, addr net.Addr, deadline time.Time) error {
	reply := make(chan error, 1)
	select {
	case m.cmds <- cmdWrite{handle: h, bytes: b, addr: addr, deadline: deadline, reply: reply}:
	case <-m.done:
		return pmerr.New(pmerr.Shutdown, "mux is shut down")
	}
	return <-reply
}

// Read reads up to maxBytes, or a single datagram for UDP sockets,
// yielding Timeout if the deadline elapses first.
func (m *Mux) Read(h Handle, maxBytes int, deadline time.Time) ([]byte, net.Addr, error) {
	reply := make(chan readReply, 1)
	select {
	case m.cmds <- cmdRead{handle: h, maxBytes: maxBytes, deadline: deadline, reply: reply}:
	case <-m.done:
		return nil, nil, pmerr.New(pmerr.Shutdown, "mux is shut down")
	}
	r := <-reply
	return r.data, r.remoteAddr, r.err
}

// Close releases the OS resource behind a handle.
func (m *Mux) Close(h Handle) {
	select {
	case m.cmds <- cmdClose{handle: h}:
	case <-m.done:
	}
}

// Kill shuts down the loop, closing all sockets and failing every
// outstanding operation with Shutdown.
func (m *Mux) Kill() {
	select {
	case m.cmds <- cmdKill{}:
	case <-m.done:
		return
	}
	<-m.done
}

// LocalAddr returns the bound local address of a socket, e.g. so a caller
// can learn the ephemeral port CreateUDP chose.
func (m *Mux) LocalAddr(h Handle) (net.Addr, error) {
	reply := make(chan localAddrReply, 1)
	select {
	case m.cmds <- cmdLocalAddr{handle: h, reply: reply}:
	case <-m.done:
		return nil, pmerr.New(pmerr.Shutdown, "mux is shut down")
	}
	r := <-reply
	return r.addr, r.err
}

// GetLocalIPs returns the host's local IPv4/IPv6 addresses.
func (m *Mux) GetLocalIPs() ([]net.IP, error) {
	reply := make(chan localIPsReply, 1)
	select {
	case m.cmds <- cmdGetLocalIPs{reply: reply}:
	case <-m.done:
		return nil, pmerr.New(pmerr.Shutdown, "mux is shut down")
	}
	r := <-reply
	return r.ips, r.err
}

// --- dispatcher loop --------------------------------------------------

type pendingRead struct {
	reply    chan<- readReply
	deadline time.Time
	index    int
}

type pendingWrite struct {
	reply    chan<- error
	deadline time.Time
	index    int
}

func (m *Mux) run() {
	sockets := map[Handle]*socket{}
	pendingReads := map[Handle]*pendingRead{}
	pendingWrites := map[Handle]*pendingWrite{}
	dq := &deadlineQueue{}
	heap.Init(dq)

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	resetTimer := func() {
		if dq.Len() == 0 {
			timer.Reset(time.Hour)
			return
		}
		d := time.Until((*dq)[0].deadline)
		if d < 0 {
			d = 0
		}
		timer.Reset(d)
	}

	for {
		resetTimer()
		select {
		case cmd := <-m.cmds:
			switch c := cmd.(type) {
			case cmdCreateUDP:
				m.handleCreateUDP(sockets, c)
			case cmdCreateTCP:
				m.handleCreateTCP(sockets, c)
			case cmdWrite:
				m.handleWrite(sockets, pendingWrites, dq, c)
			case cmdRead:
				m.handleRead(sockets, pendingReads, dq, c)
			case cmdClose:
				m.handleClose(sockets, c.handle)
			case cmdGetLocalIPs:
				m.handleGetLocalIPs(c)
			case cmdLocalAddr:
				m.handleLocalAddr(sockets, c)
			case cmdKill:
				m.handleKill(sockets, pendingReads, pendingWrites)
				return
			}

		case res := <-m.result:
			m.handleIOResult(sockets, pendingReads, pendingWrites, dq, res)

		case <-timer.C:
			m.expireDeadlines(dq, pendingReads, pendingWrites)
		}
	}
}

func (m *Mux) handleCreateUDP(sockets map[Handle]*socket, c cmdCreateUDP) {
	pc, err := net.ListenUDP("udp", c.localAddr)
	if err != nil {
		log.Debugf("create udp socket on %v failed: %v", c.localAddr, err)
		c.reply <- createReply{err: pmerr.Wrap(pmerr.Unreachable, err)}
		return
	}
	m.nextID++
	h := Handle(m.nextID)
	sockets[h] = &socket{handle: h, kind: KindUDP, packetConn: pc, localAddr: pc.LocalAddr()}
	log.Debugf("udp socket %d bound on %v", h, pc.LocalAddr())
	c.reply <- createReply{handle: h}
}

func (m *Mux) handleCreateTCP(sockets map[Handle]*socket, c cmdCreateTCP) {
	d := net.Dialer{LocalAddr: c.localAddr}
	if !c.deadline.IsZero() {
		d.Deadline = c.deadline
	}
	conn, err := d.DialContext(c.ctx, "tcp", c.remoteAddr.String())
	if err != nil {
		kind, _ := classifyDialErr(err)
		log.Debugf("dial tcp %v failed: %v", c.remoteAddr, err)
		c.reply <- createReply{err: &pmerr.Error{Kind: kind, Msg: err.Error(), Err: err}}
		return
	}
	m.nextID++
	h := Handle(m.nextID)
	sockets[h] = &socket{handle: h, kind: KindTCP, conn: conn, localAddr: conn.LocalAddr(), remoteAddr: conn.RemoteAddr()}
	log.Debugf("tcp socket %d connected %v -> %v", h, conn.LocalAddr(), conn.RemoteAddr())
	c.reply <- createReply{handle: h}
}

func classifyDialErr(err error) (pmerr.Kind, bool) {
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return pmerr.Timeout, true
	}
	return pmerr.ConnectionRefused, true
}

func (m *Mux) handleWrite(sockets map[Handle]*socket, pendingWrites map[Handle]*pendingWrite, dq *deadlineQueue, c cmdWrite) {
	s, ok := sockets[c.handle]
	if !ok || s.closed {
		c.reply <- pmerr.New(pmerr.Shutdown, "socket is closed")
		return
	}
	if s.sendBuffered+len(c.bytes) > sendBufferCap {
		c.reply <- pmerr.New(pmerr.WouldBlock, "send buffer would exceed per-socket cap")
		return
	}
	s.sendBuffered += len(c.bytes)

	h := c.handle
	addr := c.addr
	go func() {
		var err error
		switch s.kind {
		case KindUDP:
			if addr != nil {
				_, err = s.packetConn.WriteTo(c.bytes, addr)
			} else if s.conn != nil {
				_, err = s.conn.Write(c.bytes)
			} else {
				err = pmerr.New(pmerr.InvalidArgument, "UDP write requires a destination address or a connected socket")
			}
		case KindTCP:
			_, err = s.conn.Write(c.bytes)
		}
		m.result <- ioResult{handle: h, kind: "write", nBytes: len(c.bytes), err: err}
	}()

	pendingWrites[c.handle] = &pendingWrite{reply: c.reply, deadline: c.deadline}
	if !c.deadline.IsZero() {
		heap.Push(dq, &deadlineEntry{handle: c.handle, op: "write", deadline: c.deadline})
	}
}

func (m *Mux) handleRead(sockets map[Handle]*socket, pendingReads map[Handle]*pendingRead, dq *deadlineQueue, c cmdRead) {
	s, ok := sockets[c.handle]
	if !ok || s.closed {
		c.reply <- readReply{err: pmerr.New(pmerr.Shutdown, "socket is closed")}
		return
	}

	h := c.handle
	max := c.maxBytes
	go func() {
		buf := make([]byte, max)
		switch s.kind {
		case KindUDP:
			n, addr, err := s.packetConn.ReadFrom(buf)
			m.result <- ioResult{handle: h, kind: "read", data: buf[:n], addr: addr, err: err}
		case KindTCP:
			n, err := s.conn.Read(buf)
			m.result <- ioResult{handle: h, kind: "read", data: buf[:n], addr: s.remoteAddr, err: err}
		}
	}()

	pendingReads[c.handle] = &pendingRead{reply: c.reply, deadline: c.deadline}
	if !c.deadline.IsZero() {
		heap.Push(dq, &deadlineEntry{handle: c.handle, op: "read", deadline: c.deadline})
	}
}

func (m *Mux) handleClose(sockets map[Handle]*socket, h Handle) {
	s, ok := sockets[h]
	if !ok {
		return
	}
	s.closed = true
	if s.conn != nil {
		s.conn.Close()
	}
	if s.packetConn != nil {
		s.packetConn.Close()
	}
	delete(sockets, h)
	log.Debugf("socket %d closed", h)
}

func (m *Mux) handleLocalAddr(sockets map[Handle]*socket, c cmdLocalAddr) {
	s, ok := sockets[c.handle]
	if !ok {
		c.reply <- localAddrReply{err: pmerr.New(pmerr.Shutdown, "socket is closed")}
		return
	}
	c.reply <- localAddrReply{addr: s.localAddr}
}

func (m *Mux) handleGetLocalIPs(c cmdGetLocalIPs) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		c.reply <- localIPsReply{err: pmerr.Wrap(pmerr.Unreachable, err)}
		return
	}
	var ips []net.IP
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		ips = append(ips, ipnet.IP)
	}
	c.reply <- localIPsReply{ips: ips}
}

func (m *Mux) handleKill(sockets map[Handle]*socket, pendingReads map[Handle]*pendingRead, pendingWrites map[Handle]*pendingWrite) {
	log.Infof("mux shutting down: %d open sockets, %d pending reads, %d pending writes", len(sockets), len(pendingReads), len(pendingWrites))
	for h, s := range sockets {
		s.closed = true
		if s.conn != nil {
			s.conn.Close()
		}
		if s.packetConn != nil {
			s.packetConn.Close()
		}
		delete(sockets, h)
	}
	for h, p := range pendingReads {
		p.reply <- readReply{err: pmerr.New(pmerr.Shutdown, "mux killed")}
		delete(pendingReads, h)
	}
	for h, p := range pendingWrites {
		p.reply <- pmerr.New(pmerr.Shutdown, "mux killed")
		delete(pendingWrites, h)
	}
	close(m.done)
}

func (m *Mux) handleIOResult(sockets map[Handle]*socket, pendingReads map[Handle]*pendingRead, pendingWrites map[Handle]*pendingWrite, dq *deadlineQueue, res ioResult) {
	switch res.kind {
	case "read":
		p, ok := pendingReads[res.handle]
		if !ok {
			// Deadline already fired and consumed the slot; discard per
			// spec.md §5 ("no reply delivered after a timeout is consumed").
			return
		}
		delete(pendingReads, res.handle)
		dq.removeFor(res.handle, "read")
		var err error
		if res.err != nil {
			err = classifyIOErr(res.err)
		}
		p.reply <- readReply{data: res.data, remoteAddr: res.addr, err: err}

	case "write":
		if s, ok := sockets[res.handle]; ok {
			s.sendBuffered -= res.nBytes
			if s.sendBuffered < 0 {
				s.sendBuffered = 0
			}
		}
		p, ok := pendingWrites[res.handle]
		if !ok {
			return
		}
		delete(pendingWrites, res.handle)
		dq.removeFor(res.handle, "write")
		var err error
		if res.err != nil {
			err = classifyIOErr(res.err)
		}
		p.reply <- err
	}
}

func classifyIOErr(err error) error {
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return pmerr.New(pmerr.Timeout, "socket operation timed out")
	}
	return pmerr.Wrap(pmerr.ConnectionReset, err)
}

func (m *Mux) expireDeadlines(dq *deadlineQueue, pendingReads map[Handle]*pendingRead, pendingWrites map[Handle]*pendingWrite) {
	now := time.Now()
	for dq.Len() > 0 && !(*dq)[0].deadline.After(now) {
		e := heap.Pop(dq).(*deadlineEntry)
		switch e.op {
		case "read":
			if p, ok := pendingReads[e.handle]; ok {
				delete(pendingReads, e.handle)
				log.Debugf("read on socket %d timed out", e.handle)
				p.reply <- readReply{err: pmerr.New(pmerr.Timeout, "read deadline exceeded")}
			}
		case "write":
			if p, ok := pendingWrites[e.handle]; ok {
				delete(pendingWrites, e.handle)
				log.Debugf("write on socket %d timed out", e.handle)
				p.reply <- pmerr.New(pmerr.Timeout, "write deadline exceeded")
			}
		}
	}
}

// --- deadline min-heap (spec.md §5: "fires timeouts from a min-heap") --

type deadlineEntry struct {
	handle   Handle
	op       string
	deadline time.Time
}

type deadlineQueue []*deadlineEntry

func (q deadlineQueue) Len() int            { return len(q) }
func (q deadlineQueue) Less(i, j int) bool  { return q[i].deadline.Before(q[j].deadline) }
func (q deadlineQueue) Swap(i, j int)       { q[i], q[j] = q[j], q[i] }
func (q *deadlineQueue) Push(x interface{}) { *q = append(*q, x.(*deadlineEntry)) }
func (q *deadlineQueue) Pop() interface{} {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}

func (q *deadlineQueue) removeFor(h Handle, op string) {
	for i, e := range *q {
		if e.handle == h && e.op == op {
			heap.Remove(q, i)
			return
		}
	}
}
