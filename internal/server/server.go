// Package server wires the dispatcher, scheduler, user table, forwarding
// table, and virtual interface into the single-threaded event loop
// described in spec.md §2 and §5. Go has no raw select() over arbitrary
// file descriptors, so each descriptor gets its own reader goroutine that
// forwards inbound datagrams onto one shared channel; everything that
// touches session state still runs on a single goroutine, preserving the
// "no locking required" property spec.md §5 calls out.
package server

import (
	"context"
	"net"
	"time"

	"github.com/miekg/dns"
	"github.com/rs/zerolog"

	"dnstunneld/internal/dispatch"
	"dnstunneld/internal/forward"
	"dnstunneld/internal/rawmode"
	"dnstunneld/internal/schedule"
	"dnstunneld/internal/session"
	"dnstunneld/internal/tun"
	"dnstunneld/internal/wire"
)

// Listener pairs a listening socket with its address family so the server
// can recover the per-datagram destination address via ancillary control
// data (see packetconn.go) the way net.PacketConn's LocalAddr() cannot for
// a wildcard bind.
type Listener struct {
	Conn   net.PacketConn
	Family string // "udp4" or "udp6"
}

// inboundDatagram is one packet read off a listening socket, tagged with
// which one so replies go back out the same path.
type inboundDatagram struct {
	data []byte
	from net.Addr
	dst  net.IP
	conn pktConn
}

// Config bundles the operational parameters needed to run a Server.
type Config struct {
	ParentLabel   string
	CheckSourceIP bool
	AdvertisedIP  net.IP
	Netmask       *net.IPNet
	TunnelBase    net.IP
	MTU           int
	PasswordHash  func(seed uint32) []byte
	ForwardAddr   string // sibling resolver, "" disables forwarding
	IdleTimeout   time.Duration
}

// Server owns every piece of process-global state spec.md §5 calls out:
// the user table and the DNS sockets. Single-threaded access is enforced
// by only ever touching them from Run's loop goroutine.
type Server struct {
	cfg        Config
	dispatcher *dispatch.Dispatcher
	table      *session.Table
	fwd        *forward.Table
	tun        tun.Device
	log        zerolog.Logger

	conns        []pktConn
	connFamilies []string // "udp4"/"udp6", parallel to conns
	inbound      chan inboundDatagram
	lastPkt      time.Time

	fwdConn    net.PacketConn
	fwdAddr    net.Addr
	fwdReplies chan []byte
}

// New builds a Server ready to Run against the given listening sockets.
func New(cfg Config, listeners []Listener, device tun.Device, log zerolog.Logger) *Server {
	table := session.NewTable(8, 1184)
	conns := make([]pktConn, len(listeners))
	families := make([]string, len(listeners))
	for i, l := range listeners {
		if l.Family == "udp6" {
			conns[i] = newIPv6PktConn(l.Conn)
			families[i] = "udp6"
		} else {
			conns[i] = newIPv4PktConn(l.Conn)
			families[i] = "udp4"
		}
	}
	s := &Server{
		cfg:          cfg,
		table:        table,
		fwd:          forward.New(forward.DefaultTTL),
		tun:          device,
		log:          log,
		conns:        conns,
		connFamilies: families,
		inbound:      make(chan inboundDatagram, 256),
		lastPkt:      time.Now(),
	}
	s.dispatcher = &dispatch.Dispatcher{
		ParentLabel:   cfg.ParentLabel,
		Table:         table,
		CheckSourceIP: cfg.CheckSourceIP,
		AdvertisedIP:  cfg.AdvertisedIP,
		Netmask:       cfg.Netmask,
		TunnelBase:    cfg.TunnelBase,
		MTU:           cfg.MTU,
		PasswordHash:  cfg.PasswordHash,
		Log:           log,
	}
	if cfg.ForwardAddr != "" {
		if raddr, err := net.ResolveUDPAddr("udp", cfg.ForwardAddr); err != nil {
			log.Warn().Err(err).Str("forward-addr", cfg.ForwardAddr).Msg("invalid forward address, forwarding disabled")
		} else if fc, err := net.ListenPacket("udp", ":0"); err != nil {
			log.Warn().Err(err).Msg("failed to open forwarding socket, forwarding disabled")
		} else {
			s.fwdConn = fc
			s.fwdAddr = raddr
			s.fwdReplies = make(chan []byte, 64)
		}
	}
	return s
}

// Run drains ready descriptors and flushes eligible answers until ctx is
// cancelled, mirroring spec.md §2's per-iteration loop: compute deadline,
// wait, drain, flush.
func (s *Server) Run(ctx context.Context) error {
	for _, c := range s.conns {
		go s.readLoop(ctx, c)
	}
	if s.fwdConn != nil {
		go s.forwardReadLoop(ctx)
	}

	for {
		answers, deadline := schedule.Tick(time.Now(), s.table.All())
		for _, a := range answers {
			s.emit(a)
		}
		s.drainVirtualInterface()

		timer := time.NewTimer(deadline)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case dg := <-s.inbound:
			timer.Stop()
			s.lastPkt = time.Now()
			s.handleDatagram(dg)
		case b := <-s.fwdReplies:
			timer.Stop()
			s.handleForwardedReply(b)
		case <-timer.C:
			if s.cfg.IdleTimeout > 0 && time.Since(s.lastPkt) > s.cfg.IdleTimeout {
				s.log.Warn().Msg("idle timeout exceeded, shutting down")
				return nil
			}
		}
	}
}

// readLoop is the only code that reads from c; it never mutates
// session state, so it needs no synchronization with the main loop beyond
// the channel handoff.
func (s *Server) readLoop(ctx context.Context, c pktConn) {
	buf := make([]byte, 2048)
	for {
		c.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		n, addr, dst, err := c.ReadFromWithDst(buf)
		select {
		case <-ctx.Done():
			return
		default:
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			s.log.Debug().Err(err).Msg("readLoop: read error")
			continue
		}
		cp := make([]byte, n)
		copy(cp, buf[:n])
		select {
		case s.inbound <- inboundDatagram{data: cp, from: addr, dst: dst, conn: c}:
		case <-ctx.Done():
			return
		}
	}
}

// forwardReadLoop drains replies relayed back by the sibling resolver on
// the dedicated forwarding socket (spec.md §3's forwarded-query table;
// mirrors the original's tunnel_bind()).
func (s *Server) forwardReadLoop(ctx context.Context) {
	buf := make([]byte, 2048)
	for {
		s.fwdConn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		n, _, err := s.fwdConn.ReadFrom(buf)
		select {
		case <-ctx.Done():
			return
		default:
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			s.log.Debug().Err(err).Msg("forwardReadLoop: read error")
			continue
		}
		cp := make([]byte, n)
		copy(cp, buf[:n])
		select {
		case s.fwdReplies <- cp:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) handleDatagram(dg inboundDatagram) {
	if hdr, body, ok := rawmode.Parse(dg.data); ok {
		s.handleRawDatagram(dg, hdr, body)
		return
	}

	msg := new(dns.Msg)
	if err := msg.Unpack(dg.data); err != nil {
		s.log.Debug().Err(err).Msg("dropping unparseable datagram")
		return
	}
	var dst net.Addr
	if dg.dst != nil {
		dst = &net.UDPAddr{IP: dg.dst}
	}
	q, ok := wire.DecodeQuery(msg, dg.from, dst, time.Now())
	if !ok {
		return
	}

	res := s.dispatcher.Handle(q)
	switch res.Action {
	case dispatch.ActionReply:
		s.writeReply(dg.conn, dg.from, res.Reply)
	case dispatch.ActionForward:
		s.forwardQuery(dg, q)
	case dispatch.ActionParked, dispatch.ActionDrop:
		// Nothing to send now; the scheduler will answer a parked query
		// on a later tick, per spec.md §4.5.
	}
}

// handleForwardedReply matches a reply read off the forwarding socket back
// to its original requester and relays it verbatim, consuming the
// forwarded-query table entry exactly once.
func (s *Server) handleForwardedReply(b []byte) {
	msg := new(dns.Msg)
	if err := msg.Unpack(b); err != nil {
		s.log.Debug().Err(err).Msg("dropping unparseable forwarded reply")
		return
	}
	entry, ok := s.fwd.Take(msg.Id)
	if !ok {
		s.log.Debug().Uint16("id", msg.Id).Msg("lost sender for forwarded reply, dropping")
		return
	}
	conn := s.clientConnFor(entry.Requester)
	if conn == nil {
		return
	}
	if _, err := conn.WriteTo(b, entry.Requester); err != nil {
		s.log.Debug().Err(err).Msg("failed to relay forwarded reply")
	}
}

// clientConnFor picks the listening socket matching requester's address
// family, mirroring the original's get_dns_fd().
func (s *Server) clientConnFor(requester net.Addr) net.PacketConn {
	wantV6 := false
	if u, ok := requester.(*net.UDPAddr); ok {
		wantV6 = u.IP != nil && u.IP.To4() == nil
	}
	for i, fam := range s.connFamilies {
		if (fam == "udp6") == wantV6 {
			return s.conns[i]
		}
	}
	if len(s.conns) > 0 {
		return s.conns[0]
	}
	return nil
}

func (s *Server) emit(a schedule.Answerable) {
	msg := s.frameToAnswer(a)
	a.Slot.DNSCache.Save(a.Query.ID, a.Query.Type, a.Query.Name, packOrNil(msg))
	conn := s.connFor(a.Slot)
	if conn != nil {
		s.writeReply(conn, a.Query.From, msg)
	}
}

func (s *Server) frameToAnswer(a schedule.Answerable) *dns.Msg {
	payload := framePayload(a.Frame)
	return wire.BuildAnswer(a.Query, payload, a.Slot.DownstreamCodec, a.Slot.CMC, s.cfg.ParentLabel)
}

// framePayload packs the 3-byte downstream header (plus the 4-byte ping
// extension when present) ahead of the fragment data, per spec.md §6.
func framePayload(f schedule.Frame) []byte {
	out := []byte{f.SeqID, f.Ack, f.Flags}
	if f.Flags&(1<<5) != 0 { // ping bit
		out = append(out, f.PingExtra[:]...)
	}
	out = append(out, f.Data...)
	return out
}

func packOrNil(msg *dns.Msg) []byte {
	b, err := msg.Pack()
	if err != nil {
		return nil
	}
	return b
}

func (s *Server) connFor(slot *session.Slot) net.PacketConn {
	if len(s.conns) == 0 {
		return nil
	}
	return s.conns[0]
}

func (s *Server) writeReply(conn net.PacketConn, to net.Addr, msg *dns.Msg) {
	if msg == nil {
		return
	}
	b, err := msg.Pack()
	if err != nil {
		s.log.Debug().Err(err).Msg("failed to pack reply")
		return
	}
	if _, err := conn.WriteTo(b, to); err != nil {
		s.log.Debug().Err(err).Msg("failed to write reply")
	}
}

// forwardQuery relays a non-tunnel query to the sibling resolver over the
// persistent forwarding socket, remembering the original requester so
// handleForwardedReply can route the eventual reply back (spec.md §3).
func (s *Server) forwardQuery(dg inboundDatagram, q *wire.Query) {
	if s.fwdConn == nil {
		return
	}
	s.fwd.Put(q.ID, q.ID, dg.from)
	if _, err := s.fwdConn.WriteTo(dg.data, s.fwdAddr); err != nil {
		s.log.Debug().Err(err).Msg("forward write failed")
	}
}

// drainVirtualInterface reads any IP datagrams the kernel has queued on
// the tunnel device, routes each by destination tunnel IP, and enqueues
// it into that user's outgoing window (spec.md §2 data flow, scenario 6).
func (s *Server) drainVirtualInterface() {
	if s.tun == nil {
		return
	}
	for {
		b, err := s.tun.ReadPacket()
		if err != nil {
			s.log.Debug().Err(err).Msg("tun read error")
			return
		}
		if b == nil {
			return
		}
		dst := destinationIPv4(b)
		if dst == nil {
			continue
		}
		slot := s.table.ByTunnelIP(dst)
		if slot == nil {
			continue
		}
		if slot.State == session.StateRawAuthenticated {
			s.sendRawData(slot, b)
			continue
		}
		if !slot.Outgoing.AddOutgoing(b, slot.Compression) {
			s.log.Debug().Int("slot", slot.ID).Msg("outgoing window full, dropping datagram")
		}
	}
}

// sendRawData writes a tunnel datagram straight to a raw-authenticated
// client, bypassing the window/codec layers the DNS path needs, matching
// user_send_data()'s CONN_RAW_UDP branch in the original.
func (s *Server) sendRawData(slot *session.Slot, payload []byte) {
	if slot.SourceAddr == nil {
		return
	}
	conn := s.connFor(slot)
	if conn == nil {
		return
	}
	if _, err := conn.WriteTo(rawmode.BuildData(slot.ID, payload), slot.SourceAddr); err != nil {
		s.log.Debug().Err(err).Msg("raw data: write error")
	}
}

// destinationIPv4 reads the destination address out of an IPv4 header
// without needing a full packet-parsing dependency.
func destinationIPv4(b []byte) net.IP {
	if len(b) < 20 || b[0]>>4 != 4 {
		return nil
	}
	return net.IPv4(b[16], b[17], b[18], b[19])
}
