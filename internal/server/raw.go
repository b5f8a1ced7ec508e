package server

import (
	"net"
	"time"

	"dnstunneld/internal/rawmode"
	"dnstunneld/internal/session"
)

// handleRawDatagram dispatches a raw-mode datagram into the same slot the
// DNS path uses, grounded on the original's raw_decode()/handle_raw_*
// family (spec.md §6's raw-mode fast path).
func (s *Server) handleRawDatagram(dg inboundDatagram, hdr rawmode.Header, body []byte) {
	slot := s.table.BySlotID(hdr.SlotID)
	if slot == nil {
		return
	}
	switch hdr.Command {
	case rawmode.CmdLogin:
		s.handleRawLogin(dg, slot, body)
	case rawmode.CmdData:
		s.handleRawData(dg, slot, body)
	case rawmode.CmdPing:
		s.handleRawPing(dg, slot)
	}
}

// handleRawLogin verifies the client's hash of seed+1 and, on success,
// rebinds the slot's authenticated source to the raw socket's address and
// answers with a hash of seed-1, matching login_calculate()'s asymmetric
// challenge in the original.
func (s *Server) handleRawLogin(dg inboundDatagram, slot *session.Slot, body []byte) {
	if len(body) < 16 || !slot.Authenticated() {
		return
	}
	if s.cfg.CheckSourceIP && !slot.SourceMatches(dg.from) {
		return
	}
	expected := s.cfg.PasswordHash(slot.Seed + 1)
	if !hmacEqual(body[:16], expected) {
		return
	}
	slot.LastPkt = time.Now()
	slot.SourceAddr = dg.from
	slot.State = session.StateRawAuthenticated

	reply := s.cfg.PasswordHash(slot.Seed - 1)
	s.writeRaw(dg.conn, dg.from, rawmode.BuildLogin(slot.ID, reply))
}

// handleRawData delivers the packet straight to the virtual interface: raw
// mode is a direct, reliable UDP path and never goes through the
// window/fragment layer the DNS path needs for lossy resolver transport.
func (s *Server) handleRawData(dg inboundDatagram, slot *session.Slot, body []byte) {
	if slot.State != session.StateRawAuthenticated {
		return
	}
	if s.cfg.CheckSourceIP && !slot.SourceMatches(dg.from) {
		return
	}
	slot.LastPkt = time.Now()
	if s.tun != nil {
		if err := s.tun.WritePacket(body); err != nil {
			s.log.Debug().Err(err).Msg("raw data: tun write error")
		}
	}
}

// handleRawPing answers a raw-mode keepalive so the client can detect the
// fast path is still reachable.
func (s *Server) handleRawPing(dg inboundDatagram, slot *session.Slot) {
	if slot.State != session.StateRawAuthenticated {
		return
	}
	if s.cfg.CheckSourceIP && !slot.SourceMatches(dg.from) {
		return
	}
	slot.LastPkt = time.Now()
	s.writeRaw(dg.conn, dg.from, rawmode.BuildPing(slot.ID))
}

func (s *Server) writeRaw(conn pktConn, to net.Addr, b []byte) {
	if _, err := conn.WriteTo(b, to); err != nil {
		s.log.Debug().Err(err).Msg("failed to write raw reply")
	}
}

func hmacEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var diff byte
	for i := range a {
		diff |= a[i] ^ b[i]
	}
	return diff == 0
}
