package server

import (
	"net"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// pktConn wraps a listening socket so the per-datagram destination address
// can be recovered from ancillary control data (IP_PKTINFO / IPV6_PKTINFO),
// matching the original's recvmsg()-based destination recovery (spec.md
// §3) instead of the wildcard address net.PacketConn.LocalAddr() reports
// for a ":53"-style bind.
type pktConn interface {
	net.PacketConn
	ReadFromWithDst(b []byte) (n int, from net.Addr, dst net.IP, err error)
}

type ipv4PktConn struct {
	net.PacketConn
	p *ipv4.PacketConn
}

// newIPv4PktConn wraps c for a socket bound to udp4; control messages are
// best-effort, since not every platform supports IP_PKTINFO.
func newIPv4PktConn(c net.PacketConn) pktConn {
	p := ipv4.NewPacketConn(c)
	_ = p.SetControlMessage(ipv4.FlagDst, true)
	return &ipv4PktConn{PacketConn: c, p: p}
}

func (c *ipv4PktConn) ReadFromWithDst(b []byte) (int, net.Addr, net.IP, error) {
	n, cm, from, err := c.p.ReadFrom(b)
	if err != nil {
		return n, from, nil, err
	}
	var dst net.IP
	if cm != nil {
		dst = cm.Dst
	}
	return n, from, dst, nil
}

type ipv6PktConn struct {
	net.PacketConn
	p *ipv6.PacketConn
}

// newIPv6PktConn wraps c for a socket bound to udp6.
func newIPv6PktConn(c net.PacketConn) pktConn {
	p := ipv6.NewPacketConn(c)
	_ = p.SetControlMessage(ipv6.FlagDst, true)
	return &ipv6PktConn{PacketConn: c, p: p}
}

func (c *ipv6PktConn) ReadFromWithDst(b []byte) (int, net.Addr, net.IP, error) {
	n, cm, from, err := c.p.ReadFrom(b)
	if err != nil {
		return n, from, nil, err
	}
	var dst net.IP
	if cm != nil {
		dst = cm.Dst
	}
	return n, from, dst, nil
}
