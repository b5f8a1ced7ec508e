// Package tun defines the virtual network interface boundary spec.md §1
// names as an external collaborator: reading/writing raw IP datagrams to
// and from the tunnel's local network device.
package tun

import "net"

// Device is the minimum surface the server core needs from a virtual
// network interface: non-blocking datagram read/write, mirroring how
// VirtualConn spoofs net.PacketConn for its own downstream transport.
type Device interface {
	// ReadPacket returns the next IP datagram written by the kernel into
	// the device, or (nil, nil) if none is ready (non-blocking per
	// spec.md §5).
	ReadPacket() ([]byte, error)
	// WritePacket injects an IP datagram into the device for kernel
	// delivery to the local network stack.
	WritePacket(b []byte) error
	// Name reports the device's interface name.
	Name() string
	Close() error
}

// Config describes how to bring a tunnel interface up.
type Config struct {
	Name    string
	LocalIP net.IP
	Netmask net.IPMask
	MTU     int
}
