package tun

// MemDevice is an in-memory Device used in tests and on platforms with no
// native TUN support, spoofing the interface the same way VirtualConn
// spoofs net.PacketConn for a transport it doesn't natively speak.
type MemDevice struct {
	name    string
	inbound chan []byte
	written chan []byte
}

// NewMemDevice creates a loopback-style in-memory device: packets written
// via WritePacket land on the Written channel for a test to observe, and
// packets queued via Inject become readable via ReadPacket.
func NewMemDevice(name string) *MemDevice {
	return &MemDevice{
		name:    name,
		inbound: make(chan []byte, 64),
		written: make(chan []byte, 64),
	}
}

// Inject simulates the kernel delivering an IP datagram to the device.
func (m *MemDevice) Inject(b []byte) {
	m.inbound <- b
}

// Written exposes packets the tunnel wrote out, for test assertions.
func (m *MemDevice) Written() <-chan []byte { return m.written }

func (m *MemDevice) ReadPacket() ([]byte, error) {
	select {
	case b := <-m.inbound:
		return b, nil
	default:
		return nil, nil
	}
}

func (m *MemDevice) WritePacket(b []byte) error {
	cp := make([]byte, len(b))
	copy(cp, b)
	m.written <- cp
	return nil
}

func (m *MemDevice) Name() string { return m.name }

func (m *MemDevice) Close() error {
	close(m.inbound)
	close(m.written)
	return nil
}
