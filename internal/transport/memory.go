package transport

import "github.com/lumenvm/tsi-proxy/internal/wire"

// Memory is an in-process transport for tests: inbound packets are
// queued by the test via Push, and every released outbound packet is
// captured (as a decoded snapshot) for assertion via Sent.
type Memory struct {
	pending []*packet
	sent    []packet
	out     packet
}

// NewMemory returns an empty in-memory transport.
func NewMemory() *Memory {
	return &Memory{}
}

// Inbound is a standalone mutable packet a test can build up via
// the setter methods before handing it to Push.
type Inbound struct {
	packet
}

// NewInbound returns a zeroed packet a test can populate with
// SetSrcCID/SetSrcPort/etc. before calling Push.
func NewInbound() *Inbound {
	return &Inbound{}
}

func (m *Memory) Push(p *Inbound) {
	m.pending = append(m.pending, &p.packet)
}

// ReadInbound pops the next queued packet, or ok=false when empty.
func (m *Memory) ReadInbound() (wire.InboundPacket, bool) {
	if len(m.pending) == 0 {
		return nil, false
	}

	p := m.pending[0]
	m.pending = m.pending[1:]

	return p, true
}

func (m *Memory) AcquireOutbound() (wire.OutboundPacket, error) {
	m.out.reset()
	return &m.out, nil
}

func (m *Memory) ReleaseOutbound(p wire.OutboundPacket) error {
	pk, ok := p.(*packet)
	if !ok {
		return nil
	}

	m.sent = append(m.sent, *pk)

	return nil
}

// Sent returns every outbound packet released so far, in order.
func (m *Memory) Sent() []wire.InboundPacket {
	out := make([]wire.InboundPacket, len(m.sent))
	for i := range m.sent {
		out[i] = &m.sent[i]
	}

	return out
}
