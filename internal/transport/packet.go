package transport

import (
	"encoding/binary"

	"github.com/lumenvm/tsi-proxy/internal/wire"
)

// headerSize is the fixed virtio-vsock packet header: src_cid(8)
// dst_cid(8) src_port(4) dst_port(4) len(4) type(2) op(2) flags(4)
// buf_alloc(4) fwd_cnt(4).
const headerSize = 44

const maxPacketSize = headerSize + 64*1024

// packet is a single framed vsock exchange: a fixed header followed
// by up to maxPacketSize-headerSize bytes of payload. The same struct
// backs both wire.InboundPacket and wire.OutboundPacket — a packet
// read off the wire is inbound, a freshly zeroed one handed to the
// encoder is outbound.
type packet struct {
	buf [maxPacketSize]byte
	n   int // payload length currently valid in buf[headerSize:]
}

func (p *packet) reset() {
	for i := range p.buf[:headerSize] {
		p.buf[i] = 0
	}

	p.n = 0
}

func (p *packet) SrcCID() uint64  { return binary.LittleEndian.Uint64(p.buf[0:8]) }
func (p *packet) DstCID() uint64  { return binary.LittleEndian.Uint64(p.buf[8:16]) }
func (p *packet) SrcPort() uint32 { return binary.LittleEndian.Uint32(p.buf[16:20]) }
func (p *packet) DstPort() uint32 { return binary.LittleEndian.Uint32(p.buf[20:24]) }
func (p *packet) payloadLen() uint32 {
	return binary.LittleEndian.Uint32(p.buf[24:28])
}
func (p *packet) Type() uint16     { return binary.LittleEndian.Uint16(p.buf[28:30]) }
func (p *packet) Op() uint16       { return binary.LittleEndian.Uint16(p.buf[30:32]) }
func (p *packet) BufAlloc() uint32 { return binary.LittleEndian.Uint32(p.buf[36:40]) }
func (p *packet) FwdCnt() uint32   { return binary.LittleEndian.Uint32(p.buf[40:44]) }

func (p *packet) DataSlice() []byte {
	n := p.payloadLen()
	if n == 0 {
		return nil
	}

	return p.buf[headerSize : headerSize+n]
}

func (p *packet) SetSrcCID(v uint64)  { binary.LittleEndian.PutUint64(p.buf[0:8], v) }
func (p *packet) SetDstCID(v uint64)  { binary.LittleEndian.PutUint64(p.buf[8:16], v) }
func (p *packet) SetSrcPort(v uint32) { binary.LittleEndian.PutUint32(p.buf[16:20], v) }
func (p *packet) SetDstPort(v uint32) { binary.LittleEndian.PutUint32(p.buf[20:24], v) }
func (p *packet) SetType(v uint16)    { binary.LittleEndian.PutUint16(p.buf[28:30], v) }
func (p *packet) SetOp(v uint16)      { binary.LittleEndian.PutUint16(p.buf[30:32], v) }
func (p *packet) SetBufAlloc(v uint32) {
	binary.LittleEndian.PutUint32(p.buf[36:40], v)
}
func (p *packet) SetFwdCnt(v uint32) { binary.LittleEndian.PutUint32(p.buf[40:44], v) }

func (p *packet) DataBuf() []byte {
	return p.buf[headerSize:]
}

func (p *packet) SetLen(n int) {
	p.n = n
	binary.LittleEndian.PutUint32(p.buf[24:28], uint32(n))
}

var (
	_ wire.InboundPacket  = (*packet)(nil)
	_ wire.OutboundPacket = (*packet)(nil)
)
