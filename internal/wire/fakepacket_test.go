package wire_test

import "github.com/lumenvm/tsi-proxy/internal/wire"

var (
	_ wire.InboundPacket  = (*fakePacket)(nil)
	_ wire.OutboundPacket = (*fakePacket)(nil)
)

// fakePacket is a minimal, test-only implementation of
// wire.InboundPacket/OutboundPacket used to exercise the decoder and
// encoder without a real transport.
type fakePacket struct {
	srcCID, dstCID     uint64
	srcPort, dstPort   uint32
	op, typ            uint16
	bufAlloc, fwdCnt   uint32
	data               []byte
}

func (p *fakePacket) SrcCID() uint64    { return p.srcCID }
func (p *fakePacket) DstCID() uint64    { return p.dstCID }
func (p *fakePacket) SrcPort() uint32   { return p.srcPort }
func (p *fakePacket) DstPort() uint32   { return p.dstPort }
func (p *fakePacket) Op() uint16        { return p.op }
func (p *fakePacket) Type() uint16      { return p.typ }
func (p *fakePacket) BufAlloc() uint32  { return p.bufAlloc }
func (p *fakePacket) FwdCnt() uint32    { return p.fwdCnt }
func (p *fakePacket) DataSlice() []byte { return p.data }

func (p *fakePacket) SetSrcCID(v uint64)  { p.srcCID = v }
func (p *fakePacket) SetDstCID(v uint64)  { p.dstCID = v }
func (p *fakePacket) SetSrcPort(v uint32) { p.srcPort = v }
func (p *fakePacket) SetDstPort(v uint32) { p.dstPort = v }
func (p *fakePacket) SetOp(v uint16)      { p.op = v }
func (p *fakePacket) SetType(v uint16)    { p.typ = v }
func (p *fakePacket) SetBufAlloc(v uint32) { p.bufAlloc = v }
func (p *fakePacket) SetFwdCnt(v uint32)  { p.fwdCnt = v }

func (p *fakePacket) DataBuf() []byte { return p.buf() }
func (p *fakePacket) SetLen(n int)    { p.data = p.buf()[:n] }

// buf lazily grows a backing array big enough for any test payload.
func (p *fakePacket) buf() []byte {
	if cap(p.data) < 64 {
		grown := make([]byte, 64)
		copy(grown, p.data)
		p.data = grown[:len(p.data)]
	}

	return p.data[:cap(p.data)]
}
