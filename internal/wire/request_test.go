package wire_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lumenvm/tsi-proxy/internal/wire"
)

func TestDecodeProxyCreate(t *testing.T) {
	d := wire.NewRequestDecoder()

	pkt := &fakePacket{dstPort: wire.PortProxyCreate, srcPort: 9000}
	pkt.SetLen(0)
	payload := pkt.DataBuf()
	var c wire.ByteCodec
	require.NoError(t, c.WriteU32LE(payload, 0, 42))
	require.NoError(t, c.WriteU16LE(payload, 4, wire.SockStream))
	pkt.SetLen(6)

	req, err := d.Decode(pkt)
	require.NoError(t, err)
	require.Equal(t, wire.KindProxyCreate, req.Kind)
	require.Equal(t, uint32(42), req.ProxyCreate.PeerPort)
	require.Equal(t, wire.SockStream, req.ProxyCreate.Type)
}

func TestDecodeConnectPortIsBigEndian(t *testing.T) {
	d := wire.NewRequestDecoder()

	pkt := &fakePacket{dstPort: wire.PortConnect}
	payload := pkt.DataBuf()
	var c wire.ByteCodec
	require.NoError(t, c.WriteU32LE(payload, 0, 7))
	require.NoError(t, c.WriteIPv4(payload, 4, [4]byte{192, 168, 1, 1}))
	payload[8], payload[9] = 0x01, 0xbb // port 443, big-endian
	pkt.SetLen(10)

	req, err := d.Decode(pkt)
	require.NoError(t, err)
	require.Equal(t, wire.KindConnect, req.Kind)
	require.Equal(t, uint16(443), req.Connect.Port)
	require.Equal(t, [4]byte{192, 168, 1, 1}, req.Connect.Addr)
}

func TestDecodeSendtoAddrPortIsLittleEndian(t *testing.T) {
	d := wire.NewRequestDecoder()

	pkt := &fakePacket{dstPort: wire.PortSendtoAddr}
	payload := pkt.DataBuf()
	var c wire.ByteCodec
	require.NoError(t, c.WriteU32LE(payload, 0, 7))
	require.NoError(t, c.WriteIPv4(payload, 4, [4]byte{8, 8, 8, 8}))
	require.NoError(t, c.WriteU16LE(payload, 8, 53))
	pkt.SetLen(10)

	req, err := d.Decode(pkt)
	require.NoError(t, err)
	require.Equal(t, uint16(53), req.SendtoAddr.Port)
}

func TestDecodeListenCorrectedLayout(t *testing.T) {
	d := wire.NewRequestDecoder()

	pkt := &fakePacket{dstPort: wire.PortListen}
	payload := pkt.DataBuf()
	var c wire.ByteCodec
	require.NoError(t, c.WriteU32LE(payload, 0, 7))
	require.NoError(t, c.WriteIPv4(payload, 4, [4]byte{0, 0, 0, 0}))
	payload[8], payload[9] = 0x1f, 0x90 // port 8080 big-endian at offset 8
	require.NoError(t, c.WriteU32LE(payload, 10, 5000))
	require.NoError(t, c.WriteI32LE(payload, 14, 128))
	pkt.SetLen(18)

	req, err := d.Decode(pkt)
	require.NoError(t, err)
	require.Equal(t, uint16(8080), req.Listen.Port)
	require.Equal(t, uint32(5000), req.Listen.VMPort)
	require.Equal(t, int32(128), req.Listen.Backlog)
}

func TestDecodeNonControlPortIsClassifiedByOp(t *testing.T) {
	d := wire.NewRequestDecoder()

	// 9999 is outside the reserved 1024..1031 range, so the packet is
	// decoded by its op field; op 0 matches no known opcode.
	pkt := &fakePacket{dstPort: 9999}
	pkt.SetLen(0)

	_, err := d.Decode(pkt)
	var unknown *wire.UnknownOpError
	require.ErrorAs(t, err, &unknown)
}

func TestDecodeControlPortMissingPayload(t *testing.T) {
	d := wire.NewRequestDecoder()

	pkt := &fakePacket{dstPort: wire.PortProxyCreate}

	_, err := d.Decode(pkt)
	require.ErrorIs(t, err, wire.ErrPktBufMissing)
}

func TestDecodeStreamOpResponse(t *testing.T) {
	d := wire.NewRequestDecoder()

	pkt := &fakePacket{dstPort: 50000, srcPort: 42, op: wire.OpResponse, bufAlloc: 8 << 20, fwdCnt: 100}

	req, err := d.Decode(pkt)
	require.NoError(t, err)
	require.Equal(t, wire.KindOpResponse, req.Kind)
	require.Equal(t, uint32(42), req.OpResponse.PeerPort)
	require.Equal(t, uint32(50000), req.OpResponse.LocalPort)
	require.Equal(t, uint32(100), req.OpResponse.FwdCnt)
}

func TestDecodeStreamOpRw(t *testing.T) {
	d := wire.NewRequestDecoder()

	pkt := &fakePacket{dstPort: 50000, srcPort: 42, op: wire.OpRw}
	pkt.SetLen(0)
	payload := pkt.DataBuf()
	copy(payload, []byte("hello"))
	pkt.SetLen(5)

	req, err := d.Decode(pkt)
	require.NoError(t, err)
	require.Equal(t, wire.KindSendMsg, req.Kind)
	require.Equal(t, []byte("hello"), req.SendMsg.Data)
}

func TestDecodeStreamOpReserved(t *testing.T) {
	d := wire.NewRequestDecoder()

	pkt := &fakePacket{dstPort: 50000, op: wire.OpRst}

	_, err := d.Decode(pkt)
	var reserved *wire.ReservedOpError
	require.ErrorAs(t, err, &reserved)
}

func TestDecodeStreamOpUnknown(t *testing.T) {
	d := wire.NewRequestDecoder()

	pkt := &fakePacket{dstPort: 50000, op: 99}

	_, err := d.Decode(pkt)
	var unknown *wire.UnknownOpError
	require.ErrorAs(t, err, &unknown)
}
