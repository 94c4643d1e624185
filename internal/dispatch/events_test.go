package dispatch_test

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/lumenvm/tsi-proxy/internal/dispatch"
	"github.com/lumenvm/tsi-proxy/internal/proxy"
	"github.com/lumenvm/tsi-proxy/internal/transport"
	"github.com/lumenvm/tsi-proxy/internal/wire"
)

func TestHandleHostEventDrainsIncomingDataToRw(t *testing.T) {
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	peerConn := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		require.NoError(t, err)
		peerConn <- c
	}()

	d, mem := newDispatcher()

	create := transport.NewInbound()
	create.SetDstPort(wire.PortProxyCreate)
	create.SetSrcPort(11)
	var c wire.ByteCodec
	require.NoError(t, c.WriteU32LE(create.DataBuf(), 0, 900))
	require.NoError(t, c.WriteU16LE(create.DataBuf(), 4, wire.SockStream))
	create.SetLen(6)
	mem.Push(create)
	pkt, _ := mem.ReadInbound()
	require.NoError(t, d.HandleRequest(pkt))

	tcpAddr := ln.Addr().(*net.TCPAddr)

	var addr [4]byte
	copy(addr[:], tcpAddr.IP.To4())

	connect := transport.NewInbound()
	connect.SetDstPort(wire.PortConnect)
	connect.SetSrcPort(11)
	require.NoError(t, c.WriteU32LE(connect.DataBuf(), 0, 900))
	require.NoError(t, c.WriteIPv4(connect.DataBuf(), 4, addr))
	connect.DataBuf()[8] = byte(tcpAddr.Port >> 8)
	connect.DataBuf()[9] = byte(tcpAddr.Port)
	connect.SetLen(10)
	mem.Push(connect)
	pkt, _ = mem.ReadInbound()
	require.NoError(t, d.HandleRequest(pkt))

	conn := <-peerConn
	defer conn.Close()

	require.Eventually(t, func() bool {
		snap := d.Snapshot()
		for _, status := range snap {
			if status == proxy.StatusConnected {
				return true
			}
		}

		return false
	}, 2*time.Second, 5*time.Millisecond)

	d.DrainResponses() // flush the ConnectResult reply before the part under test

	_, err = conn.Write([]byte("greetings"))
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)

	var id proxy.ID
	for pid := range d.Snapshot() {
		id = pid
	}

	d.HandleHostEvent(id, true, false)
	d.DrainResponses()

	sent := mem.Sent()
	require.Len(t, sent, 2)
	require.Equal(t, wire.OpRw, sent[1].Op())
	require.Equal(t, "greetings", string(sent[1].DataSlice()))
}

// TestHandleHostEventDrivesAcceptRoundTrip exercises a Listen proxy
// end to end: CheckAccept's EWOULDBLOCK and parked paths with nothing
// pending, a real host accept triggered via HandleHostEvent, and a
// final guest Accept that consumes the resulting pending_accepts.
func TestHandleHostEventDrivesAcceptRoundTrip(t *testing.T) {
	d, mem := newDispatcher()
	var c wire.ByteCodec

	create := transport.NewInbound()
	create.SetDstPort(wire.PortProxyCreate)
	create.SetSrcPort(21)
	require.NoError(t, c.WriteU32LE(create.DataBuf(), 0, 500))
	require.NoError(t, c.WriteU16LE(create.DataBuf(), 4, wire.SockStream))
	create.SetLen(6)
	mem.Push(create)
	pkt, _ := mem.ReadInbound()
	require.NoError(t, d.HandleRequest(pkt))

	// Discover a free loopback port by briefly binding to :0.
	probe, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	port := probe.Addr().(*net.TCPAddr).Port
	require.NoError(t, probe.Close())

	listen := transport.NewInbound()
	listen.SetDstPort(wire.PortListen)
	listen.SetSrcPort(21)
	require.NoError(t, c.WriteU32LE(listen.DataBuf(), 0, 500))
	require.NoError(t, c.WriteIPv4(listen.DataBuf(), 4, [4]byte{127, 0, 0, 1}))
	listen.DataBuf()[8] = byte(port >> 8)
	listen.DataBuf()[9] = byte(port)
	require.NoError(t, c.WriteU32LE(listen.DataBuf(), 10, 0))
	require.NoError(t, c.WriteI32LE(listen.DataBuf(), 14, 4))
	listen.SetLen(18)
	mem.Push(listen)
	pkt, _ = mem.ReadInbound()
	require.NoError(t, d.HandleRequest(pkt))

	var listenerID proxy.ID
	for id := range d.Snapshot() {
		listenerID = id
	}

	buildAccept := func(flags uint32) *transport.Inbound {
		req := transport.NewInbound()
		req.SetDstPort(wire.PortAccept)
		req.SetSrcPort(21)
		require.NoError(t, c.WriteU32LE(req.DataBuf(), 0, 500))
		require.NoError(t, c.WriteU32LE(req.DataBuf(), 4, flags))
		req.SetLen(8)

		return req
	}

	// Nothing pending yet: nonblocking Accept reports EWOULDBLOCK.
	mem.Push(buildAccept(proxy.SockNonblock))
	pkt, _ = mem.ReadInbound()
	require.NoError(t, d.HandleRequest(pkt))
	d.DrainResponses()

	sent := mem.Sent()
	require.Len(t, sent, 2) // ListenResult, then this AcceptResult
	result, err := c.ReadI32LE(sent[1].DataSlice(), 4)
	require.NoError(t, err)
	require.Equal(t, -int32(unix.EWOULDBLOCK), result)

	// Still nothing pending: a blocking Accept parks and emits nothing.
	mem.Push(buildAccept(0))
	pkt, _ = mem.ReadInbound()
	require.NoError(t, d.HandleRequest(pkt))
	d.DrainResponses()
	require.Len(t, mem.Sent(), 2, "a parked accept with nothing pending emits no response")

	// A real connection arrives; driving the listener's readiness must
	// accept it under a fresh ID distinct from the listener's own.
	dialErr := make(chan error, 1)
	dialConn := make(chan *net.TCPConn, 1)
	go func() {
		conn, err := net.DialTCP("tcp4", nil, &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port})
		dialErr <- err
		if err == nil {
			dialConn <- conn
		}
	}()

	require.Eventually(t, func() bool {
		d.HandleHostEvent(listenerID, true, false)
		return len(d.Snapshot()) == 2
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, <-dialErr)
	conn := <-dialConn
	defer conn.Close()

	var acceptedID proxy.ID
	for id := range d.Snapshot() {
		if id != listenerID {
			acceptedID = id
		}
	}

	require.NotEqual(t, listenerID.LocalPort, acceptedID.LocalPort, "the accepted instance must not reuse the listener's own ID")
	require.Equal(t, listenerID.GuestCID, acceptedID.GuestCID)
	require.Equal(t, listenerID.PeerPort, acceptedID.PeerPort)

	d.DrainResponses() // flush the Request notification queued on the listener

	sent = mem.Sent()
	require.Len(t, sent, 3)
	require.Equal(t, wire.OpRequest, sent[2].Op())

	// The guest re-issues Accept now that a connection is pending.
	mem.Push(buildAccept(0))
	pkt, _ = mem.ReadInbound()
	require.NoError(t, d.HandleRequest(pkt))
	d.DrainResponses()

	sent = mem.Sent()
	require.Len(t, sent, 4)
	result, err = c.ReadI32LE(sent[3].DataSlice(), 4)
	require.NoError(t, err)
	require.Equal(t, int32(0), result)
}

// TestSendMsgEmitsCreditUpdateAtConfiguredWindow proves the
// dispatcher's configured credit window actually reaches
// ProxyInstance.Send's threshold check, rather than sitting unused
// behind a config flag.
func TestSendMsgEmitsCreditUpdateAtConfiguredWindow(t *testing.T) {
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	peerConn := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		require.NoError(t, err)
		peerConn <- c
	}()

	mem := transport.NewMemory()
	const creditWindow = 20 // threshold crossed after 10 bytes sent
	d := dispatch.New(3, noopLoop{}, mem, creditWindow)

	var c wire.ByteCodec

	create := transport.NewInbound()
	create.SetDstPort(wire.PortProxyCreate)
	create.SetSrcPort(31)
	require.NoError(t, c.WriteU32LE(create.DataBuf(), 0, 700))
	require.NoError(t, c.WriteU16LE(create.DataBuf(), 4, wire.SockStream))
	create.SetLen(6)
	mem.Push(create)
	pkt, _ := mem.ReadInbound()
	require.NoError(t, d.HandleRequest(pkt))

	tcpAddr := ln.Addr().(*net.TCPAddr)

	var addr [4]byte
	copy(addr[:], tcpAddr.IP.To4())

	connect := transport.NewInbound()
	connect.SetDstPort(wire.PortConnect)
	connect.SetSrcPort(31)
	require.NoError(t, c.WriteU32LE(connect.DataBuf(), 0, 700))
	require.NoError(t, c.WriteIPv4(connect.DataBuf(), 4, addr))
	connect.DataBuf()[8] = byte(tcpAddr.Port >> 8)
	connect.DataBuf()[9] = byte(tcpAddr.Port)
	connect.SetLen(10)
	mem.Push(connect)
	pkt, _ = mem.ReadInbound()
	require.NoError(t, d.HandleRequest(pkt))

	conn := <-peerConn
	defer conn.Close()

	require.Eventually(t, func() bool {
		for _, status := range d.Snapshot() {
			if status == proxy.StatusConnected {
				return true
			}
		}

		return false
	}, 2*time.Second, 5*time.Millisecond)

	d.DrainResponses() // flush ConnectResult

	sendMsg := transport.NewInbound()
	sendMsg.SetSrcPort(700) // guest's peer_port
	sendMsg.SetDstPort(31)  // proxy's local_port
	sendMsg.SetOp(wire.OpRw)
	payload := []byte("0123456789ab") // 12 bytes, crosses the 10-byte threshold
	n := copy(sendMsg.DataBuf(), payload)
	sendMsg.SetLen(n)
	mem.Push(sendMsg)
	pkt, _ = mem.ReadInbound()
	require.NoError(t, d.HandleRequest(pkt))

	d.DrainResponses()

	sent := mem.Sent()
	require.Len(t, sent, 2)
	require.Equal(t, wire.OpCreditUpdate, sent[1].Op())
	require.Equal(t, uint32(creditWindow), sent[1].BufAlloc())
}
