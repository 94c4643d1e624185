// Package transport implements the wire.InboundPacket/OutboundPacket
// contract over a vsock stream connection, plus an in-memory
// implementation for tests. A single Transport serves one guest
// connection at a time, matching the proxy core's cooperative,
// single-threaded event loop.
package transport

import (
	"fmt"
	"io"
	"net"

	"github.com/mdlayher/vsock"

	"github.com/lumenvm/tsi-proxy/internal/logging"
	"github.com/lumenvm/tsi-proxy/internal/wire"
)

// VsockTransport reads and writes framed packets over an accepted
// vsock connection from the guest.
type VsockTransport struct {
	conn net.Conn
	in   packet
	out  packet
}

// Listener accepts guest vsock connections on a fixed port, one at a
// time, mirroring lxd-agent's vsock.Listen/vsock.ListenContextID use.
type Listener struct {
	ln net.Listener
}

// Listen opens a vsock listener bound to VMADDR_CID_ANY on port.
func Listen(port uint32) (*Listener, error) {
	ln, err := vsock.ListenContextID(vsock.CIDAny, port, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: vsock listen on port %d: %w", port, err)
	}

	return &Listener{ln: ln}, nil
}

// Accept blocks for the next guest connection and wraps it as a
// Transport.
func (l *Listener) Accept() (*VsockTransport, error) {
	conn, err := l.ln.Accept()
	if err != nil {
		return nil, err
	}

	logging.Log.Info("guest connected", logging.Ctx{"remote": conn.RemoteAddr().String()})

	return &VsockTransport{conn: conn}, nil
}

func (l *Listener) Close() error { return l.ln.Close() }

// ReadInbound blocks until a full framed packet has been read, then
// returns it as a wire.InboundPacket valid until the next call to
// ReadInbound.
func (t *VsockTransport) ReadInbound() (wire.InboundPacket, error) {
	t.in.reset()

	if _, err := io.ReadFull(t.conn, t.in.buf[:headerSize]); err != nil {
		return nil, fmt.Errorf("transport: read header: %w", err)
	}

	n := t.in.payloadLen()
	if n > 0 {
		if int(n) > len(t.in.buf)-headerSize {
			return nil, fmt.Errorf("transport: payload length %d exceeds max packet size", n)
		}

		if _, err := io.ReadFull(t.conn, t.in.buf[headerSize:headerSize+int(n)]); err != nil {
			return nil, fmt.Errorf("transport: read payload: %w", err)
		}
	}

	t.in.n = int(n)

	return &t.in, nil
}

// AcquireOutbound hands the dispatcher a zeroed outbound packet to
// fill in.
func (t *VsockTransport) AcquireOutbound() (wire.OutboundPacket, error) {
	t.out.reset()
	return &t.out, nil
}

// ReleaseOutbound flushes the filled-in outbound packet to the
// connection.
func (t *VsockTransport) ReleaseOutbound(p wire.OutboundPacket) error {
	pk, ok := p.(*packet)
	if !ok {
		return fmt.Errorf("transport: unexpected outbound packet type %T", p)
	}

	total := headerSize + pk.n

	_, err := t.conn.Write(pk.buf[:total])

	return err
}

func (t *VsockTransport) Close() error { return t.conn.Close() }
