package proxy

import (
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/lumenvm/tsi-proxy/internal/wire"
)

// Stream is the TCP/stream proxy variant. It is the only variant
// that may transition to Listen, emit CreditUpdate, or support
// Accept.
type Stream struct {
	base
}

// NewStream opens a nonblocking IPv4 stream socket and returns an Idle
// instance. creditWindow is the advertised per-connection credit
// window (wire.ConnTxBufSize in production; tests may override it to
// exercise the CreditUpdate threshold without moving 4MiB of data).
func NewStream(id ID, controlPort uint32, creditWindow uint32) (*Stream, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return nil, &HostError{Op: "socket", Errno: err.(syscall.Errno)}
	}

	return &Stream{base: base{id: id, status: StatusIdle, fd: fd, controlPort: controlPort, creditWindow: creditWindow}}, nil
}

func (s *Stream) Type() Type { return TypeStream }

// Connect issues a nonblocking connect. EINPROGRESS is treated as
// success-in-progress: status becomes Connected immediately, meaning
// "connect has been issued"; completion is observed when the fd
// becomes writable.
func (s *Stream) Connect(addr [4]byte, port uint16) error {
	sa := &unix.SockaddrInet4{Port: int(port), Addr: addr}

	err := unix.Connect(s.fd, sa)
	if err == nil || err == unix.EINPROGRESS {
		s.status = StatusConnected
		return nil
	}

	return &HostError{Op: "connect", Errno: err.(syscall.Errno)}
}

// Listen binds and listens, transitioning to Listen on success.
func (s *Stream) Listen(addr [4]byte, port uint16, backlog int32) error {
	sa := &unix.SockaddrInet4{Port: int(port), Addr: addr}

	if err := unix.Bind(s.fd, sa); err != nil {
		return &HostError{Op: "bind", Errno: err.(syscall.Errno)}
	}

	if err := unix.Listen(s.fd, int(backlog)); err != nil {
		return &HostError{Op: "listen", Errno: err.(syscall.Errno)}
	}

	s.status = StatusListen

	return nil
}

// Accept performs a nonblocking accept on a Listen-status instance.
// On success it builds a new *Stream in ReverseInit status owning the
// accepted fd, increments pending_accepts on the receiver, and
// enqueues a Request-kind notification for the guest.
// acceptID is the identity the dispatcher will index the new instance
// under.
func (s *Stream) Accept(acceptID ID) (*Stream, error) {
	newFd, _, err := unix.Accept4(s.fd, unix.SOCK_NONBLOCK)
	if err != nil {
		return nil, &HostError{Op: "accept4", Errno: err.(syscall.Errno)}
	}

	accepted := &Stream{base: base{
		id:           acceptID,
		status:       StatusReverseInit,
		fd:           newFd,
		controlPort:  s.controlPort,  // inherited from the listener
		creditWindow: s.creditWindow, // inherited from the listener
	}}

	s.pendingAccepts++
	s.queue.push(wire.Response{
		Kind:          wire.KindRequestNotify,
		StreamSrcPort: s.id.LocalPort,
		StreamDstPort: s.id.PeerPort,
	})

	return accepted, nil
}

// CheckAccept consumes one pending accept if available. Otherwise, if
// the guest requested nonblocking semantics, it reports -EWOULDBLOCK;
// otherwise it reports ErrNoResultYet so the caller parks the request.
func (s *Stream) CheckAccept(flags uint32) (int32, error) {
	if s.pendingAccepts > 0 {
		s.pendingAccepts--
		return 0, nil
	}

	if flags&SockNonblock != 0 {
		return -int32(unix.EWOULDBLOCK), nil
	}

	return 0, ErrNoResultYet
}

// AckAccept is invoked when the guest finishes the reverse handshake:
// tx_cnt is seeded from the guest's fwd_cnt and status transitions
// ReverseInit -> Connected.
func (s *Stream) AckAccept(bufAlloc, fwdCnt uint32) error {
	s.txCnt = fwdCnt
	s.status = StatusConnected

	return nil
}

// Send writes data to the host socket with MSG_NOSIGNAL. It returns
// whether a CreditUpdate was enqueued as a result.
func (s *Stream) Send(data []byte) (bool, error) {
	n, err := unix.Send(s.fd, data, unix.MSG_NOSIGNAL)
	if err != nil {
		return false, &HostError{Op: "send", Errno: err.(syscall.Errno)}
	}

	if n <= 0 {
		return false, nil
	}

	s.txCnt += uint32(n)

	if s.txCnt-s.lastTxCntSent >= s.creditWindow/2 {
		s.lastTxCntSent = s.txCnt
		s.queue.push(wire.Response{
			Kind:          wire.KindCreditUpdate,
			StreamSrcPort: s.id.LocalPort,
			StreamDstPort: s.id.PeerPort,
		})

		return true, nil
	}

	return false, nil
}

// Recv reads from the host socket. A zero-byte read means the peer
// closed: status becomes Closed and ENODATA is surfaced. A
// full-buffer read enqueues a self-wake marker telling the dispatcher
// more data may remain.
func (s *Stream) Recv(buf []byte) (int, error) {
	n, err := unix.Recv(s.fd, buf, 0)
	if err != nil {
		return 0, &HostError{Op: "recv", Errno: err.(syscall.Errno)}
	}

	if n == 0 {
		s.status = StatusClosed
		return 0, &HostError{Op: "recv", Errno: syscall.ENODATA}
	}

	s.rxCnt += uint32(n)

	if n == len(buf) {
		s.queue.push(wire.Response{
			Kind:          wire.KindRecvStreamMsg,
			StreamSrcPort: s.id.LocalPort,
			StreamDstPort: s.id.PeerPort,
		})
	}

	return n, nil
}

// GetPeername returns the peer address the socket is connected to.
func (s *Stream) GetPeername() ([4]byte, uint16, error) {
	sa, err := unix.Getpeername(s.fd)
	if err != nil {
		return [4]byte{}, 0, &HostError{Op: "getpeername", Errno: unix.EADDRNOTAVAIL}
	}

	in4, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		return [4]byte{}, 0, &HostError{Op: "getpeername", Errno: unix.EADDRNOTAVAIL}
	}

	return in4.Addr, uint16(in4.Port), nil
}

func (s *Stream) Close() error { return s.closeFd() }
