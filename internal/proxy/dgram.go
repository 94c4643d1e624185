package proxy

import (
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/lumenvm/tsi-proxy/internal/wire"
)

// Dgram is the UDP/datagram proxy variant. Listen, CheckAccept,
// GetPeername and AckAccept are undefined for datagram sockets; each returns
// ErrNotSupported rather than silently succeeding.
type Dgram struct {
	base
}

// NewDgram opens a nonblocking IPv4 datagram socket by fetching the
// current file flags and OR-ing in nonblock with a two-step fcntl
// sequence. creditWindow is carried for ResponseEncoder's buf_alloc
// field even though dgram sockets never emit CreditUpdate themselves.
func NewDgram(id ID, controlPort uint32, creditWindow uint32) (*Dgram, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	if err != nil {
		return nil, &HostError{Op: "socket", Errno: err.(syscall.Errno)}
	}

	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
	if err != nil {
		_ = unix.Close(fd)
		return nil, &HostError{Op: "fcntl(F_GETFL)", Errno: err.(syscall.Errno)}
	}

	if _, err := unix.FcntlInt(uintptr(fd), unix.F_SETFL, flags|unix.O_NONBLOCK); err != nil {
		_ = unix.Close(fd)
		return nil, &HostError{Op: "fcntl(F_SETFL)", Errno: err.(syscall.Errno)}
	}

	return &Dgram{base: base{id: id, status: StatusIdle, fd: fd, controlPort: controlPort, creditWindow: creditWindow}}, nil
}

func (d *Dgram) Type() Type { return TypeDgram }

// Connect sets the default destination for subsequent Send calls.
func (d *Dgram) Connect(addr [4]byte, port uint16) error {
	sa := &unix.SockaddrInet4{Port: int(port), Addr: addr}

	if err := unix.Connect(d.fd, sa); err != nil {
		return &HostError{Op: "connect", Errno: err.(syscall.Errno)}
	}

	d.status = StatusConnected

	return nil
}

func (d *Dgram) Listen(addr [4]byte, port uint16, backlog int32) error {
	return ErrNotSupported
}

func (d *Dgram) CheckAccept(flags uint32) (int32, error) {
	return 0, ErrNotSupported
}

func (d *Dgram) AckAccept(bufAlloc, fwdCnt uint32) error {
	return ErrNotSupported
}

func (d *Dgram) GetPeername() ([4]byte, uint16, error) {
	return [4]byte{}, 0, ErrNotSupported
}

// Send is unreliable: it never emits a credit update.
func (d *Dgram) Send(data []byte) (bool, error) {
	_, err := unix.Send(d.fd, data, unix.MSG_NOSIGNAL)
	if err != nil {
		return false, &HostError{Op: "send", Errno: err.(syscall.Errno)}
	}

	return false, nil
}

// Recv reads one datagram. A full-buffer read enqueues a
// KindRecvDgramMsg self-wake marker.
func (d *Dgram) Recv(buf []byte) (int, error) {
	n, err := unix.Recv(d.fd, buf, 0)
	if err != nil {
		return 0, &HostError{Op: "recv", Errno: err.(syscall.Errno)}
	}

	d.rxCnt += uint32(n)

	if n == len(buf) {
		d.queue.push(wire.Response{
			Kind:          wire.KindRecvDgramMsg,
			StreamSrcPort: d.id.LocalPort,
			StreamDstPort: d.id.PeerPort,
		})
	}

	return n, nil
}

func (d *Dgram) Close() error { return d.closeFd() }
