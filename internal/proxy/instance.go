package proxy

import (
	"syscall"

	"github.com/lumenvm/tsi-proxy/internal/wire"
)

// SockNonblock is the guest-side flag bit (in Accept's flags field)
// requesting nonblocking accept semantics.
const SockNonblock uint32 = 0x800

// Instance is the capability set shared by both proxy variants.
// Stream and Dgram diverge on several operations; those not
// applicable to a given variant return ErrNotSupported rather than
// silently succeeding.
type Instance interface {
	ID() ID
	Type() Type
	Status() Status
	ControlPort() uint32
	FwdCnt() uint32
	Fd() int

	// CreditWindow is the advertised per-connection credit window this
	// instance was constructed with (wire.ConnTxBufSize, unless
	// overridden for testing).
	CreditWindow() uint32

	// ResponseQueue returns the instance's FIFO queue of pending
	// responses; the caller drains it.
	ResponseQueue() *ResponseQueue

	Connect(addr [4]byte, port uint16) error
	Listen(addr [4]byte, port uint16, backlog int32) error
	CheckAccept(flags uint32) (int32, error)
	AckAccept(bufAlloc, fwdCnt uint32) error
	GetPeername() ([4]byte, uint16, error)
	Send(data []byte) (bool, error)
	Recv(buf []byte) (int, error)

	// Close releases the host fd exactly once.
	Close() error
}

// ResponseQueue is an ordered, FIFO sequence of pending responses.
// Enqueue is the commit point for an observable event; it is drained
// externally by the dispatcher.
type ResponseQueue struct {
	items []wire.Response
}

func (q *ResponseQueue) push(r wire.Response) {
	q.items = append(q.items, r)
}

// Push appends a response built from outside the proxy package (e.g.
// a control-reply the dispatcher assembles from request context the
// instance itself doesn't hold).
func (q *ResponseQueue) Push(r wire.Response) {
	q.push(r)
}

// Len reports how many responses are pending.
func (q *ResponseQueue) Len() int { return len(q.items) }

// Drain removes and returns all pending responses, preserving order.
func (q *ResponseQueue) Drain() []wire.Response {
	if len(q.items) == 0 {
		return nil
	}

	out := q.items
	q.items = nil

	return out
}

// PopFront removes and returns the oldest pending response.
func (q *ResponseQueue) PopFront() (wire.Response, bool) {
	if len(q.items) == 0 {
		return wire.Response{}, false
	}

	r := q.items[0]
	q.items = q.items[1:]

	return r, true
}

// PushFront re-queues a response at the front of the queue. Used to
// put back a response a drain step dequeued but could not encode
// (e.g. the transport had no free outbound packet), so a later drain
// retries it first and per-proxy ordering is preserved.
func (q *ResponseQueue) PushFront(r wire.Response) {
	q.items = append([]wire.Response{r}, q.items...)
}

// base holds the fields common to both proxy variants.
type base struct {
	id           ID
	status       Status
	fd           int
	controlPort  uint32
	creditWindow uint32

	txCnt          uint32
	lastTxCntSent  uint32
	rxCnt          uint32
	pendingAccepts int

	queue ResponseQueue
}

func (b *base) ID() ID                        { return b.id }
func (b *base) Status() Status                { return b.status }
func (b *base) ControlPort() uint32           { return b.controlPort }
func (b *base) FwdCnt() uint32                { return b.txCnt }
func (b *base) Fd() int                       { return b.fd }
func (b *base) CreditWindow() uint32          { return b.creditWindow }
func (b *base) ResponseQueue() *ResponseQueue { return &b.queue }

// closeFd closes the host fd exactly once and marks the instance
// Closed; later calls are no-ops. The fd is reset to -1 rather than
// relying on status, since Stream.Recv sets Closed on peer shutdown
// without closing the fd.
func (b *base) closeFd() error {
	if b.fd < 0 {
		return nil
	}

	fd := b.fd
	b.fd = -1
	b.status = StatusClosed

	return syscall.Close(fd)
}
