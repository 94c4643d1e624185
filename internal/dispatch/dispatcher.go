// Package dispatch implements the ProxyDispatcher: it maps ProxyID to
// ProxyInstance, routes decoded requests to the right instance, and
// drains response queues to the transport.
package dispatch

import (
	"errors"
	"fmt"
	"sync"
	"syscall"

	"github.com/google/uuid"

	"github.com/lumenvm/tsi-proxy/internal/logging"
	"github.com/lumenvm/tsi-proxy/internal/metrics"
	"github.com/lumenvm/tsi-proxy/internal/proxy"
	"github.com/lumenvm/tsi-proxy/internal/wire"
)

// EventLoop is the subset of the event-loop contract the dispatcher
// consumes: registering/unregistering fds for readiness callbacks.
type EventLoop interface {
	Register(fd int, id proxy.ID) error
	Unregister(fd int) error
}

// Transport is the subset of the transport contract the dispatcher
// consumes: acquiring a writable outbound packet and releasing it once
// filled.
type Transport interface {
	AcquireOutbound() (wire.OutboundPacket, error)
	ReleaseOutbound(wire.OutboundPacket) error
}

// scratchBufSize is the read buffer size used when draining a
// readable host socket.
const scratchBufSize = 64 * 1024

// acceptPortBase is the first LocalPort value the dispatcher assigns
// to an accepted connection. It sits well above any port a guest
// would plausibly pick for a ProxyCreate'd socket, so an accepted
// instance's ID never collides with a guest-chosen one.
const acceptPortBase uint32 = 1 << 30

// Dispatcher is the process-wide ProxyID -> ProxyInstance map plus
// the transport/event-loop references it drives. All mutation happens
// on the single cooperative thread that calls its methods; no internal
// locking is required for that thread's own access, except that the
// registry mutex also guards a best-effort concurrent /proxies
// introspection read from internal/api's own goroutine.
type Dispatcher struct {
	mu             sync.Mutex
	proxies        map[proxy.ID]proxy.Instance
	guestCID       uint64
	decoder        *wire.RequestDecoder
	encoder        *wire.ResponseEncoder
	loop           EventLoop
	transport      Transport
	nextAcceptPort uint32
	creditWindow   uint32
}

// New creates a Dispatcher for a single guest CID. creditWindow is the
// per-connection credit window advertised to the guest and used for
// this dispatcher's ProxyInstances' CreditUpdate threshold; pass
// wire.ConnTxBufSize unless a test needs a smaller window.
func New(guestCID uint64, loop EventLoop, transport Transport, creditWindow uint32) *Dispatcher {
	return &Dispatcher{
		proxies:        make(map[proxy.ID]proxy.Instance),
		guestCID:       guestCID,
		decoder:        wire.NewRequestDecoder(),
		encoder:        wire.NewResponseEncoder(),
		loop:           loop,
		transport:      transport,
		nextAcceptPort: acceptPortBase,
		creditWindow:   creditWindow,
	}
}

// allocAcceptPort returns a fresh LocalPort for a newly accepted
// connection, distinct from the listener's own. Only called from the
// single cooperative thread driving the event loop, so it needs no
// locking of its own.
func (d *Dispatcher) allocAcceptPort() uint32 {
	port := d.nextAcceptPort
	d.nextAcceptPort++

	return port
}

// Len reports the number of active proxies.
func (d *Dispatcher) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.proxies)
}

// Snapshot returns a point-in-time copy of the registry for
// introspection (internal/api).
func (d *Dispatcher) Snapshot() map[proxy.ID]proxy.Status {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make(map[proxy.ID]proxy.Status, len(d.proxies))
	for id, inst := range d.proxies {
		out[id] = inst.Status()
	}

	return out
}

// HandleRequest decodes pkt and routes it to the owning instance,
// creating or destroying instances as needed.
func (d *Dispatcher) HandleRequest(pkt wire.InboundPacket) error {
	req, err := d.decoder.Decode(pkt)
	if err != nil {
		metrics.DecodeErrors.WithLabelValues(decodeErrorReason(err)).Inc()
		logging.Log.Warn("dropping malformed packet", logging.Ctx{"dst_port": pkt.DstPort(), "err": err.Error()})

		return nil
	}

	switch req.Kind {
	case wire.KindProxyCreate:
		return d.handleProxyCreate(pkt, req.ProxyCreate)
	case wire.KindConnect:
		return d.handleConnect(pkt, req.Connect)
	case wire.KindListen:
		return d.handleListen(pkt, req.Listen)
	case wire.KindAccept:
		return d.handleAccept(pkt, req.Accept)
	case wire.KindGetPeername:
		return d.handleGetPeername(pkt, req.GetPeername)
	case wire.KindProxyRelease:
		return d.handleProxyRelease(pkt, req.ProxyRelease)
	case wire.KindSendtoAddr:
		return d.handleSendtoAddr(pkt, req.SendtoAddr)
	case wire.KindSendtoData:
		return nil // payload-less marker; actual bytes arrive via KindSendMsg
	case wire.KindOpResponse:
		return d.handleOpResponse(pkt, req.OpResponse)
	case wire.KindSendMsg:
		return d.handleSendMsg(pkt, req.SendMsg)
	default:
		return fmt.Errorf("dispatch: unhandled request kind %d", req.Kind)
	}
}

func (d *Dispatcher) lookup(peerPort, localPort uint32) (proxy.Instance, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	inst, ok := d.proxies[proxy.ID{GuestCID: d.guestCID, PeerPort: peerPort, LocalPort: localPort}]

	return inst, ok
}

func (d *Dispatcher) insert(inst proxy.Instance) {
	d.mu.Lock()
	d.proxies[inst.ID()] = inst
	d.mu.Unlock()

	metrics.ActiveProxies.Inc()
}

func (d *Dispatcher) remove(id proxy.ID) {
	d.mu.Lock()
	delete(d.proxies, id)
	d.mu.Unlock()

	metrics.ActiveProxies.Dec()
}

func decodeErrorReason(err error) string {
	var reserved *wire.ReservedOpError
	var unknownOp *wire.UnknownOpError

	switch {
	case errors.Is(err, wire.ErrPktBufMissing):
		return "pkt_buf_missing"
	case errors.Is(err, wire.ErrUnknownControlPort):
		return "unknown_control_port"
	case errors.As(err, &reserved):
		return "reserved_op"
	case errors.As(err, &unknownOp):
		return "unknown_op"
	default:
		return "invalid_pkt_buf"
	}
}

// hostErrnoResult converts a proxy.HostError into the negative-errno
// result code a control reply carries. Non-HostError failures are
// reported as a generic -EIO.
func hostErrnoResult(err error) int32 {
	var he *proxy.HostError
	if errors.As(err, &he) {
		return he.NegativeErrno()
	}

	return -int32(syscall.EIO)
}

// traceID returns a fresh short random id; each call yields a new one.
// It is attached to the proxy-created and proxy-released log lines.
func traceID() string {
	return uuid.NewString()[:8]
}
