package dispatch

import (
	"errors"

	"golang.org/x/sys/unix"

	"github.com/lumenvm/tsi-proxy/internal/logging"
	"github.com/lumenvm/tsi-proxy/internal/metrics"
	"github.com/lumenvm/tsi-proxy/internal/proxy"
	"github.com/lumenvm/tsi-proxy/internal/wire"
)

// HandleHostEvent reacts to readiness the event loop observed for a
// proxy's fd. For a readable stream proxy in Connected status it
// drains the socket into Rw responses until EAGAIN; for a readable
// Listen proxy it drives Accept; a writable proxy confirms a pending
// connect.
func (d *Dispatcher) HandleHostEvent(id proxy.ID, readable, writable bool) {
	d.mu.Lock()
	inst, ok := d.proxies[id]
	d.mu.Unlock()

	if !ok {
		return
	}

	if readable {
		d.handleReadable(inst)
	}

	if writable {
		d.handleWritable(inst)
	}
}

func (d *Dispatcher) handleReadable(inst proxy.Instance) {
	switch inst.Status() {
	case proxy.StatusListen:
		d.driveAccept(inst)

	case proxy.StatusConnected:
		d.drainReadable(inst)
	}
}

func (d *Dispatcher) driveAccept(inst proxy.Instance) {
	listener, ok := inst.(*proxy.Stream)
	if !ok {
		return
	}

	// A fresh LocalPort, not the listener's own: the accepted
	// connection is a distinct ProxyInstance and must not overwrite
	// the listener in d.proxies.
	acceptID := proxy.ID{GuestCID: inst.ID().GuestCID, PeerPort: inst.ID().PeerPort, LocalPort: d.allocAcceptPort()}

	accepted, err := listener.Accept(acceptID)
	if err != nil {
		var he *proxy.HostError
		if errors.As(err, &he) && (he.Errno == unix.EAGAIN || he.Errno == unix.EWOULDBLOCK) {
			return
		}

		logging.Log.Warn("accept failed", logging.Ctx{"id": inst.ID().String(), "err": err.Error()})

		return
	}

	d.insert(accepted)

	if err := d.loop.Register(accepted.Fd(), accepted.ID()); err != nil {
		logging.Log.Warn("event loop register failed", logging.Ctx{"id": accepted.ID().String(), "err": err.Error()})
	}
}

func (d *Dispatcher) drainReadable(inst proxy.Instance) {
	scratch := make([]byte, scratchBufSize)

	for {
		n, err := inst.Recv(scratch)
		if err != nil {
			var he *proxy.HostError
			if errors.As(err, &he) {
				if he.Errno == unix.EAGAIN || he.Errno == unix.EWOULDBLOCK {
					return
				}
			}

			logging.Log.Info("connection closed", logging.Ctx{"id": inst.ID().String()})

			return
		}

		if n == 0 {
			return
		}

		inst.ResponseQueue().Push(wire.Response{
			Kind:          wire.KindRw,
			StreamSrcPort: inst.ID().LocalPort,
			StreamDstPort: inst.ID().PeerPort,
			Data:          append([]byte(nil), scratch[:n]...),
		})

		metrics.BytesRx.Add(float64(n))
	}
}

func (d *Dispatcher) handleWritable(inst proxy.Instance) {
	// A pending connect is confirmed simply by the fd becoming
	// writable; Connected already means "connect issued", with
	// completion observed on writability. Nothing further to drive
	// here beyond logging.
	logging.Log.Debug("fd writable", logging.Ctx{"id": inst.ID().String()})
}

// DrainResponses acquires outbound packets from the transport and
// encodes every pending response for every proxy, preserving
// per-proxy FIFO order. Internal self-wake markers
// (KindRecvStreamMsg/KindRecvDgramMsg) are consumed here rather than
// forwarded to the encoder: they exist purely to record, in the
// response queue's observable ordering, that more data may be
// pending — handleReadable already re-reads to EAGAIN within a single
// host-event callback, so by drain time they carry no further action.
func (d *Dispatcher) DrainResponses() {
	d.mu.Lock()
	instances := make([]proxy.Instance, 0, len(d.proxies))
	for _, inst := range d.proxies {
		instances = append(instances, inst)
	}
	d.mu.Unlock()

	for _, inst := range instances {
		d.drainInstance(inst)
	}
}

// drainInstance pops one response at a time rather than bulk-draining
// the queue up front: if the transport runs out of free outbound
// packets partway through, the response just popped is pushed back
// onto the front of the queue so a later drain retries it first,
// instead of being discarded along with everything dequeued after it.
func (d *Dispatcher) drainInstance(inst proxy.Instance) {
	queue := inst.ResponseQueue()

	target := wire.ProxyTarget{
		Type:         typeCode(inst.Type()),
		GuestCID:     inst.ID().GuestCID,
		ControlPort:  inst.ControlPort(),
		FwdCnt:       inst.FwdCnt(),
		CreditWindow: inst.CreditWindow(),
	}

	for {
		resp, ok := queue.PopFront()
		if !ok {
			return
		}

		if resp.Kind == wire.KindRecvStreamMsg || resp.Kind == wire.KindRecvDgramMsg {
			continue
		}

		pkt, err := d.transport.AcquireOutbound()
		if err != nil {
			logging.Log.Warn("no outbound packet available, response requeued", logging.Ctx{"id": inst.ID().String()})
			queue.PushFront(resp)

			return
		}

		if err := d.encoder.Encode(pkt, resp, target); err != nil {
			logging.Log.Warn("response encode failed", logging.Ctx{"id": inst.ID().String(), "err": err.Error()})
		}

		if err := d.transport.ReleaseOutbound(pkt); err != nil {
			logging.Log.Warn("release outbound failed", logging.Ctx{"id": inst.ID().String(), "err": err.Error()})
		}

		if resp.Kind == wire.KindCreditUpdate {
			metrics.CreditUpdatesEmitted.Inc()
		}
	}
}

func typeCode(t proxy.Type) uint16 {
	if t == proxy.TypeDgram {
		return wire.TypeDgram
	}

	return wire.TypeStream
}
