package dispatch

import (
	"github.com/lumenvm/tsi-proxy/internal/logging"
	"github.com/lumenvm/tsi-proxy/internal/metrics"
	"github.com/lumenvm/tsi-proxy/internal/proxy"
	"github.com/lumenvm/tsi-proxy/internal/wire"
)

func (d *Dispatcher) handleProxyCreate(pkt wire.InboundPacket, req wire.ProxyCreateRequest) error {
	// The guest already owns the local port (it's impersonating a
	// socket it created locally); it carries that port as the
	// packet's own src_port on every control request, including this
	// one. Only GetPeername and ProxyRelease repeat it in the payload
	// (defense in depth / symmetry with the pair they report on).
	id := proxy.ID{GuestCID: d.guestCID, PeerPort: req.PeerPort, LocalPort: pkt.SrcPort()}

	var inst proxy.Instance
	var err error

	switch req.Type {
	case wire.SockDgram, wire.SockTsiDgram:
		inst, err = proxy.NewDgram(id, wire.ProxyControlPort, d.creditWindow)
	default:
		inst, err = proxy.NewStream(id, wire.ProxyControlPort, d.creditWindow)
	}

	if err != nil {
		logging.Log.Warn("proxy create failed", logging.Ctx{"id": id.String(), "err": err.Error()})
		return nil
	}

	d.insert(inst)

	if err := d.loop.Register(inst.Fd(), id); err != nil {
		logging.Log.Warn("event loop register failed", logging.Ctx{"id": id.String(), "err": err.Error()})
	}

	logging.Log.Info("proxy created", logging.Ctx{"id": id.String(), "type": req.Type, "trace_id": traceID()})

	return nil
}

func (d *Dispatcher) handleConnect(pkt wire.InboundPacket, req wire.ConnectRequest) error {
	inst, ok := d.lookup(req.PeerPort, pkt.SrcPort())
	if !ok {
		return nil
	}

	err := inst.Connect(req.Addr, req.Port)

	result := int32(0)
	if err != nil {
		result = hostErrnoResult(err)
		logging.Log.Warn("connect failed", logging.Ctx{"id": inst.ID().String(), "err": err.Error()})
	}

	pushControlResult(inst, wire.KindConnectResult, req.PeerPort, pkt.SrcPort(), result)

	return nil
}

func (d *Dispatcher) handleListen(pkt wire.InboundPacket, req wire.ListenRequest) error {
	inst, ok := d.lookup(req.PeerPort, pkt.SrcPort())
	if !ok {
		return nil
	}

	err := inst.Listen(req.Addr, req.Port, req.Backlog)

	result := int32(0)
	if err != nil {
		result = hostErrnoResult(err)
		logging.Log.Warn("listen failed", logging.Ctx{"id": inst.ID().String(), "err": err.Error()})
	}

	pushControlResult(inst, wire.KindListenResult, req.PeerPort, pkt.SrcPort(), result)

	return nil
}

func (d *Dispatcher) handleAccept(pkt wire.InboundPacket, req wire.AcceptRequest) error {
	inst, ok := d.lookup(req.PeerPort, pkt.SrcPort())
	if !ok {
		return nil
	}

	result, err := inst.CheckAccept(req.Flags)
	if err == proxy.ErrNoResultYet {
		// Park: no response is emitted and the request is not kept; the
		// guest re-issues Accept once a Request notification arrives.
		return nil
	}

	if err != nil {
		result = hostErrnoResult(err)
	}

	pushControlResult(inst, wire.KindAcceptResult, req.PeerPort, pkt.SrcPort(), result)

	return nil
}

func (d *Dispatcher) handleGetPeername(pkt wire.InboundPacket, req wire.GetPeernameRequest) error {
	inst, ok := d.lookup(req.PeerPort, req.LocalPort)
	if !ok {
		return nil
	}

	addr, port, err := inst.GetPeername()

	result := int32(0)
	if err != nil {
		result = hostErrnoResult(err)
	}

	resp := wire.Response{
		Kind:     wire.KindGetPeernameResult,
		SrcPort:  req.PeerPort,
		DstPort:  req.LocalPort,
		Result:   result,
		PeerAddr: addr,
		PeerPort: port,
	}
	pushResponse(inst, resp)

	return nil
}

func (d *Dispatcher) handleProxyRelease(pkt wire.InboundPacket, req wire.ProxyReleaseRequest) error {
	id := proxy.ID{GuestCID: d.guestCID, PeerPort: req.PeerPort, LocalPort: req.LocalPort}

	inst, ok := d.lookup(req.PeerPort, req.LocalPort)
	if !ok {
		return nil
	}

	_ = d.loop.Unregister(inst.Fd())
	_ = inst.Close()
	d.remove(id)

	logging.Log.Info("proxy released", logging.Ctx{"id": id.String(), "trace_id": traceID()})

	return nil
}

func (d *Dispatcher) handleSendtoAddr(pkt wire.InboundPacket, req wire.SendtoAddrRequest) error {
	inst, ok := d.lookup(req.PeerPort, pkt.SrcPort())
	if !ok {
		return nil
	}

	if inst.Type() != proxy.TypeDgram {
		logging.Log.Warn("SendtoAddr on non-dgram proxy", logging.Ctx{"id": inst.ID().String()})
		return nil
	}

	if err := inst.Connect(req.Addr, req.Port); err != nil {
		logging.Log.Warn("dgram implicit connect failed", logging.Ctx{"id": inst.ID().String(), "err": err.Error()})
	}

	return nil
}

func (d *Dispatcher) handleOpResponse(pkt wire.InboundPacket, req wire.OpResponseRequest) error {
	inst, ok := d.lookup(req.PeerPort, req.LocalPort)
	if !ok {
		return nil
	}

	if err := inst.AckAccept(req.BufAlloc, req.FwdCnt); err != nil {
		logging.Log.Warn("ack_accept failed", logging.Ctx{"id": inst.ID().String(), "err": err.Error()})
	}

	return nil
}

func (d *Dispatcher) handleSendMsg(pkt wire.InboundPacket, req wire.SendMsgRequest) error {
	inst, ok := d.lookup(req.PeerPort, req.LocalPort)
	if !ok {
		return nil
	}

	if _, err := inst.Send(req.Data); err != nil {
		logging.Log.Warn("send failed", logging.Ctx{"id": inst.ID().String(), "err": err.Error()})
		return nil
	}

	metrics.BytesTx.Add(float64(len(req.Data)))

	return nil
}

// pushControlResult is a convenience for the common
// Connect/Listen/Accept control-reply shape.
func pushControlResult(inst proxy.Instance, kind wire.ResponseKind, peerPort, localPort uint32, result int32) {
	pushResponse(inst, wire.Response{
		Kind:    kind,
		SrcPort: peerPort,
		DstPort: localPort,
		Result:  result,
	})
}

// pushResponse appends a dispatcher-built control reply to inst's
// queue via ResponseQueue.Push: these replies are built from request
// context the instance doesn't have.
func pushResponse(inst proxy.Instance, resp wire.Response) {
	inst.ResponseQueue().Push(resp)
}
