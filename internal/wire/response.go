package wire

// ResponseKind tags the concrete type of an outbound Response.
type ResponseKind int

const (
	KindConnectResult ResponseKind = iota
	KindListenResult
	KindAcceptResult
	KindGetPeernameResult
	KindCreditUpdate
	KindRw
	KindRequestNotify // unsolicited "Request" notifying the guest of a pending accept

	// KindRecvStreamMsg and KindRecvDgramMsg are internal self-wake
	// markers enqueued by ProxyInstance.Recv when a read fully used
	// its buffer. They are not guest-visible wire
	// messages: the dispatcher's drain step consumes and discards
	// them rather than handing them to the encoder.
	KindRecvStreamMsg
	KindRecvDgramMsg
)

// ProxyTarget carries the fields the encoder needs from the owning
// proxy that aren't part of the response payload itself: its vsock
// type, guest CID, control port and current fwd_cnt.
type ProxyTarget struct {
	Type         uint16 // TypeStream or TypeDgram
	GuestCID     uint64
	ControlPort  uint32
	FwdCnt       uint32
	CreditWindow uint32 // advertised in buf_alloc; zero means ConnTxBufSize
}

// Response is the encoder's input: a response kind plus whichever
// payload field is relevant.
type Response struct {
	Kind ResponseKind

	// Control-channel results (Connect/Listen/Accept/GetPeername).
	SrcPort uint32
	DstPort uint32
	Result  int32
	// GetPeername additionally reports the peer address/port on success.
	PeerAddr [4]byte
	PeerPort uint16

	// Stream-channel payload (CreditUpdate/Rw/RequestNotify).
	StreamSrcPort uint32
	StreamDstPort uint32
	Data          []byte
}

// ResponseEncoder serialises a Response into a borrowed OutboundPacket.
type ResponseEncoder struct {
	codec ByteCodec
}

// NewResponseEncoder returns a ready-to-use encoder.
func NewResponseEncoder() *ResponseEncoder {
	return &ResponseEncoder{}
}

// Encode fills pkt's header and payload fields from resp and target.
func (e *ResponseEncoder) Encode(pkt OutboundPacket, resp Response, target ProxyTarget) error {
	if target.CreditWindow == 0 {
		target.CreditWindow = ConnTxBufSize
	}

	pkt.SetSrcCID(HostCID)
	pkt.SetDstCID(target.GuestCID)
	pkt.SetType(target.Type)

	switch resp.Kind {
	case KindConnectResult, KindListenResult, KindAcceptResult, KindGetPeernameResult:
		return e.encodeControlResult(pkt, resp, target)

	case KindCreditUpdate:
		pkt.SetOp(OpCreditUpdate)
		pkt.SetSrcPort(resp.StreamSrcPort)
		pkt.SetDstPort(resp.StreamDstPort)
		pkt.SetBufAlloc(target.CreditWindow)
		pkt.SetFwdCnt(target.FwdCnt)
		pkt.SetLen(0)

		return nil

	case KindRw:
		pkt.SetOp(OpRw)
		pkt.SetSrcPort(resp.StreamSrcPort)
		pkt.SetDstPort(resp.StreamDstPort)
		pkt.SetBufAlloc(target.CreditWindow)
		pkt.SetFwdCnt(target.FwdCnt)

		buf := pkt.DataBuf()
		n := copy(buf, resp.Data)
		pkt.SetLen(n)

		return nil

	case KindRequestNotify:
		pkt.SetOp(OpRequest)
		pkt.SetSrcPort(resp.StreamSrcPort)
		pkt.SetDstPort(resp.StreamDstPort)
		pkt.SetBufAlloc(target.CreditWindow)
		pkt.SetFwdCnt(target.FwdCnt)
		pkt.SetLen(0)

		return nil
	}

	return nil
}

// encodeControlResult writes the packed control-reply record used by
// Connect/Listen/Accept/GetPeername replies: result
// code, and for GetPeername, the peer address/port.
func (e *ResponseEncoder) encodeControlResult(pkt OutboundPacket, resp Response, target ProxyTarget) error {
	pkt.SetDstPort(target.ControlPort)
	pkt.SetSrcPort(resp.SrcPort)
	pkt.SetOp(OpResponse)
	pkt.SetBufAlloc(target.CreditWindow)
	pkt.SetFwdCnt(target.FwdCnt)

	buf := pkt.DataBuf()
	c := e.codec

	if err := c.WriteU32LE(buf, 0, resp.DstPort); err != nil {
		return err
	}

	if err := c.WriteI32LE(buf, 4, resp.Result); err != nil {
		return err
	}

	n := 8
	if resp.Kind == KindGetPeernameResult {
		if err := c.WriteIPv4(buf, 8, resp.PeerAddr); err != nil {
			return err
		}

		if err := c.WriteU32BE(buf, 12, uint32(resp.PeerPort)); err != nil {
			return err
		}

		n = 16
	}

	pkt.SetLen(n)

	return nil
}
