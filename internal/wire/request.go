package wire

import "fmt"

// RequestKind tags the concrete type of a decoded Request.
type RequestKind int

const (
	KindProxyCreate RequestKind = iota
	KindConnect
	KindGetPeername
	KindSendtoAddr
	KindSendtoData
	KindListen
	KindAccept
	KindProxyRelease
	KindOpResponse
	KindSendMsg
)

// Request is the decoded form of any inbound control or stream
// packet. Exactly one of the embedded payload structs
// is meaningful, selected by Kind.
type Request struct {
	Kind RequestKind

	ProxyCreate  ProxyCreateRequest
	Connect      ConnectRequest
	GetPeername  GetPeernameRequest
	SendtoAddr   SendtoAddrRequest
	Listen       ListenRequest
	Accept       AcceptRequest
	ProxyRelease ProxyReleaseRequest
	OpResponse   OpResponseRequest
	SendMsg      SendMsgRequest
}

// ProxyCreateRequest is the payload of control port 1024.
type ProxyCreateRequest struct {
	PeerPort uint32
	Type     uint16
}

// ConnectRequest is the payload of control port 1025. Port is network
// (big-endian) order on the wire.
type ConnectRequest struct {
	PeerPort uint32
	Addr     [4]byte
	Port     uint16
}

// GetPeernameRequest is the payload of control port 1026.
type GetPeernameRequest struct {
	PeerPort  uint32
	LocalPort uint32
	Peer      uint32
}

// SendtoAddrRequest is the payload of control port 1027. Port is
// little-endian on the wire, unlike Connect/Listen — preserved as
// specified.
type SendtoAddrRequest struct {
	PeerPort uint32
	Addr     [4]byte
	Port     uint16
}

// ListenRequest is the payload of control port 1029, using the
// corrected field layout: port@8 (big-endian, 2B), vm_port@10
// (little-endian, 4B), backlog@14 (little-endian, 4B),
// §9.
type ListenRequest struct {
	PeerPort uint32
	Addr     [4]byte
	Port     uint16
	VMPort   uint32
	Backlog  int32
}

// AcceptRequest is the payload of control port 1030.
type AcceptRequest struct {
	PeerPort uint32
	Flags    uint32
}

// ProxyReleaseRequest is the payload of control port 1031.
type ProxyReleaseRequest struct {
	PeerPort  uint32
	LocalPort uint32
}

// OpResponseRequest is decoded from a stream packet with op=Response:
// the guest acknowledging a ReverseInit connection.
type OpResponseRequest struct {
	PeerPort  uint32
	LocalPort uint32
	BufAlloc  uint32
	FwdCnt    uint32
}

// SendMsgRequest is decoded from a stream packet with op=Rw: inline
// data carried from the guest to the host socket.
type SendMsgRequest struct {
	PeerPort  uint32
	LocalPort uint32
	Data      []byte
}

// RequestDecoder classifies and decodes inbound packets per the wire
// §4.2.
type RequestDecoder struct {
	codec ByteCodec
}

// NewRequestDecoder returns a ready-to-use decoder.
func NewRequestDecoder() *RequestDecoder {
	return &RequestDecoder{}
}

// Decode classifies pkt as a control request (by dst_port) or a
// stream opcode (by op field) and decodes its payload.
func (d *RequestDecoder) Decode(pkt InboundPacket) (Request, error) {
	if IsControlPort(pkt.DstPort()) {
		return d.decodeControl(pkt)
	}

	return d.decodeStreamOp(pkt)
}

func (d *RequestDecoder) decodeControl(pkt InboundPacket) (Request, error) {
	data := pkt.DataSlice()
	if data == nil {
		return Request{}, fmt.Errorf("control port %d: %w", pkt.DstPort(), ErrPktBufMissing)
	}

	c := d.codec

	switch pkt.DstPort() {
	case PortProxyCreate:
		peerPort, err := c.ReadU32LE(data, 0)
		if err != nil {
			return Request{}, err
		}

		typ, err := c.ReadU16LE(data, 4)
		if err != nil {
			return Request{}, err
		}

		return Request{Kind: KindProxyCreate, ProxyCreate: ProxyCreateRequest{PeerPort: peerPort, Type: typ}}, nil

	case PortConnect:
		peerPort, err := c.ReadU32LE(data, 0)
		if err != nil {
			return Request{}, err
		}

		addr, err := c.ReadIPv4(data, 4)
		if err != nil {
			return Request{}, err
		}

		port, err := c.ReadU16BE(data, 8)
		if err != nil {
			return Request{}, err
		}

		return Request{Kind: KindConnect, Connect: ConnectRequest{PeerPort: peerPort, Addr: addr, Port: port}}, nil

	case PortGetPeername:
		peerPort, err := c.ReadU32LE(data, 0)
		if err != nil {
			return Request{}, err
		}

		localPort, err := c.ReadU32LE(data, 4)
		if err != nil {
			return Request{}, err
		}

		peer, err := c.ReadU32LE(data, 8)
		if err != nil {
			return Request{}, err
		}

		return Request{Kind: KindGetPeername, GetPeername: GetPeernameRequest{PeerPort: peerPort, LocalPort: localPort, Peer: peer}}, nil

	case PortSendtoAddr:
		peerPort, err := c.ReadU32LE(data, 0)
		if err != nil {
			return Request{}, err
		}

		addr, err := c.ReadIPv4(data, 4)
		if err != nil {
			return Request{}, err
		}

		port, err := c.ReadU16LE(data, 8)
		if err != nil {
			return Request{}, err
		}

		return Request{Kind: KindSendtoAddr, SendtoAddr: SendtoAddrRequest{PeerPort: peerPort, Addr: addr, Port: port}}, nil

	case PortSendtoData:
		return Request{Kind: KindSendtoData}, nil

	case PortListen:
		peerPort, err := c.ReadU32LE(data, 0)
		if err != nil {
			return Request{}, err
		}

		addr, err := c.ReadIPv4(data, 4)
		if err != nil {
			return Request{}, err
		}

		port, err := c.ReadU16BE(data, 8)
		if err != nil {
			return Request{}, err
		}

		vmPort, err := c.ReadU32LE(data, 10)
		if err != nil {
			return Request{}, err
		}

		backlog, err := c.ReadI32LE(data, 14)
		if err != nil {
			return Request{}, err
		}

		return Request{Kind: KindListen, Listen: ListenRequest{
			PeerPort: peerPort, Addr: addr, Port: port, VMPort: vmPort, Backlog: backlog,
		}}, nil

	case PortAccept:
		peerPort, err := c.ReadU32LE(data, 0)
		if err != nil {
			return Request{}, err
		}

		flags, err := c.ReadU32LE(data, 4)
		if err != nil {
			return Request{}, err
		}

		return Request{Kind: KindAccept, Accept: AcceptRequest{PeerPort: peerPort, Flags: flags}}, nil

	case PortProxyRelease:
		peerPort, err := c.ReadU32LE(data, 0)
		if err != nil {
			return Request{}, err
		}

		localPort, err := c.ReadU32LE(data, 4)
		if err != nil {
			return Request{}, err
		}

		return Request{Kind: KindProxyRelease, ProxyRelease: ProxyReleaseRequest{PeerPort: peerPort, LocalPort: localPort}}, nil

	default:
		return Request{}, fmt.Errorf("port %d: %w", pkt.DstPort(), ErrUnknownControlPort)
	}
}

func (d *RequestDecoder) decodeStreamOp(pkt InboundPacket) (Request, error) {
	switch pkt.Op() {
	case OpResponse:
		return Request{Kind: KindOpResponse, OpResponse: OpResponseRequest{
			PeerPort:  pkt.SrcPort(),
			LocalPort: pkt.DstPort(),
			BufAlloc:  pkt.BufAlloc(),
			FwdCnt:    pkt.FwdCnt(),
		}}, nil

	case OpRw:
		data := pkt.DataSlice()
		if data == nil {
			return Request{}, fmt.Errorf("op Rw: %w", ErrPktBufMissing)
		}

		cp := make([]byte, len(data))
		copy(cp, data)

		return Request{Kind: KindSendMsg, SendMsg: SendMsgRequest{
			PeerPort:  pkt.SrcPort(),
			LocalPort: pkt.DstPort(),
			Data:      cp,
		}}, nil

	case OpRequest, OpRst, OpShutdown, OpCreditUpdate, OpCreditRequest:
		return Request{}, &ReservedOpError{Op: pkt.Op()}

	default:
		return Request{}, &UnknownOpError{Op: pkt.Op()}
	}
}
