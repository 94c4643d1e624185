package wire

// InboundPacket is the read-only view of an inbound vsock packet the
// core requires from the transport. It is borrowed for
// the duration of a single decode call; the core never retains it.
type InboundPacket interface {
	SrcCID() uint64
	DstCID() uint64
	SrcPort() uint32
	DstPort() uint32
	Op() uint16
	Type() uint16
	BufAlloc() uint32
	FwdCnt() uint32

	// DataSlice returns the packet's payload, or nil if it carries
	// none. The returned slice must not be retained past the call.
	DataSlice() []byte
}

// OutboundPacket is the writable view of an outbound vsock packet the
// core fills in. It is borrowed from the transport for
// the duration of a single encode call and returned afterwards.
type OutboundPacket interface {
	SetSrcCID(uint64)
	SetDstCID(uint64)
	SetSrcPort(uint32)
	SetDstPort(uint32)
	SetOp(uint16)
	SetType(uint16)
	SetBufAlloc(uint32)
	SetFwdCnt(uint32)

	// DataBuf returns the mutable payload buffer backing this packet.
	// The encoder writes into it and calls SetLen to report how many
	// bytes it used.
	DataBuf() []byte
	SetLen(int)
}
