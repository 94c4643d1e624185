package wire

import "encoding/binary"

// ByteCodec reads and writes fixed-width integers at explicit byte
// offsets within a packet data buffer, with bounds checks on every
// access. It holds no state of its own; it operates on
// whatever buffer is handed to it.
type ByteCodec struct{}

func (ByteCodec) checkBounds(buf []byte, offset, width int) error {
	if offset < 0 || width < 0 || offset+width > len(buf) {
		return offsetError(offset, width, len(buf))
	}

	return nil
}

// ReadU8 reads a single byte at offset.
func (c ByteCodec) ReadU8(buf []byte, offset int) (uint8, error) {
	if err := c.checkBounds(buf, offset, 1); err != nil {
		return 0, err
	}

	return buf[offset], nil
}

// ReadU16LE reads a little-endian 16-bit integer at offset.
func (c ByteCodec) ReadU16LE(buf []byte, offset int) (uint16, error) {
	if err := c.checkBounds(buf, offset, 2); err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint16(buf[offset:]), nil
}

// ReadU16BE reads a big-endian (network order) 16-bit integer at
// offset. Used for IPv4 ports on Connect/Listen.
func (c ByteCodec) ReadU16BE(buf []byte, offset int) (uint16, error) {
	if err := c.checkBounds(buf, offset, 2); err != nil {
		return 0, err
	}

	return binary.BigEndian.Uint16(buf[offset:]), nil
}

// ReadU32LE reads a little-endian 32-bit integer at offset.
func (c ByteCodec) ReadU32LE(buf []byte, offset int) (uint32, error) {
	if err := c.checkBounds(buf, offset, 4); err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint32(buf[offset:]), nil
}

// ReadI32LE reads a little-endian signed 32-bit integer at offset.
func (c ByteCodec) ReadI32LE(buf []byte, offset int) (int32, error) {
	v, err := c.ReadU32LE(buf, offset)
	if err != nil {
		return 0, err
	}

	return int32(v), nil
}

// ReadIPv4 assembles an IPv4 address from four consecutive
// little-endian bytes at offset.
func (c ByteCodec) ReadIPv4(buf []byte, offset int) ([4]byte, error) {
	var addr [4]byte
	if err := c.checkBounds(buf, offset, 4); err != nil {
		return addr, err
	}

	copy(addr[:], buf[offset:offset+4])

	return addr, nil
}

// WriteU16LE writes v little-endian at offset.
func (c ByteCodec) WriteU16LE(buf []byte, offset int, v uint16) error {
	if err := c.checkBounds(buf, offset, 2); err != nil {
		return err
	}

	binary.LittleEndian.PutUint16(buf[offset:], v)

	return nil
}

// WriteU32LE writes v little-endian at offset.
func (c ByteCodec) WriteU32LE(buf []byte, offset int, v uint32) error {
	if err := c.checkBounds(buf, offset, 4); err != nil {
		return err
	}

	binary.LittleEndian.PutUint32(buf[offset:], v)

	return nil
}

// WriteI32LE writes v little-endian at offset.
func (c ByteCodec) WriteI32LE(buf []byte, offset int, v int32) error {
	return c.WriteU32LE(buf, offset, uint32(v))
}

// WriteU32BE writes v big-endian at offset.
func (c ByteCodec) WriteU32BE(buf []byte, offset int, v uint32) error {
	if err := c.checkBounds(buf, offset, 4); err != nil {
		return err
	}

	binary.BigEndian.PutUint32(buf[offset:], v)

	return nil
}

// WriteIPv4 writes addr as four consecutive little-endian bytes at
// offset.
func (c ByteCodec) WriteIPv4(buf []byte, offset int, addr [4]byte) error {
	if err := c.checkBounds(buf, offset, 4); err != nil {
		return err
	}

	copy(buf[offset:offset+4], addr[:])

	return nil
}
