package flow

import (
	"encoding/binary"
)

// ControlMessage is the fixed 20-byte frame exchanged on the control
// characteristic. All multi-byte fields are little-endian.
//
// Layout: command u8, sequence u16, param1 u32, param2 u32, param3 u32,
// 5 reserved bytes (zero on send, ignored on receive).
type ControlMessage struct {
	Command  uint8
	Sequence uint16
	Param1   uint32
	Param2   uint32
	Param3   uint32
}

// EncodeControl serializes a control message, always padding to 20 bytes
// with the reserved tail zeroed.
func EncodeControl(cmd uint8, seq uint16, p1, p2, p3 uint32) []byte {
	buf := make([]byte, ControlMessageSize)
	buf[0] = cmd
	binary.LittleEndian.PutUint16(buf[1:3], seq)
	binary.LittleEndian.PutUint32(buf[3:7], p1)
	binary.LittleEndian.PutUint32(buf[7:11], p2)
	binary.LittleEndian.PutUint32(buf[11:15], p3)
	return buf
}

// Encode serializes the message to its 20-byte wire form
func (m *ControlMessage) Encode() []byte {
	return EncodeControl(m.Command, m.Sequence, m.Param1, m.Param2, m.Param3)
}

// DecodeControl parses a control frame. Frames shorter than 15 bytes fail
// with CONTROL_MESSAGE_TOO_SHORT; frames of 15-20 bytes parse with unsent
// trailing bytes treated as zero. Unknown opcodes (including any with the
// reserved version bit set on an otherwise known command) fail with
// INVALID_COMMAND.
func DecodeControl(data []byte) (*ControlMessage, error) {
	if len(data) < ControlMessageMinSize {
		return nil, NewProtocolError(ErrCodeControlTooShort,
			"control message too short: %d bytes", len(data))
	}

	// Copy into a full-size frame so short (15-20 byte) messages read as
	// zero-padded.
	var frame [ControlMessageSize]byte
	copy(frame[:], data)

	cmd := frame[0]
	if !knownCommand(cmd) {
		return nil, NewProtocolError(ErrCodeInvalidCommand,
			"unknown control command 0x%02X", cmd)
	}

	return &ControlMessage{
		Command:  cmd,
		Sequence: binary.LittleEndian.Uint16(frame[1:3]),
		Param1:   binary.LittleEndian.Uint32(frame[3:7]),
		Param2:   binary.LittleEndian.Uint32(frame[7:11]),
		Param3:   binary.LittleEndian.Uint32(frame[11:15]),
	}, nil
}

// DeviceInfo is the advisory payload of a DEVICE_INFO control message.
// The engine forwards it to the application without interpreting it.
type DeviceInfo struct {
	DeviceType uint8
	Battery    uint8 // percent
	Width      uint16
	Height     uint16
}

// Params packs the device info into control message parameters
func (d DeviceInfo) Params() (p1, p2 uint32) {
	p1 = uint32(d.DeviceType) | uint32(d.Battery)<<8
	p2 = uint32(d.Width) | uint32(d.Height)<<16
	return p1, p2
}

// DeviceInfoFromParams unpacks a DEVICE_INFO message's parameters
func DeviceInfoFromParams(p1, p2 uint32) DeviceInfo {
	return DeviceInfo{
		DeviceType: uint8(p1),
		Battery:    uint8(p1 >> 8),
		Width:      uint16(p2),
		Height:     uint16(p2 >> 16),
	}
}
