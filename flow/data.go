package flow

import (
	"encoding/binary"
)

// DataPacket is a single frame on the data channel: chunk id u16, payload
// length u16, payload bytes. One packet per transport write.
type DataPacket struct {
	ChunkID uint16
	Length  uint16 // declared payload length from the header
	Payload []byte // observed payload slice (len may differ from Length)
}

// EncodeData frames a chunk payload for the data channel
func EncodeData(chunkID uint16, payload []byte) []byte {
	buf := make([]byte, DataHeaderSize+len(payload))
	binary.LittleEndian.PutUint16(buf[0:2], chunkID)
	binary.LittleEndian.PutUint16(buf[2:4], uint16(len(payload)))
	copy(buf[4:], payload)
	return buf
}

// DecodeData parses a data frame. Frames shorter than the 4-byte header fail
// with DATA_CHUNK_TOO_SHORT. The payload slice aliases the input. A declared
// length that disagrees with the observed payload is preserved in Length so
// the caller can log the mismatch; the observed slice is authoritative.
func DecodeData(data []byte) (*DataPacket, error) {
	if len(data) < DataHeaderSize {
		return nil, NewProtocolError(ErrCodeDataChunkTooShort,
			"data chunk too short: %d bytes", len(data))
	}

	return &DataPacket{
		ChunkID: binary.LittleEndian.Uint16(data[0:2]),
		Length:  binary.LittleEndian.Uint16(data[2:4]),
		Payload: data[DataHeaderSize:],
	}, nil
}
