// Package wsframe defines the on-disk encoding of a captured WebSocket
// frame, shared by the record and replay engines so a chunk written by one
// can be parsed by the other without either depending on the other.
package wsframe

import (
	"encoding/binary"

	"github.com/ouli-proxy/ouli/internal/oulierr"
)

// Direction identifies which side originated a captured frame.
type Direction byte

const (
	ClientToServer Direction = 0
	ServerToClient Direction = 1
)

// Chunk is one captured WebSocket frame, per §4.5's WebSocketChunk.
type Chunk struct {
	Direction   Direction
	Opcode      int
	Data        []byte
	TimestampNs uint64
}

const headerSize = 1 + 4 + 8 // direction + opcode + timestamp_ns

// Encode serializes a Chunk into the byte blob stored as one response
// chunk in a streaming interaction's response record.
func Encode(c Chunk) []byte {
	buf := make([]byte, headerSize, headerSize+len(c.Data))
	buf[0] = byte(c.Direction)
	binary.LittleEndian.PutUint32(buf[1:5], uint32(c.Opcode))
	binary.LittleEndian.PutUint64(buf[5:13], c.TimestampNs)
	return append(buf, c.Data...)
}

// Decode parses a Chunk back out of its stored byte blob.
func Decode(buf []byte) (Chunk, error) {
	if len(buf) < headerSize {
		return Chunk{}, oulierr.New(oulierr.KindTruncated, "websocket chunk header")
	}
	return Chunk{
		Direction:   Direction(buf[0]),
		Opcode:      int(binary.LittleEndian.Uint32(buf[1:5])),
		TimestampNs: binary.LittleEndian.Uint64(buf[5:13]),
		Data:        buf[headerSize:],
	}, nil
}
