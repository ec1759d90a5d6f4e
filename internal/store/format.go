// Package store implements C3: the binary, memory-mappable recording file
// — writer, reader, index, and integrity checks described in §3 and §4.3.
// All multi-byte integers are little-endian; all offsets are absolute from
// byte 0. The on-disk layout is fixed so a reader can perform unaligned
// loads directly against the mapped region without heap allocation.
package store

import (
	"encoding/binary"
	"hash/crc32"
)

// Magic is the 8-byte file identifier, literally "OULIRECR".
var Magic = [8]byte{'O', 'U', 'L', 'I', 'R', 'E', 'C', 'R'}

const (
	FormatVersion = uint32(1)

	HeaderSize     = 128
	IndexEntrySize = 128

	// Header field offsets, per §3.
	offMagic          = 0
	offVersion        = 8
	offInteractionCnt = 12
	offFileSize       = 16
	offHeaderCRC      = 24
	offIndexCRC       = 28
	offCreatedAtNs    = 32
	offModifiedAtNs   = 40
	offRecordingID    = 48
	// reserved: 80..128 (48 bytes)

	// Index entry field offsets, per §3.
	ieOffRequestHash     = 0
	ieOffPrevRequestHash = 32
	ieOffRequestOffset   = 64
	ieOffRequestSize     = 72
	ieOffResponseOffset  = 76
	ieOffResponseSize    = 84
	ieOffResponseStatus  = 88
	ieOffFlags           = 90
	ieOffTimestampNs     = 92
	// reserved: 100..128 (28 bytes)
)

// Flag bits for an interaction, per §3. Bits 5-15 are reserved and must be
// zero.
const (
	FlagWebSocket  Flags = 1 << 0
	FlagStreaming  Flags = 1 << 1
	FlagCompressed Flags = 1 << 2
	FlagRedacted   Flags = 1 << 3
	FlagEncrypted  Flags = 1 << 4

	reservedFlagMask = ^Flags(0x1f)
)

// Flags is the bit field carried by each interaction.
type Flags uint16

// Valid reports whether f uses only the defined bits.
func (f Flags) Valid() bool {
	return f&reservedFlagMask == 0
}

// Hard limits from §4.3.
const (
	MaxConnections         = 4096
	MaxEndpoints           = 64
	MaxRequestSize         = 16 << 20
	MaxResponseSize        = 256 << 20
	MaxHeaders             = 128
	MaxInteractionsPerFile = 65536
	MaxFileSize            = 16 << 30
	MaxChainDepth          = 65536

	InitialFileSize = 1 << 20
)

// Header mirrors the fixed 128-byte header region of §3.
type Header struct {
	Version          uint32
	InteractionCount uint32
	FileSize         uint64
	HeaderCRC        uint32
	IndexCRC         uint32
	CreatedAtNs      uint64
	ModifiedAtNs     uint64
	RecordingID      [32]byte
}

// encode serializes h into the fixed 128-byte header layout.
func (h Header) encode() [HeaderSize]byte {
	var buf [HeaderSize]byte
	copy(buf[offMagic:], Magic[:])
	binary.LittleEndian.PutUint32(buf[offVersion:], h.Version)
	binary.LittleEndian.PutUint32(buf[offInteractionCnt:], h.InteractionCount)
	binary.LittleEndian.PutUint64(buf[offFileSize:], h.FileSize)
	binary.LittleEndian.PutUint32(buf[offHeaderCRC:], h.HeaderCRC)
	binary.LittleEndian.PutUint32(buf[offIndexCRC:], h.IndexCRC)
	binary.LittleEndian.PutUint64(buf[offCreatedAtNs:], h.CreatedAtNs)
	binary.LittleEndian.PutUint64(buf[offModifiedAtNs:], h.ModifiedAtNs)
	copy(buf[offRecordingID:], h.RecordingID[:])
	return buf
}

// decodeHeader parses the fixed header region out of buf (which must be at
// least HeaderSize bytes).
func decodeHeader(buf []byte) Header {
	var h Header
	h.Version = binary.LittleEndian.Uint32(buf[offVersion:])
	h.InteractionCount = binary.LittleEndian.Uint32(buf[offInteractionCnt:])
	h.FileSize = binary.LittleEndian.Uint64(buf[offFileSize:])
	h.HeaderCRC = binary.LittleEndian.Uint32(buf[offHeaderCRC:])
	h.IndexCRC = binary.LittleEndian.Uint32(buf[offIndexCRC:])
	h.CreatedAtNs = binary.LittleEndian.Uint64(buf[offCreatedAtNs:])
	h.ModifiedAtNs = binary.LittleEndian.Uint64(buf[offModifiedAtNs:])
	copy(h.RecordingID[:], buf[offRecordingID:offRecordingID+32])
	return h
}

// headerCRC computes the CRC-32 of header bytes [32, 128), per invariant 2.
func headerCRC(buf []byte) uint32 {
	return crc32.ChecksumIEEE(buf[32:HeaderSize])
}

// IndexEntry mirrors the fixed 128-byte index entry layout of §3.
type IndexEntry struct {
	RequestHash     [32]byte
	PrevRequestHash [32]byte
	RequestOffset   uint64
	RequestSize     uint32
	ResponseOffset  uint64
	ResponseSize    uint32
	ResponseStatus  uint16
	Flags           Flags
	TimestampNs     uint64
}

func (e IndexEntry) encode() [IndexEntrySize]byte {
	var buf [IndexEntrySize]byte
	copy(buf[ieOffRequestHash:], e.RequestHash[:])
	copy(buf[ieOffPrevRequestHash:], e.PrevRequestHash[:])
	binary.LittleEndian.PutUint64(buf[ieOffRequestOffset:], e.RequestOffset)
	binary.LittleEndian.PutUint32(buf[ieOffRequestSize:], e.RequestSize)
	binary.LittleEndian.PutUint64(buf[ieOffResponseOffset:], e.ResponseOffset)
	binary.LittleEndian.PutUint32(buf[ieOffResponseSize:], e.ResponseSize)
	binary.LittleEndian.PutUint16(buf[ieOffResponseStatus:], e.ResponseStatus)
	binary.LittleEndian.PutUint16(buf[ieOffFlags:], uint16(e.Flags))
	binary.LittleEndian.PutUint64(buf[ieOffTimestampNs:], e.TimestampNs)
	return buf
}

func decodeIndexEntry(buf []byte) IndexEntry {
	var e IndexEntry
	copy(e.RequestHash[:], buf[ieOffRequestHash:ieOffRequestHash+32])
	copy(e.PrevRequestHash[:], buf[ieOffPrevRequestHash:ieOffPrevRequestHash+32])
	e.RequestOffset = binary.LittleEndian.Uint64(buf[ieOffRequestOffset:])
	e.RequestSize = binary.LittleEndian.Uint32(buf[ieOffRequestSize:])
	e.ResponseOffset = binary.LittleEndian.Uint64(buf[ieOffResponseOffset:])
	e.ResponseSize = binary.LittleEndian.Uint32(buf[ieOffResponseSize:])
	e.ResponseStatus = binary.LittleEndian.Uint16(buf[ieOffResponseStatus:])
	e.Flags = Flags(binary.LittleEndian.Uint16(buf[ieOffFlags:]))
	e.TimestampNs = binary.LittleEndian.Uint64(buf[ieOffTimestampNs:])
	return e
}

// indexCRC computes the CRC-32 over the full index region (N entries).
func indexCRC(indexBytes []byte) uint32 {
	return crc32.ChecksumIEEE(indexBytes)
}

// RequestRecordHeader is the fixed preamble written before a serialized
// request body, per §4.3 step 2.
type RequestRecordHeader struct {
	MethodLen    uint16
	PathLen      uint16
	HeaderCount  uint16
	BodyLen      uint32
	CRC          uint32
}

const requestRecordHeaderSize = 14

func (h RequestRecordHeader) encode() [requestRecordHeaderSize]byte {
	var buf [requestRecordHeaderSize]byte
	binary.LittleEndian.PutUint16(buf[0:], h.MethodLen)
	binary.LittleEndian.PutUint16(buf[2:], h.PathLen)
	binary.LittleEndian.PutUint16(buf[4:], h.HeaderCount)
	binary.LittleEndian.PutUint32(buf[6:], h.BodyLen)
	binary.LittleEndian.PutUint32(buf[10:], h.CRC)
	return buf
}

func decodeRequestRecordHeader(buf []byte) RequestRecordHeader {
	var h RequestRecordHeader
	h.MethodLen = binary.LittleEndian.Uint16(buf[0:])
	h.PathLen = binary.LittleEndian.Uint16(buf[2:])
	h.HeaderCount = binary.LittleEndian.Uint16(buf[4:])
	h.BodyLen = binary.LittleEndian.Uint32(buf[6:])
	h.CRC = binary.LittleEndian.Uint32(buf[10:])
	return h
}

// ResponseRecordHeader is the fixed preamble written before a serialized
// response body (or chunk sequence), per §4.3 step 3.
type ResponseRecordHeader struct {
	HeaderCount uint16
	Status      uint16
	ChunkCount  uint32
	BodyLen     uint32
	CRC         uint32
}

const responseRecordHeaderSize = 16

func (h ResponseRecordHeader) encode() [responseRecordHeaderSize]byte {
	var buf [responseRecordHeaderSize]byte
	binary.LittleEndian.PutUint16(buf[0:], h.HeaderCount)
	binary.LittleEndian.PutUint16(buf[2:], h.Status)
	binary.LittleEndian.PutUint32(buf[4:], h.ChunkCount)
	binary.LittleEndian.PutUint32(buf[8:], h.BodyLen)
	binary.LittleEndian.PutUint32(buf[12:], h.CRC)
	return buf
}

func decodeResponseRecordHeader(buf []byte) ResponseRecordHeader {
	var h ResponseRecordHeader
	h.HeaderCount = binary.LittleEndian.Uint16(buf[0:])
	h.Status = binary.LittleEndian.Uint16(buf[2:])
	h.ChunkCount = binary.LittleEndian.Uint32(buf[4:])
	h.BodyLen = binary.LittleEndian.Uint32(buf[8:])
	h.CRC = binary.LittleEndian.Uint32(buf[12:])
	return h
}
