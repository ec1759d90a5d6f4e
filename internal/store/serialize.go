package store

import (
	"encoding/binary"
	"hash/crc32"
	"sort"

	"github.com/ouli-proxy/ouli/internal/oulierr"
)

// encodeHeaders writes each (name, value) pair as: u16 name length, name
// bytes, u16 value length, value bytes. Multi-value headers are encoded as
// repeated entries with the same name, preserving order.
func encodeHeaders(headers map[string][]string) []byte {
	names := make([]string, 0, len(headers))
	for n := range headers {
		names = append(names, n)
	}
	sort.Strings(names)

	var out []byte
	for _, name := range names {
		for _, v := range headers[name] {
			out = appendLP16(out, []byte(name))
			out = appendLP16(out, []byte(v))
		}
	}
	return out
}

func appendLP16(dst []byte, b []byte) []byte {
	var lenBuf [2]byte
	binary.LittleEndian.PutUint16(lenBuf[:], uint16(len(b)))
	dst = append(dst, lenBuf[:]...)
	return append(dst, b...)
}

func decodeHeaders(buf []byte, count int) (map[string][]string, []byte, error) {
	headers := make(map[string][]string, count)
	for i := 0; i < count; i++ {
		name, rest, err := readLP16(buf)
		if err != nil {
			return nil, nil, err
		}
		value, rest2, err := readLP16(rest)
		if err != nil {
			return nil, nil, err
		}
		headers[string(name)] = append(headers[string(name)], string(value))
		buf = rest2
	}
	return headers, buf, nil
}

func readLP16(buf []byte) (value []byte, rest []byte, err error) {
	if len(buf) < 2 {
		return nil, nil, oulierr.New(oulierr.KindTruncated, "header length prefix")
	}
	n := int(binary.LittleEndian.Uint16(buf))
	buf = buf[2:]
	if len(buf) < n {
		return nil, nil, oulierr.New(oulierr.KindTruncated, "header value")
	}
	return buf[:n], buf[n:], nil
}

func headerCount(headers map[string][]string) int {
	n := 0
	for _, v := range headers {
		n += len(v)
	}
	return n
}

// EncodeRequestRecord serializes a captured request per §4.3 step 2: a
// fixed 14-byte header followed by method, path, headers, body.
func EncodeRequestRecord(method, path string, headers map[string][]string, body []byte) []byte {
	headerBytes := encodeHeaders(headers)
	payload := make([]byte, 0, len(method)+len(path)+len(headerBytes)+len(body))
	payload = append(payload, method...)
	payload = append(payload, path...)
	payload = append(payload, headerBytes...)
	payload = append(payload, body...)

	rh := RequestRecordHeader{
		MethodLen:   uint16(len(method)),
		PathLen:     uint16(len(path)),
		HeaderCount: uint16(headerCount(headers)),
		BodyLen:     uint32(len(body)),
		CRC:         crc32.ChecksumIEEE(payload),
	}
	hdrBytes := rh.encode()
	out := make([]byte, 0, requestRecordHeaderSize+len(payload))
	out = append(out, hdrBytes[:]...)
	out = append(out, payload...)
	return out
}

type DecodedRequest struct {
	Method  string
	Path    string
	Headers map[string][]string
	Body    []byte
}

func DecodeRequestRecord(buf []byte) (DecodedRequest, error) {
	if len(buf) < requestRecordHeaderSize {
		return DecodedRequest{}, oulierr.New(oulierr.KindTruncated, "request record header")
	}
	rh := decodeRequestRecordHeader(buf[:requestRecordHeaderSize])
	payload := buf[requestRecordHeaderSize:]
	if crc32.ChecksumIEEE(payload) != rh.CRC {
		return DecodedRequest{}, oulierr.New(oulierr.KindEntryCrcMismatch, "request record")
	}
	off := 0
	need := int(rh.MethodLen) + int(rh.PathLen)
	if len(payload) < need {
		return DecodedRequest{}, oulierr.New(oulierr.KindTruncated, "request method/path")
	}
	method := string(payload[off : off+int(rh.MethodLen)])
	off += int(rh.MethodLen)
	path := string(payload[off : off+int(rh.PathLen)])
	off += int(rh.PathLen)

	headers, rest, err := decodeHeaders(payload[off:], int(rh.HeaderCount))
	if err != nil {
		return DecodedRequest{}, err
	}
	if len(rest) < int(rh.BodyLen) {
		return DecodedRequest{}, oulierr.New(oulierr.KindTruncated, "request body")
	}
	body := rest[:rh.BodyLen]
	return DecodedRequest{Method: method, Path: path, Headers: headers, Body: body}, nil
}

// EncodeResponseRecord serializes a captured response per §4.3 step 3. If
// chunks is non-nil the response is streaming: chunk_count and
// (chunk_len, chunk_bytes) tuples replace a single body.
func EncodeResponseRecord(status uint16, headers map[string][]string, body []byte, chunks [][]byte) []byte {
	headerBytes := encodeHeaders(headers)

	var bodyRegion []byte
	var chunkCount uint32
	if chunks != nil {
		chunkCount = uint32(len(chunks))
		for _, c := range chunks {
			var lenBuf [4]byte
			binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(c)))
			bodyRegion = append(bodyRegion, lenBuf[:]...)
			bodyRegion = append(bodyRegion, c...)
		}
	} else {
		bodyRegion = body
	}

	payload := make([]byte, 0, len(headerBytes)+len(bodyRegion))
	payload = append(payload, headerBytes...)
	payload = append(payload, bodyRegion...)

	rh := ResponseRecordHeader{
		HeaderCount: uint16(headerCount(headers)),
		Status:      status,
		ChunkCount:  chunkCount,
		BodyLen:     uint32(len(bodyRegion)),
		CRC:         crc32.ChecksumIEEE(payload),
	}
	hdrBytes := rh.encode()
	out := make([]byte, 0, responseRecordHeaderSize+len(payload))
	out = append(out, hdrBytes[:]...)
	out = append(out, payload...)
	return out
}

type DecodedResponse struct {
	Status  uint16
	Headers map[string][]string
	Body    []byte
	Chunks  [][]byte
}

func DecodeResponseRecord(buf []byte) (DecodedResponse, error) {
	if len(buf) < responseRecordHeaderSize {
		return DecodedResponse{}, oulierr.New(oulierr.KindTruncated, "response record header")
	}
	rh := decodeResponseRecordHeader(buf[:responseRecordHeaderSize])
	payload := buf[responseRecordHeaderSize:]
	if crc32.ChecksumIEEE(payload) != rh.CRC {
		return DecodedResponse{}, oulierr.New(oulierr.KindEntryCrcMismatch, "response record")
	}

	headers, rest, err := decodeHeaders(payload, int(rh.HeaderCount))
	if err != nil {
		return DecodedResponse{}, err
	}
	if len(rest) < int(rh.BodyLen) {
		return DecodedResponse{}, oulierr.New(oulierr.KindTruncated, "response body")
	}
	bodyRegion := rest[:rh.BodyLen]

	if rh.ChunkCount == 0 {
		return DecodedResponse{Status: rh.Status, Headers: headers, Body: bodyRegion}, nil
	}

	chunks := make([][]byte, 0, rh.ChunkCount)
	off := 0
	for i := uint32(0); i < rh.ChunkCount; i++ {
		if len(bodyRegion)-off < 4 {
			return DecodedResponse{}, oulierr.New(oulierr.KindTruncated, "chunk length")
		}
		n := int(binary.LittleEndian.Uint32(bodyRegion[off:]))
		off += 4
		if len(bodyRegion)-off < n {
			return DecodedResponse{}, oulierr.New(oulierr.KindTruncated, "chunk body")
		}
		chunks = append(chunks, bodyRegion[off:off+n])
		off += n
	}
	return DecodedResponse{Status: rh.Status, Headers: headers, Chunks: chunks}, nil
}
