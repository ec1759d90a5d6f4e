package store

import (
	"bytes"
	"os"
	"sync/atomic"

	"github.com/ouli-proxy/ouli/internal/oulierr"
)

// Reader is a read-only, memory-mapped view of a finalized recording. All
// request/response bytes returned from it are slices directly into the
// mapping — valid for the Reader's lifetime, never copied — which is what
// lets Lookup/ReadResponse satisfy the replay engine's latency budget.
//
// The mapping is reference-counted (refs) rather than torn down the moment
// a Reader is evicted from a cache: per §3/§4.6, a response handle sliced
// out of the mapping must keep it alive until that handle is itself gone,
// so eviction only drops a reference via Release rather than unmapping
// outright.
type Reader struct {
	file    *os.File
	m       *mapping
	header  Header
	entries []IndexEntry
	byHash  map[[32]byte]int
	refs    int32
}

// Open validates and maps a finalized recording file per §4.4: magic,
// version, header CRC, index CRC, then a per-record CRC pass over every
// request and response so that a corrupted recording is rejected at open
// rather than surfacing mid-replay.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	size := info.Size()
	if size < HeaderSize {
		f.Close()
		return nil, oulierr.New(oulierr.KindTruncated, "file smaller than header")
	}

	m, err := mmapFile(f, size, false)
	if err != nil {
		f.Close()
		return nil, err
	}

	r := &Reader{file: f, m: m, refs: 1}
	if err := r.validate(size); err != nil {
		m.close()
		f.Close()
		return nil, err
	}
	return r, nil
}

func (r *Reader) validate(size int64) error {
	buf := r.m.bytes()

	if !bytes.Equal(buf[offMagic:offMagic+8], Magic[:]) {
		return oulierr.New(oulierr.KindBadMagic, "not an ouli recording")
	}

	header := decodeHeader(buf[:HeaderSize])
	if header.Version != FormatVersion {
		return oulierr.New(oulierr.KindUnsupportedVersion, "unsupported recording version")
	}
	if headerCRC(buf[:HeaderSize]) != header.HeaderCRC {
		return oulierr.New(oulierr.KindHeaderCrcMismatch, "header CRC mismatch")
	}

	// Invariant 4: interaction_count*128+128 <= file_size <= actual file
	// length. file_size sits at offset 16-24, outside the CRC'd region
	// [32,128), so nothing above this line catches a bit flip there.
	minFileSize := uint64(header.InteractionCount)*uint64(IndexEntrySize) + uint64(HeaderSize)
	if header.FileSize < minFileSize || header.FileSize > uint64(size) {
		return oulierr.New(oulierr.KindTruncated, "file_size header field inconsistent with recording contents")
	}

	indexRegionSize := int64(header.InteractionCount) * IndexEntrySize
	if HeaderSize+indexRegionSize > size {
		return oulierr.New(oulierr.KindTruncated, "index region extends past end of file")
	}
	indexBytes := buf[HeaderSize : HeaderSize+indexRegionSize]
	if indexCRC(indexBytes) != header.IndexCRC {
		return oulierr.New(oulierr.KindIndexCrcMismatch, "index CRC mismatch")
	}

	entries := make([]IndexEntry, header.InteractionCount)
	byHash := make(map[[32]byte]int, header.InteractionCount)
	for i := range entries {
		e := decodeIndexEntry(indexBytes[int64(i)*IndexEntrySize:])
		if !e.Flags.Valid() {
			return oulierr.New(oulierr.KindReservedFlagBits, "reserved flag bits set")
		}
		reqEnd := int64(e.RequestOffset) + int64(e.RequestSize)
		respEnd := int64(e.ResponseOffset) + int64(e.ResponseSize)
		if reqEnd > size || respEnd > size {
			return oulierr.New(oulierr.KindTruncated, "interaction data extends past end of file")
		}
		if _, err := DecodeRequestRecord(buf[e.RequestOffset:reqEnd]); err != nil {
			return err
		}
		if _, err := DecodeResponseRecord(buf[e.ResponseOffset:respEnd]); err != nil {
			return err
		}
		entries[i] = e
		byHash[e.RequestHash] = i
	}

	r.header = header
	r.entries = entries
	r.byHash = byHash
	return nil
}

// RecordingID returns the 32-byte identifier stamped into the header.
func (r *Reader) RecordingID() [32]byte { return r.header.RecordingID }

// InteractionCount returns the number of interactions in the recording.
func (r *Reader) InteractionCount() int { return len(r.entries) }

// Lookup finds the interaction recorded with the given request fingerprint.
func (r *Reader) Lookup(requestHash [32]byte) (IndexEntry, bool) {
	i, ok := r.byHash[requestHash]
	if !ok {
		return IndexEntry{}, false
	}
	return r.entries[i], true
}

// ReadRequest decodes the request half of an interaction.
func (r *Reader) ReadRequest(e IndexEntry) (DecodedRequest, error) {
	buf := r.m.bytes()
	end := int64(e.RequestOffset) + int64(e.RequestSize)
	return DecodeRequestRecord(buf[e.RequestOffset:end])
}

// ReadResponse decodes the response half of an interaction. The returned
// Body/Chunks slices alias the mapping directly.
func (r *Reader) ReadResponse(e IndexEntry) (DecodedResponse, error) {
	buf := r.m.bytes()
	end := int64(e.ResponseOffset) + int64(e.ResponseSize)
	return DecodeResponseRecord(buf[e.ResponseOffset:end])
}

// AllInteractions returns a copy of the recording's index, in append order.
func (r *Reader) AllInteractions() []IndexEntry {
	out := make([]IndexEntry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Retain adds a reference to the underlying mapping, keeping it alive past
// a subsequent Close/Release. Callers that hand out slices of the mapping
// beyond the Reader's own lifetime (e.g. a response cache entry that
// outlives reader-cache eviction) must Retain before doing so and Release
// once that slice is no longer needed.
func (r *Reader) Retain() {
	atomic.AddInt32(&r.refs, 1)
}

// Close drops this Reader's own reference. Equivalent to Release.
func (r *Reader) Close() error {
	return r.Release()
}

// Release drops a reference taken by Open or Retain. The mapping and file
// descriptor are only unmapped/closed once every reference has been
// released, so evicting the Reader from a cache cannot invalidate bytes
// still referenced by a cached response.
func (r *Reader) Release() error {
	if atomic.AddInt32(&r.refs, -1) > 0 {
		return nil
	}
	if err := r.m.close(); err != nil {
		r.file.Close()
		return err
	}
	return r.file.Close()
}
