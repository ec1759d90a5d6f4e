package store

import (
	"encoding/binary"
	"os"

	"github.com/ouli-proxy/ouli/internal/oulierr"
)

// Clock supplies timestamps, injectable so tests (and the byte-level
// recording determinism property in §8) can pin created_at_ns/
// modified_at_ns to fixed values rather than wall-clock time.
type Clock interface {
	NowNs() uint64
}

// Writer is the exclusive-creation, append-only side of C3. Interactions
// accumulate in memory alongside an append-only data region in the mapped
// file; the index itself (whose size depends on the final interaction
// count) is written once, at Finalize, by shifting the data region forward
// by exactly N*IndexEntrySize bytes — preserving the documented on-disk
// layout without rewriting the data once per append.
type Writer struct {
	path   string
	file   *os.File
	m      *mapping
	clock  Clock

	capacity   int64
	dataOffset int64 // next free byte within the provisional data region

	header  Header
	entries []IndexEntry

	checkpointInterval int
	appendsSinceCkpt   int

	finalized bool
}

// CreateOptions configures a new recording file.
type CreateOptions struct {
	RecordingID        [32]byte
	Clock              Clock
	CheckpointInterval int // 0 uses the default of 32
}

// Create exclusively creates path (must not already exist) and maps an
// initial 1 MiB region, per §4.3.
func Create(path string, opts CreateOptions) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, oulierr.Wrap(oulierr.KindTruncated, "create recording file", err)
	}
	if err := f.Truncate(InitialFileSize); err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}
	m, err := mmapFile(f, InitialFileSize, true)
	if err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}

	ckptInterval := opts.CheckpointInterval
	if ckptInterval <= 0 {
		ckptInterval = 32
	}

	w := &Writer{
		path:               path,
		file:               f,
		m:                  m,
		clock:              opts.Clock,
		capacity:           InitialFileSize,
		dataOffset:         HeaderSize,
		checkpointInterval: ckptInterval,
	}
	w.header.Version = FormatVersion
	w.header.RecordingID = opts.RecordingID
	w.header.CreatedAtNs = w.now()
	return w, nil
}

func (w *Writer) now() uint64 {
	if w.clock != nil {
		return w.clock.NowNs()
	}
	return uint64(nowFallback())
}

// AppendInteraction implements §4.3 append_interaction.
func (w *Writer) AppendInteraction(requestHash, prevHash [32]byte, requestBytes, responseBytes []byte, status uint16, flags Flags, timestampNs uint64) error {
	if w.finalized {
		return oulierr.New(oulierr.KindTruncated, "writer already finalized")
	}
	if !flags.Valid() {
		return oulierr.New(oulierr.KindReservedFlagBits, "reserved flag bits set")
	}
	if len(w.entries) >= MaxInteractionsPerFile {
		return oulierr.New(oulierr.KindRecordingTooLarge, "max interactions per file reached")
	}

	needed := w.dataOffset + int64(len(requestBytes)) + int64(len(responseBytes))
	if needed > w.capacity {
		if err := w.grow(needed); err != nil {
			return err
		}
	}

	buf := w.m.bytes()
	reqOff := w.dataOffset
	copy(buf[reqOff:reqOff+int64(len(requestBytes))], requestBytes)
	respOff := reqOff + int64(len(requestBytes))
	copy(buf[respOff:respOff+int64(len(responseBytes))], responseBytes)

	w.entries = append(w.entries, IndexEntry{
		RequestHash:     requestHash,
		PrevRequestHash: prevHash,
		RequestOffset:   uint64(reqOff),
		RequestSize:     uint32(len(requestBytes)),
		ResponseOffset:  uint64(respOff),
		ResponseSize:    uint32(len(responseBytes)),
		ResponseStatus:  status,
		Flags:           flags,
		TimestampNs:     timestampNs,
	})
	w.dataOffset = respOff + int64(len(responseBytes))
	w.header.InteractionCount = uint32(len(w.entries))
	w.header.ModifiedAtNs = timestampNs

	w.appendsSinceCkpt++
	if w.appendsSinceCkpt >= w.checkpointInterval {
		_ = w.Checkpoint()
		w.appendsSinceCkpt = 0
	}
	return nil
}

// grow doubles the mapping's capacity (starting from the current size)
// until it can hold minSize bytes, up to MaxFileSize, per §4.3 step 1.
func (w *Writer) grow(minSize int64) error {
	newCap := w.capacity
	for newCap < minSize {
		newCap *= 2
	}
	if newCap > MaxFileSize {
		return oulierr.New(oulierr.KindRecordingTooLarge, "recording would exceed MAX_FILE_SIZE")
	}
	if err := w.m.close(); err != nil {
		return err
	}
	if err := w.file.Truncate(newCap); err != nil {
		return err
	}
	m, err := mmapFile(w.file, newCap, true)
	if err != nil {
		return err
	}
	w.m = m
	w.capacity = newCap
	return nil
}

// Checkpoint writes a sidecar header+index snapshot reflecting the
// interactions appended so far, laid out as Finalize would write them
// (§4.3, supplemented per SPEC_FULL.md's checkpoint cadence note). Nothing
// in this package reads the sidecar back or recovers a file from it.
func (w *Writer) Checkpoint() error {
	snapshot := w.buildFinalBytes(w.now())
	tmp := w.path + ".ckpt.tmp"
	if err := os.WriteFile(tmp, snapshot.headerAndIndex, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, w.path+".ckpt")
}

type finalizedLayout struct {
	headerAndIndex []byte
	finalSize      int64
}

// buildFinalBytes computes the header+index bytes that Finalize would
// write, with each entry's offsets shifted forward by the index region
// size, without mutating the mapping. Used by both Finalize and
// Checkpoint.
func (w *Writer) buildFinalBytes(modifiedAtNs uint64) finalizedLayout {
	n := len(w.entries)
	indexRegionSize := int64(n) * IndexEntrySize
	dataLen := w.dataOffset - HeaderSize
	finalSize := HeaderSize + indexRegionSize + dataLen

	indexBytes := make([]byte, indexRegionSize)
	for i, e := range w.entries {
		se := e
		se.RequestOffset += uint64(indexRegionSize)
		se.ResponseOffset += uint64(indexRegionSize)
		enc := se.encode()
		copy(indexBytes[int64(i)*IndexEntrySize:], enc[:])
	}

	h := w.header
	h.InteractionCount = uint32(n)
	h.FileSize = uint64(finalSize)
	h.ModifiedAtNs = modifiedAtNs
	h.IndexCRC = indexCRC(indexBytes)

	hdrBuf := h.encode()
	crc := headerCRC(hdrBuf[:])
	binary.LittleEndian.PutUint32(hdrBuf[offHeaderCRC:], crc)

	out := make([]byte, 0, HeaderSize+len(indexBytes))
	out = append(out, hdrBuf[:]...)
	out = append(out, indexBytes...)

	return finalizedLayout{headerAndIndex: out, finalSize: finalSize}
}

// Finalize implements §4.3 finalize: write the index, patch CRCs into the
// header, flush, and truncate to the exact data tail. The Writer is
// consumed; on any error the partial file is deleted so no interactions
// from a failed finalize are ever observable, per §4.5.
func (w *Writer) Finalize() error {
	if w.finalized {
		return oulierr.New(oulierr.KindTruncated, "writer already finalized")
	}
	layout := w.buildFinalBytes(w.now())

	if layout.finalSize > w.capacity {
		if err := w.grow(layout.finalSize); err != nil {
			w.abort()
			return err
		}
	}

	buf := w.m.bytes()
	finalDataStart := HeaderSize + int64(len(w.entries))*IndexEntrySize
	dataLen := w.dataOffset - HeaderSize
	copy(buf[finalDataStart:finalDataStart+dataLen], buf[HeaderSize:HeaderSize+dataLen])
	copy(buf[:len(layout.headerAndIndex)], layout.headerAndIndex)

	if err := w.m.flush(); err != nil {
		w.abort()
		return err
	}
	if err := w.m.close(); err != nil {
		w.abort()
		return err
	}
	if err := w.file.Truncate(layout.finalSize); err != nil {
		w.abort()
		return err
	}
	if err := w.file.Close(); err != nil {
		os.Remove(w.path)
		return err
	}
	os.Remove(w.path + ".ckpt")
	w.finalized = true
	return nil
}

// abort removes the partially-written file and closes resources, per the
// "no interactions persisted if finalize fails" rule in §4.5.
func (w *Writer) abort() {
	_ = w.m.close()
	_ = w.file.Close()
	_ = os.Remove(w.path)
	w.finalized = true
}

// Path returns the file path this Writer owns.
func (w *Writer) Path() string { return w.path }

// InteractionCount returns the number of interactions appended so far.
func (w *Writer) InteractionCount() int { return len(w.entries) }
