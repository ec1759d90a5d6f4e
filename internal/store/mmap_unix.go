//go:build unix

package store

import (
	"os"

	"golang.org/x/sys/unix"
)

// mapping is a memory-mapped view of a recording file. Record mode maps it
// PROT_READ|PROT_WRITE; replay mode maps it PROT_READ only, and response
// bodies returned from a Reader are slices of this buffer that stay valid
// for the mapping's lifetime (the zero-copy read from §4.3).
type mapping struct {
	data []byte
}

func mmapFile(f *os.File, length int64, writable bool) (*mapping, error) {
	prot := unix.PROT_READ
	if writable {
		prot |= unix.PROT_WRITE
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(length), prot, unix.MAP_SHARED)
	if err != nil {
		return nil, err
	}
	return &mapping{data: data}, nil
}

func (m *mapping) bytes() []byte { return m.data }

func (m *mapping) flush() error {
	return unix.Msync(m.data, unix.MS_SYNC)
}

func (m *mapping) close() error {
	return unix.Munmap(m.data)
}
