// Package rdmabuf implements the application-facing RDMA buffer: a byte
// range together with the memory map and descriptor it acquires once an
// endpoint is mapped onto a device, per spec.md §3's "RDMA buffer"
// entry. A Buffer is either local (it owns data and may export a
// descriptor for a peer) or remote (built from a peer's descriptor, with
// reads and writes routed over the network instead of touching local
// bytes).
package rdmabuf

import (
	"fmt"
	"sync"

	"github.com/fogesque/rdmarun/internal/device"
	"github.com/fogesque/rdmarun/internal/mem"
	"github.com/fogesque/rdmarun/internal/rdmaerr"
)

// Buffer is the application's view of an RDMA-capable byte range.
type Buffer struct {
	mu   sync.Mutex
	data []byte
	mm   *mem.MemoryMap
}

// New allocates a local buffer of size bytes, unmapped.
func New(size int) *Buffer {
	return &Buffer{data: make([]byte, size)}
}

// FromDescriptor builds a remote buffer representing a peer's exported
// region. Reads and writes against it cross the network via io.
func FromDescriptor(descriptor []byte, dev *device.Device, io mem.RemoteIO) (*Buffer, error) {
	m, err := mem.FromExport(descriptor, dev, io)
	if err != nil {
		return nil, err
	}
	return &Buffer{mm: m}, nil
}

// Len returns the buffer's byte length.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.mm != nil {
		return b.mm.Len()
	}
	return len(b.data)
}

// IsMapped reports whether Map has been called (or the buffer was built
// from a peer descriptor, which is always mapped).
func (b *Buffer) IsMapped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mm != nil
}

// IsRemote reports whether this buffer represents a peer's region.
func (b *Buffer) IsRemote() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mm != nil && b.mm.IsRemote()
}

// Map pins the buffer's local range on dev with perms. Fails if the
// buffer is already mapped or is a remote buffer (which has no local
// range to pin).
func (b *Buffer) Map(dev *device.Device, perms mem.Permission) error {
	const op = "rdmabuf.Buffer.Map"

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.mm != nil {
		return rdmaerr.New(rdmaerr.State, op, fmt.Errorf("buffer is already mapped"))
	}

	m, err := mem.Start(dev, b.data, perms)
	if err != nil {
		return err
	}
	b.mm = m
	return nil
}

// MemoryMap returns the buffer's memory map, or nil if unmapped.
func (b *Buffer) MemoryMap() *mem.MemoryMap {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mm
}

// ExportDescriptor returns an opaque descriptor for this buffer's region,
// suitable for a peer to build a remote Buffer from. Fails if the buffer
// is unmapped or is itself a remote buffer.
func (b *Buffer) ExportDescriptor() ([]byte, error) {
	const op = "rdmabuf.Buffer.ExportDescriptor"

	b.mu.Lock()
	mm := b.mm
	b.mu.Unlock()

	if mm == nil {
		return nil, rdmaerr.New(rdmaerr.State, op, fmt.Errorf("buffer is not mapped"))
	}
	return mm.ExportRDMA()
}

// Bytes returns the buffer's local backing bytes. Invalid on a remote
// buffer, which has no local range — use its MemoryMap's RemoteRead/
// RemoteWrite instead.
func (b *Buffer) Bytes() ([]byte, error) {
	const op = "rdmabuf.Buffer.Bytes"

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.mm != nil && b.mm.IsRemote() {
		return nil, rdmaerr.New(rdmaerr.State, op, fmt.Errorf("buffer is remote: no local bytes"))
	}
	return b.data, nil
}
