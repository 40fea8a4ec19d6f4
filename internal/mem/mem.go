// Package mem implements the memory-map and buffer-inventory layer: pinning
// a byte range for a device, enforcing a permission set, minting descriptor
// byte sequences, and allocating transient hardware buffer handles.
package mem

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/fogesque/rdmarun/internal/device"
	"github.com/fogesque/rdmarun/internal/rdmaerr"
)

// Permission is a bitset over the access rights a memory map grants.
type Permission uint16

// Permission bits, matching spec.md §3's permission set.
const (
	LocalRead Permission = 1 << iota
	LocalWrite
	RDMARead
	RDMAWrite
	RDMAAtomic
	PCIRead
	PCIWrite
	PCIRelaxed
)

// Has reports whether p grants all bits set in want.
func (p Permission) Has(want Permission) bool {
	return p&want == want
}

// state is the memory map's own small lifecycle, distinct from the
// higher-level RDMA buffer state in package rdmabuf.
type state uint8

const (
	stateUnmapped state = iota
	stateStarted
	stateStopped
)

// descriptorMagic tags exported descriptors so from_export can reject
// garbage input instead of silently misinterpreting it.
const descriptorMagic = uint32(0x52444d41) // "RDMA"

// descriptorLen is the fixed wire length of an exported descriptor:
// magic(4) + perms(2) + len(8) + nonce(8).
const descriptorLen = 4 + 2 + 8 + 8

// RemoteIO is the one-sided network access a remote MemoryMap (one built
// via FromExport) needs to actually move bytes against the peer's real
// pinned region. No type in this module implements it: the sessions build
// remote maps with a nil RemoteIO and move bytes through the provider's
// PostWrite/PostRead instead. mem itself has no notion of a network.
type RemoteIO interface {
	// ReadAt fetches length bytes at offset from the region the peer
	// exported under nonce.
	ReadAt(nonce uint64, offset, length int) ([]byte, error)

	// WriteAt pushes data at offset into the region the peer exported
	// under nonce.
	WriteAt(nonce uint64, offset int, data []byte) error
}

// MemoryMap is a pinned region: owning device, byte span, permission set.
// While started, the byte span may not be moved or resized by the caller.
type MemoryMap struct {
	mu       sync.Mutex
	dev      *device.Device
	data     []byte
	perms    Permission
	st       state
	nonce    uint64
	handles  int // count of live hardware handles referencing this map
	isRemote bool
	remoteOK Permission // the granting side's permission set, for remote maps
	io       RemoteIO   // set only for remote maps
}

// Nonce returns the map's session nonce, the identifier a peer's exported
// descriptor carries so the map can be located again for WRITE/READ
// wire operations.
func (m *MemoryMap) Nonce() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nonce
}

// RemoteRead fetches length bytes at offset from the peer region this map
// represents. Valid only for remote maps.
func (m *MemoryMap) RemoteRead(offset, length int) ([]byte, error) {
	m.mu.Lock()
	io, nonce, isRemote := m.io, m.nonce, m.isRemote
	m.mu.Unlock()

	if !isRemote {
		return nil, fmt.Errorf("RemoteRead called on a local map")
	}
	return io.ReadAt(nonce, offset, length)
}

// RemoteWrite pushes data at offset into the peer region this map
// represents. Valid only for remote maps.
func (m *MemoryMap) RemoteWrite(offset int, data []byte) error {
	m.mu.Lock()
	io, nonce, isRemote := m.io, m.nonce, m.isRemote
	m.mu.Unlock()

	if !isRemote {
		return fmt.Errorf("RemoteWrite called on a local map")
	}
	return io.WriteAt(nonce, offset, data)
}

// Start pins data for dev under perms and returns a started MemoryMap.
// Fails with rdmaerr.Config if perms is empty, dev is nil or closed, data
// is empty, pinning with Mlock fails, or the nonce cannot be generated.
// Start does not detect a byte range that is already mapped: each call
// returns a fresh *MemoryMap.
func Start(dev *device.Device, data []byte, perms Permission) (*MemoryMap, error) {
	const op = "mem.Start"

	if perms == 0 {
		return nil, rdmaerr.New(rdmaerr.Config, op, fmt.Errorf("permission set must be non-empty"))
	}
	if dev == nil {
		return nil, rdmaerr.New(rdmaerr.Config, op, fmt.Errorf("device must not be nil"))
	}
	if dev.Closed() {
		return nil, rdmaerr.New(rdmaerr.Config, op, fmt.Errorf("device %q is closed", dev.Name()))
	}
	if len(data) == 0 {
		return nil, rdmaerr.New(rdmaerr.Config, op, fmt.Errorf("byte range must not be empty"))
	}

	// Pinning: a real provider registers the range with the NIC so the
	// kernel will not page it out from under an in-flight DMA. unix.Mlock
	// gives us the same guarantee against swap for the software provider,
	// and fails loudly (e.g. RLIMIT_MEMLOCK) the way a registration
	// failure against real hardware would.
	if err := unix.Mlock(data); err != nil {
		return nil, rdmaerr.New(rdmaerr.Config, op, fmt.Errorf("pin byte range: %w", err))
	}

	var nonceBuf [8]byte
	if _, err := rand.Read(nonceBuf[:]); err != nil {
		_ = unix.Munlock(data)
		return nil, rdmaerr.New(rdmaerr.Config, op, fmt.Errorf("generate map nonce: %w", err))
	}

	return &MemoryMap{
		dev:   dev,
		data:  data,
		perms: perms,
		st:    stateStarted,
		nonce: binary.BigEndian.Uint64(nonceBuf[:]),
	}, nil
}

// ExportPCI returns an opaque descriptor for the PCI-relaxed-ordering
// access path. Legal only when started and PCIRead or PCIWrite is granted.
func (m *MemoryMap) ExportPCI() ([]byte, error) {
	return m.export("mem.MemoryMap.ExportPCI", PCIRead|PCIWrite)
}

// ExportRDMA returns an opaque descriptor suitable for RDMA READ/WRITE
// against this region. Legal only when started and RDMARead or RDMAWrite
// is granted.
func (m *MemoryMap) ExportRDMA() ([]byte, error) {
	return m.export("mem.MemoryMap.ExportRDMA", RDMARead|RDMAWrite)
}

func (m *MemoryMap) export(op string, need Permission) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.st != stateStarted {
		return nil, rdmaerr.New(rdmaerr.State, op, fmt.Errorf("map is not started"))
	}
	if m.perms&need == 0 {
		return nil, rdmaerr.New(rdmaerr.Config, op, fmt.Errorf("map grants none of %v", need))
	}

	buf := make([]byte, descriptorLen)
	binary.BigEndian.PutUint32(buf[0:4], descriptorMagic)
	binary.BigEndian.PutUint16(buf[4:6], uint16(m.perms))
	binary.BigEndian.PutUint64(buf[6:14], uint64(len(m.data)))
	binary.BigEndian.PutUint64(buf[14:22], m.nonce)
	return buf, nil
}

// FromExport constructs a MemoryMap representing the peer's region: its
// read/write semantics are restricted to whatever the peer granted. A
// remote map's byte range is a local staging buffer of the peer region's
// length; hardware handles allocated against it describe an offset/length
// within the peer's region, and the provider moves bytes across the wire.
func FromExport(descriptor []byte, dev *device.Device, io RemoteIO) (*MemoryMap, error) {
	const op = "mem.FromExport"

	if len(descriptor) != descriptorLen {
		return nil, rdmaerr.New(rdmaerr.Protocol, op,
			fmt.Errorf("descriptor has %d bytes, want %d", len(descriptor), descriptorLen))
	}
	if binary.BigEndian.Uint32(descriptor[0:4]) != descriptorMagic {
		return nil, rdmaerr.New(rdmaerr.Protocol, op, fmt.Errorf("bad descriptor magic"))
	}

	perms := Permission(binary.BigEndian.Uint16(descriptor[4:6]))
	size := binary.BigEndian.Uint64(descriptor[6:14])
	nonce := binary.BigEndian.Uint64(descriptor[14:22])

	return &MemoryMap{
		dev:      dev,
		data:     make([]byte, size), // local staging buffer for the remote region
		perms:    perms,
		st:       stateStarted,
		nonce:    nonce,
		isRemote: true,
		remoteOK: perms,
		io:       io,
	}, nil
}

// Stop releases pinning. Fails with rdmaerr.Resource (BufferInUse) if any
// allocated handle referencing this map still has a positive refcount.
func (m *MemoryMap) Stop() error {
	const op = "mem.MemoryMap.Stop"

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.st != stateStarted {
		return rdmaerr.New(rdmaerr.State, op, fmt.Errorf("map is not started"))
	}
	if m.handles > 0 {
		return rdmaerr.New(rdmaerr.Resource, op, fmt.Errorf("buffer in use: %d outstanding handles", m.handles))
	}

	if !m.isRemote {
		if err := unix.Munlock(m.data); err != nil {
			return rdmaerr.New(rdmaerr.Config, op, fmt.Errorf("unpin byte range: %w", err))
		}
	}
	m.st = stateStopped
	return nil
}

// Len returns the byte length of the mapped region.
func (m *MemoryMap) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.data)
}

// Permissions returns the permission set the map was started with.
func (m *MemoryMap) Permissions() Permission {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.perms
}

// IsRemote reports whether this map represents a peer's region
// (constructed via FromExport) rather than a locally pinned byte range.
func (m *MemoryMap) IsRemote() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isRemote
}

// ReadLocal returns a copy of length bytes at offset in this map's own
// backing range. Used by a provider to service an incoming READ request
// against a region this side exported — the request names a byte range
// within the exporter's pinned memory, not the requester's.
func (m *MemoryMap) ReadLocal(offset, length int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, err := m.slice(offset, length)
	if err != nil {
		return nil, err
	}
	out := make([]byte, length)
	copy(out, b)
	return out, nil
}

// WriteLocal copies data into this map's own backing range at offset.
// Used by a provider to service an incoming WRITE against a region this
// side exported.
func (m *MemoryMap) WriteLocal(offset int, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, err := m.slice(offset, len(data))
	if err != nil {
		return err
	}
	copy(b, data)
	return nil
}

func (m *MemoryMap) addHandle() {
	m.mu.Lock()
	m.handles++
	m.mu.Unlock()
}

func (m *MemoryMap) removeHandle() {
	m.mu.Lock()
	m.handles--
	m.mu.Unlock()
}

// slice returns the map's backing bytes for [addr, addr+length) without
// copying, or an error if the range is out of bounds. Used by the
// inventory's handles, ReadLocal and WriteLocal.
func (m *MemoryMap) slice(addr, length int) ([]byte, error) {
	if addr < 0 || length < 0 || addr+length > len(m.data) {
		return nil, fmt.Errorf("range [%d:%d) out of bounds for %d-byte map", addr, addr+length, len(m.data))
	}
	return m.data[addr : addr+length], nil
}
