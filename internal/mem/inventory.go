package mem

import (
	"fmt"
	"sync"

	"github.com/fogesque/rdmarun/internal/rdmaerr"
)

// Handle is a short-lived, refcounted reference into a memory map. It is a
// weak (slot, generation) pair rather than a raw pointer: dereferencing a
// handle whose slot has since been recycled into a new allocation is
// detected and rejected instead of silently aliasing the wrong region
// (spec.md §9's "pool slot vs. weak index + generation" design note).
type Handle struct {
	inv        *Inventory
	slot       int
	generation uint64
}

// Release decrements the handle's refcount. When the refcount reaches
// zero the slot is returned to the inventory's free list. Releasing an
// already-fully-released handle is a no-op.
func (h Handle) Release() {
	h.inv.release(h)
}

// Bytes returns the handle's region: data[0:dataLen] when dataLen>0 was
// recorded at allocation (alloc_by_data), otherwise the full region
// data[0:regionLen] for an address-only allocation awaiting a fill.
func (h Handle) Bytes() ([]byte, error) {
	return h.inv.bytes(h)
}

// Valid reports whether h was returned by a successful allocation rather
// than being a zero Handle (e.g. an operation kind that never allocated
// a source or destination handle).
func (h Handle) Valid() bool {
	return h.inv != nil
}

// Fill copies data into the handle's region (e.g. after a RECEIVE or a
// READ-destination completion delivers bytes from the wire) and records
// the new data length.
func (h Handle) Fill(data []byte) error {
	return h.inv.fill(h, data)
}

// slotState is one pool entry.
type slotState struct {
	m          *MemoryMap
	addr       int
	regionLen  int
	dataLen    int
	refcount   int
	generation uint64
	free       bool
}

// Inventory is a fixed-size pool of hardware buffer handles, parameterised
// by capacity. Allocation fails with rdmaerr.Resource rather than growing;
// the core assumes capacity is tuned to >= max concurrent tasks.
type Inventory struct {
	mu       sync.Mutex
	slots    []slotState
	freeList []int
	capacity int
}

// NewInventory creates an Inventory with room for capacity concurrent
// hardware handles.
func NewInventory(capacity int) *Inventory {
	if capacity <= 0 {
		capacity = 1
	}
	inv := &Inventory{
		slots:    make([]slotState, capacity),
		freeList: make([]int, capacity),
		capacity: capacity,
	}
	for i := range inv.slots {
		inv.slots[i].free = true
		inv.freeList[i] = capacity - 1 - i // pop from the end; order is irrelevant
	}
	return inv
}

// Capacity returns the pool's fixed size.
func (inv *Inventory) Capacity() int {
	return inv.capacity
}

// Outstanding returns the number of handles currently allocated.
func (inv *Inventory) Outstanding() int {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.capacity - len(inv.freeList)
}

// AllocByAddress returns a handle pointing at an empty region within m
// that an inbound (RECEIVE/READ/WRITE-destination) operation can fill.
func (inv *Inventory) AllocByAddress(m *MemoryMap, addr, length int) (Handle, error) {
	return inv.alloc(m, addr, length, 0)
}

// AllocByData returns a handle pre-initialised with dataLen so the region
// is treated as containing that many bytes for SEND/READ sources.
func (inv *Inventory) AllocByData(m *MemoryMap, addr, length int) (Handle, error) {
	return inv.alloc(m, addr, length, length)
}

func (inv *Inventory) alloc(m *MemoryMap, addr, length, dataLen int) (Handle, error) {
	const op = "mem.Inventory.alloc"

	if m == nil {
		return Handle{}, rdmaerr.New(rdmaerr.Config, op, fmt.Errorf("memory map must not be nil"))
	}
	if _, err := m.slice(addr, length); err != nil {
		return Handle{}, rdmaerr.New(rdmaerr.Config, op, err)
	}

	inv.mu.Lock()
	defer inv.mu.Unlock()

	if len(inv.freeList) == 0 {
		return Handle{}, rdmaerr.New(rdmaerr.Resource, op, fmt.Errorf("inventory exhausted: capacity %d", inv.capacity))
	}

	idx := inv.freeList[len(inv.freeList)-1]
	inv.freeList = inv.freeList[:len(inv.freeList)-1]

	slot := &inv.slots[idx]
	slot.free = false
	slot.m = m
	slot.addr = addr
	slot.regionLen = length
	slot.dataLen = dataLen
	slot.refcount = 1
	slot.generation++

	m.addHandle()

	return Handle{inv: inv, slot: idx, generation: slot.generation}, nil
}

// Retain increments h's refcount. Returns rdmaerr.State if h is stale
// (its slot has since been recycled).
func (inv *Inventory) Retain(h Handle) error {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	slot, err := inv.lookupLocked(h)
	if err != nil {
		return err
	}
	slot.refcount++
	return nil
}

func (inv *Inventory) release(h Handle) {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	slot, err := inv.lookupLocked(h)
	if err != nil {
		return // already released / stale: no-op per Handle.Release's contract
	}

	slot.refcount--
	if slot.refcount > 0 {
		return
	}

	slot.m.removeHandle()
	slot.free = true
	slot.m = nil
	inv.freeList = append(inv.freeList, h.slot)
}

func (inv *Inventory) bytes(h Handle) ([]byte, error) {
	inv.mu.Lock()
	slot, err := inv.lookupLocked(h)
	if err != nil {
		inv.mu.Unlock()
		return nil, rdmaerr.New(rdmaerr.State, "mem.Handle.Bytes", err)
	}
	m, addr, regionLen, dataLen := slot.m, slot.addr, slot.regionLen, slot.dataLen
	inv.mu.Unlock()

	length := regionLen
	if dataLen > 0 {
		length = dataLen
	}
	return m.slice(addr, length)
}

func (inv *Inventory) fill(h Handle, data []byte) error {
	const op = "mem.Handle.Fill"

	inv.mu.Lock()
	slot, err := inv.lookupLocked(h)
	if err != nil {
		inv.mu.Unlock()
		return rdmaerr.New(rdmaerr.State, op, err)
	}
	if len(data) > slot.regionLen {
		inv.mu.Unlock()
		return rdmaerr.New(rdmaerr.Config, op, fmt.Errorf("fill of %d bytes exceeds region %d", len(data), slot.regionLen))
	}
	m, addr := slot.m, slot.addr
	slot.dataLen = len(data)
	inv.mu.Unlock()

	dst, err := m.slice(addr, len(data))
	if err != nil {
		return rdmaerr.New(rdmaerr.Config, op, err)
	}
	copy(dst, data)
	return nil
}

// DataLen returns the recorded data length for h (0 if the handle was
// allocated by address and has not yet been told how many bytes it holds).
func (inv *Inventory) DataLen(h Handle) (int, error) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	slot, err := inv.lookupLocked(h)
	if err != nil {
		return 0, rdmaerr.New(rdmaerr.State, "mem.Inventory.DataLen", err)
	}
	return slot.dataLen, nil
}

// SetDataLen records how many bytes an address-allocated handle now holds,
// e.g. after a RECEIVE or READ-destination completion.
func (inv *Inventory) SetDataLen(h Handle, n int) error {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	slot, err := inv.lookupLocked(h)
	if err != nil {
		return rdmaerr.New(rdmaerr.State, "mem.Inventory.SetDataLen", err)
	}
	if n < 0 || n > slot.regionLen {
		return rdmaerr.New(rdmaerr.Config, "mem.Inventory.SetDataLen", fmt.Errorf("length %d exceeds region %d", n, slot.regionLen))
	}
	slot.dataLen = n
	return nil
}

func (inv *Inventory) lookupLocked(h Handle) (*slotState, error) {
	if h.inv != inv || h.slot < 0 || h.slot >= len(inv.slots) {
		return nil, fmt.Errorf("handle does not belong to this inventory")
	}
	slot := &inv.slots[h.slot]
	if slot.free || slot.generation != h.generation {
		return nil, fmt.Errorf("stale handle: slot %d has been recycled", h.slot)
	}
	return slot, nil
}
