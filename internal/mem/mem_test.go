package mem_test

import (
	"testing"

	"github.com/fogesque/rdmarun/internal/device"
	"github.com/fogesque/rdmarun/internal/mem"
)

func testDevice(t *testing.T) *device.Device {
	t.Helper()
	infos, err := device.Enumerate()
	if err != nil || len(infos) == 0 {
		t.Skip("no network interfaces available to stand in for a device")
	}
	d, err := device.Open(infos[0].Name)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return d
}

func TestStartExportStop(t *testing.T) {
	t.Parallel()
	d := testDevice(t)

	data := make([]byte, 4096)
	m, err := mem.Start(d, data, mem.LocalRead|mem.LocalWrite|mem.RDMAWrite)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	if _, err := m.ExportRDMA(); err != nil {
		t.Fatalf("ExportRDMA: %v", err)
	}
	if _, err := m.ExportPCI(); err == nil {
		t.Fatalf("expected ExportPCI to fail without PCI permissions")
	}

	if err := m.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestStopRejectedWhileHandleOutstanding(t *testing.T) {
	t.Parallel()
	d := testDevice(t)

	data := make([]byte, 64)
	m, err := mem.Start(d, data, mem.LocalRead|mem.LocalWrite)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	inv := mem.NewInventory(4)
	h, err := inv.AllocByAddress(m, 0, 16)
	if err != nil {
		t.Fatalf("AllocByAddress: %v", err)
	}

	if err := m.Stop(); err == nil {
		t.Fatalf("expected Stop to fail with an outstanding handle")
	}

	h.Release()

	if err := m.Stop(); err != nil {
		t.Fatalf("Stop after release: %v", err)
	}
}

func TestExportAndFromExportRoundTrip(t *testing.T) {
	t.Parallel()
	d := testDevice(t)

	data := make([]byte, 256)
	m, err := mem.Start(d, data, mem.LocalRead|mem.LocalWrite|mem.RDMARead)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	descriptor, err := m.ExportRDMA()
	if err != nil {
		t.Fatalf("ExportRDMA: %v", err)
	}

	remote, err := mem.FromExport(descriptor, d, nil)
	if err != nil {
		t.Fatalf("FromExport: %v", err)
	}
	if remote.Len() != m.Len() {
		t.Fatalf("remote len = %d, want %d", remote.Len(), m.Len())
	}
	if !remote.IsRemote() {
		t.Fatalf("expected remote map to report IsRemote")
	}
}

func TestInventoryExhaustion(t *testing.T) {
	t.Parallel()
	d := testDevice(t)

	data := make([]byte, 64)
	m, err := mem.Start(d, data, mem.LocalRead|mem.LocalWrite)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	inv := mem.NewInventory(1)
	h1, err := inv.AllocByAddress(m, 0, 8)
	if err != nil {
		t.Fatalf("first alloc: %v", err)
	}

	if _, err := inv.AllocByAddress(m, 8, 8); err == nil {
		t.Fatalf("expected second alloc to fail: inventory exhausted")
	}

	h1.Release()

	if _, err := inv.AllocByAddress(m, 8, 8); err != nil {
		t.Fatalf("alloc after release: %v", err)
	}
}

func TestStaleHandleRejected(t *testing.T) {
	t.Parallel()
	d := testDevice(t)

	data := make([]byte, 64)
	m, err := mem.Start(d, data, mem.LocalRead|mem.LocalWrite)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	inv := mem.NewInventory(1)
	h1, err := inv.AllocByAddress(m, 0, 8)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	h1.Release()

	// Recycle the same slot under a new generation.
	if _, err := inv.AllocByAddress(m, 0, 8); err != nil {
		t.Fatalf("realloc: %v", err)
	}

	if _, err := h1.Bytes(); err == nil {
		t.Fatalf("expected stale handle to be rejected")
	}
}
