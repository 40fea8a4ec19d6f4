// Package device provides the opaque Device handle the rest of the runtime
// pins memory against and builds engines on top of.
//
// RDMA device discovery is deliberately out of scope for the core (spec
// treats it as an external collaborator): the real implementation would
// enumerate InfiniBand devices, match by name, and open a verbs context.
// This package reproduces that two-step shape — Enumerate then Open — over
// the host's network interfaces, which gives every layer above it a real,
// observable handle to pin memory against without requiring RDMA hardware.
package device

import (
	"fmt"
	"net"
	"sync"

	"github.com/fogesque/rdmarun/internal/rdmaerr"
)

// Info describes one discoverable device, prior to opening it.
type Info struct {
	// Name is the device's matchable name (e.g. "mlx5_0" on real hardware;
	// the host interface name in this software stand-in).
	Name string

	// Index is the kernel/device index.
	Index int
}

// Enumerate lists the devices available for Open. The process-wide set of
// devices is scoped to the lifetime of the process, per spec.md §3.
func Enumerate() ([]Info, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, rdmaerr.New(rdmaerr.Config, "device.Enumerate", err)
	}

	infos := make([]Info, 0, len(ifaces))
	for _, ifc := range ifaces {
		infos = append(infos, Info{Name: ifc.Name, Index: ifc.Index})
	}
	return infos, nil
}

// Device is an opened NIC handle, shared across components that pin memory
// or create engines on it. It has no exported fields: callers only ever
// hold it and pass it along, the way the spec describes an "opaque
// reference".
type Device struct {
	mu     sync.Mutex
	name   string
	index  int
	closed bool
}

// Open matches a device by name (mirroring "enumerate, then match on IB
// device name, then open") and returns a shared handle to it.
func Open(name string) (*Device, error) {
	infos, err := Enumerate()
	if err != nil {
		return nil, err
	}

	for _, info := range infos {
		if info.Name == name {
			return &Device{name: info.Name, index: info.Index}, nil
		}
	}

	return nil, rdmaerr.New(rdmaerr.Config, "device.Open",
		fmt.Errorf("no device named %q", name))
}

// Name returns the device's matchable name.
func (d *Device) Name() string {
	return d.name
}

// Index returns the device's kernel/device index.
func (d *Device) Index() int {
	return d.index
}

// Close marks the device unavailable for new memory maps or engines.
// Existing maps and engines retain their own reference and are unaffected;
// this only prevents new Open-dependent allocations.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

// Closed reports whether Close has been called.
func (d *Device) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}
