// Package endpoint implements the endpoint registry spec.md §4.5
// describes: a (path, op) keyed table of application endpoints plus a
// path-keyed advisory lock used to serialize concurrent sessions that
// would otherwise touch the same buffer.
package endpoint

import (
	"fmt"

	"github.com/fogesque/rdmarun/internal/mem"
	"github.com/fogesque/rdmarun/internal/rdmabuf"
	"github.com/fogesque/rdmarun/internal/wire"
)

// Handler is the application callback an endpoint runs before or after
// its RDMA transfer, depending on op kind (spec.md §4.6's rationale:
// receive/read endpoints populate the buffer before the transfer;
// send/write endpoints consume it after).
type Handler func(buf *rdmabuf.Buffer) error

// ID is an endpoint's identity: op kind plus path, matching spec.md §6's
// wire encoding of "endpoint-id = op-kind || :: || path".
type ID struct {
	Path string
	Op   wire.OpKind
}

// String renders the endpoint-id the way the wire protocol encodes it.
func (id ID) String() string {
	return fmt.Sprintf("%s::%s", id.Op, id.Path)
}

// Endpoint is one registered (path, op, buffer, handler) tuple.
type Endpoint struct {
	ID      ID
	Buffer  *rdmabuf.Buffer
	Handler Handler
}

// PermissionsFor returns the memory-map permission set spec.md §4.5's
// table grants for op.
func PermissionsFor(op wire.OpKind) (mem.Permission, error) {
	switch op {
	case wire.OpSend, wire.OpReceive:
		return mem.LocalRead | mem.LocalWrite, nil
	case wire.OpWrite:
		return mem.LocalRead | mem.LocalWrite | mem.RDMAWrite, nil
	case wire.OpRead:
		return mem.LocalRead | mem.LocalWrite | mem.RDMARead, nil
	default:
		return 0, fmt.Errorf("unknown op kind %v", op)
	}
}
