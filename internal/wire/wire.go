// Package wire implements the control-channel wire format: the
// Request/Response/Acknowledge messages defined in spec.md §6, and the
// length-prefixed framing they are sent under.
//
// Layout mirrors the teacher's packet codec style: manual byte offsets via
// encoding/binary, no reflection, no general-purpose serialization format
// on the wire.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/fogesque/rdmarun/internal/rdmaerr"
)

// OpKind is the endpoint operation kind carried in a Request.
type OpKind uint8

// Operation kinds, per spec.md §6.
const (
	OpSend    OpKind = 1
	OpReceive OpKind = 2
	OpWrite   OpKind = 3
	OpRead    OpKind = 4
)

// ParseOpKind converts a lower-case op name ("send", "receive", "write",
// "read") to the matching OpKind.
func ParseOpKind(s string) (OpKind, error) {
	switch s {
	case "send":
		return OpSend, nil
	case "receive":
		return OpReceive, nil
	case "write":
		return OpWrite, nil
	case "read":
		return OpRead, nil
	default:
		return 0, fmt.Errorf("unknown op kind %q", s)
	}
}

// String renders the operation kind's name.
func (k OpKind) String() string {
	switch k {
	case OpSend:
		return "send"
	case OpReceive:
		return "receive"
	case OpWrite:
		return "write"
	case OpRead:
		return "read"
	default:
		return fmt.Sprintf("OpKind(%d)", uint8(k))
	}
}

// ResponseCode is the result code carried in a Response.
type ResponseCode uint8

// Response codes, per spec.md §6.
const (
	Rejected         ResponseCode = 1
	Permitted        ResponseCode = 2
	EndpointNotFound ResponseCode = 3
	EndpointLocked   ResponseCode = 4
	InternalError    ResponseCode = 5
	ServiceErrorCode ResponseCode = 6
)

// String renders the response code's name.
func (c ResponseCode) String() string {
	switch c {
	case Rejected:
		return "rejected"
	case Permitted:
		return "permitted"
	case EndpointNotFound:
		return "endpoint-not-found"
	case EndpointLocked:
		return "endpoint-locked"
	case InternalError:
		return "internal-error"
	case ServiceErrorCode:
		return "service-error"
	default:
		return fmt.Sprintf("ResponseCode(%d)", uint8(c))
	}
}

// AckCode is the outcome code carried in an Acknowledge.
type AckCode uint8

// Acknowledge codes, per spec.md §6.
const (
	Canceled    AckCode = 1
	Interrupted AckCode = 2
	Failed      AckCode = 3
	Completed   AckCode = 4
)

// String renders the ack code's name.
func (c AckCode) String() string {
	switch c {
	case Canceled:
		return "canceled"
	case Interrupted:
		return "interrupted"
	case Failed:
		return "failed"
	case Completed:
		return "completed"
	default:
		return fmt.Sprintf("AckCode(%d)", uint8(c))
	}
}

// maxFrameBytes bounds a single control-channel message so a corrupt or
// hostile length prefix cannot force an unbounded allocation.
const maxFrameBytes = 64 << 20

// Request asks the peer to process a specific endpoint.
type Request struct {
	Op           OpKind
	Path         string
	ConnectionID uint32
}

// Marshal encodes r per spec.md §6's Request body layout:
// op(1) | pathLen(4 LE) | path(N) | connectionID(4 LE).
func (r Request) Marshal() []byte {
	buf := make([]byte, 1+4+len(r.Path)+4)
	buf[0] = byte(r.Op)
	binary.LittleEndian.PutUint32(buf[1:5], uint32(len(r.Path)))
	copy(buf[5:5+len(r.Path)], r.Path)
	binary.LittleEndian.PutUint32(buf[5+len(r.Path):], r.ConnectionID)
	return buf
}

// UnmarshalRequest decodes a Request body.
func UnmarshalRequest(buf []byte) (Request, error) {
	const op = "wire.UnmarshalRequest"

	if len(buf) < 1+4 {
		return Request{}, rdmaerr.New(rdmaerr.Protocol, op, fmt.Errorf("short request header: %d bytes", len(buf)))
	}

	opKind := OpKind(buf[0])
	pathLen := binary.LittleEndian.Uint32(buf[1:5])

	want := 1 + 4 + int(pathLen) + 4
	if len(buf) != want {
		return Request{}, rdmaerr.New(rdmaerr.Protocol, op,
			fmt.Errorf("request body is %d bytes, want %d for path length %d", len(buf), want, pathLen))
	}

	path := string(buf[5 : 5+pathLen])
	connID := binary.LittleEndian.Uint32(buf[5+pathLen:])

	return Request{Op: opKind, Path: path, ConnectionID: connID}, nil
}

// Response reports whether the server will process an endpoint request,
// carrying a remote memory descriptor for read/write ops.
type Response struct {
	Code       ResponseCode
	Descriptor []byte
}

// Marshal encodes r per spec.md §6's Response body layout:
// code(1) | descLen(4 LE) | descriptor(D).
func (r Response) Marshal() []byte {
	buf := make([]byte, 1+4+len(r.Descriptor))
	buf[0] = byte(r.Code)
	binary.LittleEndian.PutUint32(buf[1:5], uint32(len(r.Descriptor)))
	copy(buf[5:], r.Descriptor)
	return buf
}

// UnmarshalResponse decodes a Response body.
func UnmarshalResponse(buf []byte) (Response, error) {
	const op = "wire.UnmarshalResponse"

	if len(buf) < 1+4 {
		return Response{}, rdmaerr.New(rdmaerr.Protocol, op, fmt.Errorf("short response header: %d bytes", len(buf)))
	}

	code := ResponseCode(buf[0])
	descLen := binary.LittleEndian.Uint32(buf[1:5])

	want := 1 + 4 + int(descLen)
	if len(buf) != want {
		return Response{}, rdmaerr.New(rdmaerr.Protocol, op,
			fmt.Errorf("response body is %d bytes, want %d for descriptor length %d", len(buf), want, descLen))
	}

	var descriptor []byte
	if descLen > 0 {
		descriptor = make([]byte, descLen)
		copy(descriptor, buf[5:])
	}

	return Response{Code: code, Descriptor: descriptor}, nil
}

// Acknowledge reports the client-observed outcome of the RDMA transfer.
type Acknowledge struct {
	Code AckCode
}

// Marshal encodes a per spec.md §6's Acknowledge body layout: code(1).
func (a Acknowledge) Marshal() []byte {
	return []byte{byte(a.Code)}
}

// UnmarshalAcknowledge decodes an Acknowledge body.
func UnmarshalAcknowledge(buf []byte) (Acknowledge, error) {
	if len(buf) != 1 {
		return Acknowledge{}, rdmaerr.New(rdmaerr.Protocol, "wire.UnmarshalAcknowledge",
			fmt.Errorf("acknowledge body is %d bytes, want 1", len(buf)))
	}
	return Acknowledge{Code: AckCode(buf[0])}, nil
}

// WriteFrame writes a 32-bit big-endian length prefix followed by body.
func WriteFrame(w io.Writer, body []byte) error {
	const op = "wire.WriteFrame"

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))

	if _, err := w.Write(lenBuf[:]); err != nil {
		return rdmaerr.New(rdmaerr.Protocol, op, err)
	}
	if _, err := w.Write(body); err != nil {
		return rdmaerr.New(rdmaerr.Protocol, op, err)
	}
	return nil
}

// ReadFrame reads a 32-bit big-endian length prefix and the body it
// describes.
func ReadFrame(r io.Reader) ([]byte, error) {
	const op = "wire.ReadFrame"

	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, rdmaerr.New(rdmaerr.Protocol, op, err)
	}

	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameBytes {
		return nil, rdmaerr.New(rdmaerr.Protocol, op, fmt.Errorf("frame length %d exceeds limit %d", n, maxFrameBytes))
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, rdmaerr.New(rdmaerr.Protocol, op, err)
	}
	return body, nil
}
