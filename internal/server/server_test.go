package server_test

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/fogesque/rdmarun/internal/client"
	"github.com/fogesque/rdmarun/internal/device"
	"github.com/fogesque/rdmarun/internal/endpoint"
	"github.com/fogesque/rdmarun/internal/engine"
	"github.com/fogesque/rdmarun/internal/executor"
	"github.com/fogesque/rdmarun/internal/rdmabuf"
	"github.com/fogesque/rdmarun/internal/server"
	"github.com/fogesque/rdmarun/internal/wire"
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

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", ":0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

// TestServeAndConnectRoundTrip exercises the full facade pair: a Server
// listening for both the control channel and the RDMA data plane, and a
// Client driving one send/receive endpoint request end to end.
func TestServeAndConnectRoundTrip(t *testing.T) {
	t.Parallel()
	dev := testDevice(t)

	controlPort := freePort(t)
	dataPort := freePort(t)

	serverRegistry := endpoint.NewRegistry()
	const size = 4096
	serverBuf := rdmabuf.New(size)
	serverRegistry.Register(&endpoint.Endpoint{
		ID:     endpoint.ID{Path: "/rdma/greeting", Op: wire.OpReceive},
		Buffer: serverBuf,
	})

	srv := server.New(engine.NewSoftProvider(32), dev, serverRegistry, server.Config{
		ControlPort: controlPort,
		DataPort:    dataPort,
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ctx) }()

	// Give the accept loop a moment to bind both listeners before the
	// client tries to reach them.
	time.Sleep(50 * time.Millisecond)

	clientRegistry := endpoint.NewRegistry()
	clientBuf := rdmabuf.New(size)
	clientRegistry.Register(&endpoint.Endpoint{
		ID:     endpoint.ID{Path: "/rdma/greeting", Op: wire.OpSend},
		Buffer: clientBuf,
	})

	cli := client.New(engine.NewSoftProvider(32), dev, clientRegistry, client.Config{
		ControlAddr: fmt.Sprintf("127.0.0.1:%d", controlPort),
		DataAddr:    fmt.Sprintf("127.0.0.1:%d", dataPort),
	})
	t.Cleanup(func() { _ = cli.Close() })

	connectCtx, connectCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer connectCancel()
	if err := cli.Connect(connectCtx, dev); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	data, err := clientBuf.Bytes()
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	copy(data, bytes.Repeat([]byte{0x7a}, size))

	reqCtx, reqCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer reqCancel()
	if err := cli.RequestEndpointProcessing(reqCtx, "/rdma/greeting", wire.OpReceive); err != nil {
		t.Fatalf("RequestEndpointProcessing: %v", err)
	}

	got, err := serverBuf.Bytes()
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	if !bytes.Equal(got, bytes.Repeat([]byte{0x7a}, size)) {
		t.Fatalf("server buffer did not receive the client's payload")
	}

	cancel()
	select {
	case err := <-serveErr:
		if err != nil {
			t.Fatalf("Serve returned: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Serve did not return after context cancellation")
	}
}

// TestClientConnectFailsWithoutServer confirms Connect reports a
// connection error rather than hanging when nothing is listening.
func TestClientConnectFailsWithoutServer(t *testing.T) {
	t.Parallel()
	dev := testDevice(t)

	registry := endpoint.NewRegistry()
	cli := client.New(engine.NewSoftProvider(32), dev, registry, client.Config{
		ControlAddr: "127.0.0.1:1",
		DataAddr:    "127.0.0.1:1",
		Executor:    executor.Config{ConnectionTimeout: 200 * time.Millisecond},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := cli.Connect(ctx, dev); err == nil {
		_ = cli.Close()
		t.Fatalf("expected Connect to fail against an unreachable server")
	}
}
