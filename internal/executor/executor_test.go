package executor_test

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/fogesque/rdmarun/internal/device"
	"github.com/fogesque/rdmarun/internal/engine"
	"github.com/fogesque/rdmarun/internal/executor"
	"github.com/fogesque/rdmarun/internal/mem"
	"github.com/fogesque/rdmarun/internal/rdmabuf"
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

func testExecutors(t *testing.T) (server, client *executor.Executor, addr string) {
	t.Helper()

	port := freePort(t)
	server = executor.New(engine.NewSoftProvider(32), executor.Config{})
	client = executor.New(engine.NewSoftProvider(32), executor.Config{})

	if err := server.Start(); err != nil {
		t.Fatalf("server Start: %v", err)
	}
	if err := client.Start(); err != nil {
		t.Fatalf("client Start: %v", err)
	}
	t.Cleanup(func() {
		_ = server.Stop()
		_ = client.Stop()
	})

	if err := server.Listen(port); err != nil {
		t.Fatalf("Listen: %v", err)
	}

	return server, client, fmt.Sprintf("127.0.0.1:%d", port)
}

func TestSendRecvRoundTrip(t *testing.T) {
	t.Parallel()
	d := testDevice(t)

	server, client, addr := testExecutors(t)

	if _, err := client.Connect(addr); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	waitForActive(t, server)
	waitForActive(t, client)

	recvBuf := rdmabuf.New(16)
	if err := recvBuf.Map(d, mem.LocalRead|mem.LocalWrite); err != nil {
		t.Fatalf("Map recv: %v", err)
	}
	sendBuf := rdmabuf.New(16)
	if err := sendBuf.Map(d, mem.LocalRead|mem.LocalWrite); err != nil {
		t.Fatalf("Map send: %v", err)
	}
	data, _ := sendBuf.Bytes()
	copy(data, []byte("hello executor!"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	recvDone := make(chan error, 1)
	go func() {
		_, err := server.Submit(ctx, executor.OpRequest{Kind: engine.TaskRecv, Local: recvBuf, LocalAddr: 0, Length: 16})
		recvDone <- err
	}()

	time.Sleep(20 * time.Millisecond)
	if _, err := client.Submit(ctx, executor.OpRequest{Kind: engine.TaskSend, Local: sendBuf, LocalAddr: 0, Length: 16}); err != nil {
		t.Fatalf("Submit send: %v", err)
	}

	if err := <-recvDone; err != nil {
		t.Fatalf("Submit recv: %v", err)
	}

	got, _ := recvBuf.Bytes()
	if string(got) != "hello executor!" {
		t.Fatalf("got %q", got)
	}
}

func TestContentionRejectsSecondRequest(t *testing.T) {
	t.Parallel()

	server, clientA, addr := testExecutors(t)

	clientB := executor.New(engine.NewSoftProvider(32), executor.Config{})
	if err := clientB.Start(); err != nil {
		t.Fatalf("clientB Start: %v", err)
	}
	t.Cleanup(func() { _ = clientB.Stop() })

	if _, err := clientA.Connect(addr); err != nil {
		t.Fatalf("clientA Connect: %v", err)
	}
	waitForActive(t, server)
	waitForActive(t, clientA)

	if _, err := clientB.Connect(addr); err != nil {
		t.Fatalf("clientB ConnectToAddress: %v", err)
	}

	// The server already has an active connection with clientA; its
	// on_request policy must reject clientB's peer-initiated request.
	// clientB never sees MsgConnEstablished within a short budget.
	deadline := time.Now().Add(300 * time.Millisecond)
	for time.Now().Before(deadline) {
		if _, err := clientB.GetActiveConnection(10 * time.Millisecond); err == nil {
			t.Fatalf("expected clientB's connection to be rejected while clientA is active")
		}
	}
}

func TestSubmitBeforeConnectTimesOut(t *testing.T) {
	t.Parallel()
	d := testDevice(t)

	client := executor.New(engine.NewSoftProvider(32), executor.Config{ConnectionTimeout: 50 * time.Millisecond})
	if err := client.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = client.Stop() })

	buf := rdmabuf.New(16)
	if err := buf.Map(d, mem.LocalRead|mem.LocalWrite); err != nil {
		t.Fatalf("Map: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := client.Submit(ctx, executor.OpRequest{Kind: engine.TaskSend, Local: buf, LocalAddr: 0, Length: 16}); err == nil {
		t.Fatalf("expected Submit with no connection to fail")
	}
}

func TestShutdownDrainsQueuedOperations(t *testing.T) {
	defer goleak.VerifyNone(t)
	d := testDevice(t)

	client := executor.New(engine.NewSoftProvider(32), executor.Config{ConnectionTimeout: 50 * time.Millisecond})
	if err := client.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	buf := rdmabuf.New(16)
	if err := buf.Map(d, mem.LocalRead|mem.LocalWrite); err != nil {
		t.Fatalf("Map: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	results := make(chan error, 4)
	for i := 0; i < 4; i++ {
		go func() {
			_, err := client.Submit(ctx, executor.OpRequest{Kind: engine.TaskSend, Local: buf, LocalAddr: 0, Length: 16})
			results <- err
		}()
	}

	time.Sleep(10 * time.Millisecond)
	if err := client.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	for i := 0; i < 4; i++ {
		if err := <-results; err == nil {
			t.Fatalf("expected queued submission to fail once shut down")
		}
	}
}

func waitForActive(t *testing.T, e *executor.Executor) {
	t.Helper()
	if _, err := e.GetActiveConnection(2 * time.Second); err != nil {
		t.Fatalf("GetActiveConnection: %v", err)
	}
}
