package engine_test

import (
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/fogesque/rdmarun/internal/device"
	"github.com/fogesque/rdmarun/internal/engine"
	"github.com/fogesque/rdmarun/internal/mem"
)

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", ":0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func waitMsg(t *testing.T, p *engine.SoftProvider, want engine.MsgKind) engine.Msg {
	t.Helper()
	select {
	case msg := <-p.Mailbox():
		if msg.Kind != want {
			t.Fatalf("got mailbox kind %v, want %v", msg.Kind, want)
		}
		return msg
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for mailbox kind %v", want)
		return engine.Msg{}
	}
}

func connectPair(t *testing.T) (server *engine.SoftProvider, client *engine.SoftProvider, serverConn, clientConn engine.ConnHandle) {
	t.Helper()

	server = engine.NewSoftProvider(32)
	client = engine.NewSoftProvider(32)

	if err := server.Start(); err != nil {
		t.Fatalf("server Start: %v", err)
	}
	if err := client.Start(); err != nil {
		t.Fatalf("client Start: %v", err)
	}

	port := freePort(t)
	if err := server.Listen(port); err != nil {
		t.Fatalf("Listen: %v", err)
	}

	var err error
	clientConn, err = client.ConnectToAddress(fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		t.Fatalf("ConnectToAddress: %v", err)
	}

	requested := waitMsg(t, server, engine.MsgConnRequested)
	serverConn = requested.Conn
	if err := server.AcceptConnection(serverConn); err != nil {
		t.Fatalf("AcceptConnection: %v", err)
	}

	waitMsg(t, server, engine.MsgConnEstablished)
	waitMsg(t, client, engine.MsgConnEstablished)

	return server, client, serverConn, clientConn
}

func TestSendRecvRoundTrip(t *testing.T) {
	t.Parallel()

	server, client, serverConn, clientConn := connectPair(t)
	defer server.Stop()
	defer client.Stop()

	var received []byte
	if _, err := server.PostRecv(serverConn, func(data []byte) error {
		received = append([]byte(nil), data...)
		return nil
	}); err != nil {
		t.Fatalf("PostRecv: %v", err)
	}

	payload := []byte("hello over the simulated fabric")
	if _, err := client.PostSend(clientConn, payload); err != nil {
		t.Fatalf("PostSend: %v", err)
	}

	waitMsg(t, client, engine.MsgTaskComplete)
	waitMsg(t, server, engine.MsgTaskComplete)

	if string(received) != string(payload) {
		t.Fatalf("received %q, want %q", received, payload)
	}
}

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

func TestWriteThenReadRoundTrip(t *testing.T) {
	t.Parallel()

	server, client, serverConn, clientConn := connectPair(t)
	defer server.Stop()
	defer client.Stop()

	d := testDevice(t)

	serverData := make([]byte, 64)
	serverMap, err := mem.Start(d, serverData, mem.LocalRead|mem.LocalWrite|mem.RDMAWrite|mem.RDMARead)
	if err != nil {
		t.Fatalf("Start server map: %v", err)
	}
	server.RegisterExport(serverMap.Nonce(), serverMap)

	payload := []byte("written by the client into the server's region")
	if _, err := client.PostWrite(clientConn, payload, serverMap.Nonce(), 0); err != nil {
		t.Fatalf("PostWrite: %v", err)
	}
	waitMsg(t, client, engine.MsgTaskComplete)

	// The write completes only after the server's write ack, so the bytes
	// are already applied; the pause is extra margin before inspecting the
	// server's memory directly.
	time.Sleep(50 * time.Millisecond)

	got, err := serverMap.ReadLocal(0, len(payload))
	if err != nil {
		t.Fatalf("ReadLocal: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("server region = %q, want %q", got, payload)
	}

	var readBack []byte
	if _, err := client.PostRead(clientConn, serverMap.Nonce(), 0, len(payload), func(data []byte) error {
		readBack = append([]byte(nil), data...)
		return nil
	}); err != nil {
		t.Fatalf("PostRead: %v", err)
	}
	waitMsg(t, client, engine.MsgTaskComplete)

	if string(readBack) != string(payload) {
		t.Fatalf("read back %q, want %q", readBack, payload)
	}
}
