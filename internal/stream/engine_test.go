package stream_test

import (
	"net"
	"testing"
	"time"

	"golang.org/x/net/nettest"

	"github.com/crossdev/remotelink/internal/stream"
	"github.com/crossdev/remotelink/internal/wire"
)

// loopbackPair returns two ends of a real TCP loopback connection so the
// engine exercises genuine deadline-based non-blocking semantics rather
// than an in-memory io.Pipe.
func loopbackPair(t *testing.T) (client, server net.Conn) {
	t.Helper()

	ln, err := nettest.NewLocalListener("tcp")
	if err != nil {
		t.Fatalf("nettest.NewLocalListener: %v", err)
	}
	defer ln.Close()

	acceptc := make(chan net.Conn, 1)
	errc := make(chan error, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			errc <- err
			return
		}
		acceptc <- c
	}()

	client, err = net.DialTimeout("tcp", ln.Addr().String(), 2*time.Second)
	if err != nil {
		t.Fatalf("net.DialTimeout: %v", err)
	}

	select {
	case server = <-acceptc:
	case err := <-errc:
		t.Fatalf("Accept: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for accept")
	}

	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client, server
}

func drivePair(t *testing.T, writer *stream.Engine, reader *stream.Engine, msg wire.Message) wire.Message {
	t.Helper()

	finished, err := writer.BeginWrite(msg, false)
	if err != nil {
		t.Fatalf("BeginWrite: %v", err)
	}
	_ = finished

	if _, err := reader.BeginRead(false); err != nil {
		t.Fatalf("BeginRead: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := writer.Update(); err != nil {
			t.Fatalf("writer.Update: %v", err)
		}
		got, err := reader.Update()
		if err != nil {
			t.Fatalf("reader.Update: %v", err)
		}
		if got != nil {
			return got
		}
	}
	t.Fatal("timed out waiting for message to arrive")
	return nil
}

func TestEngineRoundTrip(t *testing.T) {
	client, server := loopbackPair(t)

	writer := stream.New(client)
	reader := stream.New(server)

	msg := wire.HandshakeRequest{Major: wire.ProtocolVersionMajor, Minor: wire.ProtocolVersionMinor}
	got := drivePair(t, writer, reader, msg)

	hs, ok := got.(wire.HandshakeRequest)
	if !ok {
		t.Fatalf("got %T, want wire.HandshakeRequest", got)
	}
	if hs != msg {
		t.Fatalf("got %+v, want %+v", hs, msg)
	}
}

func TestEngineRoundTripLargePayload(t *testing.T) {
	client, server := loopbackPair(t)

	writer := stream.New(client)
	reader := stream.New(server)

	data := make([]byte, 256*1024)
	for i := range data {
		data[i] = byte(i)
	}
	msg := wire.LaunchExecutableRequest{FileServer: true, Path: "/tmp/x", Data: data}
	got := drivePair(t, writer, reader, msg)

	le, ok := got.(wire.LaunchExecutableRequest)
	if !ok {
		t.Fatalf("got %T, want wire.LaunchExecutableRequest", got)
	}
	if len(le.Data) != len(data) {
		t.Fatalf("got %d bytes, want %d", len(le.Data), len(data))
	}
	for i := range data {
		if le.Data[i] != data[i] {
			t.Fatalf("byte %d mismatch", i)
		}
	}
}

func TestEngineSequentialMessagesPreserveOrder(t *testing.T) {
	client, server := loopbackPair(t)

	writer := stream.New(client)
	reader := stream.New(server)

	msgs := []wire.Message{
		wire.StdoutOutput{Data: []byte("first")},
		wire.StdoutOutput{Data: []byte("second")},
		wire.StdoutOutput{Data: []byte("third")},
	}

	for i, m := range msgs {
		got := drivePair(t, writer, reader, m)
		out, ok := got.(wire.StdoutOutput)
		if !ok {
			t.Fatalf("message %d: got %T", i, got)
		}
		if string(out.Data) != string(m.(wire.StdoutOutput).Data) {
			t.Fatalf("message %d: got %q, want %q", i, out.Data, m.(wire.StdoutOutput).Data)
		}
	}
}

func TestEngineUnknownTagTerminatesRead(t *testing.T) {
	client, server := loopbackPair(t)

	reader := stream.New(server)
	if _, err := reader.BeginRead(false); err != nil {
		t.Fatalf("BeginRead: %v", err)
	}

	// Write a bogus header directly, bypassing the engine, to simulate a
	// peer sending an unrecognized tag.
	header := make([]byte, wire.HeaderLength)
	header[0] = 250 // not a known tag
	if _, err := client.Write(header); err != nil {
		t.Fatalf("Write: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		_, err := reader.Update()
		if err != nil {
			return
		}
	}
	t.Fatal("expected an error for unknown tag, got none")
}
