package acceptor_test

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/crossdev/remotelink/internal/acceptor"
)

func discardLogger() *logrus.Entry {
	l := logrus.New()
	l.Out = nil
	l.SetOutput(nopWriter{})
	return logrus.NewEntry(l)
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestAcceptorEnforcesMaxConnections(t *testing.T) {
	a, err := acceptor.New(discardLogger(), "127.0.0.1", 0, 2, 0)
	if err != nil {
		t.Fatalf("acceptor.New: %v", err)
	}
	defer a.Close()

	var handled sync.WaitGroup
	handled.Add(2)
	var mu sync.Mutex
	blocked := make(chan struct{})

	go a.Serve(func(conn net.Conn) {
		defer handled.Done()
		mu.Lock()
		mu.Unlock()
		<-blocked
		conn.Close()
	})

	addr := a.Addr().String()

	conns := make([]net.Conn, 0, 3)
	for i := 0; i < 3; i++ {
		c, err := net.DialTimeout("tcp", addr, time.Second)
		if err != nil {
			t.Fatalf("Dial %d: %v", i, err)
		}
		conns = append(conns, c)
	}
	defer func() {
		for _, c := range conns {
			c.Close()
		}
	}()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if a.ActiveConnections() >= 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := a.ActiveConnections(); got > 2 {
		t.Fatalf("ActiveConnections = %d, want <= 2", got)
	}

	// The third connection should observe EOF/closed rather than being
	// handled, since the acceptor rejected it without invoking Handler.
	conns[2].SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 1)
	if n, err := conns[2].Read(buf); err == nil && n > 0 {
		t.Fatalf("expected rejected connection to be closed, got data")
	}

	close(blocked)
	handled.Wait()
}
