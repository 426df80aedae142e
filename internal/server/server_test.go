package server

import (
	"context"
	"net"
	"testing"
	"time"
)

type echoHandler struct{}

func (echoHandler) Handle(_ context.Context, buf []byte, _ string, _ string) ([]byte, bool) {
	return buf, true
}

type dropHandler struct{}

func (dropHandler) Handle(_ context.Context, buf []byte, _ string, _ string) ([]byte, bool) {
	return nil, false
}

func TestServerEchoesResponse(t *testing.T) {
	s := New("127.0.0.1:0", echoHandler{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ready := make(chan struct{})
	go func() {
		// Run blocks until ctx is cancelled and gives no signal once
		// the socket is bound; poll briefly instead of plumbing a
		// separate "bound" signal through Run.
		for i := 0; i < 100; i++ {
			s.mu.Lock()
			bound := s.conn != nil
			s.mu.Unlock()
			if bound {
				close(ready)
				return
			}
			time.Sleep(time.Millisecond)
		}
		close(ready)
	}()

	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()
	<-ready

	s.mu.Lock()
	addr := s.conn.LocalAddr().(*net.UDPAddr)
	s.mu.Unlock()

	client, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	payload := []byte("ping")
	if _, err := client.Write(payload); err != nil {
		t.Fatalf("write: %v", err)
	}

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 16)
	n, err := client.Read(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf[:n]) != "ping" {
		t.Errorf("expected echo, got %q", buf[:n])
	}

	cancel()
	select {
	case <-errCh:
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop after cancel")
	}
}

func TestServerDroppedQueryGetsNoResponse(t *testing.T) {
	s := New("127.0.0.1:0", dropHandler{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go s.Run(ctx)
	for i := 0; i < 100; i++ {
		s.mu.Lock()
		bound := s.conn != nil
		s.mu.Unlock()
		if bound {
			break
		}
		time.Sleep(time.Millisecond)
	}

	s.mu.Lock()
	addr := s.conn.LocalAddr().(*net.UDPAddr)
	s.mu.Unlock()

	client, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	if _, err := client.Write([]byte("x")); err != nil {
		t.Fatalf("write: %v", err)
	}
	client.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	buf := make([]byte, 16)
	if _, err := client.Read(buf); err == nil {
		t.Error("expected no response for a dropped query")
	}
}
