// Package server implements the UDP listener loop (§4.8 "server
// loop"): bind the configured address, dispatch each raw datagram to
// the router (which decodes it), and reply to the source address from the
// same local port. Listed as an external collaborator by the original
// scope note (§1) because the core logic lives in the router and
// script host; it still needs a concrete implementation to run any of
// it, and the supplemented graceful-shutdown behaviour lives here.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
)

// Handler answers one raw (undecoded) datagram. Returning ok=false means the
// query was dropped (malformed beyond recovery) and nothing is sent.
type Handler interface {
	Handle(ctx context.Context, buf []byte, clientAddr, protocol string) (resp []byte, ok bool)
}

// maxDatagramSize is generous enough for EDNS(0)-sized UDP responses;
// oversized reads are truncated by the kernel, not by us.
const maxDatagramSize = 4096

// Server owns the UDP socket and the in-flight request goroutines.
type Server struct {
	addr    string
	handler Handler
	log     *slog.Logger

	mu   sync.Mutex
	conn *net.UDPConn
	wg   sync.WaitGroup
}

// New builds a Server bound to addr (host:port) once Run is called.
func New(addr string, handler Handler, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{addr: addr, handler: handler, log: log}
}

// Run binds the UDP socket and serves until ctx is cancelled. Each
// datagram is dispatched to its own goroutine so a slow route() never
// head-of-line blocks the listener (§5: one task per incoming query).
func (s *Server) Run(ctx context.Context) error {
	udpAddr, err := net.ResolveUDPAddr("udp", s.addr)
	if err != nil {
		return err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	s.log.Info("udp listener started", "address", conn.LocalAddr().String())

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		if s.conn != nil {
			_ = s.conn.Close()
		}
		s.mu.Unlock()
	}()

	buf := make([]byte, maxDatagramSize)
	for {
		n, clientAddr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				s.wg.Wait()
				return nil
			}
			s.log.Warn("udp read error", "error", err)
			continue
		}

		pkt := make([]byte, n)
		copy(pkt, buf[:n])

		s.wg.Add(1)
		go func(pkt []byte, client *net.UDPAddr) {
			defer s.wg.Done()
			resp, ok := s.handler.Handle(ctx, pkt, client.String(), "udp")
			if !ok {
				return
			}
			if _, err := conn.WriteToUDP(resp, client); err != nil {
				s.log.Warn("udp write error", "client", client.String(), "error", err)
			}
		}(pkt, clientAddr)
	}
}

// Shutdown closes the listening socket and waits, bounded by ctx, for
// in-flight requests to finish responding. It does not cancel those
// requests: they run under the context passed to Run.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
