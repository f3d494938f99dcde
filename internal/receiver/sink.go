package receiver

import (
	"context"
	"log/slog"
	"net"
	"sync"

	"github.com/iwismer/rusty-timer-sub001/internal/protocol"
)

// Sink consumes delivered reads. Deliver is called after the local cursor
// has already advanced past the event; returning an error ends the session.
type Sink interface {
	Deliver(ev protocol.ReadEvent) error
	// StreamReset signals that a stream moved to a new epoch. Sinks that
	// segment output per epoch can roll over here.
	StreamReset(ref protocol.StreamRef, newEpoch uint64)
}

// LineServer fans delivered raw lines out to local TCP clients, the same
// shape a timing reader presents. Timing software connects to it as if it
// were the reader itself.
type LineServer struct {
	mu      sync.Mutex
	clients map[net.Conn]struct{}
}

func NewLineServer() *LineServer {
	return &LineServer{clients: map[net.Conn]struct{}{}}
}

// Serve accepts local clients on ln until ctx is cancelled.
func (s *LineServer) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	slog.Info("line sink listening", slog.String("addr", ln.Addr().String()))
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.closeAll()
				return nil
			}
			return err
		}
		slog.Info("sink client connected", slog.String("remote", conn.RemoteAddr().String()))
		s.mu.Lock()
		s.clients[conn] = struct{}{}
		s.mu.Unlock()
	}
}

// Deliver writes the raw line to every connected client. A client that
// fails to take the write is disconnected; clients are consumers of
// convenience, durability lives in the cursor file upstream.
func (s *LineServer) Deliver(ev protocol.ReadEvent) error {
	line := []byte(ev.RawLine + "\r\n")

	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.clients {
		if _, err := conn.Write(line); err != nil {
			slog.Warn("sink client dropped",
				slog.String("remote", conn.RemoteAddr().String()), slog.Any("error", err))
			conn.Close()
			delete(s.clients, conn)
		}
	}
	return nil
}

func (s *LineServer) StreamReset(ref protocol.StreamRef, newEpoch uint64) {
	slog.Info("stream restarted",
		slog.String("forwarder_id", ref.ForwarderID),
		slog.String("reader_key", ref.ReaderKey),
		slog.Uint64("new_epoch", newEpoch))
}

func (s *LineServer) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.clients {
		conn.Close()
		delete(s.clients, conn)
	}
}
