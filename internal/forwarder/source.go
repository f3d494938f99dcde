package forwarder

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Read is one raw line lifted off a timing reader.
type Read struct {
	ReaderKey       string
	RawLine         string
	ReaderTimestamp string
	ReadType        string
}

// Source produces reads from reader hardware. Implementations push into out
// until ctx is cancelled; the forwarder journals everything that arrives.
type Source interface {
	Run(ctx context.Context, out chan<- Read) error
	// Key identifies the stream this source feeds.
	Key() string
}

// TCPSource connects to a timing reader that serves newline-delimited read
// lines over TCP, the usual interface on LLRP-bridge boxes. The reader
// address doubles as the stream key. Lost connections redial with backoff;
// reads are never generated while disconnected, so nothing is lost on our
// side.
type TCPSource struct {
	Addr string
}

func (s *TCPSource) Key() string { return s.Addr }

func (s *TCPSource) Run(ctx context.Context, out chan<- Read) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0

	op := func() error {
		if err := s.readOnce(ctx, out); err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			slog.Warn("reader connection lost",
				slog.String("reader", s.Addr), slog.Any("error", err))
			return err
		}
		return nil
	}
	err := backoff.Retry(op, backoff.WithContext(bo, ctx))
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (s *TCPSource) readOnce(ctx context.Context, out chan<- Read) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", s.Addr)
	if err != nil {
		return fmt.Errorf("forwarder: dial reader %s: %w", s.Addr, err)
	}
	defer conn.Close()
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-watchDone:
		}
	}()
	slog.Info("reader connected", slog.String("reader", s.Addr))

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), 64*1024)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}
		r := Read{
			ReaderKey:       s.Addr,
			RawLine:         line,
			ReaderTimestamp: time.Now().UTC().Format(time.RFC3339Nano),
			ReadType:        "RAW",
		}
		select {
		case out <- r:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("forwarder: read from %s: %w", s.Addr, err)
	}
	return fmt.Errorf("forwarder: reader %s closed the connection", s.Addr)
}
