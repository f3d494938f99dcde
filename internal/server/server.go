// Package server runs the relay hub: it accepts forwarder and receiver
// sessions on one device port, persists ingested events in the canonical
// store, and fans canonical events out to subscribed receivers.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/iwismer/rusty-timer-sub001/internal/fanout"
	"github.com/iwismer/rusty-timer-sub001/internal/protocol"
	"github.com/iwismer/rusty-timer-sub001/internal/registry"
	"github.com/iwismer/rusty-timer-sub001/internal/store"
)

type Options struct {
	HeartbeatInterval time.Duration
	SessionTimeout    time.Duration
	HandshakeTimeout  time.Duration
	ReceiverQueue     int
	DropHighWater     int
	// ReplayBatch bounds events per frame during replay and live drain.
	ReplayBatch int
}

type Server struct {
	st   *store.Store
	reg  *registry.Registry
	hub  *fanout.Hub
	opts Options
}

func New(st *store.Store, opts Options) *Server {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	if opts.SessionTimeout <= 0 {
		opts.SessionTimeout = 90 * time.Second
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	if opts.ReceiverQueue <= 0 {
		opts.ReceiverQueue = 1024
	}
	if opts.DropHighWater <= 0 {
		opts.DropHighWater = 256
	}
	if opts.ReplayBatch <= 0 {
		opts.ReplayBatch = 256
	}
	return &Server{
		st:   st,
		reg:  registry.New(),
		hub:  fanout.New(st, opts.ReceiverQueue, opts.DropHighWater),
		opts: opts,
	}
}

// Registry exposes the device registry for the admin surface.
func (s *Server) Registry() *registry.Registry { return s.reg }

// Hub exposes the fan-out hub for the admin surface.
func (s *Server) Hub() *fanout.Hub { return s.hub }

// Serve accepts device connections on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	// Sessions from an earlier process are gone; their online flags are lies.
	if err := s.st.MarkAllOffline(); err != nil {
		return err
	}

	var wg sync.WaitGroup
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	slog.Info("device listener up", slog.String("addr", ln.Addr().String()))
	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				wg.Wait()
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			wg.Wait()
			return fmt.Errorf("server: accept: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleConn(ctx, nc)
		}()
	}
}

// handleConn performs the hello handshake and hands the connection to the
// matching session loop. Anything that is not a hello within the handshake
// window closes the connection.
func (s *Server) handleConn(ctx context.Context, nc net.Conn) {
	conn := protocol.NewConn(nc)
	defer conn.Close()

	nc.SetReadDeadline(time.Now().Add(s.opts.HandshakeTimeout))
	env, err := conn.Recv()
	if err != nil {
		slog.Debug("connection closed before hello",
			slog.String("remote", nc.RemoteAddr().String()), slog.Any("error", err))
		return
	}
	nc.SetReadDeadline(time.Time{})

	switch env.Kind {
	case protocol.KindForwarderHello:
		var hello protocol.ForwarderHello
		if err := env.DecodeBody(&hello); err != nil {
			s.rejectHello(conn, protocol.CodeProtocolError, err.Error(), false)
			return
		}
		s.runForwarderSession(ctx, conn, hello)
	case protocol.KindReceiverHello:
		var hello protocol.ReceiverHello
		if err := env.DecodeBody(&hello); err != nil {
			s.rejectHello(conn, protocol.CodeProtocolError, err.Error(), false)
			return
		}
		s.runReceiverSession(ctx, conn, hello)
	default:
		s.rejectHello(conn, protocol.CodeProtocolError,
			fmt.Sprintf("expected hello, got %s", env.Kind), false)
	}
}

func (s *Server) rejectHello(conn *protocol.Conn, code, message string, retryable bool) {
	conn.Send(protocol.KindHelloReject, protocol.HelloReject{
		Code: code, Message: message, Retryable: retryable,
	})
}

// TriggerEpochReset starts a new epoch on a stream. The reset requires the
// owning forwarder online: the forwarder owns seq allocation, so resetting
// behind its back would fork the stream.
func (s *Server) TriggerEpochReset(streamID string) (uint64, error) {
	info, err := s.st.GetStream(streamID)
	if err != nil {
		return 0, err
	}
	reply := make(chan error, 1)
	cmd := registry.Command{Kind: "epoch_reset", ReaderKey: info.ReaderKey, Reply: reply}
	if err := s.reg.Send(info.ForwarderID, cmd); err != nil {
		return 0, err
	}
	select {
	case err := <-reply:
		if err != nil {
			return 0, err
		}
	case <-time.After(s.opts.HandshakeTimeout):
		return 0, fmt.Errorf("server: forwarder did not confirm epoch reset")
	}
	info, err = s.st.GetStream(streamID)
	if err != nil {
		return 0, err
	}
	return info.Epoch, nil
}

// recvPump turns the blocking Recv into a channel for the session select
// loops. The pump ends when the connection errors or done closes.
func recvPump(conn *protocol.Conn, done <-chan struct{}) (<-chan *protocol.Envelope, <-chan error) {
	msgs := make(chan *protocol.Envelope)
	errs := make(chan error, 1)
	go func() {
		defer close(msgs)
		for {
			env, err := conn.Recv()
			if err != nil {
				errs <- err
				return
			}
			select {
			case msgs <- env:
			case <-done:
				return
			}
		}
	}()
	return msgs, errs
}
