package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/iwismer/rusty-timer-sub001/internal/protocol"
	"github.com/iwismer/rusty-timer-sub001/internal/registry"
	"github.com/iwismer/rusty-timer-sub001/internal/store"
)

// forwarderSession is the per-connection state for one attached forwarder.
type forwarderSession struct {
	srv       *Server
	conn      *protocol.Conn
	sessionID string
	deviceID  string
	// streams maps reader keys to registered stream ids for this forwarder.
	streams map[string]string
}

func (s *Server) runForwarderSession(ctx context.Context, conn *protocol.Conn, hello protocol.ForwarderHello) {
	if err := s.st.CheckCredential(hello.ForwarderID, hello.Credential, store.RoleForwarder); err != nil {
		s.rejectHello(conn, protocol.CodeInvalidToken, "credential rejected", false)
		return
	}

	sessionID := uuid.NewString()
	commands, err := s.reg.Register(hello.ForwarderID, sessionID)
	if err != nil {
		if errors.Is(err, registry.ErrDuplicateSession) {
			s.rejectHello(conn, protocol.CodeDuplicateSession,
				"forwarder already has a live session", true)
		} else {
			s.rejectHello(conn, protocol.CodeInternalError, err.Error(), true)
		}
		return
	}
	defer s.reg.Unregister(hello.ForwarderID, sessionID)

	sess := &forwarderSession{
		srv:       s,
		conn:      conn,
		sessionID: sessionID,
		deviceID:  hello.ForwarderID,
		streams:   map[string]string{},
	}
	if err := sess.applyHello(hello); err != nil {
		s.rejectHello(conn, protocol.CodeInternalError, err.Error(), true)
		return
	}
	defer sess.markOffline()

	if err := conn.Send(protocol.KindHelloAck, protocol.HelloAck{
		SessionID: sessionID, DeviceID: hello.ForwarderID,
	}); err != nil {
		return
	}
	slog.Info("forwarder session opened",
		slog.String("forwarder_id", hello.ForwarderID),
		slog.String("session_id", sessionID))

	sess.loop(ctx, commands)
	slog.Info("forwarder session closed",
		slog.String("forwarder_id", hello.ForwarderID),
		slog.String("session_id", sessionID))
}

// applyHello registers the hello's streams and observes the epochs the
// forwarder reports. Called for the opening hello and for mid-session
// re-hellos after an epoch reset.
func (sess *forwarderSession) applyHello(hello protocol.ForwarderHello) error {
	for _, key := range hello.ReaderKeys {
		streamID, err := sess.ensureStream(key)
		if err != nil {
			return err
		}
		if hello.DisplayName != "" {
			info, err := sess.srv.st.GetStream(streamID)
			if err == nil && info.DisplayName == "" {
				sess.srv.st.SetDisplayName(streamID, hello.DisplayName)
			}
		}
	}
	for _, c := range hello.Resume {
		streamID, ok := sess.streams[c.ReaderKey]
		if !ok {
			continue
		}
		if err := sess.srv.st.ObserveEpoch(streamID, c.Epoch); err != nil {
			return err
		}
	}
	return nil
}

func (sess *forwarderSession) ensureStream(readerKey string) (string, error) {
	if id, ok := sess.streams[readerKey]; ok {
		return id, nil
	}
	id, _, err := sess.srv.st.UpsertStream(sess.deviceID, readerKey)
	if err != nil {
		return "", err
	}
	if err := sess.srv.st.SetStreamOnline(id, true); err != nil {
		return "", err
	}
	sess.streams[readerKey] = id
	return id, nil
}

func (sess *forwarderSession) markOffline() {
	for _, id := range sess.streams {
		if err := sess.srv.st.SetStreamOnline(id, false); err != nil {
			slog.Error("mark stream offline failed",
				slog.String("stream_id", id), slog.Any("error", err))
		}
	}
}

func (sess *forwarderSession) loop(ctx context.Context, commands <-chan registry.Command) {
	done := make(chan struct{})
	defer close(done)
	msgs, recvErrs := recvPump(sess.conn, done)

	heartbeat := time.NewTicker(sess.srv.opts.HeartbeatInterval)
	defer heartbeat.Stop()
	lastSeen := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if time.Since(lastSeen) > sess.srv.opts.SessionTimeout {
				slog.Warn("forwarder session timed out",
					slog.String("forwarder_id", sess.deviceID))
				return
			}
			if err := sess.conn.Send(protocol.KindHeartbeat, protocol.Heartbeat{SessionID: sess.sessionID}); err != nil {
				return
			}
		case cmd, ok := <-commands:
			if !ok {
				return
			}
			sess.handleCommand(cmd)
		case err := <-recvErrs:
			slog.Debug("forwarder connection ended",
				slog.String("forwarder_id", sess.deviceID), slog.Any("error", err))
			return
		case env, ok := <-msgs:
			if !ok {
				return
			}
			lastSeen = time.Now()
			if fatal := sess.handleMessage(env); fatal {
				return
			}
		}
	}
}

// handleMessage routes one inbound frame. A true return closes the session.
func (sess *forwarderSession) handleMessage(env *protocol.Envelope) bool {
	switch env.Kind {
	case protocol.KindEventBatch:
		var batch protocol.EventBatch
		if err := env.DecodeBody(&batch); err != nil {
			sess.protocolError(err.Error())
			return true
		}
		return sess.ingest(batch)

	case protocol.KindHeartbeat:
		return false

	case protocol.KindForwarderHello:
		// Re-hello after an epoch reset refreshes epochs and cursors.
		var hello protocol.ForwarderHello
		if err := env.DecodeBody(&hello); err != nil {
			sess.protocolError(err.Error())
			return true
		}
		if hello.ForwarderID != sess.deviceID {
			sess.sendError(protocol.CodeIdentityMismatch,
				"re-hello with a different forwarder id", false)
			return true
		}
		if err := sess.applyHello(hello); err != nil {
			sess.sendError(protocol.CodeInternalError, err.Error(), true)
			return true
		}
		sess.conn.Send(protocol.KindHelloAck, protocol.HelloAck{
			SessionID: sess.sessionID, DeviceID: sess.deviceID,
		})
		return false

	default:
		sess.protocolError(fmt.Sprintf("unexpected %s on forwarder session", env.Kind))
		return true
	}
}

// ingest persists a batch and acks the high-water mark per (stream, epoch).
// A conflicting event withholds the whole ack: the forwarder keeps the
// batch journaled and an operator decides, rather than the server silently
// dropping data.
func (sess *forwarderSession) ingest(batch protocol.EventBatch) bool {
	if batch.SessionID != sess.sessionID {
		sess.sendError(protocol.CodeSessionExpired, "stale session id on batch", true)
		return true
	}

	byStream := map[string][]protocol.ReadEvent{}
	for _, ev := range batch.Events {
		if ev.ForwarderID != sess.deviceID {
			sess.sendError(protocol.CodeIdentityMismatch,
				"event for a different forwarder on this session", false)
			return true
		}
		byStream[ev.ReaderKey] = append(byStream[ev.ReaderKey], ev)
	}

	hadConflict := false

	for readerKey, events := range byStream {
		streamID, err := sess.ensureStream(readerKey)
		if err != nil {
			sess.sendError(protocol.CodeInternalError, err.Error(), true)
			return true
		}
		in := make([]store.IngestEvent, len(events))
		maxEpoch := uint64(0)
		for i, ev := range events {
			in[i] = store.IngestEvent{
				Epoch:           ev.Epoch,
				Seq:             ev.Seq,
				ReaderTimestamp: ev.ReaderTimestamp,
				RawLine:         ev.RawLine,
				ReadType:        ev.ReadType,
			}
			if ev.Epoch > maxEpoch {
				maxEpoch = ev.Epoch
			}
		}
		out, err := sess.srv.st.IngestBatch(streamID, in)
		if err != nil {
			sess.sendError(protocol.CodeInternalError, err.Error(), true)
			return true
		}
		if err := sess.srv.st.ObserveEpoch(streamID, maxEpoch); err != nil {
			sess.sendError(protocol.CodeInternalError, err.Error(), true)
			return true
		}

		for i, ev := range events {
			switch out.Results[i] {
			case store.Inserted:
				live := ev
				live.StreamID = streamID
				sess.srv.hub.Publish(live)
			case store.IntegrityConflict:
				hadConflict = true
				slog.Error("integrity conflict",
					slog.String("stream_id", streamID),
					slog.Uint64("epoch", ev.Epoch),
					slog.Uint64("seq", ev.Seq))
			}
		}
	}

	if hadConflict {
		// Connection stays up; the error is non-retryable for this payload.
		sess.sendError(protocol.CodeIntegrityConflict,
			"one or more events had a mismatched payload for an existing key", false)
		return false
	}

	ack := protocol.BatchAck{SessionID: sess.sessionID}
	for readerKey, events := range byStream {
		seen := map[uint64]uint64{}
		for _, ev := range events {
			if ev.Seq > seen[ev.Epoch] {
				seen[ev.Epoch] = ev.Seq
			}
		}
		for epoch, seq := range seen {
			ack.Entries = append(ack.Entries, protocol.AckEntry{
				StreamRef: protocol.StreamRef{ForwarderID: sess.deviceID, ReaderKey: readerKey},
				Epoch:     epoch,
				UpToSeq:   seq,
			})
		}
	}
	if err := sess.conn.Send(protocol.KindBatchAck, ack); err != nil {
		return true
	}
	return false
}

func (sess *forwarderSession) handleCommand(cmd registry.Command) {
	switch cmd.Kind {
	case "epoch_reset":
		cmd.Reply <- sess.doEpochReset(cmd.ReaderKey)
	default:
		cmd.Reply <- fmt.Errorf("server: unknown command %q", cmd.Kind)
	}
}

func (sess *forwarderSession) doEpochReset(readerKey string) error {
	streamID, ok := sess.streams[readerKey]
	if !ok {
		return fmt.Errorf("server: forwarder has no stream %s", readerKey)
	}
	newEpoch, err := sess.srv.st.BumpEpoch(streamID)
	if err != nil {
		return err
	}
	if err := sess.conn.Send(protocol.KindEpochReset, protocol.EpochReset{
		SessionID: sess.sessionID,
		ReaderKey: readerKey,
		NewEpoch:  newEpoch,
	}); err != nil {
		return err
	}
	sess.srv.hub.OnEpochAdvance(streamID, newEpoch)
	slog.Info("epoch reset issued",
		slog.String("stream_id", streamID),
		slog.Uint64("new_epoch", newEpoch))
	return nil
}

func (sess *forwarderSession) protocolError(msg string) {
	sess.sendError(protocol.CodeProtocolError, msg, false)
}

func (sess *forwarderSession) sendError(code, msg string, retryable bool) {
	sess.conn.Send(protocol.KindError, protocol.ErrorMessage{
		Code: code, Message: msg, Retryable: retryable,
	})
}
