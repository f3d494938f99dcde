package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/iwismer/rusty-timer-sub001/internal/fanout"
	"github.com/iwismer/rusty-timer-sub001/internal/protocol"
	"github.com/iwismer/rusty-timer-sub001/internal/registry"
	"github.com/iwismer/rusty-timer-sub001/internal/store"
)

type rcursor struct {
	epoch, seq uint64
}

func (c rcursor) before(o rcursor) bool {
	return c.epoch < o.epoch || (c.epoch == o.epoch && c.seq < o.seq)
}

type receiverSession struct {
	srv       *Server
	conn      *protocol.Conn
	sessionID string
	deviceID  string
	sub       *fanout.Subscriber
	// targets tracks the active target set so selection changes replay only
	// what was added.
	targets map[string]protocol.Target
	// clientCursors holds hello-time cursors by stream id, consulted on the
	// first replay of each target.
	clientCursors map[string]rcursor
}

func (s *Server) runReceiverSession(ctx context.Context, conn *protocol.Conn, hello protocol.ReceiverHello) {
	if err := s.st.CheckCredential(hello.ReceiverID, hello.Credential, store.RoleReceiver); err != nil {
		s.rejectHello(conn, protocol.CodeInvalidToken, "credential rejected", false)
		return
	}

	sessionID := uuid.NewString()
	if _, err := s.reg.Register(hello.ReceiverID, sessionID); err != nil {
		if errors.Is(err, registry.ErrDuplicateSession) {
			s.rejectHello(conn, protocol.CodeDuplicateSession,
				"receiver already has a live session", true)
		} else {
			s.rejectHello(conn, protocol.CodeInternalError, err.Error(), true)
		}
		return
	}
	defer s.reg.Unregister(hello.ReceiverID, sessionID)

	sub, targets, warnings, err := s.hub.Subscribe(hello.ReceiverID, sessionID, hello.Selection)
	if err != nil {
		s.rejectHello(conn, protocol.CodeProtocolError, err.Error(), false)
		return
	}
	defer s.hub.Unsubscribe(sessionID)

	sess := &receiverSession{
		srv:           s,
		conn:          conn,
		sessionID:     sessionID,
		deviceID:      hello.ReceiverID,
		sub:           sub,
		targets:       map[string]protocol.Target{},
		clientCursors: map[string]rcursor{},
	}
	for _, c := range hello.Cursors {
		info, err := s.st.GetStreamByKey(c.ForwarderID, c.ReaderKey)
		if err != nil {
			continue
		}
		sess.clientCursors[info.StreamID] = rcursor{epoch: c.Epoch, seq: c.LastSeq}
	}

	if err := conn.Send(protocol.KindHelloAck, protocol.HelloAck{
		SessionID: sessionID, DeviceID: hello.ReceiverID,
	}); err != nil {
		return
	}
	if err := conn.Send(protocol.KindSelectionApplied, protocol.SelectionApplied{
		SessionID: sessionID, Targets: targets, Warnings: warnings,
	}); err != nil {
		return
	}
	slog.Info("receiver session opened",
		slog.String("receiver_id", hello.ReceiverID),
		slog.String("session_id", sessionID),
		slog.Int("targets", len(targets)))

	// Replay history before draining live deliveries. The subscription is
	// already active, so events arriving during replay queue up and the
	// floor set per target filters out what replay already covered.
	if err := sess.applyTargets(targets); err != nil {
		slog.Error("replay failed",
			slog.String("receiver_id", hello.ReceiverID), slog.Any("error", err))
		return
	}

	sess.loop(ctx)
	slog.Info("receiver session closed",
		slog.String("receiver_id", hello.ReceiverID),
		slog.String("session_id", sessionID))
}

func targetKey(t protocol.Target) string {
	return fmt.Sprintf("%s/%d", t.StreamID, t.Epoch)
}

// applyTargets replays newly added targets and records the active set.
func (sess *receiverSession) applyTargets(targets []protocol.Target) error {
	next := map[string]protocol.Target{}
	for _, t := range targets {
		key := targetKey(t)
		next[key] = t
		if _, known := sess.targets[key]; !known {
			if err := sess.replayTarget(t); err != nil {
				return err
			}
		}
	}
	sess.targets = next
	return nil
}

// replayTarget streams stored events past the receiver's cursor for one
// target, then floors the live queue at the replay boundary.
func (sess *receiverSession) replayTarget(t protocol.Target) error {
	start := sess.startCursor(t)
	if t.Epoch != 0 && start.epoch > t.Epoch {
		return nil
	}
	if t.Epoch != 0 && start.epoch < t.Epoch {
		start = rcursor{epoch: t.Epoch, seq: 0}
	}

	last := start
	for {
		rows, err := sess.srv.st.EventsAfterCursor(t.StreamID, last.epoch, last.seq, sess.srv.opts.ReplayBatch)
		if err != nil {
			return err
		}
		var events []protocol.ReadEvent
		pastEpoch := false
		for _, r := range rows {
			if t.Epoch != 0 && r.Epoch > t.Epoch {
				pastEpoch = true
				break
			}
			events = append(events, protocol.ReadEvent{
				ForwarderID:     r.ForwarderID,
				ReaderKey:       r.ReaderKey,
				StreamID:        r.StreamID,
				Epoch:           r.Epoch,
				Seq:             r.Seq,
				ReaderTimestamp: r.ReaderTimestamp,
				RawLine:         r.RawLine,
				ReadType:        r.ReadType,
			})
			last = rcursor{epoch: r.Epoch, seq: r.Seq}
		}
		if len(events) > 0 {
			if err := sess.conn.Send(protocol.KindEventBatch, protocol.EventBatch{
				SessionID: sess.sessionID,
				Events:    events,
			}); err != nil {
				return err
			}
		}
		if pastEpoch || len(rows) < sess.srv.opts.ReplayBatch {
			break
		}
	}

	// The floor never outruns the target epoch, so a scoped target keeps
	// receiving its own live events.
	sess.sub.SetFloor(t.StreamID, last.epoch, last.seq)
	return nil
}

// startCursor is the later of the server's stored cursor and the cursor the
// receiver brought in its hello.
func (sess *receiverSession) startCursor(t protocol.Target) rcursor {
	var start rcursor
	epoch, seq, ok, err := sess.srv.st.FetchCursor(sess.deviceID, t.StreamID)
	if err == nil && ok {
		start = rcursor{epoch: epoch, seq: seq}
	}
	if client, ok := sess.clientCursors[t.StreamID]; ok && start.before(client) {
		start = client
	}
	return start
}

func (sess *receiverSession) loop(ctx context.Context) {
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
		case <-sess.sub.Done():
			sess.conn.Send(protocol.KindError, protocol.ErrorMessage{
				Code:      protocol.CodeBackpressure,
				Message:   sess.sub.Reason(),
				Retryable: true,
			})
			return
		case <-heartbeat.C:
			if time.Since(lastSeen) > sess.srv.opts.SessionTimeout {
				slog.Warn("receiver session timed out",
					slog.String("receiver_id", sess.deviceID))
				return
			}
			if err := sess.conn.Send(protocol.KindHeartbeat, protocol.Heartbeat{SessionID: sess.sessionID}); err != nil {
				return
			}
		case d := <-sess.sub.Deliveries():
			if fatal := sess.handleDelivery(d); fatal {
				return
			}
		case err := <-recvErrs:
			slog.Debug("receiver connection ended",
				slog.String("receiver_id", sess.deviceID), slog.Any("error", err))
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

// handleDelivery forwards one hub delivery, greedily coalescing queued
// events into a single frame. Events are re-checked against the replay
// floor at dequeue: one published between Subscribe and SetFloor was queued
// with no floor in place, and replay has already sent it.
func (sess *receiverSession) handleDelivery(d fanout.Delivery) bool {
	switch {
	case d.Event != nil:
		var events []protocol.ReadEvent
		if sess.sub.AboveFloor(d.Event) {
			events = append(events, *d.Event)
		}
	drain:
		for len(events) < sess.srv.opts.ReplayBatch {
			select {
			case more := <-sess.sub.Deliveries():
				if more.Event == nil {
					if fatal := sess.forwardControl(more); fatal {
						return true
					}
					break drain
				}
				if sess.sub.AboveFloor(more.Event) {
					events = append(events, *more.Event)
				}
			default:
				break drain
			}
		}
		if len(events) == 0 {
			return false
		}
		if err := sess.conn.Send(protocol.KindEventBatch, protocol.EventBatch{
			SessionID: sess.sessionID,
			Events:    events,
		}); err != nil {
			return true
		}
		return false
	default:
		return sess.forwardControl(d)
	}
}

func (sess *receiverSession) forwardControl(d fanout.Delivery) bool {
	switch {
	case d.Reset != nil:
		return sess.conn.Send(protocol.KindStreamReset, *d.Reset) != nil
	case d.Refresh != nil:
		refresh := *d.Refresh
		if err := sess.applyTargets(refresh.Targets); err != nil {
			slog.Error("replay after re-resolution failed", slog.Any("error", err))
			return true
		}
		return sess.conn.Send(protocol.KindSelectionApplied, refresh) != nil
	}
	return false
}

func (sess *receiverSession) handleMessage(env *protocol.Envelope) bool {
	switch env.Kind {
	case protocol.KindReceiverAck:
		var ack protocol.ReceiverAck
		if err := env.DecodeBody(&ack); err != nil {
			sess.protocolError(err.Error())
			return true
		}
		for _, e := range ack.Entries {
			streamID := e.StreamID
			if streamID == "" {
				info, err := sess.srv.st.GetStreamByKey(e.ForwarderID, e.ReaderKey)
				if err != nil {
					continue
				}
				streamID = info.StreamID
			}
			if err := sess.srv.st.UpsertCursor(sess.deviceID, streamID, e.Epoch, e.UpToSeq); err != nil {
				slog.Error("cursor update failed",
					slog.String("stream_id", streamID), slog.Any("error", err))
			}
		}
		return false

	case protocol.KindSetSelection:
		var set protocol.SetSelection
		if err := env.DecodeBody(&set); err != nil {
			sess.protocolError(err.Error())
			return true
		}
		targets, warnings, err := sess.srv.hub.SetSelection(sess.sessionID, set.Selection)
		if err != nil {
			sess.conn.Send(protocol.KindError, protocol.ErrorMessage{
				Code: protocol.CodeProtocolError, Message: err.Error(), Retryable: false,
			})
			return false
		}
		if err := sess.applyTargets(targets); err != nil {
			sess.conn.Send(protocol.KindError, protocol.ErrorMessage{
				Code: protocol.CodeInternalError, Message: err.Error(), Retryable: true,
			})
			return true
		}
		return sess.conn.Send(protocol.KindSelectionApplied, protocol.SelectionApplied{
			SessionID: sess.sessionID, Targets: targets, Warnings: warnings,
		}) != nil

	case protocol.KindHeartbeat:
		return false

	default:
		sess.protocolError(fmt.Sprintf("unexpected %s on receiver session", env.Kind))
		return true
	}
}

func (sess *receiverSession) protocolError(msg string) {
	sess.conn.Send(protocol.KindError, protocol.ErrorMessage{
		Code: protocol.CodeProtocolError, Message: msg, Retryable: false,
	})
}
