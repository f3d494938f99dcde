package server

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/iwismer/rusty-timer-sub001/internal/protocol"
	"github.com/iwismer/rusty-timer-sub001/internal/registry"
	"github.com/iwismer/rusty-timer-sub001/internal/store"
)

func newTestServer(t *testing.T) (*Server, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "server.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	s := New(st, Options{
		HeartbeatInterval: time.Minute,
		SessionTimeout:    time.Minute,
		HandshakeTimeout:  2 * time.Second,
		ReplayBatch:       4,
	})
	return s, st
}

// dialSession runs handleConn against one end of a pipe and returns the
// client end plus a channel closed when the session goroutine exits.
func dialSession(t *testing.T, s *Server) (*protocol.Conn, <-chan struct{}) {
	t.Helper()
	srvSide, cliSide := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.handleConn(ctx, srvSide)
	}()
	t.Cleanup(func() {
		cliSide.Close()
		cancel()
		<-done
	})
	return protocol.NewConn(cliSide), done
}

func recvEnvelope(t *testing.T, conn *protocol.Conn) *protocol.Envelope {
	t.Helper()
	conn.NetConn().SetReadDeadline(time.Now().Add(2 * time.Second))
	env, err := conn.Recv()
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	return env
}

func recvKind(t *testing.T, conn *protocol.Conn, kind string) *protocol.Envelope {
	t.Helper()
	env := recvEnvelope(t, conn)
	if env.Kind != kind {
		t.Fatalf("recv kind = %s, want %s", env.Kind, kind)
	}
	return env
}

func forwarderHandshake(t *testing.T, conn *protocol.Conn, readerKeys ...string) string {
	t.Helper()
	if err := conn.Send(protocol.KindForwarderHello, protocol.ForwarderHello{
		ForwarderID: "fwd-1",
		Credential:  "fwd-token",
		ReaderKeys:  readerKeys,
	}); err != nil {
		t.Fatalf("send hello: %v", err)
	}
	var ack protocol.HelloAck
	if err := recvKind(t, conn, protocol.KindHelloAck).DecodeBody(&ack); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	return ack.SessionID
}

func seedForwarderCred(t *testing.T, st *store.Store) {
	t.Helper()
	if err := st.SeedCredential("fwd-1", "fwd-token", store.RoleForwarder); err != nil {
		t.Fatalf("seed credential: %v", err)
	}
}

func seedReceiverCred(t *testing.T, st *store.Store) {
	t.Helper()
	if err := st.SeedCredential("rcv-1", "rcv-token", store.RoleReceiver); err != nil {
		t.Fatalf("seed credential: %v", err)
	}
}

func mkEvent(readerKey string, epoch, seq uint64, line string) protocol.ReadEvent {
	return protocol.ReadEvent{
		ForwarderID:     "fwd-1",
		ReaderKey:       readerKey,
		Epoch:           epoch,
		Seq:             seq,
		ReaderTimestamp: "12:00:00.000",
		RawLine:         line,
		ReadType:        "chip",
	}
}

func TestForwarderHandshakeAndIngest(t *testing.T) {
	s, st := newTestServer(t)
	seedForwarderCred(t, st)
	conn, _ := dialSession(t, s)
	sessionID := forwarderHandshake(t, conn, "reader-a")

	info, err := st.GetStreamByKey("fwd-1", "reader-a")
	if err != nil {
		t.Fatalf("stream not registered: %v", err)
	}
	if !info.Online {
		t.Fatal("stream not marked online after hello")
	}

	if err := conn.Send(protocol.KindEventBatch, protocol.EventBatch{
		SessionID: sessionID,
		Events: []protocol.ReadEvent{
			mkEvent("reader-a", 1, 1, "aa,1"),
			mkEvent("reader-a", 1, 2, "bb,2"),
		},
	}); err != nil {
		t.Fatalf("send batch: %v", err)
	}

	var ack protocol.BatchAck
	if err := recvKind(t, conn, protocol.KindBatchAck).DecodeBody(&ack); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if len(ack.Entries) != 1 {
		t.Fatalf("ack entries = %d, want 1", len(ack.Entries))
	}
	e := ack.Entries[0]
	if e.ReaderKey != "reader-a" || e.Epoch != 1 || e.UpToSeq != 2 {
		t.Fatalf("ack entry = %+v", e)
	}

	n, err := st.EventCount(info.StreamID)
	if err != nil || n != 2 {
		t.Fatalf("stored events = %d (%v), want 2", n, err)
	}
}

func TestForwarderBadCredentialRejected(t *testing.T) {
	s, st := newTestServer(t)
	seedForwarderCred(t, st)
	conn, done := dialSession(t, s)

	if err := conn.Send(protocol.KindForwarderHello, protocol.ForwarderHello{
		ForwarderID: "fwd-1",
		Credential:  "wrong",
		ReaderKeys:  []string{"reader-a"},
	}); err != nil {
		t.Fatalf("send hello: %v", err)
	}
	var rej protocol.HelloReject
	if err := recvKind(t, conn, protocol.KindHelloReject).DecodeBody(&rej); err != nil {
		t.Fatalf("decode reject: %v", err)
	}
	if rej.Code != protocol.CodeInvalidToken || rej.Retryable {
		t.Fatalf("reject = %+v", rej)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not close after reject")
	}
}

func TestDuplicateForwarderSessionRejected(t *testing.T) {
	s, st := newTestServer(t)
	seedForwarderCred(t, st)
	first, _ := dialSession(t, s)
	forwarderHandshake(t, first, "reader-a")

	second, _ := dialSession(t, s)
	if err := second.Send(protocol.KindForwarderHello, protocol.ForwarderHello{
		ForwarderID: "fwd-1",
		Credential:  "fwd-token",
		ReaderKeys:  []string{"reader-a"},
	}); err != nil {
		t.Fatalf("send hello: %v", err)
	}
	var rej protocol.HelloReject
	if err := recvKind(t, second, protocol.KindHelloReject).DecodeBody(&rej); err != nil {
		t.Fatalf("decode reject: %v", err)
	}
	if rej.Code != protocol.CodeDuplicateSession || !rej.Retryable {
		t.Fatalf("reject = %+v", rej)
	}
}

func TestIngestConflictWithholdsAck(t *testing.T) {
	s, st := newTestServer(t)
	seedForwarderCred(t, st)
	conn, _ := dialSession(t, s)
	sessionID := forwarderHandshake(t, conn, "reader-a")

	send := func(events ...protocol.ReadEvent) {
		t.Helper()
		if err := conn.Send(protocol.KindEventBatch, protocol.EventBatch{
			SessionID: sessionID, Events: events,
		}); err != nil {
			t.Fatalf("send batch: %v", err)
		}
	}

	send(mkEvent("reader-a", 1, 1, "aa,1"))
	recvKind(t, conn, protocol.KindBatchAck)

	// Same identity, different payload. No ack for this batch; connection
	// stays usable.
	send(mkEvent("reader-a", 1, 1, "TAMPERED"))
	var em protocol.ErrorMessage
	if err := recvKind(t, conn, protocol.KindError).DecodeBody(&em); err != nil {
		t.Fatalf("decode error frame: %v", err)
	}
	if em.Code != protocol.CodeIntegrityConflict || em.Retryable {
		t.Fatalf("error frame = %+v", em)
	}

	send(mkEvent("reader-a", 1, 2, "bb,2"))
	var ack protocol.BatchAck
	if err := recvKind(t, conn, protocol.KindBatchAck).DecodeBody(&ack); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if ack.Entries[0].UpToSeq != 2 {
		t.Fatalf("ack after conflict = %+v", ack.Entries)
	}

	// The stored row survived the tampered retransmit.
	info, _ := st.GetStreamByKey("fwd-1", "reader-a")
	rows, err := st.EventsForEpoch(info.StreamID, 1)
	if err != nil || len(rows) != 2 {
		t.Fatalf("rows = %d (%v), want 2", len(rows), err)
	}
	if rows[0].RawLine != "aa,1" {
		t.Fatalf("stored row overwritten: %q", rows[0].RawLine)
	}
}

func TestStaleSessionIDOnBatch(t *testing.T) {
	s, st := newTestServer(t)
	seedForwarderCred(t, st)
	conn, done := dialSession(t, s)
	forwarderHandshake(t, conn, "reader-a")

	if err := conn.Send(protocol.KindEventBatch, protocol.EventBatch{
		SessionID: "not-my-session",
		Events:    []protocol.ReadEvent{mkEvent("reader-a", 1, 1, "aa,1")},
	}); err != nil {
		t.Fatalf("send batch: %v", err)
	}
	var em protocol.ErrorMessage
	if err := recvKind(t, conn, protocol.KindError).DecodeBody(&em); err != nil {
		t.Fatalf("decode error frame: %v", err)
	}
	if em.Code != protocol.CodeSessionExpired || !em.Retryable {
		t.Fatalf("error frame = %+v", em)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("session survived stale session id")
	}
}

func TestEpochResetRoundTrip(t *testing.T) {
	s, st := newTestServer(t)
	seedForwarderCred(t, st)
	conn, _ := dialSession(t, s)
	sessionID := forwarderHandshake(t, conn, "reader-a")

	info, err := st.GetStreamByKey("fwd-1", "reader-a")
	if err != nil {
		t.Fatalf("stream lookup: %v", err)
	}

	type result struct {
		epoch uint64
		err   error
	}
	res := make(chan result, 1)
	go func() {
		epoch, err := s.TriggerEpochReset(info.StreamID)
		res <- result{epoch, err}
	}()

	var reset protocol.EpochReset
	if err := recvKind(t, conn, protocol.KindEpochReset).DecodeBody(&reset); err != nil {
		t.Fatalf("decode reset: %v", err)
	}
	if reset.SessionID != sessionID || reset.ReaderKey != "reader-a" || reset.NewEpoch != 2 {
		t.Fatalf("reset frame = %+v", reset)
	}

	select {
	case r := <-res:
		if r.err != nil || r.epoch != 2 {
			t.Fatalf("trigger result = %d, %v", r.epoch, r.err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("trigger did not return")
	}

	info, _ = st.GetStream(info.StreamID)
	if info.Epoch != 2 {
		t.Fatalf("stored epoch = %d, want 2", info.Epoch)
	}
}

func TestEpochResetRequiresOnlineForwarder(t *testing.T) {
	s, st := newTestServer(t)
	id, _, err := st.UpsertStream("fwd-1", "reader-a")
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if _, err := s.TriggerEpochReset(id); !errors.Is(err, registry.ErrDeviceOffline) {
		t.Fatalf("reset without session = %v, want ErrDeviceOffline", err)
	}
}

func receiverHandshake(t *testing.T, conn *protocol.Conn, sel protocol.Selection, cursors []protocol.ResumeCursor) (string, protocol.SelectionApplied) {
	t.Helper()
	if err := conn.Send(protocol.KindReceiverHello, protocol.ReceiverHello{
		ReceiverID: "rcv-1",
		Credential: "rcv-token",
		Selection:  sel,
		Cursors:    cursors,
	}); err != nil {
		t.Fatalf("send hello: %v", err)
	}
	var ack protocol.HelloAck
	if err := recvKind(t, conn, protocol.KindHelloAck).DecodeBody(&ack); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	var applied protocol.SelectionApplied
	if err := recvKind(t, conn, protocol.KindSelectionApplied).DecodeBody(&applied); err != nil {
		t.Fatalf("decode selection: %v", err)
	}
	return ack.SessionID, applied
}

func manualSelection(readerKeys ...string) protocol.Selection {
	sel := protocol.Selection{Mode: protocol.SelectionManual}
	for _, k := range readerKeys {
		sel.Streams = append(sel.Streams, protocol.StreamRef{ForwarderID: "fwd-1", ReaderKey: k})
	}
	return sel
}

func seedEvents(t *testing.T, st *store.Store, readerKey string, epoch uint64, lines ...string) string {
	t.Helper()
	id, _, err := st.UpsertStream("fwd-1", readerKey)
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	in := make([]store.IngestEvent, len(lines))
	for i, line := range lines {
		in[i] = store.IngestEvent{
			Epoch: epoch, Seq: uint64(i + 1),
			ReaderTimestamp: "12:00:00.000", RawLine: line, ReadType: "chip",
		}
	}
	if _, err := st.IngestBatch(id, in); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	return id
}

func TestReceiverReplayThenLive(t *testing.T) {
	s, st := newTestServer(t)
	seedReceiverCred(t, st)
	streamID := seedEvents(t, st, "reader-a", 1, "aa,1", "bb,2", "cc,3")

	conn, _ := dialSession(t, s)
	sessionID, applied := receiverHandshake(t, conn, manualSelection("reader-a"), nil)
	if len(applied.Targets) != 1 || applied.Targets[0].StreamID != streamID {
		t.Fatalf("applied targets = %+v", applied.Targets)
	}

	var batch protocol.EventBatch
	if err := recvKind(t, conn, protocol.KindEventBatch).DecodeBody(&batch); err != nil {
		t.Fatalf("decode replay: %v", err)
	}
	if len(batch.Events) != 3 || batch.Events[2].Seq != 3 || batch.Events[2].RawLine != "cc,3" {
		t.Fatalf("replay batch = %+v", batch.Events)
	}

	// A live event past the replay boundary flows through.
	if _, err := st.IngestBatch(streamID, []store.IngestEvent{
		{Epoch: 1, Seq: 4, ReaderTimestamp: "12:00:04.000", RawLine: "dd,4", ReadType: "chip"},
	}); err != nil {
		t.Fatalf("ingest live: %v", err)
	}
	live := mkEvent("reader-a", 1, 4, "dd,4")
	live.StreamID = streamID
	s.hub.Publish(live)

	if err := recvKind(t, conn, protocol.KindEventBatch).DecodeBody(&batch); err != nil {
		t.Fatalf("decode live: %v", err)
	}
	if len(batch.Events) != 1 || batch.Events[0].Seq != 4 {
		t.Fatalf("live batch = %+v", batch.Events)
	}

	// Ack persists the cursor server-side.
	if err := conn.Send(protocol.KindReceiverAck, protocol.ReceiverAck{
		SessionID: sessionID,
		Entries: []protocol.AckEntry{{
			StreamRef: protocol.StreamRef{ForwarderID: "fwd-1", ReaderKey: "reader-a"},
			StreamID:  streamID, Epoch: 1, UpToSeq: 4,
		}},
	}); err != nil {
		t.Fatalf("send ack: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		epoch, seq, ok, err := st.FetchCursor("rcv-1", streamID)
		if err != nil {
			t.Fatalf("fetch cursor: %v", err)
		}
		if ok && epoch == 1 && seq == 4 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("cursor not persisted: ok=%v epoch=%d seq=%d", ok, epoch, seq)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestEventQueuedDuringReplayNotResentLive(t *testing.T) {
	s, st := newTestServer(t)
	streamID, _, err := st.UpsertStream("fwd-1", "reader-a")
	if err != nil {
		t.Fatalf("upsert stream: %v", err)
	}

	sub, _, _, err := s.hub.Subscribe("rcv-1", "sess-x", manualSelection("reader-a"))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer s.hub.Unsubscribe("sess-x")

	// The event lands between Subscribe and the replay floor: it queues with
	// no floor in place, and replay sends the same event from the store.
	queued := mkEvent("reader-a", 1, 5, "aa,5")
	queued.StreamID = streamID
	s.hub.Publish(queued)
	sub.SetFloor(streamID, 1, 5)

	srvSide, cliSide := net.Pipe()
	defer srvSide.Close()
	defer cliSide.Close()
	sess := &receiverSession{
		srv:       s,
		conn:      protocol.NewConn(srvSide),
		sessionID: "sess-x",
		deviceID:  "rcv-1",
		sub:       sub,
	}

	// Nothing reads the client side: a frame written for the queued
	// duplicate would block until the deadline and surface as fatal.
	srvSide.SetWriteDeadline(time.Now().Add(200 * time.Millisecond))
	if fatal := sess.handleDelivery(<-sub.Deliveries()); fatal {
		t.Fatalf("queued duplicate went out on the wire after replay covered it")
	}
}

func TestReceiverResumesPastStoredCursor(t *testing.T) {
	s, st := newTestServer(t)
	seedReceiverCred(t, st)
	streamID := seedEvents(t, st, "reader-a", 1, "aa,1", "bb,2", "cc,3")
	if err := st.UpsertCursor("rcv-1", streamID, 1, 2); err != nil {
		t.Fatalf("seed cursor: %v", err)
	}

	conn, _ := dialSession(t, s)
	receiverHandshake(t, conn, manualSelection("reader-a"), nil)

	var batch protocol.EventBatch
	if err := recvKind(t, conn, protocol.KindEventBatch).DecodeBody(&batch); err != nil {
		t.Fatalf("decode replay: %v", err)
	}
	if len(batch.Events) != 1 || batch.Events[0].Seq != 3 {
		t.Fatalf("replay past cursor = %+v", batch.Events)
	}
}

func TestReceiverClientCursorWins(t *testing.T) {
	s, st := newTestServer(t)
	seedReceiverCred(t, st)
	seedEvents(t, st, "reader-a", 1, "aa,1", "bb,2", "cc,3")

	conn, _ := dialSession(t, s)
	receiverHandshake(t, conn, manualSelection("reader-a"), []protocol.ResumeCursor{{
		StreamRef: protocol.StreamRef{ForwarderID: "fwd-1", ReaderKey: "reader-a"},
		Epoch:     1, LastSeq: 2,
	}})

	var batch protocol.EventBatch
	if err := recvKind(t, conn, protocol.KindEventBatch).DecodeBody(&batch); err != nil {
		t.Fatalf("decode replay: %v", err)
	}
	if len(batch.Events) != 1 || batch.Events[0].Seq != 3 {
		t.Fatalf("replay past client cursor = %+v", batch.Events)
	}
}

func TestSetSelectionMidSession(t *testing.T) {
	s, st := newTestServer(t)
	seedReceiverCred(t, st)
	seedEvents(t, st, "reader-a", 1, "aa,1")
	seedEvents(t, st, "reader-b", 1, "xx,1", "yy,2")

	conn, _ := dialSession(t, s)
	sessionID, _ := receiverHandshake(t, conn, manualSelection("reader-a"), nil)

	var batch protocol.EventBatch
	if err := recvKind(t, conn, protocol.KindEventBatch).DecodeBody(&batch); err != nil {
		t.Fatalf("decode replay: %v", err)
	}
	if len(batch.Events) != 1 || batch.Events[0].ReaderKey != "reader-a" {
		t.Fatalf("initial replay = %+v", batch.Events)
	}

	if err := conn.Send(protocol.KindSetSelection, protocol.SetSelection{
		SessionID: sessionID,
		Selection: manualSelection("reader-a", "reader-b"),
	}); err != nil {
		t.Fatalf("send set_selection: %v", err)
	}

	// Only the added target replays; then the applied set confirms both.
	if err := recvKind(t, conn, protocol.KindEventBatch).DecodeBody(&batch); err != nil {
		t.Fatalf("decode added replay: %v", err)
	}
	if len(batch.Events) != 2 || batch.Events[0].ReaderKey != "reader-b" {
		t.Fatalf("added replay = %+v", batch.Events)
	}
	var applied protocol.SelectionApplied
	if err := recvKind(t, conn, protocol.KindSelectionApplied).DecodeBody(&applied); err != nil {
		t.Fatalf("decode applied: %v", err)
	}
	if len(applied.Targets) != 2 {
		t.Fatalf("applied targets = %+v", applied.Targets)
	}
}

func TestReceiverUnknownMessageIsFatal(t *testing.T) {
	s, st := newTestServer(t)
	seedReceiverCred(t, st)
	seedEvents(t, st, "reader-a", 1, "aa,1")

	conn, done := dialSession(t, s)
	sessionID, _ := receiverHandshake(t, conn, manualSelection("reader-a"), nil)
	recvKind(t, conn, protocol.KindEventBatch)

	if err := conn.Send(protocol.KindEventBatch, protocol.EventBatch{SessionID: sessionID}); err != nil {
		t.Fatalf("send: %v", err)
	}
	var em protocol.ErrorMessage
	if err := recvKind(t, conn, protocol.KindError).DecodeBody(&em); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if em.Code != protocol.CodeProtocolError {
		t.Fatalf("error code = %s", em.Code)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("session survived protocol error")
	}
}
