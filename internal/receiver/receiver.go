package receiver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/iwismer/rusty-timer-sub001/internal/protocol"
	"github.com/iwismer/rusty-timer-sub001/internal/uplink"
)

// ErrRejected is returned by Run when the server refused the session with a
// non-retryable code.
var ErrRejected = errors.New("receiver: session rejected")

type Options struct {
	ReceiverID       string
	Credential       string
	Selection        protocol.Selection
	HandshakeTimeout time.Duration
	SessionTimeout   time.Duration
}

// Receiver drives the downstream session. Deliveries run strictly in order:
// sink first, then the durable cursor write, then the ack. A crash between
// sink and cursor means the event is replayed and handed to the sink again;
// a cursor is never persisted for an event the sink has not seen. The
// transport contract is shared with the uplink side.
type Receiver struct {
	cdb  *CursorDB
	t    uplink.Transport
	sink Sink
	opts Options

	// selCh carries mid-session selection changes into the session loop.
	selCh chan protocol.Selection

	// floors holds the highest (epoch, seq) already delivered per stream,
	// keyed forwarder_id/reader_key. Touched only from the session goroutine.
	floors map[string]floorMark

	mu    sync.Mutex
	state uplink.State
	sel   protocol.Selection
}

type floorMark struct {
	epoch uint64
	seq   uint64
}

func New(cdb *CursorDB, t uplink.Transport, sink Sink, opts Options) *Receiver {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	if opts.SessionTimeout <= 0 {
		opts.SessionTimeout = 90 * time.Second
	}
	return &Receiver{
		cdb:    cdb,
		t:      t,
		sink:   sink,
		opts:   opts,
		selCh:  make(chan protocol.Selection, 1),
		floors: make(map[string]floorMark),
		state:  uplink.StateDisconnected,
		sel:    opts.Selection,
	}
}

func (r *Receiver) State() uplink.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Receiver) setState(s uplink.State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

func (r *Receiver) selection() protocol.Selection {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sel
}

// SetSelection changes the subscription. A live session applies it in
// place; otherwise the next session's hello carries it.
func (r *Receiver) SetSelection(sel protocol.Selection) {
	r.mu.Lock()
	r.sel = sel
	r.mu.Unlock()
	select {
	case r.selCh <- sel:
	default:
		// A pending change is superseded; the loop reads r.selection().
	}
}

// Run drives the receiver until ctx is cancelled or the server rejects the
// credential outright. Transient failures reconnect with exponential
// backoff; a session that held for a while earns a fresh backoff clock.
func (r *Receiver) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.Multiplier = 2
	bo.MaxInterval = 60 * time.Second
	bo.RandomizationFactor = 0.2
	bo.MaxElapsedTime = 0

	op := func() error {
		started := time.Now()
		err := r.runSession(ctx)
		if time.Since(started) >= 30*time.Second {
			bo.Reset()
		}
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, ErrRejected) {
				return backoff.Permanent(err)
			}
			slog.Warn("receiver session ended", slog.Any("error", err))
		}
		return err
	}
	err := backoff.Retry(op, backoff.WithContext(bo, ctx))
	r.setState(uplink.StateDisconnected)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (r *Receiver) runSession(ctx context.Context) error {
	r.setState(uplink.StateConnecting)
	conn, err := r.t.Dial(ctx)
	if err != nil {
		r.setState(uplink.StateDisconnected)
		return fmt.Errorf("receiver: dial: %w", err)
	}
	defer conn.Close()

	sessionID, err := r.handshake(conn)
	if err != nil {
		r.setState(uplink.StateDisconnected)
		return err
	}
	r.setState(uplink.StateStreaming)
	slog.Info("receiver session established", slog.String("session_id", sessionID))

	// sessionDone releases the recv goroutine however this session ends, so
	// a frame in flight cannot strand it past the session's lifetime.
	sessionDone := make(chan struct{})
	defer close(sessionDone)

	recv := make(chan *protocol.Envelope)
	recvErr := make(chan error, 1)
	go func() {
		defer close(recv)
		for {
			env, err := conn.Recv()
			if err != nil {
				select {
				case recvErr <- err:
				default:
				}
				return
			}
			select {
			case recv <- env:
			case <-sessionDone:
				return
			}
		}
	}()

	lastActivity := time.Now()
	silence := time.NewTicker(r.opts.SessionTimeout / 3)
	defer silence.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-silence.C:
			if time.Since(lastActivity) > r.opts.SessionTimeout {
				return fmt.Errorf("receiver: session timed out after %s of silence", r.opts.SessionTimeout)
			}
		case sel := <-r.selCh:
			if err := conn.Send(protocol.KindSetSelection, protocol.SetSelection{
				SessionID: sessionID, Selection: sel,
			}); err != nil {
				return fmt.Errorf("receiver: send set_selection: %w", err)
			}
		case err := <-recvErr:
			return fmt.Errorf("receiver: receive: %w", err)
		case env, ok := <-recv:
			if !ok {
				return errors.New("receiver: connection closed")
			}
			lastActivity = time.Now()
			if err := r.handleMessage(conn, sessionID, env); err != nil {
				return err
			}
		}
	}
}

// handshake sends the hello with the stored cursors and the current
// selection, and waits for the ack within the handshake timeout.
func (r *Receiver) handshake(conn uplink.Conn) (string, error) {
	r.setState(uplink.StateAuthenticating)

	cursors, err := r.cdb.All()
	if err != nil {
		return "", err
	}
	if err := conn.Send(protocol.KindReceiverHello, protocol.ReceiverHello{
		ReceiverID: r.opts.ReceiverID,
		Credential: r.opts.Credential,
		Selection:  r.selection(),
		Cursors:    cursors,
	}); err != nil {
		return "", fmt.Errorf("receiver: send hello: %w", err)
	}

	type result struct {
		env *protocol.Envelope
		err error
	}
	ch := make(chan result, 1)
	go func() {
		env, err := conn.Recv()
		ch <- result{env, err}
	}()

	var env *protocol.Envelope
	select {
	case res := <-ch:
		if res.err != nil {
			return "", fmt.Errorf("receiver: handshake receive: %w", res.err)
		}
		env = res.env
	case <-time.After(r.opts.HandshakeTimeout):
		conn.Close()
		return "", fmt.Errorf("receiver: no hello_ack within %s", r.opts.HandshakeTimeout)
	}

	switch env.Kind {
	case protocol.KindHelloAck:
		var ack protocol.HelloAck
		if err := env.DecodeBody(&ack); err != nil {
			return "", fmt.Errorf("receiver: decode hello_ack: %w", err)
		}
		return ack.SessionID, nil
	case protocol.KindHelloReject:
		var rej protocol.HelloReject
		if err := env.DecodeBody(&rej); err != nil {
			return "", fmt.Errorf("receiver: decode hello_reject: %w", err)
		}
		if !rej.Retryable {
			return "", fmt.Errorf("%w: %s: %s", ErrRejected, rej.Code, rej.Message)
		}
		return "", fmt.Errorf("receiver: rejected (%s): %s", rej.Code, rej.Message)
	default:
		return "", fmt.Errorf("receiver: unexpected %s during handshake", env.Kind)
	}
}

func (r *Receiver) handleMessage(conn uplink.Conn, sessionID string, env *protocol.Envelope) error {
	switch env.Kind {
	case protocol.KindEventBatch:
		var batch protocol.EventBatch
		if err := env.DecodeBody(&batch); err != nil {
			return fmt.Errorf("receiver: decode event_batch: %w", err)
		}
		return r.deliverBatch(conn, sessionID, batch)

	case protocol.KindStreamReset:
		var reset protocol.StreamReset
		if err := env.DecodeBody(&reset); err != nil {
			return fmt.Errorf("receiver: decode stream_reset: %w", err)
		}
		r.sink.StreamReset(reset.StreamRef, reset.NewEpoch)
		return nil

	case protocol.KindSelectionApplied:
		var applied protocol.SelectionApplied
		if err := env.DecodeBody(&applied); err != nil {
			return fmt.Errorf("receiver: decode selection_applied: %w", err)
		}
		for _, w := range applied.Warnings {
			slog.Warn("selection warning", slog.String("warning", w))
		}
		slog.Info("selection applied", slog.Int("targets", len(applied.Targets)))
		return nil

	case protocol.KindHeartbeat:
		return conn.Send(protocol.KindHeartbeat, protocol.Heartbeat{SessionID: sessionID})

	case protocol.KindError:
		var em protocol.ErrorMessage
		if err := env.DecodeBody(&em); err != nil {
			return fmt.Errorf("receiver: decode error frame: %w", err)
		}
		if !em.Retryable {
			return fmt.Errorf("%w: %s: %s", ErrRejected, em.Code, em.Message)
		}
		return fmt.Errorf("receiver: server error (%s): %s", em.Code, em.Message)

	default:
		slog.Warn("ignoring unexpected message", slog.String("kind", env.Kind))
		return nil
	}
}

// belowFloor reports whether ev is at or under the highest (epoch, seq) the
// sink has already confirmed for its stream. The floor is seeded from the
// cursor cache the first time a stream is seen.
func (r *Receiver) belowFloor(ev protocol.ReadEvent) bool {
	key := ev.ForwarderID + "/" + ev.ReaderKey
	m, ok := r.floors[key]
	if !ok {
		if epoch, seq, found, err := r.cdb.Get(ev.ForwarderID, ev.ReaderKey); err == nil && found {
			m = floorMark{epoch: epoch, seq: seq}
		}
		r.floors[key] = m
	}
	return ev.Epoch < m.epoch || (ev.Epoch == m.epoch && ev.Seq <= m.seq)
}

// raiseFloor records ev as delivered and durably cursored. Only called after
// both the sink hand-off and the cursor write succeeded.
func (r *Receiver) raiseFloor(ev protocol.ReadEvent) {
	r.floors[ev.ForwarderID+"/"+ev.ReaderKey] = floorMark{epoch: ev.Epoch, seq: ev.Seq}
}

func (r *Receiver) deliverBatch(conn uplink.Conn, sessionID string, batch protocol.EventBatch) error {
	type mark struct {
		ref   protocol.StreamRef
		epoch uint64
		seq   uint64
	}
	high := map[string]*mark{}

	for _, ev := range batch.Events {
		// Replayed events at or below the persisted cursor are not
		// redelivered, but they still count toward the ack watermark. Fresh
		// events reach the sink before their cursor is persisted: a failure
		// between the two leaves the cursor behind, so the server's replay
		// drives the event at the sink again rather than losing it.
		if !r.belowFloor(ev) {
			if err := r.sink.Deliver(ev); err != nil {
				return fmt.Errorf("receiver: sink: %w", err)
			}
			if err := r.cdb.Advance(ev.ForwarderID, ev.ReaderKey, ev.Epoch, ev.Seq); err != nil {
				return err
			}
			r.raiseFloor(ev)
		}
		key := fmt.Sprintf("%s/%s/%d", ev.ForwarderID, ev.ReaderKey, ev.Epoch)
		m, ok := high[key]
		if !ok {
			high[key] = &mark{
				ref:   protocol.StreamRef{ForwarderID: ev.ForwarderID, ReaderKey: ev.ReaderKey},
				epoch: ev.Epoch,
				seq:   ev.Seq,
			}
			continue
		}
		if ev.Seq > m.seq {
			m.seq = ev.Seq
		}
	}

	if len(high) == 0 {
		return nil
	}
	ack := protocol.ReceiverAck{SessionID: sessionID}
	for _, m := range high {
		ack.Entries = append(ack.Entries, protocol.AckEntry{
			StreamRef: m.ref,
			Epoch:     m.epoch,
			UpToSeq:   m.seq,
		})
	}
	if err := conn.Send(protocol.KindReceiverAck, ack); err != nil {
		return fmt.Errorf("receiver: send ack: %w", err)
	}
	return nil
}

// Dialer is the TCP transport for the receiver's server session.
type Dialer struct {
	ServerAddr string
}

func (d *Dialer) Dial(ctx context.Context) (uplink.Conn, error) {
	var nd net.Dialer
	c, err := nd.DialContext(ctx, "tcp", d.ServerAddr)
	if err != nil {
		return nil, err
	}
	return protocol.NewConn(c), nil
}
