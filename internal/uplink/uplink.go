// Package uplink maintains the forwarder's session to the server: connect
// with backoff, authenticate, stream unacked journal batches, and advance
// the durable watermark as acks arrive. Reads are journaled before they are
// offered here, so losing the session never loses data.
package uplink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/iwismer/rusty-timer-sub001/internal/journal"
	"github.com/iwismer/rusty-timer-sub001/internal/protocol"
)

// State is the uplink's connection state, exposed on the status endpoint.
type State string

const (
	StateDisconnected   = State("disconnected")
	StateConnecting     = State("connecting")
	StateAuthenticating = State("authenticating")
	StateStreaming      = State("streaming")
)

// ErrRejected is returned by Run when the server refused the session with a
// non-retryable code. Reconnecting with the same credential cannot help.
var ErrRejected = errors.New("uplink: session rejected")

// Conn is one established transport connection.
type Conn interface {
	Send(kind string, body any) error
	Recv() (*protocol.Envelope, error)
	Close() error
}

// Transport dials the server. The TCP implementation lives with the
// forwarder; tests substitute an in-memory one.
type Transport interface {
	Dial(ctx context.Context) (Conn, error)
}

type Options struct {
	ForwarderID      string
	DisplayName      string
	Credential       string
	BatchMaxEvents   int
	FlushInterval    time.Duration
	HandshakeTimeout time.Duration
	SessionTimeout   time.Duration
}

type cursor struct {
	epoch, seq uint64
}

type Uplink struct {
	j    *journal.Journal
	t    Transport
	opts Options

	wake chan struct{}

	mu    sync.Mutex
	state State
}

func New(j *journal.Journal, t Transport, opts Options) *Uplink {
	if opts.BatchMaxEvents <= 0 {
		opts.BatchMaxEvents = 256
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 200 * time.Millisecond
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	if opts.SessionTimeout <= 0 {
		opts.SessionTimeout = 90 * time.Second
	}
	return &Uplink{
		j:     j,
		t:     t,
		opts:  opts,
		wake:  make(chan struct{}, 1),
		state: StateDisconnected,
	}
}

// Notify wakes the sender after a journal append. Never blocks.
func (u *Uplink) Notify() {
	select {
	case u.wake <- struct{}{}:
	default:
	}
}

func (u *Uplink) State() State {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state
}

func (u *Uplink) setState(s State) {
	u.mu.Lock()
	u.state = s
	u.mu.Unlock()
}

// Run drives the uplink until ctx is cancelled or the server rejects the
// credential outright. Transient failures reconnect with exponential
// backoff; any successful session resets the backoff clock.
func (u *Uplink) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.Multiplier = 2
	bo.MaxInterval = 60 * time.Second
	bo.RandomizationFactor = 0.2
	bo.MaxElapsedTime = 0

	op := func() error {
		started := time.Now()
		err := u.runSession(ctx)
		// A session that held for a while earns a fresh backoff clock; a
		// short-lived one keeps climbing so a flapping server is not hammered.
		if time.Since(started) >= 30*time.Second {
			bo.Reset()
		}
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, ErrRejected) {
				return backoff.Permanent(err)
			}
			slog.Warn("uplink session ended", slog.Any("error", err))
		}
		return err
	}
	err := backoff.Retry(op, backoff.WithContext(bo, ctx))
	u.setState(StateDisconnected)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (u *Uplink) runSession(ctx context.Context) error {
	u.setState(StateConnecting)
	conn, err := u.t.Dial(ctx)
	if err != nil {
		u.setState(StateDisconnected)
		return fmt.Errorf("uplink: dial: %w", err)
	}
	defer conn.Close()

	sessionID, err := u.handshake(conn)
	if err != nil {
		u.setState(StateDisconnected)
		return err
	}
	u.setState(StateStreaming)
	slog.Info("uplink session established", slog.String("session_id", sessionID))

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

	// sentThrough suppresses resending events already on the wire this
	// session. The journal watermark is the only durable cursor.
	sentThrough := map[string]cursor{}
	lastActivity := time.Now()

	flush := time.NewTicker(u.opts.FlushInterval)
	defer flush.Stop()

	if err := u.sendPending(conn, sessionID, sentThrough); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-u.wake:
			if err := u.sendPending(conn, sessionID, sentThrough); err != nil {
				return err
			}
		case <-flush.C:
			if time.Since(lastActivity) > u.opts.SessionTimeout {
				return fmt.Errorf("uplink: session timed out after %s of silence", u.opts.SessionTimeout)
			}
			if err := u.sendPending(conn, sessionID, sentThrough); err != nil {
				return err
			}
		case err := <-recvErr:
			return fmt.Errorf("uplink: receive: %w", err)
		case env, ok := <-recv:
			if !ok {
				return errors.New("uplink: connection closed")
			}
			lastActivity = time.Now()
			if err := u.handleMessage(conn, sessionID, env, sentThrough); err != nil {
				return err
			}
		}
	}
}

// handshake sends the hello with the journal's resume cursors and waits for
// the ack within the handshake timeout.
func (u *Uplink) handshake(conn Conn) (string, error) {
	u.setState(StateAuthenticating)

	keys, err := u.j.StreamKeys()
	if err != nil {
		return "", err
	}
	cursors, err := u.j.ResumeCursors()
	if err != nil {
		return "", err
	}
	hello := protocol.ForwarderHello{
		ForwarderID: u.opts.ForwarderID,
		Credential:  u.opts.Credential,
		DisplayName: u.opts.DisplayName,
		ReaderKeys:  keys,
	}
	for key, c := range cursors {
		hello.Resume = append(hello.Resume, protocol.ResumeCursor{
			StreamRef: protocol.StreamRef{ForwarderID: u.opts.ForwarderID, ReaderKey: key},
			Epoch:     c[0],
			LastSeq:   c[1],
		})
	}
	if err := conn.Send(protocol.KindForwarderHello, hello); err != nil {
		return "", fmt.Errorf("uplink: send hello: %w", err)
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
	case r := <-ch:
		if r.err != nil {
			return "", fmt.Errorf("uplink: handshake receive: %w", r.err)
		}
		env = r.env
	case <-time.After(u.opts.HandshakeTimeout):
		conn.Close()
		return "", fmt.Errorf("uplink: no hello_ack within %s", u.opts.HandshakeTimeout)
	}

	switch env.Kind {
	case protocol.KindHelloAck:
		var ack protocol.HelloAck
		if err := env.DecodeBody(&ack); err != nil {
			return "", fmt.Errorf("uplink: decode hello_ack: %w", err)
		}
		return ack.SessionID, nil
	case protocol.KindHelloReject:
		var rej protocol.HelloReject
		if err := env.DecodeBody(&rej); err != nil {
			return "", fmt.Errorf("uplink: decode hello_reject: %w", err)
		}
		if !rej.Retryable {
			return "", fmt.Errorf("%w: %s: %s", ErrRejected, rej.Code, rej.Message)
		}
		return "", fmt.Errorf("uplink: rejected (%s): %s", rej.Code, rej.Message)
	default:
		return "", fmt.Errorf("uplink: unexpected %s during handshake", env.Kind)
	}
}

// sendPending streams unacked journal events past what this session already
// sent, one batch per stream per pass.
func (u *Uplink) sendPending(conn Conn, sessionID string, sentThrough map[string]cursor) error {
	keys, err := u.j.StreamKeys()
	if err != nil {
		return err
	}
	for _, key := range keys {
		records, err := u.j.UnackedBatch(key, u.opts.BatchMaxEvents)
		if err != nil {
			return err
		}
		mark := sentThrough[key]
		var events []protocol.ReadEvent
		for _, r := range records {
			if r.Epoch < mark.epoch || (r.Epoch == mark.epoch && r.Seq <= mark.seq) {
				continue
			}
			events = append(events, protocol.ReadEvent{
				ForwarderID:     u.opts.ForwarderID,
				ReaderKey:       key,
				Epoch:           r.Epoch,
				Seq:             r.Seq,
				ReaderTimestamp: r.ReaderTimestamp,
				RawLine:         r.RawLine,
				ReadType:        r.ReadType,
			})
		}
		if len(events) == 0 {
			continue
		}
		batch := protocol.EventBatch{
			SessionID: sessionID,
			BatchID:   uuid.NewString(),
			Events:    events,
		}
		if err := conn.Send(protocol.KindEventBatch, batch); err != nil {
			return fmt.Errorf("uplink: send batch: %w", err)
		}
		last := events[len(events)-1]
		sentThrough[key] = cursor{epoch: last.Epoch, seq: last.Seq}
	}
	return nil
}

func (u *Uplink) handleMessage(conn Conn, sessionID string, env *protocol.Envelope, sentThrough map[string]cursor) error {
	switch env.Kind {
	case protocol.KindBatchAck:
		var ack protocol.BatchAck
		if err := env.DecodeBody(&ack); err != nil {
			return fmt.Errorf("uplink: decode batch_ack: %w", err)
		}
		for _, e := range ack.Entries {
			// Durable first: the watermark write must land before anything
			// depends on the ack.
			if err := u.j.AdvanceWatermark(e.ReaderKey, e.Epoch, e.UpToSeq); err != nil {
				return err
			}
		}
		return nil

	case protocol.KindEpochReset:
		var reset protocol.EpochReset
		if err := env.DecodeBody(&reset); err != nil {
			return fmt.Errorf("uplink: decode epoch_reset: %w", err)
		}
		if err := u.j.BumpEpoch(reset.ReaderKey, reset.NewEpoch); err != nil {
			return err
		}
		slog.Info("epoch reset applied",
			slog.String("reader_key", reset.ReaderKey),
			slog.Uint64("new_epoch", reset.NewEpoch))
		// Sends resume from the new epoch; older unacked events still drain
		// first via the journal order.
		delete(sentThrough, reset.ReaderKey)
		u.Notify()
		return nil

	case protocol.KindHeartbeat:
		return conn.Send(protocol.KindHeartbeat, protocol.Heartbeat{SessionID: sessionID})

	case protocol.KindError:
		var em protocol.ErrorMessage
		if err := env.DecodeBody(&em); err != nil {
			return fmt.Errorf("uplink: decode error frame: %w", err)
		}
		if !em.Retryable {
			return fmt.Errorf("%w: %s: %s", ErrRejected, em.Code, em.Message)
		}
		return fmt.Errorf("uplink: server error (%s): %s", em.Code, em.Message)

	default:
		slog.Warn("ignoring unexpected message", slog.String("kind", env.Kind))
		return nil
	}
}
