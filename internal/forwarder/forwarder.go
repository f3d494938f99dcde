// Package forwarder runs the reader-side process: it journals every read
// durably before anything else happens, keeps the journal within its size
// budget, and feeds the uplink session that drains the journal to the
// server.
package forwarder

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/iwismer/rusty-timer-sub001/internal/journal"
	"github.com/iwismer/rusty-timer-sub001/internal/logging"
	"github.com/iwismer/rusty-timer-sub001/internal/uplink"
)

type Options struct {
	// MaxJournalEvents is the retention budget. Zero disables pruning.
	MaxJournalEvents int64
	PruneInterval    time.Duration
}

// Uplink is the slice of the uplink session the forwarder drives.
type Uplink interface {
	Run(ctx context.Context) error
	Notify()
	State() uplink.State
}

type Forwarder struct {
	j       *journal.Journal
	u       Uplink
	sources []Source
	opts    Options

	mu       sync.Mutex
	degraded map[string]int64
}

func New(j *journal.Journal, u Uplink, sources []Source, opts Options) *Forwarder {
	if opts.PruneInterval <= 0 {
		opts.PruneInterval = 30 * time.Second
	}
	return &Forwarder{
		j:        j,
		u:        u,
		sources:  sources,
		opts:     opts,
		degraded: map[string]int64{},
	}
}

// Run drives sources, journal writes, retention, and the uplink until ctx
// is cancelled. A journal write failure stops the process: continuing
// without durability would silently break the delivery guarantee.
func (f *Forwarder) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	for _, src := range f.sources {
		if err := f.j.EnsureStream(src.Key()); err != nil {
			return err
		}
	}

	reads := make(chan Read, 256)
	var wg sync.WaitGroup
	errCh := make(chan error, len(f.sources)+1)

	for _, src := range f.sources {
		wg.Add(1)
		go func(src Source) {
			defer wg.Done()
			if err := src.Run(ctx, reads); err != nil {
				errCh <- fmt.Errorf("source %s: %w", src.Key(), err)
			}
		}(src)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := f.u.Run(ctx); err != nil {
			errCh <- fmt.Errorf("uplink: %w", err)
		}
	}()

	prune := time.NewTicker(f.opts.PruneInterval)
	defer prune.Stop()

	var runErr error
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case err := <-errCh:
			runErr = err
			break loop
		case r := <-reads:
			if err := f.journalRead(r); err != nil {
				runErr = err
				break loop
			}
		case <-prune.C:
			if err := f.pruneJournal(); err != nil {
				slog.Error("journal prune failed", slog.Any("error", err))
			}
		}
	}

	cancel()
	wg.Wait()
	return runErr
}

func (f *Forwarder) journalRead(r Read) error {
	epoch, seq, err := f.j.Append(r.ReaderKey, r.ReaderTimestamp, r.RawLine, r.ReadType)
	if err != nil {
		return fmt.Errorf("forwarder: journal append: %w", err)
	}
	// Per-read logging is gated on the "reads" tag; at race volume it is
	// too chatty even for debug level.
	logging.VInfo("reads", "read journaled",
		slog.String("reader", r.ReaderKey),
		slog.Uint64("epoch", epoch),
		slog.Uint64("seq", seq),
		slog.String("line", r.RawLine))
	f.u.Notify()
	return nil
}

func (f *Forwarder) pruneJournal() error {
	if f.opts.MaxJournalEvents <= 0 {
		return nil
	}
	report, err := f.j.PruneToBudget(f.opts.MaxJournalEvents)
	if err != nil {
		return err
	}
	if report != nil {
		f.mu.Lock()
		for key, n := range report.PrunedByStream {
			f.degraded[key] += n
		}
		f.mu.Unlock()
	}
	return nil
}

// Degraded reports unacked events lost to retention since startup, by
// stream. Non-empty means the server will never see those reads.
func (f *Forwarder) Degraded() map[string]int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]int64, len(f.degraded))
	for k, v := range f.degraded {
		out[k] = v
	}
	return out
}

// Status is the snapshot served on the local status endpoint.
type Status struct {
	UplinkState   uplink.State     `json:"uplink_state"`
	JournalEvents int64            `json:"journal_events"`
	Streams       []StreamStatus   `json:"streams"`
	DegradedTotal int64            `json:"degraded_total"`
	DegradedByKey map[string]int64 `json:"degraded_by_stream,omitempty"`
}

type StreamStatus struct {
	ReaderKey    string `json:"reader_key"`
	Epoch        uint64 `json:"epoch"`
	AckedEpoch   uint64 `json:"acked_epoch"`
	AckedThrough uint64 `json:"acked_through_seq"`
	Pending      int    `json:"pending"`
}

func (f *Forwarder) Status() (Status, error) {
	total, err := f.j.TotalEvents()
	if err != nil {
		return Status{}, err
	}
	keys, err := f.j.StreamKeys()
	if err != nil {
		return Status{}, err
	}
	st := Status{
		UplinkState:   f.u.State(),
		JournalEvents: total,
		DegradedByKey: f.Degraded(),
	}
	for _, n := range st.DegradedByKey {
		st.DegradedTotal += n
	}
	for _, key := range keys {
		epoch, err := f.j.CurrentEpoch(key)
		if err != nil {
			return Status{}, err
		}
		ackedEpoch, ackedSeq, err := f.j.AckCursor(key)
		if err != nil {
			return Status{}, err
		}
		pending, err := f.j.UnackedBatch(key, 10000)
		if err != nil {
			return Status{}, err
		}
		st.Streams = append(st.Streams, StreamStatus{
			ReaderKey:    key,
			Epoch:        epoch,
			AckedEpoch:   ackedEpoch,
			AckedThrough: ackedSeq,
			Pending:      len(pending),
		})
	}
	return st, nil
}
