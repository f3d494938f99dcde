package forwarder

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/iwismer/rusty-timer-sub001/internal/journal"
	"github.com/iwismer/rusty-timer-sub001/internal/uplink"
)

// memSource replays a fixed script of reads.
type memSource struct {
	key   string
	lines []string
}

func (s *memSource) Key() string { return s.key }

func (s *memSource) Run(ctx context.Context, out chan<- Read) error {
	for _, line := range s.lines {
		r := Read{ReaderKey: s.key, RawLine: line, ReadType: "RAW"}
		select {
		case out <- r:
		case <-ctx.Done():
			return nil
		}
	}
	<-ctx.Done()
	return nil
}

// idleUplink records notifications and otherwise just waits.
type idleUplink struct {
	notifies atomic.Int64
}

func (u *idleUplink) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}
func (u *idleUplink) Notify()             { u.notifies.Add(1) }
func (u *idleUplink) State() uplink.State { return uplink.StateDisconnected }

func openTestJournal(t *testing.T) *journal.Journal {
	t.Helper()
	j, err := journal.Open(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestReadsAreJournaledAndNotified(t *testing.T) {
	j := openTestJournal(t)
	u := &idleUplink{}
	f := New(j, u, []Source{
		&memSource{key: "r1", lines: []string{"a", "b", "c"}},
	}, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()

	waitUntil(t, "reads journaled", func() bool {
		n, err := j.TotalEvents()
		return err == nil && n == 3
	})
	if u.notifies.Load() != 3 {
		t.Fatalf("notifies = %d, want 3", u.notifies.Load())
	}

	batch, err := j.UnackedBatch("r1", 10)
	if err != nil {
		t.Fatalf("unacked: %v", err)
	}
	if len(batch) != 3 || batch[0].RawLine != "a" || batch[2].Seq != 3 {
		t.Fatalf("journal contents = %+v", batch)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run returned %v", err)
	}
}

func TestPruneRecordsDegradedStreams(t *testing.T) {
	j := openTestJournal(t)
	u := &idleUplink{}
	f := New(j, u, []Source{
		&memSource{key: "r1", lines: []string{"a", "b", "c", "d", "e"}},
	}, Options{MaxJournalEvents: 2, PruneInterval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.Run(ctx)

	// Nothing is acked, so staying under budget forces unacked loss.
	waitUntil(t, "degraded retention", func() bool {
		return f.Degraded()["r1"] >= 3
	})

	st, err := f.Status()
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.DegradedTotal < 3 || st.JournalEvents > 2 {
		t.Fatalf("status = %+v", st)
	}
	if len(st.Streams) != 1 || st.Streams[0].ReaderKey != "r1" {
		t.Fatalf("stream status = %+v", st.Streams)
	}
}
