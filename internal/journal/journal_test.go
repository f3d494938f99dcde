package journal

import (
	"errors"
	"path/filepath"
	"testing"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func mustAppend(t *testing.T, j *Journal, key, line string) (uint64, uint64) {
	t.Helper()
	epoch, seq, err := j.Append(key, "2026-05-01T09:00:00Z", line, "RAW")
	if err != nil {
		t.Fatalf("append %s: %v", line, err)
	}
	return epoch, seq
}

func TestAppendAllocatesGaplessSeqs(t *testing.T) {
	j := openTestJournal(t)
	if err := j.EnsureStream("10.0.0.1:10000"); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	for i := 1; i <= 5; i++ {
		epoch, seq := mustAppend(t, j, "10.0.0.1:10000", "line")
		if epoch != 1 || seq != uint64(i) {
			t.Fatalf("append %d: got (%d,%d)", i, epoch, seq)
		}
	}
}

func TestAppendUnknownStream(t *testing.T) {
	j := openTestJournal(t)
	if _, _, err := j.Append("nope", "", "line", "RAW"); !errors.Is(err, ErrUnknownStream) {
		t.Fatalf("expected ErrUnknownStream, got %v", err)
	}
}

func TestStateSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "journal.db")
	j, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := j.EnsureStream("r1"); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	mustAppend(t, j, "r1", "a")
	mustAppend(t, j, "r1", "b")
	if err := j.AdvanceWatermark("r1", 1, 1); err != nil {
		t.Fatalf("advance: %v", err)
	}
	j.Close()

	j2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer j2.Close()
	epoch, seq, err := j2.AckCursor("r1")
	if err != nil || epoch != 1 || seq != 1 {
		t.Fatalf("cursor after reopen = (%d,%d), err %v", epoch, seq, err)
	}
	batch, err := j2.UnackedBatch("r1", 100)
	if err != nil {
		t.Fatalf("unacked: %v", err)
	}
	if len(batch) != 1 || batch[0].Seq != 2 {
		t.Fatalf("expected one pending record with seq 2, got %+v", batch)
	}
	// Seq allocation resumes where it left off rather than starting over.
	_, nextSeq := mustAppend(t, j2, "r1", "c")
	if nextSeq != 3 {
		t.Fatalf("seq after reopen = %d, want 3", nextSeq)
	}
}

func TestAdvanceWatermarkIsMonotoneAndIdempotent(t *testing.T) {
	j := openTestJournal(t)
	if err := j.EnsureStream("r1"); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	for i := 0; i < 5; i++ {
		mustAppend(t, j, "r1", "x")
	}
	if err := j.AdvanceWatermark("r1", 1, 4); err != nil {
		t.Fatalf("advance: %v", err)
	}
	// Regression is ignored, not an error.
	if err := j.AdvanceWatermark("r1", 1, 2); err != nil {
		t.Fatalf("stale advance should be a no-op: %v", err)
	}
	// Re-applying the same watermark is fine.
	if err := j.AdvanceWatermark("r1", 1, 4); err != nil {
		t.Fatalf("idempotent advance: %v", err)
	}
	_, seq, err := j.AckCursor("r1")
	if err != nil || seq != 4 {
		t.Fatalf("cursor = %d, err %v; want 4", seq, err)
	}
	batch, err := j.UnackedBatch("r1", 100)
	if err != nil {
		t.Fatalf("unacked: %v", err)
	}
	if len(batch) != 1 || batch[0].Seq != 5 {
		t.Fatalf("pending = %+v, want single seq 5", batch)
	}
}

func TestBumpEpochKeepsPriorEpochReplayable(t *testing.T) {
	j := openTestJournal(t)
	if err := j.EnsureStream("r1"); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	mustAppend(t, j, "r1", "e1-1")
	mustAppend(t, j, "r1", "e1-2")

	if err := j.BumpEpoch("r1", 2); err != nil {
		t.Fatalf("bump: %v", err)
	}
	epoch, seq := mustAppend(t, j, "r1", "e2-1")
	if epoch != 2 || seq != 1 {
		t.Fatalf("post-reset append = (%d,%d), want (2,1)", epoch, seq)
	}

	batch, err := j.UnackedBatch("r1", 100)
	if err != nil {
		t.Fatalf("unacked: %v", err)
	}
	// Old epoch drains before the new one.
	if len(batch) != 3 || batch[0].Epoch != 1 || batch[1].Epoch != 1 || batch[2].Epoch != 2 {
		t.Fatalf("unexpected pending order: %+v", batch)
	}

	// Epoch regression rejected.
	if err := j.BumpEpoch("r1", 2); err == nil {
		t.Fatalf("expected epoch regression error")
	}
}

func TestPruneAckedFirstThenDegraded(t *testing.T) {
	j := openTestJournal(t)
	if err := j.EnsureStream("r1"); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	for i := 0; i < 10; i++ {
		mustAppend(t, j, "r1", "x")
	}
	if err := j.AdvanceWatermark("r1", 1, 6); err != nil {
		t.Fatalf("advance: %v", err)
	}

	// Budget 8: two acked rows pruned, nothing unacked touched.
	report, err := j.PruneToBudget(8)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if report != nil {
		t.Fatalf("unexpected degraded report: %+v", report)
	}
	total, _ := j.TotalEvents()
	if total != 8 {
		t.Fatalf("total = %d, want 8", total)
	}

	// Budget 2: remaining 4 acked rows go, then 2 unacked rows, which must
	// be reported.
	report, err = j.PruneToBudget(2)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if report == nil || report.Total() != 2 || report.PrunedByStream["r1"] != 2 {
		t.Fatalf("degraded report = %+v, want 2 pruned on r1", report)
	}
	total, _ = j.TotalEvents()
	if total != 2 {
		t.Fatalf("total = %d, want 2", total)
	}
	// The pruned unacked rows were the oldest; seqs 9 and 10 survive.
	batch, err := j.UnackedBatch("r1", 100)
	if err != nil {
		t.Fatalf("unacked: %v", err)
	}
	if len(batch) != 2 || batch[0].Seq != 9 || batch[1].Seq != 10 {
		t.Fatalf("survivors = %+v, want seqs 9,10", batch)
	}
}

func TestResumeCursors(t *testing.T) {
	j := openTestJournal(t)
	for _, k := range []string{"r1", "r2"} {
		if err := j.EnsureStream(k); err != nil {
			t.Fatalf("ensure: %v", err)
		}
	}
	mustAppend(t, j, "r1", "a")
	if err := j.AdvanceWatermark("r1", 1, 1); err != nil {
		t.Fatalf("advance: %v", err)
	}
	cursors, err := j.ResumeCursors()
	if err != nil {
		t.Fatalf("cursors: %v", err)
	}
	if len(cursors) != 1 {
		t.Fatalf("cursors = %v, want only r1", cursors)
	}
	if c := cursors["r1"]; c[0] != 1 || c[1] != 1 {
		t.Fatalf("r1 cursor = %v", c)
	}
}
