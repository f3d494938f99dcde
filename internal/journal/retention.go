package journal

import (
	"fmt"
	"log/slog"
)

// PruneToBudget trims the journal down to maxEvents rows. Acked records go
// first, oldest first; only when no acked records remain may unacked records
// be pruned, and that loss is returned as a non-nil Degraded report which
// the caller must surface. A nil report means no unacked data was lost.
func (j *Journal) PruneToBudget(maxEvents int64) (*Degraded, error) {
	total, err := j.TotalEvents()
	if err != nil {
		return nil, err
	}
	if total <= maxEvents {
		return nil, nil
	}
	excess := total - maxEvents

	pruned, err := j.pruneAcked(excess)
	if err != nil {
		return nil, err
	}
	excess -= pruned
	if excess <= 0 {
		return nil, nil
	}

	// Out of acked rows: retention is now degraded and unacked reads are
	// dropped oldest first.
	report, err := j.pruneUnacked(excess)
	if err != nil {
		return nil, err
	}
	slog.Error("journal retention degraded: unacked reads pruned",
		slog.Int64("pruned", report.Total()),
		slog.Any("by_stream", report.PrunedByStream))
	return report, nil
}

// pruneAcked deletes up to limit acked rows, oldest first across streams,
// and returns how many were deleted.
func (j *Journal) pruneAcked(limit int64) (int64, error) {
	res, err := j.db.Exec(
		`DELETE FROM journal WHERE id IN (
		     SELECT jr.id FROM journal jr
		     JOIN stream_state ss ON ss.stream_key = jr.stream_key
		     WHERE jr.epoch < ss.acked_epoch
		        OR (jr.epoch = ss.acked_epoch AND jr.seq <= ss.acked_through_seq)
		     ORDER BY jr.id ASC
		     LIMIT ?)`, limit)
	if err != nil {
		return 0, fmt.Errorf("journal: prune acked: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("journal: prune acked rows affected: %w", err)
	}
	return n, nil
}

// pruneUnacked deletes up to limit unacked rows, oldest first, and returns
// the per-stream loss counts.
func (j *Journal) pruneUnacked(limit int64) (*Degraded, error) {
	rows, err := j.db.Query(
		`SELECT jr.id, jr.stream_key FROM journal jr
		 JOIN stream_state ss ON ss.stream_key = jr.stream_key
		 WHERE jr.epoch > ss.acked_epoch
		    OR (jr.epoch = ss.acked_epoch AND jr.seq > ss.acked_through_seq)
		 ORDER BY jr.id ASC
		 LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("journal: select unacked for prune: %w", err)
	}
	var ids []int64
	byStream := map[string]int64{}
	for rows.Next() {
		var id int64
		var key string
		if err := rows.Scan(&id, &key); err != nil {
			rows.Close()
			return nil, fmt.Errorf("journal: scan prune candidate: %w", err)
		}
		ids = append(ids, id)
		byStream[key]++
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal: iterate prune candidates: %w", err)
	}

	for _, id := range ids {
		if _, err := j.db.Exec(`DELETE FROM journal WHERE id = ?`, id); err != nil {
			return nil, fmt.Errorf("journal: prune unacked row: %w", err)
		}
	}
	return &Degraded{PrunedByStream: byStream}, nil
}
