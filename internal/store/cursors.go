package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// UpsertCursor records a receiver's delivery progress on a stream. The
// cursor only moves forward: a write with an older epoch, or the same epoch
// and a lower seq, leaves the stored cursor untouched.
func (s *Store) UpsertCursor(receiverID, streamID string, epoch, lastSeq uint64) error {
	_, err := s.db.Exec(
		`INSERT INTO receiver_cursors (receiver_id, stream_id, stream_epoch, last_seq, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (receiver_id, stream_id) DO UPDATE
		 SET stream_epoch = excluded.stream_epoch,
		     last_seq = excluded.last_seq,
		     updated_at = excluded.updated_at
		 WHERE excluded.stream_epoch > receiver_cursors.stream_epoch
		    OR (excluded.stream_epoch = receiver_cursors.stream_epoch
		        AND excluded.last_seq >= receiver_cursors.last_seq)`,
		receiverID, streamID, epoch, lastSeq, now())
	if err != nil {
		return fmt.Errorf("store: upsert cursor: %w", err)
	}
	return nil
}

// FetchCursor returns a receiver's stored cursor for a stream. ok is false
// when the receiver has never acked anything on the stream.
func (s *Store) FetchCursor(receiverID, streamID string) (epoch, lastSeq uint64, ok bool, err error) {
	err = s.db.QueryRow(
		`SELECT stream_epoch, last_seq FROM receiver_cursors
		 WHERE receiver_id = ? AND stream_id = ?`,
		receiverID, streamID).Scan(&epoch, &lastSeq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, 0, false, nil
	}
	if err != nil {
		return 0, 0, false, fmt.Errorf("store: fetch cursor: %w", err)
	}
	return epoch, lastSeq, true, nil
}

// ReceiverCursor is one stored delivery position.
type ReceiverCursor struct {
	StreamID string
	Epoch    uint64
	LastSeq  uint64
}

// CursorsForReceiver lists every stored cursor for one receiver.
func (s *Store) CursorsForReceiver(receiverID string) ([]ReceiverCursor, error) {
	rows, err := s.db.Query(
		`SELECT stream_id, stream_epoch, last_seq FROM receiver_cursors
		 WHERE receiver_id = ? ORDER BY stream_id`, receiverID)
	if err != nil {
		return nil, fmt.Errorf("store: list cursors: %w", err)
	}
	defer rows.Close()

	var out []ReceiverCursor
	for rows.Next() {
		var c ReceiverCursor
		if err := rows.Scan(&c.StreamID, &c.Epoch, &c.LastSeq); err != nil {
			return nil, fmt.Errorf("store: scan cursor: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Backlog reports how many canonical events on a stream the slowest of the
// given receivers has not yet acked. Zero receivers means zero backlog.
func (s *Store) Backlog(streamID string, receiverIDs []string) (int64, error) {
	if len(receiverIDs) == 0 {
		return 0, nil
	}
	total, err := s.EventCount(streamID)
	if err != nil {
		return 0, err
	}
	minAcked := total
	for _, rid := range receiverIDs {
		epoch, seq, ok, err := s.FetchCursor(rid, streamID)
		if err != nil {
			return 0, err
		}
		var acked int64
		if ok {
			if err := s.db.QueryRow(
				`SELECT COUNT(*) FROM events
				 WHERE stream_id = ?
				   AND (stream_epoch < ? OR (stream_epoch = ? AND seq <= ?))`,
				streamID, epoch, epoch, seq).Scan(&acked); err != nil {
				return 0, fmt.Errorf("store: count acked: %w", err)
			}
		}
		if acked < minAcked {
			minAcked = acked
		}
	}
	return total - minAcked, nil
}
