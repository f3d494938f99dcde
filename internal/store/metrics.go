package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// StreamMetrics carries the per-stream ingest counters. RawCount counts
// every event offered; DedupCount counts canonical inserts. The difference
// is accounted for by retransmits and conflicts.
type StreamMetrics struct {
	StreamID        string
	RawCount        int64
	DedupCount      int64
	RetransmitCount int64
	ConflictCount   int64
	LastEventAt     string
}

func (s *Store) Metrics(streamID string) (StreamMetrics, error) {
	m := StreamMetrics{StreamID: streamID}
	var last sql.NullString
	err := s.db.QueryRow(
		`SELECT raw_count, dedup_count, retransmit_count, conflict_count, last_event_at
		 FROM stream_metrics WHERE stream_id = ?`, streamID).
		Scan(&m.RawCount, &m.DedupCount, &m.RetransmitCount, &m.ConflictCount, &last)
	if errors.Is(err, sql.ErrNoRows) {
		return StreamMetrics{}, fmt.Errorf("%w: metrics for stream %s", ErrNotFound, streamID)
	}
	if err != nil {
		return StreamMetrics{}, fmt.Errorf("store: read metrics: %w", err)
	}
	m.LastEventAt = last.String
	return m, nil
}

func (s *Store) AllMetrics() ([]StreamMetrics, error) {
	rows, err := s.db.Query(
		`SELECT stream_id, raw_count, dedup_count, retransmit_count, conflict_count, last_event_at
		 FROM stream_metrics ORDER BY stream_id`)
	if err != nil {
		return nil, fmt.Errorf("store: list metrics: %w", err)
	}
	defer rows.Close()

	var out []StreamMetrics
	for rows.Next() {
		var m StreamMetrics
		var last sql.NullString
		if err := rows.Scan(&m.StreamID, &m.RawCount, &m.DedupCount, &m.RetransmitCount, &m.ConflictCount, &last); err != nil {
			return nil, fmt.Errorf("store: scan metrics: %w", err)
		}
		m.LastEventAt = last.String
		out = append(out, m)
	}
	return out, rows.Err()
}
