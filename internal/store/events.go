package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/mattn/go-sqlite3"
)

// IngestResult classifies one event within a batch.
type IngestResult int

const (
	// Inserted means the event became a new canonical row.
	Inserted IngestResult = iota
	// Retransmit means an identical row already existed; the duplicate is
	// counted and discarded.
	Retransmit
	// IntegrityConflict means a row with the same (epoch, seq) identity but
	// a different payload already existed. The stored row wins.
	IntegrityConflict
)

// IngestEvent is one event offered to IngestBatch.
type IngestEvent struct {
	Epoch           uint64
	Seq             uint64
	ReaderTimestamp string
	RawLine         string
	ReadType        string
}

// BatchOutcome summarizes an ingested batch.
type BatchOutcome struct {
	Inserted    int
	Retransmits int
	Conflicts   int
	// Results holds the per-event classification in batch order.
	Results []IngestResult
}

// IngestBatch applies a batch of events for one stream in a single
// transaction. Re-sending a batch is harmless: rows the store already holds
// count as retransmits and nothing is written twice. A payload that differs
// from the stored row under the same (epoch, seq) is a conflict; the stored
// row is retained untouched. A transient busy/locked error is retried a
// bounded number of times; after that it surfaces to the session, which
// must not ack.
func (s *Store) IngestBatch(streamID string, events []IngestEvent) (BatchOutcome, error) {
	var out BatchOutcome
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		out, err = s.ingestOnce(streamID, events)
		if err == nil || !isBusy(err) {
			return out, err
		}
		time.Sleep(time.Duration(attempt+1) * 50 * time.Millisecond)
	}
	return out, err
}

func isBusy(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
}

func (s *Store) ingestOnce(streamID string, events []IngestEvent) (BatchOutcome, error) {
	out := BatchOutcome{Results: make([]IngestResult, 0, len(events))}
	if len(events) == 0 {
		return out, nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return out, fmt.Errorf("store: begin ingest: %w", err)
	}
	defer tx.Rollback()

	for _, ev := range events {
		hash := payloadHash(ev.RawLine)

		var storedHash int64
		var storedLine string
		err := tx.QueryRow(
			`SELECT payload_hash, raw_read_line FROM events
			 WHERE stream_id = ? AND stream_epoch = ? AND seq = ?`,
			streamID, ev.Epoch, ev.Seq).Scan(&storedHash, &storedLine)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			if _, err := tx.Exec(
				`INSERT INTO events (stream_id, stream_epoch, seq, reader_timestamp, raw_read_line, read_type, payload_hash, received_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				streamID, ev.Epoch, ev.Seq, nullable(ev.ReaderTimestamp), ev.RawLine, ev.ReadType, hash, now()); err != nil {
				return out, fmt.Errorf("store: insert event: %w", err)
			}
			out.Inserted++
			out.Results = append(out.Results, Inserted)
		case err != nil:
			return out, fmt.Errorf("store: probe event: %w", err)
		case storedHash == hash && storedLine == ev.RawLine:
			out.Retransmits++
			out.Results = append(out.Results, Retransmit)
		default:
			out.Conflicts++
			out.Results = append(out.Results, IntegrityConflict)
		}
	}

	if _, err := tx.Exec(
		`UPDATE stream_metrics
		 SET raw_count = raw_count + ?,
		     dedup_count = dedup_count + ?,
		     retransmit_count = retransmit_count + ?,
		     conflict_count = conflict_count + ?,
		     last_event_at = CASE WHEN ? > 0 THEN ? ELSE last_event_at END
		 WHERE stream_id = ?`,
		len(events), out.Inserted, out.Retransmits, out.Conflicts,
		out.Inserted, now(), streamID); err != nil {
		return out, fmt.Errorf("store: update metrics: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return out, fmt.Errorf("store: commit ingest: %w", err)
	}
	return out, nil
}

// EventRow is one canonical event joined with its stream identity.
type EventRow struct {
	StreamID        string
	ForwarderID     string
	ReaderKey       string
	Epoch           uint64
	Seq             uint64
	ReaderTimestamp string
	RawLine         string
	ReadType        string
	ReceivedAt      string
}

// EventsAfterCursor returns canonical events for a stream strictly past an
// (epoch, seq) cursor, in (epoch, seq) order. A (0, 0) cursor yields the
// whole log.
func (s *Store) EventsAfterCursor(streamID string, afterEpoch, afterSeq uint64, limit int) ([]EventRow, error) {
	rows, err := s.db.Query(
		`SELECT e.stream_id, s.forwarder_id, s.reader_key, e.stream_epoch, e.seq,
		        COALESCE(e.reader_timestamp, ''), e.raw_read_line, e.read_type, e.received_at
		 FROM events e
		 JOIN streams s ON s.stream_id = e.stream_id
		 WHERE e.stream_id = ?
		   AND (e.stream_epoch > ? OR (e.stream_epoch = ? AND e.seq > ?))
		 ORDER BY e.stream_epoch ASC, e.seq ASC
		 LIMIT ?`,
		streamID, afterEpoch, afterEpoch, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("store: query events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// EventsForEpoch returns the canonical events of one epoch in seq order.
func (s *Store) EventsForEpoch(streamID string, epoch uint64) ([]EventRow, error) {
	rows, err := s.db.Query(
		`SELECT e.stream_id, s.forwarder_id, s.reader_key, e.stream_epoch, e.seq,
		        COALESCE(e.reader_timestamp, ''), e.raw_read_line, e.read_type, e.received_at
		 FROM events e
		 JOIN streams s ON s.stream_id = e.stream_id
		 WHERE e.stream_id = ? AND e.stream_epoch = ?
		 ORDER BY e.seq ASC`,
		streamID, epoch)
	if err != nil {
		return nil, fmt.Errorf("store: query epoch events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]EventRow, error) {
	var out []EventRow
	for rows.Next() {
		var r EventRow
		if err := rows.Scan(&r.StreamID, &r.ForwarderID, &r.ReaderKey, &r.Epoch, &r.Seq,
			&r.ReaderTimestamp, &r.RawLine, &r.ReadType, &r.ReceivedAt); err != nil {
			return nil, fmt.Errorf("store: scan event: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// EventCount counts canonical rows for a stream across all epochs.
func (s *Store) EventCount(streamID string) (int64, error) {
	var n int64
	if err := s.db.QueryRow(
		`SELECT COUNT(*) FROM events WHERE stream_id = ?`, streamID).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count events: %w", err)
	}
	return n, nil
}

// payloadHash is the stored fingerprint used to separate retransmits from
// conflicts without comparing full lines on the common path.
func payloadHash(line string) int64 {
	return int64(xxhash.Sum64String(line))
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
