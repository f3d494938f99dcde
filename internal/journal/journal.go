// Package journal is the forwarder's durable read log. Every read is
// persisted with a (stream_key, epoch, seq) identity before it becomes
// eligible for uplink; the server's acknowledgement watermark is tracked per
// stream so unacked records are retransmitted on every session start until
// confirmed.
package journal

import (
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// ErrIntegrity is returned by Open when PRAGMA integrity_check fails. The
// journal must not be used; recovery requires an explicit administrative
// reset of the file, never a silent fallback to an empty journal.
var ErrIntegrity = errors.New("journal: integrity check failed")

// ErrUnknownStream is returned for operations on a stream_key that was never
// registered with EnsureStream.
var ErrUnknownStream = errors.New("journal: unknown stream")

// Record is one journaled read.
type Record struct {
	ID              int64
	StreamKey       string
	Epoch           uint64
	Seq             uint64
	ReaderTimestamp string
	RawLine         string
	ReadType        string
	ReceivedAt      string
}

// Degraded reports unacked records that had to be pruned to stay inside the
// retention budget. Its presence is a loss event and is surfaced, never
// swallowed.
type Degraded struct {
	// PrunedByStream maps stream_key to the number of unacked records lost.
	PrunedByStream map[string]int64
}

// Total returns the total number of unacked records lost.
func (d *Degraded) Total() int64 {
	var n int64
	for _, c := range d.PrunedByStream {
		n += c
	}
	return n
}

// Journal is the durable SQLite-backed read log. Safe for concurrent use;
// SQLite serializes writers through the single connection.
type Journal struct {
	db *sql.DB
}

// Open opens (or creates) the journal at path. synchronous=FULL makes every
// committed append durable before the call returns; an integrity_check
// failure is fatal and reported as ErrIntegrity.
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("journal: open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: connect: %w", err)
	}
	// Single writer; avoids SQLITE_BUSY between the appender and the uplink.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("journal: %q: %w", pragma, err)
		}
	}

	var check string
	if err := db.QueryRow("PRAGMA integrity_check").Scan(&check); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: integrity_check: %w", err)
	}
	if check != "ok" {
		db.Close()
		return nil, fmt.Errorf("%w: %s", ErrIntegrity, check)
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: apply schema: %w", err)
	}
	return &Journal{db: db}, nil
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// EnsureStream registers stream state for a newly discovered reader. A
// stream that already exists from a previous run is left untouched.
func (j *Journal) EnsureStream(streamKey string) error {
	_, err := j.db.Exec(
		`INSERT OR IGNORE INTO stream_state (stream_key, epoch, next_seq, acked_epoch, acked_through_seq)
		 VALUES (?, 1, 1, 0, 0)`, streamKey)
	if err != nil {
		return fmt.Errorf("journal: ensure stream %s: %w", streamKey, err)
	}
	return nil
}

// Append durably records one read, allocating the next seq in the stream's
// current epoch. The record has hit disk when Append returns; a process kill
// immediately afterwards loses nothing.
func (j *Journal) Append(streamKey, readerTimestamp, rawLine, readType string) (epoch, seq uint64, err error) {
	if rawLine == "" {
		return 0, 0, fmt.Errorf("journal: empty raw line for stream %s", streamKey)
	}
	tx, err := j.db.Begin()
	if err != nil {
		return 0, 0, fmt.Errorf("journal: begin append: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRow(`SELECT epoch, next_seq FROM stream_state WHERE stream_key = ?`, streamKey)
	if err := row.Scan(&epoch, &seq); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, 0, fmt.Errorf("%w: %s", ErrUnknownStream, streamKey)
		}
		return 0, 0, fmt.Errorf("journal: read stream state: %w", err)
	}

	receivedAt := time.Now().UTC().Format(time.RFC3339)
	if _, err := tx.Exec(
		`INSERT INTO journal (stream_key, epoch, seq, reader_timestamp, raw_line, read_type, received_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		streamKey, epoch, seq, readerTimestamp, rawLine, readType, receivedAt); err != nil {
		return 0, 0, fmt.Errorf("journal: insert read: %w", err)
	}
	if _, err := tx.Exec(
		`UPDATE stream_state SET next_seq = next_seq + 1 WHERE stream_key = ?`, streamKey); err != nil {
		return 0, 0, fmt.Errorf("journal: bump next_seq: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("journal: commit append: %w", err)
	}
	return epoch, seq, nil
}

// UnackedBatch returns up to limit pending records for one stream in
// (epoch, seq) order, starting just past the ack cursor. Records from older
// epochs drain before newer ones.
func (j *Journal) UnackedBatch(streamKey string, limit int) ([]Record, error) {
	ackedEpoch, ackedSeq, err := j.AckCursor(streamKey)
	if err != nil {
		return nil, err
	}
	rows, err := j.db.Query(
		`SELECT id, stream_key, epoch, seq, COALESCE(reader_timestamp, ''), raw_line, read_type, received_at
		 FROM journal
		 WHERE stream_key = ?
		   AND (epoch > ? OR (epoch = ? AND seq > ?))
		 ORDER BY epoch ASC, seq ASC
		 LIMIT ?`,
		streamKey, ackedEpoch, ackedEpoch, ackedSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("journal: query unacked: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.StreamKey, &r.Epoch, &r.Seq, &r.ReaderTimestamp, &r.RawLine, &r.ReadType, &r.ReceivedAt); err != nil {
			return nil, fmt.Errorf("journal: scan unacked: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// AdvanceWatermark records the server's ack high-water mark for a stream.
// Stale acks (older epoch, or same epoch with a lower seq) are ignored;
// re-applying the current watermark is a no-op. The write is durable when
// the call returns.
func (j *Journal) AdvanceWatermark(streamKey string, epoch, upToSeq uint64) error {
	res, err := j.db.Exec(
		`UPDATE stream_state
		 SET acked_epoch = ?, acked_through_seq = ?
		 WHERE stream_key = ?
		   AND (acked_epoch < ? OR (acked_epoch = ? AND acked_through_seq <= ?))`,
		epoch, upToSeq, streamKey, epoch, epoch, upToSeq)
	if err != nil {
		return fmt.Errorf("journal: advance watermark: %w", err)
	}
	// Zero rows affected means either an unknown stream or a stale ack;
	// distinguish so callers can treat stale acks as harmless.
	if n, _ := res.RowsAffected(); n == 0 {
		var exists int
		if err := j.db.QueryRow(`SELECT COUNT(*) FROM stream_state WHERE stream_key = ?`, streamKey).Scan(&exists); err != nil {
			return fmt.Errorf("journal: check stream state: %w", err)
		}
		if exists == 0 {
			return fmt.Errorf("%w: %s", ErrUnknownStream, streamKey)
		}
	}
	return nil
}

// AckCursor returns the (epoch, seq) high-water mark the server has
// confirmed for a stream. (0, 0) means nothing acked yet.
func (j *Journal) AckCursor(streamKey string) (epoch, seq uint64, err error) {
	row := j.db.QueryRow(
		`SELECT acked_epoch, acked_through_seq FROM stream_state WHERE stream_key = ?`, streamKey)
	if err := row.Scan(&epoch, &seq); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, 0, fmt.Errorf("%w: %s", ErrUnknownStream, streamKey)
		}
		return 0, 0, fmt.Errorf("journal: read ack cursor: %w", err)
	}
	return epoch, seq, nil
}

// CurrentEpoch returns the stream's active epoch.
func (j *Journal) CurrentEpoch(streamKey string) (uint64, error) {
	var epoch uint64
	row := j.db.QueryRow(`SELECT epoch FROM stream_state WHERE stream_key = ?`, streamKey)
	if err := row.Scan(&epoch); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("%w: %s", ErrUnknownStream, streamKey)
		}
		return 0, fmt.Errorf("journal: read epoch: %w", err)
	}
	return epoch, nil
}

// BumpEpoch moves a stream to newEpoch and restarts seq allocation at 1.
// Already-journaled records from prior epochs are retained and remain
// replayable under their original keys until acked. Regressions are
// rejected.
func (j *Journal) BumpEpoch(streamKey string, newEpoch uint64) error {
	cur, err := j.CurrentEpoch(streamKey)
	if err != nil {
		return err
	}
	if newEpoch <= cur {
		return fmt.Errorf("journal: epoch regression for %s: %d -> %d", streamKey, cur, newEpoch)
	}
	if _, err := j.db.Exec(
		`UPDATE stream_state SET epoch = ?, next_seq = 1 WHERE stream_key = ?`,
		newEpoch, streamKey); err != nil {
		return fmt.Errorf("journal: bump epoch: %w", err)
	}
	return nil
}

// StreamKeys lists every stream the journal knows about.
func (j *Journal) StreamKeys() ([]string, error) {
	rows, err := j.db.Query(`SELECT stream_key FROM stream_state ORDER BY stream_key`)
	if err != nil {
		return nil, fmt.Errorf("journal: list streams: %w", err)
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("journal: scan stream key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// ResumeCursors returns the ack cursor of every stream with a non-zero
// watermark, in the shape the uplink hello needs.
func (j *Journal) ResumeCursors() (map[string][2]uint64, error) {
	rows, err := j.db.Query(
		`SELECT stream_key, acked_epoch, acked_through_seq FROM stream_state WHERE acked_epoch > 0`)
	if err != nil {
		return nil, fmt.Errorf("journal: list cursors: %w", err)
	}
	defer rows.Close()
	out := map[string][2]uint64{}
	for rows.Next() {
		var k string
		var e, s uint64
		if err := rows.Scan(&k, &e, &s); err != nil {
			return nil, fmt.Errorf("journal: scan cursor: %w", err)
		}
		out[k] = [2]uint64{e, s}
	}
	return out, rows.Err()
}

// TotalEvents counts journal rows across all streams and epochs.
func (j *Journal) TotalEvents() (int64, error) {
	var n int64
	if err := j.db.QueryRow(`SELECT COUNT(*) FROM journal`).Scan(&n); err != nil {
		return 0, fmt.Errorf("journal: count events: %w", err)
	}
	return n, nil
}
