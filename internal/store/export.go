package store

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
)

// ExportRaw writes a stream's canonical log as bare raw lines, one per
// line, ordered by (epoch, seq). The output replays cleanly into any tool
// that consumed the reader's feed directly.
func (s *Store) ExportRaw(w io.Writer, streamID string) error {
	if _, err := s.GetStream(streamID); err != nil {
		return err
	}
	rows, err := s.db.Query(
		`SELECT raw_read_line FROM events WHERE stream_id = ?
		 ORDER BY stream_epoch ASC, seq ASC`, streamID)
	if err != nil {
		return fmt.Errorf("store: export raw: %w", err)
	}
	defer rows.Close()

	bw := bufio.NewWriter(w)
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return fmt.Errorf("store: scan export row: %w", err)
		}
		if _, err := bw.WriteString(line); err != nil {
			return err
		}
		if err := bw.WriteByte('\n'); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	return bw.Flush()
}

// ExportCSV writes a stream's canonical log as CSV with a header row,
// ordered by (epoch, seq).
func (s *Store) ExportCSV(w io.Writer, streamID string) error {
	if _, err := s.GetStream(streamID); err != nil {
		return err
	}
	rows, err := s.db.Query(
		`SELECT stream_epoch, seq, COALESCE(reader_timestamp, ''), raw_read_line, read_type
		 FROM events WHERE stream_id = ?
		 ORDER BY stream_epoch ASC, seq ASC`, streamID)
	if err != nil {
		return fmt.Errorf("store: export csv: %w", err)
	}
	defer rows.Close()

	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"stream_epoch", "seq", "reader_timestamp", "raw_read_line", "read_type"}); err != nil {
		return err
	}
	for rows.Next() {
		var epoch, seq uint64
		var ts, line, readType string
		if err := rows.Scan(&epoch, &seq, &ts, &line, &readType); err != nil {
			return fmt.Errorf("store: scan export row: %w", err)
		}
		record := []string{
			strconv.FormatUint(epoch, 10),
			strconv.FormatUint(seq, 10),
			ts, line, readType,
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	cw.Flush()
	return cw.Error()
}
