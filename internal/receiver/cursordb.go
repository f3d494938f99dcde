// Package receiver maintains the downstream session to the server: connect
// with backoff, declare a selection, replay from the locally persisted
// cursors, and hand each delivered read to a sink. The cursor write lands
// before the sink sees the event, so a crash never replays what was already
// handed off.
package receiver

import (
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/iwismer/rusty-timer-sub001/internal/protocol"
)

//go:embed schema.sql
var schemaSQL string

// CursorDB is the receiver's durable cursor file. One row per stream
// identity; updates only ever move forward.
type CursorDB struct {
	db *sql.DB
}

// OpenCursors opens (or creates) the cursor database at path.
// synchronous=FULL makes every cursor advance durable before delivery
// proceeds.
func OpenCursors(path string) (*CursorDB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("receiver: open cursors: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("receiver: connect: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("receiver: %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("receiver: apply schema: %w", err)
	}
	return &CursorDB{db: db}, nil
}

func (c *CursorDB) Close() error {
	return c.db.Close()
}

// Advance moves the cursor for one stream identity. Stale positions are
// ignored so a reordered ack can never rewind delivery.
func (c *CursorDB) Advance(forwarderID, readerKey string, epoch, lastSeq uint64) error {
	_, err := c.db.Exec(
		`INSERT INTO cursors (forwarder_id, reader_key, epoch, last_seq, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (forwarder_id, reader_key) DO UPDATE SET
		     epoch = excluded.epoch,
		     last_seq = excluded.last_seq,
		     updated_at = excluded.updated_at
		 WHERE excluded.epoch > cursors.epoch
		    OR (excluded.epoch = cursors.epoch AND excluded.last_seq >= cursors.last_seq)`,
		forwarderID, readerKey, epoch, lastSeq,
		time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("receiver: advance cursor %s/%s: %w", forwarderID, readerKey, err)
	}
	return nil
}

// Get returns the stored cursor for one stream identity, if any.
func (c *CursorDB) Get(forwarderID, readerKey string) (epoch, lastSeq uint64, ok bool, err error) {
	row := c.db.QueryRow(
		`SELECT epoch, last_seq FROM cursors WHERE forwarder_id = ? AND reader_key = ?`,
		forwarderID, readerKey)
	if err := row.Scan(&epoch, &lastSeq); err != nil {
		if err == sql.ErrNoRows {
			return 0, 0, false, nil
		}
		return 0, 0, false, fmt.Errorf("receiver: read cursor: %w", err)
	}
	return epoch, lastSeq, true, nil
}

// All returns every stored cursor as resume positions for the hello.
func (c *CursorDB) All() ([]protocol.ResumeCursor, error) {
	rows, err := c.db.Query(
		`SELECT forwarder_id, reader_key, epoch, last_seq FROM cursors
		 ORDER BY forwarder_id, reader_key`)
	if err != nil {
		return nil, fmt.Errorf("receiver: list cursors: %w", err)
	}
	defer rows.Close()

	var out []protocol.ResumeCursor
	for rows.Next() {
		var rc protocol.ResumeCursor
		if err := rows.Scan(&rc.ForwarderID, &rc.ReaderKey, &rc.Epoch, &rc.LastSeq); err != nil {
			return nil, fmt.Errorf("receiver: scan cursor: %w", err)
		}
		out = append(out, rc)
	}
	return out, rows.Err()
}
