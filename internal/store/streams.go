package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// StreamInfo is one row of the stream registry.
type StreamInfo struct {
	StreamID     string
	ForwarderID  string
	ReaderKey    string
	DisplayName  string
	Epoch        uint64
	Online       bool
	RegisteredAt string
}

// UpsertStream registers a (forwarder_id, reader_key) pair, minting a stream
// id on first sight. Repeat registrations return the existing id and the
// epoch the server last observed for it.
func (s *Store) UpsertStream(forwarderID, readerKey string) (streamID string, epoch uint64, err error) {
	tx, err := s.db.Begin()
	if err != nil {
		return "", 0, fmt.Errorf("store: begin upsert stream: %w", err)
	}
	defer tx.Rollback()

	err = tx.QueryRow(
		`SELECT stream_id, stream_epoch FROM streams WHERE forwarder_id = ? AND reader_key = ?`,
		forwarderID, readerKey).Scan(&streamID, &epoch)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		streamID = uuid.NewString()
		epoch = 1
		if _, err := tx.Exec(
			`INSERT INTO streams (stream_id, forwarder_id, reader_key, registered_at) VALUES (?, ?, ?, ?)`,
			streamID, forwarderID, readerKey, now()); err != nil {
			return "", 0, fmt.Errorf("store: insert stream: %w", err)
		}
		if _, err := tx.Exec(
			`INSERT INTO stream_metrics (stream_id) VALUES (?)`, streamID); err != nil {
			return "", 0, fmt.Errorf("store: seed metrics: %w", err)
		}
	case err != nil:
		return "", 0, fmt.Errorf("store: lookup stream: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", 0, fmt.Errorf("store: commit upsert stream: %w", err)
	}
	return streamID, epoch, nil
}

func (s *Store) SetStreamOnline(streamID string, online bool) error {
	_, err := s.db.Exec(`UPDATE streams SET online = ? WHERE stream_id = ?`, boolInt(online), streamID)
	if err != nil {
		return fmt.Errorf("store: set online: %w", err)
	}
	return nil
}

// MarkAllOffline clears online flags left behind by a previous process.
// Called once at startup before any sessions attach.
func (s *Store) MarkAllOffline() error {
	if _, err := s.db.Exec(`UPDATE streams SET online = 0`); err != nil {
		return fmt.Errorf("store: mark all offline: %w", err)
	}
	return nil
}

// ObserveEpoch raises the stream's recorded epoch when the forwarder reports
// a higher one. Lower epochs are ignored; the recorded epoch never moves
// backwards.
func (s *Store) ObserveEpoch(streamID string, epoch uint64) error {
	_, err := s.db.Exec(
		`UPDATE streams SET stream_epoch = ? WHERE stream_id = ? AND stream_epoch < ?`,
		epoch, streamID, epoch)
	if err != nil {
		return fmt.Errorf("store: observe epoch: %w", err)
	}
	return nil
}

// BumpEpoch advances the stream's epoch by one and returns the new value.
// Used by the admin epoch reset once the owning forwarder has confirmed.
func (s *Store) BumpEpoch(streamID string) (uint64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("store: begin bump epoch: %w", err)
	}
	defer tx.Rollback()

	var epoch uint64
	err = tx.QueryRow(`SELECT stream_epoch FROM streams WHERE stream_id = ?`, streamID).Scan(&epoch)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: stream %s", ErrNotFound, streamID)
	}
	if err != nil {
		return 0, fmt.Errorf("store: read epoch: %w", err)
	}
	epoch++
	if _, err := tx.Exec(`UPDATE streams SET stream_epoch = ? WHERE stream_id = ?`, epoch, streamID); err != nil {
		return 0, fmt.Errorf("store: bump epoch: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("store: commit bump epoch: %w", err)
	}
	return epoch, nil
}

func (s *Store) SetDisplayName(streamID, name string) error {
	res, err := s.db.Exec(`UPDATE streams SET display_name = ? WHERE stream_id = ?`, name, streamID)
	if err != nil {
		return fmt.Errorf("store: set display name: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: stream %s", ErrNotFound, streamID)
	}
	return nil
}

func (s *Store) GetStream(streamID string) (StreamInfo, error) {
	var info StreamInfo
	var online int
	err := s.db.QueryRow(
		`SELECT stream_id, forwarder_id, reader_key, display_name, stream_epoch, online, registered_at
		 FROM streams WHERE stream_id = ?`, streamID).
		Scan(&info.StreamID, &info.ForwarderID, &info.ReaderKey, &info.DisplayName, &info.Epoch, &online, &info.RegisteredAt)
	if errors.Is(err, sql.ErrNoRows) {
		return StreamInfo{}, fmt.Errorf("%w: stream %s", ErrNotFound, streamID)
	}
	if err != nil {
		return StreamInfo{}, fmt.Errorf("store: get stream: %w", err)
	}
	info.Online = online != 0
	return info, nil
}

// GetStreamByKey looks up a stream by its wire identity.
func (s *Store) GetStreamByKey(forwarderID, readerKey string) (StreamInfo, error) {
	var streamID string
	err := s.db.QueryRow(
		`SELECT stream_id FROM streams WHERE forwarder_id = ? AND reader_key = ?`,
		forwarderID, readerKey).Scan(&streamID)
	if errors.Is(err, sql.ErrNoRows) {
		return StreamInfo{}, fmt.Errorf("%w: stream %s/%s", ErrNotFound, forwarderID, readerKey)
	}
	if err != nil {
		return StreamInfo{}, fmt.Errorf("store: lookup stream by key: %w", err)
	}
	return s.GetStream(streamID)
}

func (s *Store) ListStreams() ([]StreamInfo, error) {
	rows, err := s.db.Query(
		`SELECT stream_id, forwarder_id, reader_key, display_name, stream_epoch, online, registered_at
		 FROM streams ORDER BY forwarder_id, reader_key`)
	if err != nil {
		return nil, fmt.Errorf("store: list streams: %w", err)
	}
	defer rows.Close()

	var out []StreamInfo
	for rows.Next() {
		var info StreamInfo
		var online int
		if err := rows.Scan(&info.StreamID, &info.ForwarderID, &info.ReaderKey, &info.DisplayName,
			&info.Epoch, &online, &info.RegisteredAt); err != nil {
			return nil, fmt.Errorf("store: scan stream: %w", err)
		}
		info.Online = online != 0
		out = append(out, info)
	}
	return out, rows.Err()
}

// StreamsByForwarder returns all streams a forwarder has ever registered.
func (s *Store) StreamsByForwarder(forwarderID string) ([]StreamInfo, error) {
	all, err := s.ListStreams()
	if err != nil {
		return nil, err
	}
	var out []StreamInfo
	for _, info := range all {
		if info.ForwarderID == forwarderID {
			out = append(out, info)
		}
	}
	return out, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
