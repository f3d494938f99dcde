package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

type Race struct {
	RaceID           string
	Name             string
	CreatedAt        string
	ParticipantCount int64
	ChipCount        int64
}

type Participant struct {
	Bib         int
	FirstName   string
	LastName    string
	Gender      string
	Affiliation string
	ChipIDs     []string
}

type Chip struct {
	ChipID string
	Bib    int
}

func (s *Store) CreateRace(name string) (Race, error) {
	r := Race{RaceID: uuid.NewString(), Name: name, CreatedAt: now()}
	if _, err := s.db.Exec(
		`INSERT INTO races (race_id, name, created_at) VALUES (?, ?, ?)`,
		r.RaceID, r.Name, r.CreatedAt); err != nil {
		return Race{}, fmt.Errorf("store: create race: %w", err)
	}
	return r, nil
}

func (s *Store) ListRaces() ([]Race, error) {
	rows, err := s.db.Query(
		`SELECT r.race_id, r.name, r.created_at,
		        (SELECT COUNT(*) FROM participants p WHERE p.race_id = r.race_id),
		        (SELECT COUNT(*) FROM chips c WHERE c.race_id = r.race_id)
		 FROM races r ORDER BY r.created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("store: list races: %w", err)
	}
	defer rows.Close()

	var out []Race
	for rows.Next() {
		var r Race
		if err := rows.Scan(&r.RaceID, &r.Name, &r.CreatedAt, &r.ParticipantCount, &r.ChipCount); err != nil {
			return nil, fmt.Errorf("store: scan race: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) DeleteRace(raceID string) (bool, error) {
	res, err := s.db.Exec(`DELETE FROM races WHERE race_id = ?`, raceID)
	if err != nil {
		return false, fmt.Errorf("store: delete race: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *Store) RaceExists(raceID string) (bool, error) {
	var one int
	err := s.db.QueryRow(`SELECT 1 FROM races WHERE race_id = ?`, raceID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: race exists: %w", err)
	}
	return true, nil
}

// ReplaceParticipants swaps a race's participant roster wholesale, the way
// a timing operator re-imports a registration export.
func (s *Store) ReplaceParticipants(raceID string, participants []Participant) (int, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("store: begin replace participants: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM participants WHERE race_id = ?`, raceID); err != nil {
		return 0, fmt.Errorf("store: clear participants: %w", err)
	}
	count := 0
	for _, p := range participants {
		if _, err := tx.Exec(
			`INSERT OR IGNORE INTO participants (race_id, bib, first_name, last_name, gender, affiliation)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			raceID, p.Bib, p.FirstName, p.LastName, p.Gender, nullable(p.Affiliation)); err != nil {
			return 0, fmt.Errorf("store: insert participant: %w", err)
		}
		count++
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("store: commit replace participants: %w", err)
	}
	return count, nil
}

func (s *Store) ReplaceChips(raceID string, chips []Chip) (int, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("store: begin replace chips: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM chips WHERE race_id = ?`, raceID); err != nil {
		return 0, fmt.Errorf("store: clear chips: %w", err)
	}
	count := 0
	for _, c := range chips {
		if _, err := tx.Exec(
			`INSERT OR IGNORE INTO chips (race_id, chip_id, bib) VALUES (?, ?, ?)`,
			raceID, c.ChipID, c.Bib); err != nil {
			return 0, fmt.Errorf("store: insert chip: %w", err)
		}
		count++
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("store: commit replace chips: %w", err)
	}
	return count, nil
}

func (s *Store) ListParticipants(raceID string) ([]Participant, error) {
	rows, err := s.db.Query(
		`SELECT p.bib, p.first_name, p.last_name, p.gender, COALESCE(p.affiliation, '')
		 FROM participants p WHERE p.race_id = ? ORDER BY p.bib`, raceID)
	if err != nil {
		return nil, fmt.Errorf("store: list participants: %w", err)
	}
	defer rows.Close()

	var out []Participant
	for rows.Next() {
		var p Participant
		if err := rows.Scan(&p.Bib, &p.FirstName, &p.LastName, &p.Gender, &p.Affiliation); err != nil {
			return nil, fmt.Errorf("store: scan participant: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range out {
		chipRows, err := s.db.Query(
			`SELECT chip_id FROM chips WHERE race_id = ? AND bib = ? ORDER BY chip_id`,
			raceID, out[i].Bib)
		if err != nil {
			return nil, fmt.Errorf("store: list chips for bib: %w", err)
		}
		for chipRows.Next() {
			var id string
			if err := chipRows.Scan(&id); err != nil {
				chipRows.Close()
				return nil, fmt.Errorf("store: scan chip: %w", err)
			}
			out[i].ChipIDs = append(out[i].ChipIDs, id)
		}
		if err := chipRows.Err(); err != nil {
			chipRows.Close()
			return nil, err
		}
		chipRows.Close()
	}
	return out, nil
}

// UnmatchedChips lists chips assigned to bibs that have no participant row.
func (s *Store) UnmatchedChips(raceID string) ([]Chip, error) {
	rows, err := s.db.Query(
		`SELECT c.chip_id, c.bib
		 FROM chips c
		 LEFT JOIN participants p ON p.race_id = c.race_id AND p.bib = c.bib
		 WHERE c.race_id = ? AND p.bib IS NULL
		 ORDER BY c.bib`, raceID)
	if err != nil {
		return nil, fmt.Errorf("store: unmatched chips: %w", err)
	}
	defer rows.Close()

	var out []Chip
	for rows.Next() {
		var c Chip
		if err := rows.Scan(&c.ChipID, &c.Bib); err != nil {
			return nil, fmt.Errorf("store: scan chip: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SetForwarderRace sets (or with raceID == "" clears) the coarse mapping
// that places all of a forwarder's streams into a race.
func (s *Store) SetForwarderRace(forwarderID, raceID string) error {
	if raceID == "" {
		if _, err := s.db.Exec(`DELETE FROM forwarder_races WHERE forwarder_id = ?`, forwarderID); err != nil {
			return fmt.Errorf("store: clear forwarder race: %w", err)
		}
		return nil
	}
	_, err := s.db.Exec(
		`INSERT INTO forwarder_races (forwarder_id, race_id) VALUES (?, ?)
		 ON CONFLICT (forwarder_id) DO UPDATE SET race_id = excluded.race_id`,
		forwarderID, raceID)
	if err != nil {
		return fmt.Errorf("store: set forwarder race: %w", err)
	}
	return nil
}

func (s *Store) GetForwarderRace(forwarderID string) (string, bool, error) {
	var raceID string
	err := s.db.QueryRow(
		`SELECT race_id FROM forwarder_races WHERE forwarder_id = ?`, forwarderID).Scan(&raceID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("store: get forwarder race: %w", err)
	}
	return raceID, true, nil
}

func (s *Store) ListForwarderRaces() (map[string]string, error) {
	rows, err := s.db.Query(`SELECT forwarder_id, race_id FROM forwarder_races`)
	if err != nil {
		return nil, fmt.Errorf("store: list forwarder races: %w", err)
	}
	defer rows.Close()

	out := map[string]string{}
	for rows.Next() {
		var fid, rid string
		if err := rows.Scan(&fid, &rid); err != nil {
			return nil, fmt.Errorf("store: scan forwarder race: %w", err)
		}
		out[fid] = rid
	}
	return out, rows.Err()
}

// StreamEpochRace is the fine mapping of one (stream, epoch) into a race.
type StreamEpochRace struct {
	StreamID string
	Epoch    uint64
	RaceID   string
}

// SetStreamEpochRace maps one (stream, epoch) to a race, overriding the
// forwarder-level mapping for that epoch. raceID == "" removes the mapping.
func (s *Store) SetStreamEpochRace(streamID string, epoch uint64, raceID string) error {
	if raceID == "" {
		if _, err := s.db.Exec(
			`DELETE FROM stream_epoch_races WHERE stream_id = ? AND stream_epoch = ?`,
			streamID, epoch); err != nil {
			return fmt.Errorf("store: clear stream epoch race: %w", err)
		}
		return nil
	}
	_, err := s.db.Exec(
		`INSERT INTO stream_epoch_races (stream_id, stream_epoch, race_id) VALUES (?, ?, ?)
		 ON CONFLICT (stream_id, stream_epoch) DO UPDATE SET race_id = excluded.race_id`,
		streamID, epoch, raceID)
	if err != nil {
		return fmt.Errorf("store: set stream epoch race: %w", err)
	}
	return nil
}

func (s *Store) StreamEpochRacesByRace(raceID string) ([]StreamEpochRace, error) {
	rows, err := s.db.Query(
		`SELECT stream_id, stream_epoch, race_id FROM stream_epoch_races
		 WHERE race_id = ? ORDER BY stream_id, stream_epoch`, raceID)
	if err != nil {
		return nil, fmt.Errorf("store: races by race: %w", err)
	}
	defer rows.Close()

	var out []StreamEpochRace
	for rows.Next() {
		var r StreamEpochRace
		if err := rows.Scan(&r.StreamID, &r.Epoch, &r.RaceID); err != nil {
			return nil, fmt.Errorf("store: scan stream epoch race: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) MappedEpochs(streamID string) (map[uint64]string, error) {
	rows, err := s.db.Query(
		`SELECT stream_epoch, race_id FROM stream_epoch_races
		 WHERE stream_id = ? ORDER BY stream_epoch`, streamID)
	if err != nil {
		return nil, fmt.Errorf("store: mapped epochs: %w", err)
	}
	defer rows.Close()

	out := map[uint64]string{}
	for rows.Next() {
		var epoch uint64
		var rid string
		if err := rows.Scan(&epoch, &rid); err != nil {
			return nil, fmt.Errorf("store: scan mapped epoch: %w", err)
		}
		out[epoch] = rid
	}
	return out, rows.Err()
}
