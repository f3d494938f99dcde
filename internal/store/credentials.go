package store

import (
	"crypto/subtle"
	"database/sql"
	"errors"
	"fmt"
)

// Device roles a credential can be issued for.
const (
	RoleForwarder = "forwarder"
	RoleReceiver  = "receiver"
)

// ErrInvalidToken is returned when a hello's credential does not match the
// stored token for the device, or no token was ever issued.
var ErrInvalidToken = errors.New("store: invalid token")

// SeedCredential issues (or rotates) a device's token. Tokens are managed
// out of band with the seed-token CLI command.
func (s *Store) SeedCredential(deviceID, token, role string) error {
	if role != RoleForwarder && role != RoleReceiver {
		return fmt.Errorf("store: unknown role %q", role)
	}
	_, err := s.db.Exec(
		`INSERT INTO credentials (device_id, token, role, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (device_id) DO UPDATE SET token = excluded.token, role = excluded.role`,
		deviceID, token, role, now())
	if err != nil {
		return fmt.Errorf("store: seed credential: %w", err)
	}
	return nil
}

// CheckCredential validates a device's token for the given role. The token
// comparison is constant time.
func (s *Store) CheckCredential(deviceID, token, role string) error {
	var stored, storedRole string
	err := s.db.QueryRow(
		`SELECT token, role FROM credentials WHERE device_id = ?`, deviceID).Scan(&stored, &storedRole)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrInvalidToken, deviceID)
	}
	if err != nil {
		return fmt.Errorf("store: check credential: %w", err)
	}
	if storedRole != role || subtle.ConstantTimeCompare([]byte(stored), []byte(token)) != 1 {
		return fmt.Errorf("%w: %s", ErrInvalidToken, deviceID)
	}
	return nil
}
