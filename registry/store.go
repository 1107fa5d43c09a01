package registry

import (
	"database/sql"
	"time"

	"github.com/trellis-host/trellis/errors"
)

// StateStore persists operator state, enabled toggles and failure history,
// in the trellis state database. Descriptors are never persisted; they are
// re-parsed from disk on every discovery.
type StateStore struct {
	db *sql.DB
}

// NewStateStore wraps an open state database.
func NewStateStore(db *sql.DB) *StateStore {
	return &StateStore{db: db}
}

// EnabledStates returns the persisted enabled flag per plugin name.
func (s *StateStore) EnabledStates() (map[string]bool, error) {
	rows, err := s.db.Query("SELECT name, enabled FROM plugin_state")
	if err != nil {
		return nil, errors.Wrap(err, "query plugin state")
	}
	defer rows.Close()

	states := make(map[string]bool)
	for rows.Next() {
		var name string
		var enabled bool
		if err := rows.Scan(&name, &enabled); err != nil {
			return nil, errors.Wrap(err, "scan plugin state")
		}
		states[name] = enabled
	}
	return states, rows.Err()
}

// SaveEnabled upserts the enabled flag for one plugin.
func (s *StateStore) SaveEnabled(name string, enabled bool) error {
	_, err := s.db.Exec(`
		INSERT INTO plugin_state (name, enabled, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(name) DO UPDATE SET enabled = excluded.enabled, updated_at = CURRENT_TIMESTAMP`,
		name, enabled)
	if err != nil {
		return errors.Wrapf(err, "save enabled state for %s", name)
	}
	return nil
}

// FailureRecord is one recorded validation or mount failure.
type FailureRecord struct {
	Reason     string
	RecordedAt time.Time
}

// RecordFailure appends to a plugin's failure history.
func (s *StateStore) RecordFailure(name, reason string) error {
	_, err := s.db.Exec(
		"INSERT INTO plugin_failures (name, reason) VALUES (?, ?)",
		name, reason)
	if err != nil {
		return errors.Wrapf(err, "record failure for %s", name)
	}
	return nil
}

// Failures returns a plugin's failure history, newest first.
func (s *StateStore) Failures(name string) ([]FailureRecord, error) {
	rows, err := s.db.Query(
		"SELECT reason, recorded_at FROM plugin_failures WHERE name = ? ORDER BY recorded_at DESC, id DESC",
		name)
	if err != nil {
		return nil, errors.Wrapf(err, "query failures for %s", name)
	}
	defer rows.Close()

	var records []FailureRecord
	for rows.Next() {
		var rec FailureRecord
		if err := rows.Scan(&rec.Reason, &rec.RecordedAt); err != nil {
			return nil, errors.Wrap(err, "scan failure record")
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
