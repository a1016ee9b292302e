// Package store provides crash-safe per-market fill/position persistence
// using JSON files (§4.A).
//
// Each market's state is stored as one JSON document keyed by a deterministic
// 18-character prefix of its condition id (the "0x" prefix skipped, per §6):
// fills-<prefix>.json. Writes are whole-file rewrites, pretty-printed for
// operator inspection, and atomic against process crash: write to a sibling
// temporary, fsync, rename over the target.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/example/marketmaker/pkg/types"
)

const (
	schemaVersion1 = 1
	schemaVersion2 = 2

	prefixLen = 18
)

// Store persists one PersistedMarketState document per condition id.
// All operations are mutex-protected to prevent concurrent file corruption.
type Store struct {
	dir string
	mu  sync.Mutex
}

// Open creates a store backed by the given directory, creating it if absent.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Close is a no-op for file-based storage.
func (s *Store) Close() error { return nil }

// conditionPrefix returns the 18-hex-char prefix of a condition id used as
// its file-name key, per §6's "./data/fills-{conditionId[2:20]}.json"
// convention: skip the "0x" prefix, then take the next 18 characters. IDs
// without a "0x" prefix fall back to the first 18 characters.
func conditionPrefix(conditionID string) string {
	body := conditionID
	if len(body) >= 2 && body[:2] == "0x" {
		body = body[2:]
	}
	if len(body) <= prefixLen {
		return body
	}
	return body[:prefixLen]
}

func (s *Store) path(conditionID string) string {
	return filepath.Join(s.dir, "fills-"+conditionPrefix(conditionID)+".json")
}

// Load returns the persisted state for conditionId, or nil if absent.
// A v1 document (no Economics/InitialCostBasis) is returned with those
// fields left nil; the position tracker recomputes economics from Fills in
// memory when it loads such a document, and nothing writes those economics
// back to the file. The version is stamped to v2 on the next write.
func (s *Store) Load(conditionID string) (*types.PersistedMarketState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(conditionID)
}

func (s *Store) loadLocked(conditionID string) (*types.PersistedMarketState, error) {
	path := s.path(conditionID)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read state: %w", err)
	}

	var state types.PersistedMarketState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("unmarshal state: %w", err)
	}
	if state.ConditionID != "" && conditionPrefix(state.ConditionID) != conditionPrefix(conditionID) {
		return nil, fmt.Errorf("prefix collision: file for %q holds state for %q", conditionID, state.ConditionID)
	}
	return &state, nil
}

// Save atomically rewrites the whole document for state.ConditionID.
// A v1 document is upgraded to v2 on write, per the migration rule.
func (s *Store) Save(state types.PersistedMarketState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if state.SchemaVersion < schemaVersion2 {
		state.SchemaVersion = schemaVersion2
	}
	state.LastUpdated = time.Now()

	return s.writeLocked(state)
}

func (s *Store) writeLocked(state types.PersistedMarketState) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	path := s.path(state.ConditionID)
	tmp := path + ".tmp"

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("open temp state file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("fsync temp state file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close temp state file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename state file: %w", err)
	}
	return nil
}

// AppendFill idempotently records a fill against conditionId's document,
// creating it (seeded with yesId/noId) if absent. If fill.ID already exists
// in the stored list, the record is replaced in place only if the new
// status is later in the MATCHED→MINED→CONFIRMED/FAILED progression; the
// list order is never otherwise changed.
func (s *Store) AppendFill(conditionID, yesTokenID, noTokenID string, fill types.Fill) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.loadLocked(conditionID)
	if err != nil {
		return err
	}
	if state == nil {
		state = &types.PersistedMarketState{
			SchemaVersion: schemaVersion2,
			ConditionID:   conditionID,
			YesTokenID:    yesTokenID,
			NoTokenID:     noTokenID,
		}
	}
	if state.SchemaVersion < schemaVersion2 {
		state.SchemaVersion = schemaVersion2
	}

	replaced := false
	for i, existing := range state.Fills {
		if existing.ID != fill.ID {
			continue
		}
		if fill.Status.IsLaterThan(existing.Status) {
			state.Fills[i] = fill
		}
		replaced = true
		break
	}
	if !replaced {
		state.Fills = append(state.Fills, fill)
	}

	return s.writeLocked(*state)
}

// SetInitialPosition overwrites the document's starting balances, used both
// to seed a brand-new market and to reset a market whose on-chain balance
// has diverged from its tracked expectation (§4.B reconciliation).
func (s *Store) SetInitialPosition(conditionID, yesTokenID, noTokenID string, initial types.InitialPosition, clearFills bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.loadLocked(conditionID)
	if err != nil {
		return err
	}
	if state == nil {
		state = &types.PersistedMarketState{
			SchemaVersion: schemaVersion2,
			ConditionID:   conditionID,
			YesTokenID:    yesTokenID,
			NoTokenID:     noTokenID,
		}
	}
	state.InitialPosition = &initial
	if clearFills {
		state.Fills = nil
	}

	return s.writeLocked(*state)
}

// Clear deletes the persisted document for conditionId, if any.
func (s *Store) Clear(conditionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path(conditionID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove state file: %w", err)
	}
	return nil
}

// Stats summarizes a market's persisted document for operator inspection.
type Stats struct {
	FillCount     int
	SchemaVersion int
	LastUpdated   time.Time
}

// Stats returns a summary of conditionId's document, or the zero value if
// no document exists.
func (s *Store) Stats(conditionID string) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.loadLocked(conditionID)
	if err != nil {
		return Stats{}, err
	}
	if state == nil {
		return Stats{}, nil
	}
	return Stats{
		FillCount:     len(state.Fills),
		SchemaVersion: state.SchemaVersion,
		LastUpdated:   state.LastUpdated,
	}, nil
}
