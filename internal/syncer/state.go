package syncer

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// SyncState records what a partition last absorbed from the record store:
// the fingerprint of every record whose chunks live in the partition. A
// record present here but absent from the store is a tombstone candidate.
type SyncState struct {
	Partition    string            `json:"partition"`
	Fingerprints map[string]string `json:"fingerprints"`
	LastSync     time.Time         `json:"last_sync"`
	Outcome      string            `json:"outcome"`
}

// StateStore persists SyncState keyed by partition name.
type StateStore interface {
	// Get returns the state for a partition, or nil if none exists.
	Get(ctx context.Context, partition string) (*SyncState, error)
	// Put inserts or replaces the state for a partition.
	Put(ctx context.Context, state SyncState) error
	// Delete removes the state for a partition. Absent state is a no-op.
	Delete(ctx context.Context, partition string) error
}

// MemoryStateStore is an in-memory StateStore for tests.
type MemoryStateStore struct {
	mu     sync.RWMutex
	states map[string]SyncState
}

var _ StateStore = (*MemoryStateStore)(nil)

// NewMemoryStateStore creates an empty in-memory state store.
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{states: make(map[string]SyncState)}
}

func (s *MemoryStateStore) Get(_ context.Context, partition string) (*SyncState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.states[partition]
	if !ok {
		return nil, nil
	}
	// Copy the fingerprint map so callers cannot mutate stored state.
	cp := state
	cp.Fingerprints = make(map[string]string, len(state.Fingerprints))
	for k, v := range state.Fingerprints {
		cp.Fingerprints[k] = v
	}
	return &cp, nil
}

func (s *MemoryStateStore) Put(_ context.Context, state SyncState) error {
	if state.Partition == "" {
		return fmt.Errorf("partition name required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[state.Partition] = state
	return nil
}

func (s *MemoryStateStore) Delete(_ context.Context, partition string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, partition)
	return nil
}

const stateSchema = `
CREATE TABLE IF NOT EXISTS sync_state (
	partition_name TEXT PRIMARY KEY,
	fingerprints   TEXT NOT NULL,
	last_sync      TEXT NOT NULL,
	outcome        TEXT NOT NULL
);
`

// SQLiteStateStore persists sync state in a SQLite table, typically
// sharing the database that holds the records themselves.
type SQLiteStateStore struct {
	db *sql.DB
}

var _ StateStore = (*SQLiteStateStore)(nil)

// NewSQLiteStateStore ensures the sync_state table exists on db.
func NewSQLiteStateStore(db *sql.DB) (*SQLiteStateStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database handle required")
	}
	if _, err := db.Exec(stateSchema); err != nil {
		return nil, fmt.Errorf("init sync_state schema: %w", err)
	}
	return &SQLiteStateStore{db: db}, nil
}

func (s *SQLiteStateStore) Get(ctx context.Context, partition string) (*SyncState, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT partition_name, fingerprints, last_sync, outcome FROM sync_state WHERE partition_name = ?`,
		partition)

	var state SyncState
	var fingerprints, lastSync string
	if err := row.Scan(&state.Partition, &fingerprints, &lastSync, &state.Outcome); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get sync state for %s: %w", partition, err)
	}

	if err := json.Unmarshal([]byte(fingerprints), &state.Fingerprints); err != nil {
		return nil, fmt.Errorf("decode fingerprints for %s: %w", partition, err)
	}
	ts, err := time.Parse(time.RFC3339Nano, lastSync)
	if err != nil {
		return nil, fmt.Errorf("parse last_sync for %s: %w", partition, err)
	}
	state.LastSync = ts
	return &state, nil
}

func (s *SQLiteStateStore) Put(ctx context.Context, state SyncState) error {
	if state.Partition == "" {
		return fmt.Errorf("partition name required")
	}
	if state.Fingerprints == nil {
		state.Fingerprints = map[string]string{}
	}

	fingerprints, err := json.Marshal(state.Fingerprints)
	if err != nil {
		return fmt.Errorf("encode fingerprints for %s: %w", state.Partition, err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sync_state (partition_name, fingerprints, last_sync, outcome)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(partition_name) DO UPDATE SET
			fingerprints = excluded.fingerprints,
			last_sync = excluded.last_sync,
			outcome = excluded.outcome`,
		state.Partition, string(fingerprints),
		state.LastSync.UTC().Format(time.RFC3339Nano), state.Outcome)
	if err != nil {
		return fmt.Errorf("put sync state for %s: %w", state.Partition, err)
	}
	return nil
}

func (s *SQLiteStateStore) Delete(ctx context.Context, partition string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sync_state WHERE partition_name = ?`, partition); err != nil {
		return fmt.Errorf("delete sync state for %s: %w", partition, err)
	}
	return nil
}
