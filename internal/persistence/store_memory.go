package persistence

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"exit_tracker/internal/core"
)

// MemoryStore implements core.IRecordStore in memory with the same
// idempotency rules as SQLiteStore
type MemoryStore struct {
	records map[string]storedRecord
	mu      sync.RWMutex
}

type storedRecord struct {
	rec  core.Record
	data string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]storedRecord),
	}
}

func (s *MemoryStore) SaveRecord(ctx context.Context, rec core.Record) error {
	data, _, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	key := rec.Key()

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.records[key]; ok {
		if existing.data != string(data) {
			return fmt.Errorf("%w: %s", ErrRecordConflict, key)
		}
		return nil
	}
	s.records[key] = storedRecord{rec: rec, data: string(data)}
	return nil
}

func (s *MemoryStore) LoadRecords(ctx context.Context, positionID string) ([]core.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []core.Record
	for _, r := range s.records {
		if r.rec.PositionID() == positionID {
			out = append(out, r.rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return recordOrder(out[i]) < recordOrder(out[j])
	})
	return out, nil
}

// AllRecords returns every stored record grouped by position id
func (s *MemoryStore) AllRecords(ctx context.Context) ([]core.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]core.Record, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r.rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PositionID() != out[j].PositionID() {
			return out[i].PositionID() < out[j].PositionID()
		}
		return recordOrder(out[i]) < recordOrder(out[j])
	})
	return out, nil
}

// Len returns the number of stored records
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func (s *MemoryStore) Close() error {
	return nil
}

// recordOrder sorts legs by index ahead of the settlement
func recordOrder(r core.Record) int {
	if r.Leg != nil {
		return r.Leg.LegIndex
	}
	return int(^uint(0) >> 1)
}
