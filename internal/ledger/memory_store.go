package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for local runs and tests.
type MemoryStore struct {
	mu        sync.Mutex
	records   map[string]Record
	byPayload map[string]string
	nowFunc   func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:   make(map[string]Record),
		byPayload: make(map[string]string),
		nowFunc:   time.Now,
	}
}

func (s *MemoryStore) Create(ctx context.Context, rec Record) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.records[rec.ID]; ok {
		return existing, false, nil
	}
	now := s.nowFunc()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	s.records[rec.ID] = rec
	return rec, true, nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (s *MemoryStore) FindByPayload(ctx context.Context, payload string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byPayload[payload]
	if !ok {
		return nil, nil
	}
	rec, ok := s.records[id]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (s *MemoryStore) Transition(ctx context.Context, id string, from, to State, patch Patch) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return Record{}, fmt.Errorf("record %s: %w", id, ErrStatusMismatch)
	}
	if rec.State != from {
		return Record{}, ErrStatusMismatch
	}
	if patch.Payload != "" {
		if owner, taken := s.byPayload[patch.Payload]; taken && owner != id {
			return Record{}, ErrPayloadTaken
		}
		s.byPayload[patch.Payload] = id
		rec.Payload = patch.Payload
	}
	applyPatch(&rec, patch)
	rec.State = to
	rec.UpdatedAt = s.nowFunc()
	s.records[id] = rec
	return rec, nil
}

func (s *MemoryStore) Sweep(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, rec := range s.records {
		if rec.ExpiresAt > 0 && rec.ExpiresAt < now.Unix() {
			delete(s.records, id)
			if rec.Payload != "" {
				delete(s.byPayload, rec.Payload)
			}
			removed++
		}
	}
	return removed, nil
}

func applyPatch(rec *Record, patch Patch) {
	if patch.FailureReason != "" {
		rec.FailureReason = patch.FailureReason
	}
	if patch.PreviewKey != "" {
		rec.PreviewKey = patch.PreviewKey
	}
	if patch.HDKey != "" {
		rec.HDKey = patch.HDKey
	}
	if patch.ExpiresAt != 0 {
		rec.ExpiresAt = patch.ExpiresAt
	}
}
