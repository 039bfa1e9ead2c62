package keymanager

import (
	"context"
	"sync"
	"time"

	"tradecore/src/model"
)

// MemoryStore is the Store used in mock mode and in tests. Same CAS and
// index semantics as the redis store, nothing survives a restart.
type MemoryStore struct {
	mu       sync.Mutex
	records  map[string]model.APIKey
	material map[string]string
	backups  map[string][]model.APIKey
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:  make(map[string]model.APIKey),
		material: make(map[string]string),
		backups:  make(map[string][]model.APIKey),
	}
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Get(_ context.Context, keyID string) (*model.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[keyID]
	if !ok {
		return nil, ErrKeyNotFound
	}
	copied := record
	return &copied, nil
}

func (s *MemoryStore) Put(_ context.Context, key *model.APIKey, expectedVersion int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.records[key.KeyID]
	if !exists && expectedVersion != 0 {
		return ErrVersionConflict
	}
	if exists && current.Version != expectedVersion {
		return ErrVersionConflict
	}

	s.records[key.KeyID] = *key
	if key.Material != "" {
		s.material[materialHash(key.Material)] = key.KeyID
	}
	return nil
}

func (s *MemoryStore) LookupMaterial(_ context.Context, material string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keyID, ok := s.material[materialHash(material)]
	if !ok {
		return "", ErrKeyNotFound
	}
	return keyID, nil
}

func (s *MemoryStore) KeysFor(_ context.Context, userID, venue string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for id, record := range s.records {
		if record.UserID == userID && record.Venue == venue {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (s *MemoryStore) ExpiringBetween(_ context.Context, from, to time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for id, record := range s.records {
		if record.ExpiresAt.IsZero() {
			continue
		}
		if !record.ExpiresAt.Before(from) && !record.ExpiresAt.After(to) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (s *MemoryStore) GraceEndedBefore(_ context.Context, t time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for id, record := range s.records {
		if record.Status != model.KeyStatusRotating || record.Rotation == nil {
			continue
		}
		if !record.Rotation.GracePeriodEnds.After(t) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (s *MemoryStore) Snapshot(_ context.Context, key *model.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.backups[key.KeyID] = append(s.backups[key.KeyID], *key)
	return nil
}

// Backups returns the snapshots taken for a key, oldest first.
func (s *MemoryStore) Backups(keyID string) []model.APIKey {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]model.APIKey(nil), s.backups[keyID]...)
}
