package kinfolk

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	pebble "github.com/cockroachdb/pebble"
)

// IdentityKey is the key the current user's profile is stored under.
const IdentityKey = "kinfolk/current-user"

// IdentityStore persists the signed-in user so slices can read it
// synchronously.
type IdentityStore interface {
	// Load returns the stored identity; ok is false when none is stored.
	Load() (p Profile, ok bool, err error)
	Save(p Profile) error
	Clear() error
	Close() error
}

// MemoryIdentityStore keeps the identity in process memory.
type MemoryIdentityStore struct {
	mu      sync.RWMutex
	profile *Profile
}

func NewMemoryIdentityStore() *MemoryIdentityStore {
	return &MemoryIdentityStore{}
}

func (s *MemoryIdentityStore) Load() (Profile, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.profile == nil {
		return Profile{}, false, nil
	}
	return *s.profile, true, nil
}

func (s *MemoryIdentityStore) Save(p Profile) error {
	s.mu.Lock()
	s.profile = &p
	s.mu.Unlock()
	return nil
}

func (s *MemoryIdentityStore) Clear() error {
	s.mu.Lock()
	s.profile = nil
	s.mu.Unlock()
	return nil
}

func (s *MemoryIdentityStore) Close() error { return nil }

// PebbleIdentityStore persists the identity in a Pebble database on disk.
type PebbleIdentityStore struct {
	db *pebble.DB
}

// OpenPebbleIdentityStore opens (creating if needed) the database at dir.
func OpenPebbleIdentityStore(dir string) (*PebbleIdentityStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open identity store: %w", err)
	}
	return &PebbleIdentityStore{db: db}, nil
}

func (s *PebbleIdentityStore) Load() (Profile, bool, error) {
	v, closer, err := s.db.Get([]byte(IdentityKey))
	if errors.Is(err, pebble.ErrNotFound) {
		return Profile{}, false, nil
	}
	if err != nil {
		return Profile{}, false, err
	}
	defer closer.Close()

	var p Profile
	if err := json.Unmarshal(v, &p); err != nil {
		return Profile{}, false, fmt.Errorf("decode identity: %w", err)
	}
	return p, true, nil
}

func (s *PebbleIdentityStore) Save(p Profile) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return s.db.Set([]byte(IdentityKey), data, pebble.Sync)
}

func (s *PebbleIdentityStore) Clear() error {
	return s.db.Delete([]byte(IdentityKey), pebble.Sync)
}

func (s *PebbleIdentityStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
