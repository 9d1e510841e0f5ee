package auth

import (
	"sync"

	"github.com/vaphes/pocketbase/pkg/models"
)

// Store keeps the token and record of the authenticated user. Implementations
// must be safe for concurrent use.
type Store interface {
	Token() string
	Model() *models.Record
	Save(token string, model *models.Record) error
	Clear() error
}

type MemoryStore struct {
	mux   sync.RWMutex
	token string
	model *models.Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Token() string {
	s.mux.RLock()
	defer s.mux.RUnlock()

	return s.token
}

func (s *MemoryStore) Model() *models.Record {
	s.mux.RLock()
	defer s.mux.RUnlock()

	return s.model
}

func (s *MemoryStore) Save(token string, model *models.Record) error {
	s.mux.Lock()
	defer s.mux.Unlock()

	s.token = token
	s.model = model

	return nil
}

func (s *MemoryStore) Clear() error {
	return s.Save("", nil)
}

// IsValid reports whether the stored token is set and not expired.
func (s *MemoryStore) IsValid() bool {
	return TokenValid(s.Token())
}
