package auth

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"

	"github.com/vaphes/pocketbase/pkg/models"
)

type fileState struct {
	Token string         `json:"token"`
	Model *models.Record `json:"model"`
}

// FileStore persists the auth state as JSON so it survives restarts.
type FileStore struct {
	MemoryStore
	path string
	fmux sync.Mutex
}

func NewFileStore(path string) (*FileStore, error) {
	s := &FileStore{path: path}

	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "read auth file %s", path)
	}

	var state fileState
	if err := json.Unmarshal(b, &state); err != nil {
		return nil, errors.Wrapf(err, "parse auth file %s", path)
	}

	if err := s.MemoryStore.Save(state.Token, state.Model); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *FileStore) Save(token string, model *models.Record) error {
	s.fmux.Lock()
	defer s.fmux.Unlock()

	if err := s.MemoryStore.Save(token, model); err != nil {
		return err
	}

	if token == "" && model == nil {
		if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return errors.Wrapf(err, "remove auth file %s", s.path)
		}
		return nil
	}

	b, err := json.Marshal(&fileState{Token: token, Model: model})
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return errors.Wrapf(err, "create auth dir for %s", s.path)
	}

	if err := os.WriteFile(s.path, b, 0o600); err != nil {
		return errors.Wrapf(err, "write auth file %s", s.path)
	}

	return nil
}

func (s *FileStore) Clear() error {
	return s.Save("", nil)
}
