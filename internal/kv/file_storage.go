package kv

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// FileStorage keeps all keys in one JSON document, rewritten atomically on
// every mutation. An exclusive lock on "<path>.lock" keeps a second process
// from opening the same file.
type FileStorage struct {
	path  string
	mu    sync.Mutex
	items map[string]string
	lock  *os.File
}

type fileStorageState struct {
	Items map[string]string `json:"items"`
}

func NewFileStorage(path string) (*FileStorage, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	lock, err := acquireFileLock(path + ".lock")
	if err != nil {
		return nil, err
	}
	s := &FileStorage{
		path:  path,
		items: map[string]string{},
		lock:  lock,
	}
	if err := s.load(); err != nil {
		_ = releaseFileLock(lock)
		return nil, err
	}
	return s, nil
}

func (s *FileStorage) GetItem(key string) (string, bool, error) {
	if key == "" {
		return "", false, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.items[key]
	return value, ok, nil
}

func (s *FileStorage) SetItem(key, value string) error {
	if key == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	previous, existed := s.items[key]
	s.items[key] = value
	if err := s.saveLocked(); err != nil {
		if existed {
			s.items[key] = previous
		} else {
			delete(s.items, key)
		}
		return err
	}
	return nil
}

func (s *FileStorage) RemoveItem(key string) error {
	if key == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	previous, existed := s.items[key]
	if !existed {
		return nil
	}
	delete(s.items, key)
	if err := s.saveLocked(); err != nil {
		s.items[key] = previous
		return err
	}
	return nil
}

func (s *FileStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lock == nil {
		return nil
	}
	err := releaseFileLock(s.lock)
	s.lock = nil
	return err
}

func (s *FileStorage) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil
	}
	var snapshot fileStorageState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return fmt.Errorf("decode %s: %w", s.path, err)
	}
	for key, value := range snapshot.Items {
		s.items[key] = value
	}
	return nil
}

func (s *FileStorage) saveLocked() error {
	snapshot := fileStorageState{Items: make(map[string]string, len(s.items))}
	for key, value := range s.items {
		snapshot.Items[key] = value
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	return writeFileAtomic(s.path, data, 0o644)
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
