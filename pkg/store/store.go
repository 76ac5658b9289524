// Package store implements the persistent key/blob stores the debugger
// saves its session data to.
package store

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"sync"

	"github.com/go-delve/livecore/pkg/config"
	"github.com/go-delve/livecore/pkg/logflags"
)

// ErrNotFound is returned by Get and Delete for missing keys.
var ErrNotFound = errors.New("key not found")

// Store is a persistent map from keys to blobs.
type Store interface {
	Get(key string) ([]byte, error)
	Put(key string, blob []byte) error
	// Keys returns every key, sorted.
	Keys() ([]string, error)
	Delete(key string) error
	Close() error
}

var validKey = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

func checkKey(key string) error {
	if !validKey.MatchString(key) || key == "." || key == ".." {
		return fmt.Errorf("invalid store key %q", key)
	}
	return nil
}

// Open opens the store configured in cfg.
func Open(cfg config.StoreConfig) (Store, error) {
	logflags.StoreLogger().Debugf("opening %s store %s", cfg.Backend, cfg.Path)
	switch cfg.Backend {
	case "memory":
		return NewMemory(), nil
	case "dir", "":
		return OpenDir(cfg.Path)
	case "sqlite":
		return OpenSQLite(cfg.Path)
	}
	return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
}

// Memory is a Store that keeps everything in memory.
type Memory struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{blobs: make(map[string][]byte)}
}

func (s *Memory) Get(key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	blob, ok := s.blobs[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), blob...), nil
}

func (s *Memory) Put(key string, blob []byte) error {
	if err := checkKey(key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[key] = append([]byte(nil), blob...)
	return nil
}

func (s *Memory) Keys() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.blobs))
	for key := range s.blobs {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *Memory) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blobs[key]; !ok {
		return ErrNotFound
	}
	delete(s.blobs, key)
	return nil
}

func (s *Memory) Close() error {
	return nil
}
