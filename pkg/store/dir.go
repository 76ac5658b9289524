package store

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const blobExt = ".blob"

// Dir is a Store keeping one file per key in a directory. Writes are
// atomic: a blob is written to a temporary file and renamed.
type Dir struct {
	path string
}

// OpenDir opens the directory store at path, creating the directory if
// needed.
func OpenDir(path string) (*Dir, error) {
	if path == "" {
		return nil, errors.New("no store directory")
	}
	if err := os.MkdirAll(path, 0700); err != nil {
		return nil, fmt.Errorf("could not create store directory: %w", err)
	}
	return &Dir{path: path}, nil
}

func (s *Dir) file(key string) string {
	return filepath.Join(s.path, key+blobExt)
}

func (s *Dir) Get(key string) ([]byte, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}
	blob, err := os.ReadFile(s.file(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	return blob, err
}

func (s *Dir) Put(key string, blob []byte) error {
	if err := checkKey(key); err != nil {
		return err
	}
	f, err := os.CreateTemp(s.path, "."+key+".*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	_, err = f.Write(blob)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp, s.file(key))
	}
	if err != nil {
		os.Remove(tmp)
		return fmt.Errorf("writing %s: %w", key, err)
	}
	return nil
}

func (s *Dir) Keys() ([]string, error) {
	entries, err := os.ReadDir(s.path)
	if err != nil {
		return nil, err
	}
	var keys []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, blobExt) {
			continue
		}
		keys = append(keys, strings.TrimSuffix(name, blobExt))
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *Dir) Delete(key string) error {
	if err := checkKey(key); err != nil {
		return err
	}
	err := os.Remove(s.file(key))
	if errors.Is(err, fs.ErrNotExist) {
		return ErrNotFound
	}
	return err
}

func (s *Dir) Close() error {
	return nil
}
