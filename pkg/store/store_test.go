package store

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-delve/livecore/pkg/config"
)

func testStore(t *testing.T, s Store) {
	t.Helper()
	defer s.Close()

	if _, err := s.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get(missing): expected ErrNotFound, got %v", err)
	}
	if keys, err := s.Keys(); err != nil || len(keys) != 0 {
		t.Fatalf("Keys() on empty store = %v %v", keys, err)
	}

	blobs := map[string][]byte{
		"tracerecord": {0x54, 0x52, 0x43, 0x52, 0, 1, 2},
		"breakpoints": bytes.Repeat([]byte{0xcc}, 10000),
		"empty":       {},
	}
	for key, blob := range blobs {
		if err := s.Put(key, blob); err != nil {
			t.Fatalf("Put(%s): %v", key, err)
		}
	}
	for key, blob := range blobs {
		got, err := s.Get(key)
		if err != nil {
			t.Fatalf("Get(%s): %v", key, err)
		}
		if !bytes.Equal(got, blob) {
			t.Fatalf("Get(%s) returned %d bytes, expected %d", key, len(got), len(blob))
		}
	}

	if err := s.Put("tracerecord", []byte("new")); err != nil {
		t.Fatal(err)
	}
	if got, _ := s.Get("tracerecord"); string(got) != "new" {
		t.Fatalf("Put did not replace the blob: %q", got)
	}

	keys, err := s.Keys()
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"breakpoints", "empty", "tracerecord"}
	if len(keys) != len(want) {
		t.Fatalf("Keys() = %v", keys)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Fatalf("Keys() = %v, expected %v", keys, want)
		}
	}

	if err := s.Delete("breakpoints"); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete("breakpoints"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second Delete: expected ErrNotFound, got %v", err)
	}
	if _, err := s.Get("breakpoints"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get after Delete: expected ErrNotFound, got %v", err)
	}

	if err := s.Put("../escape", []byte{1}); err == nil {
		t.Fatalf("expected invalid key to be rejected")
	}
}

func TestMemory(t *testing.T) {
	testStore(t, NewMemory())
}

func TestDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "traces")
	s, err := OpenDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	testStore(t, s)

	// no temporary files are left behind
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if filepath.Ext(e.Name()) != blobExt {
			t.Fatalf("stray file %s", e.Name())
		}
	}
}

func TestSQLite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.db")
	s, err := OpenSQLite(path)
	if err != nil {
		t.Fatal(err)
	}
	testStore(t, s)

	// data survives reopening
	s, err = OpenSQLite(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if got, err := s.Get("tracerecord"); err != nil || string(got) != "new" {
		t.Fatalf("after reopen: %q %v", got, err)
	}
}

func TestOpen(t *testing.T) {
	for _, backend := range []string{"memory", "dir", "sqlite"} {
		cfg := config.StoreConfig{Backend: backend, Path: filepath.Join(t.TempDir(), "s")}
		s, err := Open(cfg)
		if err != nil {
			t.Fatalf("Open(%s): %v", backend, err)
		}
		if err := s.Put("k", []byte("v")); err != nil {
			t.Fatalf("%s: %v", backend, err)
		}
		s.Close()
	}
	if _, err := Open(config.StoreConfig{Backend: "bogus"}); err == nil {
		t.Fatalf("expected unknown backend to fail")
	}
}
