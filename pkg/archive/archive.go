// Package archive keeps exported audit bundles in content-addressed
// storage. A bundle is addressed by the SHA-256 of its canonical JSON, so
// anyone holding the hash can detect a substituted or edited export.
package archive

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ErrNotFound is returned by Get for an unknown hash.
var ErrNotFound = errors.New("archive: object not found")

// Store is content-addressed blob storage.
type Store interface {
	// Put persists data and returns its address, "sha256:<hex>".
	// Putting the same bytes twice is a no-op.
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, hash string) ([]byte, error)
	Exists(ctx context.Context, hash string) (bool, error)
}

const hashPrefix = "sha256:"

// rawHash validates an address and returns its hex digest.
func rawHash(hash string) (string, error) {
	if !strings.HasPrefix(hash, hashPrefix) {
		return "", fmt.Errorf("archive: invalid hash format: %s", hash)
	}
	raw := hash[len(hashPrefix):]
	if b, err := hex.DecodeString(raw); err != nil || len(b) != 32 {
		return "", fmt.Errorf("archive: invalid hash hex: %s", hash)
	}
	return raw, nil
}

func objectName(prefix, raw string) string {
	return prefix + raw + ".json"
}

// FileStore is a filesystem-backed Store.
type FileStore struct {
	baseDir string
	mu      sync.RWMutex
}

// NewFileStore creates a store rooted at baseDir.
func NewFileStore(baseDir string) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0750); err != nil {
		return nil, fmt.Errorf("failed to ensure archive dir: %w", err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

func (s *FileStore) Put(_ context.Context, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw := digest(data)
	path := filepath.Join(s.baseDir, objectName("", raw))
	if _, err := os.Stat(path); err == nil {
		return hashPrefix + raw, nil
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return "", fmt.Errorf("failed to write bundle: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("failed to commit bundle: %w", err)
	}
	return hashPrefix + raw, nil
}

func (s *FileStore) Get(_ context.Context, hash string) ([]byte, error) {
	raw, err := rawHash(hash)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(filepath.Join(s.baseDir, objectName("", raw)))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, hash)
	}
	return data, err
}

func (s *FileStore) Exists(_ context.Context, hash string) (bool, error) {
	raw, err := rawHash(hash)
	if err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, err = os.Stat(filepath.Join(s.baseDir, objectName("", raw)))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, os.ErrNotExist):
		return false, nil
	default:
		return false, err
	}
}
