package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/vultisig/sssrecovery/contexthelper"
	"github.com/vultisig/sssrecovery/internal/types"
)

var validKey = regexp.MustCompile(`^[A-Za-z0-9_.\-]+$`)

// FileStore keeps one 0600 file per key below a 0700 directory.
type FileStore struct {
	mu  sync.Mutex
	dir string
}

func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("fail to create storage directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (f *FileStore) path(key string) (string, error) {
	if !validKey.MatchString(key) || key == "." || key == ".." {
		return "", fmt.Errorf("invalid key %q", key)
	}
	return filepath.Join(f.dir, key), nil
}

func (f *FileStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := contexthelper.CheckCancellation(ctx); err != nil {
		return nil, err
	}
	p, err := f.path(key)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	b, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fail to read %s: %w", key, err)
	}
	return b, nil
}

// Set writes to a temporary file and renames it over the old value.
func (f *FileStore) Set(ctx context.Context, key string, value []byte) error {
	if err := contexthelper.CheckCancellation(ctx); err != nil {
		return err
	}
	p, err := f.path(key)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, value, 0o600); err != nil {
		return fmt.Errorf("fail to write %s: %w", key, err)
	}
	if err := os.Rename(tmp, p); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("fail to replace %s: %w", key, err)
	}
	return nil
}

// Delete overwrites the file with zeros before unlinking it.
func (f *FileStore) Delete(ctx context.Context, key string) error {
	if err := contexthelper.CheckCancellation(ctx); err != nil {
		return err
	}
	p, err := f.path(key)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	info, err := os.Stat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("fail to stat %s: %w", key, err)
	}
	if err := os.WriteFile(p, make([]byte, info.Size()), 0o600); err != nil {
		return fmt.Errorf("fail to overwrite %s: %w", key, err)
	}
	if err := os.Remove(p); err != nil {
		return fmt.Errorf("fail to remove %s: %w", key, err)
	}
	return nil
}
